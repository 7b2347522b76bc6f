package delegate

import (
	"context"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskwave/taskwave/internal/plan"
)

// runWaves executes the plan wave by wave. Tasks inside a wave run in
// parallel up to the wave width. A failed task never cancels running
// siblings; it only skips the tasks that depend on it.
func (e *Engine) runWaves(ctx context.Context, p *plan.Plan, onEvent EventFunc) {
	waves, err := p.Waves()
	if err != nil {
		// Unreachable for validated plans; mark everything rather than
		// run a partial order.
		for _, t := range p.Tasks {
			t.Status = plan.StatusSkipped
			t.Result = "skipped: " + err.Error()
		}
		return
	}

	width := e.waveWidth()
	for i, wave := range waves {
		runnable := e.markSkipped(ctx, p, wave, onEvent)
		if len(runnable) == 0 {
			continue
		}
		onEvent(Event{Kind: EventWaveStart, Wave: i + 1, WaveSize: len(runnable)})

		g := new(errgroup.Group)
		g.SetLimit(width)
		for _, t := range runnable {
			t := t
			g.Go(func() error {
				e.executeTask(ctx, p, t, onEvent)
				return nil
			})
		}
		g.Wait() //nolint:errcheck // tasks report through their status

		onEvent(Event{Kind: EventWaveDone, Wave: i + 1})
	}
}

// waveWidth bounds intra-wave parallelism: twice the pool's total slots so
// queued work keeps endpoints warm, capped by the host's CPUs, floor one.
func (e *Engine) waveWidth() int {
	width := runtime.NumCPU()
	if slots := 2 * e.Router.Capacity(); slots < width {
		width = slots
	}
	if width < 1 {
		width = 1
	}
	return width
}

// markSkipped resolves which tasks of a wave can run. Tasks whose
// dependencies did not complete, and every task after cancellation, go
// straight to skipped with a reason in the result.
func (e *Engine) markSkipped(ctx context.Context, p *plan.Plan, wave []*plan.Task, onEvent EventFunc) []*plan.Task {
	runnable := make([]*plan.Task, 0, len(wave))
	for _, t := range wave {
		if ctx.Err() != nil {
			t.Status = plan.StatusSkipped
			t.Result = "skipped: run cancelled"
			onEvent(Event{Kind: EventTaskDone, TaskID: t.ID, Task: t})
			continue
		}
		if dep := unmetDependency(p, t); dep != "" {
			t.Status = plan.StatusSkipped
			t.Result = "skipped: dependency " + dep + " did not complete"
			e.log().Info("skipping task",
				zap.String("task", t.ID),
				zap.String("dependency", dep))
			onEvent(Event{Kind: EventTaskDone, TaskID: t.ID, Task: t})
			continue
		}
		runnable = append(runnable, t)
	}
	return runnable
}

// unmetDependency returns the first dependency of t that is not completed.
// Skipped dependencies propagate: their dependents skip too.
func unmetDependency(p *plan.Plan, t *plan.Task) string {
	for _, id := range t.Dependencies {
		d, ok := p.ByID(id)
		if !ok || d.Status != plan.StatusCompleted {
			return id
		}
	}
	return ""
}

package delegate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/domain"
	"github.com/taskwave/taskwave/internal/plan"
	"github.com/taskwave/taskwave/internal/router"
	"github.com/taskwave/taskwave/internal/tokens"
)

// errNoEscalation means escalation never ran: disabled, no key, over budget,
// or rate limited. Callers fold real escalation failures into the task error
// but stay silent about this one.
var errNoEscalation = errors.New("escalation not attempted")

// escalationOutput is the assumed completion size when estimating the cost
// of a paid call before making it.
const escalationOutput = 2048

// escalationGate rate-limits paid calls across every session in the
// process. Daemon mode runs many sessions against one wallet.
var escalationGate = &rateGate{}

type rateGate struct {
	mu    sync.Mutex
	calls []time.Time
}

// allow records a call if fewer than limit landed in the trailing hour.
// limit <= 0 means unlimited.
func (g *rateGate) allow(now time.Time, limit int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-time.Hour)
	kept := g.calls[:0]
	for _, c := range g.calls {
		if c.After(cutoff) {
			kept = append(kept, c)
		}
	}
	g.calls = kept
	if limit > 0 && len(g.calls) >= limit {
		return false
	}
	g.calls = append(g.calls, now)
	return true
}

// escalate gives a task one attempt on the configured paid provider after
// the local chain failed. The call must clear the cost threshold and the
// hourly rate gate first, and its result still faces the validator.
func (e *Engine) escalate(ctx context.Context, role domain.AgentRole, def config.AgentDefinition, t *plan.Task, deps []*plan.Task, feedback string, onEvent EventFunc) (string, error) {
	es := e.Settings.Escalation
	if !es.Enabled {
		return "", errNoEscalation
	}
	if ctx.Err() != nil {
		return "", errNoEscalation
	}

	provName := es.Provider
	if provName == "" {
		provName = "anthropic"
	}
	model := es.Model
	if model == "" {
		model = defaultEscalationModel(provName)
	}
	apiKey := config.ResolveAPIKey(provName, es.APIKeyRef)
	if apiKey == "" {
		e.log().Warn("escalation configured but no API key resolves", zap.String("provider", provName))
		return "", errNoEscalation
	}

	if es.Threshold > 0 {
		est := e.estimateCost(model, def, t, deps, feedback)
		if est > es.Threshold {
			return "", fmt.Errorf("estimated cost $%.4f exceeds threshold $%.2f", est, es.Threshold)
		}
	}
	if !escalationGate.allow(time.Now(), es.RateLimit) {
		return "", fmt.Errorf("rate limit of %d paid calls per hour reached", es.RateLimit)
	}

	e.log().Info("escalating task to paid provider",
		zap.String("task", t.ID),
		zap.String("provider", provName),
		zap.String("model", model))

	ep := &router.Endpoint{Model: provName + "/" + model}
	start := time.Now()
	result, err := e.attempt(ctx, ep, apiKey, def, t, deps, feedback, onEvent)
	latency := time.Since(start)
	if err != nil {
		t.Attempts = append(t.Attempts, plan.Attempt{Model: model, Outcome: "error", Error: err.Error(), Duration: latency})
		return "", err
	}

	v := e.validator()
	verdict := v.Check(ctx, role, t.Description, result)
	if !verdict.Valid {
		t.Attempts = append(t.Attempts, plan.Attempt{Model: model, Outcome: "validation_fail", Error: verdict.Feedback, Duration: latency})
		onEvent(Event{Kind: EventValidation, TaskID: t.ID, Valid: false, Feedback: verdict.Feedback})
		return "", fmt.Errorf("result rejected: %s", verdict.Feedback)
	}

	t.Attempts = append(t.Attempts, plan.Attempt{Model: model, Outcome: "success", Duration: latency})
	if v.Applies(role) {
		onEvent(Event{Kind: EventValidation, TaskID: t.ID, Valid: true})
	}
	return result, nil
}

func defaultEscalationModel(provName string) string {
	if provName == "openai" {
		return "gpt-4o"
	}
	return "claude-sonnet-4-6"
}

// estimateCost prices the prompt this task would send plus an assumed
// completion. Models missing from the pricing table estimate to zero and
// pass a positive threshold.
func (e *Engine) estimateCost(model string, def config.AgentDefinition, t *plan.Task, deps []*plan.Task, feedback string) float64 {
	pricing, ok := config.LoadPricing()[model]
	if !ok {
		return 0
	}
	in := tokens.Count(e.taskSystem(def)) + tokens.Count(e.taskPrompt(t, deps, def, feedback))
	return float64(in)/1e6*pricing.InputPerMillion +
		float64(escalationOutput)/1e6*pricing.OutputPerMillion
}

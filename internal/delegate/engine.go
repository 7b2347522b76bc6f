package delegate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskwave/taskwave/internal/artifact"
	"github.com/taskwave/taskwave/internal/checkpoint"
	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/domain"
	"github.com/taskwave/taskwave/internal/mcp"
	"github.com/taskwave/taskwave/internal/memory"
	"github.com/taskwave/taskwave/internal/plan"
	"github.com/taskwave/taskwave/internal/provider"
	"github.com/taskwave/taskwave/internal/router"
	"github.com/taskwave/taskwave/internal/tokens"
	"github.com/taskwave/taskwave/internal/tools"
	"github.com/taskwave/taskwave/internal/toolparse"
	"github.com/taskwave/taskwave/internal/validate"
)

// HistoryStore persists plan and task runs. A nil store disables
// persistence; the pipeline itself never depends on it.
type HistoryStore interface {
	SavePlanRun(sessionID, query string, p *plan.Plan) (int64, error)
	FinishPlanRun(planRunID int64, status, answer string) error
	SaveTaskRun(planRunID int64, t *plan.Task) error
	SaveArtifactExecution(sessionID string, ex artifact.Execution) error
}

// Engine runs the delegation pipeline for one session. Optional fields may
// be nil: MCP (built-ins only), Memory (memory tools disabled), Artifacts
// (no artifact context), Checkpoints (no git snapshots), Validator (built
// from Settings on first run), History (no persistence).
type Engine struct {
	Agents       *config.Agents
	Router       *router.Router
	Registry     *tools.Registry
	MCP          *mcp.Manager
	Memory       *memory.Memory
	Artifacts    *artifact.Ring
	Validator    *validate.Validator
	Checkpoints  *checkpoint.Tracker
	Settings     config.Settings
	SettingsPath string
	Workspace    string
	SessionID    string
	History      HistoryStore
	Log          *zap.Logger

	// call performs one streaming call against a pool endpoint. Tests
	// replace it; nil means the real provider dispatch.
	call callFunc
}

// Run executes one delegation turn: plan, schedule, execute, aggregate.
// The returned plan carries per-task statuses, results, and attempts; the
// string is the final user-visible answer. A *plan.ValidationError means the
// planner could not produce an acceptable plan even after the corrective
// re-prompt.
func (e *Engine) Run(ctx context.Context, query string, history []domain.TranscriptMessage, onEvent EventFunc) (*plan.Plan, string, error) {
	if onEvent == nil {
		onEvent = func(Event) {}
	}

	p, err := e.buildPlan(ctx, query, history, onEvent)
	if err != nil {
		onEvent(Event{Kind: EventError, Err: err})
		return nil, "", err
	}
	onEvent(Event{Kind: EventPlan, Plan: p})

	var planRunID int64
	if e.History != nil {
		planRunID, err = e.History.SavePlanRun(e.SessionID, query, p)
		if err != nil {
			e.log().Warn("persist plan run", zap.Error(err))
		}
	}

	e.runWaves(ctx, p, onEvent)

	answer := e.aggregate(ctx, query, p, onEvent)

	if e.History != nil && planRunID > 0 {
		for _, t := range p.Tasks {
			if err := e.History.SaveTaskRun(planRunID, t); err != nil {
				e.log().Warn("persist task run", zap.String("task", t.ID), zap.Error(err))
			}
		}
		status := "completed"
		if _, failed, skipped := p.Counts(); failed+skipped > 0 {
			status = "partial"
		}
		if err := e.History.FinishPlanRun(planRunID, status, answer); err != nil {
			e.log().Warn("finish plan run", zap.Error(err))
		}
	}

	onEvent(Event{Kind: EventDone, Answer: answer})
	return p, answer, nil
}

// buildPlan runs the planner and, when the PLANNER role is under validation,
// gives it one quality pass: an invalid verdict re-plans once with the
// feedback folded into the query. A structurally valid plan is never blocked
// on judge taste alone.
func (e *Engine) buildPlan(ctx context.Context, query string, history []domain.TranscriptMessage, onEvent EventFunc) (*plan.Plan, error) {
	mode := e.Settings.Delegation.PlanMode
	if !e.Settings.Delegation.IsEnabled() {
		// Delegation off means the query still runs, just as one task.
		mode = "single"
	}
	pl := &plan.Planner{
		Agents:   e.Agents,
		Call:     e.plannerCall(onEvent),
		MaxTasks: e.Settings.Delegation.MaxTasks,
		Mode:     mode,
		Log:      e.Log,
	}

	planQuery := query
	if h := renderHistory(history); h != "" {
		planQuery = h + "\n\nCurrent request: " + query
	}

	p, warning, err := pl.Build(ctx, planQuery)
	if err != nil {
		return nil, err
	}
	if warning != "" {
		e.log().Warn(warning)
	}

	v := e.validator()
	if v.Applies(domain.RolePlanner) && pl.Mode != "single" {
		verdict := v.Check(ctx, domain.RolePlanner, query, renderPlan(p))
		onEvent(Event{Kind: EventValidation, Valid: verdict.Valid, Feedback: verdict.Feedback})
		if !verdict.Valid {
			retry, _, rerr := pl.Build(ctx, planQuery+"\n\nA reviewer rejected the previous plan: "+verdict.Feedback)
			if rerr == nil {
				p = retry
			} else {
				e.log().Warn("re-plan after judge rejection failed, keeping original plan", zap.Error(rerr))
			}
		}
	}
	return p, nil
}

func renderPlan(p *plan.Plan) string {
	var b strings.Builder
	for _, t := range p.Tasks {
		fmt.Fprintf(&b, "%s [%s] deps=%v: %s\n", t.ID, t.AgentType, t.Dependencies, t.Description)
	}
	return b.String()
}

// renderHistory compacts the tail of the chat history into a context block
// for the planner.
func renderHistory(history []domain.TranscriptMessage) string {
	if len(history) == 0 {
		return ""
	}
	const keep = 6
	if len(history) > keep {
		history = history[len(history)-keep:]
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, m := range history {
		text := strings.TrimSpace(m.TextContent())
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, tokens.Truncate(text, 200))
	}
	return strings.TrimRight(b.String(), "\n")
}

// plannerCall binds plan building to the router: tool-less call with the
// selection chain as fallbacks.
func (e *Engine) plannerCall(onEvent EventFunc) plan.Caller {
	return func(ctx context.Context, role domain.AgentRole, system, prompt string) (string, error) {
		return e.simpleCall(ctx, role, system, prompt, nil, onEvent)
	}
}

// validator returns the configured validator, building one from settings on
// first use.
func (e *Engine) validator() *validate.Validator {
	if e.Validator == nil {
		e.Validator = validate.New(e.Settings.Validation, e.validatorCall(), e.log())
	}
	return e.Validator
}

// validatorCall routes judge calls: an explicit validation_model binds to
// its pool endpoint when it has one, or to its paid provider otherwise;
// unset falls back to router selection for the VALIDATOR role.
func (e *Engine) validatorCall() validate.Caller {
	return func(ctx context.Context, system, prompt string) (string, error) {
		vm := e.Settings.Validation.ValidationModel
		if vm == "" {
			return e.simpleCall(ctx, domain.RoleValidator, system, prompt, nil, nil)
		}
		ep, ok := e.Router.Find(vm)
		if !ok {
			ep = &router.Endpoint{Model: vm}
		}
		req := e.textRequest(system, prompt, 0)
		if provName, _ := provider.ResolveProviderAndModel(vm, "ollama"); provName != "ollama" {
			req.APIKey = config.ResolveAPIKey(provName, e.Settings.Escalation.APIKeyRef)
		}
		blocks, _, _, err := e.callWithRetry(ctx, e.dialFor(ep), req, nil)
		if err != nil {
			return "", err
		}
		return textOf(blocks), nil
	}
}

// Complete runs a one-shot tool-less call for the given role. The session
// layer uses it for titles and compaction summaries.
func (e *Engine) Complete(ctx context.Context, role domain.AgentRole, system, prompt string) (string, error) {
	return e.simpleCall(ctx, role, system, prompt, nil, nil)
}

// simpleCall runs a tool-less call for the utility roles (planner,
// validator, aggregator): select, walk the chain, report outcomes.
func (e *Engine) simpleCall(ctx context.Context, role domain.AgentRole, system, prompt string, onDelta func(string), onEvent EventFunc) (string, error) {
	sel, err := e.Router.Select(role, prompt)
	if err != nil {
		return "", err
	}
	def, _ := e.Agents.Get(role)

	var errs []string
	for _, ep := range sel.Chain() {
		release, aerr := e.Router.Acquire(ctx, ep)
		if aerr != nil {
			return "", aerr
		}
		req := e.textRequest(system, prompt, def.Temperature)
		req.OnDelta = onDelta
		start := time.Now()
		blocks, _, _, cerr := e.callWithRetry(ctx, e.dialFor(ep), req, onEvent)
		release()
		latency := time.Since(start)

		if cerr != nil {
			e.Router.Report(ep.Model, role, router.OutcomeError, latency)
			errs = append(errs, ep.Model+": "+cerr.Error())
			if ctx.Err() != nil {
				break
			}
			continue
		}
		text := strings.TrimSpace(toolparse.StripThink(textOf(blocks)))
		if text == "" {
			e.Router.Report(ep.Model, role, router.OutcomeEmptyResponse, latency)
			errs = append(errs, ep.Model+": empty response")
			continue
		}
		e.Router.Report(ep.Model, role, router.OutcomeSuccess, latency)
		return text, nil
	}
	return "", fmt.Errorf("%s call failed on all models: %s", role, strings.Join(errs, "; "))
}

func (e *Engine) textRequest(system, prompt string, temperature float64) provider.Request {
	return provider.Request{
		Messages:    []domain.TranscriptMessage{{Role: "user", Content: prompt}},
		System:      system,
		Temperature: temperature,
	}
}

func textOf(blocks []domain.ContentBlock) string {
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

func (e *Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

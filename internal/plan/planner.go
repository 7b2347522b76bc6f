package plan

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/domain"
)

// Caller performs one planning model call and returns the raw response text.
// The delegate engine binds this to the router; tests bind fakes.
type Caller func(ctx context.Context, role domain.AgentRole, system, prompt string) (string, error)

// Planner builds validated plans from user queries.
type Planner struct {
	Agents   *config.Agents
	Call     Caller
	MaxTasks int
	// Mode is the delegation plan_mode setting. "single" skips the planner
	// model and wraps the query into one EXECUTOR task; anything else plans.
	Mode string
	Log  *zap.Logger
}

// Build asks the planner role for a plan and validates it. A rejected plan
// triggers exactly one corrective re-prompt carrying the validation error; a
// second rejection is returned to the caller as a *ValidationError. The
// returned warning is non-empty for oversized but accepted plans.
func (pl *Planner) Build(ctx context.Context, query string) (*Plan, string, error) {
	if pl.Mode == "single" {
		return &Plan{Tasks: []*Task{{
			ID:          "task_1",
			Description: query,
			AgentType:   string(domain.RoleExecutor),
			Status:      StatusPending,
		}}}, "", nil
	}

	def, ok := pl.Agents.Get(domain.RolePlanner)
	if !ok {
		return nil, "", fmt.Errorf("no %s role defined", domain.RolePlanner)
	}

	prompt := pl.prompt(query)
	raw, err := pl.Call(ctx, domain.RolePlanner, def.SystemPrompt, prompt)
	if err != nil {
		return nil, "", fmt.Errorf("planner call: %w", err)
	}

	p, warning, cause := pl.decodeAndValidate(raw)
	if cause == nil {
		return p, warning, nil
	}

	pl.log().Warn("plan rejected, re-prompting once", zap.Error(cause))
	repair := fmt.Sprintf("%s\n\nThe previous plan was rejected: %v\nProduce a corrected plan. Respond with only the JSON object.", prompt, cause)
	raw, err = pl.Call(ctx, domain.RolePlanner, def.SystemPrompt, repair)
	if err != nil {
		return nil, "", fmt.Errorf("planner re-prompt: %w", err)
	}
	p, warning, cause = pl.decodeAndValidate(raw)
	if cause != nil {
		return nil, "", cause
	}
	return p, warning, nil
}

func (pl *Planner) decodeAndValidate(raw string) (*Plan, string, error) {
	p, err := Decode(raw)
	if err != nil {
		// Unparseable output surfaces the same way a bad plan does: the
		// planner failed to produce a usable plan.
		return nil, "", &ValidationError{Reason: err.Error()}
	}
	warning, err := Validate(p, pl.assignable(), pl.MaxTasks)
	if err != nil {
		return nil, "", err
	}
	return p, warning, nil
}

func (pl *Planner) assignable() func(string) bool {
	set := map[string]bool{}
	for _, r := range pl.Agents.PlanRoles() {
		set[strings.ToUpper(string(r))] = true
	}
	return func(role string) bool { return set[strings.ToUpper(role)] }
}

// prompt renders the planner's user message: the assignable roles, the
// best-matching worked examples, then the request itself.
func (pl *Planner) prompt(query string) string {
	var b strings.Builder

	b.WriteString("Available agent roles:\n")
	for _, r := range pl.Agents.PlanRoles() {
		if def, ok := pl.Agents.Get(r); ok {
			fmt.Fprintf(&b, "- %s: %s\n", r, def.Description)
		} else {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}

	for _, ex := range SelectExamples(query, 2) {
		fmt.Fprintf(&b, "\nExample request: %s\nExample plan:\n%s\n", ex.Query, ex.Plan)
	}

	fmt.Fprintf(&b, "\nRequest: %s\n\nRespond with the JSON plan.", query)
	return b.String()
}

func (pl *Planner) log() *zap.Logger {
	if pl.Log == nil {
		return zap.NewNop()
	}
	return pl.Log
}

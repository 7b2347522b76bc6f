package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwave/taskwave/internal/artifact"
	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/domain"
	"github.com/taskwave/taskwave/internal/plan"
	"github.com/taskwave/taskwave/internal/provider"
	"github.com/taskwave/taskwave/internal/router"
	"github.com/taskwave/taskwave/internal/tokens"
	"github.com/taskwave/taskwave/internal/toolparse"
	"github.com/taskwave/taskwave/internal/tools"
)

// taskTimeout bounds one task end to end: every model attempt, retry, and
// tool run it makes shares the budget.
const taskTimeout = 5 * time.Minute

// Attempt failures that end one model's turn and move the task to the next
// model in the fallback chain.
var (
	// ErrExhausted marks two consecutive empty responses from one model.
	ErrExhausted = errors.New("model produced consecutive empty responses")
	// ErrCorrupted marks visible output opening with non-ASCII garbage,
	// the signature of a decoding failure on quantized local models.
	ErrCorrupted = errors.New("model output is corrupted")
)

// executeTask drives one task to a terminal status. It owns the task's
// mutable fields for the duration; errors become the task's result text so
// the aggregator can report them.
func (e *Engine) executeTask(ctx context.Context, p *plan.Plan, t *plan.Task, onEvent EventFunc) {
	t.Status = plan.StatusRunning
	t.StartedAt = time.Now()
	onEvent(Event{Kind: EventTaskStart, TaskID: t.ID, Task: t})

	result, err := e.runTask(ctx, p, t, onEvent)
	t.EndedAt = time.Now()
	if err != nil {
		t.Status = plan.StatusFailed
		t.Result = err.Error()
		e.log().Warn("task failed",
			zap.String("task", t.ID),
			zap.String("agent", t.AgentType),
			zap.Error(err))
	} else {
		t.Status = plan.StatusCompleted
		t.Result = result
	}
	onEvent(Event{Kind: EventTaskDone, TaskID: t.ID, Task: t})
}

// runTask walks the fallback chain for one task. Each model gets the full
// attempt loop; a rejected result retries on the same model with the judge's
// feedback until the task's retry budget is spent. When the chain is
// exhausted the paid escalation path gets one shot.
func (e *Engine) runTask(ctx context.Context, p *plan.Plan, t *plan.Task, onEvent EventFunc) (string, error) {
	role := domain.AgentRole(t.AgentType)
	def, ok := e.Agents.Get(role)
	if !ok {
		return "", fmt.Errorf("unknown agent role %q", t.AgentType)
	}
	deps, err := dependencyTasks(p, t)
	if err != nil {
		return "", err
	}

	sel, err := e.Router.Select(role, t.Description)
	if err != nil {
		return "", err
	}

	tctx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	v := e.validator()
	retries := v.MaxRetries()
	feedback := ""
	var failures []string

	for _, ep := range sel.Chain() {
		for {
			release, aerr := e.Router.Acquire(tctx, ep)
			if aerr != nil {
				return "", taskErr(tctx, aerr)
			}
			start := time.Now()
			result, aerr := e.attempt(tctx, ep, "", def, t, deps, feedback, onEvent)
			release()
			latency := time.Since(start)

			if aerr != nil {
				if tctx.Err() != nil {
					outcome := "cancelled"
					if errors.Is(tctx.Err(), context.DeadlineExceeded) {
						outcome = "timeout"
					}
					t.Attempts = append(t.Attempts, plan.Attempt{Model: ep.Model, Outcome: outcome, Error: aerr.Error(), Duration: latency})
					e.Router.Report(ep.Model, role, router.OutcomeError, latency)
					return "", taskErr(tctx, aerr)
				}
				outcome, routed := classifyAttempt(aerr)
				t.Attempts = append(t.Attempts, plan.Attempt{Model: ep.Model, Outcome: outcome, Error: aerr.Error(), Duration: latency})
				e.Router.Report(ep.Model, role, routed, latency)
				failures = append(failures, ep.Model+": "+aerr.Error())
				break
			}

			verdict := v.Check(tctx, role, t.Description, result)
			if verdict.Valid {
				t.Attempts = append(t.Attempts, plan.Attempt{Model: ep.Model, Outcome: "success", Duration: latency})
				e.Router.Report(ep.Model, role, router.OutcomeSuccess, latency)
				if v.Applies(role) {
					onEvent(Event{Kind: EventValidation, TaskID: t.ID, Valid: true})
				}
				return result, nil
			}

			t.Attempts = append(t.Attempts, plan.Attempt{Model: ep.Model, Outcome: "validation_fail", Error: verdict.Feedback, Duration: latency})
			e.Router.Report(ep.Model, role, router.OutcomeValidationFail, latency)
			onEvent(Event{Kind: EventValidation, TaskID: t.ID, Valid: false, Feedback: verdict.Feedback})
			failures = append(failures, fmt.Sprintf("%s: rejected: %s", ep.Model, verdict.Feedback))
			feedback = verdict.Feedback
			if retries <= 0 {
				break
			}
			retries--
		}
	}

	result, eerr := e.escalate(tctx, role, def, t, deps, feedback, onEvent)
	if eerr == nil {
		return result, nil
	}
	if !errors.Is(eerr, errNoEscalation) {
		failures = append(failures, "escalation: "+eerr.Error())
	}

	return "", fmt.Errorf("all models failed: %s", strings.Join(failures, "; "))
}

// attempt runs the tool loop for one model. The model sees the task prompt,
// issues tool calls, and gets their results back until it answers with plain
// text or the role's loop limit lands. apiKey is set only on paid calls.
func (e *Engine) attempt(ctx context.Context, ep *router.Endpoint, apiKey string, def config.AgentDefinition, t *plan.Task, deps []*plan.Task, feedback string, onEvent EventFunc) (string, error) {
	system := e.taskSystem(def)
	specs := e.taskToolSpecs(ctx, def)
	limit := e.Agents.LoopLimit(domain.AgentRole(t.AgentType), e.Settings.Delegation.LoopLimitOverrides)

	messages := []domain.TranscriptMessage{
		{Role: "user", Content: e.taskPrompt(t, deps, def, feedback)},
	}
	tc := e.toolContext(t)
	dial := e.dialFor(ep)

	empties := 0
	snapshotted := false
	for round := 0; round < limit; round++ {
		req := provider.Request{
			Messages:    messages,
			Tools:       specs,
			System:      system,
			Temperature: def.Temperature,
			APIKey:      apiKey,
		}
		blocks, _, _, err := e.callWithRetry(ctx, dial, req, onEvent)
		if err != nil {
			return "", err
		}

		parsed := toolparse.Parse(textOf(blocks))
		calls := foldCalls(blocks, parsed.Calls)

		if parsed.Visible != "" && toolparse.LooksCorrupted(parsed.Visible) {
			return "", ErrCorrupted
		}
		if parsed.Visible == "" && len(calls) == 0 {
			empties++
			if empties >= 2 {
				return "", ErrExhausted
			}
			continue
		}
		empties = 0

		if len(calls) == 0 {
			return tokens.Truncate(parsed.Visible, resultBudget(def)), nil
		}

		messages = append(messages, assistantMessage(blocks, parsed.Visible))

		if !snapshotted && e.Checkpoints != nil && e.hasMutatingCall(calls) {
			if _, serr := e.Checkpoints.Snapshot(t.ID); serr != nil {
				e.log().Warn("workspace snapshot failed", zap.String("task", t.ID), zap.Error(serr))
			}
			snapshotted = true
		}

		messages = append(messages, e.executeCalls(ctx, calls, tc, t.ID, onEvent))
	}

	return "", fmt.Errorf("no final answer after %d rounds", limit)
}

// toolCall is one call to run, folded from structured tool_use blocks and
// text-parsed carriers. id is the provider's tool_use id when present.
type toolCall struct {
	name string
	args map[string]any
	id   string
}

// foldCalls merges structured tool_use blocks with calls parsed out of the
// visible text. Structured calls come first; a text carrier repeating the
// same name and arguments is the model narrating its own call and is
// dropped.
func foldCalls(blocks []domain.ContentBlock, parsed []toolparse.ToolCall) []toolCall {
	var out []toolCall
	seen := map[string]bool{}
	add := func(name string, args map[string]any, id string) {
		if name == "" {
			return
		}
		key := name + "\x00" + canonicalArgs(args)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, toolCall{name: name, args: args, id: id})
	}
	for _, b := range blocks {
		if b.Type == "tool_use" {
			add(b.ToolName, b.ToolInput, b.ToolUseID)
		}
	}
	for _, c := range parsed {
		add(c.Name, c.Args, "")
	}
	return out
}

// canonicalArgs renders args deterministically for deduplication. Go's JSON
// encoder sorts map keys.
func canonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}

// assistantMessage records what the model said this round. Rounds with
// structured tool_use blocks keep the blocks so result ids pair up; text-only
// rounds keep the think-stripped text.
func assistantMessage(blocks []domain.ContentBlock, visible string) domain.TranscriptMessage {
	for _, b := range blocks {
		if b.Type == "tool_use" {
			return domain.TranscriptMessage{Role: "assistant", Blocks: blocks}
		}
	}
	return domain.TranscriptMessage{Role: "assistant", Content: visible}
}

// executeCalls runs the round's tool calls in order and builds the result
// message. Structured calls get tool_result blocks; text-parsed calls get
// labeled text sections. Tool failures become results the model can read,
// never attempt failures.
func (e *Engine) executeCalls(ctx context.Context, calls []toolCall, tc *tools.Context, taskID string, onEvent EventFunc) domain.TranscriptMessage {
	var resultBlocks []domain.ContentBlock
	var textParts []string

	for _, c := range calls {
		onEvent(Event{Kind: EventToolStart, TaskID: taskID, ToolName: c.name, ToolArgs: c.args})
		result, isErr := e.dispatchTool(ctx, c.name, c.args, tc)
		onEvent(Event{Kind: EventToolDone, TaskID: taskID, ToolName: c.name, ToolResult: result, ToolIsError: isErr})
		e.recordArtifacts(c.name, c.args, result)

		if c.id != "" {
			resultBlocks = append(resultBlocks, domain.ContentBlock{
				Type:       "tool_result",
				ToolUseID:  c.id,
				ToolName:   c.name,
				ToolResult: result,
				IsError:    isErr,
			})
			continue
		}
		label := c.name
		if isErr {
			label += " (error)"
		}
		textParts = append(textParts, fmt.Sprintf("Result of %s:\n%s", label, result))
	}

	msg := domain.TranscriptMessage{Role: "user"}
	if len(resultBlocks) > 0 {
		if len(textParts) > 0 {
			resultBlocks = append(resultBlocks, domain.ContentBlock{Type: "text", Text: strings.Join(textParts, "\n\n")})
		}
		msg.Blocks = resultBlocks
	} else {
		msg.Content = strings.Join(textParts, "\n\n")
	}
	return msg
}

// dispatchTool routes one call: dotted names go to their MCP server,
// everything else to the built-in registry. Errors come back as result text
// so the model can correct itself on the next round.
func (e *Engine) dispatchTool(ctx context.Context, name string, args map[string]any, tc *tools.Context) (string, bool) {
	if server, _ := toolparse.SplitName(name); server != "" {
		if e.MCP == nil {
			return fmt.Sprintf("unknown tool %q: no MCP servers are configured", name), true
		}
		result, isErr := e.MCP.CallTool(ctx, name, args)
		return tools.TruncateResult(result, tools.DefaultResultBudget), isErr
	}
	result, err := e.Registry.Dispatch(ctx, name, args, tc)
	if err != nil {
		return err.Error(), true
	}
	return result, false
}

// taskToolSpecs returns the provider specs for the role's allowed categories
// plus the tools of every connected MCP server, minus disabled names.
func (e *Engine) taskToolSpecs(ctx context.Context, def config.AgentDefinition) []provider.ToolSpec {
	allowed := make(map[string]bool, len(def.AllowedCategories))
	for _, c := range def.AllowedCategories {
		allowed[c] = true
	}
	disabled := make(map[string]bool, len(e.Settings.DisabledTools))
	for _, name := range e.Settings.DisabledTools {
		disabled[name] = true
	}
	for _, name := range def.ForbiddenTools {
		disabled[name] = true
	}

	specs := e.Registry.Specs(allowed, disabled)
	if e.MCP != nil && allowed["mcp"] {
		for _, spec := range e.MCP.ListAllTools(ctx) {
			if !disabled[spec.Name] {
				specs = append(specs, spec)
			}
		}
	}
	return specs
}

// toolContext builds the per-task tool context. The memory handle doubles as
// the artifact file sink.
func (e *Engine) toolContext(t *plan.Task) *tools.Context {
	tc := &tools.Context{
		Workspace:    e.Workspace,
		Agent:        t.AgentType,
		Memory:       e.Memory,
		SettingsPath: e.SettingsPath,
		Log:          e.Log,
	}
	if e.Memory != nil {
		tc.ArtifactsDir = e.Memory.ArtifactsDir()
	}
	return tc
}

// hasMutatingCall reports whether any call can change the workspace: a
// built-in from a writing category. MCP tools are assumed read-only; servers
// that write should be snapshot by their own means.
func (e *Engine) hasMutatingCall(calls []toolCall) bool {
	for _, c := range calls {
		if server, _ := toolparse.SplitName(c.name); server != "" {
			continue
		}
		def, ok := e.Registry.Lookup(c.name)
		if !ok {
			continue
		}
		switch def.Category {
		case tools.CategoryFilesystemWrite, tools.CategoryShell, tools.CategoryPython:
			return true
		}
	}
	return false
}

// recordArtifacts scans a tool result for artifact blocks and records each
// in the session ring and history.
func (e *Engine) recordArtifacts(tool string, args map[string]any, result string) {
	if e.Artifacts == nil {
		return
	}
	for _, blk := range artifact.Parse(result) {
		ex := artifact.Execution{
			ID:      uuid.NewString(),
			At:      time.Now(),
			Kind:    blk.Kind,
			Title:   blk.Envelope.Title,
			Tool:    tool,
			Args:    args,
			Summary: artifactSummary(blk),
			Size:    blk.End - blk.Start,
		}
		e.Artifacts.Add(ex)
		if e.History != nil {
			if err := e.History.SaveArtifactExecution(e.SessionID, ex); err != nil {
				e.log().Warn("persist artifact execution", zap.Error(err))
			}
		}
	}
}

// artifactSummary is the one-line description an execution carries into
// later task prompts.
func artifactSummary(blk artifact.Block) string {
	if blk.Envelope.Title != "" {
		return blk.Envelope.Title
	}
	return blk.Kind + " artifact"
}

// resultBudget caps a task's final answer so dependents and the aggregator
// get a bounded context contribution.
func resultBudget(def config.AgentDefinition) int {
	if def.MaxContextTokens > 0 {
		return def.MaxContextTokens / 2
	}
	return 4096
}

// dependencyTasks resolves a task's dependencies in declaration order. The
// plan was validated, so a missing id is a programming error worth surfacing.
func dependencyTasks(p *plan.Plan, t *plan.Task) ([]*plan.Task, error) {
	deps := make([]*plan.Task, 0, len(t.Dependencies))
	for _, id := range t.Dependencies {
		d, ok := p.ByID(id)
		if !ok {
			return nil, fmt.Errorf("dependency %q not in plan", id)
		}
		deps = append(deps, d)
	}
	return deps, nil
}

// classifyAttempt maps an attempt error to the attempt-record outcome and
// the router histogram outcome.
func classifyAttempt(err error) (string, router.Outcome) {
	switch {
	case errors.Is(err, ErrExhausted):
		return "empty_response", router.OutcomeEmptyResponse
	case errors.Is(err, ErrCorrupted):
		return "corrupted_output", router.OutcomeError
	default:
		return "error", router.OutcomeError
	}
}

// taskErr rewrites context errors into the task's failure text.
func taskErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("timeout after %s", taskTimeout)
	case ctx.Err() != nil:
		return fmt.Errorf("cancelled: %w", ctx.Err())
	default:
		return err
	}
}

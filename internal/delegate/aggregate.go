package delegate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/taskwave/taskwave/internal/artifact"
	"github.com/taskwave/taskwave/internal/domain"
	"github.com/taskwave/taskwave/internal/plan"
	"github.com/taskwave/taskwave/internal/tokens"
)

const aggregatorSystem = `You merge the results of delegated tasks into one answer.
Write the answer directly, as if you had done the work yourself. Do not
mention tasks, agents, or the delegation process. If some work failed or
was skipped, say plainly what is missing.`

// aggregate turns the plan's task results into the final answer. Single-task
// plans pass their result through. Otherwise the AGGREGATOR role streams a
// synthesis; if every model fails, a mechanical summary keeps partial runs
// honest instead of losing the completed work.
func (e *Engine) aggregate(ctx context.Context, query string, p *plan.Plan, onEvent EventFunc) string {
	if len(p.Tasks) == 1 && p.Tasks[0].Status == plan.StatusCompleted {
		result := p.Tasks[0].Result
		onEvent(Event{Kind: EventDelta, DeltaText: result})
		return result
	}

	prompt := e.aggregatePrompt(query, p)
	answer, err := e.simpleCall(ctx, domain.RoleAggregator, aggregatorSystem, prompt,
		func(delta string) {
			onEvent(Event{Kind: EventDelta, DeltaText: delta})
		}, onEvent)
	if err == nil {
		return answer
	}
	e.log().Warn("aggregation fell back to mechanical summary", zap.Error(err))

	summary := fallbackSummary(p)
	onEvent(Event{Kind: EventDelta, DeltaText: summary})
	return summary
}

// aggregatePrompt lays out every task in plan order with its status and
// result, bounded so the merged context fits the aggregator's window.
func (e *Engine) aggregatePrompt(query string, p *plan.Plan) string {
	def, _ := e.Agents.Get(domain.RoleAggregator)
	per := 1024
	if def.MaxContextTokens > 0 {
		if b := def.MaxContextTokens / (len(p.Tasks) + 1); b > 0 {
			per = b
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Original request: %s\n\nTask results in plan order:\n", query)
	for i, t := range p.Tasks {
		fmt.Fprintf(&b, "\n%d. [%s] %s\n", i+1, t.Status, t.Description)
		if t.Result == "" {
			continue
		}
		label := "Result"
		if t.Status != plan.StatusCompleted {
			label = "Error"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, tokens.Truncate(artifact.FlattenText(t.Result), per))
	}
	b.WriteString("\nMerge these into a single answer to the original request.")
	return b.String()
}

// fallbackSummary is the answer of last resort: per-task statuses and
// results with no model in the loop.
func fallbackSummary(p *plan.Plan) string {
	completed, failed, skipped := p.Counts()

	var b strings.Builder
	fmt.Fprintf(&b, "Completed %d of %d tasks", completed, len(p.Tasks))
	if failed > 0 || skipped > 0 {
		fmt.Fprintf(&b, " (%d failed, %d skipped)", failed, skipped)
	}
	b.WriteString(".\n")
	for _, t := range p.Tasks {
		fmt.Fprintf(&b, "\n%s [%s]: %s\n", t.ID, t.Status, t.Description)
		if t.Result != "" {
			b.WriteString(tokens.Truncate(t.Result, 500))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

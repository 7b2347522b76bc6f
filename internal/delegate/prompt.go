package delegate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/taskwave/taskwave/internal/artifact"
	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/plan"
	"github.com/taskwave/taskwave/internal/tokens"
)

// maxArtifactContext bounds how many prior artifact executions a task prompt
// carries.
const maxArtifactContext = 3

// taskSystem assembles the system prompt for one task: the role's text, the
// working directory, and the domain memory block for roles that may touch
// memory.
func (e *Engine) taskSystem(def config.AgentDefinition) string {
	var b strings.Builder
	b.WriteString(def.SystemPrompt)
	if e.Workspace != "" {
		fmt.Fprintf(&b, "\n\nWorking directory: %s", e.Workspace)
	}
	if e.Memory != nil && def.AllowsCategory("memory") {
		b.WriteString("\n\n")
		b.WriteString(e.Memory.Render())
	}
	return b.String()
}

// taskPrompt renders the user message for one task: each dependency's
// description and result, the relevant artifact context, the task itself,
// and rejected-attempt feedback when retrying.
func (e *Engine) taskPrompt(t *plan.Task, deps []*plan.Task, def config.AgentDefinition, feedback string) string {
	var b strings.Builder

	depBudget := def.MaxContextTokens / 4
	if depBudget <= 0 {
		depBudget = 2048
	}
	for _, d := range deps {
		// Flatten before truncating so a cut never lands inside an
		// artifact fence.
		result := artifact.FlattenText(d.Result)
		fmt.Fprintf(&b, "Result of %s (%s):\n%s\n\n", d.ID, d.Description, tokens.Truncate(result, depBudget))
	}

	if arts := e.relevantArtifacts(t.Description); len(arts) > 0 {
		b.WriteString("Recent artifacts from this session:\n")
		for _, a := range arts {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", a.Kind, a.Title, a.Summary)
		}
		b.WriteString("\n")
	}

	b.WriteString("Task: ")
	b.WriteString(t.Description)

	if feedback != "" {
		b.WriteString("\n\nPrevious attempt was rejected because: ")
		b.WriteString(feedback)
		b.WriteString("\nProduce a corrected result.")
	}
	return b.String()
}

// relevantArtifacts picks the ring entries whose kind or title overlap the
// task description, most recent first.
func (e *Engine) relevantArtifacts(description string) []artifact.Execution {
	if e.Artifacts == nil {
		return nil
	}
	recent := e.Artifacts.Recent(20)
	if len(recent) == 0 {
		return nil
	}
	descWords := wordSet(description)

	type scored struct {
		ex    artifact.Execution
		score int
		idx   int
	}
	var ranked []scored
	for i, ex := range recent {
		s := 0
		for w := range wordSet(ex.Title + " " + ex.Kind) {
			if descWords[w] {
				s++
			}
		}
		if s > 0 {
			ranked = append(ranked, scored{ex, s, i})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].idx < ranked[j].idx
	})
	if len(ranked) > maxArtifactContext {
		ranked = ranked[:maxArtifactContext]
	}
	out := make([]artifact.Execution, len(ranked))
	for i, r := range ranked {
		out[i] = r.ex
	}
	return out
}

func wordSet(s string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) >= 3 {
			words[w] = true
		}
	}
	return words
}

package memory

import (
	"fmt"
	"strings"
)

// recentProgressLines is how many trailing progress entries Render includes.
const recentProgressLines = 5

// Render produces the compact text block injected into planner and executor
// prompts. It stays short on purpose: small models drown in long context.
func (m *Memory) Render() string {
	doc := m.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s (domain %s, session %s)\n",
		doc.Metadata.Description, doc.Metadata.Domain, doc.Metadata.SessionID)

	if len(doc.Goals) == 0 {
		b.WriteString("No goals recorded yet.\n")
	} else {
		b.WriteString("Goals:\n")
		for _, g := range doc.Goals {
			fmt.Fprintf(&b, "  %s [%s] %s\n", g.ID, g.Status, g.Description)
			for _, f := range g.Features {
				fmt.Fprintf(&b, "    %s [%s] %s%s\n", f.ID, f.Status, f.Description, testSummary(f))
			}
		}
	}

	if len(doc.Progress) > 0 {
		b.WriteString("Recent progress:\n")
		start := len(doc.Progress) - recentProgressLines
		if start < 0 {
			start = 0
		}
		for _, e := range doc.Progress[start:] {
			fmt.Fprintf(&b, "  - [%s] %s: %s\n", e.Agent, e.Action, e.Outcome)
		}
	}
	return b.String()
}

func testSummary(f *Feature) string {
	if len(f.TestResults) == 0 {
		return ""
	}
	pass, fail := 0, 0
	for _, ok := range f.latestResults() {
		if ok {
			pass++
		} else {
			fail++
		}
	}
	if fail > 0 {
		return fmt.Sprintf(" (tests: %d passing, %d failing)", pass, fail)
	}
	return fmt.Sprintf(" (tests: %d passing)", pass)
}

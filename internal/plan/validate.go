package plan

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxTasks is the hard ceiling on plan size.
	MaxTasks = 12
	// WarnTasks is the size above which a plan is accepted with a warning.
	WarnTasks = 8
)

// ErrCyclic marks a dependency cycle.
var ErrCyclic = errors.New("dependency cycle")

// ValidationError is a rejected plan. The reason is precise enough to feed
// back to the planner for one corrective re-prompt.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid plan: " + e.Reason }

func rejectf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the structural rules on a freshly decoded plan. known
// reports whether a role name may appear in a plan; maxTasks <= 0 falls back
// to MaxTasks. Returns (warning, error): a non-empty warning means the plan
// was accepted but is larger than WarnTasks.
func Validate(p *Plan, known func(role string) bool, maxTasks int) (string, error) {
	if maxTasks <= 0 || maxTasks > MaxTasks {
		maxTasks = MaxTasks
	}
	if p == nil || len(p.Tasks) == 0 {
		return "", rejectf("plan has no tasks")
	}
	if len(p.Tasks) > maxTasks {
		return "", rejectf("plan has %d tasks, the maximum is %d", len(p.Tasks), maxTasks)
	}

	byID := make(map[string]*Task, len(p.Tasks))
	for i, t := range p.Tasks {
		if t.ID == "" {
			return "", rejectf("task %d is missing its id", i+1)
		}
		if t.Description == "" {
			return "", rejectf("task %s is missing its description", t.ID)
		}
		if t.AgentType == "" {
			return "", rejectf("task %s is missing its agent_type", t.ID)
		}
		if !known(t.AgentType) {
			return "", rejectf("task %s names unknown agent role %q", t.ID, t.AgentType)
		}
		if byID[t.ID] != nil {
			return "", rejectf("duplicate task id %s", t.ID)
		}
		byID[t.ID] = t
	}

	for _, t := range p.Tasks {
		for _, dep := range t.Dependencies {
			if byID[dep] == nil {
				return "", rejectf("task %s depends on unknown task %s", t.ID, dep)
			}
		}
	}

	if cycle := findCycle(p.Tasks, byID); len(cycle) > 0 {
		return "", rejectf("dependency cycle: %s", strings.Join(cycle, " -> "))
	}

	var warning string
	if len(p.Tasks) > WarnTasks {
		warning = fmt.Sprintf("plan has %d tasks; plans above %d tasks tend to waste model calls", len(p.Tasks), WarnTasks)
	}
	return warning, nil
}

// findCycle runs a DFS with grey/black marks over the dependency edges and
// returns one cycle as an id path, or nil.
func findCycle(tasks []*Task, byID map[string]*Task) []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))

	var path []string
	var walk func(t *Task) []string
	walk = func(t *Task) []string {
		color[t.ID] = grey
		path = append(path, t.ID)
		for _, dep := range t.Dependencies {
			d := byID[dep]
			if d == nil {
				continue
			}
			switch color[dep] {
			case grey:
				// Close the loop at the first repeated id.
				for i, id := range path {
					if id == dep {
						return append(append([]string{}, path[i:]...), dep)
					}
				}
				return []string{dep, dep}
			case white:
				if cyc := walk(d); cyc != nil {
					return cyc
				}
			}
		}
		color[t.ID] = black
		path = path[:len(path)-1]
		return nil
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			path = path[:0]
			if cyc := walk(t); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// Package plan turns a user query into a validated task DAG and computes its
// execution waves. The planner model proposes the plan; this package enforces
// the structural rules and re-prompts once on rejection.
package plan

import (
	"time"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Attempt records one model attempt at a task.
type Attempt struct {
	Model    string        `json:"model"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Task is one node of a plan. The planner fills the first four fields; the
// executor that owns the task writes the rest. The scheduler only reads a
// task's mutable fields after its wave has completed, so no lock is needed.
type Task struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	AgentType    string   `json:"agent_type"`
	Dependencies []string `json:"dependencies"`

	Status    Status    `json:"status,omitempty"`
	Result    string    `json:"result,omitempty"`
	Attempts  []Attempt `json:"attempts,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Plan is a dependency-ordered task DAG.
type Plan struct {
	Tasks []*Task `json:"tasks"`
}

// ByID returns the task with the given id.
func (p *Plan) ByID(id string) (*Task, bool) {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Completed reports whether every task reached StatusCompleted.
func (p *Plan) Completed() bool {
	for _, t := range p.Tasks {
		if t.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Counts returns how many tasks ended in each terminal state.
func (p *Plan) Counts() (completed, failed, skipped int) {
	for _, t := range p.Tasks {
		switch t.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	return
}

// Waves groups tasks into execution waves: wave 0 holds the tasks with no
// dependencies, wave k+1 the tasks whose dependencies all landed in waves
// <= k. Within a wave, plan order is preserved. Returns ErrCyclic when the
// graph has a cycle; Validate reports that case with the offending path
// before scheduling ever sees it.
func (p *Plan) Waves() ([][]*Task, error) {
	placed := make(map[string]bool, len(p.Tasks))
	remaining := make([]*Task, len(p.Tasks))
	copy(remaining, p.Tasks)

	var waves [][]*Task
	for len(remaining) > 0 {
		var wave []*Task
		var next []*Task
		for _, t := range remaining {
			ready := true
			for _, dep := range t.Dependencies {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, t)
			} else {
				next = append(next, t)
			}
		}
		if len(wave) == 0 {
			return nil, ErrCyclic
		}
		for _, t := range wave {
			placed[t.ID] = true
		}
		waves = append(waves, wave)
		remaining = next
	}
	return waves, nil
}

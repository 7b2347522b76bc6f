// Package delegate runs the delegation pipeline: plan the query, validate
// the plan, execute its tasks in dependency waves, and aggregate the results
// into one answer. Task execution is the heart: a bounded tool loop per
// model attempt with validation retries, a fallback chain, and one paid
// escalation before a task is declared failed.
package delegate

import (
	"time"

	"github.com/taskwave/taskwave/internal/plan"
)

// EventKind classifies pipeline events.
type EventKind int

const (
	EventDelta      EventKind = iota // streaming text chunk (aggregator answer)
	EventPlan                        // plan accepted
	EventWaveStart                   // a wave begins executing
	EventWaveDone                    // all tasks of a wave are terminal
	EventTaskStart                   // one task begins
	EventTaskDone                    // one task reached a terminal state
	EventToolStart                   // a task is about to execute a tool
	EventToolDone                    // tool execution completed
	EventValidation                  // validator verdict on a task result
	EventRetrying                    // model call retry in progress
	EventTitled                      // session title generated
	EventCompacted                   // chat history was compacted
	EventDone                        // run complete, final answer attached
	EventError                       // unrecoverable error
)

// Event carries data for one pipeline event. Only the fields for the given
// kind are set.
type Event struct {
	Kind EventKind

	DeltaText string     // EventDelta
	Plan      *plan.Plan // EventPlan; read-only for consumers

	Wave     int // EventWaveStart / EventWaveDone
	WaveSize int // EventWaveStart

	TaskID string     // task- and tool-scoped events
	Task   *plan.Task // EventTaskStart / EventTaskDone; read-only

	ToolName    string         // EventToolStart / EventToolDone
	ToolArgs    map[string]any // EventToolStart
	ToolResult  string         // EventToolDone
	ToolIsError bool           // EventToolDone

	Valid    bool   // EventValidation
	Feedback string // EventValidation

	RetryAttempt int           // EventRetrying
	RetryAfter   time.Duration // EventRetrying
	RetryMessage string        // EventRetrying

	NewTitle string // EventTitled

	Answer string // EventDone
	Err    error  // EventError
}

// EventFunc receives pipeline events. Calls come from the scheduling
// goroutine and from wave-parallel task goroutines; consumers serialize on
// their side.
type EventFunc func(Event)

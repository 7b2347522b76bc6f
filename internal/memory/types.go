// Package memory implements the persistent per-session project memory:
// goals, features, test results, and an append-only progress log, stored as
// one JSON document per (domain, session) with atomic writes and rotated
// backups. Agents mutate it only through the operations defined here.
package memory

import (
	"errors"
	"time"
)

// Goal and feature status values.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusBlocked    = "blocked"
)

// ValidStatus reports whether s is a recognized status value.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// ErrInvariantViolation marks mutations rejected for breaking a memory
// invariant (completing a feature with failing tests, duplicate ids).
var ErrInvariantViolation = errors.New("invariant violation")

// ErrNotFound marks lookups of unknown goal or feature ids.
var ErrNotFound = errors.New("not found")

// Metadata identifies the owning session. The sequence counters make goal
// and feature ids stable for the life of the session even across removals.
type Metadata struct {
	SessionID   string    `json:"session_id"`
	Domain      string    `json:"domain"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	GoalSeq     int       `json:"goal_seq"`
	FeatureSeq  int       `json:"feature_seq"`
}

// TestResult is one recorded test execution attached to a feature.
type TestResult struct {
	TestID string    `json:"test_id"`
	Passed bool      `json:"passed"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Feature is a verifiable unit of work under a goal.
type Feature struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	Criteria    []string     `json:"criteria"`
	Tests       []string     `json:"tests"`
	TestResults []TestResult `json:"test_results"`
	Priority    int          `json:"priority"`
	Status      string       `json:"status"`
	Assignee    string       `json:"assignee,omitempty"`
	Notes       []string     `json:"notes"`
}

// latestResults folds the result history to the most recent outcome per
// test id.
func (f *Feature) latestResults() map[string]bool {
	latest := make(map[string]bool, len(f.TestResults))
	for _, r := range f.TestResults {
		latest[r.TestID] = r.Passed
	}
	return latest
}

// hasFailingTest reports whether any test's most recent result is a failure.
func (f *Feature) hasFailingTest() bool {
	for _, passed := range f.latestResults() {
		if !passed {
			return true
		}
	}
	return false
}

// Goal groups features toward one outcome.
type Goal struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Constraints []string   `json:"constraints"`
	Status      string     `json:"status"`
	Features    []*Feature `json:"features"`
}

// ProgressEntry is one append-only log record. Entries are immutable once
// written.
type ProgressEntry struct {
	TS        time.Time `json:"ts"`
	Agent     string    `json:"agent"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	FeatureID string    `json:"feature_id,omitempty"`
	Artifacts []string  `json:"artifacts,omitempty"`
}

// Document is the full memory.json payload.
type Document struct {
	Metadata Metadata        `json:"metadata"`
	State    map[string]any  `json:"state"`
	Goals    []*Goal         `json:"goals"`
	Progress []ProgressEntry `json:"progress"`
}

// Clone returns a deep copy of the document. Snapshot reads hand these out
// so callers never alias live state.
func (d *Document) Clone() *Document {
	out := &Document{
		Metadata: d.Metadata,
		State:    make(map[string]any, len(d.State)),
		Goals:    make([]*Goal, 0, len(d.Goals)),
		Progress: append([]ProgressEntry(nil), d.Progress...),
	}
	for k, v := range d.State {
		out.State[k] = v
	}
	for _, g := range d.Goals {
		gc := &Goal{
			ID:          g.ID,
			Description: g.Description,
			Constraints: append([]string(nil), g.Constraints...),
			Status:      g.Status,
			Features:    make([]*Feature, 0, len(g.Features)),
		}
		for _, f := range g.Features {
			fc := *f
			fc.Criteria = append([]string(nil), f.Criteria...)
			fc.Tests = append([]string(nil), f.Tests...)
			fc.TestResults = append([]TestResult(nil), f.TestResults...)
			fc.Notes = append([]string(nil), f.Notes...)
			gc.Features = append(gc.Features, &fc)
		}
		out.Goals = append(out.Goals, gc)
	}
	for i := range out.Progress {
		out.Progress[i].Artifacts = append([]string(nil), out.Progress[i].Artifacts...)
	}
	return out
}

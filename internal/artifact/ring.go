package artifact

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// RingCapacity bounds the per-session artifact execution history.
const RingCapacity = 50

// Execution records one tool run triggered through an artifact: which
// artifact asked for it, what ran, and what came back.
type Execution struct {
	ID      string         `json:"id"`
	At      time.Time      `json:"at"`
	Kind    string         `json:"kind"`
	Title   string         `json:"title"`
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args,omitempty"`
	Result  string         `json:"result,omitempty"`
	Summary string         `json:"summary,omitempty"`
	Size    int            `json:"size"`
}

// Ring keeps the most recent executions, evicting the oldest past
// RingCapacity. Safe for concurrent use.
type Ring struct {
	mu    sync.Mutex
	cache *lru.Cache[string, Execution]
}

// NewRing returns an empty ring.
func NewRing() *Ring {
	// lru.New errors only on non-positive size.
	cache, _ := lru.New[string, Execution](RingCapacity)
	return &Ring{cache: cache}
}

// Add records an execution. Size and Summary are derived from Result when
// unset.
func (r *Ring) Add(e Execution) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if e.Size == 0 {
		e.Size = len(e.Result)
	}
	if e.Summary == "" {
		e.Summary = summarize(e.Result)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Add(e.ID, e)
}

// Get returns the execution with the given id.
func (r *Ring) Get(id string) (Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Get(id)
}

// Recent returns up to n executions in chronological order, newest last.
// n <= 0 returns everything retained.
func (r *Ring) Recent(n int) []Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.cache.Values()
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Len returns the number of retained executions.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// summarize reduces a result to its first line, capped at 200 bytes.
func summarize(result string) string {
	line := result
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > 200 {
		line = line[:200] + "..."
	}
	return line
}

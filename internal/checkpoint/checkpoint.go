// Package checkpoint snapshots the workspace before mutating tool runs so a
// session's filesystem changes can be rolled back. A snapshot is a git stash
// commit pinned under refs/taskwave/<session>/<n>; taking one never touches
// the stash list or the working tree.
package checkpoint

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNoRepo means the workspace is not inside a git repository, so
// checkpointing is unavailable.
var ErrNoRepo = errors.New("not a git repository")

// Snapshot is one pinned state of the working tree. SHA is empty when the
// tree matched HEAD at snapshot time; restoring such a snapshot resets to
// plain HEAD.
type Snapshot struct {
	Ref   string    `json:"ref"`
	SHA   string    `json:"sha,omitempty"`
	Label string    `json:"label"`
	At    time.Time `json:"at"`
}

// Tracker numbers and pins snapshots for one session. Safe for concurrent
// use; wave-parallel tasks snapshot through the same tracker.
type Tracker struct {
	mu    sync.Mutex
	dir   string
	sid   string
	next  int
	snaps []Snapshot
	log   *zap.Logger
}

// NewTracker binds a tracker to the repository containing dir. Returns
// ErrNoRepo when dir is not under a git repository.
func NewTracker(dir, sessionID string, log *zap.Logger) (*Tracker, error) {
	root, ok := DetectRepo(dir)
	if !ok {
		return nil, ErrNoRepo
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{dir: root, sid: shortSession(sessionID), log: log}, nil
}

// Dir returns the repository root the tracker operates on.
func (t *Tracker) Dir() string { return t.dir }

// Snapshot captures the working tree under the next numbered ref. Label is
// free text recorded for listings, typically the task id that triggered the
// snapshot.
func (t *Tracker) Snapshot(label string) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sha, err := StashCreate(t.dir)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Ref:   fmt.Sprintf("refs/taskwave/%s/%d", t.sid, t.next),
		SHA:   sha,
		Label: label,
		At:    time.Now(),
	}
	if sha != "" {
		// Pin the stash commit so gc cannot collect it.
		if err := UpdateRef(t.dir, snap.Ref, sha); err != nil {
			return Snapshot{}, err
		}
	}
	t.next++
	t.snaps = append(t.snaps, snap)
	t.log.Debug("workspace snapshot",
		zap.String("ref", snap.Ref),
		zap.String("label", label),
		zap.Bool("clean", sha == ""))
	return snap, nil
}

// Snapshots returns the snapshots taken so far, oldest first.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Snapshot(nil), t.snaps...)
}

// Restore resets the working tree to HEAD and replays the snapshot's stash
// on top. Uncommitted changes made after the snapshot are lost.
func (t *Tracker) Restore(snap Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := RestoreClean(t.dir); err != nil {
		return err
	}
	if snap.SHA == "" {
		return nil
	}
	return StashApply(t.dir, snap.SHA)
}

// Drop deletes every ref the tracker created. The stash commits become
// unreachable and fall to normal git garbage collection.
func (t *Tracker) Drop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for _, s := range t.snaps {
		if s.SHA == "" {
			continue
		}
		if err := DeleteRef(t.dir, s.Ref); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.snaps = nil
	return firstErr
}

// ListRefs returns the snapshots a session pinned in the repository
// containing dir, in snapshot order. Refs outlive the process that created
// them, so this also sees snapshots from finished runs. Labels are not
// stored in refs; At is the stash commit date.
func ListRefs(dir, sessionID string) ([]Snapshot, error) {
	root, ok := DetectRepo(dir)
	if !ok {
		return nil, ErrNoRepo
	}
	// Pattern matching stops at slash boundaries, so session "abc" never
	// picks up the refs of "abcd".
	out, err := gitRun(root, "for-each-ref",
		"--format=%(refname) %(objectname) %(creatordate:iso-strict)",
		"refs/taskwave/"+shortSession(sessionID))
	if err != nil {
		return nil, err
	}

	var snaps []Snapshot
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		snap := Snapshot{Ref: fields[0], SHA: fields[1]}
		if len(fields) >= 3 {
			if at, perr := time.Parse(time.RFC3339, fields[2]); perr == nil {
				snap.At = at
			}
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return RefNumber(snaps[i].Ref) < RefNumber(snaps[j].Ref) })
	return snaps, nil
}

// DropRefs deletes every pinned snapshot ref of a session and reports how
// many were removed.
func DropRefs(dir, sessionID string) (int, error) {
	snaps, err := ListRefs(dir, sessionID)
	if err != nil {
		return 0, err
	}
	root, _ := DetectRepo(dir)
	removed := 0
	var firstErr error
	for _, s := range snaps {
		if err := DeleteRef(root, s.Ref); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

// RefNumber extracts the snapshot number from a pinned ref, or -1 for a
// ref outside the expected layout.
func RefNumber(ref string) int {
	n, err := strconv.Atoi(ref[strings.LastIndexByte(ref, '/')+1:])
	if err != nil {
		return -1
	}
	return n
}

func shortSession(sessionID string) string {
	if len(sessionID) > 8 {
		return sessionID[:8]
	}
	return sessionID
}

// gitRun executes git in dir and returns trimmed stdout. Stderr is captured
// separately so warnings cannot corrupt the stdout result.
func gitRun(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = out
		}
		return out, fmt.Errorf("git %s: %s: %w", args[0], msg, err)
	}
	return out, nil
}

// DetectRepo returns the repository root containing dir.
func DetectRepo(dir string) (string, bool) {
	root, err := gitRun(dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", false
	}
	return root, true
}

// StashCreate writes a stash commit capturing tracked changes and untracked
// files without touching the stash list or the working tree. Returns an
// empty string when the tree is clean.
func StashCreate(dir string) (string, error) {
	return gitRun(dir, "stash", "create", "--include-untracked")
}

// UpdateRef points ref at sha, creating it if needed.
func UpdateRef(dir, ref, sha string) error {
	_, err := gitRun(dir, "update-ref", ref, sha)
	return err
}

// DeleteRef removes ref. A ref that never existed is not an error.
func DeleteRef(dir, ref string) error {
	_, err := gitRun(dir, "update-ref", "-d", ref)
	if err != nil && strings.Contains(err.Error(), "not a valid SHA1") {
		return nil
	}
	return err
}

// RestoreClean resets the working tree to HEAD: checkout tracked files, then
// remove untracked files and directories. The checkout step tolerates repos
// with no tracked files.
func RestoreClean(dir string) error {
	_, err := gitRun(dir, "checkout", "--", ".")
	if err != nil && !strings.Contains(err.Error(), "did not match") {
		return err
	}
	_, err = gitRun(dir, "clean", "-fd")
	return err
}

// StashApply replays a stash commit onto the working tree, preserving the
// index state recorded in it.
func StashApply(dir, sha string) error {
	_, err := gitRun(dir, "stash", "apply", "--index", sha)
	return err
}

package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxBackups is how many rotated memory.json snapshots are kept per session.
const maxBackups = 10

// Store manages one Memory handle per (domain, session) under a root
// directory:
//
//	<root>/<domain>/<session>/memory.json
//	<root>/<domain>/<session>/progress.log
//	<root>/<domain>/<session>/artifacts/
//	<root>/<domain>/<session>/backups/
type Store struct {
	root string
	log  *zap.Logger

	mu      sync.Mutex
	handles map[string]*Memory
}

// NewStore creates a store rooted at root.
func NewStore(root string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{root: root, log: log, handles: make(map[string]*Memory)}
}

// Root returns the storage root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) sessionDir(domain, sessionID string) string {
	return filepath.Join(s.root, domain, sessionID)
}

// Exists reports whether a memory document exists for (domain, sessionID).
func (s *Store) Exists(domain, sessionID string) bool {
	_, err := os.Stat(filepath.Join(s.sessionDir(domain, sessionID), "memory.json"))
	return err == nil
}

// Open loads the memory for an existing session. The same handle is returned
// for repeated opens; its mutex serializes all mutations for the session.
func (s *Store) Open(domain, sessionID string) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := domain + "/" + sessionID
	if m, ok := s.handles[key]; ok {
		return m, nil
	}

	dir := s.sessionDir(domain, sessionID)
	data, err := os.ReadFile(filepath.Join(dir, "memory.json"))
	if err != nil {
		return nil, fmt.Errorf("reading memory for %s/%s: %w", domain, sessionID, err)
	}
	doc := &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parsing memory for %s/%s: %w", domain, sessionID, err)
	}
	if doc.State == nil {
		doc.State = map[string]any{}
	}

	m := &Memory{dir: dir, log: s.log, doc: doc}
	m.reindex()
	s.handles[key] = m
	return m, nil
}

// Create initializes a new session memory. It fails if one already exists.
func (s *Store) Create(domain, sessionID, description string) (*Memory, error) {
	if s.Exists(domain, sessionID) {
		return nil, fmt.Errorf("%w: memory already exists for %s/%s", ErrInvariantViolation, domain, sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.sessionDir(domain, sessionID)
	for _, sub := range []string{"", "artifacts", "backups"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating session dir: %w", err)
		}
	}

	doc := &Document{
		Metadata: Metadata{
			SessionID:   sessionID,
			Domain:      domain,
			Description: description,
			CreatedAt:   time.Now().UTC(),
		},
		State: map[string]any{},
		Goals: []*Goal{},
	}
	m := &Memory{dir: dir, log: s.log, doc: doc}
	m.reindex()
	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	s.handles[domain+"/"+sessionID] = m
	return m, nil
}

// OpenOrCreate opens the session memory, creating it on first use.
func (s *Store) OpenOrCreate(domain, sessionID, description string) (*Memory, error) {
	if s.Exists(domain, sessionID) {
		return s.Open(domain, sessionID)
	}
	return s.Create(domain, sessionID, description)
}

// Sessions lists the session ids that have memory under a domain, newest
// first by creation time.
func (s *Store) Sessions(domain string) ([]Metadata, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, domain))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing domain %s: %w", domain, err)
	}

	var metas []Metadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, domain, e.Name(), "memory.json"))
		if err != nil {
			continue
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		metas = append(metas, doc.Metadata)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas, nil
}

// Domains lists domains that have at least one session.
func (s *Store) Domains() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing memory root: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Memory is the handle for one session's document. All mutations go through
// its operations; each one persists atomically and appends a progress line.
type Memory struct {
	dir string
	log *zap.Logger

	mu          sync.Mutex
	doc         *Document
	goals       map[string]*Goal
	features    map[string]*Feature
	featureGoal map[string]string
}

// Dir returns the session's storage directory.
func (m *Memory) Dir() string { return m.dir }

// ArtifactsDir returns the directory artifact-emitting tools write into.
func (m *Memory) ArtifactsDir() string { return filepath.Join(m.dir, "artifacts") }

// reindex rebuilds the id lookup maps from the document. Caller holds the
// lock (or has exclusive access during construction).
func (m *Memory) reindex() {
	m.goals = make(map[string]*Goal, len(m.doc.Goals))
	m.features = make(map[string]*Feature)
	m.featureGoal = make(map[string]string)
	for _, g := range m.doc.Goals {
		m.goals[g.ID] = g
		for _, f := range g.Features {
			m.features[f.ID] = f
			m.featureGoal[f.ID] = g.ID
		}
	}
}

// Snapshot returns a deep copy of the document for lock-free reading.
func (m *Memory) Snapshot() *Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Clone()
}

// persistLocked writes memory.json atomically, rotating a backup of the
// previous version first. Caller holds m.mu.
func (m *Memory) persistLocked() error {
	path := filepath.Join(m.dir, "memory.json")

	if prev, err := os.ReadFile(path); err == nil {
		if err := m.rotateBackupLocked(prev); err != nil {
			m.log.Warn("memory backup failed", zap.String("dir", m.dir), zap.Error(err))
		}
	}

	data, err := json.MarshalIndent(m.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling memory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing memory: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing memory: %w", err)
	}
	return nil
}

func (m *Memory) rotateBackupLocked(prev []byte) error {
	backups := filepath.Join(m.dir, "backups")
	if err := os.MkdirAll(backups, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("memory-%s.json", time.Now().UTC().Format("20060102-150405.000000000"))
	if err := os.WriteFile(filepath.Join(backups, name), prev, 0o600); err != nil {
		return err
	}

	entries, err := os.ReadDir(backups)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "memory-") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for len(names) > maxBackups {
		os.Remove(filepath.Join(backups, names[0]))
		names = names[1:]
	}
	return nil
}

// record appends a progress entry to the document and mirrors it as one
// formatted line in progress.log. Caller holds m.mu. Every mutation calls
// this before persisting, so a saved document always carries its own audit
// trail.
func (m *Memory) record(agent, action, outcome, featureID string, artifacts []string) ProgressEntry {
	e := ProgressEntry{
		TS:        time.Now().UTC(),
		Agent:     agent,
		Action:    action,
		Outcome:   outcome,
		FeatureID: featureID,
		Artifacts: artifacts,
	}
	m.doc.Progress = append(m.doc.Progress, e)

	line := fmt.Sprintf("%s [%s] %s: %s", e.TS.Format(time.RFC3339), e.Agent, e.Action, e.Outcome)
	if e.FeatureID != "" {
		line += " feature=" + e.FeatureID
	}
	if len(e.Artifacts) > 0 {
		line += " artifacts=" + strings.Join(e.Artifacts, ",")
	}
	f, err := os.OpenFile(filepath.Join(m.dir, "progress.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		m.log.Warn("progress log open failed", zap.String("dir", m.dir), zap.Error(err))
		return e
	}
	defer f.Close()
	fmt.Fprintln(f, line)
	return e
}

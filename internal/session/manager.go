package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskwave/taskwave/internal/artifact"
	"github.com/taskwave/taskwave/internal/checkpoint"
	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/delegate"
	"github.com/taskwave/taskwave/internal/domain"
	"github.com/taskwave/taskwave/internal/mcp"
	"github.com/taskwave/taskwave/internal/memory"
	"github.com/taskwave/taskwave/internal/router"
	"github.com/taskwave/taskwave/internal/tools"
)

const (
	defaultIdleTimeout = 30 * time.Minute
	gcInterval         = time.Minute
	ringRefill         = 50
)

// Manager owns the live sessions of one process. The shared pieces (store,
// router, registry, memory root) are process-wide; everything per-session
// is built on demand and released when the session goes idle.
type Manager struct {
	Store        Store
	Agents       *config.Agents
	Router       *router.Router
	Registry     *tools.Registry
	Memory       *memory.Store // nil disables domain memory
	Settings     config.Settings
	SettingsPath string
	Log          *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	stop     chan struct{}
	done     chan struct{}
}

// Create starts a new session in the given domain rooted at cwd.
func (m *Manager) Create(dom, description, cwd, model string) (*Session, error) {
	rec, err := m.Store.CreateSession(dom, description, cwd, model)
	if err != nil {
		return nil, err
	}
	s, err := m.build(rec)
	if err != nil {
		return nil, err
	}
	return m.register(s), nil
}

// Get returns a live session by exact ID without touching the database.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		s.touch()
	}
	return s, ok
}

// Resume returns the live session for id, loading it from the store when
// needed. A unique ID prefix resolves like the full ID.
func (m *Manager) Resume(idOrPrefix string) (*Session, error) {
	if s, ok := m.Get(idOrPrefix); ok {
		return s, nil
	}
	rec, err := m.lookup(idOrPrefix)
	if err != nil {
		return nil, err
	}
	if s, ok := m.Get(rec.ID); ok {
		return s, nil
	}

	s, err := m.build(rec)
	if err != nil {
		return nil, err
	}
	msgs, err := m.loadTranscript(rec.ID)
	if err != nil {
		return nil, err
	}
	// Not yet published, no lock needed.
	s.messages = msgs
	s.titled = len(msgs) > 0
	if execs, aerr := m.Store.ArtifactExecutions(rec.ID, ringRefill); aerr == nil {
		for _, ex := range execs {
			s.ring.Add(ex)
		}
	}
	return m.register(s), nil
}

// Latest resumes the most recently used session for the project path.
func (m *Manager) Latest(projectPath string) (*Session, error) {
	rec, err := m.Store.LatestSession(projectPath)
	if err != nil {
		return nil, err
	}
	return m.Resume(rec.ID)
}

// List returns stored session records, newest first.
func (m *Manager) List(projectPath string, limit int) ([]*domain.Session, error) {
	return m.Store.ListSessions(projectPath, limit)
}

// Delete removes a session and its history. A live instance is released
// first.
func (m *Manager) Delete(idOrPrefix string) error {
	rec, err := m.lookup(idOrPrefix)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s := m.sessions[rec.ID]
	delete(m.sessions, rec.ID)
	m.mu.Unlock()
	if s != nil {
		s.release()
	}
	return m.Store.DeleteSession(rec.ID)
}

// Describe returns the stored record for a session without materializing
// its resources.
func (m *Manager) Describe(idOrPrefix string) (*domain.Session, error) {
	return m.lookup(idOrPrefix)
}

func (m *Manager) lookup(idOrPrefix string) (*domain.Session, error) {
	rec, err := m.Store.GetSession(idOrPrefix)
	if err == nil {
		return rec, nil
	}
	return m.Store.FindSessionByPrefix(idOrPrefix)
}

// Config returns the settings currently used for new sessions.
func (m *Manager) Config() config.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Settings
}

// UpdateSettings swaps the settings used for new sessions. Live sessions
// keep the configuration they were built with.
func (m *Manager) UpdateSettings(settings config.Settings) {
	m.mu.Lock()
	m.Settings = settings
	m.mu.Unlock()
}

// ReloadMCP adopts fresh settings for new sessions and swaps the expanded
// server set into every live session that has a multiplexer. Returns how
// many sessions reloaded.
func (m *Manager) ReloadMCP(ctx context.Context, settings config.Settings) (int, error) {
	servers, err := settings.ExpandedServers()
	if err != nil {
		return 0, err
	}

	m.UpdateSettings(settings)
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	n := 0
	for _, s := range live {
		if s.ReloadMCP(ctx, servers) {
			n++
		}
	}
	return n, nil
}

// build wires the per-session resources around a stored record.
func (m *Manager) build(rec *domain.Session) (*Session, error) {
	log := m.log().With(zap.String("session", short(rec.ID)))
	settings := m.Config()

	var mem *memory.Memory
	if m.Memory != nil && settings.Memory.IsEnabled() {
		var err error
		mem, err = m.Memory.OpenOrCreate(rec.Domain, rec.ID, rec.Description)
		if err != nil {
			return nil, &MemoryError{Err: err}
		}
	}

	servers, err := settings.ExpandedServers()
	if err != nil {
		return nil, fmt.Errorf("mcp config: %w", err)
	}
	var mcpMgr *mcp.Manager
	if len(servers) > 0 {
		mcpMgr = mcp.NewManager(servers, rec.ID, log)
	}

	var tracker *checkpoint.Tracker
	if rec.ProjectPath != "" {
		tracker, err = checkpoint.NewTracker(rec.ProjectPath, rec.ID, log)
		if err != nil {
			log.Debug("checkpoints disabled", zap.Error(err))
			tracker = nil
		}
	}

	ring := artifact.NewRing()
	eng := &delegate.Engine{
		Agents:       m.Agents,
		Router:       m.Router,
		Registry:     m.Registry,
		MCP:          mcpMgr,
		Memory:       mem,
		Artifacts:    ring,
		Checkpoints:  tracker,
		Settings:     settings,
		SettingsPath: m.SettingsPath,
		Workspace:    rec.ProjectPath,
		SessionID:    rec.ID,
		History:      m.Store,
		Log:          log,
	}

	return &Session{
		id:           rec.ID,
		domain:       rec.Domain,
		cwd:          rec.ProjectPath,
		createdAt:    rec.CreatedAt,
		store:        m.Store,
		engine:       eng,
		mcp:          mcpMgr,
		memory:       mem,
		ring:         ring,
		log:          log,
		title:        rec.Title,
		inputTokens:  rec.InputTokens,
		outputTokens: rec.OutputTokens,
		lastActive:   time.Now(),
	}, nil
}

// loadTranscript rebuilds the in-memory view of a stored conversation. A
// persisted compaction is honored: the summary plus an acknowledgement pair
// stand in for everything at or before the cutoff.
func (m *Manager) loadTranscript(id string) ([]domain.TranscriptMessage, error) {
	summary, cutoff, err := m.Store.LatestCompaction(id)
	if err == nil && cutoff > 0 {
		tail, terr := m.Store.GetMessagesAfterSequence(id, cutoff)
		if terr != nil {
			return nil, terr
		}
		content := summary
		if !strings.HasPrefix(content, "[") {
			content = "[Previous conversation summary]\n\n" + content
		}
		msgs := []domain.TranscriptMessage{
			{Role: "user", Content: content},
			{Role: "assistant", Content: "Understood. I'll continue with the context available."},
		}
		return append(msgs, tail...), nil
	}
	return m.Store.GetMessages(id)
}

// register publishes a built session, keeping the existing instance when
// two callers raced. The loser's resources are still cold, nothing to
// tear down.
func (m *Manager) register(s *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[s.id]; ok {
		return existing
	}
	if m.sessions == nil {
		m.sessions = make(map[string]*Session)
	}
	m.sessions[s.id] = s
	return s
}

// StartGC begins reclaiming idle sessions in the background. A session
// with a query in flight is never reclaimed; it becomes eligible once the
// query finishes and the timeout passes again.
func (m *Manager) StartGC() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.gcLoop(m.stop, m.done)
}

func (m *Manager) gcLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.collect(time.Now())
		}
	}
}

// collect releases sessions that have been idle past the timeout.
func (m *Manager) collect(now time.Time) {
	timeout := m.idleTimeout()
	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.idle(now, timeout) {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		s.release()
		m.log().Info("released idle session", zap.String("session", short(s.id)))
	}
}

func (m *Manager) idleTimeout() time.Duration {
	if t := m.Config().SessionTimeout; t > 0 {
		return time.Duration(t) * time.Minute
	}
	return defaultIdleTimeout
}

// Close stops the reaper and releases every live session.
func (m *Manager) Close() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	sessions := m.sessions
	m.sessions = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	for _, s := range sessions {
		s.release()
	}
}

func (m *Manager) log() *zap.Logger {
	if m.Log != nil {
		return m.Log
	}
	return zap.NewNop()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

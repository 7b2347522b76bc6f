// Package session ties one conversation to the resources it owns: a
// delegation engine, an MCP multiplexer, a domain memory handle, and an
// artifact ring. The Manager caches live sessions and reclaims idle ones
// without ever interrupting a query in flight.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskwave/taskwave/internal/artifact"
	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/delegate"
	"github.com/taskwave/taskwave/internal/domain"
	"github.com/taskwave/taskwave/internal/mcp"
	"github.com/taskwave/taskwave/internal/memory"
	"github.com/taskwave/taskwave/internal/plan"
	"github.com/taskwave/taskwave/internal/tokens"
)

// ErrBusy means a query is already in flight for the session.
var ErrBusy = errors.New("session is busy with another query")

// MemoryError wraps a domain-memory storage failure so callers can map it
// to a distinct exit code.
type MemoryError struct{ Err error }

func (e *MemoryError) Error() string { return "session memory: " + e.Err.Error() }
func (e *MemoryError) Unwrap() error { return e.Err }

// MCPStartupError means servers were configured and none of them answered.
type MCPStartupError struct{ Failures map[string]error }

func (e *MCPStartupError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	return "all mcp servers failed to connect: " + strings.Join(names, ", ")
}

// Store is the persistence surface a session needs. The concrete
// implementation lives in the store package.
type Store interface {
	delegate.HistoryStore

	CreateSession(dom, description, projectPath, model string) (*domain.Session, error)
	GetSession(id string) (*domain.Session, error)
	FindSessionByPrefix(prefix string) (*domain.Session, error)
	LatestSession(projectPath string) (*domain.Session, error)
	ListSessions(projectPath string, limit int) ([]*domain.Session, error)
	DeleteSession(id string) error
	UpdateSessionTitle(id, title string) error
	UpdateSessionTokens(id string, inputTokens, outputTokens int) error

	AppendMessage(sessionID, role, content string, tokens int) error
	GetMessages(sessionID string) ([]domain.TranscriptMessage, error)
	GetMessagesAfterSequence(sessionID string, afterSequence int) ([]domain.TranscriptMessage, error)
	MessageMaxSequence(sessionID string) (int, error)

	SaveCompaction(sessionID, summaryText string, cutoffSequence int) error
	LatestCompaction(sessionID string) (summaryText string, cutoffSequence int, err error)

	ArtifactExecutions(sessionID string, limit int) ([]artifact.Execution, error)
}

// runner is the slice of the delegation engine a session drives. The
// concrete implementation is *delegate.Engine; tests substitute a stub.
type runner interface {
	Run(ctx context.Context, query string, history []domain.TranscriptMessage, onEvent delegate.EventFunc) (*plan.Plan, string, error)
	Complete(ctx context.Context, role domain.AgentRole, system, prompt string) (string, error)
}

// Session is one conversation and the per-session resources behind it.
// Values are created by the Manager and stay valid until it releases them.
type Session struct {
	id        string
	domain    string
	cwd       string
	createdAt time.Time

	store  Store
	engine runner
	mcp    *mcp.Manager
	memory *memory.Memory
	ring   *artifact.Ring
	log    *zap.Logger

	mu           sync.Mutex
	messages     []domain.TranscriptMessage
	title        string
	busy         bool
	titled       bool
	userRenamed  bool
	lastActive   time.Time
	inputTokens  int
	outputTokens int
	cancel       context.CancelFunc
}

// ID returns the session's stable identifier.
func (s *Session) ID() string { return s.id }

// Domain returns the memory domain the session was created in.
func (s *Session) Domain() string { return s.domain }

// Cwd returns the workspace directory tasks run against.
func (s *Session) Cwd() string { return s.cwd }

// CreatedAt returns the creation time recorded in the store.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Memory returns the session's domain memory handle, or nil when memory is
// disabled.
func (s *Session) Memory() *memory.Memory { return s.memory }

// Artifacts returns the session's artifact ring.
func (s *Session) Artifacts() *artifact.Ring { return s.ring }

// Title returns the current session title.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// Busy reports whether a query is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// LastActive returns the time of the last submit or lookup.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Messages returns a copy of the in-memory transcript.
func (s *Session) Messages() []domain.TranscriptMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TranscriptMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Submit runs one delegation turn for the query and returns the final
// answer. Progress streams to onEvent, possibly from several goroutines;
// callers serialize on their side. One submit at a time per session.
func (s *Session) Submit(ctx context.Context, query string, onEvent delegate.EventFunc) (string, error) {
	if onEvent == nil {
		onEvent = func(delegate.Event) {}
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return "", ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.busy = true
	s.cancel = cancel
	s.lastActive = time.Now()
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.busy = false
		s.cancel = nil
		s.lastActive = time.Now()
		s.mu.Unlock()
	}()

	s.compactIfNeeded(runCtx, onEvent)

	s.mu.Lock()
	history := make([]domain.TranscriptMessage, len(s.messages))
	copy(history, s.messages)
	s.mu.Unlock()

	s.appendMessage("user", query)

	_, answer, err := s.engine.Run(runCtx, query, history, onEvent)
	if err != nil {
		return "", err
	}

	s.appendMessage("assistant", answer)
	s.recordUsage(history, query, answer)
	s.maybeTitle(runCtx, query, answer, onEvent)
	return answer, nil
}

// Cancel stops the in-flight submit, if any, at the next safe point. Tasks
// already running finish as cancelled and the turn still aggregates.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Rename sets a user-chosen title. Manual names win over generated ones.
func (s *Session) Rename(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title must not be empty")
	}
	if err := s.store.UpdateSessionTitle(s.id, title); err != nil {
		return err
	}
	s.mu.Lock()
	s.title = title
	s.userRenamed = true
	s.titled = true
	s.mu.Unlock()
	return nil
}

// ConnectMCP dials every configured server up front. Partial connectivity
// degrades to the servers that answered; an *MCPStartupError comes back
// only when none of them did.
func (s *Session) ConnectMCP(ctx context.Context) error {
	if s.mcp == nil {
		return nil
	}
	failures := s.mcp.ConnectAll(ctx)
	if len(failures) == 0 {
		return nil
	}
	for name, err := range failures {
		s.log.Warn("mcp server connect", zap.String("server", name), zap.Error(err))
	}
	if len(failures) == len(s.mcp.ServerNames()) {
		return &MCPStartupError{Failures: failures}
	}
	return nil
}

// MCPStatuses reports per-server connection state, or nil when no servers
// are configured.
func (s *Session) MCPStatuses() map[string]string {
	if s.mcp == nil {
		return nil
	}
	return s.mcp.Statuses()
}

// ReloadMCP swaps the live server set. Reload runs on a context tagged with
// the owning session, like every other transport lifetime operation. A
// session without a multiplexer reports false; it picks new servers up when
// next resumed.
func (s *Session) ReloadMCP(ctx context.Context, servers map[string]config.MCPServerConfig) bool {
	if s.mcp == nil {
		return false
	}
	s.mcp.Reload(mcp.ContextWithOwner(ctx, s.id), servers)
	return true
}

func (s *Session) appendMessage(role, content string) {
	s.mu.Lock()
	s.messages = append(s.messages, domain.TranscriptMessage{Role: role, Content: content})
	s.mu.Unlock()
	if err := s.store.AppendMessage(s.id, role, content, tokens.Count(content)); err != nil {
		s.log.Warn("append message", zap.Error(err))
	}
}

// recordUsage folds estimated counts into the session totals. The engine
// fans out to several endpoints and usage is not uniformly reported, so
// estimates keep the numbers comparable across providers.
func (s *Session) recordUsage(history []domain.TranscriptMessage, query, answer string) {
	s.mu.Lock()
	s.inputTokens += tokens.CountMessages(history) + tokens.Count(query)
	s.outputTokens += tokens.Count(answer)
	in, out := s.inputTokens, s.outputTokens
	s.mu.Unlock()
	if err := s.store.UpdateSessionTokens(s.id, in, out); err != nil {
		s.log.Warn("update session tokens", zap.Error(err))
	}
}

// maybeTitle names the session after its first completed turn. Generation
// happens once per session lifetime.
func (s *Session) maybeTitle(ctx context.Context, query, answer string, onEvent delegate.EventFunc) {
	s.mu.Lock()
	if s.titled || s.userRenamed {
		s.mu.Unlock()
		return
	}
	s.titled = true
	s.mu.Unlock()

	title := s.generateTitle(ctx, query, answer)
	if title == "" {
		return
	}
	if err := s.store.UpdateSessionTitle(s.id, title); err != nil {
		s.log.Warn("update session title", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
	onEvent(delegate.Event{Kind: delegate.EventTitled, NewTitle: title})
}

// generateTitle asks a cheap model for a short title and falls back to
// truncating the query.
func (s *Session) generateTitle(ctx context.Context, query, answer string) string {
	prompt := fmt.Sprintf("Generate a short title (max 50 chars) for this conversation. Return ONLY the title, no quotes or punctuation wrapping.\n\nUser: %s\n\nAssistant: %s", query, answer)
	if len(prompt) > 2000 {
		prompt = prompt[:2000]
	}
	system := "You generate concise session titles. Return only the title text, nothing else. Maximum 50 characters."

	out, err := s.engine.Complete(ctx, domain.RoleAggregator, system, prompt)
	if err == nil {
		title := strings.TrimSpace(out)
		if i := strings.IndexByte(title, '\n'); i >= 0 {
			title = strings.TrimSpace(title[:i])
		}
		if len(title) > 60 {
			title = title[:60]
		}
		if title != "" {
			return title
		}
	}

	title := query
	if len(title) > 50 {
		title = title[:50] + "..."
	}
	return strings.Join(strings.Fields(title), " ")
}

func (s *Session) idle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.busy && now.Sub(s.lastActive) >= timeout
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

const releaseTimeout = 5 * time.Second

// release drops the per-session resources. MCP teardown runs on a context
// tagged with the owning session so transport lifetime checks hold.
func (s *Session) release() {
	if s.mcp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	s.mcp.Close(mcp.ContextWithOwner(ctx, s.id))
}

// Package daemon exposes the session manager over a localhost HTTP API so
// external frontends can create sessions, submit queries, and stream
// delegation events. Every route except the health check requires the
// bearer token written to the lockfile.
package daemon

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/delegate"
	"github.com/taskwave/taskwave/internal/domain"
	"github.com/taskwave/taskwave/internal/plan"
	"github.com/taskwave/taskwave/internal/session"
	"github.com/taskwave/taskwave/internal/store"
)

// keepAliveInterval spaces SSE comment lines so idle proxies keep the
// stream open during long waves.
const keepAliveInterval = 15 * time.Second

// resultClip bounds tool results and task output inside event payloads.
const resultClip = 4000

// History reads persisted transcripts and run records. *store.Store
// satisfies it.
type History interface {
	GetMessages(sessionID string) ([]domain.TranscriptMessage, error)
	PlanRuns(sessionID string, limit int) ([]store.PlanRun, error)
	TaskRuns(planRunID int64) ([]store.TaskRun, error)
}

// Server is the daemon's HTTP front. It owns no sessions itself; all state
// lives in the manager and the store.
type Server struct {
	sessions *session.Manager
	history  History
	log      *zap.Logger

	port   int
	ready  chan struct{}
	server *http.Server
	token  string
}

// NewServer wires the API around an existing manager and history store.
func NewServer(sessions *session.Manager, history History, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		sessions: sessions,
		history:  history,
		log:      log,
		ready:    make(chan struct{}),
		token:    generateAuthToken(),
	}
}

// generateAuthToken returns a random hex token. An empty token means
// generation failed; withAuth then rejects every request rather than
// running open.
func generateAuthToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// AuthToken returns the bearer credential clients must present.
func (s *Server) AuthToken() string { return s.token }

// Start binds the requested localhost port, falling back to a random port
// when it is taken, writes the lockfile, and serves until Shutdown.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		s.log.Warn("requested port unavailable, using random port",
			zap.Int("port", port), zap.Error(err))
		ln, err = net.Listen("tcp", "localhost:0")
		if err != nil {
			return fmt.Errorf("daemon listen: %w", err)
		}
	}
	s.port = ln.Addr().(*net.TCPAddr).Port
	close(s.ready)

	if err := WriteLockfile(s.port, s.token); err != nil {
		s.log.Warn("failed to write lockfile", zap.Error(err))
	}
	s.sessions.StartGC()

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.server = &http.Server{Handler: mux}

	s.log.Info("daemon listening", zap.Int("port", s.port))
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, releases every live session, and
// removes the lockfile.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.sessions.Close()
	if rmErr := RemoveLockfile(); rmErr != nil {
		s.log.Warn("failed to remove lockfile", zap.Error(rmErr))
	}
	return err
}

// Port blocks until the listener is bound, then returns the bound port.
func (s *Server) Port() int {
	<-s.ready
	return s.port
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("POST /api/sessions", s.withAuth(s.handleCreateSession))
	mux.HandleFunc("GET /api/sessions", s.withAuth(s.handleListSessions))
	mux.HandleFunc("GET /api/sessions/{id}", s.withAuth(s.handleGetSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.withAuth(s.handleDeleteSession))
	mux.HandleFunc("POST /api/sessions/{id}/submit", s.withAuth(s.handleSubmit))
	mux.HandleFunc("POST /api/sessions/{id}/cancel", s.withAuth(s.handleCancel))
	mux.HandleFunc("POST /api/sessions/{id}/title", s.withAuth(s.handleSetTitle))
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.withAuth(s.handleMessages))
	mux.HandleFunc("GET /api/sessions/{id}/runs", s.withAuth(s.handleRuns))
	mux.HandleFunc("GET /api/sessions/{id}/artifacts", s.withAuth(s.handleArtifacts))
	mux.HandleFunc("GET /api/sessions/{id}/mcp", s.withAuth(s.handleMCPStatuses))
	mux.HandleFunc("GET /api/runs/{id}/tasks", s.withAuth(s.handleRunTasks))

	mux.HandleFunc("GET /api/config", s.withAuth(s.handleGetConfig))
	mux.HandleFunc("POST /api/config", s.withAuth(s.handleSetConfig))
	mux.HandleFunc("POST /api/mcp/reload", s.withAuth(s.handleMCPReload))
	mux.HandleFunc("GET /api/stats", s.withAuth(s.handleStats))
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			s.writeJSON(w, http.StatusInternalServerError,
				map[string]string{"error": "auth token unavailable"})
			return
		}
		header := r.Header.Get("Authorization")
		got := strings.TrimPrefix(header, "Bearer ")
		if got == header || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"pid":    os.Getpid(),
		"port":   s.port,
	})
}

// handleStats reports the router's per-model outcome histogram so frontends
// can see which pool entries succeed, time out, or fail validation.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"models": s.sessions.Router.Stats()})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain      string `json:"domain"`
		Description string `json:"description"`
		ProjectPath string `json:"project_path"`
		Model       string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	sess, err := s.sessions.Create(req.Domain, req.Description, req.ProjectPath, req.Model)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.connectMCP(r.Context(), sess)

	rec, err := s.sessions.Describe(sess.ID())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusCreated, sessionPayload(rec, sess.Busy()))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	limit := queryInt(r, "limit", 10)

	recs, err := s.sessions.List(project, limit)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	payload := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		payload = append(payload, sessionPayload(rec, s.isBusy(rec.ID)))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": payload})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sessions.Describe(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, sessionPayload(rec, s.isBusy(rec.ID)))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.PathValue("id")); err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleSubmit runs one query and streams delegation events as SSE until
// the run completes. The stream carries every event the engine emits plus
// a trailing error event for failures that never reached the engine.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}

	sess, err := s.sessions.Resume(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if sess.Busy() {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": session.ErrBusy.Error()})
		return
	}
	s.connectMCP(r.Context(), sess)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	// Events arrive from wave-parallel goroutines, and the keep-alive
	// ticker shares the same writer, so every write holds sseMu.
	var sseMu sync.Mutex
	errorSent := false
	send := func(name string, payload any) {
		sseMu.Lock()
		defer sseMu.Unlock()
		if name == "error" {
			errorSent = true
		}
		s.writeSSE(w, name, payload)
		flusher.Flush()
	}

	stop := make(chan struct{})
	kaDone := make(chan struct{})
	go s.sseKeepAlive(w, flusher, &sseMu, stop, kaDone)
	// The writer is invalid once the handler returns, so join the
	// keep-alive goroutine before leaving.
	defer func() { close(stop); <-kaDone }()

	_, err = sess.Submit(r.Context(), req.Query, func(ev delegate.Event) {
		send(sseEventName(ev.Kind), ssePayload(ev))
	})
	if err != nil {
		s.log.Warn("submit failed",
			zap.String("session", sess.ID()), zap.Error(err))
		sseMu.Lock()
		sent := errorSent
		sseMu.Unlock()
		// The engine streams its own error event; this covers failures
		// before the engine ran, like a busy race.
		if !sent {
			send("error", map[string]string{"error": err.Error()})
		}
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sessions.Describe(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	sess, ok := s.sessions.Get(rec.ID)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session has no running query"})
		return
	}
	sess.Cancel()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleSetTitle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	sess, err := s.sessions.Resume(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err := sess.Rename(req.Title); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"title": sess.Title()})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sessions.Describe(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	msgs, err := s.history.GetMessages(rec.ID)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	payload := make([]map[string]string, 0, len(msgs))
	for _, m := range msgs {
		payload = append(payload, map[string]string{
			"role":    m.Role,
			"content": m.TextContent(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": payload})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sessions.Describe(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	runs, err := s.history.PlanRuns(rec.ID, queryInt(r, "limit", 20))
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	payload := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		payload = append(payload, map[string]any{
			"id":          run.ID,
			"query":       run.Query,
			"task_count":  run.TaskCount,
			"status":      run.Status,
			"answer":      clip(run.Answer, resultClip),
			"created_at":  run.CreatedAt,
			"finished_at": run.FinishedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": payload})
}

func (s *Server) handleRunTasks(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid run id"})
		return
	}
	tasks, err := s.history.TaskRuns(runID)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	payload := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		payload = append(payload, map[string]any{
			"task_id":      t.TaskID,
			"description":  t.Description,
			"agent_type":   t.AgentType,
			"dependencies": t.Dependencies,
			"status":       t.Status,
			"result":       clip(t.Result, resultClip),
			"attempts":     t.Attempts,
			"started_at":   t.StartedAt,
			"ended_at":     t.EndedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": payload})
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Resume(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	recent := sess.Artifacts().Recent(queryInt(r, "limit", 20))
	s.writeJSON(w, http.StatusOK, map[string]any{"artifacts": recent})
}

func (s *Server) handleMCPStatuses(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Resume(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.connectMCP(r.Context(), sess)
	statuses := sess.MCPStatuses()
	if statuses == nil {
		statuses = map[string]string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"servers": statuses})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	pairs := s.sessions.Config().Keys()
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		out[kv[0]] = kv[1]
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"settings": out})
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	cfg := s.sessions.Config()
	if err := cfg.Set(req.Key, req.Value); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := config.Save(s.sessions.SettingsPath, cfg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.sessions.UpdateSettings(cfg)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"key":   req.Key,
		"value": cfg.Get(req.Key),
	})
}

// handleMCPReload re-reads the settings file and swaps the MCP server set
// into every live session.
func (s *Server) handleMCPReload(w http.ResponseWriter, r *http.Request) {
	cfg, err := config.Load(s.sessions.SettingsPath)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	n, err := s.sessions.ReloadMCP(r.Context(), cfg)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": n})
}

// connectMCP brings a session's servers up, logging failures instead of
// failing the request. A session without tools can still answer, and
// already-connected servers are a no-op.
func (s *Server) connectMCP(ctx context.Context, sess *session.Session) {
	if err := sess.ConnectMCP(ctx); err != nil {
		s.log.Warn("mcp startup failed",
			zap.String("session", sess.ID()), zap.Error(err))
	}
}

func (s *Server) isBusy(id string) bool {
	if sess, ok := s.sessions.Get(id); ok {
		return sess.Busy()
	}
	return false
}

func (s *Server) sseKeepAlive(w http.ResponseWriter, flusher http.Flusher, mu *sync.Mutex, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			mu.Lock()
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
			mu.Unlock()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func sseEventName(kind delegate.EventKind) string {
	switch kind {
	case delegate.EventDelta:
		return "delta"
	case delegate.EventPlan:
		return "plan"
	case delegate.EventWaveStart:
		return "wave_start"
	case delegate.EventWaveDone:
		return "wave_done"
	case delegate.EventTaskStart:
		return "task_start"
	case delegate.EventTaskDone:
		return "task_done"
	case delegate.EventToolStart:
		return "tool_start"
	case delegate.EventToolDone:
		return "tool_done"
	case delegate.EventValidation:
		return "validation"
	case delegate.EventRetrying:
		return "retrying"
	case delegate.EventTitled:
		return "titled"
	case delegate.EventCompacted:
		return "compacted"
	case delegate.EventDone:
		return "done"
	case delegate.EventError:
		return "error"
	default:
		return "event"
	}
}

func ssePayload(ev delegate.Event) any {
	switch ev.Kind {
	case delegate.EventDelta:
		return map[string]any{"text": ev.DeltaText, "task_id": ev.TaskID}
	case delegate.EventPlan:
		return planPayload(ev.Plan)
	case delegate.EventWaveStart:
		return map[string]any{"wave": ev.Wave, "size": ev.WaveSize}
	case delegate.EventWaveDone:
		return map[string]any{"wave": ev.Wave}
	case delegate.EventTaskStart, delegate.EventTaskDone:
		return taskPayload(ev.Task)
	case delegate.EventToolStart:
		return map[string]any{"task_id": ev.TaskID, "tool": ev.ToolName, "args": ev.ToolArgs}
	case delegate.EventToolDone:
		return map[string]any{
			"task_id":  ev.TaskID,
			"tool":     ev.ToolName,
			"is_error": ev.ToolIsError,
			"result":   clip(ev.ToolResult, resultClip),
		}
	case delegate.EventValidation:
		return map[string]any{"task_id": ev.TaskID, "valid": ev.Valid, "feedback": ev.Feedback}
	case delegate.EventRetrying:
		return map[string]any{
			"attempt": ev.RetryAttempt,
			"wait_ms": ev.RetryAfter.Milliseconds(),
			"message": ev.RetryMessage,
		}
	case delegate.EventTitled:
		return map[string]any{"title": ev.NewTitle}
	case delegate.EventDone:
		return map[string]any{"answer": ev.Answer}
	case delegate.EventError:
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return map[string]any{"error": msg}
	default:
		return map[string]any{}
	}
}

func planPayload(p *plan.Plan) any {
	if p == nil {
		return map[string]any{}
	}
	tasks := make([]map[string]any, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		tasks = append(tasks, map[string]any{
			"id":           t.ID,
			"description":  t.Description,
			"agent_type":   t.AgentType,
			"dependencies": t.Dependencies,
		})
	}
	return map[string]any{"tasks": tasks}
}

func taskPayload(t *plan.Task) map[string]any {
	if t == nil {
		return map[string]any{}
	}
	p := map[string]any{
		"id":          t.ID,
		"description": t.Description,
		"agent_type":  t.AgentType,
	}
	if t.Status != "" {
		p["status"] = string(t.Status)
	}
	if t.Result != "" {
		p["result"] = clip(t.Result, resultClip)
	}
	return p
}

func sessionPayload(rec *domain.Session, busy bool) map[string]any {
	return map[string]any{
		"id":            rec.ID,
		"domain":        rec.Domain,
		"title":         rec.Title,
		"project_path":  rec.ProjectPath,
		"model":         rec.Model,
		"total_tokens":  rec.TotalTokens,
		"message_count": rec.MessageCount,
		"created_at":    rec.CreatedAt,
		"updated_at":    rec.UpdatedAt,
		"busy":          busy,
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// clip bounds payload text so one tool result cannot flood the stream.
func clip(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "..."
}

// Package store persists sessions, transcripts, delegation runs, and
// artifact executions in a SQLite database under the taskwave data
// directory. All timestamps are stored as UTC text; additive column
// migrations keep old databases loadable.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/taskwave/taskwave/internal/artifact"
	"github.com/taskwave/taskwave/internal/config"
	"github.com/taskwave/taskwave/internal/domain"
	"github.com/taskwave/taskwave/internal/plan"
)

// Store wraps the SQLite database handle.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the SQLite database in the taskwave data directory.
func OpenStore() (*Store, error) {
	dir, err := config.DataDir()
	if err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	dsn := filepath.Join(dir, "taskwave.db")

	db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewFromDB creates a Store from an existing *sql.DB and runs migrations.
// This is useful for testing with an in-memory database.
func NewFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	// Create tables (IF NOT EXISTS so we don't overwrite).
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			domain TEXT NOT NULL DEFAULT 'general',
			description TEXT NOT NULL DEFAULT '',
			project_path TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT 'New Session',
			model TEXT NOT NULL DEFAULT '',
			total_tokens INTEGER DEFAULT 0,
			input_tokens INTEGER DEFAULT 0,
			output_tokens INTEGER DEFAULT 0,
			message_count INTEGER DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'text',
			tokens INTEGER DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			sequence INTEGER NOT NULL
		);
	`); err != nil {
		return err
	}

	// Compactions table for persistent compaction state.
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS compactions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			summary_text TEXT NOT NULL,
			cutoff_sequence INTEGER NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`); err != nil {
		return err
	}

	// Delegation run history: one plan_runs row per Engine.Run, one
	// task_runs row per task in the final plan.
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS plan_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			query TEXT NOT NULL,
			task_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'running',
			answer TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			finished_at TEXT
		);
	`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			plan_run_id INTEGER NOT NULL REFERENCES plan_runs(id) ON DELETE CASCADE,
			task_id TEXT NOT NULL,
			description TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			dependencies TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			attempts TEXT NOT NULL DEFAULT '[]',
			started_at TEXT,
			ended_at TEXT
		);
	`); err != nil {
		return err
	}

	// Artifact executions, so a resumed session can refill its ring.
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS artifact_executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL DEFAULT '',
			args_json TEXT NOT NULL DEFAULT '{}',
			summary TEXT NOT NULL DEFAULT '',
			size INTEGER DEFAULT 0
		);
	`); err != nil {
		return err
	}

	// Add missing columns to existing DBs before creating indexes.
	// Ignore errors (column already exists).
	for _, q := range []string{
		`ALTER TABLE sessions ADD COLUMN domain TEXT NOT NULL DEFAULT 'general'`,
		`ALTER TABLE sessions ADD COLUMN description TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE sessions ADD COLUMN input_tokens INTEGER DEFAULT 0`,
		`ALTER TABLE sessions ADD COLUMN output_tokens INTEGER DEFAULT 0`,
		`ALTER TABLE messages ADD COLUMN content_type TEXT NOT NULL DEFAULT 'text'`,
		`ALTER TABLE plan_runs ADD COLUMN task_count INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE task_runs ADD COLUMN attempts TEXT NOT NULL DEFAULT '[]'`,
	} {
		// ALTER TABLE errors expected — column may already exist.
		if _, err := s.db.Exec(q); err != nil {
			// expected: column already exists
		}
	}

	// Create indexes (after columns exist).
	_, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_path);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sequence);
		CREATE INDEX IF NOT EXISTS idx_compactions_session ON compactions(session_id);
		CREATE INDEX IF NOT EXISTS idx_plan_runs_session ON plan_runs(session_id);
		CREATE INDEX IF NOT EXISTS idx_task_runs_plan ON task_runs(plan_run_id);
		CREATE INDEX IF NOT EXISTS idx_artifact_executions_session ON artifact_executions(session_id);
	`)
	return err
}

// ---------------------------------------------------------------------------
// Session CRUD
// ---------------------------------------------------------------------------

// CreateSession inserts a new session. dom is the memory domain the session
// works in; description is free text shown in listings.
func (s *Store) CreateSession(dom, description, projectPath, model string) (*domain.Session, error) {
	sess := &domain.Session{
		ID:          uuid.NewString(),
		Domain:      dom,
		Description: description,
		ProjectPath: projectPath,
		Title:       "New Session",
		Model:       model,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if sess.Domain == "" {
		sess.Domain = "general"
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, domain, description, project_path, title, model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, datetime(?), datetime(?))`,
		sess.ID, sess.Domain, sess.Description, sess.ProjectPath, sess.Title, sess.Model,
		sess.CreatedAt.UTC().Format(time.RFC3339),
		sess.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

const sessionColumns = `id, COALESCE(domain,'general'), COALESCE(description,''), project_path, title, model, total_tokens, COALESCE(input_tokens,0), COALESCE(output_tokens,0), message_count, created_at, updated_at`

// GetSession retrieves a session by its full ID.
func (s *Store) GetSession(id string) (*domain.Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// LatestSession returns the most recently updated session for a project path.
func (s *Store) LatestSession(projectPath string) (*domain.Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE project_path = ? ORDER BY updated_at DESC, rowid DESC LIMIT 1`, projectPath)
	return scanSession(row)
}

// ListSessions returns the most recent sessions, up to limit. An empty
// projectPath lists sessions across all projects.
func (s *Store) ListSessions(projectPath string, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 10
	}
	var (
		rows *sql.Rows
		err  error
	)
	if projectPath == "" {
		rows, err = s.db.Query(
			`SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC, rowid DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(
			`SELECT `+sessionColumns+` FROM sessions
			 WHERE project_path = ? ORDER BY updated_at DESC, rowid DESC LIMIT ?`, projectPath, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		sess := new(domain.Session)
		var createdStr, updatedStr string
		if err := rows.Scan(&sess.ID, &sess.Domain, &sess.Description,
			&sess.ProjectPath, &sess.Title, &sess.Model,
			&sess.TotalTokens, &sess.InputTokens, &sess.OutputTokens,
			&sess.MessageCount, &createdStr, &updatedStr); err != nil {
			return nil, err
		}
		if t, err := time.Parse("2006-01-02 15:04:05", createdStr); err == nil {
			sess.CreatedAt = t
		}
		if t, err := time.Parse("2006-01-02 15:04:05", updatedStr); err == nil {
			sess.UpdatedAt = t
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and its messages, compactions, plan runs,
// and artifact executions (via ON DELETE CASCADE).
func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// UpdateSessionTitle sets the title of a session.
func (s *Store) UpdateSessionTitle(id, title string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET title = ?, updated_at = datetime('now') WHERE id = ?`,
		title, id)
	return err
}

// UpdateSessionTokens sets the token counts for a session.
func (s *Store) UpdateSessionTokens(id string, inputTokens, outputTokens int) error {
	totalTokens := inputTokens + outputTokens
	_, err := s.db.Exec(
		`UPDATE sessions SET total_tokens = ?, input_tokens = ?, output_tokens = ?, updated_at = datetime('now') WHERE id = ?`,
		totalTokens, inputTokens, outputTokens, id)
	return err
}

// UpdateSessionModel sets the model for a session.
func (s *Store) UpdateSessionModel(id, model string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET model = ?, updated_at = datetime('now') WHERE id = ?`,
		model, id)
	return err
}

// TouchSession updates the session's updated_at timestamp.
func (s *Store) TouchSession(id string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET updated_at = datetime('now') WHERE id = ?`, id)
	return err
}

// ---------------------------------------------------------------------------
// Message CRUD
// ---------------------------------------------------------------------------

// AppendMessage stores a plain-text message for a session.
func (s *Store) AppendMessage(sessionID, role, content string, tokens int) error {
	var seq int
	row := s.db.QueryRow(
		`SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE session_id = ?`, sessionID)
	if err := row.Scan(&seq); err != nil {
		return err
	}
	seq++

	_, err := s.db.Exec(
		`INSERT INTO messages (id, session_id, role, content, tokens, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, role, content, tokens, seq)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE sessions SET message_count = ?, updated_at = datetime('now') WHERE id = ?`,
		seq, sessionID)
	return err
}

// AppendMessageBlocks stores a message with structured content blocks for a session.
func (s *Store) AppendMessageBlocks(sessionID, role string, blocks []domain.ContentBlock, tokens int) error {
	var seq int
	row := s.db.QueryRow(
		`SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE session_id = ?`, sessionID)
	if err := row.Scan(&seq); err != nil {
		return err
	}
	seq++

	blocksJSON, err := json.Marshal(blocks)
	if err != nil {
		return fmt.Errorf("marshaling blocks: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO messages (id, session_id, role, content, content_type, tokens, sequence)
		 VALUES (?, ?, ?, ?, 'blocks', ?, ?)`,
		uuid.NewString(), sessionID, role, string(blocksJSON), tokens, seq)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE sessions SET message_count = ?, updated_at = datetime('now') WHERE id = ?`,
		seq, sessionID)
	return err
}

// GetMessages returns all messages for a session, ordered by sequence.
func (s *Store) GetMessages(sessionID string) ([]domain.TranscriptMessage, error) {
	rows, err := s.db.Query(
		`SELECT role, content, COALESCE(content_type, 'text') FROM messages
		 WHERE session_id = ? ORDER BY sequence`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetMessagesAfterSequence returns messages with sequence > afterSequence, ordered by sequence.
func (s *Store) GetMessagesAfterSequence(sessionID string, afterSequence int) ([]domain.TranscriptMessage, error) {
	rows, err := s.db.Query(
		`SELECT role, content, COALESCE(content_type, 'text') FROM messages
		 WHERE session_id = ? AND sequence > ? ORDER BY sequence`,
		sessionID, afterSequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// scanMessages decodes message rows, re-joining the text of block-typed
// messages so callers always get printable content.
func scanMessages(rows *sql.Rows) ([]domain.TranscriptMessage, error) {
	var msgs []domain.TranscriptMessage
	for rows.Next() {
		var m domain.TranscriptMessage
		var contentType string
		if err := rows.Scan(&m.Role, &m.Content, &contentType); err != nil {
			return nil, err
		}
		if contentType == "blocks" {
			var blocks []domain.ContentBlock
			if err := json.Unmarshal([]byte(m.Content), &blocks); err == nil {
				m.Blocks = blocks
				var texts []string
				for _, b := range blocks {
					if b.Type == "text" {
						texts = append(texts, b.Text)
					}
				}
				m.Content = strings.Join(texts, "\n")
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageMaxSequence returns the highest message sequence number for a session, or 0 if none.
func (s *Store) MessageMaxSequence(sessionID string) (int, error) {
	var seq int
	err := s.db.QueryRow(
		`SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE session_id = ?`, sessionID).
		Scan(&seq)
	return seq, err
}

// ---------------------------------------------------------------------------
// Compaction persistence
// ---------------------------------------------------------------------------

// SaveCompaction persists a compaction record for a session.
func (s *Store) SaveCompaction(sessionID, summaryText string, cutoffSequence int) error {
	_, err := s.db.Exec(
		`INSERT INTO compactions (id, session_id, summary_text, cutoff_sequence)
		 VALUES (?, ?, ?, ?)`,
		uuid.NewString(), sessionID, summaryText, cutoffSequence)
	return err
}

// LatestCompaction returns the most recent compaction for a session.
// Returns sql.ErrNoRows if no compaction exists.
func (s *Store) LatestCompaction(sessionID string) (summaryText string, cutoffSequence int, err error) {
	err = s.db.QueryRow(
		`SELECT summary_text, cutoff_sequence FROM compactions
		 WHERE session_id = ? ORDER BY rowid DESC LIMIT 1`, sessionID).
		Scan(&summaryText, &cutoffSequence)
	return
}

// ---------------------------------------------------------------------------
// Delegation run history
// ---------------------------------------------------------------------------

// PlanRun is one recorded Engine.Run for a session.
type PlanRun struct {
	ID         int64
	SessionID  string
	Query      string
	TaskCount  int
	Status     string
	Answer     string
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// TaskRun is the final state of one task within a plan run.
type TaskRun struct {
	ID           int64
	PlanRunID    int64
	TaskID       string
	Description  string
	AgentType    string
	Dependencies []string
	Status       string
	Result       string
	Attempts     []plan.Attempt
	StartedAt    *time.Time
	EndedAt      *time.Time
}

// SavePlanRun records the start of a delegation run and returns its row id.
func (s *Store) SavePlanRun(sessionID, query string, p *plan.Plan) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO plan_runs (session_id, query, task_count, status)
		 VALUES (?, ?, ?, 'running')`,
		sessionID, query, len(p.Tasks))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishPlanRun marks a delegation run finished with its final status and answer.
func (s *Store) FinishPlanRun(planRunID int64, status, answer string) error {
	_, err := s.db.Exec(
		`UPDATE plan_runs SET status = ?, answer = ?, finished_at = datetime('now') WHERE id = ?`,
		status, truncateStoreText(answer, 16000), planRunID)
	return err
}

// SaveTaskRun records the final state of one task for a finished run.
func (s *Store) SaveTaskRun(planRunID int64, t *plan.Task) error {
	depsJSON, err := json.Marshal(t.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	attemptsJSON, err := json.Marshal(t.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	var startedAt, endedAt any
	if !t.StartedAt.IsZero() {
		startedAt = t.StartedAt.UTC().Format(time.RFC3339)
	}
	if !t.EndedAt.IsZero() {
		endedAt = t.EndedAt.UTC().Format(time.RFC3339)
	}
	_, err = s.db.Exec(
		`INSERT INTO task_runs (plan_run_id, task_id, description, agent_type, dependencies, status, result, attempts, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		planRunID, t.ID, t.Description, t.AgentType, string(depsJSON),
		string(t.Status), truncateStoreText(t.Result, 16000), string(attemptsJSON),
		startedAt, endedAt)
	return err
}

// PlanRuns returns the most recent delegation runs for a session, newest first.
func (s *Store) PlanRuns(sessionID string, limit int) ([]PlanRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, query, task_count, status, answer, created_at, COALESCE(finished_at,'')
		 FROM plan_runs WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []PlanRun
	for rows.Next() {
		var r PlanRun
		var createdStr, finishedStr string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Query, &r.TaskCount,
			&r.Status, &r.Answer, &createdStr, &finishedStr); err != nil {
			return nil, err
		}
		if t, err := parseAnyTime(createdStr); err == nil {
			r.CreatedAt = t
		}
		if t, ok := parseOptionalTime(finishedStr); ok {
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TaskRuns returns the recorded tasks of a plan run in insertion order.
func (s *Store) TaskRuns(planRunID int64) ([]TaskRun, error) {
	rows, err := s.db.Query(
		`SELECT id, plan_run_id, task_id, description, agent_type, dependencies, status, result,
		        COALESCE(attempts,'[]'), COALESCE(started_at,''), COALESCE(ended_at,'')
		 FROM task_runs WHERE plan_run_id = ? ORDER BY id`,
		planRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []TaskRun
	for rows.Next() {
		var tr TaskRun
		var depsStr, attemptsStr, startedStr, endedStr string
		if err := rows.Scan(&tr.ID, &tr.PlanRunID, &tr.TaskID, &tr.Description,
			&tr.AgentType, &depsStr, &tr.Status, &tr.Result,
			&attemptsStr, &startedStr, &endedStr); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(depsStr), &tr.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies for %s: %w", tr.TaskID, err)
		}
		if err := json.Unmarshal([]byte(attemptsStr), &tr.Attempts); err != nil {
			return nil, fmt.Errorf("decode attempts for %s: %w", tr.TaskID, err)
		}
		if t, ok := parseOptionalTime(startedStr); ok {
			tr.StartedAt = &t
		}
		if t, ok := parseOptionalTime(endedStr); ok {
			tr.EndedAt = &t
		}
		tasks = append(tasks, tr)
	}
	return tasks, rows.Err()
}

// ---------------------------------------------------------------------------
// Artifact executions
// ---------------------------------------------------------------------------

// SaveArtifactExecution persists one artifact execution for a session.
func (s *Store) SaveArtifactExecution(sessionID string, ex artifact.Execution) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.At.IsZero() {
		ex.At = time.Now()
	}
	argsJSON, err := json.Marshal(ex.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO artifact_executions (id, session_id, at, kind, title, tool, args_json, summary, size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, sessionID, ex.At.UTC().Format(time.RFC3339),
		ex.Kind, ex.Title, ex.Tool, string(argsJSON),
		truncateStoreText(ex.Summary, 2000), ex.Size)
	return err
}

// ArtifactExecutions returns the most recent artifact executions for a
// session, oldest first, so they can refill a ring in insertion order.
func (s *Store) ArtifactExecutions(sessionID string, limit int) ([]artifact.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, at, kind, title, tool, args_json, summary, size
		 FROM (SELECT *, rowid FROM artifact_executions WHERE session_id = ? ORDER BY at DESC, rowid DESC LIMIT ?)
		 ORDER BY at ASC, rowid ASC`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []artifact.Execution
	for rows.Next() {
		var ex artifact.Execution
		var atStr, argsStr string
		if err := rows.Scan(&ex.ID, &atStr, &ex.Kind, &ex.Title, &ex.Tool,
			&argsStr, &ex.Summary, &ex.Size); err != nil {
			return nil, err
		}
		if t, err := parseAnyTime(atStr); err == nil {
			ex.At = t
		}
		if argsStr != "" && argsStr != "null" {
			if err := json.Unmarshal([]byte(argsStr), &ex.Args); err != nil {
				return nil, fmt.Errorf("decode args for %s: %w", ex.ID, err)
			}
		}
		execs = append(execs, ex)
	}
	return execs, rows.Err()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// SessionTitle returns the title for a session, or "Unknown" if not found.
func (s *Store) SessionTitle(id string) string {
	var title string
	err := s.db.QueryRow(`SELECT title FROM sessions WHERE id = ?`, id).Scan(&title)
	if err != nil {
		return "Unknown"
	}
	return title
}

// FindSessionByPrefix matches a session by ID prefix (at least 4 chars).
func (s *Store) FindSessionByPrefix(prefix string) (*domain.Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE id LIKE ? || '%' ORDER BY updated_at DESC, rowid DESC LIMIT 1`, prefix)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*domain.Session, error) {
	var sess domain.Session
	var createdStr, updatedStr string
	err := row.Scan(&sess.ID, &sess.Domain, &sess.Description,
		&sess.ProjectPath, &sess.Title, &sess.Model,
		&sess.TotalTokens, &sess.InputTokens, &sess.OutputTokens,
		&sess.MessageCount, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}
	if t, err := time.Parse("2006-01-02 15:04:05", createdStr); err == nil {
		sess.CreatedAt = t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", updatedStr); err == nil {
		sess.UpdatedAt = t
	}
	return &sess, nil
}

func truncateStoreText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func parseOptionalTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := parseAnyTime(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func parseAnyTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}

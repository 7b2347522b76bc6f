package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/taskwave/taskwave/internal/artifact"
	"github.com/taskwave/taskwave/internal/domain"
	"github.com/taskwave/taskwave/internal/plan"

	_ "modernc.org/sqlite"
)

// testStore returns a Store backed by an in-memory SQLite database.
func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	// Every pooled connection would get its own empty in-memory database.
	db.SetMaxOpenConns(1)
	s, err := NewFromDB(db)
	if err != nil {
		db.Close()
		t.Fatalf("new store from db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// setUpdatedAt pins a session's updated_at so ordering tests don't depend on
// the clock's one-second resolution.
func setUpdatedAt(t *testing.T, s *Store, id string, ts string) {
	t.Helper()
	if _, err := s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, ts, id); err != nil {
		t.Fatalf("set updated_at: %v", err)
	}
}

func TestStore_CreateSession(t *testing.T) {
	s := testStore(t)

	t.Run("creates session with correct fields", func(t *testing.T) {
		sess, err := s.CreateSession("coding", "refactor the parser", "/tmp/project", "qwen2.5:14b")
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if sess.ID == "" {
			t.Error("expected non-empty session ID")
		}
		if sess.Domain != "coding" {
			t.Errorf("Domain = %q, want %q", sess.Domain, "coding")
		}
		if sess.Description != "refactor the parser" {
			t.Errorf("Description = %q, want %q", sess.Description, "refactor the parser")
		}
		if sess.ProjectPath != "/tmp/project" {
			t.Errorf("ProjectPath = %q, want %q", sess.ProjectPath, "/tmp/project")
		}
		if sess.Title != "New Session" {
			t.Errorf("Title = %q, want %q", sess.Title, "New Session")
		}
		if sess.Model != "qwen2.5:14b" {
			t.Errorf("Model = %q, want %q", sess.Model, "qwen2.5:14b")
		}
	})

	t.Run("empty domain defaults to general", func(t *testing.T) {
		sess, err := s.CreateSession("", "", "/tmp", "m")
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if sess.Domain != "general" {
			t.Errorf("Domain = %q, want %q", sess.Domain, "general")
		}
		got, err := s.GetSession(sess.ID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.Domain != "general" {
			t.Errorf("stored Domain = %q, want %q", got.Domain, "general")
		}
	})

	t.Run("creates unique IDs", func(t *testing.T) {
		s1, err := s.CreateSession("general", "", "/tmp", "m1")
		if err != nil {
			t.Fatalf("CreateSession 1: %v", err)
		}
		s2, err := s.CreateSession("general", "", "/tmp", "m2")
		if err != nil {
			t.Fatalf("CreateSession 2: %v", err)
		}
		if s1.ID == s2.ID {
			t.Errorf("expected unique IDs, both were %q", s1.ID)
		}
	})
}

func TestStore_GetSession(t *testing.T) {
	s := testStore(t)

	sess, err := s.CreateSession("research", "compare cache libraries", "/home/x/proj", "llama3.1:8b")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	t.Run("round trips all fields", func(t *testing.T) {
		got, err := s.GetSession(sess.ID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.ID != sess.ID {
			t.Errorf("ID = %q, want %q", got.ID, sess.ID)
		}
		if got.Domain != "research" {
			t.Errorf("Domain = %q, want %q", got.Domain, "research")
		}
		if got.Description != "compare cache libraries" {
			t.Errorf("Description = %q, want %q", got.Description, "compare cache libraries")
		}
		if got.ProjectPath != "/home/x/proj" {
			t.Errorf("ProjectPath = %q, want %q", got.ProjectPath, "/home/x/proj")
		}
		if got.Model != "llama3.1:8b" {
			t.Errorf("Model = %q, want %q", got.Model, "llama3.1:8b")
		}
		if got.CreatedAt.IsZero() {
			t.Error("expected parsed CreatedAt")
		}
	})

	t.Run("unknown id returns ErrNoRows", func(t *testing.T) {
		_, err := s.GetSession("no-such-id")
		if !errors.Is(err, sql.ErrNoRows) {
			t.Errorf("err = %v, want sql.ErrNoRows", err)
		}
	})
}

func TestStore_LatestSession(t *testing.T) {
	s := testStore(t)

	a, _ := s.CreateSession("general", "", "/proj", "m")
	b, _ := s.CreateSession("general", "", "/proj", "m")
	c, _ := s.CreateSession("general", "", "/other", "m")
	setUpdatedAt(t, s, a.ID, "2026-01-01 10:00:00")
	setUpdatedAt(t, s, b.ID, "2026-01-02 10:00:00")
	setUpdatedAt(t, s, c.ID, "2026-01-03 10:00:00")

	got, err := s.LatestSession("/proj")
	if err != nil {
		t.Fatalf("LatestSession: %v", err)
	}
	if got.ID != b.ID {
		t.Errorf("LatestSession = %q, want %q", got.ID, b.ID)
	}

	if _, err := s.LatestSession("/empty"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestStore_ListSessions(t *testing.T) {
	s := testStore(t)

	a, _ := s.CreateSession("general", "", "/proj", "m")
	b, _ := s.CreateSession("general", "", "/proj", "m")
	c, _ := s.CreateSession("general", "", "/other", "m")
	setUpdatedAt(t, s, a.ID, "2026-01-01 10:00:00")
	setUpdatedAt(t, s, b.ID, "2026-01-02 10:00:00")
	setUpdatedAt(t, s, c.ID, "2026-01-03 10:00:00")

	t.Run("filters by project path, newest first", func(t *testing.T) {
		got, err := s.ListSessions("/proj", 10)
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len = %d, want 2", len(got))
		}
		if got[0].ID != b.ID || got[1].ID != a.ID {
			t.Errorf("order = [%s, %s], want [%s, %s]", got[0].ID, got[1].ID, b.ID, a.ID)
		}
	})

	t.Run("empty project path lists all", func(t *testing.T) {
		got, err := s.ListSessions("", 10)
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3", len(got))
		}
		if got[0].ID != c.ID {
			t.Errorf("first = %q, want %q", got[0].ID, c.ID)
		}
	})

	t.Run("respects limit", func(t *testing.T) {
		got, err := s.ListSessions("", 1)
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(got) != 1 {
			t.Errorf("len = %d, want 1", len(got))
		}
	})
}

func TestStore_FindSessionByPrefix(t *testing.T) {
	s := testStore(t)

	sess, err := s.CreateSession("general", "", "/proj", "m")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.FindSessionByPrefix(sess.ID[:8])
	if err != nil {
		t.Fatalf("FindSessionByPrefix: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("ID = %q, want %q", got.ID, sess.ID)
	}

	if _, err := s.FindSessionByPrefix("zzzzzzzz"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestStore_SessionTitle(t *testing.T) {
	s := testStore(t)

	sess, _ := s.CreateSession("general", "", "/proj", "m")
	if err := s.UpdateSessionTitle(sess.ID, "Count Go files"); err != nil {
		t.Fatalf("UpdateSessionTitle: %v", err)
	}
	if got := s.SessionTitle(sess.ID); got != "Count Go files" {
		t.Errorf("SessionTitle = %q, want %q", got, "Count Go files")
	}
	if got := s.SessionTitle("missing"); got != "Unknown" {
		t.Errorf("SessionTitle(missing) = %q, want %q", got, "Unknown")
	}
}

func TestStore_UpdateSessionFields(t *testing.T) {
	s := testStore(t)
	sess, _ := s.CreateSession("general", "", "/proj", "m")

	t.Run("tokens", func(t *testing.T) {
		if err := s.UpdateSessionTokens(sess.ID, 120, 45); err != nil {
			t.Fatalf("UpdateSessionTokens: %v", err)
		}
		got, _ := s.GetSession(sess.ID)
		if got.InputTokens != 120 || got.OutputTokens != 45 || got.TotalTokens != 165 {
			t.Errorf("tokens = %d/%d/%d, want 120/45/165",
				got.InputTokens, got.OutputTokens, got.TotalTokens)
		}
	})

	t.Run("model", func(t *testing.T) {
		if err := s.UpdateSessionModel(sess.ID, "qwen2.5-coder:32b"); err != nil {
			t.Fatalf("UpdateSessionModel: %v", err)
		}
		got, _ := s.GetSession(sess.ID)
		if got.Model != "qwen2.5-coder:32b" {
			t.Errorf("Model = %q, want %q", got.Model, "qwen2.5-coder:32b")
		}
	})

	t.Run("touch bumps updated_at", func(t *testing.T) {
		setUpdatedAt(t, s, sess.ID, "2020-01-01 00:00:00")
		if err := s.TouchSession(sess.ID); err != nil {
			t.Fatalf("TouchSession: %v", err)
		}
		got, _ := s.GetSession(sess.ID)
		if got.UpdatedAt.Year() == 2020 {
			t.Error("expected updated_at to advance")
		}
	})
}

func TestStore_Messages(t *testing.T) {
	s := testStore(t)
	sess, _ := s.CreateSession("general", "", "/proj", "m")

	t.Run("append assigns increasing sequence", func(t *testing.T) {
		if err := s.AppendMessage(sess.ID, "user", "count the files", 5); err != nil {
			t.Fatalf("AppendMessage 1: %v", err)
		}
		if err := s.AppendMessage(sess.ID, "assistant", "there are 42", 4); err != nil {
			t.Fatalf("AppendMessage 2: %v", err)
		}
		seq, err := s.MessageMaxSequence(sess.ID)
		if err != nil {
			t.Fatalf("MessageMaxSequence: %v", err)
		}
		if seq != 2 {
			t.Errorf("max sequence = %d, want 2", seq)
		}
		got, _ := s.GetSession(sess.ID)
		if got.MessageCount != 2 {
			t.Errorf("MessageCount = %d, want 2", got.MessageCount)
		}
	})

	t.Run("get returns messages in order", func(t *testing.T) {
		msgs, err := s.GetMessages(sess.ID)
		if err != nil {
			t.Fatalf("GetMessages: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("len = %d, want 2", len(msgs))
		}
		if msgs[0].Role != "user" || msgs[0].Content != "count the files" {
			t.Errorf("msg[0] = %q %q", msgs[0].Role, msgs[0].Content)
		}
		if msgs[1].Role != "assistant" || msgs[1].Content != "there are 42" {
			t.Errorf("msg[1] = %q %q", msgs[1].Role, msgs[1].Content)
		}
	})

	t.Run("blocks round trip and re-join text", func(t *testing.T) {
		blocks := []domain.ContentBlock{
			{Type: "text", Text: "checking the directory"},
			{Type: "tool_use", ToolUseID: "tu_1", ToolName: "list_files", ToolInput: map[string]any{"path": "."}},
			{Type: "text", Text: "done"},
		}
		if err := s.AppendMessageBlocks(sess.ID, "assistant", blocks, 12); err != nil {
			t.Fatalf("AppendMessageBlocks: %v", err)
		}
		msgs, err := s.GetMessages(sess.ID)
		if err != nil {
			t.Fatalf("GetMessages: %v", err)
		}
		last := msgs[len(msgs)-1]
		if !last.HasBlocks() {
			t.Fatal("expected blocks on last message")
		}
		if len(last.Blocks) != 3 {
			t.Errorf("blocks = %d, want 3", len(last.Blocks))
		}
		if last.Blocks[1].ToolName != "list_files" {
			t.Errorf("ToolName = %q, want list_files", last.Blocks[1].ToolName)
		}
		if last.Content != "checking the directory\ndone" {
			t.Errorf("Content = %q", last.Content)
		}
	})

	t.Run("after sequence", func(t *testing.T) {
		msgs, err := s.GetMessagesAfterSequence(sess.ID, 2)
		if err != nil {
			t.Fatalf("GetMessagesAfterSequence: %v", err)
		}
		if len(msgs) != 1 {
			t.Fatalf("len = %d, want 1", len(msgs))
		}
		if !msgs[0].HasBlocks() {
			t.Error("expected the blocks message")
		}
	})
}

func TestStore_Compactions(t *testing.T) {
	s := testStore(t)
	sess, _ := s.CreateSession("general", "", "/proj", "m")

	t.Run("no compaction returns ErrNoRows", func(t *testing.T) {
		_, _, err := s.LatestCompaction(sess.ID)
		if !errors.Is(err, sql.ErrNoRows) {
			t.Errorf("err = %v, want sql.ErrNoRows", err)
		}
	})

	t.Run("latest wins", func(t *testing.T) {
		if err := s.SaveCompaction(sess.ID, "first summary", 10); err != nil {
			t.Fatalf("SaveCompaction 1: %v", err)
		}
		if err := s.SaveCompaction(sess.ID, "second summary", 25); err != nil {
			t.Fatalf("SaveCompaction 2: %v", err)
		}
		summary, cutoff, err := s.LatestCompaction(sess.ID)
		if err != nil {
			t.Fatalf("LatestCompaction: %v", err)
		}
		if summary != "second summary" || cutoff != 25 {
			t.Errorf("got (%q, %d), want (second summary, 25)", summary, cutoff)
		}
	})
}

func TestStore_PlanRuns(t *testing.T) {
	s := testStore(t)
	sess, _ := s.CreateSession("general", "", "/proj", "m")

	p := &plan.Plan{Tasks: []*plan.Task{
		{ID: "task_1", Description: "list files", AgentType: "READER"},
		{ID: "task_2", Description: "summarize", AgentType: "AGGREGATOR", Dependencies: []string{"task_1"}},
	}}

	t.Run("save and finish", func(t *testing.T) {
		id, err := s.SavePlanRun(sess.ID, "how many files?", p)
		if err != nil {
			t.Fatalf("SavePlanRun: %v", err)
		}
		if id == 0 {
			t.Fatal("expected non-zero plan run id")
		}

		runs, err := s.PlanRuns(sess.ID, 10)
		if err != nil {
			t.Fatalf("PlanRuns: %v", err)
		}
		if len(runs) != 1 {
			t.Fatalf("len = %d, want 1", len(runs))
		}
		if runs[0].Status != "running" {
			t.Errorf("Status = %q, want running", runs[0].Status)
		}
		if runs[0].TaskCount != 2 {
			t.Errorf("TaskCount = %d, want 2", runs[0].TaskCount)
		}
		if runs[0].FinishedAt != nil {
			t.Error("expected nil FinishedAt while running")
		}

		if err := s.FinishPlanRun(id, "completed", "there are 42 files"); err != nil {
			t.Fatalf("FinishPlanRun: %v", err)
		}
		runs, _ = s.PlanRuns(sess.ID, 10)
		if runs[0].Status != "completed" {
			t.Errorf("Status = %q, want completed", runs[0].Status)
		}
		if runs[0].Answer != "there are 42 files" {
			t.Errorf("Answer = %q", runs[0].Answer)
		}
		if runs[0].FinishedAt == nil {
			t.Error("expected FinishedAt after finish")
		}
	})

	t.Run("newest run first", func(t *testing.T) {
		if _, err := s.SavePlanRun(sess.ID, "second query", p); err != nil {
			t.Fatalf("SavePlanRun: %v", err)
		}
		runs, err := s.PlanRuns(sess.ID, 10)
		if err != nil {
			t.Fatalf("PlanRuns: %v", err)
		}
		if len(runs) != 2 {
			t.Fatalf("len = %d, want 2", len(runs))
		}
		if runs[0].Query != "second query" {
			t.Errorf("first = %q, want second query", runs[0].Query)
		}
	})
}

func TestStore_TaskRuns(t *testing.T) {
	s := testStore(t)
	sess, _ := s.CreateSession("general", "", "/proj", "m")

	p := &plan.Plan{Tasks: []*plan.Task{{ID: "task_1", Description: "d", AgentType: "READER"}}}
	runID, err := s.SavePlanRun(sess.ID, "q", p)
	if err != nil {
		t.Fatalf("SavePlanRun: %v", err)
	}

	started := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	ended := started.Add(9 * time.Second)
	done := &plan.Task{
		ID:           "task_1",
		Description:  "count the Go files",
		AgentType:    "READER",
		Dependencies: []string{},
		Status:       plan.StatusCompleted,
		Result:       "42 files",
		Attempts: []plan.Attempt{
			{Model: "qwen2.5:14b", Outcome: "empty_response", Duration: 2 * time.Second},
			{Model: "llama3.1:8b", Outcome: "success", Duration: 7 * time.Second},
		},
		StartedAt: started,
		EndedAt:   ended,
	}
	skipped := &plan.Task{
		ID:           "task_2",
		Description:  "summarize",
		AgentType:    "AGGREGATOR",
		Dependencies: []string{"task_1"},
		Status:       plan.StatusSkipped,
		Result:       "skipped: dependency task_1 did not complete",
	}
	if err := s.SaveTaskRun(runID, done); err != nil {
		t.Fatalf("SaveTaskRun done: %v", err)
	}
	if err := s.SaveTaskRun(runID, skipped); err != nil {
		t.Fatalf("SaveTaskRun skipped: %v", err)
	}

	got, err := s.TaskRuns(runID)
	if err != nil {
		t.Fatalf("TaskRuns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}

	first := got[0]
	if first.TaskID != "task_1" || first.AgentType != "READER" {
		t.Errorf("first = %q %q", first.TaskID, first.AgentType)
	}
	if first.Status != "completed" || first.Result != "42 files" {
		t.Errorf("status/result = %q %q", first.Status, first.Result)
	}
	if len(first.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(first.Attempts))
	}
	if first.Attempts[0].Outcome != "empty_response" || first.Attempts[1].Model != "llama3.1:8b" {
		t.Errorf("attempts round trip: %+v", first.Attempts)
	}
	if first.Attempts[1].Duration != 7*time.Second {
		t.Errorf("Duration = %v, want 7s", first.Attempts[1].Duration)
	}
	if first.StartedAt == nil || !first.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", first.StartedAt, started)
	}
	if first.EndedAt == nil || !first.EndedAt.Equal(ended) {
		t.Errorf("EndedAt = %v, want %v", first.EndedAt, ended)
	}

	second := got[1]
	if second.Status != "skipped" {
		t.Errorf("second status = %q, want skipped", second.Status)
	}
	if len(second.Dependencies) != 1 || second.Dependencies[0] != "task_1" {
		t.Errorf("dependencies = %v", second.Dependencies)
	}
	if second.StartedAt != nil || second.EndedAt != nil {
		t.Error("expected nil times for a task that never ran")
	}
}

func TestStore_ArtifactExecutions(t *testing.T) {
	s := testStore(t)
	sess, _ := s.CreateSession("general", "", "/proj", "m")

	base := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ex := artifact.Execution{
			ID:      fmt.Sprintf("exec-%d", i),
			At:      base.Add(time.Duration(i) * time.Minute),
			Kind:    "table",
			Title:   fmt.Sprintf("Table %d", i),
			Tool:    "emit_artifact",
			Args:    map[string]any{"rows": float64(i)},
			Summary: "file counts",
			Size:    100 + i,
		}
		if err := s.SaveArtifactExecution(sess.ID, ex); err != nil {
			t.Fatalf("SaveArtifactExecution %d: %v", i, err)
		}
	}

	t.Run("oldest first", func(t *testing.T) {
		got, err := s.ArtifactExecutions(sess.ID, 10)
		if err != nil {
			t.Fatalf("ArtifactExecutions: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3", len(got))
		}
		if got[0].ID != "exec-0" || got[2].ID != "exec-2" {
			t.Errorf("order = [%s .. %s], want [exec-0 .. exec-2]", got[0].ID, got[2].ID)
		}
		if got[1].Kind != "table" || got[1].Title != "Table 1" {
			t.Errorf("got[1] = %q %q", got[1].Kind, got[1].Title)
		}
		if got[1].Args["rows"] != float64(1) {
			t.Errorf("Args = %v", got[1].Args)
		}
		if !got[0].At.Equal(base) {
			t.Errorf("At = %v, want %v", got[0].At, base)
		}
	})

	t.Run("limit keeps most recent", func(t *testing.T) {
		got, err := s.ArtifactExecutions(sess.ID, 2)
		if err != nil {
			t.Fatalf("ArtifactExecutions: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len = %d, want 2", len(got))
		}
		if got[0].ID != "exec-1" || got[1].ID != "exec-2" {
			t.Errorf("order = [%s, %s], want [exec-1, exec-2]", got[0].ID, got[1].ID)
		}
	})

	t.Run("fills in id and timestamp", func(t *testing.T) {
		other, _ := s.CreateSession("general", "", "/proj2", "m")
		if err := s.SaveArtifactExecution(other.ID, artifact.Execution{Kind: "qrcode"}); err != nil {
			t.Fatalf("SaveArtifactExecution: %v", err)
		}
		got, _ := s.ArtifactExecutions(other.ID, 10)
		if len(got) != 1 {
			t.Fatalf("len = %d, want 1", len(got))
		}
		if got[0].ID == "" || got[0].At.IsZero() {
			t.Errorf("expected generated id and timestamp, got %+v", got[0])
		}
	})
}

func TestStore_DeleteSessionCascades(t *testing.T) {
	s := testStore(t)
	sess, _ := s.CreateSession("general", "", "/proj", "m")

	if err := s.AppendMessage(sess.ID, "user", "hello", 1); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.SaveCompaction(sess.ID, "summary", 1); err != nil {
		t.Fatalf("SaveCompaction: %v", err)
	}
	p := &plan.Plan{Tasks: []*plan.Task{{ID: "task_1", Description: "d", AgentType: "READER"}}}
	runID, err := s.SavePlanRun(sess.ID, "q", p)
	if err != nil {
		t.Fatalf("SavePlanRun: %v", err)
	}
	if err := s.SaveTaskRun(runID, p.Tasks[0]); err != nil {
		t.Fatalf("SaveTaskRun: %v", err)
	}
	if err := s.SaveArtifactExecution(sess.ID, artifact.Execution{Kind: "table"}); err != nil {
		t.Fatalf("SaveArtifactExecution: %v", err)
	}

	if err := s.DeleteSession(sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if _, err := s.GetSession(sess.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetSession err = %v, want sql.ErrNoRows", err)
	}
	msgs, _ := s.GetMessages(sess.ID)
	if len(msgs) != 0 {
		t.Errorf("messages survived delete: %d", len(msgs))
	}
	runs, _ := s.PlanRuns(sess.ID, 10)
	if len(runs) != 0 {
		t.Errorf("plan runs survived delete: %d", len(runs))
	}
	tasks, _ := s.TaskRuns(runID)
	if len(tasks) != 0 {
		t.Errorf("task runs survived delete: %d", len(tasks))
	}
	execs, _ := s.ArtifactExecutions(sess.ID, 10)
	if len(execs) != 0 {
		t.Errorf("artifact executions survived delete: %d", len(execs))
	}
	if _, _, err := s.LatestCompaction(sess.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("compaction err = %v, want sql.ErrNoRows", err)
	}
}

func TestStore_TruncatesLongText(t *testing.T) {
	s := testStore(t)
	sess, _ := s.CreateSession("general", "", "/proj", "m")

	p := &plan.Plan{Tasks: []*plan.Task{{ID: "task_1", Description: "d", AgentType: "READER"}}}
	runID, _ := s.SavePlanRun(sess.ID, "q", p)

	long := strings.Repeat("x", 20000)
	if err := s.FinishPlanRun(runID, "completed", long); err != nil {
		t.Fatalf("FinishPlanRun: %v", err)
	}
	runs, _ := s.PlanRuns(sess.ID, 1)
	if len(runs[0].Answer) > 16003 {
		t.Errorf("answer not truncated: %d bytes", len(runs[0].Answer))
	}
	if !strings.HasSuffix(runs[0].Answer, "...") {
		t.Error("expected truncation marker")
	}
}

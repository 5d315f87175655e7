package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	penguin "github.com/penguin-agent/penguin"
)

// --- helper functions ---

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s := New(dbPath)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testWorkflow(id string, status penguin.WorkflowStatus) penguin.WorkflowState {
	now := time.Now()
	return penguin.WorkflowState{
		WorkflowID: id,
		TaskID:     "task-1",
		ProjectID:  "proj-1",
		Status:     status,
		Phase:      penguin.PhaseImplement,
		Progress:   25,
		CreatedAt:  now,
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// --- sessions ---

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := penguin.SessionSnapshot{
		ID:                 "sess-1",
		CreatedAt:          time.Now().Add(-time.Hour),
		LastActive:         time.Now(),
		SystemPromptDigest: "abc123",
		Metadata:           map[string]any{"agent": "default"},
		Messages: []penguin.Message{
			{Role: penguin.RoleUser, Content: "hello"},
			{Role: penguin.RoleAssistant, Content: "hi there"},
		},
	}
	if err := s.SaveSession(ctx, snap); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := s.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got.ID != snap.ID || got.SystemPromptDigest != snap.SystemPromptDigest {
		t.Errorf("identity mismatch: got %q/%q", got.ID, got.SystemPromptDigest)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(got.Messages))
	}
	if got.Messages[1].Content != "hi there" {
		t.Errorf("message content = %q", got.Messages[1].Content)
	}
}

func TestSessionSaveReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := penguin.SessionSnapshot{
		ID:        "sess-1",
		CreatedAt: time.Now(),
		Messages:  []penguin.Message{{Role: penguin.RoleUser, Content: "first"}},
	}
	if err := s.SaveSession(ctx, snap); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	snap.Messages = append(snap.Messages, penguin.Message{Role: penguin.RoleAssistant, Content: "second"})
	if err := s.SaveSession(ctx, snap); err != nil {
		t.Fatalf("SaveSession again: %v", err)
	}

	got, err := s.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(got.Messages))
	}
}

func TestLoadSessionMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadSession(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error for missing session")
	}
	var storeErr *penguin.ErrStorage
	if !errors.As(err, &storeErr) {
		t.Errorf("error type = %T, want *penguin.ErrStorage", err)
	}
}

// --- workflows ---

func TestWorkflowRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := testWorkflow("wf-1", penguin.WorkflowRunning)
	st.BlueprintID = "bp-1"
	st.PhaseResults = []penguin.PhaseResult{
		{Phase: penguin.PhaseImplement, Success: true, Attempts: 1},
	}
	st.Artifacts = map[string]any{"implement_finish_status": "done"}
	st.Config = json.RawMessage(`{"prompt":"build it"}`)

	if err := s.SaveWorkflow(ctx, st); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	got, err := s.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if got.Status != penguin.WorkflowRunning || got.Phase != penguin.PhaseImplement {
		t.Errorf("state = %s/%s", got.Status, got.Phase)
	}
	if got.Progress != 25 {
		t.Errorf("progress = %d, want 25", got.Progress)
	}
	if len(got.PhaseResults) != 1 || !got.PhaseResults[0].Success {
		t.Errorf("phase results = %+v", got.PhaseResults)
	}
	if got.Artifacts["implement_finish_status"] != "done" {
		t.Errorf("artifacts = %+v", got.Artifacts)
	}
	if string(got.Config) != `{"prompt":"build it"}` {
		t.Errorf("config = %s", got.Config)
	}
	if !got.CompletedAt.IsZero() {
		t.Errorf("completed_at should stay zero, got %v", got.CompletedAt)
	}
}

func TestListWorkflowsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testWorkflow("wf-a", penguin.WorkflowRunning)
	b := testWorkflow("wf-b", penguin.WorkflowCompleted)
	c := testWorkflow("wf-c", penguin.WorkflowRunning)
	c.ProjectID = "proj-2"
	for _, st := range []penguin.WorkflowState{a, b, c} {
		if err := s.SaveWorkflow(ctx, st); err != nil {
			t.Fatalf("SaveWorkflow %s: %v", st.WorkflowID, err)
		}
	}

	running, err := s.ListWorkflows(ctx, penguin.WorkflowFilter{Status: penguin.WorkflowRunning})
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if len(running) != 2 {
		t.Errorf("running = %d, want 2", len(running))
	}

	proj, err := s.ListWorkflows(ctx, penguin.WorkflowFilter{ProjectID: "proj-2"})
	if err != nil {
		t.Fatalf("ListWorkflows project: %v", err)
	}
	if len(proj) != 1 || proj[0].WorkflowID != "wf-c" {
		t.Errorf("project filter = %+v", proj)
	}

	all, err := s.ListWorkflows(ctx, penguin.WorkflowFilter{})
	if err != nil {
		t.Fatalf("ListWorkflows all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all = %d, want 3", len(all))
	}
}

func TestMarkRunningFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, st := range []penguin.WorkflowState{
		testWorkflow("wf-run", penguin.WorkflowRunning),
		testWorkflow("wf-wait", penguin.WorkflowWaitingInput),
		testWorkflow("wf-done", penguin.WorkflowCompleted),
	} {
		if err := s.SaveWorkflow(ctx, st); err != nil {
			t.Fatalf("SaveWorkflow: %v", err)
		}
	}

	n, err := s.MarkRunningFailed(ctx, "process exited")
	if err != nil {
		t.Fatalf("MarkRunningFailed: %v", err)
	}
	if n != 2 {
		t.Errorf("marked = %d, want 2", n)
	}

	got, err := s.GetWorkflow(ctx, "wf-run")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if got.Status != penguin.WorkflowFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage != "process exited" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}

	done, err := s.GetWorkflow(ctx, "wf-done")
	if err != nil {
		t.Fatalf("GetWorkflow done: %v", err)
	}
	if done.Status != penguin.WorkflowCompleted {
		t.Errorf("completed workflow was touched: %s", done.Status)
	}
}

func TestDeleteCompletedBeforeCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := testWorkflow("wf-old", penguin.WorkflowCompleted)
	old.CompletedAt = time.Now().Add(-48 * time.Hour)
	fresh := testWorkflow("wf-fresh", penguin.WorkflowCompleted)
	fresh.CompletedAt = time.Now()
	live := testWorkflow("wf-live", penguin.WorkflowRunning)
	for _, st := range []penguin.WorkflowState{old, fresh, live} {
		if err := s.SaveWorkflow(ctx, st); err != nil {
			t.Fatalf("SaveWorkflow: %v", err)
		}
	}
	snap := penguin.ContextSnapshot{
		SnapshotID: "snap-old",
		WorkflowID: "wf-old",
		Phase:      penguin.PhaseVerify,
		CreatedAt:  time.Now().Add(-48 * time.Hour),
	}
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	n, err := s.DeleteCompletedBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteCompletedBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if _, err := s.GetWorkflow(ctx, "wf-old"); err == nil {
		t.Error("old workflow still present")
	}
	if _, err := s.GetSnapshot(ctx, "snap-old"); err == nil {
		t.Error("old snapshot still present")
	}
	if _, err := s.GetWorkflow(ctx, "wf-fresh"); err != nil {
		t.Errorf("fresh workflow removed: %v", err)
	}
	if _, err := s.GetWorkflow(ctx, "wf-live"); err != nil {
		t.Errorf("running workflow removed: %v", err)
	}
}

// --- snapshots ---

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := penguin.ContextSnapshot{
		SnapshotID:          "snap-1",
		WorkflowID:          "wf-1",
		Phase:               penguin.PhaseTest,
		ConversationHistory: json.RawMessage(`[{"role":"user","content":"go"}]`),
		ToolOutputs:         json.RawMessage(`{"read_file":"ok"}`),
		CreatedAt:           time.Now(),
	}
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := s.GetSnapshot(ctx, "snap-1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.WorkflowID != "wf-1" || got.Phase != penguin.PhaseTest {
		t.Errorf("snapshot = %+v", got)
	}
	if string(got.ConversationHistory) != `[{"role":"user","content":"go"}]` {
		t.Errorf("history = %s", got.ConversationHistory)
	}
	if got.Metadata != nil {
		t.Errorf("metadata should be nil, got %s", got.Metadata)
	}
}

// Package sqlite persists sessions and workflow state using pure-Go
// SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	penguin "github.com/penguin-agent/penguin"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements penguin.SessionStore and penguin.WorkflowStore backed
// by a local SQLite file. Session message logs, phase results, artifacts,
// and context snapshots are stored as JSON text.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ penguin.SessionStore = (*Store)(nil)
var _ penguin.WorkflowStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	_, _ = s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`)
	_, _ = s.db.ExecContext(ctx, `PRAGMA busy_timeout=5000`)

	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			last_active INTEGER NOT NULL,
			system_prompt_digest TEXT,
			metadata TEXT,
			messages TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_states (
			workflow_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			blueprint_id TEXT,
			project_id TEXT,
			status TEXT NOT NULL,
			phase TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			phase_results TEXT,
			artifacts TEXT,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			config TEXT,
			context_snapshot_id TEXT,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS context_snapshots (
			snapshot_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			conversation_history TEXT,
			tool_outputs TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return &penguin.ErrStorage{Op: "create table", Err: err}
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_workflows_task ON workflow_states(task_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_workflows_project ON workflow_states(project_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflow_states(status)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_snapshots_workflow ON context_snapshots(workflow_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- Sessions ---

// SaveSession inserts or replaces a session snapshot.
func (s *Store) SaveSession(ctx context.Context, snap penguin.SessionSnapshot) error {
	start := time.Now()
	s.logger.Debug("sqlite: save session", "id", snap.ID, "messages", len(snap.Messages))

	msgJSON, err := json.Marshal(snap.Messages)
	if err != nil {
		return &penguin.ErrStorage{Op: "marshal messages", Err: err}
	}
	var metaJSON *string
	if len(snap.Metadata) > 0 {
		data, _ := json.Marshal(snap.Metadata)
		v := string(data)
		metaJSON = &v
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, created_at, last_active, system_prompt_digest, metadata, messages)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.CreatedAt.UnixMilli(), snap.LastActive.UnixMilli(),
		snap.SystemPromptDigest, metaJSON, string(msgJSON),
	)
	if err != nil {
		s.logger.Error("sqlite: save session failed", "id", snap.ID, "error", err, "duration", time.Since(start))
		return &penguin.ErrStorage{Op: "save session", Err: err}
	}
	s.logger.Debug("sqlite: save session ok", "id", snap.ID, "duration", time.Since(start))
	return nil
}

// LoadSession returns a session snapshot by ID.
func (s *Store) LoadSession(ctx context.Context, id string) (penguin.SessionSnapshot, error) {
	start := time.Now()
	s.logger.Debug("sqlite: load session", "id", id)

	var snap penguin.SessionSnapshot
	var createdAt, lastActive int64
	var digest, msgJSON string
	var metaJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, last_active, system_prompt_digest, metadata, messages
		 FROM sessions WHERE id = ?`, id,
	).Scan(&snap.ID, &createdAt, &lastActive, &digest, &metaJSON, &msgJSON)
	if err != nil {
		s.logger.Error("sqlite: load session failed", "id", id, "error", err, "duration", time.Since(start))
		return penguin.SessionSnapshot{}, &penguin.ErrStorage{Op: "load session", Err: err}
	}
	snap.CreatedAt = time.UnixMilli(createdAt)
	snap.LastActive = time.UnixMilli(lastActive)
	snap.SystemPromptDigest = digest
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &snap.Metadata)
	}
	if err := json.Unmarshal([]byte(msgJSON), &snap.Messages); err != nil {
		return penguin.SessionSnapshot{}, &penguin.ErrStorage{Op: "decode messages", Err: err}
	}
	s.logger.Debug("sqlite: load session ok", "id", id, "messages", len(snap.Messages), "duration", time.Since(start))
	return snap, nil
}

// --- Workflows ---

// SaveWorkflow inserts or replaces a workflow state row.
func (s *Store) SaveWorkflow(ctx context.Context, st penguin.WorkflowState) error {
	start := time.Now()
	s.logger.Debug("sqlite: save workflow", "id", st.WorkflowID, "status", st.Status, "phase", st.Phase, "progress", st.Progress)

	var resultsJSON *string
	if len(st.PhaseResults) > 0 {
		data, _ := json.Marshal(st.PhaseResults)
		v := string(data)
		resultsJSON = &v
	}
	var artifactsJSON *string
	if len(st.Artifacts) > 0 {
		data, _ := json.Marshal(st.Artifacts)
		v := string(data)
		artifactsJSON = &v
	}
	var configJSON *string
	if len(st.Config) > 0 {
		v := string(st.Config)
		configJSON = &v
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflow_states
		 (workflow_id, task_id, blueprint_id, project_id, status, phase, progress,
		  phase_results, artifacts, error_message, retry_count, config,
		  context_snapshot_id, created_at, started_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.WorkflowID, st.TaskID, st.BlueprintID, st.ProjectID,
		string(st.Status), string(st.Phase), st.Progress,
		resultsJSON, artifactsJSON, st.ErrorMessage, st.RetryCount, configJSON,
		st.ContextSnapshotID, st.CreatedAt.UnixMilli(), nullableMilli(st.StartedAt),
		st.UpdatedAt.UnixMilli(), nullableMilli(st.CompletedAt),
	)
	if err != nil {
		s.logger.Error("sqlite: save workflow failed", "id", st.WorkflowID, "error", err, "duration", time.Since(start))
		return &penguin.ErrStorage{Op: "save workflow", Err: err}
	}
	s.logger.Debug("sqlite: save workflow ok", "id", st.WorkflowID, "duration", time.Since(start))
	return nil
}

const workflowCols = `workflow_id, task_id, blueprint_id, project_id, status, phase, progress,
	phase_results, artifacts, error_message, retry_count, config,
	context_snapshot_id, created_at, started_at, updated_at, completed_at`

// GetWorkflow returns a workflow state by ID.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (penguin.WorkflowState, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get workflow", "id", workflowID)

	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowCols+` FROM workflow_states WHERE workflow_id = ?`, workflowID)
	st, err := scanWorkflow(row)
	if err != nil {
		s.logger.Error("sqlite: get workflow failed", "id", workflowID, "error", err, "duration", time.Since(start))
		return penguin.WorkflowState{}, &penguin.ErrStorage{Op: "get workflow", Err: err}
	}
	s.logger.Debug("sqlite: get workflow ok", "id", workflowID, "status", st.Status, "duration", time.Since(start))
	return st, nil
}

// ListWorkflows returns workflow states matching the filter, newest first.
func (s *Store) ListWorkflows(ctx context.Context, filter penguin.WorkflowFilter) ([]penguin.WorkflowState, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list workflows", "task_id", filter.TaskID, "project_id", filter.ProjectID, "status", filter.Status)

	query := `SELECT ` + workflowCols + ` FROM workflow_states WHERE 1=1`
	var args []any
	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: list workflows failed", "error", err, "duration", time.Since(start))
		return nil, &penguin.ErrStorage{Op: "list workflows", Err: err}
	}
	defer rows.Close()

	var states []penguin.WorkflowState
	for rows.Next() {
		st, err := scanWorkflow(rows)
		if err != nil {
			return nil, &penguin.ErrStorage{Op: "scan workflow", Err: err}
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, &penguin.ErrStorage{Op: "iterate workflows", Err: err}
	}
	s.logger.Debug("sqlite: list workflows ok", "count", len(states), "duration", time.Since(start))
	return states, nil
}

// MarkRunningFailed flips every non-terminal in-flight workflow to failed
// with the given reason. Called once on cold start before any workflow is
// accepted.
func (s *Store) MarkRunningFailed(ctx context.Context, reason string) (int, error) {
	start := time.Now()
	s.logger.Debug("sqlite: mark running failed", "reason", reason)

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_states
		 SET status = ?, phase = ?, error_message = ?, updated_at = ?, completed_at = ?
		 WHERE status IN (?, ?, ?, ?)`,
		string(penguin.WorkflowFailed), string(penguin.PhaseFailed), reason, now, now,
		string(penguin.WorkflowRunning), string(penguin.WorkflowPending),
		string(penguin.WorkflowPaused), string(penguin.WorkflowWaitingInput),
	)
	if err != nil {
		s.logger.Error("sqlite: mark running failed error", "error", err, "duration", time.Since(start))
		return 0, &penguin.ErrStorage{Op: "mark running failed", Err: err}
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("sqlite: marked stale workflows failed", "count", n, "reason", reason)
	}
	s.logger.Debug("sqlite: mark running failed ok", "count", n, "duration", time.Since(start))
	return int(n), nil
}

// DeleteCompletedBefore removes terminal workflows completed before the
// cutoff, together with their context snapshots.
func (s *Store) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	start := time.Now()
	s.logger.Debug("sqlite: delete completed before", "cutoff", cutoff)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &penguin.ErrStorage{Op: "begin tx", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	cutoffMs := cutoff.UnixMilli()
	terminal := []any{
		string(penguin.WorkflowCompleted), string(penguin.WorkflowFailed), string(penguin.WorkflowCancelled),
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM context_snapshots WHERE workflow_id IN (
			SELECT workflow_id FROM workflow_states
			WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
		 )`,
		append(terminal, cutoffMs)...,
	)
	if err != nil {
		return 0, &penguin.ErrStorage{Op: "delete snapshots", Err: err}
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_states
		 WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		append(terminal, cutoffMs)...,
	)
	if err != nil {
		return 0, &penguin.ErrStorage{Op: "delete workflows", Err: err}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: delete completed commit failed", "error", err, "duration", time.Since(start))
		return 0, &penguin.ErrStorage{Op: "commit tx", Err: err}
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: delete completed ok", "deleted", n, "duration", time.Since(start))
	return int(n), nil
}

// --- Context snapshots ---

// SaveSnapshot inserts a context snapshot. Snapshots are append-only.
func (s *Store) SaveSnapshot(ctx context.Context, snap penguin.ContextSnapshot) error {
	start := time.Now()
	s.logger.Debug("sqlite: save snapshot", "id", snap.SnapshotID, "workflow_id", snap.WorkflowID, "phase", snap.Phase)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO context_snapshots
		 (snapshot_id, workflow_id, phase, conversation_history, tool_outputs, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.WorkflowID, string(snap.Phase),
		nullableRaw(snap.ConversationHistory), nullableRaw(snap.ToolOutputs), nullableRaw(snap.Metadata),
		snap.CreatedAt.UnixMilli(),
	)
	if err != nil {
		s.logger.Error("sqlite: save snapshot failed", "id", snap.SnapshotID, "error", err, "duration", time.Since(start))
		return &penguin.ErrStorage{Op: "save snapshot", Err: err}
	}
	s.logger.Debug("sqlite: save snapshot ok", "id", snap.SnapshotID, "duration", time.Since(start))
	return nil
}

// GetSnapshot returns a context snapshot by ID.
func (s *Store) GetSnapshot(ctx context.Context, snapshotID string) (penguin.ContextSnapshot, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get snapshot", "id", snapshotID)

	var snap penguin.ContextSnapshot
	var phase string
	var history, outputs, meta sql.NullString
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot_id, workflow_id, phase, conversation_history, tool_outputs, metadata, created_at
		 FROM context_snapshots WHERE snapshot_id = ?`, snapshotID,
	).Scan(&snap.SnapshotID, &snap.WorkflowID, &phase, &history, &outputs, &meta, &createdAt)
	if err != nil {
		s.logger.Error("sqlite: get snapshot failed", "id", snapshotID, "error", err, "duration", time.Since(start))
		return penguin.ContextSnapshot{}, &penguin.ErrStorage{Op: "get snapshot", Err: err}
	}
	snap.Phase = penguin.WorkflowPhase(phase)
	if history.Valid {
		snap.ConversationHistory = json.RawMessage(history.String)
	}
	if outputs.Valid {
		snap.ToolOutputs = json.RawMessage(outputs.String)
	}
	if meta.Valid {
		snap.Metadata = json.RawMessage(meta.String)
	}
	snap.CreatedAt = time.UnixMilli(createdAt)
	s.logger.Debug("sqlite: get snapshot ok", "id", snapshotID, "duration", time.Since(start))
	return snap, nil
}

// DB returns the underlying *sql.DB for sharing with other stores.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (penguin.WorkflowState, error) {
	var st penguin.WorkflowState
	var blueprintID, projectID sql.NullString
	var status, phase string
	var resultsJSON, artifactsJSON, errMsg, configJSON, snapshotID sql.NullString
	var createdAt, updatedAt int64
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(
		&st.WorkflowID, &st.TaskID, &blueprintID, &projectID, &status, &phase, &st.Progress,
		&resultsJSON, &artifactsJSON, &errMsg, &st.RetryCount, &configJSON,
		&snapshotID, &createdAt, &startedAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return penguin.WorkflowState{}, err
	}
	st.BlueprintID = blueprintID.String
	st.ProjectID = projectID.String
	st.Status = penguin.WorkflowStatus(status)
	st.Phase = penguin.WorkflowPhase(phase)
	if resultsJSON.Valid {
		_ = json.Unmarshal([]byte(resultsJSON.String), &st.PhaseResults)
	}
	if artifactsJSON.Valid {
		_ = json.Unmarshal([]byte(artifactsJSON.String), &st.Artifacts)
	}
	st.ErrorMessage = errMsg.String
	if configJSON.Valid {
		st.Config = json.RawMessage(configJSON.String)
	}
	st.ContextSnapshotID = snapshotID.String
	st.CreatedAt = time.UnixMilli(createdAt)
	if startedAt.Valid {
		st.StartedAt = time.UnixMilli(startedAt.Int64)
	}
	st.UpdatedAt = time.UnixMilli(updatedAt)
	if completedAt.Valid {
		st.CompletedAt = time.UnixMilli(completedAt.Int64)
	}
	return st, nil
}

// nullableMilli maps the zero time to NULL.
func nullableMilli(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

// nullableRaw maps empty JSON to NULL.
func nullableRaw(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	v := string(raw)
	return &v
}

package penguin

import (
	"context"
	"time"
)

// SessionSnapshot is the persisted form of a session: identity plus the
// full append-only message log.
type SessionSnapshot struct {
	ID                 string         `json:"id"`
	CreatedAt          time.Time      `json:"created_at"`
	LastActive         time.Time      `json:"last_active"`
	SystemPromptDigest string         `json:"system_prompt_digest"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	Messages           []Message      `json:"messages"`
}

// SessionStore abstracts session persistence. The conversation layer
// writes through a single-writer queue, so implementations never see
// concurrent SaveSession calls for the same session.
type SessionStore interface {
	SaveSession(ctx context.Context, snap SessionSnapshot) error
	LoadSession(ctx context.Context, id string) (SessionSnapshot, error)
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
}

// WorkflowStore abstracts durable workflow state for the orchestration
// backend. The sqlite subpackage provides the production implementation.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, st WorkflowState) error
	GetWorkflow(ctx context.Context, workflowID string) (WorkflowState, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]WorkflowState, error)
	// MarkRunningFailed flips every running/pending-running workflow to
	// failed with the given reason. Called once on cold start.
	MarkRunningFailed(ctx context.Context, reason string) (int, error)
	// DeleteCompletedBefore removes workflows whose CompletedAt is older
	// than the cutoff, together with their context snapshots.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)

	SaveSnapshot(ctx context.Context, snap ContextSnapshot) error
	GetSnapshot(ctx context.Context, snapshotID string) (ContextSnapshot, error)

	Init(ctx context.Context) error
	Close() error
}

// WorkflowFilter narrows ListWorkflows. Zero values match everything.
type WorkflowFilter struct {
	TaskID    string
	ProjectID string
	Status    WorkflowStatus
}

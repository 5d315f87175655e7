package penguin

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending      WorkflowStatus = "pending"
	WorkflowRunning      WorkflowStatus = "running"
	WorkflowPaused       WorkflowStatus = "paused"
	WorkflowWaitingInput WorkflowStatus = "waiting_input"
	WorkflowCompleted    WorkflowStatus = "completed"
	WorkflowFailed       WorkflowStatus = "failed"
	WorkflowCancelled    WorkflowStatus = "cancelled"
)

// terminal reports whether a status admits no further transitions.
func (s WorkflowStatus) terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// WorkflowPhase is the position inside the ITUV state machine.
type WorkflowPhase string

const (
	PhasePending   WorkflowPhase = "pending"
	PhaseImplement WorkflowPhase = "implement"
	PhaseTest      WorkflowPhase = "test"
	PhaseUse       WorkflowPhase = "use"
	PhaseVerify    WorkflowPhase = "verify"
	PhaseCompleted WorkflowPhase = "completed"
	PhaseFailed    WorkflowPhase = "failed"
	PhaseCancelled WorkflowPhase = "cancelled"
	PhasePaused    WorkflowPhase = "paused"
)

// ituvPhases is the execution order of the four work phases.
var ituvPhases = []WorkflowPhase{PhaseImplement, PhaseTest, PhaseUse, PhaseVerify}

// PhaseResult records the outcome of one completed phase.
type PhaseResult struct {
	Phase       WorkflowPhase `json:"phase"`
	Success     bool          `json:"success"`
	Output      string        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// WorkflowState is the durable row the orchestration backend owns. It is
// the single source of truth on restart.
type WorkflowState struct {
	WorkflowID        string          `json:"workflow_id"`
	TaskID            string          `json:"task_id"`
	BlueprintID       string          `json:"blueprint_id,omitempty"`
	ProjectID         string          `json:"project_id,omitempty"`
	Status            WorkflowStatus  `json:"status"`
	Phase             WorkflowPhase   `json:"phase"`
	Progress          int             `json:"progress"` // 0..100
	PhaseResults      []PhaseResult   `json:"phase_results,omitempty"`
	Artifacts         map[string]any  `json:"artifacts,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	RetryCount        int             `json:"retry_count"`
	Config            json.RawMessage `json:"config,omitempty"`
	ContextSnapshotID string          `json:"context_snapshot_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         time.Time       `json:"started_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       time.Time       `json:"completed_at,omitempty"`
}

// ContextSnapshot captures conversation history and tool outputs at a
// phase boundary. Snapshots are append-only and garbage-collected with
// the owning workflow.
type ContextSnapshot struct {
	SnapshotID          string          `json:"snapshot_id"`
	WorkflowID          string          `json:"workflow_id"`
	Phase               WorkflowPhase   `json:"phase"`
	ConversationHistory json.RawMessage `json:"conversation_history,omitempty"`
	ToolOutputs         json.RawMessage `json:"tool_outputs,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

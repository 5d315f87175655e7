package penguin

import (
	"context"
	"encoding/json"
	"time"
)

// --- Roles and categories ---

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Category classifies a message for context-window budgeting.
// The category decides which token budget the message consumes and
// in which order it becomes eligible for trimming.
type Category string

const (
	// CategorySystem holds system prompts. Never trimmed.
	CategorySystem Category = "system"
	// CategorySystemOutput holds system-generated notices (clamp notices,
	// trim placeholders).
	CategorySystemOutput Category = "system_output"
	// CategoryContext holds injected context (project docs, recall).
	// Trimmed first.
	CategoryContext Category = "context"
	// CategoryDialog holds the user/assistant conversation. Trimmed last,
	// in user+assistant pairs.
	CategoryDialog Category = "dialog"
	// CategoryToolResult holds tool outputs. Trimmed after context.
	CategoryToolResult Category = "tool_result"
)

// --- Message ---

// Message is one entry in a session. Messages are append-only: edits
// create new messages rather than mutating existing ones.
type Message struct {
	ID        int64          `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Category  Category       `json:"category"`
	CreatedAt time.Time      `json:"created_at"`
	AgentID   string         `json:"agent_id"`
	// RecipientID is set on messages mirrored from the message bus.
	RecipientID string         `json:"recipient_id,omitempty"`
	Channel     string         `json:"channel,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	// ImagePath references an image attached to the message, if any.
	ImagePath string `json:"image_path,omitempty"`
	// ParentID links a tool-result message to the assistant message
	// whose action produced it.
	ParentID int64 `json:"parent_id,omitempty"`

	// tokenCount caches the estimator result. Zero means not yet counted.
	tokenCount int
}

// --- Actions ---

// ActionType enumerates the closed set of tags the parser recognizes in
// assistant output. Unknown tags are ignored by the parser.
type ActionType string

const (
	ActionExecute         ActionType = "execute"
	ActionExecuteCommand  ActionType = "execute_command"
	ActionReadFile        ActionType = "read_file"
	ActionWriteToFile     ActionType = "write_to_file"
	ActionCreateFile      ActionType = "create_file"
	ActionApplyDiff       ActionType = "apply_diff"
	ActionSearch          ActionType = "search"
	ActionPerplexity      ActionType = "perplexity_search"
	ActionSpawnSubAgent   ActionType = "spawn_sub_agent"
	ActionDelegate        ActionType = "delegate"
	ActionStopSubAgent    ActionType = "stop_sub_agent"
	ActionResumeSubAgent  ActionType = "resume_sub_agent"
	ActionFinishResponse  ActionType = "finish_response"
	ActionFinishTask      ActionType = "finish_task"
)

// Action is a structured tool invocation extracted from assistant text.
type Action struct {
	// Type is the tag name.
	Type ActionType
	// Payload is the raw tag body. For JSON-payload tags it is parsed at
	// execution time; a malformed payload surfaces as an error result,
	// never as a parse failure.
	Payload string
	// Start and End are byte offsets of the full tag span in the source
	// text, in document order.
	Start, End int
}

// ActionStatus is the terminal state of an executed action.
type ActionStatus string

const (
	ActionCompleted   ActionStatus = "completed"
	ActionError       ActionStatus = "error"
	ActionDenied      ActionStatus = "denied"
	ActionInterrupted ActionStatus = "interrupted"
)

// ActionResult is the outcome of dispatching one Action.
type ActionResult struct {
	ActionName  string            `json:"action_name"`
	Status      ActionStatus      `json:"status"`
	Output      string            `json:"output"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
}

// --- Bus messages ---

// BusMessageType classifies inter-agent traffic.
type BusMessageType string

const (
	BusTypeMessage BusMessageType = "message"
	BusTypeStatus  BusMessageType = "status"
	BusTypeControl BusMessageType = "control"
	BusTypeHandoff BusMessageType = "handoff"
)

// BusMessage is a directed message between agents (or agent and human).
type BusMessage struct {
	Sender      string         `json:"sender"`
	Recipient   string         `json:"recipient"`
	Channel     string         `json:"channel,omitempty"`
	MessageType BusMessageType `json:"message_type"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// --- Token usage ---

// Usage accumulates token counts across provider calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// --- Provider contract (consumed, not implemented here) ---

// StreamKind distinguishes the two chunk streams a provider may emit.
type StreamKind string

const (
	StreamAssistant StreamKind = "assistant"
	StreamReasoning StreamKind = "reasoning"
)

// StreamCallback receives partial output while a completion streams.
type StreamCallback func(chunk string, kind StreamKind)

// ProviderMessage is the provider-ready projection of a Message.
type ProviderMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ImagePath is passed through for providers with vision support.
	ImagePath string `json:"image_path,omitempty"`
}

// ToolSchema describes a tool for providers with structured tool-call
// support.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ToolChoice steers the provider's tool selection. A nil ToolChoice means
// "auto"; a non-empty Name forces that tool for exactly one completion.
type ToolChoice struct {
	Name string `json:"name"`
}

// ProviderToolCall is a provider-side structured tool invocation surfaced
// by adapters that support native tool calling.
type ProviderToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// CompletionRequest carries one provider call.
type CompletionRequest struct {
	Messages   []ProviderMessage
	Stream     bool
	OnChunk    StreamCallback
	Tools      []ToolSchema
	ToolChoice *ToolChoice
	Usage      *Usage // when non-nil, the adapter accumulates token usage here
}

// Provider is the LLM adapter contract. Implementations live outside the
// core; the engine only depends on this interface.
type Provider interface {
	// Name returns the provider's identifier (for logging and events).
	Name() string
	// GetResponse returns the complete assistant text. When req.Stream is
	// true the adapter also invokes req.OnChunk for each partial chunk
	// before returning the full text.
	GetResponse(ctx context.Context, req CompletionRequest) (string, error)
}

// ToolCallProvider is an optional capability for providers that surface
// native tool calls. Check via type assertion.
type ToolCallProvider interface {
	Provider
	// GetAndClearLastToolCall returns the tool call produced by the most
	// recent completion, or nil. The call is cleared on read.
	GetAndClearLastToolCall() *ProviderToolCall
}

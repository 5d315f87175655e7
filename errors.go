package penguin

import (
	"errors"
	"fmt"
	"time"
)

// ErrLLMEmptyResponse is returned when the provider produced no content
// even after the one non-streaming retry. Engine loops terminate on it;
// no blank assistant message is appended.
var ErrLLMEmptyResponse = errors.New("llm returned an empty response")

// ErrUnknownAgent is returned when an operation names an agent that is
// not registered.
type ErrUnknownAgent struct {
	AgentID string
}

func (e *ErrUnknownAgent) Error() string {
	return fmt.Sprintf("unknown agent %q", e.AgentID)
}

// ErrUnknownTool is returned when an action resolves to no registered tool.
type ErrUnknownTool struct {
	Name string
}

func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// ErrPermissionDenied is returned for an unambiguous policy deny.
// Inside the engine loop it is captured as ActionResult{Status: denied}
// and fed back to the assistant so it can reason about alternatives.
type ErrPermissionDenied struct {
	Operation string
	Resource  string
	Policy    string
	Reason    string
}

func (e *ErrPermissionDenied) Error() string {
	return fmt.Sprintf("permission denied: %s on %q by %s: %s", e.Operation, e.Resource, e.Policy, e.Reason)
}

// ErrApprovalRequired signals that a tool operation needs a human
// decision. The caller routes it to the ApprovalManager; workflows
// transition to waiting_input while the request is open.
type ErrApprovalRequired struct {
	RequestID string
	Operation string
	Resource  string
}

func (e *ErrApprovalRequired) Error() string {
	return fmt.Sprintf("approval required for %s on %q (request %s)", e.Operation, e.Resource, e.RequestID)
}

// ErrHTTP carries a provider-side HTTP failure. Status 429 and 503 are
// treated as transient by the retry decorator; RetryAfter, when parsed
// from the response header, floors the backoff delay.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrPathTraversal is returned by path normalization when an input
// escapes its starting directory or contains a null byte.
type ErrPathTraversal struct {
	Path string
}

func (e *ErrPathTraversal) Error() string {
	return fmt.Sprintf("path traversal rejected: %q", e.Path)
}

// ErrStorage wraps SQLite and file I/O failures from the storage layer.
// Workflows retry transient storage errors; persistent ones fail the
// workflow.
type ErrStorage struct {
	Op  string
	Err error
}

func (e *ErrStorage) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *ErrStorage) Unwrap() error { return e.Err }

// Failure is the structured, user-visible shape of an error crossing the
// runtime boundary.
type Failure struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	Recoverable     bool   `json:"recoverable"`
	SuggestedAction string `json:"suggested_action,omitempty"`
}

// AsFailure converts any error into its structured user-visible form.
func AsFailure(err error) Failure {
	switch {
	case errors.Is(err, ErrLLMEmptyResponse):
		return Failure{Code: "llm_empty_response", Message: err.Error(), Recoverable: true,
			SuggestedAction: "retry the request or switch models"}
	case isAs[*ErrUnknownAgent](err):
		return Failure{Code: "unknown_agent", Message: err.Error(), Recoverable: false}
	case isAs[*ErrUnknownTool](err):
		return Failure{Code: "unknown_tool", Message: err.Error(), Recoverable: false}
	case isAs[*ErrPermissionDenied](err):
		return Failure{Code: "permission_denied", Message: err.Error(), Recoverable: true,
			SuggestedAction: "use a path inside the workspace or request approval"}
	case isAs[*ErrApprovalRequired](err):
		return Failure{Code: "approval_required", Message: err.Error(), Recoverable: true,
			SuggestedAction: "approve or deny the pending request"}
	case isAs[*ErrStorage](err):
		return Failure{Code: "storage", Message: err.Error(), Recoverable: true}
	default:
		return Failure{Code: "internal", Message: err.Error(), Recoverable: false}
	}
}

// isAs reports whether err matches the typed error T.
func isAs[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

package penguin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// defaultOutputTruncate is the display limit for tool output carried on
// events and action results. The full text is retained in the message
// store.
const defaultOutputTruncate = 200

// ToolHandler executes a tool against its raw tag payload and returns
// the output text.
type ToolHandler func(ctx context.Context, payload string) (string, error)

// ToolSpec is one registered tool: its permission surface, resource
// extraction, and handler. Handlers resolve at registration, not per
// call.
type ToolSpec struct {
	Name string
	// RequiredOperations lists every permission operation the tool
	// needs (apply_diff needs read and write).
	RequiredOperations []string
	// ExtractResource pulls the canonical resource (path, URL, command,
	// query) from the payload.
	ExtractResource func(payload string) (string, error)
	// Handler runs the tool.
	Handler ToolHandler
	// Timeout bounds one dispatch. Zero means no per-tool timeout.
	Timeout time.Duration
}

// Registry maps action types to tools. Static: tools register at boot
// and the mapping is immutable during a run.
type Registry struct {
	byType map[ActionType]*ToolSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[ActionType]*ToolSpec)}
}

// Register binds an action type to a tool. Registering the same type
// twice replaces the earlier binding.
func (r *Registry) Register(t ActionType, spec ToolSpec) {
	if spec.Name == "" {
		spec.Name = string(t)
	}
	r.byType[t] = &spec
}

// Resolve looks up the tool for an action type.
func (r *Registry) Resolve(t ActionType) (*ToolSpec, bool) {
	spec, ok := r.byType[t]
	return spec, ok
}

// Schemas returns provider tool schemas for every registered tool, for
// providers with structured tool-call support.
func (r *Registry) Schemas() []ToolSchema {
	out := make([]ToolSchema, 0, len(r.byType))
	for t, spec := range r.byType {
		out = append(out, ToolSchema{
			Name:        spec.Name,
			Description: "penguin action " + string(t),
			Parameters:  json.RawMessage(`{"type":"object"}`),
		})
	}
	return out
}

// PermissionChecker is what the executor needs from the permission
// layer. Enforcer and ScopedEnforcer both satisfy it.
type PermissionChecker interface {
	Check(ctx context.Context, operation, resource string, cc CheckContext) PermissionCheck
}

// policyScoper narrows a checker with an agent refinement. Enforcer
// satisfies it; plain checkers (tests, custom gates) do not and are used
// as-is.
type policyScoper interface {
	Scope(agent *AgentPolicy) *ScopedEnforcer
}

// ActionExecutor resolves actions to tools, gates them through the
// permission chain, and dispatches. At most one action runs per engine
// iteration; the engine defers the rest of an assistant turn to later
// iterations.
type ActionExecutor struct {
	registry  *Registry
	perms     PermissionChecker
	approvals *ApprovalManager
	sessions  SessionCoordinator
	events    *PartEventAdapter
	truncate  int
	logger    *slog.Logger
	tracer    Tracer
	// onWaiting flags waiting_input transitions while an approval is
	// open. Wired by the orchestration backend.
	onWaiting func(waiting bool)
}

// ExecutorOption configures an ActionExecutor.
type ExecutorOption func(*ActionExecutor)

// WithApprovals routes ASK results through an approval manager. Without
// one, ASK resolves as denied.
func WithApprovals(m *ApprovalManager) ExecutorOption {
	return func(x *ActionExecutor) { x.approvals = m }
}

// WithExecutorEvents emits tool lifecycle events through the adapter.
func WithExecutorEvents(a *PartEventAdapter) ExecutorOption {
	return func(x *ActionExecutor) { x.events = a }
}

// WithOutputTruncate overrides the display truncation limit.
func WithOutputTruncate(n int) ExecutorOption {
	return func(x *ActionExecutor) {
		if n > 0 {
			x.truncate = n
		}
	}
}

// WithExecutorLogger sets a structured logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(x *ActionExecutor) { x.logger = l }
}

// WithExecutorTracer traces dispatches.
func WithExecutorTracer(t Tracer) ExecutorOption {
	return func(x *ActionExecutor) { x.tracer = t }
}

// WithWaitingHook observes waiting_input transitions around approvals.
func WithWaitingHook(fn func(bool)) ExecutorOption {
	return func(x *ActionExecutor) { x.onWaiting = fn }
}

// NewActionExecutor creates an executor over a registry, a permission
// checker, and the session coordinator that receives tool results.
func NewActionExecutor(reg *Registry, perms PermissionChecker, sessions SessionCoordinator, opts ...ExecutorOption) *ActionExecutor {
	x := &ActionExecutor{
		registry: reg,
		perms:    perms,
		sessions: sessions,
		truncate: defaultOutputTruncate,
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Execute runs one action for an agent. parentID is the assistant
// message that carried the action; the tool result message is attributed
// to it.
func (x *ActionExecutor) Execute(ctx context.Context, agentID string, parentID int64, action Action) ActionResult {
	result := ActionResult{
		ActionName: string(action.Type),
		StartedAt:  time.Now(),
	}

	if x.tracer != nil {
		var span Span
		ctx, span = x.tracer.Start(ctx, "action.execute",
			StringAttr("action", string(action.Type)),
			StringAttr("agent", agentID))
		defer span.End()
	}

	spec, ok := x.registry.Resolve(action.Type)
	if !ok {
		result.Status = ActionError
		result.Output = (&ErrUnknownTool{Name: string(action.Type)}).Error()
		return x.finish(ctx, agentID, parentID, result)
	}

	resource := action.Payload
	if spec.ExtractResource != nil {
		r, err := spec.ExtractResource(action.Payload)
		if err != nil {
			result.Status = ActionError
			result.Output = fmt.Sprintf("invalid payload for %s: %v", action.Type, err)
			return x.finish(ctx, agentID, parentID, result)
		}
		resource = r
	}

	cc := CheckContext{AgentID: agentID, ToolName: spec.Name}
	if action.Type == ActionExecuteCommand || action.Type == ActionExecute {
		cc.Command = resource
	}
	perms := x.checkerFor(agentID)
	for _, op := range spec.RequiredOperations {
		check := perms.Check(ctx, op, resource, cc)
		switch check.Result {
		case ResultDeny:
			result.Status = ActionDenied
			result.Output = check.Reason
			return x.finish(ctx, agentID, parentID, result)
		case ResultAsk:
			if !x.awaitApproval(ctx, check) {
				result.Status = ActionDenied
				result.Output = "approval " + string(ApprovalDenied) + ": " + check.Reason
				return x.finish(ctx, agentID, parentID, result)
			}
		}
	}

	dispatchCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	output, err := x.dispatch(dispatchCtx, spec, action.Payload)
	switch {
	case err != nil && ctx.Err() != nil:
		result.Status = ActionInterrupted
		result.Output = "interrupted: " + err.Error()
	case err != nil:
		result.Status = ActionError
		result.Output = err.Error()
	default:
		result.Status = ActionCompleted
		result.Output = output
	}
	return x.finish(ctx, agentID, parentID, result)
}

// checkerFor returns the permission checker for one agent: the base
// checker, narrowed by the agent's policy when the record carries one.
func (x *ActionExecutor) checkerFor(agentID string) PermissionChecker {
	if x.sessions == nil {
		return x.perms
	}
	a, ok := x.sessions.Agent(agentID)
	if !ok || a.Policy == nil {
		return x.perms
	}
	if s, ok := x.perms.(policyScoper); ok {
		return s.Scope(a.Policy)
	}
	return x.perms
}

// dispatch invokes the handler with panic recovery so a panicking tool
// becomes an error result instead of crashing the loop.
func (x *ActionExecutor) dispatch(ctx context.Context, spec *ToolSpec, payload string) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %q panic: %v", spec.Name, p)
		}
	}()
	return spec.Handler(ctx, payload)
}

// awaitApproval opens an approval request and blocks on the decision.
// Expired resolves as denied.
func (x *ActionExecutor) awaitApproval(ctx context.Context, check PermissionCheck) bool {
	if x.approvals == nil {
		return false
	}
	if x.onWaiting != nil {
		x.onWaiting(true)
		defer x.onWaiting(false)
	}
	req := x.approvals.Open(ctx, check)
	decision := x.approvals.Await(ctx, req)
	x.logger.Info("approval resolved",
		"request", req.ID,
		"resource", check.Resource,
		"decision", string(decision))
	return decision.Granted()
}

// finish records the result in the session, emits the tool event, and
// stamps completion.
func (x *ActionExecutor) finish(ctx context.Context, agentID string, parentID int64, result ActionResult) ActionResult {
	result.CompletedAt = time.Now()

	if x.sessions != nil {
		if _, err := x.sessions.AddActionResult(agentID, result.ActionName, result.Output, result.Status, parentID); err != nil {
			x.logger.Warn("record action result", "agent", agentID, "error", err)
		}
	}
	if x.events != nil {
		x.events.OnToolEnd(ctx, result.ActionName, string(result.Status),
			truncateRunes(result.Output, x.truncate), result.CompletedAt.Sub(result.StartedAt))
	}
	return result
}

// truncateRunes truncates a string to n runes.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// --- Payload parsing helpers for the built-in action surface ---

// pathPayload is the JSON body of read_file.
type pathPayload struct {
	Path     string `json:"path"`
	MaxLines int    `json:"max_lines,omitempty"`
}

// writePayload is the JSON body of write_to_file and create_file.
type writePayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// searchPayload is the JSON body of search and perplexity_search.
type searchPayload struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

// SpawnPayload is the JSON body of spawn_sub_agent.
type SpawnPayload struct {
	ID                 string `json:"id"`
	Parent             string `json:"parent"`
	ShareSession       bool   `json:"share_session"`
	ShareContextWindow bool   `json:"share_context_window"`
	SharedCWMaxTokens  int    `json:"shared_cw_max_tokens,omitempty"`
	InitialPrompt      string `json:"initial_prompt,omitempty"`
	Persona            string `json:"persona,omitempty"`
}

// DelegatePayload is the JSON body of delegate.
type DelegatePayload struct {
	Parent   string         `json:"parent"`
	Child    string         `json:"child"`
	Content  string         `json:"content"`
	Channel  string         `json:"channel,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// extractPath pulls the path from a JSON path payload.
func extractPath(payload string) (string, error) {
	var p pathPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return "", err
	}
	if p.Path == "" {
		return "", fmt.Errorf("missing path")
	}
	return p.Path, nil
}

// extractWritePath pulls the path from a write payload.
func extractWritePath(payload string) (string, error) {
	var p writePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return "", err
	}
	if p.Path == "" {
		return "", fmt.Errorf("missing path")
	}
	return p.Path, nil
}

// extractQuery pulls the query from a search payload.
func extractQuery(payload string) (string, error) {
	var p searchPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return "", err
	}
	return p.Query, nil
}

// extractDiffPath pulls the target path from a unified diff header
// ("+++ b/path").
func extractDiffPath(payload string) (string, error) {
	for _, line := range strings.Split(payload, "\n") {
		if strings.HasPrefix(line, "+++ ") {
			path := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
			path = strings.TrimPrefix(path, "b/")
			if path != "" && path != "/dev/null" {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("diff has no target header")
}

// RegisterBuiltinExtractors wires the canonical permission surface for
// the built-in action set onto handlers supplied by the embedding
// application. Handlers for concrete tools live outside the core.
func RegisterBuiltinExtractors(reg *Registry, handlers map[ActionType]ToolHandler) {
	bind := func(t ActionType, ops []string, extract func(string) (string, error), timeout time.Duration) {
		h := handlers[t]
		if h == nil {
			return
		}
		reg.Register(t, ToolSpec{
			Name:               string(t),
			RequiredOperations: ops,
			ExtractResource:    extract,
			Handler:            h,
			Timeout:            timeout,
		})
	}
	identity := func(p string) (string, error) { return strings.TrimSpace(p), nil }

	bind(ActionExecute, []string{"process.execute"}, identity, 60*time.Second)
	bind(ActionExecuteCommand, []string{"process.execute"}, identity, 60*time.Second)
	bind(ActionReadFile, []string{"filesystem.read"}, extractPath, 15*time.Second)
	bind(ActionWriteToFile, []string{"filesystem.write"}, extractWritePath, 15*time.Second)
	bind(ActionCreateFile, []string{"filesystem.write"}, extractWritePath, 15*time.Second)
	bind(ActionApplyDiff, []string{"filesystem.read", "filesystem.write"}, extractDiffPath, 15*time.Second)
	bind(ActionSearch, []string{"network.fetch"}, extractQuery, 60*time.Second)
	bind(ActionPerplexity, []string{"network.fetch"}, extractQuery, 60*time.Second)
}

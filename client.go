package penguin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/penguin-agent/penguin/tokenizer"
)

// Runtime is the embedding facade: one constructor wires the event bus,
// sessions, permissions, approvals, tools, engine, message bus, and the
// orchestration backend. It adds no concurrency semantics of its own.
type Runtime struct {
	cfg    Config
	logger *slog.Logger
	tracer Tracer

	bus           *EventBus
	conversations *Conversations
	enforcer      *Enforcer
	audit         *AuditLog
	approvals     *ApprovalManager
	registry      *Registry
	executor      *ActionExecutor
	engine        *Engine
	msgbus        *MessageBus
	adapter       *PartEventAdapter
	orchestrator  *Orchestrator

	sessionStore  SessionStore
	workflowStore WorkflowStore
	estimator     Estimator

	providerMu sync.Mutex
	providers  map[string]Provider
	current    string

	ckptMu      sync.Mutex
	checkpoints map[string]SessionSnapshot

	// activePhase is the workflow phase currently driving the engine, so
	// approval waits can flip the workflow to waiting_input.
	activePhase atomic.Pointer[PhaseContext]

	startedAt time.Time
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeLogger sets the structured logger shared by every
// component the runtime wires.
func WithRuntimeLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// WithRuntimeTracer sets the tracer shared by wired components.
func WithRuntimeTracer(t Tracer) RuntimeOption {
	return func(r *Runtime) { r.tracer = t }
}

// WithModel registers a named provider. The first registered provider
// becomes current.
func WithModel(name string, p Provider) RuntimeOption {
	return func(r *Runtime) {
		r.providers[name] = p
		if r.current == "" {
			r.current = name
		}
	}
}

// WithSessionPersistence sets the session store the conversation layer
// saves through.
func WithSessionPersistence(s SessionStore) RuntimeOption {
	return func(r *Runtime) { r.sessionStore = s }
}

// WithWorkflowPersistence sets the workflow store the orchestration
// backend owns.
func WithWorkflowPersistence(s WorkflowStore) RuntimeOption {
	return func(r *Runtime) { r.workflowStore = s }
}

// WithToolHandlers binds handlers for the built-in action surface.
func WithToolHandlers(handlers map[ActionType]ToolHandler) RuntimeOption {
	return func(r *Runtime) { RegisterBuiltinExtractors(r.registry, handlers) }
}

// WithTokenEstimator sets the token estimator for context windows.
func WithTokenEstimator(est Estimator) RuntimeOption {
	return func(r *Runtime) { r.estimator = est }
}

// NewRuntime wires the full agent runtime from a Config. Everything is
// explicit: no process-global state, so two runtimes coexist in one
// process.
func NewRuntime(cfg Config, opts ...RuntimeOption) (*Runtime, error) {
	r := &Runtime{
		cfg:         cfg,
		logger:      nopLogger,
		providers:   make(map[string]Provider),
		checkpoints: make(map[string]SessionSnapshot),
		registry:    NewRegistry(),
		startedAt:   time.Now(),
	}
	for _, o := range opts {
		o(r)
	}

	r.bus = NewEventBus(WithBusLogger(r.logger))

	if r.estimator == nil && cfg.Context.TokenizerModel != "" {
		counter, err := tokenizer.New(cfg.Context.TokenizerModel)
		if err != nil {
			r.logger.Warn("tokenizer init failed; falling back to heuristic counting",
				"model", cfg.Context.TokenizerModel, "error", err)
		} else {
			r.estimator = counter
		}
	}

	cwCfg := ContextWindowConfig{
		MaxHistoryTokens:      cfg.Context.MaxHistoryTokens,
		UncategorizedFraction: cfg.Context.UncategorizedBudgetFraction,
		MaxImages:             cfg.Context.MaxImages,
		Estimator:             r.estimator,
	}
	convOpts := []ConversationsOption{
		WithContextWindowConfig(cwCfg),
		WithConversationsLogger(r.logger),
	}
	if cfg.Context.MaxMessagesPerSession > 0 {
		convOpts = append(convOpts, WithMaxSessionMessages(cfg.Context.MaxMessagesPerSession))
	}
	if r.sessionStore != nil {
		convOpts = append(convOpts, WithSessionStore(r.sessionStore))
	}
	r.conversations = NewConversations(convOpts...)

	auditOpts := []AuditOption{WithAuditLogger(r.logger), WithAuditBus(r.bus)}
	if cfg.Audit.LogFile != "" {
		auditOpts = append(auditOpts, WithAuditFile(cfg.Audit.LogFile))
	}
	if cfg.Audit.MaxMemoryEntries > 0 {
		auditOpts = append(auditOpts, WithAuditMaxEntries(cfg.Audit.MaxMemoryEntries))
	}
	if len(cfg.Audit.Categories) > 0 {
		cats := make(map[string]AuditVerbosity, len(cfg.Audit.Categories))
		for k, v := range cfg.Audit.Categories {
			cats[k] = AuditVerbosity(v)
		}
		auditOpts = append(auditOpts, WithAuditCategories(cats))
	}
	r.audit = NewAuditLog(auditOpts...)

	mode, err := ParsePermissionMode(cfg.Permissions.Mode)
	if err != nil {
		return nil, err
	}
	boundary := &WorkspaceBoundaryPolicy{
		WorkspaceRoot:    cfg.Permissions.WorkspaceRoot,
		AllowedPaths:     cfg.Permissions.AllowedPaths,
		DeniedPatterns:   cfg.Permissions.DeniedPaths,
		ApprovalPatterns: cfg.Permissions.RequireApproval,
		Mode:             mode,
	}
	enfOpts := []EnforcerOption{
		WithPolicies(boundary),
		WithAudit(r.audit),
		WithEnforcerLogger(r.logger),
	}
	if cfg.Permissions.Yolo {
		enfOpts = append(enfOpts, WithYolo())
	}
	r.enforcer = NewEnforcer(mode, enfOpts...)

	r.approvals = NewApprovalManager(
		WithApprovalLogger(r.logger),
		WithApprovalBus(r.bus),
	)

	r.adapter = NewPartEventAdapter(r.bus, NewID(), DefaultAgentID)

	r.executor = NewActionExecutor(r.registry, r.enforcer, r.conversations,
		WithApprovals(r.approvals),
		WithExecutorEvents(r.adapter),
		WithExecutorLogger(r.logger),
		WithExecutorTracer(r.tracer),
		WithWaitingHook(func(waiting bool) {
			if pc := r.activePhase.Load(); pc != nil {
				pc.MarkWaitingInput(waiting)
			}
		}),
	)

	provider, err := r.currentProvider()
	if err != nil {
		return nil, err
	}
	engOpts := []EngineOption{
		WithEngineEvents(r.bus),
		WithEngineAdapter(r.adapter),
		WithEngineLogger(r.logger),
		WithEngineTracer(r.tracer),
	}
	if cfg.Engine.MaxIterationsDefault > 0 {
		engOpts = append(engOpts, WithMaxIterations(cfg.Engine.MaxIterationsDefault))
	}
	r.engine = NewEngine(r.conversations, provider, r.executor, engOpts...)

	r.msgbus = NewMessageBus(r.conversations,
		WithMessageBusLogger(r.logger),
		WithMessageBusEvents(r.bus),
	)

	if r.workflowStore != nil {
		orchOpts := []OrchestratorOption{
			WithOrchestratorEvents(r.bus),
			WithOrchestratorLogger(r.logger),
			WithOrchestratorTracer(r.tracer),
		}
		if cfg.Orchestration.DefaultMaxRetries > 0 {
			p := defaultRetryPolicy
			p.MaxRetries = cfg.Orchestration.DefaultMaxRetries
			orchOpts = append(orchOpts, WithRetryPolicy(p))
		}
		if len(cfg.Orchestration.PhaseTimeouts) > 0 {
			timeouts := make(map[WorkflowPhase]time.Duration, len(cfg.Orchestration.PhaseTimeouts))
			for name, secs := range cfg.Orchestration.PhaseTimeouts {
				timeouts[WorkflowPhase(name)] = time.Duration(secs) * time.Second
			}
			orchOpts = append(orchOpts, WithPhaseTimeouts(timeouts))
		}
		r.orchestrator = NewOrchestrator(r.workflowStore, r.taskPhases(), orchOpts...)
		if err := r.orchestrator.Init(context.Background()); err != nil {
			return nil, err
		}
		if days := cfg.Orchestration.CleanupCompletedAfterDays; days > 0 {
			n, err := r.orchestrator.CleanupCompleted(context.Background(), time.Duration(days)*24*time.Hour)
			if err != nil {
				r.logger.Warn("workflow cleanup failed", "error", err)
			} else if n > 0 {
				r.logger.Info("cleaned up completed workflows", "count", n, "older_than_days", days)
			}
		}
	}

	return r, nil
}

// Bus exposes the event bus for transports and additional subscribers.
func (r *Runtime) Bus() *EventBus { return r.bus }

// Engine exposes the reasoning loop for advanced callers.
func (r *Runtime) Engine() *Engine { return r.engine }

// Sessions exposes the session coordinator.
func (r *Runtime) Sessions() *Conversations { return r.conversations }

// Approvals exposes the approval manager so a UI can settle requests.
func (r *Runtime) Approvals() *ApprovalManager { return r.approvals }

// Orchestrator exposes the workflow backend; nil without workflow
// persistence.
func (r *Runtime) Orchestrator() *Orchestrator { return r.orchestrator }

// Audit exposes the permission audit log.
func (r *Runtime) Audit() *AuditLog { return r.audit }

// SSE returns an http.Handler streaming wire events.
func (r *Runtime) SSE() *SSEHandler {
	return NewSSEHandler(r.bus, WithSSELogger(r.logger), WithSSEAdapter(r.adapter))
}

// --- chat ---

// Chat runs a conversational loop to completion and returns the final
// assistant text.
func (r *Runtime) Chat(ctx context.Context, prompt string) (string, error) {
	res, err := r.engine.RunResponse(ctx, prompt, "", nil)
	if err != nil {
		return "", err
	}
	return res.AssistantResponse, nil
}

// StreamChat runs the loop while forwarding text and reasoning deltas
// to cb, returning the final result.
func (r *Runtime) StreamChat(ctx context.Context, prompt string, cb StreamCallback) (RunResult, error) {
	return r.engine.RunResponse(ctx, prompt, "", cb)
}

// ExecuteTask starts an ITUV workflow for the task. Requires workflow
// persistence.
func (r *Runtime) ExecuteTask(ctx context.Context, taskID, taskPrompt string) (string, error) {
	if r.orchestrator == nil {
		return "", fmt.Errorf("no workflow store configured")
	}
	config, err := json.Marshal(map[string]string{"prompt": taskPrompt})
	if err != nil {
		return "", err
	}
	return r.orchestrator.StartWorkflow(ctx, taskID, "", "", config)
}

// taskPhases builds the four default ITUV phase implementations: each
// runs a task loop with a phase-specific directive over the task prompt
// from the workflow config.
func (r *Runtime) taskPhases() map[WorkflowPhase]PhaseFunc {
	directives := map[WorkflowPhase]string{
		PhaseImplement: "Implement the task described below. Emit finish_task with [FINISH_STATUS:implemented] when done.",
		PhaseTest:      "Write and run tests for the work just implemented. Emit finish_task with [FINISH_STATUS:tested] when done.",
		PhaseUse:       "Exercise the implemented feature end to end as a user would. Emit finish_task with [FINISH_STATUS:used] when done.",
		PhaseVerify:    "Verify the results against the original task and report discrepancies. Emit finish_task with [FINISH_STATUS:verified] when done.",
	}
	phases := make(map[WorkflowPhase]PhaseFunc, len(directives))
	for phase, directive := range directives {
		phases[phase] = func(ctx context.Context, pc *PhaseContext) (string, map[string]any, error) {
			r.activePhase.Store(pc)
			defer r.activePhase.Store(nil)
			var cfg struct {
				Prompt string `json:"prompt"`
			}
			if len(pc.State.Config) > 0 {
				if err := json.Unmarshal(pc.State.Config, &cfg); err != nil {
					return "", nil, err
				}
			}
			res, err := r.engine.RunTask(ctx, directive, "", cfg.Prompt, nil)
			if err != nil {
				return "", nil, err
			}
			if res.Status == RunError {
				return "", nil, fmt.Errorf("phase loop failed after %d iterations", res.Iterations)
			}
			artifacts := map[string]any{
				string(pc.State.Phase) + "_finish_status": res.FinishStatus,
			}
			return res.AssistantResponse, artifacts, nil
		}
	}
	return phases
}

// --- agents ---

// CreateAgent creates or fetches a named agent.
func (r *Runtime) CreateAgent(agentID, systemPrompt string) error {
	_, err := r.conversations.EnsureAgent(agentID, systemPrompt)
	return err
}

// CreateSubAgent creates a sub-agent with optional session and window
// sharing.
func (r *Runtime) CreateSubAgent(spec SubAgentSpec) error {
	_, err := r.conversations.CreateSubAgent(spec)
	return err
}

// UnregisterAgent removes an agent. The default agent cannot be removed.
func (r *Runtime) UnregisterAgent(agentID string) error {
	return r.conversations.RemoveAgent(agentID)
}

// SendToAgent delivers an addressed message between agents.
func (r *Runtime) SendToAgent(ctx context.Context, msg BusMessage) error {
	return r.msgbus.Send(ctx, msg)
}

// SendToHuman queues a message for the human operator.
func (r *Runtime) SendToHuman(ctx context.Context, msg BusMessage) error {
	return r.msgbus.SendToHuman(ctx, msg)
}

// HumanReply injects the human's reply into an agent's conversation.
func (r *Runtime) HumanReply(ctx context.Context, agentID, content string) error {
	return r.msgbus.HumanReply(ctx, agentID, content)
}

// HumanInbox drains messages queued for the human.
func (r *Runtime) HumanInbox() []BusMessage {
	return r.msgbus.HumanInbox()
}

// --- checkpoints ---

// CreateCheckpoint snapshots an agent's session and returns the
// checkpoint id.
func (r *Runtime) CreateCheckpoint(agentID string) (string, error) {
	if agentID == "" {
		agentID = r.conversations.CurrentAgent()
	}
	snap, err := r.conversations.CheckpointAgent(agentID)
	if err != nil {
		return "", err
	}
	id := NewID()
	r.ckptMu.Lock()
	r.checkpoints[id] = snap
	r.ckptMu.Unlock()
	return id, nil
}

// Rollback restores an agent's session to a checkpoint.
func (r *Runtime) Rollback(agentID, checkpointID string) error {
	if agentID == "" {
		agentID = r.conversations.CurrentAgent()
	}
	r.ckptMu.Lock()
	snap, ok := r.checkpoints[checkpointID]
	r.ckptMu.Unlock()
	if !ok {
		return fmt.Errorf("unknown checkpoint %q", checkpointID)
	}
	return r.conversations.RestoreAgent(agentID, snap)
}

// Branch forks an agent's history into a new agent.
func (r *Runtime) Branch(srcAgentID, newAgentID string) error {
	_, err := r.conversations.BranchAgent(srcAgentID, newAgentID)
	return err
}

// --- models ---

// ListModels returns the registered provider names, sorted.
func (r *Runtime) ListModels() []string {
	r.providerMu.Lock()
	defer r.providerMu.Unlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SwitchModel makes the named provider current.
func (r *Runtime) SwitchModel(name string) error {
	r.providerMu.Lock()
	p, ok := r.providers[name]
	if ok {
		r.current = name
	}
	r.providerMu.Unlock()
	if !ok {
		return fmt.Errorf("unknown model %q", name)
	}
	r.engine.SetProvider(p)
	return nil
}

// CurrentModel returns the current provider name.
func (r *Runtime) CurrentModel() string {
	r.providerMu.Lock()
	defer r.providerMu.Unlock()
	return r.current
}

func (r *Runtime) currentProvider() (Provider, error) {
	r.providerMu.Lock()
	defer r.providerMu.Unlock()
	if r.current == "" {
		return nil, fmt.Errorf("no provider registered; use WithModel")
	}
	return r.providers[r.current], nil
}

// --- introspection ---

// SystemInfo summarizes the runtime for status endpoints.
type SystemInfo struct {
	Uptime        time.Duration `json:"uptime"`
	CurrentModel  string        `json:"current_model"`
	CurrentAgent  string        `json:"current_agent"`
	Agents        []string      `json:"agents"`
	PendingAsks   int           `json:"pending_asks"`
	LiveWorkflows int           `json:"live_workflows"`
}

// Info returns a point-in-time system summary.
func (r *Runtime) Info(ctx context.Context) SystemInfo {
	info := SystemInfo{
		Uptime:       time.Since(r.startedAt),
		CurrentModel: r.CurrentModel(),
		CurrentAgent: r.conversations.CurrentAgent(),
		PendingAsks:  len(r.approvals.Pending()),
	}
	info.Agents = r.conversations.AgentsSharingSession(r.conversations.CurrentAgent())
	if r.orchestrator != nil {
		if live, err := r.orchestrator.ListWorkflows(ctx, WorkflowFilter{Status: WorkflowRunning}); err == nil {
			info.LiveWorkflows = len(live)
		}
	}
	return info
}

// TokenUsage returns accumulated provider token usage.
func (r *Runtime) TokenUsage() Usage {
	return r.engine.Usage()
}

// Close flushes persistence and stops background work.
func (r *Runtime) Close(ctx context.Context) error {
	var firstErr error
	if r.orchestrator != nil {
		if err := r.orchestrator.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.conversations.Save(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	r.conversations.Close()
	if r.sessionStore != nil {
		if err := r.sessionStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.workflowStore != nil {
		if err := r.workflowStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

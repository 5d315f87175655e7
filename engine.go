package penguin

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// defaultMaxIterations bounds the reasoning loop. Loops usually end far
// earlier on finish_response or the empty-response counter.
const defaultMaxIterations = 5000

// emptyResponseLimit is how many consecutive trivial responses end the
// loop.
const emptyResponseLimit = 3

// trivialResponseRunes is the non-whitespace length under which a
// response counts as trivial.
const trivialResponseRunes = 10

// finishStatusRe extracts the machine-readable marker a finish_task
// payload may embed.
var finishStatusRe = regexp.MustCompile(`\[FINISH_STATUS:(\w+)\]`)

// RunStatus is the terminal state of a reasoning loop.
type RunStatus string

const (
	RunCompleted     RunStatus = "completed"
	RunMaxIterations RunStatus = "max_iterations"
	RunStopped       RunStatus = "stopped"
	RunError         RunStatus = "error"
	// RunPendingReview is the run_task outcome on finish_task: approval
	// is a human act outside the core.
	RunPendingReview RunStatus = "pending_review"
)

// RunResult is what a loop returns.
type RunResult struct {
	AssistantResponse string
	Iterations        int
	ActionResults     []ActionResult
	Status            RunStatus
	// StopCondition names the condition that ended the loop, when one did.
	StopCondition string
	FinishStatus  string
	ExecutionTime time.Duration
	Usage         Usage
}

// TaskEventKind classifies task lifecycle events.
type TaskEventKind string

const (
	TaskStarted    TaskEventKind = "started"
	TaskProgressed TaskEventKind = "progressed"
	TaskFailed     TaskEventKind = "failed"
)

// TaskEventName is the event bus name task events publish under.
const TaskEventName = "task.event"

// TaskEvent is the payload published on TaskEventName.
type TaskEvent struct {
	Kind      TaskEventKind `json:"kind"`
	AgentID   string        `json:"agent_id"`
	Iteration int           `json:"iteration"`
	Progress  int           `json:"progress"`
	Reason    string        `json:"reason,omitempty"`
}

// LLMEventName is the event bus name provider-call telemetry publishes
// under.
const LLMEventName = "llm.call"

// LLMEvent is published after every provider completion, including the
// failed ones.
type LLMEvent struct {
	Provider string        `json:"provider"`
	AgentID  string        `json:"agent_id"`
	Duration time.Duration `json:"duration"`
	Usage    Usage         `json:"usage"`
	Err      string        `json:"error,omitempty"`
}

// stepResult is one llmStep outcome.
type stepResult struct {
	assistant string
	// assistantID is the session id of the assistant message that carried
	// the actions; deferred actions attribute their results to it.
	assistantID int64
	results     []ActionResult
	// deferred holds the parsed actions beyond the first one. The loop
	// drains them one per iteration before calling the provider again.
	deferred []Action
	finished ActionType // finish_response or finish_task when one ran
}

// Engine drives the reasoning loop: provider call, action parse, single
// dispatch, persist. One Engine serves many agents through the session
// coordinator; per-loop state (iteration, empty counter, forced tool
// choice) lives on the stack of the Run* call.
type Engine struct {
	sessions SessionCoordinator
	executor *ActionExecutor

	mu       sync.Mutex
	provider Provider

	events  *EventBus
	adapter *PartEventAdapter
	stops   []StopCondition
	maxIter int

	structuredTools bool
	forcedTool      atomic.Value // string; consumed one-shot
	selector        AgentSelector

	interrupted atomic.Bool

	usageMu sync.Mutex
	usage   Usage

	logger *slog.Logger
	tracer Tracer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxIterations caps loop length.
func WithMaxIterations(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxIter = n
		}
	}
}

// WithStopConditions installs loop predicates, evaluated in order each
// iteration.
func WithStopConditions(conds ...StopCondition) EngineOption {
	return func(e *Engine) { e.stops = append(e.stops, conds...) }
}

// WithEngineEvents publishes task events on a bus.
func WithEngineEvents(b *EventBus) EngineOption {
	return func(e *Engine) { e.events = b }
}

// WithEngineAdapter emits wire events for user and assistant messages.
func WithEngineAdapter(a *PartEventAdapter) EngineOption {
	return func(e *Engine) { e.adapter = a }
}

// WithStructuredTools attaches tool schemas to completion requests for
// providers with native tool-call support.
func WithStructuredTools() EngineOption {
	return func(e *Engine) { e.structuredTools = true }
}

// WithEngineLogger sets a structured logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineTracer traces iterations.
func WithEngineTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// AgentSelector resolves runs that name no agent. A selector may route
// the prompt to a registered agent by role, or answer it outright: when
// handled is true the loop short-circuits with response as the completed
// result and no provider call is made.
type AgentSelector interface {
	SelectAgent(ctx context.Context, prompt string) (agentID string, handled bool, response string)
}

// WithAgentSelector installs role-based agent resolution for runs
// without an explicit agent id.
func WithAgentSelector(s AgentSelector) EngineOption {
	return func(e *Engine) { e.selector = s }
}

// NewEngine creates an engine over a session coordinator, a provider,
// and an action executor.
func NewEngine(sessions SessionCoordinator, provider Provider, executor *ActionExecutor, opts ...EngineOption) *Engine {
	e := &Engine{
		sessions: sessions,
		provider: provider,
		executor: executor,
		maxIter:  defaultMaxIterations,
		logger:   nopLogger,
	}
	e.forcedTool.Store("")
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetProvider swaps the active provider. Takes effect on the next
// completion.
func (e *Engine) SetProvider(p Provider) {
	e.mu.Lock()
	e.provider = p
	e.mu.Unlock()
}

// CurrentProvider returns the active provider.
func (e *Engine) CurrentProvider() Provider {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.provider
}

// Interrupt requests a cooperative stop. The loop observes it between
// actions and at iteration boundaries.
func (e *Engine) Interrupt() { e.interrupted.Store(true) }

// Usage returns accumulated token usage across all loops.
func (e *Engine) Usage() Usage {
	e.usageMu.Lock()
	defer e.usageMu.Unlock()
	return e.usage
}

// --- agent registry (delegates to the session coordinator) ---

// RegisterAgent creates or fetches an agent with the given system prompt.
func (e *Engine) RegisterAgent(agentID, systemPrompt string) error {
	_, err := e.sessions.EnsureAgent(agentID, systemPrompt)
	return err
}

// UnregisterAgent removes an agent. Removing the default agent is
// forbidden.
func (e *Engine) UnregisterAgent(agentID string) error {
	return e.sessions.RemoveAgent(agentID)
}

// SetDefaultAgent selects the target for subsequent runs without an
// explicit agent.
func (e *Engine) SetDefaultAgent(agentID string) error {
	return e.sessions.SetCurrentAgent(agentID)
}

// GetAgent fetches an agent record.
func (e *Engine) GetAgent(agentID string) (*AgentRecord, bool) {
	return e.sessions.Agent(agentID)
}

// resolveAgent picks the target agent: explicit id, else the current one.
func (e *Engine) resolveAgent(agentID string) (string, error) {
	if agentID == "" {
		agentID = e.sessions.CurrentAgent()
	}
	if _, ok := e.sessions.Agent(agentID); !ok {
		return "", &ErrUnknownAgent{AgentID: agentID}
	}
	return agentID, nil
}

// selectAgent consults the role selector for runs without an explicit
// agent. A handled prompt short-circuits the loop: the selector's text
// is the completed result.
func (e *Engine) selectAgent(ctx context.Context, prompt, agentID string) (string, bool, string) {
	if agentID != "" || e.selector == nil {
		return agentID, false, ""
	}
	selected, handled, text := e.selector.SelectAgent(ctx, prompt)
	if handled {
		return "", true, text
	}
	return selected, false, ""
}

// RunSingleTurn appends the prompt and runs exactly one llm step.
func (e *Engine) RunSingleTurn(ctx context.Context, prompt, agentID, imagePath string, cb StreamCallback) (RunResult, error) {
	started := time.Now()
	agentID, handled, text := e.selectAgent(ctx, prompt, agentID)
	if handled {
		return RunResult{AssistantResponse: text, Status: RunCompleted, ExecutionTime: time.Since(started)}, nil
	}
	agentID, err := e.resolveAgent(agentID)
	if err != nil {
		return RunResult{Status: RunError, ExecutionTime: time.Since(started)}, err
	}
	if _, err := e.sessions.AddUserMessage(agentID, prompt, imagePath); err != nil {
		return RunResult{Status: RunError, ExecutionTime: time.Since(started)}, err
	}
	if e.adapter != nil {
		e.adapter.OnUserMessage(ctx, prompt)
	}
	step, err := e.llmStep(ctx, agentID, cb != nil, cb)
	if err != nil {
		return RunResult{Status: RunError, Iterations: 1, ExecutionTime: time.Since(started)}, err
	}
	return RunResult{
		AssistantResponse: step.assistant,
		Iterations:        1,
		ActionResults:     step.results,
		Status:            RunCompleted,
		ExecutionTime:     time.Since(started),
	}, nil
}

// RunResponse runs the conversational loop: iterate llm steps until
// finish_response, a stop condition, the empty-response counter, or the
// iteration cap. finish_response takes precedence over the empty
// counter when both trigger on the same iteration.
func (e *Engine) RunResponse(ctx context.Context, prompt, agentID string, cb StreamCallback) (RunResult, error) {
	return e.runLoop(ctx, prompt, agentID, "", cb, false, nil)
}

// TaskCallback observes each iteration of a task loop.
type TaskCallback func(iteration int, assistant string, results []ActionResult)

// RunTask runs the task loop: same shape as RunResponse plus task
// events, finish_task termination with status extraction, and
// offloaded saves between iterations.
func (e *Engine) RunTask(ctx context.Context, taskPrompt, agentID, taskContext string, onIteration TaskCallback) (RunResult, error) {
	return e.runLoop(ctx, taskPrompt, agentID, taskContext, nil, true, onIteration)
}

func (e *Engine) runLoop(ctx context.Context, prompt, agentID, taskContext string, cb StreamCallback, taskMode bool, onIteration TaskCallback) (RunResult, error) {
	started := time.Now()
	res := RunResult{Status: RunMaxIterations}
	defer func() { res.ExecutionTime = time.Since(started) }()

	agentID, handled, text := e.selectAgent(ctx, prompt, agentID)
	if handled {
		res.Status = RunCompleted
		res.AssistantResponse = text
		return res, nil
	}
	agentID, err := e.resolveAgent(agentID)
	if err != nil {
		res.Status = RunError
		return res, err
	}
	e.interrupted.Store(false)

	userText := prompt
	if taskContext != "" {
		userText = prompt + "\n\n" + taskContext
	}
	if _, err := e.sessions.AddUserMessage(agentID, userText, ""); err != nil {
		res.Status = RunError
		return res, err
	}
	if e.adapter != nil {
		e.adapter.OnUserMessage(ctx, userText)
	}
	if taskMode {
		e.publishTaskEvent(ctx, TaskEvent{Kind: TaskStarted, AgentID: agentID})
	}

	emptyCount := 0
	var saveWG sync.WaitGroup
	defer saveWG.Wait()

	// Actions beyond the first in an assistant turn wait here; each
	// iteration drains one before the provider is called again.
	var pending []Action
	var pendingParent int64

	for i := 1; i <= e.maxIter; i++ {
		res.Iterations = i

		if name, stop := e.checkStops(ctx, agentID, i, started); stop {
			res.Status = RunStopped
			res.StopCondition = name
			return res, nil
		}
		if e.interrupted.Load() || ctx.Err() != nil {
			res.ActionResults = append(res.ActionResults, interruptedResults(pending)...)
			res.Status = RunStopped
			return res, nil
		}

		iterCtx := ctx
		var iterSpan Span
		if e.tracer != nil {
			iterCtx, iterSpan = e.tracer.Start(ctx, "engine.iteration",
				IntAttr("iteration", i),
				StringAttr("agent", agentID))
		}
		var step stepResult
		var err error
		if len(pending) > 0 {
			action := pending[0]
			pending = pending[1:]
			step = stepResult{assistant: res.AssistantResponse, assistantID: pendingParent}
			if r, finished, ran := e.dispatchAction(iterCtx, agentID, pendingParent, action); ran {
				step.results = append(step.results, r)
				step.finished = finished
			}
		} else {
			step, err = e.llmStep(iterCtx, agentID, cb != nil, cb)
		}
		if iterSpan != nil {
			iterSpan.End()
		}
		if err != nil {
			if taskMode {
				e.publishTaskEvent(ctx, TaskEvent{Kind: TaskFailed, AgentID: agentID, Iteration: i, Reason: err.Error()})
			}
			res.Status = RunError
			return res, err
		}
		if len(step.deferred) > 0 {
			pending = step.deferred
			pendingParent = step.assistantID
		}
		res.AssistantResponse = step.assistant
		res.ActionResults = append(res.ActionResults, step.results...)

		// Persist between iterations. Task mode offloads the save so the
		// loop does not stall on I/O.
		if taskMode {
			saveWG.Add(1)
			go func() {
				defer saveWG.Done()
				if err := e.sessions.Save(context.Background()); err != nil {
					e.logger.Warn("offloaded save failed", "agent", agentID, "error", err)
				}
			}()
		} else if err := e.sessions.Save(ctx); err != nil {
			e.logger.Warn("save failed", "agent", agentID, "error", err)
		}

		if taskMode {
			progress := min(100, 100*i/e.maxIter)
			e.publishTaskEvent(ctx, TaskEvent{Kind: TaskProgressed, AgentID: agentID, Iteration: i, Progress: progress})
			if onIteration != nil {
				onIteration(i, step.assistant, step.results)
			}
		}

		// finish actions win over every other termination path.
		switch step.finished {
		case ActionFinishResponse:
			res.Status = RunCompleted
			return res, nil
		case ActionFinishTask:
			res.Status = RunPendingReview
			res.FinishStatus = extractFinishStatus(step)
			return res, nil
		}

		if trivialResponse(step.assistant) {
			emptyCount++
			if emptyCount >= emptyResponseLimit {
				e.logger.Info("loop ended on consecutive trivial responses", "agent", agentID, "iterations", i)
				res.Status = RunCompleted
				return res, nil
			}
		} else {
			emptyCount = 0
		}
	}
	return res, nil
}

// checkStops evaluates stop conditions in order; first truthy wins.
func (e *Engine) checkStops(ctx context.Context, agentID string, iteration int, started time.Time) (string, bool) {
	if len(e.stops) == 0 {
		return "", false
	}
	st := LoopState{
		AgentID:   agentID,
		Iteration: iteration,
		StartedAt: started,
		Usage:     e.Usage(),
	}
	if a, ok := e.sessions.Agent(agentID); ok {
		st.Window = a.Window()
	}
	for _, c := range e.stops {
		if c.ShouldStop(ctx, st) {
			return c.Name(), true
		}
	}
	return "", false
}

// llmStep is the loop atom: format, complete, finalize, parse, dispatch
// at most one action, persist.
func (e *Engine) llmStep(ctx context.Context, agentID string, streaming bool, cb StreamCallback) (stepResult, error) {
	msgs, err := e.sessions.FormattedMessages(agentID)
	if err != nil {
		return stepResult{}, err
	}

	provider := e.CurrentProvider()
	var callUsage Usage
	req := CompletionRequest{
		Messages: msgs,
		Usage:    &callUsage,
	}
	if e.structuredTools && e.executor != nil {
		req.Tools = e.executor.registry.Schemas()
		if forced, _ := e.forcedTool.Swap("").(string); forced != "" {
			req.ToolChoice = &ToolChoice{Name: forced}
		}
	}

	var msgID, partID string
	if streaming {
		if e.adapter != nil {
			msgID, partID = e.adapter.OnStreamStart(ctx, "", provider.Name())
		}
		req.Stream = true
		req.OnChunk = func(chunk string, kind StreamKind) {
			if e.adapter != nil {
				e.adapter.OnStreamChunk(ctx, msgID, partID, chunk, kind)
			}
			if cb != nil {
				cb(chunk, kind)
			}
		}
	}

	callStart := time.Now()
	text, err := provider.GetResponse(ctx, req)
	if err == nil && strings.TrimSpace(text) == "" {
		err = ErrLLMEmptyResponse
	}
	if errors.Is(err, ErrLLMEmptyResponse) {
		// One retry, non-streaming. A second empty response raises: a
		// blank assistant message never enters the session.
		req.Stream = false
		req.OnChunk = nil
		text, err = provider.GetResponse(ctx, req)
		if err == nil && strings.TrimSpace(text) == "" {
			err = ErrLLMEmptyResponse
		}
	}
	if e.events != nil {
		ev := LLMEvent{
			Provider: provider.Name(),
			AgentID:  agentID,
			Duration: time.Since(callStart),
			Usage:    callUsage,
		}
		if err != nil {
			ev.Err = err.Error()
		}
		e.events.Emit(ctx, LLMEventName, ev)
	}
	if err != nil {
		return stepResult{}, err
	}
	e.addUsage(callUsage)

	// Streamed parts finalize into a single assistant message; parsing
	// runs over the finalized text, never a partial.
	assistant, err := e.sessions.AddAssistantMessage(agentID, text)
	if err != nil {
		return stepResult{}, err
	}
	if streaming && e.adapter != nil {
		e.adapter.OnStreamEnd(ctx, msgID, partID)
	}

	step := stepResult{assistant: text, assistantID: assistant.ID}

	// Provider-side structured tool call: execute directly and steer the
	// next completion back to text.
	if tcp, ok := provider.(ToolCallProvider); ok && e.executor != nil {
		if tc := tcp.GetAndClearLastToolCall(); tc != nil {
			action := Action{Type: ActionType(tc.Name), Payload: string(tc.Args)}
			step.results = append(step.results, e.executor.Execute(ctx, agentID, assistant.ID, action))
			e.forcedTool.Store("")
			return step, nil
		}
	}

	actions := ParseActions(text)
	if len(actions) == 0 {
		return step, nil
	}
	// At most one action runs now; the loop drains the rest on later
	// iterations.
	action := actions[0]
	step.deferred = actions[1:]
	if e.interrupted.Load() {
		step.results = append(step.results, interruptedResults(actions)...)
		step.deferred = nil
		return step, nil
	}
	if r, finished, ran := e.dispatchAction(ctx, agentID, assistant.ID, action); ran {
		step.results = append(step.results, r)
		step.finished = finished
	}
	return step, nil
}

// dispatchAction runs one parsed action. Finish actions settle locally;
// everything else goes through the executor. ran is false when no
// executor is wired for a tool action.
func (e *Engine) dispatchAction(ctx context.Context, agentID string, parentID int64, action Action) (ActionResult, ActionType, bool) {
	switch action.Type {
	case ActionFinishResponse, ActionFinishTask:
		return ActionResult{
			ActionName:  string(action.Type),
			Status:      ActionCompleted,
			Output:      action.Payload,
			StartedAt:   time.Now(),
			CompletedAt: time.Now(),
		}, action.Type, true
	default:
		if e.executor == nil {
			return ActionResult{}, "", false
		}
		return e.executor.Execute(ctx, agentID, parentID, action), "", true
	}
}

// interruptedResults marks every outstanding action of the current
// assistant turn interrupted without dispatching it.
func interruptedResults(actions []Action) []ActionResult {
	out := make([]ActionResult, 0, len(actions))
	now := time.Now()
	for _, a := range actions {
		out = append(out, ActionResult{
			ActionName:  string(a.Type),
			Status:      ActionInterrupted,
			Output:      "interrupted before dispatch",
			StartedAt:   now,
			CompletedAt: now,
		})
	}
	return out
}

func (e *Engine) addUsage(u Usage) {
	e.usageMu.Lock()
	e.usage.Add(u)
	e.usageMu.Unlock()
}

func (e *Engine) publishTaskEvent(ctx context.Context, ev TaskEvent) {
	if e.events != nil {
		e.events.Emit(ctx, TaskEventName, ev)
	}
}

// trivialResponse reports whether a response has fewer than the trivial
// threshold of non-whitespace runes.
func trivialResponse(text string) bool {
	n := 0
	for _, r := range text {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			n++
			if n >= trivialResponseRunes {
				return false
			}
		}
	}
	return true
}

// extractFinishStatus pulls the [FINISH_STATUS:x] marker from the
// finish_task result, defaulting to "done".
func extractFinishStatus(step stepResult) string {
	for _, r := range step.results {
		if r.ActionName == string(ActionFinishTask) {
			if m := finishStatusRe.FindStringSubmatch(r.Output); m != nil {
				return m[1]
			}
		}
	}
	if m := finishStatusRe.FindStringSubmatch(step.assistant); m != nil {
		return m[1]
	}
	return "done"
}

// StreamChunk is one element of a Stream channel.
type StreamChunk struct {
	Text string
	Kind StreamKind
}

// Stream runs RunResponse in a goroutine and yields chunks over a
// channel. The channel closes when the loop ends; Err and Result are
// valid only after that.
type StreamHandle struct {
	Chunks <-chan StreamChunk

	done   chan struct{}
	result RunResult
	err    error
}

// Wait blocks until the loop ends and returns its result.
func (h *StreamHandle) Wait() (RunResult, error) {
	<-h.done
	return h.result, h.err
}

// Stream starts a streaming conversational loop. A single producer (the
// provider callback) feeds a single consumer (the caller draining
// Chunks).
func (e *Engine) Stream(ctx context.Context, prompt, agentID string) *StreamHandle {
	ch := make(chan StreamChunk, 64)
	h := &StreamHandle{Chunks: ch, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer close(ch)
		cb := func(chunk string, kind StreamKind) {
			select {
			case ch <- StreamChunk{Text: chunk, Kind: kind}:
			case <-ctx.Done():
			}
		}
		h.result, h.err = e.RunResponse(ctx, prompt, agentID, cb)
	}()
	return h
}

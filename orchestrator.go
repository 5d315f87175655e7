package penguin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RetryPolicy bounds phase retries with exponential backoff:
// initial * 2^(attempt-1), capped at Max.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
}

// backoff returns the delay before the given retry attempt (1-based).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.InitialInterval
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

var defaultRetryPolicy = RetryPolicy{
	InitialInterval: time.Second,
	MaxInterval:     30 * time.Second,
	MaxRetries:      3,
}

// defaultPhaseTimeout bounds one phase attempt.
const defaultPhaseTimeout = 10 * time.Minute

// WorkflowEventName is the event bus name workflow transitions publish
// under.
const WorkflowEventName = "workflow.event"

// WorkflowEvent is the payload published on WorkflowEventName. Events
// carrying a non-zero PhaseDuration report a finished phase attempt
// rather than a status transition.
type WorkflowEvent struct {
	WorkflowID    string         `json:"workflow_id"`
	TaskID        string         `json:"task_id"`
	Status        WorkflowStatus `json:"status"`
	Phase         WorkflowPhase  `json:"phase"`
	Progress      int            `json:"progress"`
	Reason        string         `json:"reason,omitempty"`
	PhaseDuration time.Duration  `json:"phase_duration,omitempty"`
}

// PhaseContext is what a phase implementation receives: the current
// state plus the feedback queue it may drain while waiting for input.
type PhaseContext struct {
	State WorkflowState
	run   *workflowRun
	orch  *Orchestrator
	phase WorkflowPhase
}

// AwaitFeedback transitions the workflow to waiting_input and blocks
// until feedback arrives, the workflow is cancelled, or ctx ends.
func (pc *PhaseContext) AwaitFeedback(ctx context.Context) (json.RawMessage, error) {
	pc.orch.setStatus(ctx, pc.run, WorkflowWaitingInput, pc.phase, "")
	defer pc.orch.setStatus(ctx, pc.run, WorkflowRunning, pc.phase, "")
	select {
	case payload := <-pc.run.feedback:
		return payload, nil
	case <-pc.run.cancelled:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MarkWaitingInput flips the workflow between waiting_input and running
// while an approval (or other external input) outside the feedback queue
// is pending.
func (pc *PhaseContext) MarkWaitingInput(waiting bool) {
	status := WorkflowRunning
	if waiting {
		status = WorkflowWaitingInput
	}
	pc.orch.setStatus(context.Background(), pc.run, status, pc.phase, "")
}

// SaveSnapshot writes a context snapshot for this phase and records its
// id on the workflow row.
func (pc *PhaseContext) SaveSnapshot(ctx context.Context, history, toolOutputs, metadata json.RawMessage) (string, error) {
	snap := ContextSnapshot{
		SnapshotID:          NewID(),
		WorkflowID:          pc.run.id,
		Phase:               pc.phase,
		ConversationHistory: history,
		ToolOutputs:         toolOutputs,
		Metadata:            metadata,
		CreatedAt:           time.Now(),
	}
	if err := pc.orch.store.SaveSnapshot(ctx, snap); err != nil {
		return "", err
	}
	pc.run.mu.Lock()
	pc.run.state.ContextSnapshotID = snap.SnapshotID
	pc.run.mu.Unlock()
	return snap.SnapshotID, nil
}

// PhaseFunc implements one ITUV phase. The returned string becomes the
// phase result output; artifacts merge into the workflow's artifact map.
type PhaseFunc func(ctx context.Context, pc *PhaseContext) (output string, artifacts map[string]any, err error)

// workflowRun is the in-memory half of one live workflow.
type workflowRun struct {
	id       string
	feedback chan json.RawMessage

	mu     sync.Mutex
	state  WorkflowState
	paused bool
	resume chan struct{} // closed to release a paused runner

	cancelled chan struct{}
	cancelOne sync.Once
}

func (r *workflowRun) cancel() {
	r.cancelOne.Do(func() { close(r.cancelled) })
}

func (r *workflowRun) isCancelled() bool {
	select {
	case <-r.cancelled:
		return true
	default:
		return false
	}
}

// Orchestrator is the native ITUV backend: a durable four-phase state
// machine per task. Each workflow runs in its own goroutine; the state
// row in the store is the single source of truth on restart. The native
// backend does not survive mid-phase restarts: Init marks previously
// running workflows failed.
type Orchestrator struct {
	store         WorkflowStore
	phases        map[WorkflowPhase]PhaseFunc
	retry         RetryPolicy
	phaseTimeout  time.Duration
	phaseTimeouts map[WorkflowPhase]time.Duration

	mu     sync.Mutex
	active map[string]*workflowRun
	wg     sync.WaitGroup

	events *EventBus
	logger *slog.Logger
	tracer Tracer
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithRetryPolicy overrides the default backoff policy.
func WithRetryPolicy(p RetryPolicy) OrchestratorOption {
	return func(o *Orchestrator) { o.retry = p }
}

// WithPhaseTimeout bounds one phase attempt.
func WithPhaseTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.phaseTimeout = d
		}
	}
}

// WithPhaseTimeouts bounds individual phases, overriding the shared
// timeout for the phases named.
func WithPhaseTimeouts(timeouts map[WorkflowPhase]time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		for phase, d := range timeouts {
			if d <= 0 {
				continue
			}
			if o.phaseTimeouts == nil {
				o.phaseTimeouts = make(map[WorkflowPhase]time.Duration, len(timeouts))
			}
			o.phaseTimeouts[phase] = d
		}
	}
}

// WithOrchestratorEvents publishes workflow transitions on a bus.
func WithOrchestratorEvents(b *EventBus) OrchestratorOption {
	return func(o *Orchestrator) { o.events = b }
}

// WithOrchestratorLogger sets a structured logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOrchestratorTracer traces phases.
func WithOrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// NewOrchestrator creates a backend over a workflow store and the four
// phase implementations. Missing phases default to a no-op that
// succeeds immediately.
func NewOrchestrator(store WorkflowStore, phases map[WorkflowPhase]PhaseFunc, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		phases:       phases,
		retry:        defaultRetryPolicy,
		phaseTimeout: defaultPhaseTimeout,
		active:       make(map[string]*workflowRun),
		logger:       nopLogger,
	}
	if o.phases == nil {
		o.phases = map[WorkflowPhase]PhaseFunc{}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Init prepares the store and fails over workflows left running by a
// previous process.
func (o *Orchestrator) Init(ctx context.Context) error {
	if err := o.store.Init(ctx); err != nil {
		return err
	}
	n, err := o.store.MarkRunningFailed(ctx, "process exited")
	if err != nil {
		return err
	}
	if n > 0 {
		o.logger.Warn("cold start failed over workflows", "count", n)
	}
	return nil
}

// StartWorkflow persists a pending row and spawns the runner.
func (o *Orchestrator) StartWorkflow(ctx context.Context, taskID, blueprintID, projectID string, config json.RawMessage) (string, error) {
	now := time.Now()
	st := WorkflowState{
		WorkflowID:  NewID(),
		TaskID:      taskID,
		BlueprintID: blueprintID,
		ProjectID:   projectID,
		Status:      WorkflowPending,
		Phase:       PhasePending,
		Config:      config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.SaveWorkflow(ctx, st); err != nil {
		return "", err
	}

	run := &workflowRun{
		id:        st.WorkflowID,
		state:     st,
		feedback:  make(chan json.RawMessage, 16),
		resume:    make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	o.mu.Lock()
	o.active[st.WorkflowID] = run
	o.mu.Unlock()

	o.wg.Add(1)
	go o.runWorkflow(run)

	o.logger.Info("workflow started", "workflow", st.WorkflowID, "task", taskID)
	return st.WorkflowID, nil
}

// runWorkflow iterates the four phases with retry and persists progress
// between phases.
func (o *Orchestrator) runWorkflow(run *workflowRun) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.active, run.id)
		o.mu.Unlock()
	}()
	ctx := context.Background()

	run.mu.Lock()
	run.state.StartedAt = time.Now()
	run.mu.Unlock()
	o.setStatus(ctx, run, WorkflowRunning, PhaseImplement, "")

	for k, phase := range ituvPhases {
		if !o.gate(ctx, run, phase) {
			return
		}

		result, err := o.runPhase(ctx, run, phase)
		run.mu.Lock()
		run.state.PhaseResults = append(run.state.PhaseResults, result)
		run.state.RetryCount += result.Attempts - 1
		durEv := WorkflowEvent{
			WorkflowID:    run.state.WorkflowID,
			TaskID:        run.state.TaskID,
			Status:        run.state.Status,
			Phase:         phase,
			Progress:      run.state.Progress,
			PhaseDuration: result.CompletedAt.Sub(result.StartedAt),
		}
		run.mu.Unlock()
		if o.events != nil && durEv.PhaseDuration > 0 {
			o.events.Emit(ctx, WorkflowEventName, durEv)
		}

		if err != nil {
			if errors.Is(err, context.Canceled) && run.isCancelled() {
				o.setStatus(ctx, run, WorkflowCancelled, PhaseCancelled, "cancelled")
				return
			}
			o.setStatus(ctx, run, WorkflowFailed, PhaseFailed, err.Error())
			return
		}

		run.mu.Lock()
		run.state.Progress = (k + 1) * 100 / len(ituvPhases)
		run.mu.Unlock()
		o.persist(ctx, run)
	}

	o.setStatus(ctx, run, WorkflowCompleted, PhaseCompleted, "")
}

// gate checks the cancelled and paused flags between phases. Returns
// false when the workflow should stop.
func (o *Orchestrator) gate(ctx context.Context, run *workflowRun, next WorkflowPhase) bool {
	if run.isCancelled() {
		o.setStatus(ctx, run, WorkflowCancelled, PhaseCancelled, "cancelled")
		return false
	}
	run.mu.Lock()
	paused := run.paused
	resume := run.resume
	run.mu.Unlock()
	if paused {
		o.setStatus(ctx, run, WorkflowPaused, PhasePaused, "")
		select {
		case <-resume:
		case <-run.cancelled:
			o.setStatus(ctx, run, WorkflowCancelled, PhaseCancelled, "cancelled")
			return false
		}
		o.setStatus(ctx, run, WorkflowRunning, next, "")
	}
	return true
}

// runPhase runs one phase with the retry policy. The last error is
// returned after exhaustion.
func (o *Orchestrator) runPhase(ctx context.Context, run *workflowRun, phase WorkflowPhase) (PhaseResult, error) {
	result := PhaseResult{Phase: phase, StartedAt: time.Now()}
	fn := o.phases[phase]

	o.setStatus(ctx, run, WorkflowRunning, phase, "")

	var lastErr error
	for attempt := 1; attempt <= o.retry.MaxRetries+1; attempt++ {
		result.Attempts = attempt
		if run.isCancelled() {
			lastErr = context.Canceled
			break
		}
		if attempt > 1 {
			delay := o.retry.backoff(attempt - 1)
			o.logger.Debug("phase retry", "workflow", run.id, "phase", string(phase), "attempt", attempt, "backoff", delay)
			select {
			case <-time.After(delay):
			case <-run.cancelled:
			}
			if run.isCancelled() {
				lastErr = context.Canceled
				break
			}
		}

		output, artifacts, err := o.attemptPhase(ctx, run, phase, fn)
		if err == nil {
			result.Success = true
			result.Output = output
			result.CompletedAt = time.Now()
			if len(artifacts) > 0 {
				run.mu.Lock()
				if run.state.Artifacts == nil {
					run.state.Artifacts = make(map[string]any, len(artifacts))
				}
				for k, v := range artifacts {
					run.state.Artifacts[k] = v
				}
				run.mu.Unlock()
			}
			return result, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) && run.isCancelled() {
			break
		}
		o.logger.Warn("phase attempt failed", "workflow", run.id, "phase", string(phase), "attempt", attempt, "error", err)
	}

	result.Error = lastErr.Error()
	result.CompletedAt = time.Now()
	return result, lastErr
}

// attemptPhase runs one attempt under the phase timeout with panic
// recovery.
func (o *Orchestrator) attemptPhase(ctx context.Context, run *workflowRun, phase WorkflowPhase, fn PhaseFunc) (output string, artifacts map[string]any, err error) {
	if fn == nil {
		return "", nil, nil
	}
	phaseCtx, cancel := context.WithTimeout(ctx, o.timeoutFor(phase))
	defer cancel()
	go func() {
		select {
		case <-run.cancelled:
			cancel()
		case <-phaseCtx.Done():
		}
	}()

	if o.tracer != nil {
		var span Span
		phaseCtx, span = o.tracer.Start(phaseCtx, "workflow.phase",
			StringAttr("workflow", run.id),
			StringAttr("phase", string(phase)))
		defer span.End()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("phase %s panic: %v", phase, p)
		}
	}()

	run.mu.Lock()
	st := run.state
	run.mu.Unlock()
	pc := &PhaseContext{State: st, run: run, orch: o, phase: phase}
	return fn(phaseCtx, pc)
}

// timeoutFor returns the per-phase timeout when configured, else the
// shared one.
func (o *Orchestrator) timeoutFor(phase WorkflowPhase) time.Duration {
	if d, ok := o.phaseTimeouts[phase]; ok {
		return d
	}
	return o.phaseTimeout
}

// setStatus updates the in-memory row, persists it, and publishes a
// transition event.
func (o *Orchestrator) setStatus(ctx context.Context, run *workflowRun, status WorkflowStatus, phase WorkflowPhase, reason string) {
	run.mu.Lock()
	run.state.Status = status
	run.state.Phase = phase
	run.state.UpdatedAt = time.Now()
	if reason != "" {
		run.state.ErrorMessage = reason
	}
	if status.terminal() {
		run.state.CompletedAt = time.Now()
		if status == WorkflowCompleted {
			run.state.Progress = 100
		}
	}
	ev := WorkflowEvent{
		WorkflowID: run.state.WorkflowID,
		TaskID:     run.state.TaskID,
		Status:     status,
		Phase:      phase,
		Progress:   run.state.Progress,
		Reason:     reason,
	}
	run.mu.Unlock()

	o.persist(ctx, run)
	if o.events != nil {
		o.events.Emit(ctx, WorkflowEventName, ev)
	}
}

func (o *Orchestrator) persist(ctx context.Context, run *workflowRun) {
	run.mu.Lock()
	st := run.state
	run.mu.Unlock()
	if err := o.store.SaveWorkflow(ctx, st); err != nil {
		o.logger.Error("workflow persist failed", "workflow", run.id, "error", err)
	}
}

// --- signals ---

// Pause asks a running workflow to pause at the next phase boundary.
func (o *Orchestrator) Pause(workflowID string) error {
	run, err := o.liveRun(workflowID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	if !run.paused {
		run.paused = true
		run.resume = make(chan struct{})
	}
	run.mu.Unlock()
	return nil
}

// Resume releases a paused workflow.
func (o *Orchestrator) Resume(workflowID string) error {
	run, err := o.liveRun(workflowID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	if run.paused {
		run.paused = false
		close(run.resume)
	}
	run.mu.Unlock()
	return nil
}

// Cancel stops a workflow cooperatively: between phases immediately,
// within a phase via context cancellation.
func (o *Orchestrator) Cancel(workflowID string) error {
	run, err := o.liveRun(workflowID)
	if err != nil {
		return err
	}
	run.cancel()
	// A paused runner also has to wake to observe the cancel.
	run.mu.Lock()
	if run.paused {
		run.paused = false
		close(run.resume)
	}
	run.mu.Unlock()
	return nil
}

// InjectFeedback places a payload on the workflow's feedback queue. A
// phase sitting in waiting_input drains it.
func (o *Orchestrator) InjectFeedback(workflowID string, payload json.RawMessage) error {
	run, err := o.liveRun(workflowID)
	if err != nil {
		return err
	}
	select {
	case run.feedback <- payload:
		return nil
	default:
		return fmt.Errorf("feedback queue full for workflow %s", workflowID)
	}
}

func (o *Orchestrator) liveRun(workflowID string) (*workflowRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.active[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s is not live", workflowID)
	}
	return run, nil
}

// --- queries ---

// Status returns the durable state row. Live workflows answer from
// memory; finished ones from the store.
func (o *Orchestrator) Status(ctx context.Context, workflowID string) (WorkflowState, error) {
	o.mu.Lock()
	run, ok := o.active[workflowID]
	o.mu.Unlock()
	if ok {
		run.mu.Lock()
		defer run.mu.Unlock()
		return run.state, nil
	}
	return o.store.GetWorkflow(ctx, workflowID)
}

// Progress returns the workflow's 0..100 progress.
func (o *Orchestrator) Progress(ctx context.Context, workflowID string) (int, error) {
	st, err := o.Status(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	return st.Progress, nil
}

// Artifacts returns the accumulated artifact map.
func (o *Orchestrator) Artifacts(ctx context.Context, workflowID string) (map[string]any, error) {
	st, err := o.Status(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return st.Artifacts, nil
}

// PhaseResults returns the per-phase outcomes recorded so far.
func (o *Orchestrator) PhaseResults(ctx context.Context, workflowID string) ([]PhaseResult, error) {
	st, err := o.Status(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return st.PhaseResults, nil
}

// ListWorkflows passes a filter through to the store.
func (o *Orchestrator) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]WorkflowState, error) {
	return o.store.ListWorkflows(ctx, filter)
}

// CleanupCompleted deletes workflows completed before the cutoff,
// together with their snapshots.
func (o *Orchestrator) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	return o.store.DeleteCompletedBefore(ctx, time.Now().Add(-olderThan))
}

// Shutdown cancels live workflows and waits for their runners.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, run := range o.active {
		run.cancel()
		run.mu.Lock()
		if run.paused {
			run.paused = false
			close(run.resume)
		}
		run.mu.Unlock()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

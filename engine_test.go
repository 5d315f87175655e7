package penguin

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// scriptedProvider replays queued responses; the last one repeats.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) GetResponse(_ context.Context, req CompletionRequest) (string, error) {
	p.mu.Lock()
	p.calls++
	r := ""
	if len(p.responses) > 0 {
		r = p.responses[0]
		if len(p.responses) > 1 {
			p.responses = p.responses[1:]
		}
	}
	p.mu.Unlock()
	if req.Stream && req.OnChunk != nil {
		req.OnChunk(r, StreamAssistant)
	}
	return r, nil
}

// allowAll satisfies PermissionChecker for tests that exercise dispatch
// without the policy chain.
type allowAll struct{}

func (allowAll) Check(context.Context, string, string, CheckContext) PermissionCheck {
	return PermissionCheck{Result: ResultAllow}
}

func newTestEngine(t *testing.T, p Provider, opts ...EngineOption) (*Engine, *Conversations, *Registry) {
	t.Helper()
	sessions := NewConversations()
	reg := NewRegistry()
	exec := NewActionExecutor(reg, allowAll{}, sessions)
	return NewEngine(sessions, p, exec, opts...), sessions, reg
}

func TestRunResponseEndsOnTrivialResponses(t *testing.T) {
	p := &scriptedProvider{responses: []string{"ok"}}
	e, _, _ := newTestEngine(t, p)

	res, err := e.RunResponse(context.Background(), "hello", "", nil)
	if err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	if res.Status != RunCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}
	if res.Iterations != 3 {
		t.Errorf("iterations = %d, want 3 consecutive trivial responses", res.Iterations)
	}
}

func TestRunResponseDefersExtraActionsToLaterIterations(t *testing.T) {
	p := &scriptedProvider{responses: []string{
		`<execute>echo a</execute> and <execute>echo b</execute>`,
		`<finish_response>done</finish_response>`,
	}}
	e, _, reg := newTestEngine(t, p)

	var payloads []string
	var callsAt []int // provider calls observed at each dispatch
	reg.Register(ActionExecute, ToolSpec{
		RequiredOperations: []string{"process.execute"},
		ExtractResource:    func(payload string) (string, error) { return payload, nil },
		Handler: func(_ context.Context, payload string) (string, error) {
			payloads = append(payloads, payload)
			p.mu.Lock()
			callsAt = append(callsAt, p.calls)
			p.mu.Unlock()
			return "done", nil
		},
	})

	res, err := e.RunResponse(context.Background(), "go", "", nil)
	if err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if len(payloads) != 2 || payloads[0] != "echo a" || payloads[1] != "echo b" {
		t.Fatalf("dispatched payloads = %v, want both actions in order", payloads)
	}
	// The second action runs on the next iteration without another
	// provider call.
	if callsAt[0] != 1 || callsAt[1] != 1 {
		t.Errorf("provider calls at dispatch = %v, want both after the single first call", callsAt)
	}
	if res.Iterations != 3 || p.calls != 2 {
		t.Errorf("iterations = %d, provider calls = %d, want 3 and 2", res.Iterations, p.calls)
	}
}

func TestRunResponseDeferredFinishEndsLoop(t *testing.T) {
	p := &scriptedProvider{responses: []string{
		`<execute>echo a</execute><finish_response>all set</finish_response>`,
	}}
	e, _, reg := newTestEngine(t, p)
	reg.Register(ActionExecute, echoTool())

	res, err := e.RunResponse(context.Background(), "go", "", nil)
	if err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	if res.Status != RunCompleted || res.Iterations != 2 {
		t.Errorf("got %s after %d iterations, want completed after draining the finish", res.Status, res.Iterations)
	}
	if p.calls != 1 {
		t.Errorf("provider calls = %d, want 1", p.calls)
	}
}

func TestInterruptMarksOutstandingActionsInterrupted(t *testing.T) {
	p := &scriptedProvider{responses: []string{
		`<execute>echo a</execute><execute>echo b</execute><execute>echo c</execute>`,
	}}
	e, _, reg := newTestEngine(t, p)

	var payloads []string
	reg.Register(ActionExecute, ToolSpec{
		RequiredOperations: []string{"process.execute"},
		ExtractResource:    func(payload string) (string, error) { return payload, nil },
		Handler: func(_ context.Context, payload string) (string, error) {
			payloads = append(payloads, payload)
			e.Interrupt()
			return "done", nil
		},
	})

	res, err := e.RunResponse(context.Background(), "go", "", nil)
	if err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	if res.Status != RunStopped {
		t.Fatalf("status = %s, want stopped", res.Status)
	}
	if len(payloads) != 1 || payloads[0] != "echo a" {
		t.Fatalf("dispatched payloads = %v, want only the first action", payloads)
	}
	if len(res.ActionResults) != 3 {
		t.Fatalf("action results = %d, want the run plus two interrupted", len(res.ActionResults))
	}
	for _, r := range res.ActionResults[1:] {
		if r.Status != ActionInterrupted {
			t.Errorf("outstanding action %s status = %s, want interrupted", r.ActionName, r.Status)
		}
	}
}

func TestRunResponseFinishResponse(t *testing.T) {
	p := &scriptedProvider{responses: []string{`<finish_response>all set</finish_response>`}}
	e, _, _ := newTestEngine(t, p)

	res, err := e.RunResponse(context.Background(), "hi", "", nil)
	if err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	if res.Status != RunCompleted || res.Iterations != 1 {
		t.Errorf("got %s after %d iterations, want completed after 1", res.Status, res.Iterations)
	}
}

func TestRunTaskFinishStatus(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
	}{
		{"explicit marker", `<finish_task>wrapped up [FINISH_STATUS:success]</finish_task>`, "success"},
		{"default", `<finish_task>wrapped up</finish_task>`, "done"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{responses: []string{tt.response}}
			e, _, _ := newTestEngine(t, p)

			res, err := e.RunTask(context.Background(), "do the thing", "", "", nil)
			if err != nil {
				t.Fatalf("RunTask: %v", err)
			}
			if res.Status != RunPendingReview {
				t.Errorf("status = %s, want pending_review", res.Status)
			}
			if res.FinishStatus != tt.want {
				t.Errorf("finish status = %q, want %q", res.FinishStatus, tt.want)
			}
		})
	}
}

func TestRunTaskFinishAfterTrivialStreak(t *testing.T) {
	// Two trivial responses, then a finish. The finish action decides the
	// outcome, not the counter.
	p := &scriptedProvider{responses: []string{"ok", "ok", `<finish_task>x</finish_task>`}}
	e, _, _ := newTestEngine(t, p)

	res, err := e.RunTask(context.Background(), "task", "", "", nil)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if res.Status != RunPendingReview || res.Iterations != 3 {
		t.Errorf("got %s after %d iterations, want pending_review after 3", res.Status, res.Iterations)
	}
}

func TestRunResponseMaxIterations(t *testing.T) {
	p := &scriptedProvider{responses: []string{"a long response that keeps the loop going"}}
	e, _, _ := newTestEngine(t, p, WithMaxIterations(4))

	res, err := e.RunResponse(context.Background(), "hi", "", nil)
	if err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	if res.Status != RunMaxIterations || res.Iterations != 4 {
		t.Errorf("got %s after %d iterations, want max_iterations after 4", res.Status, res.Iterations)
	}
}

func TestRunResponseStopCondition(t *testing.T) {
	p := &scriptedProvider{responses: []string{"a long response that keeps the loop going"}}
	e, _, _ := newTestEngine(t, p, WithStopConditions(WallClockStop{}))

	res, err := e.RunResponse(context.Background(), "hi", "", nil)
	if err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	if res.Status != RunStopped {
		t.Errorf("status = %s, want stopped", res.Status)
	}
	if res.StopCondition != "wall_clock" {
		t.Errorf("stop condition = %q", res.StopCondition)
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times before the first check", p.calls)
	}
}

func TestEmptyResponseRetriedOnce(t *testing.T) {
	p := &scriptedProvider{responses: []string{"", "a substantial recovery answer", `<finish_response>x</finish_response>`}}
	e, _, _ := newTestEngine(t, p)

	res, err := e.RunResponse(context.Background(), "hi", "", nil)
	if err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	if res.Status != RunCompleted {
		t.Errorf("status = %s", res.Status)
	}
}

func TestEmptyResponseTwiceFails(t *testing.T) {
	p := &scriptedProvider{responses: []string{""}}
	e, sessions, _ := newTestEngine(t, p)

	res, err := e.RunResponse(context.Background(), "hi", "", nil)
	if !errors.Is(err, ErrLLMEmptyResponse) {
		t.Fatalf("err = %v, want ErrLLMEmptyResponse", err)
	}
	if res.Status != RunError {
		t.Errorf("status = %s", res.Status)
	}
	if p.calls != 2 {
		t.Errorf("provider calls = %d, want 2 (one retry)", p.calls)
	}

	// No blank assistant message enters the session.
	a, _ := sessions.Agent(DefaultAgentID)
	for _, m := range a.Session().Messages() {
		if m.Role == RoleAssistant {
			t.Errorf("blank assistant message persisted: %+v", m)
		}
	}
}

func TestInterruptStopsBetweenIterations(t *testing.T) {
	p := &scriptedProvider{responses: []string{"a long response that keeps the loop going"}}
	e, _, _ := newTestEngine(t, p)

	first := true
	cb := func(string, StreamKind) {
		if first {
			first = false
			e.Interrupt()
		}
	}
	res, err := e.RunResponse(context.Background(), "hi", "", cb)
	if err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	if res.Status != RunStopped {
		t.Errorf("status = %s, want stopped", res.Status)
	}
	if res.Iterations > 2 {
		t.Errorf("iterations = %d, want interrupt honored at the next boundary", res.Iterations)
	}
}

func TestStreamDeliversChunks(t *testing.T) {
	p := &scriptedProvider{responses: []string{`<finish_response>bye</finish_response>`}}
	e, _, _ := newTestEngine(t, p)

	h := e.Stream(context.Background(), "hi", "")
	var got strings.Builder
	for c := range h.Chunks {
		got.WriteString(c.Text)
	}
	res, err := h.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != RunCompleted {
		t.Errorf("status = %s", res.Status)
	}
	if !strings.Contains(got.String(), "finish_response") {
		t.Errorf("streamed text = %q", got.String())
	}
}

func TestRunSingleTurn(t *testing.T) {
	p := &scriptedProvider{responses: []string{"a plain answer with no actions"}}
	e, sessions, _ := newTestEngine(t, p)

	res, err := e.RunSingleTurn(context.Background(), "question", "", "", nil)
	if err != nil {
		t.Fatalf("RunSingleTurn: %v", err)
	}
	if res.Iterations != 1 || res.Status != RunCompleted {
		t.Errorf("got %s after %d iterations", res.Status, res.Iterations)
	}
	if p.calls != 1 {
		t.Errorf("provider calls = %d, want exactly 1", p.calls)
	}

	a, _ := sessions.Agent(DefaultAgentID)
	msgs := a.Session().Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want user + assistant", len(msgs))
	}
}

func TestRunResponseUnknownAgent(t *testing.T) {
	p := &scriptedProvider{responses: []string{"x"}}
	e, _, _ := newTestEngine(t, p)

	var unknownErr *ErrUnknownAgent
	res, err := e.RunResponse(context.Background(), "hi", "ghost", nil)
	if !errors.As(err, &unknownErr) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
	if res.Status != RunError {
		t.Errorf("status = %s", res.Status)
	}
}

func TestRunTaskPublishesEvents(t *testing.T) {
	p := &scriptedProvider{responses: []string{`<finish_task>done</finish_task>`}}
	bus := NewEventBus()
	sessions := NewConversations()
	exec := NewActionExecutor(NewRegistry(), allowAll{}, sessions)
	e := NewEngine(sessions, p, exec, WithEngineEvents(bus))

	var mu sync.Mutex
	var kinds []TaskEventKind
	bus.Subscribe(TaskEventName, func(_ context.Context, payload any) {
		mu.Lock()
		kinds = append(kinds, payload.(TaskEvent).Kind)
		mu.Unlock()
	})

	if _, err := e.RunTask(context.Background(), "task", "", "", nil); err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(kinds) < 2 || kinds[0] != TaskStarted {
		t.Errorf("events = %v, want started then progress", kinds)
	}
}

// roleSelector routes unaddressed prompts by a keyword, answering
// greetings itself.
type roleSelector struct{}

func (roleSelector) SelectAgent(_ context.Context, prompt string) (string, bool, string) {
	if strings.HasPrefix(prompt, "hello") {
		return "", true, "hi there"
	}
	if strings.Contains(prompt, "code") {
		return "coder", false, ""
	}
	return "", false, ""
}

func TestRunResponseRoleSelectorRoutes(t *testing.T) {
	p := &scriptedProvider{responses: []string{`<finish_response>ok</finish_response>`}}
	e, sessions, _ := newTestEngine(t, p, WithAgentSelector(roleSelector{}))
	if err := e.RegisterAgent("coder", "you write code"); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	if _, err := e.RunResponse(context.Background(), "write some code", "", nil); err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	a, _ := sessions.Agent("coder")
	var userSeen bool
	for _, m := range a.Session().Messages() {
		if m.Role == RoleUser && strings.Contains(m.Content, "code") {
			userSeen = true
		}
	}
	if !userSeen {
		t.Error("prompt did not land in the selected agent's session")
	}
}

func TestRunResponseLiteSelectorShortCircuits(t *testing.T) {
	p := &scriptedProvider{responses: []string{"never reached"}}
	e, _, _ := newTestEngine(t, p, WithAgentSelector(roleSelector{}))

	res, err := e.RunResponse(context.Background(), "hello out there", "", nil)
	if err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	if res.Status != RunCompleted || res.AssistantResponse != "hi there" {
		t.Errorf("result = %s %q, want completed with the selector's answer", res.Status, res.AssistantResponse)
	}
	if p.calls != 0 {
		t.Errorf("provider calls = %d, want none for a lite-handled prompt", p.calls)
	}
}

func TestRunPublishesProviderCallEvents(t *testing.T) {
	p := &scriptedProvider{responses: []string{`<finish_response>done</finish_response>`}}
	bus := NewEventBus()
	sessions := NewConversations()
	exec := NewActionExecutor(NewRegistry(), allowAll{}, sessions)
	e := NewEngine(sessions, p, exec, WithEngineEvents(bus))

	var mu sync.Mutex
	var events []LLMEvent
	bus.Subscribe(LLMEventName, func(_ context.Context, payload any) {
		mu.Lock()
		events = append(events, payload.(LLMEvent))
		mu.Unlock()
	})

	if _, err := e.RunResponse(context.Background(), "hi", "", nil); err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].Provider != "scripted" || events[0].Err != "" {
		t.Errorf("events = %+v, want one clean call from the scripted provider", events)
	}
}

func TestEngineAccumulatesUsage(t *testing.T) {
	p := &usageProvider{}
	sessions := NewConversations()
	e := NewEngine(sessions, p, NewActionExecutor(NewRegistry(), allowAll{}, sessions))

	if _, err := e.RunResponse(context.Background(), "hi", "", nil); err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	u := e.Usage()
	if u.InputTokens == 0 || u.OutputTokens == 0 {
		t.Errorf("usage = %+v, want accumulated tokens", u)
	}
}

// usageProvider reports token usage and finishes immediately.
type usageProvider struct{}

func (usageProvider) Name() string { return "usage" }

func (usageProvider) GetResponse(_ context.Context, req CompletionRequest) (string, error) {
	if req.Usage != nil {
		req.Usage.Add(Usage{InputTokens: 12, OutputTokens: 7})
	}
	return `<finish_response>done</finish_response>`, nil
}

var _ Provider = (*scriptedProvider)(nil)

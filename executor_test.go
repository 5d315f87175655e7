package penguin

import (
	"context"
	"strings"
	"testing"
	"time"
)

// fixedChecker returns the same result for every check.
type fixedChecker struct {
	result PermissionResult
	reason string
}

func (c fixedChecker) Check(_ context.Context, op, resource string, _ CheckContext) PermissionCheck {
	return PermissionCheck{
		Operation: op,
		Resource:  resource,
		Result:    c.result,
		Reason:    c.reason,
		Timestamp: time.Now(),
	}
}

func newTestExecutor(t *testing.T, checker PermissionChecker, opts ...ExecutorOption) (*ActionExecutor, *Registry, *Conversations) {
	t.Helper()
	sessions := NewConversations()
	reg := NewRegistry()
	return NewActionExecutor(reg, checker, sessions, opts...), reg, sessions
}

func echoTool() ToolSpec {
	return ToolSpec{
		RequiredOperations: []string{"process.execute"},
		ExtractResource:    func(p string) (string, error) { return p, nil },
		Handler: func(_ context.Context, payload string) (string, error) {
			return "ran: " + payload, nil
		},
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	x, _, _ := newTestExecutor(t, fixedChecker{result: ResultAllow})
	res := x.Execute(context.Background(), DefaultAgentID, 1, Action{Type: "no_such_tool"})
	if res.Status != ActionError {
		t.Errorf("status = %s, want error", res.Status)
	}
	if !strings.Contains(res.Output, "no_such_tool") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestExecuteDenied(t *testing.T) {
	x, reg, sessions := newTestExecutor(t, fixedChecker{result: ResultDeny, reason: "outside workspace"})
	reg.Register(ActionExecute, echoTool())

	res := x.Execute(context.Background(), DefaultAgentID, 1, Action{Type: ActionExecute, Payload: "rm x"})
	if res.Status != ActionDenied {
		t.Fatalf("status = %s, want denied", res.Status)
	}
	if res.Output != "outside workspace" {
		t.Errorf("output = %q", res.Output)
	}

	// The denial is still recorded in the session.
	a, _ := sessions.Agent(DefaultAgentID)
	msgs := a.Session().Messages()
	if len(msgs) != 1 || msgs[0].Category != CategoryToolResult {
		t.Errorf("session = %+v, want one tool result", msgs)
	}
}

func TestExecuteAskWithoutApprovalsDenies(t *testing.T) {
	x, reg, _ := newTestExecutor(t, fixedChecker{result: ResultAsk, reason: "sensitive"})
	reg.Register(ActionExecute, echoTool())

	res := x.Execute(context.Background(), DefaultAgentID, 1, Action{Type: ActionExecute, Payload: "cat .env"})
	if res.Status != ActionDenied {
		t.Errorf("status = %s, want denied when no approval manager is wired", res.Status)
	}
}

func TestExecuteAskApproved(t *testing.T) {
	approvals := NewApprovalManager()
	x, reg, _ := newTestExecutor(t, fixedChecker{result: ResultAsk, reason: "sensitive"}, WithApprovals(approvals))
	reg.Register(ActionExecute, echoTool())

	go func() {
		for {
			if pending := approvals.Pending(); len(pending) == 1 {
				approvals.Approve(pending[0].ID)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	res := x.Execute(context.Background(), DefaultAgentID, 1, Action{Type: ActionExecute, Payload: "cat .env"})
	if res.Status != ActionCompleted {
		t.Fatalf("status = %s, want completed after approval", res.Status)
	}
	if res.Output != "ran: cat .env" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestExecuteAskDenied(t *testing.T) {
	approvals := NewApprovalManager()
	x, reg, _ := newTestExecutor(t, fixedChecker{result: ResultAsk, reason: "sensitive"}, WithApprovals(approvals))
	reg.Register(ActionExecute, echoTool())

	go func() {
		for {
			if pending := approvals.Pending(); len(pending) == 1 {
				approvals.Deny(pending[0].ID)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	res := x.Execute(context.Background(), DefaultAgentID, 1, Action{Type: ActionExecute, Payload: "cat .env"})
	if res.Status != ActionDenied {
		t.Errorf("status = %s, want denied", res.Status)
	}
}

func TestExecuteWaitingHook(t *testing.T) {
	approvals := NewApprovalManager()
	var transitions []bool
	x, reg, _ := newTestExecutor(t, fixedChecker{result: ResultAsk},
		WithApprovals(approvals),
		WithWaitingHook(func(waiting bool) { transitions = append(transitions, waiting) }))
	reg.Register(ActionExecute, echoTool())

	go func() {
		for {
			if pending := approvals.Pending(); len(pending) == 1 {
				approvals.Approve(pending[0].ID)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	x.Execute(context.Background(), DefaultAgentID, 1, Action{Type: ActionExecute, Payload: "x"})
	if len(transitions) != 2 || !transitions[0] || transitions[1] {
		t.Errorf("waiting transitions = %v, want [true false]", transitions)
	}
}

func TestExecuteAppliesAgentPolicy(t *testing.T) {
	enf := NewEnforcer(ModeFull)
	x, reg, sessions := newTestExecutor(t, enf)
	reg.Register(ActionExecute, echoTool())

	scoped, err := sessions.EnsureAgent("restricted", "limited helper")
	if err != nil {
		t.Fatalf("EnsureAgent: %v", err)
	}
	scoped.Policy = &AgentPolicy{AllowedOperations: []string{"filesystem.read"}}

	res := x.Execute(context.Background(), "restricted", 1, Action{Type: ActionExecute, Payload: "ls"})
	if res.Status != ActionDenied {
		t.Fatalf("status = %s, want denied by the agent's operation allowlist", res.Status)
	}
	if !strings.Contains(res.Output, "allowlist") {
		t.Errorf("output = %q", res.Output)
	}

	// The default agent carries no policy and goes through unscoped.
	res = x.Execute(context.Background(), DefaultAgentID, 1, Action{Type: ActionExecute, Payload: "ls"})
	if res.Status != ActionCompleted {
		t.Errorf("default agent status = %s, want completed", res.Status)
	}
}

func TestExecuteBadPayload(t *testing.T) {
	x, reg, _ := newTestExecutor(t, fixedChecker{result: ResultAllow})
	reg.Register(ActionReadFile, ToolSpec{
		RequiredOperations: []string{"filesystem.read"},
		ExtractResource:    extractPath,
		Handler:            func(context.Context, string) (string, error) { return "", nil },
	})

	res := x.Execute(context.Background(), DefaultAgentID, 1, Action{Type: ActionReadFile, Payload: "not json"})
	if res.Status != ActionError {
		t.Errorf("status = %s, want error for malformed payload", res.Status)
	}
}

func TestExecutePanicRecovered(t *testing.T) {
	x, reg, _ := newTestExecutor(t, fixedChecker{result: ResultAllow})
	reg.Register(ActionExecute, ToolSpec{
		RequiredOperations: []string{"process.execute"},
		Handler: func(context.Context, string) (string, error) {
			panic("tool blew up")
		},
	})

	res := x.Execute(context.Background(), DefaultAgentID, 1, Action{Type: ActionExecute, Payload: "x"})
	if res.Status != ActionError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if !strings.Contains(res.Output, "panic") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestExecuteTimeoutInterrupts(t *testing.T) {
	x, reg, _ := newTestExecutor(t, fixedChecker{result: ResultAllow})
	reg.Register(ActionExecute, ToolSpec{
		RequiredOperations: []string{"process.execute"},
		Timeout:            10 * time.Millisecond,
		Handler: func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})

	res := x.Execute(context.Background(), DefaultAgentID, 1, Action{Type: ActionExecute, Payload: "sleep"})
	if res.Status != ActionError {
		t.Errorf("status = %s, want error on per-tool timeout", res.Status)
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	got := truncateRunes(strings.Repeat("x", 30), 10)
	if len([]rune(got)) != 11 || !strings.HasSuffix(got, "…") {
		t.Errorf("got %q, want 10 runes plus ellipsis", got)
	}
}

func TestExtractDiffPath(t *testing.T) {
	tests := []struct {
		name    string
		diff    string
		want    string
		wantErr bool
	}{
		{"b prefix stripped", "--- a/pkg/x.go\n+++ b/pkg/x.go\n@@ -1 +1 @@", "pkg/x.go", false},
		{"dev null skipped", "--- a/x\n+++ /dev/null\n+++ b/real.go\n", "real.go", false},
		{"no header", "just some text", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractDiffPath(tt.diff)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegisterBuiltinExtractors(t *testing.T) {
	reg := NewRegistry()
	noop := func(context.Context, string) (string, error) { return "", nil }
	RegisterBuiltinExtractors(reg, map[ActionType]ToolHandler{
		ActionExecute:   noop,
		ActionReadFile:  noop,
		ActionApplyDiff: noop,
	})

	spec, ok := reg.Resolve(ActionApplyDiff)
	if !ok {
		t.Fatal("apply_diff not registered")
	}
	if len(spec.RequiredOperations) != 2 {
		t.Errorf("apply_diff operations = %v, want read and write", spec.RequiredOperations)
	}
	if _, ok := reg.Resolve(ActionWriteToFile); ok {
		t.Error("write_to_file registered without a handler")
	}
}

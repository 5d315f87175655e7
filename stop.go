package penguin

import (
	"context"
	"time"
)

// StopCondition is a pluggable loop predicate. The engine evaluates
// every condition after each LLM step; the first truthy one ends the
// loop.
type StopCondition interface {
	// Name identifies the condition in logs and run results.
	Name() string
	// ShouldStop reports whether the loop should end now.
	ShouldStop(ctx context.Context, st LoopState) bool
}

// LoopState is the engine state a stop condition may inspect.
type LoopState struct {
	AgentID   string
	Iteration int
	StartedAt time.Time
	Window    *ContextWindow
	Usage     Usage
}

// TokenBudgetStop ends the loop when the active agent's context window
// reports over budget.
type TokenBudgetStop struct{}

func (TokenBudgetStop) Name() string { return "token_budget" }

func (TokenBudgetStop) ShouldStop(_ context.Context, st LoopState) bool {
	return st.Window != nil && st.Window.IsOverBudget()
}

// WallClockStop ends the loop after a fixed duration.
type WallClockStop struct {
	Limit time.Duration
}

func (WallClockStop) Name() string { return "wall_clock" }

// ShouldStop reports whether the limit has elapsed. A zero limit stops
// on the first check.
func (s WallClockStop) ShouldStop(_ context.Context, st LoopState) bool {
	return time.Since(st.StartedAt) >= s.Limit
}

// CallbackStop delegates to an external predicate.
type CallbackStop struct {
	ConditionName string
	Fn            func(ctx context.Context, st LoopState) bool
}

func (s CallbackStop) Name() string {
	if s.ConditionName != "" {
		return s.ConditionName
	}
	return "callback"
}

func (s CallbackStop) ShouldStop(ctx context.Context, st LoopState) bool {
	return s.Fn != nil && s.Fn(ctx, st)
}

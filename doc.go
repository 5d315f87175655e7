// Package penguin is an embeddable agent runtime core for Go.
//
// It provides the pieces an agent application wires together: a reasoning
// engine that interleaves LLM completions with tool execution, a
// category-budgeted conversation model, a permission policy chain with
// human approvals, priority pub/sub, structured inter-agent messaging,
// and a durable four-phase task workflow backend.
//
// # Quick Start
//
// Create a runtime with a provider and ask it something:
//
//	cfg := penguin.LoadConfig("penguin.toml")
//	rt, err := penguin.NewRuntime(cfg,
//		penguin.WithModel("gpt-4o", provider),
//		penguin.WithSessionPersistence(sqlite.New("penguin.db")),
//		penguin.WithToolHandlers(handlers),
//	)
//	if err != nil {
//		return err
//	}
//	defer rt.Close(ctx)
//
//	answer, err := rt.Chat(ctx, "Summarize the failing tests.")
//
// # Core Interfaces
//
// The root package defines the contracts that components implement:
//
//   - [Provider] — LLM backend (completion, streaming, optional tool calls)
//   - [SessionCoordinator] — agent/session mapping and message appends
//   - [Policy] — one link in the permission chain
//   - [StopCondition] — pluggable reasoning-loop predicate
//   - [SessionStore], [WorkflowStore] — persistence seams
//   - [Estimator] — token counting for context windows
//
// # Included Implementations
//
// Storage: store/sqlite (sessions, workflow state, context snapshots).
// Token counting: tokenizer (tiktoken encodings).
// Telemetry: observer (OpenTelemetry tracer and counters behind the
// local [Tracer] seam).
package penguin

package observer

import (
	"context"
	"time"

	penguin "github.com/penguin-agent/penguin"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attach subscribes the instruments to a runtime event bus so provider
// calls, task iterations, tool executions, permission denials, and
// workflow transitions are recorded without touching the hot path.
// Returns the subscription tokens for teardown.
func (inst *Instruments) Attach(bus *penguin.EventBus) []penguin.Subscription {
	subs := []penguin.Subscription{
		bus.Subscribe(penguin.LLMEventName, func(ctx context.Context, payload any) {
			ev, ok := payload.(penguin.LLMEvent)
			if !ok {
				return
			}
			inst.recordLLMCall(ctx, ev)
		}),
		bus.Subscribe(penguin.TaskEventName, func(ctx context.Context, payload any) {
			ev, ok := payload.(penguin.TaskEvent)
			if !ok {
				return
			}
			if ev.Kind == penguin.TaskProgressed {
				inst.EngineIterations.Add(ctx, 1,
					metric.WithAttributes(attribute.String("agent", ev.AgentID)))
			}
		}),
		bus.Subscribe(penguin.WireEventName, func(ctx context.Context, payload any) {
			ev, ok := payload.(penguin.WireEvent)
			if !ok || ev.Type != penguin.EventTool {
				return
			}
			if phase, _ := ev.Properties["phase"].(string); phase != "end" {
				return
			}
			var attrs []attribute.KeyValue
			if part, ok := ev.Properties["part"].(penguin.PartInfo); ok {
				attrs = append(attrs,
					attribute.String("tool", part.Tool),
					attribute.String("status", part.Status))
			}
			inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
			if ms, ok := ev.Properties["duration_ms"].(float64); ok {
				inst.ToolDuration.Record(ctx, ms, metric.WithAttributes(attrs...))
			}
		}),
		bus.Subscribe(penguin.PermissionEventName, func(ctx context.Context, payload any) {
			check, ok := payload.(penguin.PermissionCheck)
			if !ok || check.Result != penguin.ResultDeny {
				return
			}
			inst.PermissionDenials.Add(ctx, 1,
				metric.WithAttributes(
					attribute.String("operation", check.Operation),
					attribute.String("policy", check.PolicyName)))
		}),
		bus.Subscribe(penguin.WorkflowEventName, func(ctx context.Context, payload any) {
			ev, ok := payload.(penguin.WorkflowEvent)
			if !ok {
				return
			}
			// Duration-carrying events report a finished phase, not a
			// status transition.
			if ev.PhaseDuration > 0 {
				inst.PhaseDuration.Record(ctx,
					float64(ev.PhaseDuration)/float64(time.Millisecond),
					metric.WithAttributes(attribute.String("phase", string(ev.Phase))))
				return
			}
			inst.WorkflowTransitions.Add(ctx, 1,
				metric.WithAttributes(
					attribute.String("status", string(ev.Status)),
					attribute.String("phase", string(ev.Phase))))
		}),
	}
	return subs
}

// recordLLMCall feeds one provider round trip into the request counter,
// the token counters, and the latency histogram.
func (inst *Instruments) recordLLMCall(ctx context.Context, ev penguin.LLMEvent) {
	outcome := "ok"
	if ev.Err != "" {
		outcome = "error"
	}
	providerAttr := attribute.String("provider", ev.Provider)
	inst.LLMRequests.Add(ctx, 1,
		metric.WithAttributes(providerAttr, attribute.String("outcome", outcome)))
	inst.LLMDuration.Record(ctx, float64(ev.Duration)/float64(time.Millisecond),
		metric.WithAttributes(providerAttr))
	if ev.Usage.InputTokens > 0 {
		inst.TokenUsage.Add(ctx, int64(ev.Usage.InputTokens),
			metric.WithAttributes(providerAttr, attribute.String("kind", "input")))
	}
	if ev.Usage.OutputTokens > 0 {
		inst.TokenUsage.Add(ctx, int64(ev.Usage.OutputTokens),
			metric.WithAttributes(providerAttr, attribute.String("kind", "output")))
	}
}

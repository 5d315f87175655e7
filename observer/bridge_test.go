package observer

import (
	"context"
	"testing"
	"time"

	penguin "github.com/penguin-agent/penguin"

	lognoop "go.opentelemetry.io/otel/log/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// testInstruments builds instruments over a manual reader so the test
// can collect recorded datapoints synchronously.
func testInstruments(t *testing.T) (*Instruments, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	inst, err := newInstruments(
		tracenoop.NewTracerProvider().Tracer(scopeName),
		mp.Meter(scopeName),
		lognoop.NewLoggerProvider().Logger(scopeName),
	)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst, reader
}

// collectSums returns the summed int64 datapoints per metric name.
func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				sums[m.Name] = total
			}
		}
	}
	return sums
}

// collectHistogramCounts returns the datapoint counts per histogram name.
func collectHistogramCounts(t *testing.T, reader *sdkmetric.ManualReader) map[string]uint64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	counts := make(map[string]uint64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if h, ok := m.Data.(metricdata.Histogram[float64]); ok {
				var total uint64
				for _, dp := range h.DataPoints {
					total += dp.Count
				}
				counts[m.Name] = total
			}
		}
	}
	return counts
}

func TestAttachRecordsProviderCalls(t *testing.T) {
	inst, reader := testInstruments(t)
	bus := penguin.NewEventBus()
	inst.Attach(bus)

	bus.Emit(context.Background(), penguin.LLMEventName, penguin.LLMEvent{
		Provider: "scripted",
		Duration: 12 * time.Millisecond,
		Usage:    penguin.Usage{InputTokens: 100, OutputTokens: 40},
	})
	bus.Emit(context.Background(), penguin.LLMEventName, penguin.LLMEvent{
		Provider: "scripted",
		Duration: 3 * time.Millisecond,
		Err:      "timeout",
	})

	sums := collectSums(t, reader)
	if sums["llm.requests"] != 2 {
		t.Errorf("llm.requests = %d, want 2", sums["llm.requests"])
	}
	if sums["llm.token.usage"] != 140 {
		t.Errorf("llm.token.usage = %d, want input + output", sums["llm.token.usage"])
	}
	hists := collectHistogramCounts(t, reader)
	if hists["llm.duration"] != 2 {
		t.Errorf("llm.duration datapoints = %d, want 2", hists["llm.duration"])
	}
}

func TestAttachRecordsToolEnd(t *testing.T) {
	inst, reader := testInstruments(t)
	bus := penguin.NewEventBus()
	inst.Attach(bus)

	bus.Emit(context.Background(), penguin.WireEventName, penguin.WireEvent{
		Type: penguin.EventTool,
		Properties: map[string]any{
			"phase":       "end",
			"duration_ms": 25.0,
			"part":        penguin.PartInfo{Tool: "execute", Status: "completed"},
		},
	})
	// Start-phase events carry no duration and are not counted.
	bus.Emit(context.Background(), penguin.WireEventName, penguin.WireEvent{
		Type:       penguin.EventTool,
		Properties: map[string]any{"phase": "start"},
	})

	sums := collectSums(t, reader)
	if sums["tool.executions"] != 1 {
		t.Errorf("tool.executions = %d, want 1", sums["tool.executions"])
	}
	hists := collectHistogramCounts(t, reader)
	if hists["tool.duration"] != 1 {
		t.Errorf("tool.duration datapoints = %d, want 1", hists["tool.duration"])
	}
}

func TestAttachRecordsPermissionDenials(t *testing.T) {
	inst, reader := testInstruments(t)
	bus := penguin.NewEventBus()
	inst.Attach(bus)

	bus.Emit(context.Background(), penguin.PermissionEventName, penguin.PermissionCheck{
		Operation: "filesystem.write",
		Result:    penguin.ResultDeny,
	})
	bus.Emit(context.Background(), penguin.PermissionEventName, penguin.PermissionCheck{
		Operation: "filesystem.read",
		Result:    penguin.ResultAllow,
	})

	sums := collectSums(t, reader)
	if sums["permission.denials"] != 1 {
		t.Errorf("permission.denials = %d, want only the DENY counted", sums["permission.denials"])
	}
}

func TestAttachSplitsWorkflowEvents(t *testing.T) {
	inst, reader := testInstruments(t)
	bus := penguin.NewEventBus()
	inst.Attach(bus)

	bus.Emit(context.Background(), penguin.WorkflowEventName, penguin.WorkflowEvent{
		WorkflowID: "w1", Status: penguin.WorkflowRunning, Phase: penguin.PhaseImplement,
	})
	bus.Emit(context.Background(), penguin.WorkflowEventName, penguin.WorkflowEvent{
		WorkflowID: "w1", Status: penguin.WorkflowRunning, Phase: penguin.PhaseImplement,
		PhaseDuration: 80 * time.Millisecond,
	})

	sums := collectSums(t, reader)
	if sums["workflow.transitions"] != 1 {
		t.Errorf("workflow.transitions = %d, want the duration event excluded", sums["workflow.transitions"])
	}
	hists := collectHistogramCounts(t, reader)
	if hists["workflow.phase.duration"] != 1 {
		t.Errorf("workflow.phase.duration datapoints = %d, want 1", hists["workflow.phase.duration"])
	}
}

func TestAttachRecordsEngineIterations(t *testing.T) {
	inst, reader := testInstruments(t)
	bus := penguin.NewEventBus()
	inst.Attach(bus)

	bus.Emit(context.Background(), penguin.TaskEventName, penguin.TaskEvent{
		Kind: penguin.TaskProgressed, AgentID: "default", Iteration: 1,
	})
	bus.Emit(context.Background(), penguin.TaskEventName, penguin.TaskEvent{
		Kind: penguin.TaskStarted, AgentID: "default",
	})

	sums := collectSums(t, reader)
	if sums["engine.iterations"] != 1 {
		t.Errorf("engine.iterations = %d, want only progressed events", sums["engine.iterations"])
	}
}

package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func counterTotal(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", name, met.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestRecordToolCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "create_event", "ok", 0.12)
	m.RecordToolCall(ctx, "create_event", "ok", 0.3)
	m.RecordToolCall(ctx, "delete_event", "error", 1.1)

	rm := collect(t, reader)
	if got := counterTotal(t, rm, "chronoxa.tool.calls", "tool", "create_event"); got != 2 {
		t.Errorf("create_event calls = %d, want 2", got)
	}
	if got := counterTotal(t, rm, "chronoxa.tool.calls", "status", "error"); got != 1 {
		t.Errorf("error calls = %d, want 1", got)
	}

	met := findMetric(rm, "chronoxa.gateway.duration")
	if met == nil {
		t.Fatal("gateway duration not found")
	}
	var samples uint64
	for _, dp := range met.Data.(metricdata.Histogram[float64]).DataPoints {
		samples += dp.Count
	}
	if samples != 3 {
		t.Errorf("gateway duration samples = %d, want 3", samples)
	}
}

func TestDecisionCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordConfirmation(ctx, "confirm")
	m.RecordConfirmation(ctx, "entity-pick")
	m.RecordLedgerDecision(ctx, "replay")
	m.RecordLedgerDecision(ctx, "replay")
	m.RecordHeadless(ctx, "created")
	m.RecordProviderRequest(ctx, "openai", "ok")
	m.RecordProviderError(ctx, "openai", "timeout")

	rm := collect(t, reader)
	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"chronoxa.confirmations", "kind", "confirm", 1},
		{"chronoxa.confirmations", "kind", "entity-pick", 1},
		{"chronoxa.ledger.decisions", "outcome", "replay", 2},
		{"chronoxa.headless.requests", "outcome", "created", 1},
		{"chronoxa.provider.requests", "provider", "openai", 1},
		{"chronoxa.provider.errors", "kind", "timeout", 1},
	}
	for _, tc := range tests {
		if got := counterTotal(t, rm, tc.metric, tc.key, tc.value); got != tc.want {
			t.Errorf("%s{%s=%s} = %d, want %d", tc.metric, tc.key, tc.value, got, tc.want)
		}
	}
}

func TestOrchestratorRounds(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.OrchestratorRounds.Record(context.Background(), 3)

	met := findMetric(collect(t, reader), "chronoxa.orchestrator.rounds")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[int64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Sum != 3 {
		t.Errorf("unexpected rounds data %+v", met.Data)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}

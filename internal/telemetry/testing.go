package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans and metrics in memory. Its providers are not
// installed globally, so tests hand its Tracer to the code under test.
type TestTelemetry struct {
	*Telemetry
	Recorder *tracetest.SpanRecorder
	reader   *sdkmetric.ManualReader
}

func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	rec := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	return &TestTelemetry{
		Telemetry: &Telemetry{
			cfg: cfg,
			tp:  trace.NewTracerProvider(trace.WithSpanProcessor(rec)),
			mp:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		},
		Recorder: rec,
		reader:   reader,
	}
}

// SpanByName returns the first ended span called name.
func (tt *TestTelemetry) SpanByName(name string) trace.ReadOnlySpan {
	for _, s := range tt.Recorder.Ended() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// AssertSpanAttribute fails tb unless the named span carries key=want.
// Integer attributes compare as int64.
func (tt *TestTelemetry) AssertSpanAttribute(tb testing.TB, span, key string, want any) {
	tb.Helper()
	s := tt.SpanByName(span)
	if s == nil {
		var names []string
		for _, e := range tt.Recorder.Ended() {
			names = append(names, e.Name())
		}
		tb.Fatalf("span %q not recorded; have %v", span, names)
		return
	}
	for _, kv := range s.Attributes() {
		if kv.Key != attribute.Key(key) {
			continue
		}
		if got := kv.Value.AsInterface(); got != want {
			tb.Errorf("span %q attribute %q = %v (%T), want %v (%T)", span, key, got, got, want, want)
		}
		return
	}
	tb.Errorf("span %q has no attribute %q", span, key)
}

// Int64Sum totals the data points of an int64 counter.
func (tt *TestTelemetry) Int64Sum(ctx context.Context, name string) (int64, bool) {
	var rm metricdata.ResourceMetrics
	if err := tt.reader.Collect(ctx, &rm); err != nil {
		return 0, false
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				return 0, false
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total, true
		}
	}
	return 0, false
}

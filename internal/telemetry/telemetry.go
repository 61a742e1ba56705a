package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Telemetry owns the process tracer and meter providers. When a provider
// cannot be built the daemon keeps running on the global no-op providers
// and Health reports why.
type Telemetry struct {
	cfg *Config

	tp *trace.TracerProvider
	mp *sdkmetric.MeterProvider
	lp log.LoggerProvider

	mu     sync.Mutex
	closed bool
	reason string
}

// HealthStatus is served by the ops health endpoint. A degraded instance is
// still healthy; the daemon runs without export.
type HealthStatus struct {
	Healthy  bool   `json:"healthy"`
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
}

// Option customizes New.
type Option func(*Telemetry, *options)

type options struct {
	spanExporter trace.SpanExporter
}

// WithSpanExporter replaces the OTLP span exporter.
func WithSpanExporter(exp trace.SpanExporter) Option {
	return func(_ *Telemetry, o *options) { o.spanExporter = exp }
}

// WithLoggerProvider hands a log provider to the zap OTEL bridge.
func WithLoggerProvider(lp log.LoggerProvider) Option {
	return func(t *Telemetry, _ *options) { t.lp = lp }
}

// New validates cfg and, when enabled, installs its providers globally.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	t := &Telemetry{cfg: cfg}
	var o options
	for _, opt := range opts {
		opt(t, &o)
	}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)
	if tp, err := newTracerProvider(ctx, cfg, res, o.spanExporter); err != nil {
		t.degrade(err)
	} else {
		t.tp = tp
		otel.SetTracerProvider(tp)
	}
	if cfg.MetricInterval > 0 {
		if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
			t.degrade(err)
		} else {
			t.mp = mp
			otel.SetMeterProvider(mp)
		}
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	return t, nil
}

// Tracer falls back to the global provider when tracing is off.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tp == nil {
		return otel.Tracer(name, opts...)
	}
	return t.tp.Tracer(name, opts...)
}

// Meter falls back to the global provider when metric export is off.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.mp == nil {
		return otel.Meter(name, opts...)
	}
	return t.mp.Meter(name, opts...)
}

// LoggerProvider is nil unless one was supplied with WithLoggerProvider.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil {
		return nil
	}
	return t.lp
}

// Shutdown flushes and stops the providers. Without a deadline on ctx the
// configured shutdown timeout applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownTimeout)
		defer cancel()
	}
	var errs []error
	if t.tp != nil {
		if err := t.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider: %w", err))
		}
	}
	if t.mp != nil {
		if err := t.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Health is nil-safe; a nil instance reports unhealthy.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Degraded: true, Reason: "telemetry not initialized"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return HealthStatus{Reason: "shut down"}
	case t.reason != "":
		return HealthStatus{Healthy: true, Degraded: true, Reason: t.reason}
	default:
		return HealthStatus{Healthy: true}
	}
}

// degrade records a provider failure; the latest one wins.
func (t *Telemetry) degrade(err error) {
	t.mu.Lock()
	t.reason = err.Error()
	t.mu.Unlock()
}

package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/fyrsmithlabs/voxchain/internal/embeddings"

// Metrics records embedding calls. Instruments that fail to register stay
// nil and are skipped.
type Metrics struct {
	calls   metric.Int64Counter
	latency metric.Float64Histogram
	texts   metric.Int64Histogram
}

// NewMetrics registers instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(meterName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	var m Metrics
	var err error
	if m.calls, err = meter.Int64Counter("voxchain.embedding.calls_total",
		metric.WithDescription("Embedding calls by model, operation and outcome."),
		metric.WithUnit("{call}")); err != nil {
		logger.Warn("registering embedding call counter", zap.Error(err))
	}
	if m.latency, err = meter.Float64Histogram("voxchain.embedding.latency_seconds",
		metric.WithDescription("Embedding call latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)); err != nil {
		logger.Warn("registering embedding latency histogram", zap.Error(err))
	}
	if m.texts, err = meter.Int64Histogram("voxchain.embedding.texts_per_call",
		metric.WithDescription("Texts embedded per call. Template indexing sends whole batches."),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 4, 16, 64, 256)); err != nil {
		logger.Warn("registering embedding batch histogram", zap.Error(err))
	}
	return &m
}

// RecordGeneration records one call to the embedding endpoint.
func (m *Metrics) RecordGeneration(ctx context.Context, model, operation string, took time.Duration, texts int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
	)
	if m.calls != nil {
		m.calls.Add(ctx, 1, attrs, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if m.latency != nil {
		m.latency.Record(ctx, took.Seconds(), attrs)
	}
	if m.texts != nil && texts > 0 {
		m.texts.Record(ctx, int64(texts), attrs)
	}
}

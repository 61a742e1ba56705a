package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/fyrsmithlabs/voxchain/internal/http"

// HTTPMetrics records ops server traffic as OpenTelemetry instruments.
type HTTPMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	bytes    metric.Int64Histogram
	inflight metric.Int64UpDownCounter
}

// NewHTTPMetrics registers instruments on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	return newHTTPMetrics(otel.Meter(meterName), logger)
}

func newHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	var m HTTPMetrics
	var err error
	if m.requests, err = meter.Int64Counter("voxchain.http.requests_total",
		metric.WithDescription("Ops requests by method, route and status."),
		metric.WithUnit("{request}")); err != nil {
		logger.Warn("registering http request counter", zap.Error(err))
	}
	if m.latency, err = meter.Float64Histogram("voxchain.http.request_duration_seconds",
		metric.WithDescription("Ops request latency by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.5, 1, 5)); err != nil {
		logger.Warn("registering http latency histogram", zap.Error(err))
	}
	if m.bytes, err = meter.Int64Histogram("voxchain.http.response_size_bytes",
		metric.WithDescription("Response body size. Audio downloads fill the upper buckets."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(256, 4096, 65536, 524288, 4194304)); err != nil {
		logger.Warn("registering http size histogram", zap.Error(err))
	}
	if m.inflight, err = meter.Int64UpDownCounter("voxchain.http.active_requests",
		metric.WithDescription("Requests currently being served."),
		metric.WithUnit("{request}")); err != nil {
		logger.Warn("registering http inflight gauge", zap.Error(err))
	}
	return &m
}

// MetricsMiddleware records each request against its route pattern.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inflight != nil {
				m.inflight.Add(ctx, 1)
				defer m.inflight.Add(ctx, -1)
			}

			err := next(c)

			res := c.Response()
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", routeLabel(c.Path())),
				attribute.Int("status", res.Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.bytes != nil {
				m.bytes.Record(ctx, res.Size, attrs)
			}
			return err
		}
	}
}

// routeLabel folds unrouted requests into "/" so stray paths do not create
// series. Routed requests report their pattern, e.g. /audio*.
func routeLabel(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

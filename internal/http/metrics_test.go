package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func TestMetricsMiddleware_RecordsRoutes(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	m := newHTTPMetrics(mp.Meter(meterName), nil)

	srv, err := NewServer(zap.NewNop(), &Config{AudioDir: t.TempDir()}, WithHTTPMetrics(m))
	require.NoError(t, err)

	for _, path := range []string{"/health", "/health", "/audio/missing.mp3"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	requests := map[string]int64{}
	var durations uint64
	var sizes bool
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch md.Name {
			case "voxchain.http.requests_total":
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					endpoint, _ := dp.Attributes.Value("endpoint")
					requests[endpoint.AsString()] += dp.Value
				}
			case "voxchain.http.request_duration_seconds":
				hist, ok := md.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				for _, dp := range hist.DataPoints {
					durations += dp.Count
				}
			case "voxchain.http.response_size_bytes":
				sizes = true
			}
		}
	}

	assert.Equal(t, int64(2), requests["/health"])
	assert.Equal(t, int64(1), requests["/audio*"])
	assert.Equal(t, uint64(3), durations)
	assert.True(t, sizes, "response size histogram not found")
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/", routeLabel(""))
	assert.Equal(t, "/audio*", routeLabel("/audio*"))
}

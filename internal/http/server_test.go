package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/voxchain/internal/resilience"
)

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("requires logger", func(t *testing.T) {
		_, err := NewServer(nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("defaults", func(t *testing.T) {
		srv, err := NewServer(zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost:9090", srv.Addr())
		assert.Equal(t, 10*time.Second, srv.config.ShutdownTimeout)
	})
}

func TestHealth(t *testing.T) {
	t.Run("no checks", func(t *testing.T) {
		srv, err := NewServer(zap.NewNop(), nil)
		require.NoError(t, err)

		rec := get(t, srv, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("failing component", func(t *testing.T) {
		srv, err := NewServer(zap.NewNop(), nil,
			WithHealthCheck("store", func(context.Context) error { return nil }),
			WithHealthCheck("nats", func(context.Context) error { return errors.New("nats: connection closed") }),
		)
		require.NoError(t, err)

		rec := get(t, srv, "/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, map[string]string{"store": "ok", "nats": "nats: connection closed"}, resp.Components)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	gov, err := resilience.NewGovernor(resilience.DefaultConfig(), zap.NewNop(),
		resilience.WithMetrics(resilience.NewMetrics(reg)))
	require.NoError(t, err)
	defer gov.Close()

	permit, err := gov.Acquire(context.Background(), resilience.TTS)
	require.NoError(t, err)
	permit.Done(nil)

	srv, err := NewServer(zap.NewNop(), nil, WithGatherer(reg))
	require.NoError(t, err)

	rec := get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `voxchain_governor_admissions_total{dependency="tts",outcome="accepted"} 1`)
}

func TestGovernorSnapshot(t *testing.T) {
	gov, err := resilience.NewGovernor(resilience.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	defer gov.Close()

	srv, err := NewServer(zap.NewNop(), nil, WithGovernor(gov))
	require.NoError(t, err)

	rec := get(t, srv, "/debug/governor")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp GovernorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Units, 3)
	assert.Equal(t, resilience.ASR, resp.Units[0].Dependency)
	assert.Equal(t, resilience.LLM, resp.Units[1].Dependency)
	assert.Equal(t, resilience.TTS, resp.Units[2].Dependency)
	assert.Equal(t, "closed", resp.Units[2].BreakerState)

	noGov, err := NewServer(zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, get(t, noGov, "/debug/governor").Code)
}

func TestAudioFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reply_1.mp3"), []byte("ID3audio"), 0o644))

	srv, err := NewServer(zap.NewNop(), &Config{AudioDir: dir})
	require.NoError(t, err)

	rec := get(t, srv, "/audio/reply_1.mp3")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ID3audio", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/audio/missing.mp3").Code)
}

func TestRequestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	srv, err := NewServer(zap.New(core), nil)
	require.NoError(t, err)

	rec := get(t, srv, "/health")
	requestID := rec.Header().Get("X-Request-Id")
	require.NotEmpty(t, requestID)

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, requestID, fields["request.id"])
	assert.Equal(t, "/health", fields["uri"])
	assert.Equal(t, int64(http.StatusOK), fields["status"])
}

func TestRun_StopsOnCancel(t *testing.T) {
	srv, err := NewServer(zap.NewNop(), &Config{Host: "127.0.0.1", Port: 0, ShutdownTimeout: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

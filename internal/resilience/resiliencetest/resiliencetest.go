// Package resiliencetest provides governors tuned for tests: generous
// admission and millisecond retries.
package resiliencetest

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/voxchain/internal/resilience"
)

// Config returns a governor config with fast retries for every dependency.
func Config() resilience.Config {
	unit := resilience.UnitConfig{
		Breaker: resilience.BreakerConfig{
			FailureRateThreshold: 0.5,
			WindowSize:           20,
			MinimumCalls:         10,
			OpenTimeout:          time.Hour,
			HalfOpenCalls:        2,
		},
		BulkheadLimit:   10,
		BulkheadMaxWait: 50 * time.Millisecond,
		LimitPerPeriod:  100,
		RefreshPeriod:   time.Second,
		LimiterTimeout:  50 * time.Millisecond,
		Retry: resilience.RetryConfig{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2,
			Jitter:          0.5,
		},
	}
	units := make(map[resilience.Dependency]resilience.UnitConfig)
	for _, dep := range resilience.AllDependencies() {
		units[dep] = unit
	}
	return resilience.Config{Ceiling: 100, Units: units}
}

// NewGovernor builds a governor from Config on a private registry and
// closes it when the test ends.
func NewGovernor(t testing.TB) *resilience.Governor {
	t.Helper()
	g, err := resilience.NewGovernor(Config(), zap.NewNop(),
		resilience.WithMetrics(resilience.NewMetrics(prometheus.NewRegistry())))
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

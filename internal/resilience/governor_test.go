package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/voxchain/internal/apperr"
)

// fastConfig keeps admission generous and retries quick.
func fastConfig() Config {
	unit := UnitConfig{
		Breaker: BreakerConfig{
			FailureRateThreshold: 0.5,
			WindowSize:           10,
			MinimumCalls:         4,
			OpenTimeout:          time.Hour,
			HalfOpenCalls:        2,
		},
		BulkheadLimit:   2,
		BulkheadMaxWait: 10 * time.Millisecond,
		LimitPerPeriod:  50,
		RefreshPeriod:   time.Hour,
		LimiterTimeout:  10 * time.Millisecond,
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2,
			Jitter:          0.5,
		},
	}
	return Config{
		Ceiling: 100,
		Units:   map[Dependency]UnitConfig{ASR: unit, TTS: unit, LLM: unit},
	}
}

func newTestGovernor(t *testing.T, cfg Config) *Governor {
	t.Helper()
	g, err := NewGovernor(cfg, zap.NewNop(), WithMetrics(NewMetrics(prometheus.NewRegistry())))
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Units[ASR].BulkheadLimit)
	assert.Equal(t, 50, cfg.Units[LLM].BulkheadLimit)
	assert.Equal(t, 20, cfg.Units[TTS].LimitPerPeriod)
	assert.Equal(t, 3, cfg.Units[ASR].Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Units[LLM].Retry.MaxAttempts)
}

func TestConfig_ValidateRejectsBadValues(t *testing.T) {
	cfg := fastConfig()
	u := cfg.Units[LLM]
	u.BulkheadLimit = 0
	cfg.Units[LLM] = u
	assert.Error(t, cfg.Validate())

	cfg = fastConfig()
	cfg.Ceiling = 0
	assert.Error(t, cfg.Validate())
}

func TestGovernor_AcquireAndDone(t *testing.T) {
	g := newTestGovernor(t, fastConfig())

	p, err := g.Acquire(context.Background(), LLM)
	require.NoError(t, err)

	u, _ := g.Unit(LLM)
	assert.Equal(t, 1, u.Settings().BulkheadInUse)
	assert.Equal(t, int64(1), u.Settings().Accepted)

	p.Done(nil)
	p.Done(errors.New("second call is ignored"))
	assert.Equal(t, 0, u.Settings().BulkheadInUse)
}

func TestGovernor_UnknownDependency(t *testing.T) {
	g := newTestGovernor(t, fastConfig())
	_, err := g.Acquire(context.Background(), Dependency("ocr"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestGovernor_BulkheadRejection(t *testing.T) {
	g := newTestGovernor(t, fastConfig())
	ctx := context.Background()

	p1, err := g.Acquire(ctx, ASR)
	require.NoError(t, err)
	p2, err := g.Acquire(ctx, ASR)
	require.NoError(t, err)

	_, err = g.Acquire(ctx, ASR)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrDependencyRejected)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, StageBulkhead, rej.Stage)

	u, _ := g.Unit(ASR)
	assert.Equal(t, int64(1), u.Settings().Rejections)

	p1.Done(nil)
	p2.Done(nil)
}

func TestGovernor_LimiterRejectionReleasesBulkhead(t *testing.T) {
	cfg := fastConfig()
	u := cfg.Units[TTS]
	u.LimitPerPeriod = 1
	cfg.Units[TTS] = u
	g := newTestGovernor(t, cfg)
	ctx := context.Background()

	p, err := g.Acquire(ctx, TTS)
	require.NoError(t, err)
	p.Done(nil)

	_, err = g.Acquire(ctx, TTS)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, StageLimiter, rej.Stage)

	unit, _ := g.Unit(TTS)
	assert.Equal(t, 0, unit.Settings().BulkheadInUse, "bulkhead slot must not leak on limiter denial")
}

func TestGovernor_BreakerRejectionSkipsLaterStages(t *testing.T) {
	g := newTestGovernor(t, fastConfig())
	ctx := context.Background()
	boom := apperr.Dependency("llm", errors.New("boom"))

	for i := 0; i < 4; i++ {
		p, err := g.Acquire(ctx, LLM)
		require.NoError(t, err)
		p.Done(boom)
	}

	u, _ := g.Unit(LLM)
	tokensBefore := u.limiter.Tokens()

	_, err := g.Acquire(ctx, LLM)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, StageBreaker, rej.Stage)
	assert.Equal(t, tokensBefore, u.limiter.Tokens(), "limiter tokens must not be consumed")
	assert.Equal(t, 0, u.Settings().BulkheadInUse)
	assert.Equal(t, "open", u.Settings().BreakerState)
}

func TestGovernor_ValidationErrorsDoNotTripBreaker(t *testing.T) {
	g := newTestGovernor(t, fastConfig())
	for i := 0; i < 6; i++ {
		p, err := g.Acquire(context.Background(), LLM)
		require.NoError(t, err)
		p.Done(apperr.Validation("bad prompt"))
	}
	u, _ := g.Unit(LLM)
	assert.Equal(t, StateClosed, u.Breaker().State())
}

func TestGovernor_CancelledContextNotCounted(t *testing.T) {
	cfg := fastConfig()
	u := cfg.Units[ASR]
	u.BulkheadLimit = 1
	u.BulkheadMaxWait = time.Second
	cfg.Units[ASR] = u
	g := newTestGovernor(t, cfg)

	p, err := g.Acquire(context.Background(), ASR)
	require.NoError(t, err)
	defer p.Done(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, ASR)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unit, _ := g.Unit(ASR)
	assert.Zero(t, unit.Settings().Rejections)
}

func TestGovernor_MetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	g, err := NewGovernor(fastConfig(), nil, WithMetrics(m))
	require.NoError(t, err)
	defer g.Close()

	p, err := g.Acquire(context.Background(), LLM)
	require.NoError(t, err)
	p.Done(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissions.WithLabelValues("llm", "accepted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.limits.WithLabelValues("llm", "bulkhead")))
}

func TestGovernor_SnapshotOrdered(t *testing.T) {
	g := newTestGovernor(t, fastConfig())
	snap := g.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []Dependency{ASR, LLM, TTS}, []Dependency{snap[0].Dependency, snap[1].Dependency, snap[2].Dependency})
}

func TestDo_RetriesDependencyFailures(t *testing.T) {
	g := newTestGovernor(t, fastConfig())
	var calls atomic.Int32

	got, err := Do(context.Background(), g, LLM, func(ctx context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("upstream 503")
		}
		return "plan", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "plan", got)
	assert.Equal(t, int32(3), calls.Load())

	u, _ := g.Unit(LLM)
	assert.Equal(t, int64(3), u.Settings().Accepted, "every attempt re-acquires admission")
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	g := newTestGovernor(t, fastConfig())
	var calls atomic.Int32

	_, err := Do(context.Background(), g, TTS, func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 0, errors.New("timeout")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrDependencyFailure)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_ValidationIsPermanent(t *testing.T) {
	g := newTestGovernor(t, fastConfig())
	var calls atomic.Int32

	err := g.Call(context.Background(), ASR, func(ctx context.Context) error {
		calls.Add(1)
		return apperr.Validation("unsupported format")
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_RetriesRejections(t *testing.T) {
	cfg := fastConfig()
	u := cfg.Units[LLM]
	u.BulkheadLimit = 1
	u.BulkheadMaxWait = 0
	cfg.Units[LLM] = u
	g := newTestGovernor(t, cfg)

	held, err := g.Acquire(context.Background(), LLM)
	require.NoError(t, err)
	defer held.Done(nil)

	var calls atomic.Int32
	err = g.Call(context.Background(), LLM, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	assert.ErrorIs(t, err, apperr.ErrDependencyRejected)
	assert.Zero(t, calls.Load())

	unit, _ := g.Unit(LLM)
	assert.Equal(t, int64(3), unit.Settings().Rejections, "each attempt re-runs admission")
}

package resilience

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func quietLoad() LoadSampler {
	return LoadSamplerFunc(func() LoadSample {
		return LoadSample{MemoryPressure: 0.1, ActiveWorkers: 10}
	})
}

func tunerConfig() Config {
	cfg := fastConfig()
	for dep, u := range cfg.Units {
		u.BulkheadLimit = 10
		u.LimitPerPeriod = 20
		u.LimiterTimeout = 300 * time.Millisecond
		cfg.Units[dep] = u
	}
	return cfg
}

func adjustmentFor(t *testing.T, adj []Adjustment, dep Dependency) Adjustment {
	t.Helper()
	for _, a := range adj {
		if a.Dependency == dep {
			return a
		}
	}
	t.Fatalf("no adjustment for %s", dep)
	return Adjustment{}
}

func TestTuner_HighRejectionRatioShrinks(t *testing.T) {
	g := newTestGovernor(t, tunerConfig())
	u, _ := g.Unit(LLM)
	u.rejections.Store(4)
	u.accepted.Store(6)

	tuner := NewTuner(g, quietLoad(), DefaultTunerConfig(), zap.NewNop())
	a := adjustmentFor(t, tuner.Adjust(context.Background()), LLM)

	assert.Equal(t, LoadHigh, a.Load)
	assert.InDelta(t, 0.4, a.RejectionRatio, 1e-9)
	assert.Equal(t, 15, a.After.LimitPerPeriod)
	assert.Equal(t, 9, a.After.BulkheadLimit)
	assert.Equal(t, 200*time.Millisecond, a.After.LimiterTimeout)
	assert.Equal(t, 100*time.Millisecond, a.After.BulkheadMaxWait)

	// Counters reset each cycle.
	assert.Zero(t, u.Settings().Rejections)
	assert.Zero(t, u.Settings().Accepted)
}

func TestTuner_LowLoadGrows(t *testing.T) {
	g := newTestGovernor(t, tunerConfig())
	tuner := NewTuner(g, quietLoad(), DefaultTunerConfig(), zap.NewNop())

	for _, a := range tuner.Adjust(context.Background()) {
		assert.Equal(t, LoadLow, a.Load, a.Dependency)
		assert.Greater(t, a.After.LimitPerPeriod, a.Before.LimitPerPeriod)
		assert.Greater(t, a.After.BulkheadLimit, a.Before.BulkheadLimit)
		assert.Equal(t, 25, a.After.LimitPerPeriod)
		assert.Equal(t, 12, a.After.BulkheadLimit)
		assert.Equal(t, 350*time.Millisecond, a.After.LimiterTimeout)
		assert.Equal(t, 200*time.Millisecond, a.After.BulkheadMaxWait)
	}
}

func TestTuner_SteadyLeavesSettings(t *testing.T) {
	g := newTestGovernor(t, tunerConfig())
	u, _ := g.Unit(ASR)
	u.rejections.Store(2)
	u.accepted.Store(8) // ratio 0.2: neither high nor low

	tuner := NewTuner(g, quietLoad(), DefaultTunerConfig(), zap.NewNop())
	a := adjustmentFor(t, tuner.Adjust(context.Background()), ASR)

	assert.Equal(t, LoadSteady, a.Load)
	assert.Equal(t, a.Before.LimitPerPeriod, a.After.LimitPerPeriod)
	assert.Equal(t, a.Before.BulkheadLimit, a.After.BulkheadLimit)
}

func TestTuner_MemoryPressureIsHigh(t *testing.T) {
	g := newTestGovernor(t, tunerConfig())
	sampler := LoadSamplerFunc(func() LoadSample {
		return LoadSample{MemoryPressure: 0.9, ActiveWorkers: 10}
	})
	tuner := NewTuner(g, sampler, DefaultTunerConfig(), zap.NewNop())
	for _, a := range tuner.Adjust(context.Background()) {
		assert.Equal(t, LoadHigh, a.Load)
	}
}

func TestTuner_RespectsFloorAndCeiling(t *testing.T) {
	cfg := tunerConfig()
	for dep, u := range cfg.Units {
		u.BulkheadLimit = 1
		u.LimitPerPeriod = 3
		cfg.Units[dep] = u
	}
	g := newTestGovernor(t, cfg)
	busy := LoadSamplerFunc(func() LoadSample {
		return LoadSample{MemoryPressure: 0.1, ActiveWorkers: 500}
	})
	tuner := NewTuner(g, busy, DefaultTunerConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		tuner.Adjust(context.Background())
	}
	u, _ := g.Unit(TTS)
	assert.Equal(t, 1, u.Settings().LimitPerPeriod)
	assert.Equal(t, 1, u.Settings().BulkheadLimit)

	tcfg := DefaultTunerConfig()
	up := NewTuner(g, quietLoad(), tcfg, zap.NewNop())
	for i := 0; i < 60; i++ {
		up.Adjust(context.Background())
	}
	s := u.Settings()
	assert.Equal(t, tcfg.Ceiling, s.LimitPerPeriod)
	assert.Equal(t, tcfg.Ceiling, s.BulkheadLimit)
	assert.Equal(t, tcfg.TimeoutMax, s.LimiterTimeout)
}

func TestTuner_StartStop(t *testing.T) {
	g := newTestGovernor(t, tunerConfig())
	cfg := DefaultTunerConfig()
	cfg.Interval = time.Second
	tuner := NewTuner(g, quietLoad(), cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, tuner.Start(ctx))
	assert.Error(t, tuner.Start(ctx), "double start")

	require.Eventually(t, func() bool {
		u, _ := g.Unit(LLM)
		return u.Settings().LimitPerPeriod > 20
	}, 3*time.Second, 50*time.Millisecond)

	tuner.Stop()
	tuner.Stop()
}

func TestRuntimeSampler(t *testing.T) {
	s := RuntimeSampler{Budget: 1 << 40}.Sample()
	assert.GreaterOrEqual(t, s.MemoryPressure, 0.0)
	assert.Less(t, s.MemoryPressure, 0.3)
	assert.Greater(t, s.ActiveWorkers, 0)

	tight := RuntimeSampler{Budget: 1}.Sample()
	assert.Equal(t, 1.0, tight.MemoryPressure)
}

func TestRuntimeSampler_UnknownBudgetIsNoPressure(t *testing.T) {
	if limit := debug.SetMemoryLimit(-1); limit < math.MaxInt64 {
		t.Skip("GOMEMLIMIT is set")
	}
	live := make([]byte, 32<<20)
	for i := range live {
		live[i] = byte(i)
	}
	s := RuntimeSampler{cgroupRoot: t.TempDir()}.Sample()
	runtime.KeepAlive(live)

	assert.Zero(t, s.MemoryPressure)
}

func TestTuner_LargeHeapUnderLargeBudgetIsNotHigh(t *testing.T) {
	live := make([]byte, 256<<20)
	for i := 0; i < len(live); i += 4096 {
		live[i] = 1
	}

	g := newTestGovernor(t, tunerConfig())
	cfg := DefaultTunerConfig()
	cfg.MemoryBudget = 64 << 30
	tuner := NewTuner(g, nil, cfg, zap.NewNop())
	adj := tuner.Adjust(context.Background())
	runtime.KeepAlive(live)

	require.Len(t, adj, 3)
	for _, a := range adj {
		assert.NotEqual(t, LoadHigh, a.Load, a.Dependency)
		assert.GreaterOrEqual(t, a.After.LimitPerPeriod, a.Before.LimitPerPeriod, a.Dependency)
		assert.GreaterOrEqual(t, a.After.BulkheadLimit, a.Before.BulkheadLimit, a.Dependency)
	}
}

func TestCgroupMemoryLimit(t *testing.T) {
	write := func(t *testing.T, root, name, content string) {
		t.Helper()
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	tests := []struct {
		name    string
		file    string
		content string
		want    uint64
	}{
		{"v2 limit", "memory.max", "536870912\n", 512 << 20},
		{"v2 unlimited", "memory.max", "max\n", 0},
		{"v1 limit", "memory/memory.limit_in_bytes", "1073741824\n", 1 << 30},
		{"v1 unlimited", "memory/memory.limit_in_bytes", "9223372036854771712\n", 0},
		{"garbage", "memory.max", "lots", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			write(t, root, tt.file, tt.content)
			assert.Equal(t, tt.want, cgroupMemoryLimit(root))
		})
	}

	assert.Zero(t, cgroupMemoryLimit(t.TempDir()))
}

package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Load classifications produced by a tuning cycle.
const (
	LoadHigh   = "high"
	LoadLow    = "low"
	LoadSteady = "steady"
)

// TunerConfig holds the thresholds and steps of the adaptive tuning loop.
type TunerConfig struct {
	Interval time.Duration
	// MemoryBudget is the byte budget the default sampler measures heap
	// against. Zero falls back to GOMEMLIMIT, then the cgroup limit.
	MemoryBudget uint64

	HighMemoryPressure float64
	LowMemoryPressure  float64
	HighWorkers        int
	LowWorkers         int
	HighRejectionRatio float64
	LowRejectionRatio  float64

	LimitStep        int
	BulkheadShrink   int
	BulkheadGrow     int
	Floor            int
	Ceiling          int
	TimeoutCapHigh   time.Duration
	TimeoutStepLow   time.Duration
	TimeoutMax       time.Duration
	BulkheadWaitHigh time.Duration
	BulkheadWaitLow  time.Duration
}

// DefaultTunerConfig returns the production tuning policy.
func DefaultTunerConfig() TunerConfig {
	return TunerConfig{
		Interval:           time.Minute,
		HighMemoryPressure: 0.7,
		LowMemoryPressure:  0.3,
		HighWorkers:        100,
		LowWorkers:         50,
		HighRejectionRatio: 0.3,
		LowRejectionRatio:  0.1,
		LimitStep:          5,
		BulkheadShrink:     1,
		BulkheadGrow:       2,
		Floor:              1,
		Ceiling:            100,
		TimeoutCapHigh:     200 * time.Millisecond,
		TimeoutStepLow:     50 * time.Millisecond,
		TimeoutMax:         2 * time.Second,
		BulkheadWaitHigh:   100 * time.Millisecond,
		BulkheadWaitLow:    200 * time.Millisecond,
	}
}

// Adjustment records one dependency's tuning decision.
type Adjustment struct {
	Dependency     Dependency
	Load           string
	RejectionRatio float64
	Before         UnitSettings
	After          UnitSettings
}

// Tuner periodically re-tunes every governor unit by single-step hill
// climbing. Each cycle reads load, computes every unit's rejection ratio since
// the previous cycle, resets the counters and moves limits one step toward
// safety (high load) or throughput (low load), never past Floor or Ceiling.
type Tuner struct {
	gov     *Governor
	sampler LoadSampler
	cfg     TunerConfig
	logger  *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewTuner creates a tuner for gov. A nil sampler uses a RuntimeSampler
// with cfg.MemoryBudget.
func NewTuner(gov *Governor, sampler LoadSampler, cfg TunerConfig, logger *zap.Logger) *Tuner {
	if sampler == nil {
		sampler = RuntimeSampler{Budget: cfg.MemoryBudget}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Tuner{gov: gov, sampler: sampler, cfg: cfg, logger: logger}
}

// Adjust runs one tuning cycle and returns the decisions, ordered by dependency.
func (t *Tuner) Adjust(ctx context.Context) []Adjustment {
	load := t.sampler.Sample()
	out := make([]Adjustment, 0, len(t.gov.units))

	for _, dep := range t.orderedDeps() {
		u := t.gov.units[dep]
		rejections, accepted := u.drainCounters()
		ratio := 0.0
		if total := rejections + accepted; total > 0 {
			ratio = float64(rejections) / float64(total)
		}

		before := u.Settings()
		class := t.classify(load, ratio)
		switch class {
		case LoadHigh:
			u.tune(
				max(t.cfg.Floor, before.LimitPerPeriod-t.cfg.LimitStep),
				min(before.LimiterTimeout, t.cfg.TimeoutCapHigh),
				max(t.cfg.Floor, before.BulkheadLimit-t.cfg.BulkheadShrink),
				t.cfg.BulkheadWaitHigh,
			)
		case LoadLow:
			u.tune(
				min(t.cfg.Ceiling, before.LimitPerPeriod+t.cfg.LimitStep),
				min(t.cfg.TimeoutMax, before.LimiterTimeout+t.cfg.TimeoutStepLow),
				min(t.cfg.Ceiling, before.BulkheadLimit+t.cfg.BulkheadGrow),
				t.cfg.BulkheadWaitLow,
			)
		}
		after := u.Settings()

		t.gov.metrics.observeTuning(dep, class)
		t.gov.metrics.observeLimits(after)
		if class != LoadSteady {
			t.logger.Info("governor retuned",
				zap.String("dependency", string(dep)),
				zap.String("load", class),
				zap.Float64("rejection_ratio", ratio),
				zap.Float64("memory_pressure", load.MemoryPressure),
				zap.Int("workers", load.ActiveWorkers),
				zap.Int("limit", after.LimitPerPeriod),
				zap.Int("bulkhead", after.BulkheadLimit))
		}

		out = append(out, Adjustment{
			Dependency:     dep,
			Load:           class,
			RejectionRatio: ratio,
			Before:         before,
			After:          after,
		})
	}
	return out
}

func (t *Tuner) classify(load LoadSample, ratio float64) string {
	c := t.cfg
	switch {
	case load.MemoryPressure > c.HighMemoryPressure || load.ActiveWorkers > c.HighWorkers || ratio > c.HighRejectionRatio:
		return LoadHigh
	case load.MemoryPressure < c.LowMemoryPressure && load.ActiveWorkers < c.LowWorkers && ratio < c.LowRejectionRatio:
		return LoadLow
	default:
		return LoadSteady
	}
}

func (t *Tuner) orderedDeps() []Dependency {
	deps := make([]Dependency, 0, len(t.gov.units))
	for _, s := range t.gov.Snapshot() {
		deps = append(deps, s.Dependency)
	}
	return deps
}

// Start schedules Adjust every Interval until Stop or ctx cancellation.
func (t *Tuner) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cron != nil {
		return fmt.Errorf("tuner already started")
	}

	c := cron.New()
	spec := "@every " + t.cfg.Interval.String()
	if _, err := c.AddFunc(spec, func() { t.Adjust(ctx) }); err != nil {
		return fmt.Errorf("schedule tuner %q: %w", spec, err)
	}
	c.Start()
	t.cron = c

	go func() {
		<-ctx.Done()
		t.Stop()
	}()

	t.logger.Info("governor tuner started", zap.Duration("interval", t.cfg.Interval))
	return nil
}

// Stop halts scheduling and waits for a running cycle to finish.
func (t *Tuner) Stop() {
	t.mu.Lock()
	c := t.cron
	t.cron = nil
	t.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	t.logger.Info("governor tuner stopped")
}

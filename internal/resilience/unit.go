package resilience

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/voxchain/internal/ratelimit"
)

// Unit is the admission state owned for one dependency: breaker, bulkhead,
// limiter and the rejection/acceptance counters the tuner reads each cycle.
type Unit struct {
	dep      Dependency
	breaker  *Breaker
	bulkhead *ratelimit.Semaphore
	limiter  *ratelimit.TokenBucket
	retry    RetryConfig

	// mu makes a tuning step atomic with respect to readers of the waits.
	mu             sync.Mutex
	bulkheadWait   time.Duration
	limiterTimeout time.Duration

	rejections atomic.Int64
	accepted   atomic.Int64
}

// UnitSettings is a point-in-time view of a unit.
type UnitSettings struct {
	Dependency      Dependency    `json:"dependency"`
	BreakerState    string        `json:"breaker_state"`
	BulkheadLimit   int           `json:"bulkhead_limit"`
	BulkheadInUse   int           `json:"bulkhead_in_use"`
	BulkheadMaxWait time.Duration `json:"bulkhead_max_wait"`
	LimitPerPeriod  int           `json:"limit_per_period"`
	LimiterTimeout  time.Duration `json:"limiter_timeout"`
	Rejections      int64         `json:"rejections"`
	Accepted        int64         `json:"accepted"`
}

func newUnit(dep Dependency, cfg UnitConfig, ceiling int) *Unit {
	if cfg.BulkheadLimit > ceiling {
		ceiling = cfg.BulkheadLimit
	}
	return &Unit{
		dep:            dep,
		breaker:        NewBreaker(cfg.Breaker),
		bulkhead:       ratelimit.NewSemaphore(cfg.BulkheadLimit, ceiling),
		limiter:        ratelimit.NewTokenBucket(int64(cfg.LimitPerPeriod), int64(cfg.LimitPerPeriod), cfg.RefreshPeriod),
		retry:          cfg.Retry,
		bulkheadWait:   cfg.BulkheadMaxWait,
		limiterTimeout: cfg.LimiterTimeout,
	}
}

// Dependency returns the dependency this unit governs.
func (u *Unit) Dependency() Dependency { return u.dep }

// Breaker exposes the unit's circuit breaker.
func (u *Unit) Breaker() *Breaker { return u.breaker }

func (u *Unit) waits() (bulkhead, limiter time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.bulkheadWait, u.limiterTimeout
}

// Settings returns the current configuration and counters.
func (u *Unit) Settings() UnitSettings {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UnitSettings{
		Dependency:      u.dep,
		BreakerState:    u.breaker.State().String(),
		BulkheadLimit:   u.bulkhead.Limit(),
		BulkheadInUse:   u.bulkhead.InUse(),
		BulkheadMaxWait: u.bulkheadWait,
		LimitPerPeriod:  int(u.limiter.Limit()),
		LimiterTimeout:  u.limiterTimeout,
		Rejections:      u.rejections.Load(),
		Accepted:        u.accepted.Load(),
	}
}

// tune applies a full tuning step atomically.
func (u *Unit) tune(limit int, limiterTimeout time.Duration, bulkhead int, bulkheadWait time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.limiter.SetLimit(int64(limit))
	u.limiterTimeout = limiterTimeout
	u.bulkhead.Resize(bulkhead)
	u.bulkheadWait = bulkheadWait
}

// drainCounters returns and resets the per-cycle counters.
func (u *Unit) drainCounters() (rejections, accepted int64) {
	return u.rejections.Swap(0), u.accepted.Swap(0)
}

func (u *Unit) close() {
	u.limiter.Close()
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/voxchain/internal/apperr"
	"github.com/fyrsmithlabs/voxchain/internal/ratelimit"
)

// Admission stages, in evaluation order.
const (
	StageBreaker  = "breaker"
	StageBulkhead = "bulkhead"
	StageLimiter  = "limiter"
)

// RejectionError reports which admission stage denied a call.
// It unwraps to apperr.ErrDependencyRejected.
type RejectionError struct {
	Dependency Dependency
	Stage      string
	Cause      error
}

func (e *RejectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s rejected by %s: %v", e.Dependency, e.Stage, e.Cause)
	}
	return fmt.Sprintf("%s rejected by %s", e.Dependency, e.Stage)
}

func (e *RejectionError) Unwrap() error { return apperr.ErrDependencyRejected }

// Governor owns one Unit per dependency. It is safe for concurrent use.
type Governor struct {
	units   map[Dependency]*Unit
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time

	closeOnce sync.Once
}

// Option configures a Governor.
type Option func(*Governor)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

// NewGovernor builds units from cfg.
func NewGovernor(cfg Config, logger *zap.Logger, opts ...Option) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid governor config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Governor{
		units:  make(map[Dependency]*Unit, len(cfg.Units)),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	for dep, uc := range cfg.Units {
		u := newUnit(dep, uc, cfg.Ceiling)
		u.breaker.onTransition = func(from, to BreakerState) {
			g.logger.Warn("circuit breaker transition",
				zap.String("dependency", string(dep)),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
			g.metrics.observeBreaker(dep, to)
		}
		g.units[dep] = u
		g.metrics.observeBreaker(dep, StateClosed)
		g.metrics.observeLimits(u.Settings())
	}
	return g, nil
}

// Permit is a granted admission. Done must be called exactly once.
type Permit struct {
	unit    *Unit
	gov     *Governor
	ticket  BreakerTicket
	started time.Time
	once    sync.Once
}

// Done reports the call outcome to the breaker and releases the bulkhead slot.
// Only dependency failures count against the breaker; caller mistakes such as
// validation errors do not.
func (p *Permit) Done(err error) {
	p.once.Do(func() {
		ok := err == nil || !countsAsFailure(err)
		p.unit.breaker.Report(p.ticket, ok)
		p.unit.bulkhead.Release()
		p.gov.metrics.observeCall(p.unit.dep, p.gov.now().Sub(p.started).Seconds(), ok)
	})
}

func countsAsFailure(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindStateConflict, apperr.KindNotFound:
		return false
	}
	return true
}

// Acquire runs admission for dep: breaker, then bulkhead, then limiter. A
// denial at any stage releases what earlier stages granted, counts a
// rejection and returns a *RejectionError. Cancellation of ctx is returned
// as-is and is not counted.
func (g *Governor) Acquire(ctx context.Context, dep Dependency) (*Permit, error) {
	u, ok := g.units[dep]
	if !ok {
		return nil, apperr.Validation("unknown dependency %q", dep)
	}

	ticket, err := u.breaker.Allow()
	if err != nil {
		return nil, g.reject(u, StageBreaker, err)
	}

	bulkheadWait, limiterTimeout := u.waits()

	if err := u.bulkhead.AcquireWithin(ctx, bulkheadWait); err != nil {
		u.breaker.Cancel(ticket)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, g.reject(u, StageBulkhead, err)
	}

	if err := u.limiter.Consume(ctx, 1, limiterTimeout); err != nil {
		u.bulkhead.Release()
		u.breaker.Cancel(ticket)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, g.reject(u, StageLimiter, err)
	}

	u.accepted.Add(1)
	g.metrics.observeAdmission(dep, "accepted")
	return &Permit{unit: u, gov: g, ticket: ticket, started: g.now()}, nil
}

func (g *Governor) reject(u *Unit, stage string, cause error) error {
	u.rejections.Add(1)
	g.metrics.observeAdmission(u.dep, "rejected_"+stage)
	if errors.Is(cause, ratelimit.ErrClosed) {
		g.logger.Debug("admission on closed governor", zap.String("dependency", string(u.dep)))
	}
	return &RejectionError{Dependency: u.dep, Stage: stage, Cause: cause}
}

// Unit returns the unit governing dep.
func (g *Governor) Unit(dep Dependency) (*Unit, bool) {
	u, ok := g.units[dep]
	return u, ok
}

// Snapshot returns every unit's settings ordered by dependency name.
func (g *Governor) Snapshot() []UnitSettings {
	out := make([]UnitSettings, 0, len(g.units))
	for _, u := range g.units {
		out = append(out, u.Settings())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dependency < out[j].Dependency })
	return out
}

// Close stops the limiter tickers. Pending and future admissions are rejected.
func (g *Governor) Close() {
	g.closeOnce.Do(func() {
		for _, u := range g.units {
			u.close()
		}
	})
}

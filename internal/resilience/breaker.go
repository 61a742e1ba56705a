package resilience

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerTicket ties an outcome report to the breaker generation that
// admitted the call. Reports from an earlier generation are ignored.
type BreakerTicket struct {
	gen uint64
}

// Breaker is a count-based sliding-window circuit breaker.
//
// Closed: outcomes of the last WindowSize calls are kept; once MinimumCalls
// are recorded and the failure rate reaches the threshold the breaker opens.
// Open: calls are rejected until OpenTimeout elapses. HalfOpen: up to
// HalfOpenCalls trial calls are admitted; their failure rate decides between
// closing and re-opening.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    BreakerState
	gen      uint64
	window   []bool // true = failure
	next     int
	recorded int
	failures int
	openedAt time.Time

	trialsInFlight int
	trialsDone     int
	trialFailures  int

	onTransition func(from, to BreakerState)
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:    cfg,
		now:    time.Now,
		window: make([]bool, cfg.WindowSize),
	}
}

// Allow admits a call or returns ErrBreakerOpen. Every admitted call must be
// followed by exactly one Report or Cancel with the returned ticket.
func (b *Breaker) Allow() (BreakerTicket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()

	switch b.state {
	case StateOpen:
		return BreakerTicket{}, ErrBreakerOpen
	case StateHalfOpen:
		if b.trialsInFlight+b.trialsDone >= b.cfg.HalfOpenCalls {
			return BreakerTicket{}, ErrBreakerOpen
		}
		b.trialsInFlight++
	}
	return BreakerTicket{gen: b.gen}, nil
}

// Report records the outcome of an admitted call.
func (b *Breaker) Report(t BreakerTicket, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.gen != b.gen {
		return
	}

	switch b.state {
	case StateClosed:
		b.recordLocked(!success)
		if b.recorded >= b.cfg.MinimumCalls && b.failureRateLocked() >= b.cfg.FailureRateThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.trialsInFlight--
		b.trialsDone++
		if !success {
			b.trialFailures++
		}
		if b.trialsDone >= b.cfg.HalfOpenCalls {
			rate := float64(b.trialFailures) / float64(b.trialsDone)
			if rate >= b.cfg.FailureRateThreshold {
				b.transitionLocked(StateOpen)
			} else {
				b.transitionLocked(StateClosed)
			}
		}
	}
}

// Cancel returns an admitted call that never reached the dependency, so a
// half-open trial slot is not consumed by a later-stage rejection.
func (b *Breaker) Cancel(t BreakerTicket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.gen == b.gen && b.state == StateHalfOpen && b.trialsInFlight > 0 {
		b.trialsInFlight--
	}
}

// State returns the current state, promoting an expired open breaker to half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// FailureRate returns the failure rate over the current closed window.
func (b *Breaker) FailureRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureRateLocked()
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) recordLocked(failure bool) {
	if b.recorded == len(b.window) {
		if b.window[b.next] {
			b.failures--
		}
	} else {
		b.recorded++
	}
	b.window[b.next] = failure
	if failure {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.window)
}

func (b *Breaker) failureRateLocked() float64 {
	if b.recorded == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.recorded)
}

func (b *Breaker) transitionLocked(to BreakerState) {
	from := b.state
	b.state = to
	b.gen++
	b.trialsInFlight, b.trialsDone, b.trialFailures = 0, 0, 0

	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		for i := range b.window {
			b.window[i] = false
		}
		b.next, b.recorded, b.failures = 0, 0, 0
	}

	if b.onTransition != nil && from != to {
		b.onTransition(from, to)
	}
}

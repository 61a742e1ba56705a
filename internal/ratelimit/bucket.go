package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket holds up to capacity tokens and adds refill tokens every period
// from a background ticker, saturating at capacity.
//
// Callers that cannot be served immediately join a FIFO waiter queue that is
// drained on every refill. Waits are always bounded: Consume gives up with
// ErrTimeoutExceeded once its maxWait elapses.
type TokenBucket struct {
	mu       sync.Mutex
	capacity int64
	tokens   int64
	refill   int64
	period   time.Duration
	waiters  []*bucketWaiter
	closed   bool

	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
}

type bucketWaiter struct {
	cost    int64
	ready   chan struct{}
	granted bool
	err     error
}

// NewTokenBucket creates a full bucket and starts its refill ticker.
// Call Close to stop the ticker.
func NewTokenBucket(capacity, refill int64, period time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refill < 1 {
		refill = 1
	}
	if period <= 0 {
		period = time.Second
	}

	b := &TokenBucket{
		capacity: capacity,
		tokens:   capacity,
		refill:   refill,
		period:   period,
		ticker:   time.NewTicker(period),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *TokenBucket) run() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case <-b.ticker.C:
			b.mu.Lock()
			b.tokens = min(b.capacity, b.tokens+b.refill)
			b.serveLocked()
			b.mu.Unlock()
		}
	}
}

// serveLocked grants queued waiters in arrival order while tokens last.
func (b *TokenBucket) serveLocked() {
	for len(b.waiters) > 0 {
		w := b.waiters[0]
		if w.cost > b.tokens {
			return
		}
		b.tokens -= w.cost
		w.granted = true
		close(w.ready)
		b.waiters[0] = nil
		b.waiters = b.waiters[1:]
	}
}

// TryConsume takes cost tokens if they are available and nobody is queued.
func (b *TokenBucket) TryConsume(cost int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || cost < 1 || cost > b.capacity || len(b.waiters) > 0 || b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// Consume takes cost tokens, waiting up to maxWait in the FIFO queue.
// A cost above capacity can never be served and fails with ErrInvalidCost.
func (b *TokenBucket) Consume(ctx context.Context, cost int64, maxWait time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if cost < 1 || cost > b.capacity {
		b.mu.Unlock()
		return ErrInvalidCost
	}
	if len(b.waiters) == 0 && b.tokens >= cost {
		b.tokens -= cost
		b.mu.Unlock()
		return nil
	}
	if maxWait <= 0 {
		b.mu.Unlock()
		return ErrTimeoutExceeded
	}

	w := &bucketWaiter{cost: cost, ready: make(chan struct{})}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case <-w.ready:
		return w.err
	case <-timer.C:
		return b.abandon(w, ErrTimeoutExceeded)
	case <-ctx.Done():
		return b.abandon(w, ctx.Err())
	}
}

// abandon removes w from the queue unless it was granted in the meantime.
func (b *TokenBucket) abandon(w *bucketWaiter, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if w.granted {
		return nil
	}
	if w.err != nil {
		return w.err
	}
	for i, q := range b.waiters {
		if q == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			break
		}
	}
	// The departed head may have been blocking cheaper requests.
	b.serveLocked()
	return cause
}

// SetLimit changes both capacity and refill amount to n (minimum 1).
// Tokens above the new capacity are discarded.
func (b *TokenBucket) SetLimit(n int64) {
	if n < 1 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.capacity = n
	b.refill = n
	if b.tokens > n {
		b.tokens = n
	}
	// Waiters that can no longer ever fit are failed now.
	kept := b.waiters[:0]
	for _, w := range b.waiters {
		if w.cost > n {
			w.err = ErrInvalidCost
			close(w.ready)
			continue
		}
		kept = append(kept, w)
	}
	b.waiters = kept
	b.serveLocked()
}

// Limit returns the current capacity.
func (b *TokenBucket) Limit() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Tokens returns the tokens currently available.
func (b *TokenBucket) Tokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Waiting returns the number of queued callers.
func (b *TokenBucket) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// Period returns the refill period.
func (b *TokenBucket) Period() time.Duration {
	return b.period
}

// Close stops the refill ticker and fails all queued waiters with ErrClosed.
// It is safe to call more than once.
func (b *TokenBucket) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, w := range b.waiters {
		w.err = ErrClosed
		close(w.ready)
	}
	b.waiters = nil
	b.mu.Unlock()

	b.ticker.Stop()
	close(b.stop)
	<-b.done
}

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Semaphore is a FIFO-fair counting semaphore whose limit can be changed at
// runtime between 1 and a fixed ceiling.
//
// The underlying weighted semaphore is sized at the ceiling. Permits above the
// current limit are parked inside the semaphore itself. Shrinking parks idle
// permits immediately and records the remainder as debt, which Release pays
// down before handing permits back to waiters.
type Semaphore struct {
	sem     *semaphore.Weighted
	ceiling int64

	mu     sync.Mutex
	limit  int64
	parked int64
	debt   int64
	inUse  int64
}

// NewSemaphore creates a semaphore admitting limit concurrent holders.
// limit is clamped to [1, ceiling]; a ceiling below 1 becomes limit.
func NewSemaphore(limit, ceiling int) *Semaphore {
	if ceiling < 1 {
		ceiling = limit
	}
	if ceiling < 1 {
		ceiling = 1
	}
	l := clamp(int64(limit), 1, int64(ceiling))

	s := &Semaphore{
		sem:     semaphore.NewWeighted(int64(ceiling)),
		ceiling: int64(ceiling),
		limit:   l,
	}
	if park := s.ceiling - l; park > 0 {
		// Nothing else can hold permits yet.
		s.sem.TryAcquire(park)
		s.parked = park
	}
	return s
}

// Acquire blocks until a permit is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.mu.Lock()
	s.inUse++
	s.mu.Unlock()
	return nil
}

// AcquireWithin waits at most maxWait for a permit. A zero maxWait only
// succeeds if a permit is free right now. ErrTimeoutExceeded is returned when
// the wait elapses; the caller's own cancellation is returned unchanged.
func (s *Semaphore) AcquireWithin(ctx context.Context, maxWait time.Duration) error {
	if maxWait <= 0 {
		if !s.TryAcquire() {
			return ErrTimeoutExceeded
		}
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	err := s.Acquire(waitCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeoutExceeded
	}
	return err
}

// TryAcquire takes a permit without waiting. It fails while earlier callers
// are queued, preserving FIFO order.
func (s *Semaphore) TryAcquire() bool {
	if !s.sem.TryAcquire(1) {
		return false
	}
	s.mu.Lock()
	s.inUse++
	s.mu.Unlock()
	return true
}

// Release returns a permit taken by Acquire, AcquireWithin or TryAcquire.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inUse == 0 {
		panic("ratelimit: semaphore released more than acquired")
	}
	s.inUse--
	if s.debt > 0 {
		s.debt--
		s.parked++
		return
	}
	s.sem.Release(1)
}

// Resize changes the limit, clamped to [1, ceiling], and returns the new limit.
func (s *Semaphore) Resize(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := clamp(int64(n), 1, s.ceiling)
	switch {
	case target > s.limit:
		grow := target - s.limit
		if s.debt > 0 {
			paid := min(s.debt, grow)
			s.debt -= paid
			grow -= paid
		}
		if grow > 0 {
			s.parked -= grow
			s.sem.Release(grow)
		}
	case target < s.limit:
		shrink := s.limit - target
		for shrink > 0 && s.sem.TryAcquire(1) {
			s.parked++
			shrink--
		}
		s.debt += shrink
	}
	s.limit = target
	return int(target)
}

// Limit returns the current limit.
func (s *Semaphore) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.limit)
}

// InUse returns the number of permits currently held by callers.
func (s *Semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.inUse)
}

// Available returns the permits that could be handed out right now.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := s.limit - s.inUse
	if free < 0 {
		return 0
	}
	return int(free)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Package ratelimit provides the admission primitives used by the resilience
// governor: a fair, resizable counting semaphore and a token bucket refilled by
// a background ticker.
//
// Both primitives block only the calling goroutine and honour context
// cancellation. Neither keeps process-wide state; every limiter is an
// explicitly constructed value.
package ratelimit

import "errors"

var (
	// ErrTimeoutExceeded is returned when a bounded wait elapses before admission.
	ErrTimeoutExceeded = errors.New("ratelimit: wait timeout exceeded")

	// ErrClosed is returned by a token bucket after Close.
	ErrClosed = errors.New("ratelimit: limiter closed")

	// ErrInvalidCost is returned when a request can never be satisfied.
	ErrInvalidCost = errors.New("ratelimit: invalid cost")
)

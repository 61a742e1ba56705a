package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/voxchain/internal/apperr"
)

const instrumentationName = "github.com/fyrsmithlabs/voxchain/internal/resilience"

func (r RetryConfig) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialInterval
	b.MaxInterval = r.MaxInterval
	b.RandomizationFactor = r.Jitter
	if r.Multiplier > 0 {
		b.Multiplier = r.Multiplier
	}
	return b
}

// Do runs fn for dep under governor admission with the dependency's retry
// policy. Each attempt acquires its own permit. Validation errors and state
// conflicts stop the loop immediately; everything else is retried until the
// attempt budget is spent. Unclassified errors returned by fn are wrapped as
// apperr.ErrDependencyFailure.
func Do[T any](ctx context.Context, g *Governor, dep Dependency, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	u, ok := g.units[dep]
	if !ok {
		return zero, apperr.Validation("unknown dependency %q", dep)
	}

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "governor.call",
		trace.WithAttributes(attribute.String("dependency", string(dep))))
	defer span.End()

	attempt := 0
	op := func() (T, error) {
		attempt++
		permit, err := g.Acquire(ctx, dep)
		if err != nil {
			if !apperr.Retryable(err) {
				return zero, backoff.Permanent(err)
			}
			return zero, err
		}

		v, err := fn(ctx)
		permit.Done(err)
		if err != nil {
			err = apperr.Dependency(string(dep), err)
			if !apperr.Retryable(err) {
				return zero, backoff.Permanent(err)
			}
			return zero, err
		}
		return v, nil
	}

	notify := func(err error, next time.Duration) {
		g.logger.Debug("retrying governed call",
			zap.String("dependency", string(dep)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", next),
			zap.Error(err))
	}

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(u.retry.newBackOff()),
		backoff.WithMaxTries(uint(u.retry.MaxAttempts)),
		backoff.WithNotify(notify),
	)
	span.SetAttributes(attribute.Int("attempts", attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	return v, nil
}

// Call is Do for operations without a result.
func (g *Governor) Call(ctx context.Context, dep Dependency, fn func(context.Context) error) error {
	_, err := Do(ctx, g, dep, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrExhausted tags the last error once the attempt budget is spent.
var ErrExhausted = errors.New("retries exhausted")

// Policy bounds one wrapped operation. Waits double from MinInterval and
// cap at MaxInterval; no jitter, so waits are deterministic. AttemptTimeout
// (when set) bounds each single attempt on top of the caller's context.
type Policy struct {
	MaxAttempts    int
	MinInterval    time.Duration
	MaxInterval    time.Duration
	AttemptTimeout time.Duration
}

// DefaultPolicy matches the pipeline-wide budget: 3 attempts, 10s..60s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		MinInterval: 10 * time.Second,
		MaxInterval: 60 * time.Second,
	}
}

// Backoff returns the wait after the given 1-based failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.MinInterval
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

// Retrier runs operations under a shared policy. Classify decides which
// errors are worth another attempt; a nil Classify retries nothing.
type Retrier struct {
	Policy   Policy
	Classify func(error) bool
	Logger   *zap.Logger
}

// Do runs fn until it succeeds, fails permanently, or the budget is spent.
// Attempt 1 fires immediately. Non-retryable errors propagate untouched and
// consume no budget beyond the attempt that raised them. On exhaustion the
// last error comes back wrapped with ErrExhausted and the attempt count.
func (r Retrier) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	_, err := r.run(ctx, operation, fn)
	return err
}

// DoCount is Do plus the number of attempts actually consumed, for callers
// that record attempt counts.
func (r Retrier) DoCount(ctx context.Context, operation string, fn func(context.Context) error) (int, error) {
	return r.run(ctx, operation, fn)
}

func (r Retrier) run(ctx context.Context, operation string, fn func(context.Context) error) (int, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := r.Policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := r.Policy.Backoff(attempt - 1)
			logger.Warn("retrying after transient failure",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return attempt - 1, fmt.Errorf("%s interrupted: %w", operation, ctx.Err())
			case <-time.After(wait):
			}
		}

		err = r.attempt(ctx, fn)
		if err == nil {
			if attempt > 1 {
				logger.Info("operation succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempt", attempt),
				)
			}
			return attempt, nil
		}
		if r.Classify == nil || !r.Classify(err) {
			return attempt, err
		}
		// Parent context gone: the failure may just be its cancellation,
		// and waiting out another backoff is pointless either way.
		if ctx.Err() != nil {
			return attempt, fmt.Errorf("%s interrupted: %w", operation, ctx.Err())
		}
	}

	logger.Error("retry budget exhausted",
		zap.String("operation", operation),
		zap.Int("attempts", maxAttempts),
		zap.Error(err),
	)
	return maxAttempts, fmt.Errorf("%w: %s after %d attempts: %w", ErrExhausted, operation, maxAttempts, err)
}

func (r Retrier) attempt(ctx context.Context, fn func(context.Context) error) error {
	if r.Policy.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.Policy.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}

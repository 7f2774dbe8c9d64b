// Package retry runs blocking calls with a per-attempt timeout and bounded
// exponential backoff. Only errors classified retryable by errs.IsRetryable
// are attempted again.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/usageledger/internal/config"
	"github.com/smallbiznis/usageledger/internal/errs"
)

type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Timeout bounds a single attempt.
	Timeout time.Duration
}

func PolicyFrom(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Timeout:         cfg.Timeout,
	}
}

// Notify is called before each retry with the attempt that just failed.
type Notify func(attempt int, err error, next time.Duration)

// Do calls op until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx ends.
func Do[T any](ctx context.Context, p Policy, notify Notify, op func(ctx context.Context) (T, error)) (T, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		defer cancel()

		res, err := op(attemptCtx)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || !errs.IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			if notify != nil {
				notify(attempt, err, next)
			}
		}),
	)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, notify Notify, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, notify, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

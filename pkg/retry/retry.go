// Package retry runs operations under a capped exponential backoff policy
// with a per-attempt timeout.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Policy bounds how an operation is retried.
type Policy struct {
	// MaxAttempts includes the first call.
	MaxAttempts uint
	// InitialInterval is the wait before the second attempt.
	InitialInterval time.Duration
	// MaxInterval caps a single wait.
	MaxInterval time.Duration
	// Multiplier grows the wait between attempts.
	Multiplier float64
	// AttemptTimeout bounds each individual attempt. Zero disables it.
	AttemptTimeout time.Duration
	// Permanent reports errors that must not be retried.
	Permanent func(error) bool
}

// DefaultPolicy allows three attempts with exponential backoff from 200ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		AttemptTimeout:  10 * time.Second,
	}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 1 {
		b.Multiplier = p.Multiplier
	}
	return b
}

// Do calls fn until it succeeds, returns a permanent error, the context is
// done, or MaxAttempts is reached. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, logger *zap.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	var attempt uint
	op := func() (T, error) {
		attempt++
		actx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}
		v, err := fn(actx)
		if err == nil {
			return v, nil
		}
		if p.Permanent != nil && p.Permanent(err) {
			return v, backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Debug("retrying",
				zap.Uint("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return v, err
}

// Permanent marks err as not retryable regardless of the policy.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

package database

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy controls how transient failures are retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int `yaml:"max_attempts"`
	// InitialDelay is the backoff before the second attempt; subsequent
	// delays double up to MaxDelay.
	InitialDelay time.Duration `yaml:"initial_delay"`
	// MaxDelay caps the backoff between attempts.
	MaxDelay time.Duration `yaml:"max_delay"`
	// AttemptTimeout bounds a single attempt. Zero means no per-attempt
	// timeout. An attempt exceeding it counts as a failed attempt against
	// the same budget.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// DefaultRetryPolicy mirrors the defaults used for connection establishment.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// Do runs op under the policy. op is retried only when it returns an error
// wrapped with Retryable; any other error aborts immediately. Each retried
// attempt must be independently repeatable: op receives a fresh context and
// must not rely on state mutated by a previous attempt. onRetry, if non-nil,
// is invoked once per failed attempt that will be retried.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error, onRetry func(err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := retry.NewExponential(p.InitialDelay)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	b = retry.WithMaxRetries(uint64(attempts-1), b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		attemptCtx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}

		err := op(attemptCtx)
		if err == nil {
			return nil
		}
		// A timed-out attempt is transient and consumes the same budget.
		if errors.Is(err, context.DeadlineExceeded) {
			err = Retryable(err)
		}
		if isRetryable(err) {
			if onRetry != nil {
				onRetry(err)
			}
			return retry.RetryableError(err)
		}
		return err
	})
}

// Retryable marks err as transient so Do will retry it.
func Retryable(err error) error {
	return &retryableError{err: err}
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

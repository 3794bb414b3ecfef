// Package retry is the single retry-with-backoff utility shared by the
// claim, move, and invocation paths. A Policy bundles the attempt bound, the
// delay strategy, and the predicate deciding which errors are worth retrying.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures bounded retries.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// NewBackOff builds a fresh delay strategy per Do call. Strategies are
	// stateful in cenkalti/backoff, so they cannot be shared across calls.
	NewBackOff func() backoff.BackOff

	// Retryable reports whether an error should be retried. nil means
	// every error is retryable.
	Retryable func(error) bool
}

// Do runs op under the policy. It returns nil on the first success, the last
// error once attempts are exhausted, or immediately when Retryable rejects
// the error or ctx is done.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff
	if p.NewBackOff != nil {
		b = p.NewBackOff()
	} else {
		b = backoff.NewExponentialBackOff()
	}
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	return backoff.Retry(wrapped, b)
}

// Constant returns a factory for a fixed delay between attempts.
func Constant(d time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.NewConstantBackOff(d)
	}
}

// Exponential returns a factory for an exponential delay starting at initial.
func Exponential(initial time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxElapsedTime = 0
		return b
	}
}

// Linear returns a factory for delays growing as initial*1, initial*2, ...
// This matches the invocation retry schedule of the worker: backoff scaled by
// the attempt number.
func Linear(initial time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		return &linearBackOff{initial: initial}
	}
}

type linearBackOff struct {
	initial time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return l.initial * time.Duration(l.attempt)
}

func (l *linearBackOff) Reset() { l.attempt = 0 }

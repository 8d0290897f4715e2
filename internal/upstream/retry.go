package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how an upstream call is repeated.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first
	Base        time.Duration // delay after the first failed attempt
	Cap         time.Duration // upper bound for any single delay
	Retryable   func(error) bool
}

// DefaultRetryPolicy matches the service defaults: three attempts, one
// second base delay, ten second cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: time.Second, Cap: 10 * time.Second, Retryable: IsRetryable}
}

// Delay returns the wait after failed attempt n (0-indexed): Base*2^n,
// capped at Cap.
func (p RetryPolicy) Delay(n int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < n; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// schedule adapts a RetryPolicy to backoff.BackOff.
type schedule struct {
	policy RetryPolicy
	n      int
}

func (s *schedule) NextBackOff() time.Duration {
	d := s.policy.Delay(s.n)
	s.n++
	return d
}

func (s *schedule) Reset() { s.n = 0 }

// Retry runs op until it succeeds, returns a non-retryable error, the
// attempt budget is spent or ctx is done. It reports how many attempts were
// made.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	attempts := 0
	operation := func() (T, error) {
		attempts++
		v, err := op(ctx, attempts)
		if err != nil && (ctx.Err() != nil || !retryable(err)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&schedule{policy: p}),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return res, attempts, err
}

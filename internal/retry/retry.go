// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"time"
)

// Policy configures Do.
type Policy struct {
	// Retries is the number of additional attempts after the first failure.
	Retries int

	// BaseDelay is the wait before the first retry. The wait before retry n
	// is BaseDelay * 2^(n-1).
	BaseDelay time.Duration

	// Retryable reports whether err is eligible for another attempt.
	// Nil treats every error as retryable.
	Retryable func(err error) bool

	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the backoff before retry n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	return p.BaseDelay << (n - 1)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// retries are exhausted. It returns the number of attempts made and the
// last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = wait
	}

	var err error
	attempt := 0
	for {
		attempt++
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if attempt > p.Retries {
			return attempt, err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return attempt, err
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return attempt, err
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package errors

import (
	"context"
	"time"
)

// RetryPolicy bounds how often and how patiently an operation is retried.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Factor   float64

	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetryPolicy returns three attempts starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Initial:  time.Second,
		Max:      30 * time.Second,
		Factor:   2.0,
	}
}

// Delay returns the wait after the given failed attempt (1-based):
// Initial * Factor^(attempt-1), capped at Max.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		delay *= factor
		if p.Max > 0 && delay >= float64(p.Max) {
			return p.Max
		}
	}
	if p.Max > 0 && time.Duration(delay) > p.Max {
		return p.Max
	}
	return time.Duration(delay)
}

// Retry runs op until it succeeds, fails with an error that is not
// retryable, or the policy's attempts are used up. The error returned is
// op's own last error so callers can still match it with errors.As.
func Retry(ctx context.Context, policy RetryPolicy, op func() error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return New(KindInterrupted, "operation canceled", err)
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || attempt == attempts {
			return lastErr
		}

		wait := policy.Delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, lastErr, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}

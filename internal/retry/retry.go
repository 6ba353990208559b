// Package retry runs operations under a bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. Delay before attempt n+1 is
// BaseDelay * 2^(n-1), capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy matches the publisher defaults.
var DefaultPolicy = Policy{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
}

// Validate rejects policies that could never run or never stop.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// exponential builds the unjittered schedule the policy describes. Attempts
// are bounded by WithMaxRetries, never by elapsed time.
func (p Policy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.exponential()
	var wait time.Duration
	for i := 0; i < attempt; i++ {
		wait = b.NextBackOff()
	}
	return wait
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// Notify is called after a failed attempt with the wait before the next one.
type Notify func(err error, attempt int, wait time.Duration)

// Do calls fn until it succeeds, returns a Permanent error, the policy runs
// out of attempts or ctx is done. fn receives the 1-based attempt number.
// Do returns the number of attempts made alongside the outcome.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	return DoNotify(ctx, p, fn, nil)
}

// DoNotify is Do with a callback fired before every retry.
func DoNotify(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, notify Notify) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var (
		attempt   int
		lastErr   error
		permanent bool
	)
	op := func() error {
		attempt++
		err := fn(ctx, attempt)
		if err != nil {
			lastErr = err
			permanent = IsPermanent(err)
		}
		return err
	}
	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) { notify(err, attempt, wait) }
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.exponential(), uint64(p.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, b, onRetry)
	switch {
	case err == nil:
		return attempt, nil
	case permanent:
		return attempt, err
	case ctx.Err() != nil:
		return attempt, fmt.Errorf("retry canceled after %d attempts: %w", attempt, errors.Join(ctx.Err(), lastErr))
	}
	return attempt, &ExhaustedError{Attempts: attempt, Err: lastErr}
}

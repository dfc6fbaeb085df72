package reliability

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted wraps the last error once Retry gives up.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Policy bounds a retry loop.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// Retry runs fn until it succeeds, returns a non-retryable error, the
// context ends, or the attempts run out. Sleeps follow ExponentialBackoff.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(attempt int) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if !retryable(err) || attempt == p.Attempts-1 {
			break
		}
		timer := time.NewTimer(ExponentialBackoff(attempt, p.Base, p.Cap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	if retryable(err) {
		return errors.Join(ErrAttemptsExhausted, err)
	}
	return err
}

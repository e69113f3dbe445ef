package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrMaxAttemptsExhausted is returned when every attempt failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// ErrPermanent marks an error that should stop the retry loop. Wrap it with
// fmt.Errorf("...: %w", ErrPermanent) or use Permanent.
var ErrPermanent = errors.New("permanent error")

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() []error {
	return []error{e.err, ErrPermanent}
}

// Permanent wraps err so Retry returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Retry calls fn until it succeeds, returns a permanent error, ctx is done or
// maxAttempts calls were made. A maxAttempts of zero or less retries forever.
// It returns the number of attempts made and, on failure, the last error
// joined with ErrMaxAttemptsExhausted or the context error.
func Retry(ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) error) (int, error) {
	var lastErr error
	for attempt := 1; maxAttempts <= 0 || attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, errors.Join(err, lastErr)
		}
		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		if errors.Is(err, ErrPermanent) {
			return attempt, err
		}
		lastErr = err
		if maxAttempts > 0 && attempt == maxAttempts {
			break
		}
		if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
			return attempt, errors.Join(err, lastErr)
		}
	}
	return maxAttempts, errors.Join(ErrMaxAttemptsExhausted, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

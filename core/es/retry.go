package es

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultRetryDelay is the wait before the first retry of a conflicting
	// append.
	DefaultRetryDelay = 10 * time.Millisecond
	// MaxRetryDelay caps the backoff between attempts.
	MaxRetryDelay = 500 * time.Millisecond
)

// Retry calls fn up to attempts times while it fails with ErrConflict,
// backing off exponentially between attempts. Any other error, success or a
// done ctx ends the loop. The store itself never retries; set NewEvent.ID
// before the first attempt so a retry cannot store the fact twice.
func Retry(ctx context.Context, attempts int, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultRetryDelay
	b.MaxInterval = MaxRetryDelay

	var last error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		last = fn(ctx)
		if last != nil && !errors.Is(last, ErrConflict) {
			return struct{}{}, backoff.Permanent(last)
		}
		return struct{}{}, last
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	// the backoff loop reports only the context error once ctx is done
	if ctx.Err() != nil && last != nil && !errors.Is(last, ctx.Err()) {
		return errors.Join(last, err)
	}
	return err
}

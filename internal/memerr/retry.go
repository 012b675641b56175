package memerr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry budget defaults per the error-handling design: 3 attempts,
// 100 ms base, 2 s cap, randomized jitter.
const (
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 2 * time.Second
)

// RetryPolicy bounds retries of transient dependency errors.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the standard bounded budget.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
	}
}

// Do runs op under the policy. Terminal errors (validation, integrity,
// cancellation) abort immediately; transient errors are retried with
// exponential backoff + jitter until the attempt budget is exhausted,
// at which point the last error surfaces wrapped as ErrStoreUnavailable.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultMaxInterval
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.MaxElapsedTime = 0 // attempt count bounds the loop, not wall clock

	var lastErr error
	wrapped := func() error {
		if err := FromContext(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1)), ctx))
	if err == nil {
		return nil
	}

	// backoff unwraps Permanent errors before returning them; anything
	// terminal passes through untouched, only exhausted transient errors
	// surface as StoreUnavailable.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if !IsRetryable(err) {
		return err
	}
	return StoreUnavailable(lastErr)
}

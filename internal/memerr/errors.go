// Package memerr defines the memory core's error taxonomy and the retry
// policy applied to transient dependency failures.
package memerr

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors. Callers classify with errors.Is.
var (
	// ErrValidation marks bad input (out-of-range importance, empty user,
	// oversized content). Never retried.
	ErrValidation = errors.New("validation error")

	// ErrStoreUnavailable marks a dependency that stayed down through the
	// retry budget.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrRetrieverUnavailable marks a hybrid search where every arm failed.
	ErrRetrieverUnavailable = errors.New("retriever unavailable")

	// ErrCancelled marks a caller-imposed deadline or cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrIntegrity marks a fatal integrity violation (duplicate identifier,
	// missing schema). Operator action required; never retried.
	ErrIntegrity = errors.New("integrity error")

	// ErrLockBusy marks lock contention. Not an error condition for
	// consolidation; callers return empty counters.
	ErrLockBusy = errors.New("lock busy")
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// Integrityf wraps ErrIntegrity with a formatted message.
func Integrityf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrIntegrity}, args...)...)
}

// StoreUnavailable wraps a cause as ErrStoreUnavailable.
func StoreUnavailable(cause error) error {
	if cause == nil {
		return ErrStoreUnavailable
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, cause)
}

// FromContext converts a context error into the taxonomy.
func FromContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return nil
}

// IsRetryable reports whether an error is worth another attempt.
// Validation, integrity, and cancellation failures are terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrIntegrity) ||
		errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

package memerr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

	attempts := 0
	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustionSurfacesStoreUnavailable(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

	attempts := 0
	err := policy.Do(context.Background(), func() error {
		attempts++
		return errors.New("still down")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 3, attempts)
}

func TestRetryDoesNotRetryValidation(t *testing.T) {
	policy := DefaultRetryPolicy()

	attempts := 0
	err := policy.Do(context.Background(), func() error {
		attempts++
		return Validationf("bad input")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 1, attempts)
}

func TestRetryHonoursCancelledContext(t *testing.T) {
	policy := DefaultRetryPolicy()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := policy.Do(ctx, func() error {
		t.Fatal("op must not run under a cancelled context")
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", Validationf("x"), false},
		{"integrity", Integrityf("x"), false},
		{"cancelled", ErrCancelled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"transient", errors.New("io timeout"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

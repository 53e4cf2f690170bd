package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyPassesFailureThrough(t *testing.T) {
	f := NewPermanent("X", "boom", nil)
	require.Same(t, f, Classify(f))

	wrapped := fmt.Errorf("stage: %w", NewRetryable("Y", "later", nil))
	got := Classify(wrapped)
	require.Equal(t, "Y", got.Code)
	require.True(t, got.Retryable)
}

func TestClassifyDeadlineIsRetryable(t *testing.T) {
	got := Classify(context.DeadlineExceeded)
	require.True(t, got.Retryable)
	require.Equal(t, "STAGE_TIMEOUT", got.Code)
}

func TestClassifyUnknownErrorIsRetryable(t *testing.T) {
	got := Classify(errors.New("something odd"))
	require.True(t, got.Retryable)
	require.Equal(t, "STAGE_ERROR", got.Code)
}

func TestFailureErrorAndUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	f := NewRetryable("CODE", "message", cause)
	require.Contains(t, f.Error(), "CODE")
	require.Contains(t, f.Error(), "root cause")
	require.ErrorIs(t, f, cause)

	bare := NewPermanent("CODE", "message", nil)
	require.Equal(t, "CODE: message", bare.Error())
}

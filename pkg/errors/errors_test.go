package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataForKnownCodes(t *testing.T) {
	assert.False(t, MetadataFor(CodeValidation).Retryable)
	assert.False(t, MetadataFor(CodeStateConflict).Retryable)
	assert.True(t, MetadataFor(CodeVersionConflict).Retryable)
	assert.True(t, MetadataFor(CodeDependency).Retryable)
}

func TestMetadataForUnknownCodeFallsBackToInternal(t *testing.T) {
	meta := MetadataFor(Code("SOMETHING_ELSE"))
	assert.Equal(t, MetadataFor(CodeInternal), meta)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(New(CodeValidation, "bad payload")))
	assert.True(t, IsRetryable(New(CodeVersionConflict, "stale version")))

	// Untyped errors are treated as transient.
	assert.True(t, IsRetryable(stdErrors.New("connection reset")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stdErrors.New("root cause")
	err := Wrap(CodeDependency, cause, "publishing event")

	require.NotNil(t, err)
	assert.Equal(t, CodeDependency, err.Code())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "DEPENDENCY_ERROR: publishing event", err.Error())
}

func TestWrapNilCauseActsLikeNew(t *testing.T) {
	err := Wrap(CodeConflict, nil, "duplicate transaction")
	require.NotNil(t, err)
	assert.Nil(t, err.Unwrap())
	assert.Equal(t, CodeConflict, err.Code())
}

func TestAsUnwrapsThroughWrapping(t *testing.T) {
	inner := New(CodeStateConflict, "terminal state")
	wrapped := fmt.Errorf("handling event: %w", inner)

	typed := As(wrapped)
	require.NotNil(t, typed)
	assert.Equal(t, CodeStateConflict, typed.Code())

	assert.Nil(t, As(stdErrors.New("plain")))
	assert.Nil(t, As(nil))
}

func TestWithDetails(t *testing.T) {
	err := New(CodeValidation, "invalid amount").WithDetails(map[string]string{"field": "amount"})
	require.NotNil(t, err)
	assert.Equal(t, map[string]string{"field": "amount"}, err.Details())
}

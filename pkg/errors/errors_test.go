package errors

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorFormatting(t *testing.T) {
	err := NewValidationError(CodeInvalidInput, "bad split").WithDetails("traffic_split=1.5")
	assert.Equal(t, "INVALID_INPUT: bad split - traffic_split=1.5", err.Error())

	wrapped := WrapError(io.EOF, ErrorTypeStorage, CodeReadFailed, "read failed")
	assert.Contains(t, wrapped.Error(), "EOF")
	assert.ErrorIs(t, wrapped, io.EOF)
}

func TestTypeOfWalksChain(t *testing.T) {
	notFound := NewNotFoundError("version", "abc")
	assert.True(t, IsNotFound(notFound))
	assert.True(t, IsNotFound(fmt.Errorf("lookup: %w", notFound)))
	assert.False(t, IsValidation(notFound))
	assert.Equal(t, ErrorType(""), TypeOf(io.EOF))
}

func TestStorageIOError(t *testing.T) {
	err := NewStorageIOError("local", "store", "v1", io.ErrShortWrite)
	assert.True(t, IsStorage(err))
	assert.Equal(t, CodeWriteFailed, err.Code)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.False(t, err.IsTransient())

	var appErr *AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "v1", appErr.Context["key"])

	transient := NewStorageIOError("postgres", "commit", "", errors.New("dial tcp: connection refused"))
	assert.True(t, transient.IsTransient())
}

func TestHealthCheckErrorOutranksCauses(t *testing.T) {
	integrity := NewIntegrityError("v1", "aaa", "bbb")
	err := NewHealthCheckError("v1", []CheckFailure{
		{Check: "performance_thresholds", Reason: "below floor", Metric: "accuracy", Expected: 0.7, Actual: 0.5},
		{Check: "artifact_integrity", Reason: "hash mismatch", Cause: integrity},
	})

	assert.True(t, IsHealthCheck(err))
	assert.ErrorIs(t, err, integrity)
	assert.Equal(t, []string{"artifact_integrity", "performance_thresholds"}, err.FailedChecks())
	assert.True(t, err.Has("artifact_integrity"))
	assert.Contains(t, err.Error(), "accuracy expected 0.7, got 0.5")
	assert.Equal(t, 422, HTTPStatus(err))
}

func TestConflictMatchesSentinel(t *testing.T) {
	err := NewConflictError(CodePointerConflict, "moved").WithCause(ErrPointerConflict)
	assert.True(t, IsConflict(err))
	assert.ErrorIs(t, err, ErrPointerConflict)
	assert.True(t, err.Retryable)
	assert.Equal(t, 409, HTTPStatus(err))
}

func TestValidationErrors(t *testing.T) {
	ve := NewValidationErrors()
	assert.False(t, ve.HasErrors())

	ve.Add("traffic_split", CodeOutOfRange, "must be in (0,1)", 1.5)
	ve.Add("success_metrics", CodeMissingField, "at least one metric required", nil)
	require.True(t, ve.HasErrors())
	assert.Contains(t, ve.Error(), "traffic_split: must be in (0,1)")

	appErr := ve.AsAppError()
	assert.True(t, IsValidation(appErr))
	assert.Len(t, appErr.Context["errors"], 2)
}

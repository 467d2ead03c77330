package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_KindsAndStatus(t *testing.T) {
	tests := []struct {
		name      string
		err       *AppError
		code      ErrorCode
		status    int
		retryable bool
	}{
		{name: "not a participant", err: NotAParticipantError(), code: ErrCodeNotAParticipant, status: http.StatusForbidden},
		{name: "call ended", err: CallEndedError("missed"), code: ErrCodeCallEnded, status: http.StatusNotFound},
		{name: "already in call", err: AlreadyInCallError("abc"), code: ErrCodeAlreadyInCall, status: http.StatusConflict},
		{name: "rate limit", err: RateLimitExceededError(), code: ErrCodeRateLimitExceeded, status: http.StatusTooManyRequests, retryable: true},
		{name: "unavailable", err: ServiceUnavailableError("store down"), code: ErrCodeServiceUnavail, status: http.StatusServiceUnavailable, retryable: true},
		{name: "internal", err: InternalError("boom"), code: ErrCodeInternal, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.StatusCode)
			assert.Equal(t, tt.retryable, tt.err.Retryable())
		})
	}
}

func TestAppError_Details(t *testing.T) {
	err := AlreadyInCallError("call-1")
	assert.Equal(t, map[string]string{"call_id": "call-1"}, err.Details)
}

func TestStoreError_Unwraps(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := fmt.Errorf("save call: %w", StoreError(cause))

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsAppError(err))
	assert.True(t, HasCode(err, ErrCodeInternal))
	assert.Contains(t, err.Error(), "caused by: connection reset")
}

func TestGetAppError(t *testing.T) {
	wrapped := fmt.Errorf("join: %w", ParticipantNotFoundError())
	got := GetAppError(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, ErrCodeParticipantNotFound, got.Code)

	plain := GetAppError(stderrors.New("plain"))
	assert.Equal(t, ErrCodeInternal, plain.Code)
	assert.False(t, HasCode(stderrors.New("plain"), ErrCodeInternal))
}

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is the stable machine-readable code returned to clients
type ErrorCode string

const (
	// Invalid input
	ErrCodeValidation              ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput            ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidConversationType ErrorCode = "INVALID_CONVERSATION_TYPE"

	// Authentication
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// Authorization
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeNotAParticipant  ErrorCode = "NOT_A_PARTICIPANT"

	// Not found
	ErrCodeCallNotFound        ErrorCode = "CALL_NOT_FOUND"
	ErrCodeCallEnded           ErrorCode = "CALL_ENDED"
	ErrCodeParticipantNotFound ErrorCode = "PARTICIPANT_NOT_FOUND"

	// Conflict
	ErrCodeAlreadyInCall ErrorCode = "ALREADY_IN_CALL"

	// Rate limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal / transient
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// Kind groups codes by how callers should react to them
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindAuthorization Kind = "authorization"
	KindConflict      Kind = "conflict"
	KindInvalidInput  Kind = "invalid_input"
	KindTransient     Kind = "transient"
	KindInternal      Kind = "internal"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Kind       Kind      `json:"-"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the same request later.
// Only transient failures qualify; everything else is terminal for the request.
func (e *AppError) Retryable() bool {
	return e.Kind == KindTransient
}

// New creates an AppError with an explicit kind and HTTP status
func New(code ErrorCode, kind Kind, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Kind:       kind,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error as an internal AppError, preserving the cause
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Kind:       KindInternal,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Invalid input errors
func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, KindInvalidInput, message, http.StatusBadRequest)
}

func InvalidInputError(message string) *AppError {
	return New(ErrCodeInvalidInput, KindInvalidInput, message, http.StatusBadRequest)
}

func InvalidConversationTypeError(conversationType string) *AppError {
	return New(ErrCodeInvalidConversationType, KindInvalidInput,
		fmt.Sprintf("Conversation type %q does not support calls", conversationType), http.StatusBadRequest)
}

// Authentication errors
func UnauthorizedError(message string) *AppError {
	return New(ErrCodeUnauthorized, KindAuthorization, message, http.StatusUnauthorized)
}

// Authorization errors
func PermissionDeniedError(message string) *AppError {
	return New(ErrCodePermissionDenied, KindAuthorization, message, http.StatusForbidden)
}

func NotAParticipantError() *AppError {
	return New(ErrCodeNotAParticipant, KindAuthorization, "User is not a member of this conversation", http.StatusForbidden)
}

// Not found errors
func CallNotFoundError() *AppError {
	return New(ErrCodeCallNotFound, KindNotFound, "Call not found", http.StatusNotFound)
}

// CallEndedError is returned for any mutation of a terminal call
func CallEndedError(status string) *AppError {
	return New(ErrCodeCallEnded, KindNotFound, "Call is no longer available", http.StatusNotFound).
		WithDetails(map[string]string{"status": status})
}

func ParticipantNotFoundError() *AppError {
	return New(ErrCodeParticipantNotFound, KindNotFound, "Participant not found in call", http.StatusNotFound)
}

// Conflict errors
func AlreadyInCallError(existingCallID string) *AppError {
	return New(ErrCodeAlreadyInCall, KindConflict, "Conversation already has an ongoing call", http.StatusConflict).
		WithDetails(map[string]string{"call_id": existingCallID})
}

// Rate limiting errors
func RateLimitExceededError() *AppError {
	return New(ErrCodeRateLimitExceeded, KindTransient, "Rate limit exceeded", http.StatusTooManyRequests)
}

// Internal errors
func InternalError(message string) *AppError {
	return New(ErrCodeInternal, KindInternal, message, http.StatusInternalServerError)
}

func StoreError(err error) *AppError {
	return Wrap(ErrCodeInternal, "Internal server error", err)
}

func ServiceUnavailableError(message string) *AppError {
	return New(ErrCodeServiceUnavail, KindTransient, message, http.StatusServiceUnavailable)
}

// IsAppError checks if an error is or wraps an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// HasCode reports whether err carries the given code
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrCodeInternal, "Internal server error", err)
}

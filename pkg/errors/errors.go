package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Authentication / authorization errors
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken  ErrorCode = "INVALID_TOKEN"
	ErrCodeNotAuthorized ErrorCode = "NOT_AUTHORIZED"

	// Session errors
	ErrCodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeSessionEnded      ErrorCode = "SESSION_ENDED"
	ErrCodeOutsideJoinWindow ErrorCode = "OUTSIDE_JOIN_WINDOW"

	// Signaling / call errors
	ErrCodeRoomCapacityExceeded ErrorCode = "ROOM_CAPACITY_EXCEEDED"
	ErrCodeSignalingUnavailable ErrorCode = "SIGNALING_UNAVAILABLE"
	ErrCodeConnectionFailed     ErrorCode = "CONNECTION_FAILED"
	ErrCodeDeviceUnavailable    ErrorCode = "DEVICE_UNAVAILABLE"

	// Conflict errors
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase       ErrorCode = "DATABASE_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
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

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Is reports whether err carries the given application error code
func Is(err error, code ErrorCode) bool {
	appErr := AsAppError(err)
	return appErr != nil && appErr.Code == code
}

// AsAppError extracts an AppError from an error chain, or nil
func AsAppError(err error) *AppError {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

// Authentication errors
func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

// NotAuthorizedError reports that the caller is not a participant of the resource
func NotAuthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeNotAuthorized, message, http.StatusForbidden)
}

// Session errors
func SessionNotFoundError(message string) *AppError {
	return NewWithStatus(ErrCodeSessionNotFound, message, http.StatusNotFound)
}

func SessionEndedError(message string) *AppError {
	return NewWithStatus(ErrCodeSessionEnded, message, http.StatusConflict)
}

func OutsideJoinWindowError(message string) *AppError {
	return NewWithStatus(ErrCodeOutsideJoinWindow, message, http.StatusForbidden)
}

// Signaling errors
func RoomCapacityExceededError(roomID string) *AppError {
	return NewWithStatus(ErrCodeRoomCapacityExceeded,
		fmt.Sprintf("room %s already has two participants", roomID), http.StatusForbidden)
}

func SignalingUnavailableError(err error) *AppError {
	return &AppError{
		Code:       ErrCodeSignalingUnavailable,
		Message:    "signaling server unreachable",
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

func ConnectionFailedError(message string) *AppError {
	return NewWithStatus(ErrCodeConnectionFailed, message, http.StatusServiceUnavailable)
}

func DeviceUnavailableError(err error) *AppError {
	return &AppError{
		Code:       ErrCodeDeviceUnavailable,
		Message:    "camera or microphone unavailable",
		StatusCode: http.StatusConflict,
		Err:        err,
	}
}

// Internal errors
func InternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func DatabaseError(err error) *AppError {
	return Wrap(ErrCodeDatabase, "database operation failed", err)
}

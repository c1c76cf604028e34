package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another AppError by code and message so sentinels work with errors.Is
// even after being wrapped with a cause.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// StatusCode maps the error code onto an HTTP status.
func (e *AppError) StatusCode() int {
	switch e.Code {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrValidation:
		return http.StatusBadRequest
	case ErrConflict:
		return http.StatusConflict
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrValidation
	ErrUnauthorized
	ErrForbidden
	ErrInternal
	ErrConflict
)

// Domain sentinels. Compare with errors.Is.
var (
	ErrPatientNotFound     = &AppError{Code: ErrNotFound, Message: "patient not found"}
	ErrProviderNotFound    = &AppError{Code: ErrNotFound, Message: "provider not found"}
	ErrUserNotFound        = &AppError{Code: ErrNotFound, Message: "user not found"}
	ErrGrantNotFound       = &AppError{Code: ErrNotFound, Message: "consent grant not found"}
	ErrInvalidRole         = &AppError{Code: ErrValidation, Message: "role must be PATIENT or PROVIDER"}
	ErrInvalidToken        = &AppError{Code: ErrValidation, Message: "invalid QR token"}
	ErrInvalidScope        = &AppError{Code: ErrValidation, Message: "invalid data scope"}
	ErrInvalidDecision     = &AppError{Code: ErrValidation, Message: "decision must be GRANT or DENY"}
	ErrRoleAlreadySet      = &AppError{Code: ErrConflict, Message: "role already assigned"}
	ErrDuplicatePending    = &AppError{Code: ErrConflict, Message: "pending consent request already exists for this patient"}
	ErrInvalidTransition   = &AppError{Code: ErrConflict, Message: "consent grant is not in a state that allows this action"}
	ErrNotAProvider        = &AppError{Code: ErrUnauthorized, Message: "requester must be a provider"}
	ErrNotAPatient         = &AppError{Code: ErrUnauthorized, Message: "operation requires a patient"}
	ErrUnauthenticated     = &AppError{Code: ErrUnauthorized, Message: "unauthorized"}
	ErrAuditWriteFailed    = &AppError{Code: ErrInternal, Message: "failed to record access"}
	ErrStorageUnavailable  = &AppError{Code: ErrInternal, Message: "storage failure"}
	ErrRequesterMismatched = &AppError{Code: ErrUnauthorized, Message: "requester does not match authenticated identity"}
)

// Wrap attaches a cause to a sentinel without losing its identity.
func Wrap(sentinel *AppError, err error) *AppError {
	return &AppError{Code: sentinel.Code, Message: sentinel.Message, Err: err}
}

// Error constructors
func NewNotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func NewValidation(message string, err error) *AppError {
	return &AppError{
		Code:    ErrValidation,
		Message: message,
		Err:     err,
	}
}

func NewConflict(message string, err error) *AppError {
	return &AppError{
		Code:    ErrConflict,
		Message: message,
		Err:     err,
	}
}

func NewInternal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal server error",
		Err:     err,
	}
}

// Common errors
func NotFound(resource string, err error) *AppError {
	return NewNotFound(resource, err)
}

func Validation(message string, err error) *AppError {
	return NewValidation(message, err)
}

func Internal(err error) *AppError {
	return NewInternal(err)
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

func Forbidden(message string) *AppError {
	return &AppError{
		Code:    ErrForbidden,
		Message: message,
	}
}

// CodeOf returns the taxonomy code of err, ErrInternal for anything untyped.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// As is re-exported so callers importing this package under the errors name keep stdlib access.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Is is re-exported for the same reason as As.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

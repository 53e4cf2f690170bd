package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")

	// ErrAccessDenied covers both a policy evaluating to false and any
	// evaluation error; callers never learn which.
	ErrAccessDenied = errors.New("access denied")

	// ErrVersionConflict means another worker already advanced the job.
	ErrVersionConflict = errors.New("version conflict")

	// ErrJobTerminal means the job is in a terminal stage and the event is
	// a duplicate to be acknowledged without effect.
	ErrJobTerminal = errors.New("job already terminal")

	// ErrLeaseExpired means an ack/fail arrived with a stale lock token.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrDeadLettered means the record left the normal retry flow and
	// requires operator intervention.
	ErrDeadLettered = errors.New("record dead-lettered")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

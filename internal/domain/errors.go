// Package domain defines core types, interfaces, and errors for the query service.
package domain

import "fmt"

// NotFoundError indicates a query was not found (or is owned by another user).
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates malformed or unsafe input. Not retriable as-is.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// RateLimitedError indicates the per-user rate limit rejected the call.
// Transient; retriable after backoff.
type RateLimitedError struct {
	Message string
}

func (e *RateLimitedError) Error() string { return e.Message }

// CapacityError indicates a concurrency ceiling or backpressure rejection
// (too many pending, too many running, or server busy). Retriable later.
type CapacityError struct {
	Message string
}

func (e *CapacityError) Error() string { return e.Message }

// ConflictError indicates the query exists but is not in the required state
// (e.g. results requested before success).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// InternalError indicates a data-integrity fault, such as a recorded success
// whose result artifact is missing. Surfaced generically to callers.
type InternalError struct {
	Message string
}

func (e *InternalError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrRateLimited creates a RateLimitedError with a formatted message.
func ErrRateLimited(format string, args ...interface{}) *RateLimitedError {
	return &RateLimitedError{Message: fmt.Sprintf(format, args...)}
}

// ErrCapacity creates a CapacityError with a formatted message.
func ErrCapacity(format string, args ...interface{}) *CapacityError {
	return &CapacityError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrInternal creates an InternalError with a formatted message.
func ErrInternal(format string, args ...interface{}) *InternalError {
	return &InternalError{Message: fmt.Sprintf(format, args...)}
}

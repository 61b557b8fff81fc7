package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already an *Error, the code, category and ids are carried over.
// Context errors map to TIMEOUT/CANCELED; anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var taskErr *Error
	if errors.As(err, &taskErr) {
		wrapped := &Error{
			code:      taskErr.code,
			category:  taskErr.category,
			message:   message,
			cause:     err,
			metadata:  taskErr.Metadata(),
			retryable: taskErr.retryable,
			timestamp: taskErr.timestamp,
			agentID:   taskErr.agentID,
			taskID:    taskErr.taskID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// AsTaskError extracts a TaskError from an error chain.
// Returns nil if none is found.
func AsTaskError(err error) TaskError {
	var taskErr *Error
	if errors.As(err, &taskErr) {
		return taskErr
	}
	return nil
}

// Is checks if the outermost *Error in the chain has the given code.
func Is(err error, code ErrorCode) bool {
	var taskErr *Error
	if errors.As(err, &taskErr) {
		return taskErr.code == code
	}
	return false
}

// IsRetryable checks if the error is retryable.
// Errors outside the taxonomy are not retryable.
func IsRetryable(err error) bool {
	var taskErr *Error
	if errors.As(err, &taskErr) {
		return taskErr.Retryable()
	}
	return false
}

// IsTransient checks if the error is transient.
func IsTransient(err error) bool {
	var taskErr *Error
	if errors.As(err, &taskErr) {
		return taskErr.category == CategoryTransient
	}
	return false
}

// Code extracts the error code from an error, if available.
func Code(err error) ErrorCode {
	var taskErr *Error
	if errors.As(err, &taskErr) {
		return taskErr.code
	}
	return ""
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

package errors

import (
	"fmt"
	"time"
)

// TaskError is the interface for all structured errors returned by the engine.
type TaskError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry
	// with an identical request.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of TaskError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use default based on category
	timestamp time.Time
	agentID   string
	taskID    string
}

var _ TaskError = (*Error)(nil)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// AgentID returns the owning agent ID, if set.
func (e *Error) AgentID() string {
	return e.agentID
}

// TaskID returns the related task ID, if set.
func (e *Error) TaskID() string {
	return e.taskID
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithAgentID sets the owning agent ID.
func WithAgentID(id string) Option {
	return func(e *Error) {
		e.agentID = id
	}
}

// WithTaskID sets the related task ID.
func WithTaskID(id string) Option {
	return func(e *Error) {
		e.taskID = id
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// StoreUnavailable creates an error for an unreachable block store.
func StoreUnavailable(op string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithCause(cause), WithMetadata("op", op)}, opts...)
	return New(ErrCodeStoreUnavailable, "block store unavailable during "+op, opts...)
}

// RecordNotFound creates an error for a missing live task record.
func RecordNotFound(agentID, taskID string) *Error {
	return New(ErrCodeRecordNotFound,
		fmt.Sprintf("task %s not found for agent %s", taskID, agentID),
		WithAgentID(agentID), WithTaskID(taskID))
}

// AlreadyExists creates an error for a duplicate live task id.
func AlreadyExists(agentID, taskID string) *Error {
	return New(ErrCodeAlreadyExists,
		fmt.Sprintf("task %s already live for agent %s", taskID, agentID),
		WithAgentID(agentID), WithTaskID(taskID))
}

// ArchivalFailure creates an error for a failed archival attempt.
// The live record is retained, so retrying completion is safe.
func ArchivalFailure(agentID, taskID string, cause error) *Error {
	return New(ErrCodeArchivalFailure,
		fmt.Sprintf("archiving task %s", taskID),
		WithCause(cause), WithAgentID(agentID), WithTaskID(taskID))
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// TaskFinished creates an error for a mutation attempted on a terminal record.
func TaskFinished(agentID, taskID string) *Error {
	return New(ErrCodeTaskFinished,
		fmt.Sprintf("task %s already finished", taskID),
		WithAgentID(agentID), WithTaskID(taskID))
}

// Corruption creates an error for an undecodable stored value.
func Corruption(message string, cause error, opts ...Option) *Error {
	return New(ErrCodeCorruption, message, append(opts, WithCause(cause))...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}

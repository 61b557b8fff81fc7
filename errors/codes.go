package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: block store unreachable, passage index write timed out.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: unknown task id, malformed input.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors, bugs, or corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes used by the task memory engine.
const (
	// Transient errors
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE" // Block store unreachable
	ErrCodeArchivalFailure  ErrorCode = "ARCHIVAL_FAILURE"  // Formatter or index write failed
	ErrCodeTimeout          ErrorCode = "TIMEOUT"           // Operation timed out

	// Permanent errors
	ErrCodeRecordNotFound     ErrorCode = "RECORD_NOT_FOUND"    // No live record for the task id
	ErrCodeAlreadyExists      ErrorCode = "ALREADY_EXISTS"      // Live record already exists
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"       // Malformed or missing input
	ErrCodeTaskFinished       ErrorCode = "TASK_FINISHED"       // Mutation of a terminal record
	ErrCodeProgressRegression ErrorCode = "PROGRESS_REGRESSION" // Lower percentage rejected (warning only)
	ErrCodeCanceled           ErrorCode = "CANCELED"            // Operation was canceled

	// Internal errors
	ErrCodeInternal   ErrorCode = "INTERNAL"   // Unexpected internal error
	ErrCodeCorruption ErrorCode = "CORRUPTION" // Stored value could not be decoded
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeStoreUnavailable, ErrCodeArchivalFailure, ErrCodeTimeout:
		return CategoryTransient
	case ErrCodeRecordNotFound, ErrCodeAlreadyExists, ErrCodeInvalidInput,
		ErrCodeTaskFinished, ErrCodeProgressRegression, ErrCodeCanceled:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeStoreUnavailable:   "block store unavailable",
	ErrCodeArchivalFailure:    "task archival failed",
	ErrCodeTimeout:            "operation timed out",
	ErrCodeRecordNotFound:     "task record not found",
	ErrCodeAlreadyExists:      "task record already exists",
	ErrCodeInvalidInput:       "invalid input provided",
	ErrCodeTaskFinished:       "task already finished",
	ErrCodeProgressRegression: "progress regression rejected",
	ErrCodeCanceled:           "operation canceled",
	ErrCodeInternal:           "internal error",
	ErrCodeCorruption:         "stored value corrupted",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}

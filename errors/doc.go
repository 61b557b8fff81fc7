// Package errors provides the structured error taxonomy of the task memory
// engine.
//
// # Error Categories
//
//   - Transient: retry with an identical request may succeed (STORE_UNAVAILABLE,
//     ARCHIVAL_FAILURE, TIMEOUT)
//   - Permanent: retry will not help (RECORD_NOT_FOUND, ALREADY_EXISTS,
//     INVALID_INPUT, TASK_FINISHED)
//   - Internal: bugs or corrupted state (INTERNAL, CORRUPTION)
//
// PROGRESS_REGRESSION exists so a rejected percentage can be logged with a
// code; it is recorded on the task as a warning and never returned by
// RecordProgress.
//
// # Usage
//
//	err := errors.StoreUnavailable("put", cause, errors.WithAgentID(agentID))
//
//	if errors.IsRetryable(err) {
//	    // retry with the same record; the upsert is idempotent
//	}
//
//	if errors.Is(err, errors.ErrCodeRecordNotFound) {
//	    // caller bug: the task was never created or already archived
//	}
package errors

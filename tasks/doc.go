// Package tasks models the live record of one task and persists it as a
// memory block.
//
// # Lifecycle
//
//	pending → in_progress → completed
//	                      ↘ failed
//
// NewRecord produces the pending record. ApplyProgress merges a Partial
// update: scalars overwrite, telemetry lists union, and the percentage
// never moves backwards (a lower value is turned into a warning).
// Finalize performs the single terminal transition; failed tasks are
// promoted to critical archive priority.
//
// All merge functions are pure: they return a modified copy and never
// touch their input.
//
// # Persistence
//
// Store keeps each record in the block labelled "claude_task_<task_id>"
// with a metadata mirror (status, updated_at, task_type,
// archive_priority, description) that lets listings filter by status
// without decoding values. Create and Update are the same idempotent
// upsert, so a caller may retry either after a STORE_UNAVAILABLE error.
//
//	store := tasks.NewStore(blocks.NewKVStore(state.NewMemoryStore()))
//	rec := tasks.NewRecord("agent-1", id, prompt, "/work", classify.Classify(prompt), time.Now())
//	_ = store.Create(ctx, rec)
//
//	rec, _ = tasks.ApplyProgress(rec, tasks.Partial{ProgressPercentage: tasks.Int(40)}, time.Now())
//	_ = store.Update(ctx, rec)
package tasks

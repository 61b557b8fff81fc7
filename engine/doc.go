// Package engine is the caller-facing boundary of the task memory system.
//
// An Engine ties the pieces together: CreateTask classifies the prompt
// and stores a pending record, RecordProgress/RecordWarning/RecordError
// mutate it while the task runs, and CompleteTask performs the single
// terminal transition and hands the record to the archive.
//
// # Ordering
//
// Operations on one task are serialized in process, so concurrent
// callers cannot interleave a read-merge-write. Callers must still
// deliver progress in the order the executor produced it (see the
// executor package). Operations on different tasks proceed in parallel.
//
// # Completion and retry
//
// A completed or failed record that should be archived is formatted,
// written to the passage index and the bounded archive list, and then
// deleted. If any archival step fails the terminal record stays live and
// CompleteTask returns ARCHIVAL_FAILURE; calling it again only retries
// archival. A passage already written for the task is reused, so a retry
// never duplicates archived text.
//
// Records below the archive threshold are deleted once finalized. If that
// deletion fails the terminal record stays live and a later CompleteTask
// only retries the deletion.
//
// # Example
//
//	kv := state.NewMemoryStore()
//	b := blocks.NewKVStore(kv)
//	idx, _ := passage.NewBleveIndex(passage.BleveConfig{})
//	eng := engine.New(tasks.NewStore(b), archive.New(b, idx))
//
//	rec, _ := eng.CreateTask(ctx, "agent-1", "Run the tests then commit", "/work")
//	_, _ = eng.RecordProgress(ctx, "agent-1", rec.TaskID, tasks.Partial{ProgressPercentage: tasks.Int(50)})
//	_, err := eng.CompleteTask(ctx, "agent-1", rec.TaskID, "all green", true, tasks.Metrics{})
//	if taskerr.Is(err, taskerr.ErrCodeArchivalFailure) {
//		// the terminal record is still live; retry CompleteTask later
//	}
package engine

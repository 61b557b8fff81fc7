// Package executor connects task executors to the engine.
//
// An executor reports a task's life as a stream of events: zero or more
// progress, warning and error events followed by exactly one terminal
// event. Executors publish them with a Publisher on
// "<prefix>.<agent_id>.<task_id>"; the engine side turns the subscription
// into a channel with Listen and applies it with a Driver.
//
// # Ordering
//
// Merging progress is not commutative, so the Driver keeps one FIFO queue
// and one worker goroutine per task. Events of a task are applied
// strictly in arrival order; a slow task never delays another. The
// worker exits after its terminal event has been applied and its queue
// is empty. A terminal event the engine rejected (for example with
// ARCHIVAL_FAILURE) leaves the worker running, so re-delivering the
// event retries completion.
//
//	events, _ := executor.Listen(ctx, b, executor.DefaultPrefix, logger)
//	d := executor.NewDriver(eng,
//		executor.WithRetry(3, 200*time.Millisecond),
//		executor.OnError(func(ev executor.Event, err error) { ... }),
//	)
//	err := d.Run(ctx, events)
package executor

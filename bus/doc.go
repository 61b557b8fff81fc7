// Package bus carries executor events to the task memory engine.
//
// # Overview
//
// The MessageBus interface is a small pub/sub contract with channel-based
// subscriptions. Executors publish one message per lifecycle event on
// "<prefix>.<agent_id>.<task_id>"; the engine side subscribes to
// "<prefix>.>" and feeds the executor driver.
//
// # Available Implementations
//
//   - NATSBus: core NATS, sharing its connection with the JetStream state store
//   - MemoryBus: in-process implementation for tests and single-process use
//
// # Ordering
//
// Both implementations deliver the messages of one subscription in
// publish order. There are no queue groups: load-balancing individual
// messages across consumers would split a task's events between
// processes and break per-task ordering.
//
// # Backpressure
//
// Subscription channels are buffered (Config.BufferSize). When a buffer
// is full the message is dropped and counted; Dropped exposes the count.
//
//	b := bus.NewMemoryBus(bus.DefaultConfig())
//	sub, _ := b.Subscribe("taskmem.events.>")
//	b.Publish("taskmem.events.agent-1.task-9", payload)
//	for msg := range sub.Messages() {
//	    // decode msg.Data
//	}
package bus

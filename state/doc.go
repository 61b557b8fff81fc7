// Package state provides the remote key-value backends that hold task
// memory blocks.
//
// The StateStore interface offers last-write-wins Get/Put/Delete, prefix
// listing, change watches and expiring locks across several backends:
//
//   - MemoryStore: in-process, for tests and single-process deployments
//   - NATSStore: NATS JetStream KV bucket
//   - RedisStore: Redis hashes, SCAN listing, keyspace-notification watches
//
// # Usage
//
//	nc, _ := nats.Connect(nats.DefaultURL)
//	store, _ := state.NewNATSStore(ctx, state.NATSStoreConfig{
//	    Conn:   nc,
//	    Bucket: "taskmem",
//	})
//
//	// Testing: In-memory
//	store := state.NewMemoryStore()
//
//	_ = store.Put(ctx, "agents.a1.blocks.claude_task_42", data)
//	keys, _ := store.Keys(ctx, "agents.a1.blocks.*")
//
//	// Cross-process serialization
//	lock, err := store.Lock(ctx, "archive.a1", 30*time.Second)
//	if err == nil {
//	    defer lock.Unlock(ctx)
//	}
//
// Any backend failure other than a missing key wraps ErrUnavailable so the
// layers above can report it as a transient, retryable condition.
package state

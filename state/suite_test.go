package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// runStoreSuite exercises the StateStore contract against any backend.
// newStore must return an empty store; the suite closes it.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) StateStore) {
	ctx := context.Background()

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		if _, err := s.Get(ctx, "missing.key"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PutGetOverwrite", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		if err := s.Put(ctx, "agents.a1.blocks.x", []byte("one")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := s.Put(ctx, "agents.a1.blocks.x", []byte("two")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get(ctx, "agents.a1.blocks.x")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != "two" {
			t.Errorf("expected last write to win, got %q", got)
		}
		kv, err := s.GetKeyValue(ctx, "agents.a1.blocks.x")
		if err != nil {
			t.Fatalf("GetKeyValue failed: %v", err)
		}
		if kv.Operation != OpPut || kv.Modified.IsZero() {
			t.Errorf("unexpected entry %+v", kv)
		}
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		_ = s.Put(ctx, "k.one", []byte("v"))
		if err := s.Delete(ctx, "k.one"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := s.Delete(ctx, "k.one"); err != nil {
			t.Fatalf("second Delete failed: %v", err)
		}
		if _, err := s.Get(ctx, "k.one"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("KeysPrefix", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		for _, k := range []string{"agents.a1.blocks.claude_task_1", "agents.a1.blocks.claude_task_2", "agents.a2.blocks.claude_task_3"} {
			if err := s.Put(ctx, k, []byte("v")); err != nil {
				t.Fatalf("Put %s: %v", k, err)
			}
		}
		keys, err := s.Keys(ctx, "agents.a1.*")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != 2 {
			t.Errorf("expected 2 keys, got %v", keys)
		}
	})

	t.Run("InvalidKey", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		if err := s.Put(ctx, "", []byte("v")); err != ErrInvalidKey {
			t.Errorf("expected ErrInvalidKey, got %v", err)
		}
	})

	t.Run("LockExclusive", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		lock, err := s.Lock(ctx, "archive.a1", time.Minute)
		if err != nil {
			t.Fatalf("Lock failed: %v", err)
		}
		if _, err := s.Lock(ctx, "archive.a1", time.Minute); err != ErrLockHeld {
			t.Errorf("expected ErrLockHeld, got %v", err)
		}
		if err := lock.Refresh(ctx); err != nil {
			t.Errorf("Refresh failed: %v", err)
		}
		if err := lock.Unlock(ctx); err != nil {
			t.Fatalf("Unlock failed: %v", err)
		}
		if err := lock.Unlock(ctx); err != ErrLockNotHeld {
			t.Errorf("expected ErrLockNotHeld on double unlock, got %v", err)
		}
		again, err := s.Lock(ctx, "archive.a1", time.Minute)
		if err != nil {
			t.Fatalf("re-Lock failed: %v", err)
		}
		_ = again.Unlock(ctx)
	})

	t.Run("LockExpires", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		if _, err := s.Lock(ctx, "archive.a2", 50*time.Millisecond); err != nil {
			t.Fatalf("Lock failed: %v", err)
		}
		time.Sleep(120 * time.Millisecond)
		lock, err := s.Lock(ctx, "archive.a2", time.Minute)
		if err != nil {
			t.Fatalf("expected expired lock to be taken over, got %v", err)
		}
		_ = lock.Unlock(ctx)
	})

	t.Run("LockContention", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Lock(ctx, "archive.contended", time.Minute); err == nil {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("expected exactly one winner, got %d", wins)
		}
	})

	t.Run("WatchPutDelete", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := s.Watch(wctx, "agents.w.*")
		if err != nil {
			t.Fatalf("Watch failed: %v", err)
		}
		_ = s.Put(ctx, "agents.other.x", []byte("ignored"))
		_ = s.Put(ctx, "agents.w.x", []byte("seen"))
		expectEvent(t, ch, "agents.w.x", OpPut)
		_ = s.Delete(ctx, "agents.w.x")
		expectEvent(t, ch, "agents.w.x", OpDelete)

		cancel()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
			case <-deadline:
				t.Fatal("watch channel not closed after cancel")
			}
		}
	})

	t.Run("Closed", func(t *testing.T) {
		s := newStore(t)
		if err := s.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("second Close failed: %v", err)
		}
		if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	})
}

// uniqueName produces a per-test bucket or prefix name.
func uniqueName(t *testing.T) string {
	return fmt.Sprintf("taskmem-test-%d", time.Now().UnixNano())
}

func expectEvent(t *testing.T, ch <-chan *KeyValue, key string, op Operation) {
	t.Helper()
	select {
	case kv := <-ch:
		if kv.Key != key || kv.Operation != op {
			t.Errorf("got %s %s, want %s %s", kv.Operation, kv.Key, op, key)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s %s", op, key)
	}
}

package state

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements StateStore using in-memory storage.
// Useful for testing and single-process scenarios.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	locks    map[string]*memoryLock
	watchers []*watcher
	revision uint64
	closed   atomic.Bool
	done     chan struct{}
}

type entry struct {
	value    []byte
	revision uint64
	modified time.Time
}

type watcher struct {
	pattern string
	ch      chan *KeyValue
	closed  atomic.Bool
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]*entry),
		locks: make(map[string]*memoryLock),
		done:  make(chan struct{}),
	}
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	kv, err := s.GetKeyValue(ctx, key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *MemoryStore) GetKeyValue(ctx context.Context, key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	return &KeyValue{
		Key:       key,
		Value:     cloneBytes(e.value),
		Revision:  e.revision,
		Operation: OpPut,
		Modified:  e.modified,
	}, nil
}

// Put stores a value.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.revision++
	e := &entry{
		value:    cloneBytes(value),
		revision: s.revision,
		modified: time.Now(),
	}
	s.data[key] = e

	s.notifyWatchers(&KeyValue{
		Key:       key,
		Value:     cloneBytes(value),
		Revision:  e.revision,
		Operation: OpPut,
		Modified:  e.modified,
	})
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		delete(s.data, key)
		s.revision++
		s.notifyWatchers(&KeyValue{
			Key:       key,
			Revision:  s.revision,
			Operation: OpDelete,
			Modified:  time.Now(),
		})
	}
	return nil
}

// Keys returns all keys matching a pattern, sorted.
func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.data {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Revision returns the store's current global revision.
// Each Put and each effective Delete advances it by one.
func (s *MemoryStore) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Watch streams changes to keys matching a pattern.
func (s *MemoryStore) Watch(ctx context.Context, pattern string) (<-chan *KeyValue, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	w := &watcher{
		pattern: pattern,
		ch:      make(chan *KeyValue, 64),
	}

	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.removeWatcher(w)
		case <-s.done:
		}
	}()

	return w.ch, nil
}

// notifyWatchers sends a change to matching watchers.
// Must be called with lock held.
func (s *MemoryStore) notifyWatchers(kv *KeyValue) {
	for _, w := range s.watchers {
		if w.closed.Load() || !MatchPattern(w.pattern, kv.Key) {
			continue
		}
		select {
		case w.ch <- kv:
		default:
			// Channel full, drop notification
		}
	}
}

func (s *MemoryStore) removeWatcher(target *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, w := range s.watchers {
		if w == target {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			break
		}
	}
	if !target.closed.Swap(true) {
		close(target.ch)
	}
}

// Lock acquires a lock with the given TTL.
func (s *MemoryStore) Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ValidateTTL(ttl); err != nil {
		return nil, err
	}
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey(key)
	if existing, ok := s.locks[k]; ok {
		if !existing.released.Load() && time.Now().Before(existing.expires) {
			return nil, ErrLockHeld
		}
	}

	lock := &memoryLock{
		store:   s,
		key:     k,
		ttl:     ttl,
		expires: time.Now().Add(ttl),
	}
	s.locks[k] = lock
	return lock, nil
}

// Close shuts down the store and closes all watch channels.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.watchers {
		if !w.closed.Swap(true) {
			close(w.ch)
		}
	}
	s.watchers = nil
	s.data = make(map[string]*entry)
	s.locks = make(map[string]*memoryLock)
	return nil
}

func (s *MemoryStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return unavailable("memory", err)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// memoryLock implements the Lock interface for MemoryStore.
type memoryLock struct {
	store    *MemoryStore
	key      string
	ttl      time.Duration
	expires  time.Time
	released atomic.Bool
}

// Unlock releases the lock.
func (l *memoryLock) Unlock(ctx context.Context) error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	if current, ok := l.store.locks[l.key]; ok && current == l {
		delete(l.store.locks, l.key)
	}
	return nil
}

// Refresh extends the lock TTL.
func (l *memoryLock) Refresh(ctx context.Context) error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	if time.Now().After(l.expires) {
		l.released.Store(true)
		if current, ok := l.store.locks[l.key]; ok && current == l {
			delete(l.store.locks, l.key)
		}
		return ErrLockExpired
	}

	l.expires = time.Now().Add(l.ttl)
	return nil
}

// Key returns the lock key.
func (l *memoryLock) Key() string {
	return l.key
}

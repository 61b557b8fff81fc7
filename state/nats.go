package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements StateStore using NATS JetStream KV.
type NATSStore struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool

	lockMu sync.Mutex
	locks  map[string]*natsLock
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// History is the number of revisions to keep per key.
	// Default: 1
	History int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 1MB
	MaxValueSize int32
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "taskmem",
		History:      1,
		MaxValueSize: 1024 * 1024, // 1MB
	}
}

// NewNATSStore creates the KV bucket if needed and returns a store bound to it.
func NewNATSStore(ctx context.Context, cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	defaults := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = defaults.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = defaults.MaxValueSize
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, unavailable("jetstream", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, unavailable("create kv bucket", err)
	}

	return &NATSStore{
		conn:   cfg.Conn,
		js:     js,
		kv:     kv,
		config: cfg,
		locks:  make(map[string]*natsLock),
	}, nil
}

// Bucket returns the name of the backing KV bucket.
func (s *NATSStore) Bucket() string {
	return s.config.Bucket
}

// Get retrieves a value by key.
func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	kv, err := s.GetKeyValue(ctx, key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *NATSStore) GetKeyValue(ctx context.Context, key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable("kv get", err)
	}
	return fromEntry(entry), nil
}

// fromEntry converts a JetStream entry. NATS KV reports the last write
// time as Created.
func fromEntry(entry jetstream.KeyValueEntry) *KeyValue {
	return &KeyValue{
		Key:       entry.Key(),
		Value:     entry.Value(),
		Revision:  entry.Revision(),
		Operation: opFromNATS(entry.Operation()),
		Modified:  entry.Created(),
	}
}

// opFromNATS converts NATS operation to our Operation type.
func opFromNATS(op jetstream.KeyValueOp) Operation {
	switch op {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		return OpDelete
	default:
		return OpPut
	}
}

// Put stores a value.
func (s *NATSStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return unavailable("kv put", err)
	}
	return nil
}

// Delete removes a key.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	err := s.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return unavailable("kv delete", err)
	}
	return nil
}

// Keys returns all keys matching a pattern.
func (s *NATSStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, unavailable("kv list keys", err)
	}
	defer lister.Stop()

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, "_lock.") && !strings.HasPrefix(pattern, "_lock.") {
			continue
		}
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// natsSubject converts a trailing-star pattern to a NATS subject filter.
func natsSubject(pattern string) string {
	if pattern == "*" || pattern == "" {
		return ">"
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.TrimSuffix(pattern, "*") + ">"
	}
	return pattern
}

// Watch streams changes to keys matching a pattern.
func (s *NATSStore) Watch(ctx context.Context, pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var (
		watcher jetstream.KeyWatcher
		err     error
	)
	subject := natsSubject(pattern)
	// A bare prefix such as "agents.a1.blocks.claude_task_*" is not a valid
	// subject; watch everything and filter locally.
	if subject == ">" || strings.HasSuffix(pattern, "*") && !strings.HasSuffix(pattern, ".*") {
		watcher, err = s.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	} else {
		watcher, err = s.kv.Watch(ctx, subject, jetstream.UpdatesOnly())
	}
	if err != nil {
		return nil, unavailable("kv watch", err)
	}

	ch := make(chan *KeyValue, 64)
	go s.watchLoop(ctx, watcher, ch, pattern)
	return ch, nil
}

func (s *NATSStore) watchLoop(ctx context.Context, watcher jetstream.KeyWatcher, ch chan *KeyValue, pattern string) {
	defer close(ch)
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok || s.closed.Load() {
				return
			}
			if entry == nil || !MatchPattern(pattern, entry.Key()) {
				continue
			}
			select {
			case ch <- fromEntry(entry):
			default:
				// Channel full
			}
		}
	}
}

// Lock acquires a distributed lock. The lock entry stores its expiry as
// a unix-nano timestamp; an expired entry is taken over with a
// revision-checked update so two contenders cannot both win.
func (s *NATSStore) Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ValidateTTL(ttl); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	k := lockKey(key)
	value := expiryValue(time.Now().Add(ttl))

	rev, err := s.kv.Create(ctx, k, value)
	if err != nil {
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return nil, unavailable("acquire lock", err)
		}
		entry, gerr := s.kv.Get(ctx, k)
		if gerr != nil {
			if errors.Is(gerr, jetstream.ErrKeyNotFound) {
				return nil, ErrLockHeld
			}
			return nil, unavailable("check lock", gerr)
		}
		if time.Now().Before(parseExpiry(entry.Value())) {
			return nil, ErrLockHeld
		}
		rev, err = s.kv.Update(ctx, k, value, entry.Revision())
		if err != nil {
			return nil, ErrLockHeld
		}
	}

	lock := &natsLock{store: s, key: k, ttl: ttl, revision: rev}

	s.lockMu.Lock()
	s.locks[k] = lock
	s.lockMu.Unlock()

	return lock, nil
}

// Close shuts down the store. Locks still held are left to expire.
func (s *NATSStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	for _, lock := range s.locks {
		lock.released.Store(true)
	}
	s.locks = nil
	return nil
}

func expiryValue(t time.Time) []byte {
	return []byte(strconv.FormatInt(t.UnixNano(), 10))
}

func parseExpiry(b []byte) time.Time {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// natsLock implements the Lock interface for NATSStore.
type natsLock struct {
	store    *NATSStore
	key      string
	ttl      time.Duration
	mu       sync.Mutex
	revision uint64
	released atomic.Bool
}

// Unlock releases the lock.
func (l *natsLock) Unlock(ctx context.Context) error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	l.store.lockMu.Lock()
	delete(l.store.locks, l.key)
	l.store.lockMu.Unlock()

	l.mu.Lock()
	rev := l.revision
	l.mu.Unlock()

	err := l.store.kv.Delete(ctx, l.key, jetstream.LastRevision(rev))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		// Someone else took over an expired lock; nothing of ours to release.
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
			return nil
		}
		return unavailable("release lock", err)
	}
	return nil
}

// Refresh extends the lock TTL.
func (l *natsLock) Refresh(ctx context.Context) error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rev, err := l.store.kv.Update(ctx, l.key, expiryValue(time.Now().Add(l.ttl)), l.revision)
	if err != nil {
		l.released.Store(true)
		return ErrLockExpired
	}
	l.revision = rev
	return nil
}

// Key returns the lock key.
func (l *natsLock) Key() string {
	return l.key
}

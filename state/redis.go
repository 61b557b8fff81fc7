package state

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements StateStore on a Redis server.
// Keys are namespaced under Prefix. Redis keeps no per-key revision, so
// KeyValue.Revision is always 0; Modified is kept in a companion field.
type RedisStore struct {
	client redis.UniversalClient
	config RedisStoreConfig
	closed atomic.Bool

	lockMu sync.Mutex
	locks  map[string]*redisLock
}

// RedisStoreConfig holds Redis store configuration.
type RedisStoreConfig struct {
	// Client is an existing client. When nil, one is created from Addr.
	Client redis.UniversalClient

	// Addr is the server address (host:port).
	Addr string

	// Password for AUTH, if any.
	Password string

	// DB selects the logical database.
	DB int

	// Prefix namespaces every key. Default: "taskmem:"
	Prefix string
}

// DefaultRedisStoreConfig returns configuration with sensible defaults.
func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		Addr:   "localhost:6379",
		Prefix: "taskmem:",
	}
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	defaults := DefaultRedisStoreConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = defaults.Prefix
	}
	if cfg.Client == nil {
		if cfg.Addr == "" {
			cfg.Addr = defaults.Addr
		}
		cfg.Client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}

	if err := cfg.Client.Ping(ctx).Err(); err != nil {
		return nil, unavailable("redis ping", err)
	}

	return &RedisStore{
		client: cfg.Client,
		config: cfg,
		locks:  make(map[string]*redisLock),
	}, nil
}

func (s *RedisStore) fullKey(key string) string {
	return s.config.Prefix + key
}

// Get retrieves a value by key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	kv, err := s.GetKeyValue(ctx, key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *RedisStore) GetKeyValue(ctx context.Context, key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	vals, err := s.client.HMGet(ctx, s.fullKey(key), "v", "m").Result()
	if err != nil {
		return nil, unavailable("redis hmget", err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return nil, ErrNotFound
	}

	kv := &KeyValue{Key: key, Operation: OpPut}
	if v, ok := vals[0].(string); ok {
		kv.Value = []byte(v)
	}
	if m, ok := vals[1].(string); ok {
		if t, perr := time.Parse(time.RFC3339Nano, m); perr == nil {
			kv.Modified = t
		}
	}
	return kv, nil
}

// Put stores a value.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	err := s.client.HSet(ctx, s.fullKey(key),
		"v", value,
		"m", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return unavailable("redis hset", err)
	}
	return nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	if err := s.client.Del(ctx, s.fullKey(key)).Err(); err != nil {
		return unavailable("redis del", err)
	}
	return nil
}

// Keys returns all keys matching a pattern.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	match := s.config.Prefix + globPattern(pattern)
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return nil, unavailable("redis scan", err)
		}
		for _, full := range batch {
			key := strings.TrimPrefix(full, s.config.Prefix)
			if strings.HasPrefix(key, "_lock.") && !strings.HasPrefix(pattern, "_lock.") {
				continue
			}
			if MatchPattern(pattern, key) {
				keys = append(keys, key)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// globPattern escapes Redis glob metacharacters except a trailing star.
func globPattern(pattern string) string {
	if pattern == "*" || pattern == "" {
		return "*"
	}
	star := strings.HasSuffix(pattern, "*")
	body := strings.TrimSuffix(pattern, "*")
	var b strings.Builder
	for _, r := range body {
		switch r {
		case '?', '[', ']', '\\', '*':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	if star {
		b.WriteByte('*')
	}
	return b.String()
}

// Watch streams changes using keyspace notifications. The server must
// have notify-keyspace-events enabled for hash and generic events; Watch
// attempts to enable them and carries on if CONFIG is not permitted.
func (s *RedisStore) Watch(ctx context.Context, pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	_ = s.client.ConfigSet(ctx, "notify-keyspace-events", "Kgh").Err()

	db := 0
	if c, ok := s.client.(*redis.Client); ok {
		db = c.Options().DB
	}
	channelPrefix := "__keyspace@" + strconv.Itoa(db) + "__:"
	pubsub := s.client.PSubscribe(ctx, channelPrefix+s.config.Prefix+globPattern(pattern))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, unavailable("redis psubscribe", err)
	}

	ch := make(chan *KeyValue, 64)
	go func() {
		defer close(ch)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok || s.closed.Load() {
					return
				}
				key := strings.TrimPrefix(strings.TrimPrefix(msg.Channel, channelPrefix), s.config.Prefix)
				if !MatchPattern(pattern, key) {
					continue
				}
				var kv *KeyValue
				switch msg.Payload {
				case "hset":
					got, err := s.GetKeyValue(ctx, key)
					if err != nil {
						continue
					}
					kv = got
				case "del", "expired":
					kv = &KeyValue{Key: key, Operation: OpDelete, Modified: time.Now()}
				default:
					continue
				}
				select {
				case ch <- kv:
				default:
					// Channel full
				}
			}
		}
	}()
	return ch, nil
}

// Token-checked release and refresh so a holder whose lock expired and
// was taken over cannot touch the new holder's lock.
var (
	unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Lock acquires a lock using SET NX PX.
func (s *RedisStore) Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
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
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.fullKey(k), token, ttl).Result()
	if err != nil {
		return nil, unavailable("redis setnx", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	lock := &redisLock{store: s, key: k, token: token, ttl: ttl}
	s.lockMu.Lock()
	s.locks[k] = lock
	s.lockMu.Unlock()
	return lock, nil
}

// Close shuts down the store and the underlying client.
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.lockMu.Lock()
	for _, lock := range s.locks {
		lock.released.Store(true)
	}
	s.locks = nil
	s.lockMu.Unlock()

	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// redisLock implements the Lock interface for RedisStore.
type redisLock struct {
	store    *RedisStore
	key      string
	token    string
	ttl      time.Duration
	released atomic.Bool
}

// Unlock releases the lock.
func (l *redisLock) Unlock(ctx context.Context) error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	l.store.lockMu.Lock()
	delete(l.store.locks, l.key)
	l.store.lockMu.Unlock()

	err := unlockScript.Run(ctx, l.store.client, []string{l.store.fullKey(l.key)}, l.token).Err()
	if err != nil {
		return unavailable("release lock", err)
	}
	return nil
}

// Refresh extends the lock TTL.
func (l *redisLock) Refresh(ctx context.Context) error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	n, err := refreshScript.Run(ctx, l.store.client,
		[]string{l.store.fullKey(l.key)}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return unavailable("refresh lock", err)
	}
	if n == 0 {
		l.released.Store(true)
		return ErrLockExpired
	}
	return nil
}

// Key returns the lock key.
func (l *redisLock) Key() string {
	return l.key
}

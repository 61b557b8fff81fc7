package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound    = errors.New("key not found")
	ErrClosed      = errors.New("store closed")
	ErrUnavailable = errors.New("store unavailable")
	ErrLockHeld    = errors.New("lock already held")
	ErrLockNotHeld = errors.New("lock not held")
	ErrLockExpired = errors.New("lock expired")
	ErrInvalidKey  = errors.New("invalid key")
	ErrInvalidTTL  = errors.New("invalid TTL")
)

// Operation represents the type of change to a key.
type Operation int

const (
	// OpPut indicates a key was created or updated.
	OpPut Operation = iota
	// OpDelete indicates a key was deleted.
	OpDelete
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// KeyValue represents a key-value entry with metadata.
type KeyValue struct {
	// Key is the entry key.
	Key string

	// Value is the entry value. Nil for deletes.
	Value []byte

	// Revision is a monotonic version number.
	// Backends without native revisions report 0.
	Revision uint64

	// Operation indicates the type of change.
	Operation Operation

	// Modified is when the key was last written.
	Modified time.Time
}

// StateStore is a remote key-value store with last-write-wins semantics.
// Every method that talks to the backend takes a context; backend failures
// other than a missing key are reported wrapping ErrUnavailable.
type StateStore interface {
	// Get retrieves a value by key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetKeyValue retrieves the full KeyValue entry.
	// Returns ErrNotFound if the key does not exist.
	GetKeyValue(ctx context.Context, key string) (*KeyValue, error)

	// Put stores a value, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes a key.
	// Returns nil if the key does not exist.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys matching a pattern.
	// Pattern supports * wildcard at the end (e.g., "agents.a1.*").
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Watch streams changes to keys matching a pattern until ctx is done
	// or the store closes, then closes the channel.
	Watch(ctx context.Context, pattern string) (<-chan *KeyValue, error)

	// Lock acquires a lock that expires after ttl unless refreshed.
	// Returns ErrLockHeld if the lock is already held.
	Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error)

	// Close shuts down the store and releases resources.
	Close() error
}

// Lock represents a held lock.
type Lock interface {
	// Unlock releases the lock.
	// Returns ErrLockNotHeld if already released.
	Unlock(ctx context.Context) error

	// Refresh extends the lock TTL.
	// Returns ErrLockExpired if the lock has expired.
	Refresh(ctx context.Context) error

	// Key returns the lock key.
	Key() string
}

// ValidateKey checks if a key is valid.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, " \t\n*>") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	if len(key) > 1024 {
		return ErrInvalidKey
	}
	return nil
}

// ValidateTTL checks if a lock TTL is valid.
func ValidateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MatchPattern checks if a key matches a pattern.
// Supports * wildcard at the end (e.g., "config.*" matches "config.foo").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}

// unavailable wraps a backend failure so callers can test for ErrUnavailable
// while keeping the backend error in the chain.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// lockKey is the key under which a lock for key is stored.
func lockKey(key string) string {
	return "_lock." + key
}

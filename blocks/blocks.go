// Package blocks stores labelled memory blocks per agent.
//
// A block is a string value with a small flat metadata map, addressed by
// (agent id, label). Metadata lets callers filter blocks without decoding
// their values. Writes are last-write-wins.
package blocks

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when no block has the label.
var ErrNotFound = errors.New("block not found")

// Block is one labelled unit of agent memory.
type Block struct {
	Label     string            `json:"label"`
	Value     string            `json:"value"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Change is a block write or deletion observed by Watch.
type Change struct {
	AgentID string
	Label   string
	// Block is nil when Deleted is set.
	Block   *Block
	Deleted bool
}

// Store is the block store contract.
type Store interface {
	// Put creates or overwrites the block.
	Put(ctx context.Context, agentID, label, value string, metadata map[string]string) error

	// Get returns the block or ErrNotFound.
	Get(ctx context.Context, agentID, label string) (*Block, error)

	// List returns every block of the agent, ordered by label.
	List(ctx context.Context, agentID string) ([]*Block, error)

	// Delete removes the block. Deleting a missing block is not an error.
	Delete(ctx context.Context, agentID, label string) error
}

// Watcher is implemented by stores that can stream changes.
type Watcher interface {
	Watch(ctx context.Context, agentID string) (<-chan Change, error)
}

// ValidateSegment checks that an agent id or label can be used as one
// segment of a backend key.
func ValidateSegment(s string) bool {
	if s == "" || len(s) > 256 {
		return false
	}
	return !strings.ContainsAny(s, ". \t\n*>")
}

// SameContent reports whether b already holds value and metadata.
func SameContent(b *Block, value string, metadata map[string]string) bool {
	if b == nil || b.Value != value || len(b.Metadata) != len(metadata) {
		return false
	}
	for k, v := range metadata {
		if got, ok := b.Metadata[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Package passage provides the append-only full-text index that receives
// archived task text.
//
// Passages are scoped per agent. Search ranks by relevance to the query
// text; an empty query lists the agent's passages newest first.
package passage

import (
	"context"
	"time"
)

// Metadata keys with dedicated index fields. Other keys are stored but
// not individually searchable.
const (
	MetaTaskID          = "task_id"
	MetaTaskType        = "task_type"
	MetaPriority        = "archive_priority"
	MetaComplexityScore = "complexity_score"
	MetaStartedAt       = "started_at"
	MetaCompletedAt     = "completed_at"
)

// Hit is one search result.
type Hit struct {
	ID        string            `json:"id"`
	AgentID   string            `json:"agent_id"`
	Score     float64           `json:"score"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Index is the passage store contract.
type Index interface {
	// Append stores text with flat metadata and returns the passage id.
	// A passage is durable once Append returns nil.
	Append(ctx context.Context, agentID, text string, metadata map[string]string) (string, error)

	// Search returns up to limit passages of the agent matching query.
	Search(ctx context.Context, agentID, query string, limit int) ([]Hit, error)

	// Close releases the index.
	Close() error
}

// DefaultLimit is used when Search is called with limit <= 0.
const DefaultLimit = 10

package passage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"

	taskerr "github.com/vinayprograms/taskmem/errors"
)

// BleveIndex implements Index on a Bleve index, on disk or in memory.
type BleveIndex struct {
	mu    sync.RWMutex
	index bleve.Index
	now   func() time.Time
	newID func() string
}

// BleveConfig configures the Bleve passage index.
type BleveConfig struct {
	// Path is the index directory. Empty keeps the index in memory.
	Path string
}

// document is the indexed form of a passage.
type document struct {
	AgentID      string    `json:"agent_id"`
	TaskID       string    `json:"task_id"`
	TaskType     string    `json:"task_type"`
	Priority     string    `json:"archive_priority"`
	Text         string    `json:"text"`
	MetadataJSON string    `json:"metadata_json"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewBleveIndex opens the index at cfg.Path, creating it if needed.
func NewBleveIndex(cfg BleveConfig) (*BleveIndex, error) {
	var (
		index bleve.Index
		err   error
	)
	switch {
	case cfg.Path == "":
		index, err = bleve.NewMemOnly(buildIndexMapping())
	default:
		if _, statErr := os.Stat(cfg.Path); os.IsNotExist(statErr) {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create index directory: %w", err)
			}
			index, err = bleve.New(cfg.Path, buildIndexMapping())
		} else {
			index, err = bleve.Open(cfg.Path)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bleve index: %w", err)
	}

	return &BleveIndex{
		index: index,
		now:   time.Now,
		newID: uuid.NewString,
	}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name

	kw := bleve.NewTextFieldMapping()
	kw.Analyzer = keyword.Name

	stored := bleve.NewTextFieldMapping()
	stored.Index = false
	stored.IncludeInAll = false

	doc.AddFieldMappingsAt("text", text)
	doc.AddFieldMappingsAt("agent_id", kw)
	doc.AddFieldMappingsAt("task_id", kw)
	doc.AddFieldMappingsAt("task_type", kw)
	doc.AddFieldMappingsAt("archive_priority", kw)
	doc.AddFieldMappingsAt("metadata_json", stored)
	doc.AddFieldMappingsAt("created_at", bleve.NewDateTimeFieldMapping())

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = standard.Name
	return im
}

// Append indexes a new passage.
func (b *BleveIndex) Append(ctx context.Context, agentID, text string, metadata map[string]string) (string, error) {
	if agentID == "" {
		return "", taskerr.InvalidInput("agent id required")
	}
	if err := ctx.Err(); err != nil {
		return "", taskerr.Wrap(err, "append passage", taskerr.WithAgentID(agentID))
	}

	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", taskerr.Wrap(err, "encode passage metadata")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.newID()
	doc := document{
		AgentID:      agentID,
		TaskID:       metadata[MetaTaskID],
		TaskType:     metadata[MetaTaskType],
		Priority:     metadata[MetaPriority],
		Text:         text,
		MetadataJSON: string(meta),
		CreatedAt:    b.now().UTC(),
	}
	if err := b.index.Index(id, doc); err != nil {
		return "", taskerr.StoreUnavailable("append passage", err, taskerr.WithAgentID(agentID))
	}
	return id, nil
}

// Search returns the agent's passages matching q.
func (b *BleveIndex) Search(ctx context.Context, agentID, q string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	agent := bleve.NewTermQuery(agentID)
	agent.SetField("agent_id")

	var root query.Query = agent
	if q != "" {
		match := bleve.NewMatchQuery(q)
		match.SetField("text")
		bq := bleve.NewBooleanQuery()
		bq.AddMust(agent)
		bq.AddMust(match)
		root = bq
	}

	req := bleve.NewSearchRequest(root)
	req.Size = limit
	req.Fields = []string{"text", "metadata_json", "created_at"}
	if q == "" {
		req.SortBy([]string{"-created_at", "_id"})
	}

	b.mu.RLock()
	res, err := b.index.SearchInContext(ctx, req)
	b.mu.RUnlock()
	if err != nil {
		return nil, taskerr.StoreUnavailable("search passages", err, taskerr.WithAgentID(agentID))
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, AgentID: agentID, Score: h.Score}
		if v, ok := h.Fields["text"].(string); ok {
			hit.Text = v
		}
		if v, ok := h.Fields["metadata_json"].(string); ok && v != "" {
			_ = json.Unmarshal([]byte(v), &hit.Metadata)
		}
		if v, ok := h.Fields["created_at"].(string); ok {
			if t, perr := time.Parse(time.RFC3339, v); perr == nil {
				hit.CreatedAt = t
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Count returns the number of passages across all agents.
func (b *BleveIndex) Count() (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index.DocCount()
}

// Close closes the index.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index.Close()
}

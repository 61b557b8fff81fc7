package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/vinayprograms/taskmem/blocks"
	taskerr "github.com/vinayprograms/taskmem/errors"
)

// LabelPrefix prefixes the block label of every live task record.
const LabelPrefix = "claude_task_"

// Metadata mirror keys written on every task block.
const (
	MetaStatus      = "status"
	MetaUpdatedAt   = "updated_at"
	MetaTaskType    = "task_type"
	MetaPriority    = "archive_priority"
	MetaDescription = "description"
)

// Label returns the block label for a task id.
func Label(taskID string) string {
	return LabelPrefix + taskID
}

// IsTaskLabel reports whether label names a live task block.
func IsTaskLabel(label string) bool {
	return strings.HasPrefix(label, LabelPrefix) && len(label) > len(LabelPrefix)
}

// LifecycleStore persists live task records as blocks.
type LifecycleStore interface {
	Create(ctx context.Context, r *Record) error
	Update(ctx context.Context, r *Record) error
	Get(ctx context.Context, agentID, taskID string) (*Record, error)
	Delete(ctx context.Context, agentID, taskID string) error
	List(ctx context.Context, agentID string) ([]*Record, error)
}

// Store implements LifecycleStore on a block store.
type Store struct {
	blocks blocks.Store
}

var _ LifecycleStore = (*Store)(nil)

// NewStore creates a lifecycle store over b.
func NewStore(b blocks.Store) *Store {
	return &Store{blocks: b}
}

// Create upserts r. It is the same operation as Update.
func (s *Store) Create(ctx context.Context, r *Record) error {
	return s.upsert(ctx, r)
}

// Update upserts r.
func (s *Store) Update(ctx context.Context, r *Record) error {
	return s.upsert(ctx, r)
}

// upsert reads the current block and writes only when value or metadata
// differ, so repeating it with the same record leaves the store unchanged.
func (s *Store) upsert(ctx context.Context, r *Record) error {
	if r == nil || r.TaskID == "" || r.AgentID == "" {
		return taskerr.InvalidInput("record requires agent and task ids")
	}

	value, err := json.Marshal(r)
	if err != nil {
		return taskerr.Wrap(err, "encode task record", taskerr.WithAgentID(r.AgentID), taskerr.WithTaskID(r.TaskID))
	}
	meta := Mirror(r)
	label := Label(r.TaskID)

	current, err := s.blocks.Get(ctx, r.AgentID, label)
	switch {
	case errors.Is(err, blocks.ErrNotFound):
	case err != nil:
		return withTask(err, r.TaskID)
	case blocks.SameContent(current, string(value), meta):
		return nil
	}

	if err := s.blocks.Put(ctx, r.AgentID, label, string(value), meta); err != nil {
		return withTask(err, r.TaskID)
	}
	return nil
}

// Get returns the live record or a RECORD_NOT_FOUND error.
func (s *Store) Get(ctx context.Context, agentID, taskID string) (*Record, error) {
	b, err := s.blocks.Get(ctx, agentID, Label(taskID))
	if err != nil {
		if errors.Is(err, blocks.ErrNotFound) {
			return nil, taskerr.RecordNotFound(agentID, taskID)
		}
		return nil, withTask(err, taskID)
	}
	return decodeRecord(agentID, taskID, b.Value)
}

// Delete removes the live record. A missing record is not an error.
func (s *Store) Delete(ctx context.Context, agentID, taskID string) error {
	if err := s.blocks.Delete(ctx, agentID, Label(taskID)); err != nil {
		return withTask(err, taskID)
	}
	return nil
}

// List returns every live record of the agent.
func (s *Store) List(ctx context.Context, agentID string) ([]*Record, error) {
	return s.ListByStatus(ctx, agentID)
}

// ListByStatus returns the agent's live records whose status is one of
// statuses, or all of them when none is given. Filtering uses the metadata
// mirror; only matching blocks are decoded.
func (s *Store) ListByStatus(ctx context.Context, agentID string, statuses ...Status) ([]*Record, error) {
	all, err := s.blocks.List(ctx, agentID)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		want[string(st)] = true
	}

	var out []*Record
	for _, b := range all {
		if !IsTaskLabel(b.Label) {
			continue
		}
		if len(want) > 0 && !want[b.Metadata[MetaStatus]] {
			continue
		}
		r, err := decodeRecord(agentID, strings.TrimPrefix(b.Label, LabelPrefix), b.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Mirror returns the flat metadata written alongside a record.
func Mirror(r *Record) map[string]string {
	return map[string]string{
		MetaStatus:      string(r.Status),
		MetaUpdatedAt:   r.UpdatedAt.UTC().Format(time.RFC3339Nano),
		MetaTaskType:    string(r.TaskType),
		MetaPriority:    string(r.ArchivePriority),
		MetaDescription: "Task " + r.TaskID + ": " + string(r.Status),
	}
}

func decodeRecord(agentID, taskID, value string) (*Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(value), &r); err != nil {
		return nil, taskerr.Corruption("decode task record", err,
			taskerr.WithAgentID(agentID), taskerr.WithTaskID(taskID))
	}
	return &r, nil
}

func withTask(err error, taskID string) error {
	return taskerr.Wrap(err, "task "+taskID, taskerr.WithTaskID(taskID))
}

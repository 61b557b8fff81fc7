package archive

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/vinayprograms/taskmem/blocks"
	taskerr "github.com/vinayprograms/taskmem/errors"
	"github.com/vinayprograms/taskmem/keylock"
	"github.com/vinayprograms/taskmem/logging"
	"github.com/vinayprograms/taskmem/passage"
	"github.com/vinayprograms/taskmem/state"
	"github.com/vinayprograms/taskmem/tasks"
)

// Label is the block holding an agent's bounded archive list.
const Label = "claude_mcp_task_archive"

// DefaultCapacity is the bounded list size when none is configured.
const DefaultCapacity = 50

// lockRetry is the wait between attempts on a held distributed lock.
const lockRetry = 25 * time.Millisecond

// Result reports what Submit did.
type Result struct {
	// PassageID is the passage holding the formatted text. It is set
	// whenever the passage was written, even if the list update failed.
	PassageID string

	// Admitted is false when the list was full of critical entries and
	// the entry was kept out of it.
	Admitted bool

	// Evicted lists entries removed to make room.
	Evicted []Entry
}

// Index maintains the per-agent bounded archive list and writes the full
// text to the passage index.
//
// Every read-modify-write of an agent's list goes through one in-process
// lock per agent. When a lock store is configured, a distributed lock on
// the same agent is also held so several processes can share the list.
type Index struct {
	blocks   blocks.Store
	passages passage.Index
	capacity int
	locks    state.StateStore
	lockTTL  time.Duration
	mu       keylock.Mutex
	logger   *logging.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithCapacity sets the bounded list size.
func WithCapacity(n int) Option {
	return func(x *Index) {
		if n > 0 {
			x.capacity = n
		}
	}
}

// WithDistributedLock serializes list updates across processes using
// locks with the given TTL on store.
func WithDistributedLock(store state.StateStore, ttl time.Duration) Option {
	return func(x *Index) {
		if store != nil && ttl > 0 {
			x.locks = store
			x.lockTTL = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(x *Index) {
		x.logger = l
	}
}

// New creates an archive index.
func New(b blocks.Store, p passage.Index, opts ...Option) *Index {
	x := &Index{
		blocks:   b,
		passages: p,
		capacity: DefaultCapacity,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Capacity returns the bounded list size.
func (x *Index) Capacity() int {
	return x.capacity
}

// Archive formats a terminal record and submits it. A passage id already
// recorded on r is reused instead of appending the text again.
func (x *Index) Archive(ctx context.Context, r *tasks.Record) (Result, error) {
	return x.Submit(ctx, r.AgentID, Format(r), Metadata(r), NewEntry(r, r.ArchivePassageID))
}

// Submit writes text to the passage index and e to the agent's bounded
// list. If the list already holds an entry for the task with a passage id,
// or e carries one, that passage is reused.
func (x *Index) Submit(ctx context.Context, agentID, text string, metadata map[string]string, e Entry) (Result, error) {
	var res Result
	err := x.withAgent(ctx, agentID, func() error {
		list, err := x.read(ctx, agentID)
		if err != nil {
			return err
		}

		if e.PassageID == "" {
			for _, cur := range list {
				if cur.TaskID == e.TaskID && cur.PassageID != "" {
					e.PassageID = cur.PassageID
					break
				}
			}
		}
		if e.PassageID == "" {
			id, err := x.passages.Append(ctx, agentID, text, metadata)
			if err != nil {
				return err
			}
			e.PassageID = id
		}
		res.PassageID = e.PassageID

		ins := insert(list, e, x.capacity)
		res.Admitted = ins.admitted
		res.Evicted = ins.evicted
		if !ins.admitted {
			x.logger.ArchiveRejected(agentID, e.TaskID, x.capacity)
			return nil
		}
		for _, ev := range ins.evicted {
			x.logger.ArchiveEvicted(agentID, ev.TaskID, string(ev.ArchivePriority))
		}
		return x.write(ctx, agentID, ins.list)
	})
	return res, err
}

// EvictIfNeeded trims the agent's list to capacity, never removing
// critical entries, and returns what it evicted.
func (x *Index) EvictIfNeeded(ctx context.Context, agentID string) ([]Entry, error) {
	var evicted []Entry
	err := x.withAgent(ctx, agentID, func() error {
		list, err := x.read(ctx, agentID)
		if err != nil {
			return err
		}
		var trimmed []Entry
		trimmed, evicted = trim(list, x.capacity)
		if len(evicted) == 0 {
			return nil
		}
		for _, ev := range evicted {
			x.logger.ArchiveEvicted(agentID, ev.TaskID, string(ev.ArchivePriority))
		}
		return x.write(ctx, agentID, trimmed)
	})
	return evicted, err
}

// List returns the agent's bounded list, newest first.
func (x *Index) List(ctx context.Context, agentID string) ([]Entry, error) {
	return x.read(ctx, agentID)
}

// Search queries the agent's archived passages.
func (x *Index) Search(ctx context.Context, agentID, query string, limit int) ([]passage.Hit, error) {
	return x.passages.Search(ctx, agentID, query, limit)
}

// withAgent runs fn holding the agent's in-process lock and, if
// configured, its distributed lock.
func (x *Index) withAgent(ctx context.Context, agentID string, fn func() error) error {
	unlock := x.mu.Lock(agentID)
	defer unlock()

	if x.locks == nil {
		return fn()
	}

	lock, err := x.acquire(ctx, "archive."+agentID)
	if err != nil {
		return err
	}
	defer func() {
		// Release with a fresh context so a cancelled caller still frees it.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Unlock(rctx)
	}()
	return fn()
}

func (x *Index) acquire(ctx context.Context, key string) (state.Lock, error) {
	for {
		lock, err := x.locks.Lock(ctx, key, x.lockTTL)
		if err == nil {
			return lock, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, taskerr.Wrap(cerr, "waiting for archive lock")
		}
		if !errors.Is(err, state.ErrLockHeld) {
			return nil, taskerr.StoreUnavailable("archive lock", err)
		}
		select {
		case <-ctx.Done():
			return nil, taskerr.Wrap(ctx.Err(), "waiting for archive lock")
		case <-time.After(lockRetry):
		}
	}
}

func (x *Index) read(ctx context.Context, agentID string) ([]Entry, error) {
	b, err := x.blocks.Get(ctx, agentID, Label)
	if err != nil {
		if errors.Is(err, blocks.ErrNotFound) {
			return []Entry{}, nil
		}
		return nil, err
	}
	if b.Value == "" {
		return []Entry{}, nil
	}
	var list []Entry
	if err := json.Unmarshal([]byte(b.Value), &list); err != nil {
		return nil, taskerr.Corruption("decode archive list", err, taskerr.WithAgentID(agentID))
	}
	return list, nil
}

func (x *Index) write(ctx context.Context, agentID string, list []Entry) error {
	data, err := json.Marshal(list)
	if err != nil {
		return taskerr.Wrap(err, "encode archive list", taskerr.WithAgentID(agentID))
	}
	return x.blocks.Put(ctx, agentID, Label, string(data), map[string]string{
		"entries":     strconv.Itoa(len(list)),
		"capacity":    strconv.Itoa(x.capacity),
		"description": "Task archive for " + agentID,
	})
}

// Metadata is the structured passage metadata for a terminal record.
func Metadata(r *tasks.Record) map[string]string {
	m := map[string]string{
		passage.MetaTaskID:          r.TaskID,
		passage.MetaTaskType:        string(r.TaskType),
		passage.MetaPriority:        string(r.ArchivePriority),
		passage.MetaComplexityScore: strconv.Itoa(r.ComplexityScore),
		passage.MetaStartedAt:       r.StartedAt.UTC().Format(time.RFC3339),
		"status":                    string(r.Status),
	}
	if r.CompletedAt != nil {
		m[passage.MetaCompletedAt] = r.CompletedAt.UTC().Format(time.RFC3339)
	}
	if r.Success != nil {
		m["success"] = strconv.FormatBool(*r.Success)
	}
	return m
}

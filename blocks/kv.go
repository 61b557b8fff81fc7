package blocks

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	taskerr "github.com/vinayprograms/taskmem/errors"
	"github.com/vinayprograms/taskmem/state"
)

// listConcurrency bounds parallel reads during List.
const listConcurrency = 8

// KVStore implements Store on a state.StateStore. Each block is one key,
// "agents.<agent>.blocks.<label>", holding a JSON envelope.
type KVStore struct {
	kv  state.StateStore
	now func() time.Time
}

// NewKVStore creates a block store backed by kv.
func NewKVStore(kv state.StateStore) *KVStore {
	return &KVStore{kv: kv, now: time.Now}
}

func agentPrefix(agentID string) string {
	return "agents." + agentID + ".blocks."
}

func blockKey(agentID, label string) string {
	return agentPrefix(agentID) + label
}

func checkIDs(agentID, label string) error {
	if !ValidateSegment(agentID) {
		return taskerr.InvalidInput("invalid agent id " + quote(agentID))
	}
	if label != "" && !ValidateSegment(label) {
		return taskerr.InvalidInput("invalid block label "+quote(label), taskerr.WithAgentID(agentID))
	}
	return nil
}

func quote(s string) string {
	return "\"" + s + "\""
}

// Put creates or overwrites the block.
func (s *KVStore) Put(ctx context.Context, agentID, label, value string, metadata map[string]string) error {
	if err := checkIDs(agentID, label); err != nil {
		return err
	}
	if label == "" {
		return taskerr.InvalidInput("block label required", taskerr.WithAgentID(agentID))
	}

	data, err := json.Marshal(&Block{
		Label:     label,
		Value:     value,
		Metadata:  metadata,
		UpdatedAt: s.now().UTC(),
	})
	if err != nil {
		return taskerr.Wrap(err, "encode block")
	}
	if err := s.kv.Put(ctx, blockKey(agentID, label), data); err != nil {
		return storeErr("put", agentID, err)
	}
	return nil
}

// Get returns the block or ErrNotFound.
func (s *KVStore) Get(ctx context.Context, agentID, label string) (*Block, error) {
	if err := checkIDs(agentID, label); err != nil {
		return nil, err
	}
	data, err := s.kv.Get(ctx, blockKey(agentID, label))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeErr("get", agentID, err)
	}
	return decode(agentID, label, data)
}

// List returns every block of the agent, ordered by label.
func (s *KVStore) List(ctx context.Context, agentID string) ([]*Block, error) {
	if err := checkIDs(agentID, ""); err != nil {
		return nil, err
	}
	prefix := agentPrefix(agentID)
	keys, err := s.kv.Keys(ctx, prefix+"*")
	if err != nil {
		return nil, storeErr("list", agentID, err)
	}

	out := make([]*Block, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			data, err := s.kv.Get(gctx, key)
			if err != nil {
				if errors.Is(err, state.ErrNotFound) {
					// Deleted between Keys and Get.
					return nil
				}
				return storeErr("list", agentID, err)
			}
			b, err := decode(agentID, strings.TrimPrefix(key, prefix), data)
			if err != nil {
				return err
			}
			out[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	blocks := out[:0]
	for _, b := range out {
		if b != nil {
			blocks = append(blocks, b)
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Label < blocks[j].Label })
	return blocks, nil
}

// Delete removes the block.
func (s *KVStore) Delete(ctx context.Context, agentID, label string) error {
	if err := checkIDs(agentID, label); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, blockKey(agentID, label)); err != nil {
		return storeErr("delete", agentID, err)
	}
	return nil
}

// Watch streams changes to the agent's blocks until ctx is done.
func (s *KVStore) Watch(ctx context.Context, agentID string) (<-chan Change, error) {
	if err := checkIDs(agentID, ""); err != nil {
		return nil, err
	}
	prefix := agentPrefix(agentID)
	updates, err := s.kv.Watch(ctx, prefix+"*")
	if err != nil {
		return nil, storeErr("watch", agentID, err)
	}

	ch := make(chan Change, 16)
	go func() {
		defer close(ch)
		for kv := range updates {
			c := Change{AgentID: agentID, Label: strings.TrimPrefix(kv.Key, prefix)}
			if kv.Operation == state.OpDelete {
				c.Deleted = true
			} else {
				b, err := decode(agentID, c.Label, kv.Value)
				if err != nil {
					continue
				}
				c.Block = b
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func decode(agentID, label string, data []byte) (*Block, error) {
	var b Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, taskerr.Corruption("decode block "+label, err, taskerr.WithAgentID(agentID))
	}
	if b.Label == "" {
		b.Label = label
	}
	return &b, nil
}

// storeErr maps backend failures into the error taxonomy.
func storeErr(op, agentID string, err error) error {
	if errors.Is(err, state.ErrInvalidKey) {
		return taskerr.InvalidInput("invalid block key", taskerr.WithCause(err), taskerr.WithAgentID(agentID))
	}
	return taskerr.StoreUnavailable(op, err, taskerr.WithAgentID(agentID))
}

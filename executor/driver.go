package executor

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/taskmem/engine"
	"github.com/vinayprograms/taskmem/logging"
	"github.com/vinayprograms/taskmem/tasks"
	"github.com/vinayprograms/taskmem/telemetry"
)

// Engine is the part of engine.Engine the driver applies events to.
type Engine interface {
	RecordProgress(ctx context.Context, agentID, taskID string, p tasks.Partial) (*tasks.Record, error)
	RecordWarning(ctx context.Context, agentID, taskID string, w tasks.Warning) (*tasks.Record, error)
	RecordError(ctx context.Context, agentID, taskID string, e tasks.TaskError) (*tasks.Record, error)
	CompleteTask(ctx context.Context, agentID, taskID, result string, success bool, m tasks.Metrics) (*tasks.Record, error)
	CancelTask(ctx context.Context, agentID, taskID, reason string, m tasks.Metrics) (*tasks.Record, error)
}

var _ Engine = (*engine.Engine)(nil)

// Driver applies executor events to an engine. Events of one task are
// applied one at a time in arrival order; different tasks run in
// parallel, each on its own worker.
type Driver struct {
	engine    Engine
	logger    *logging.Logger
	onError   func(Event, error)
	onApplied func(Event, *tasks.Record)
	attempts  int
	backoff   time.Duration
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithDriverLogger sets the logger.
func WithDriverLogger(l *logging.Logger) DriverOption {
	return func(d *Driver) {
		d.logger = l
	}
}

// OnError registers fn to receive events the engine rejected. A rejected
// terminal event can be delivered again to retry completion.
func OnError(fn func(Event, error)) DriverOption {
	return func(d *Driver) {
		d.onError = fn
	}
}

// OnApplied registers fn to receive each applied event and the
// resulting record.
func OnApplied(fn func(Event, *tasks.Record)) DriverOption {
	return func(d *Driver) {
		d.onApplied = fn
	}
}

// WithRetry retries retryable engine errors up to attempts times in
// total, waiting backoff, doubled each time, between tries.
func WithRetry(attempts int, backoff time.Duration) DriverOption {
	return func(d *Driver) {
		if attempts > 0 {
			d.attempts = attempts
		}
		d.backoff = backoff
	}
}

// NewDriver creates a driver for eng.
func NewDriver(eng Engine, opts ...DriverOption) *Driver {
	d := &Driver{
		engine:   eng,
		logger:   logging.Nop(),
		attempts: 1,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run consumes events until the channel closes or ctx is done. After the
// channel closes, queued events are still applied before Run returns nil.
// When ctx is done, workers stop after their current event and Run
// returns ctx.Err().
func (d *Driver) Run(ctx context.Context, events <-chan Event) error {
	r := &run{
		d:       d,
		workers: make(map[string]*worker),
		drain:   make(chan struct{}),
	}
	defer r.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				r.closeInput()
				return nil
			}
			r.dispatch(ctx, ev)
		}
	}
}

// run is the state of one Run call.
type run struct {
	d  *Driver
	wg sync.WaitGroup

	// mu guards workers, every worker queue and draining.
	mu       sync.Mutex
	workers  map[string]*worker
	draining bool
	drain    chan struct{}
}

type worker struct {
	key   string
	queue []Event
	wake  chan struct{}
	// finished is set once a terminal event was applied; the worker
	// exits as soon as its queue is empty.
	finished bool
}

func (r *run) closeInput() {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()
	close(r.drain)
}

func (r *run) dispatch(ctx context.Context, ev Event) {
	key := ev.AgentID + "/" + ev.TaskID

	r.mu.Lock()
	w, ok := r.workers[key]
	if !ok {
		w = &worker{key: key, wake: make(chan struct{}, 1)}
		r.workers[key] = w
		r.wg.Add(1)
		go r.work(ctx, w)
	}
	w.queue = append(w.queue, ev)
	r.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (r *run) work(ctx context.Context, w *worker) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		for len(w.queue) == 0 {
			if w.finished || r.draining {
				delete(r.workers, w.key)
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-r.drain:
			case <-w.wake:
			}
			r.mu.Lock()
		}
		ev := w.queue[0]
		w.queue = w.queue[1:]
		r.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if r.d.apply(ctx, ev) && ev.Kind == KindTerminal {
			r.mu.Lock()
			w.finished = true
			r.mu.Unlock()
		}
	}
}

// apply runs ev against the engine and reports whether it succeeded.
func (d *Driver) apply(ctx context.Context, ev Event) bool {
	if err := ev.Validate(); err != nil {
		d.fail(ev, err)
		return false
	}
	if len(ev.Trace) > 0 {
		ctx = telemetry.ExtractContext(ctx, ev.Trace)
	}

	var (
		rec *tasks.Record
		err error
	)
	wait := d.backoff
	for attempt := 1; ; attempt++ {
		rec, err = d.call(ctx, ev)
		if err == nil || attempt >= d.attempts || !engine.IsRetryable(err) {
			break
		}
		d.logger.Warn("retrying event", map[string]interface{}{
			"agent_id": ev.AgentID,
			"task_id":  ev.TaskID,
			"kind":     string(ev.Kind),
			"attempt":  attempt,
			"error":    err.Error(),
		})
		select {
		case <-ctx.Done():
			d.fail(ev, ctx.Err())
			return false
		case <-time.After(wait):
		}
		wait *= 2
	}
	if err != nil {
		d.fail(ev, err)
		return false
	}
	if d.onApplied != nil {
		d.onApplied(ev, rec)
	}
	return true
}

func (d *Driver) call(ctx context.Context, ev Event) (*tasks.Record, error) {
	switch ev.Kind {
	case KindProgress:
		return d.engine.RecordProgress(ctx, ev.AgentID, ev.TaskID, *ev.Progress)
	case KindWarning:
		return d.engine.RecordWarning(ctx, ev.AgentID, ev.TaskID, *ev.Warning)
	case KindError:
		return d.engine.RecordError(ctx, ev.AgentID, ev.TaskID, *ev.Error)
	default:
		var m tasks.Metrics
		if ev.Metrics != nil {
			m = *ev.Metrics
		}
		if ev.Cancelled {
			return d.engine.CancelTask(ctx, ev.AgentID, ev.TaskID, ev.Result, m)
		}
		return d.engine.CompleteTask(ctx, ev.AgentID, ev.TaskID, ev.Result, ev.Success, m)
	}
}

func (d *Driver) fail(ev Event, err error) {
	d.logger.Error("event rejected", map[string]interface{}{
		"agent_id": ev.AgentID,
		"task_id":  ev.TaskID,
		"kind":     string(ev.Kind),
		"error":    err.Error(),
	})
	if d.onError != nil {
		d.onError(ev, err)
	}
}

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/vinayprograms/taskmem/archive"
	"github.com/vinayprograms/taskmem/blocks"
	"github.com/vinayprograms/taskmem/bus"
	"github.com/vinayprograms/taskmem/engine"
	taskerr "github.com/vinayprograms/taskmem/errors"
	"github.com/vinayprograms/taskmem/passage"
	"github.com/vinayprograms/taskmem/state"
	"github.com/vinayprograms/taskmem/tasks"
)

func TestMain(m *testing.M) {
	// Bleve starts its analysis workers at init.
	goleak.VerifyTestMain(m, goleak.IgnoreCurrent())
}

// fakeEngine records applied events per task and can fail or slow down
// calls.
type fakeEngine struct {
	mu      sync.Mutex
	applied map[string][]string
	active  map[string]int
	overlap atomic.Bool

	delay      time.Duration
	failures   atomic.Int32 // remaining failures for terminal calls
	failErr    error
	terminalOK atomic.Int32
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		applied: make(map[string][]string),
		active:  make(map[string]int),
	}
}

func (f *fakeEngine) record(taskID, what string) {
	f.mu.Lock()
	f.active[taskID]++
	if f.active[taskID] > 1 {
		f.overlap.Store(true)
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.applied[taskID] = append(f.applied[taskID], what)
	f.active[taskID]--
	f.mu.Unlock()
}

func (f *fakeEngine) calls(taskID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied[taskID]...)
}

func (f *fakeEngine) RecordProgress(ctx context.Context, agentID, taskID string, p tasks.Partial) (*tasks.Record, error) {
	f.record(taskID, fmt.Sprintf("progress:%d", *p.ProgressPercentage))
	return &tasks.Record{AgentID: agentID, TaskID: taskID}, nil
}

func (f *fakeEngine) RecordWarning(ctx context.Context, agentID, taskID string, w tasks.Warning) (*tasks.Record, error) {
	f.record(taskID, "warning:"+w.Message)
	return &tasks.Record{AgentID: agentID, TaskID: taskID}, nil
}

func (f *fakeEngine) RecordError(ctx context.Context, agentID, taskID string, e tasks.TaskError) (*tasks.Record, error) {
	f.record(taskID, "error:"+e.Message)
	return &tasks.Record{AgentID: agentID, TaskID: taskID}, nil
}

func (f *fakeEngine) CompleteTask(ctx context.Context, agentID, taskID, result string, success bool, m tasks.Metrics) (*tasks.Record, error) {
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return nil, f.failErr
	}
	f.record(taskID, fmt.Sprintf("complete:%v", success))
	f.terminalOK.Add(1)
	return &tasks.Record{AgentID: agentID, TaskID: taskID}, nil
}

func (f *fakeEngine) CancelTask(ctx context.Context, agentID, taskID, reason string, m tasks.Metrics) (*tasks.Record, error) {
	f.record(taskID, "cancel:"+reason)
	f.terminalOK.Add(1)
	return &tasks.Record{AgentID: agentID, TaskID: taskID}, nil
}

func progress(agentID, taskID string, pct int) Event {
	return Event{
		Kind:     KindProgress,
		AgentID:  agentID,
		TaskID:   taskID,
		Progress: &tasks.Partial{ProgressPercentage: tasks.Int(pct)},
	}
}

func terminal(agentID, taskID string, success bool) Event {
	return Event{Kind: KindTerminal, AgentID: agentID, TaskID: taskID, Success: success, Result: "done"}
}

func feed(events ...Event) <-chan Event {
	ch := make(chan Event, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch
}

// =============================================================================
// LEVEL 1: Event model
// =============================================================================

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"progress", progress("a", "t", 10), false},
		{"terminal", terminal("a", "t", true), false},
		{"missing ids", Event{Kind: KindTerminal}, true},
		{"progress without payload", Event{Kind: KindProgress, AgentID: "a", TaskID: "t"}, true},
		{"warning without payload", Event{Kind: KindWarning, AgentID: "a", TaskID: "t"}, true},
		{"error without payload", Event{Kind: KindError, AgentID: "a", TaskID: "t"}, true},
		{"unknown kind", Event{Kind: "pause", AgentID: "a", TaskID: "t"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !taskerr.Is(err, taskerr.ErrCodeInvalidInput) {
				t.Errorf("expected INVALID_INPUT, got %v", err)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	data := []byte(`{"kind":"progress","progress":{"progress_percentage":40}}`)
	ev, err := Decode("taskmem.events", "taskmem.events.agent-1.t9", data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if ev.AgentID != "agent-1" || ev.TaskID != "t9" {
		t.Errorf("ids = %s/%s, want filled from subject", ev.AgentID, ev.TaskID)
	}
	if *ev.Progress.ProgressPercentage != 40 {
		t.Errorf("progress = %d", *ev.Progress.ProgressPercentage)
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name, subject, data string
	}{
		{"bad json", "p.a.t", `{`},
		{"wrong prefix", "other.a.t", `{"kind":"terminal"}`},
		{"extra tokens", "p.a.t.x", `{"kind":"terminal"}`},
		{"mismatched ids", "p.a.t", `{"kind":"terminal","agent_id":"b"}`},
		{"invalid event", "p.a.t", `{"kind":"progress"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode("p", tt.subject, []byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSubject(t *testing.T) {
	if got := Subject(DefaultPrefix, "a", "t"); got != "taskmem.events.a.t" {
		t.Errorf("Subject() = %q", got)
	}
}

// =============================================================================
// LEVEL 2: Driver ordering
// =============================================================================

func TestDriverAppliesInOrderPerTask(t *testing.T) {
	eng := newFakeEngine()
	eng.delay = time.Millisecond
	d := NewDriver(eng)

	var events []Event
	for pct := 10; pct <= 90; pct += 10 {
		events = append(events, progress("a", "t1", pct), progress("a", "t2", pct))
	}
	events = append(events, terminal("a", "t1", true), terminal("a", "t2", false))

	if err := d.Run(context.Background(), feed(events...)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, id := range []string{"t1", "t2"} {
		calls := eng.calls(id)
		if len(calls) != 10 {
			t.Fatalf("%s: %d calls, want 10: %v", id, len(calls), calls)
		}
		for i := 0; i < 9; i++ {
			if want := fmt.Sprintf("progress:%d", (i+1)*10); calls[i] != want {
				t.Errorf("%s call %d = %s, want %s", id, i, calls[i], want)
			}
		}
	}
	if eng.calls("t1")[9] != "complete:true" || eng.calls("t2")[9] != "complete:false" {
		t.Errorf("terminal calls = %s / %s", eng.calls("t1")[9], eng.calls("t2")[9])
	}
	if eng.overlap.Load() {
		t.Error("two events of one task were applied concurrently")
	}
}

func TestDriverRunsTasksInParallel(t *testing.T) {
	eng := newFakeEngine()
	eng.delay = 50 * time.Millisecond
	d := NewDriver(eng)

	var events []Event
	for i := 0; i < 8; i++ {
		events = append(events, progress("a", fmt.Sprintf("t%d", i), 10))
	}

	start := time.Now()
	if err := d.Run(context.Background(), feed(events...)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("8 independent tasks took %v; they should overlap", elapsed)
	}
}

func TestDriverCancelledEvent(t *testing.T) {
	eng := newFakeEngine()
	d := NewDriver(eng)

	ev := Event{Kind: KindTerminal, AgentID: "a", TaskID: "t", Cancelled: true, Result: "user abort"}
	if err := d.Run(context.Background(), feed(ev)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls := eng.calls("t"); len(calls) != 1 || calls[0] != "cancel:user abort" {
		t.Errorf("calls = %v", calls)
	}
}

func TestDriverWarningAndError(t *testing.T) {
	eng := newFakeEngine()
	d := NewDriver(eng)

	if err := d.Run(context.Background(), feed(
		Event{Kind: KindWarning, AgentID: "a", TaskID: "t", Warning: &tasks.Warning{Message: "slow"}},
		Event{Kind: KindError, AgentID: "a", TaskID: "t", Error: &tasks.TaskError{Message: "flaky"}},
	)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	calls := eng.calls("t")
	if len(calls) != 2 || calls[0] != "warning:slow" || calls[1] != "error:flaky" {
		t.Errorf("calls = %v", calls)
	}
}

// =============================================================================
// LEVEL 3: Failures
// =============================================================================

func TestDriverReportsErrors(t *testing.T) {
	eng := newFakeEngine()
	eng.failures.Store(1)
	eng.failErr = taskerr.RecordNotFound("a", "t")

	var mu sync.Mutex
	var failed []Event
	d := NewDriver(eng, OnError(func(ev Event, err error) {
		mu.Lock()
		failed = append(failed, ev)
		mu.Unlock()
	}))

	invalid := Event{Kind: KindProgress, AgentID: "a", TaskID: "x"}
	if err := d.Run(context.Background(), feed(terminal("a", "t", true), invalid)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("failed = %d, want 2", len(failed))
	}
}

func TestDriverRedeliveredTerminalRetries(t *testing.T) {
	eng := newFakeEngine()
	eng.failures.Store(1)
	eng.failErr = taskerr.ArchivalFailure("a", "t", errors.New("index down"))

	var errs atomic.Int32
	d := NewDriver(eng, OnError(func(Event, error) { errs.Add(1) }))

	if err := d.Run(context.Background(), feed(terminal("a", "t", true), terminal("a", "t", true))); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if errs.Load() != 1 || eng.terminalOK.Load() != 1 {
		t.Errorf("errors = %d, completions = %d; want 1 and 1", errs.Load(), eng.terminalOK.Load())
	}
}

func TestDriverWithRetry(t *testing.T) {
	eng := newFakeEngine()
	eng.failures.Store(2)
	eng.failErr = taskerr.StoreUnavailable("put", state.ErrUnavailable)

	var errs atomic.Int32
	d := NewDriver(eng,
		WithRetry(3, time.Millisecond),
		OnError(func(Event, error) { errs.Add(1) }),
	)
	if err := d.Run(context.Background(), feed(terminal("a", "t", true))); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if errs.Load() != 0 || eng.terminalOK.Load() != 1 {
		t.Errorf("errors = %d, completions = %d", errs.Load(), eng.terminalOK.Load())
	}
}

func TestDriverDoesNotRetryPermanent(t *testing.T) {
	eng := newFakeEngine()
	eng.failures.Store(2)
	eng.failErr = taskerr.RecordNotFound("a", "t")

	d := NewDriver(eng, WithRetry(3, time.Millisecond))
	d.Run(context.Background(), feed(terminal("a", "t", true)))

	if eng.failures.Load() != 1 {
		t.Errorf("permanent error was retried; remaining failures = %d", eng.failures.Load())
	}
}

func TestDriverStopsOnCancel(t *testing.T) {
	eng := newFakeEngine()
	eng.delay = 20 * time.Millisecond
	d := NewDriver(eng)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, events) }()

	events <- progress("a", "t", 10)
	events <- progress("a", "t", 20)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// =============================================================================
// LEVEL 4: Bus to engine
// =============================================================================

func TestListenSkipsUndecodable(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := Listen(ctx, b, "p", nil)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	b.Publish("p.a.t", []byte("not json"))
	data, _ := json.Marshal(terminal("a", "t", true))
	b.Publish("p.a.t", data)

	select {
	case ev := <-events:
		if ev.Kind != KindTerminal || ev.TaskID != "t" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	cancel()
	for range events {
	}
}

func TestEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv := state.NewMemoryStore()
	defer kv.Close()
	idx, err := passage.NewBleveIndex(passage.BleveConfig{})
	if err != nil {
		t.Fatalf("NewBleveIndex() error = %v", err)
	}
	defer idx.Close()
	bs := blocks.NewKVStore(kv)
	eng := engine.New(tasks.NewStore(bs), archive.New(bs, idx))

	rec, err := eng.CreateTask(ctx, "agent-1", "Run the test suite, analyze failures, fix issues, then commit and push to feature branch", "/repo")
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	events, err := Listen(ctx, b, DefaultPrefix, nil)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	archived := make(chan struct{})
	d := NewDriver(eng, OnApplied(func(ev Event, r *tasks.Record) {
		if ev.Kind == KindTerminal {
			close(archived)
		}
	}), OnError(func(ev Event, err error) {
		t.Errorf("event %s rejected: %v", ev.Kind, err)
	}))
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx, events) }()

	pub := NewPublisher(b, "")
	for _, pct := range []int{25, 50, 75} {
		if err := pub.Publish(ctx, progress("agent-1", rec.TaskID, pct)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	pub.Publish(ctx, Event{
		Kind:    KindTerminal,
		AgentID: "agent-1",
		TaskID:  rec.TaskID,
		Success: true,
		Result:  "pushed",
		Metrics: &tasks.Metrics{CommandsExecuted: []string{"git push"}},
	})

	select {
	case <-archived:
	case <-time.After(5 * time.Second):
		t.Fatal("terminal event not applied")
	}

	entries, err := eng.GetArchive(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetArchive() error = %v", err)
	}
	if len(entries) != 1 || entries[0].TaskID != rec.TaskID {
		t.Errorf("archive = %+v", entries)
	}
	if _, err := eng.GetTask(ctx, "agent-1", rec.TaskID); !taskerr.Is(err, taskerr.ErrCodeRecordNotFound) {
		t.Errorf("live record should be gone, got %v", err)
	}

	cancel()
	<-runDone
	for range events {
	}
}

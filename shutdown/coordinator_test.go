package shutdown

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// LEVEL 1: Ordering
// =============================================================================

func TestPhasesRunInOrder(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	coord.RegisterFunc("store", PhaseClose, record("store"))
	coord.RegisterFunc("listener", PhaseIntake, record("listener"))
	coord.RegisterFunc("tracer", PhaseFlush, record("tracer"))
	coord.RegisterFunc("driver", PhaseDrain, record("driver"))

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	want := []string{"listener", "driver", "tracer", "store"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}

	select {
	case <-coord.Done():
	default:
		t.Fatal("Done should be closed")
	}
	res := coord.Result()
	if res == nil || res.Failed() || len(res.Results) != 4 {
		t.Fatalf("result = %+v", res)
	}
	if res.String() != "clean" {
		t.Errorf("String() = %q", res.String())
	}
}

func TestSamePhaseRunsConcurrently(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()
	wait := func(ctx context.Context) error {
		arrived.Done()
		select {
		case <-both:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	coord.RegisterFunc("bus", PhaseClose, wait)
	coord.RegisterFunc("passages", PhaseClose, wait)

	if err := coord.ShutdownWithTimeout(2 * time.Second); err != nil {
		t.Fatalf("handlers in one phase should not block each other: %v", err)
	}
}

func TestGroupByPhase(t *testing.T) {
	if groups := groupByPhase(nil); len(groups) != 0 {
		t.Fatalf("expected no groups, got %d", len(groups))
	}
	groups := groupByPhase([]registration{
		{name: "a", phase: 10},
		{name: "b", phase: 10},
		{name: "c", phase: 30},
	})
	if len(groups) != 2 || len(groups[0]) != 2 || groups[1][0].name != "c" {
		t.Fatalf("groups = %+v", groups)
	}
}

// =============================================================================
// LEVEL 2: Failures and deadlines
// =============================================================================

func TestHandlerErrorContinues(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var closed atomic.Bool
	coord.RegisterFunc("driver", PhaseDrain, func(context.Context) error {
		return errors.New("queue not empty")
	})
	coord.RegisterFunc("store", PhaseClose, func(context.Context) error {
		closed.Store(true)
		return nil
	})

	err := coord.ShutdownWithTimeout(time.Second)
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("err = %v, want ErrHandlerFailed", err)
	}
	if !closed.Load() {
		t.Fatal("later phases should still run")
	}
	if got := coord.Result().FailedHandlers(); !reflect.DeepEqual(got, []string{"driver"}) {
		t.Fatalf("failed = %v", got)
	}
}

func TestStopOnError(t *testing.T) {
	coord := NewCoordinator(Config{StopOnError: true})

	var closed atomic.Bool
	coord.RegisterFunc("driver", PhaseDrain, func(context.Context) error {
		return errors.New("boom")
	})
	coord.RegisterFunc("store", PhaseClose, func(context.Context) error {
		closed.Store(true)
		return nil
	})

	if err := coord.ShutdownWithTimeout(time.Second); !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("err = %v", err)
	}
	if closed.Load() {
		t.Fatal("store should be skipped")
	}
	res := coord.Result()
	if !reflect.DeepEqual(res.Skipped, []string{"store"}) {
		t.Fatalf("skipped = %v", res.Skipped)
	}
	if s := res.String(); s == "clean" {
		t.Fatalf("String() = %q", s)
	}
}

func TestTimeoutSkipsRemainingPhases(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	coord.RegisterFunc("driver", PhaseDrain, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	coord.RegisterFunc("tracer", PhaseFlush, func(context.Context) error { return nil })
	coord.RegisterFunc("store", PhaseClose, func(context.Context) error { return nil })

	err := coord.ShutdownWithTimeout(50 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	res := coord.Result()
	if !reflect.DeepEqual(res.Skipped, []string{"tracer", "store"}) {
		t.Fatalf("skipped = %v", res.Skipped)
	}
}

func TestCancelledContext(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	var called atomic.Bool
	coord.RegisterFunc("bus", PhaseClose, func(context.Context) error {
		called.Store(true)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := coord.Shutdown(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	if called.Load() {
		t.Fatal("handler should not run with a cancelled context")
	}
}

// =============================================================================
// LEVEL 3: Lifecycle
// =============================================================================

func TestShutdownRunsOnce(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	var calls atomic.Int32
	coord.RegisterFunc("bus", PhaseClose, func(context.Context) error {
		calls.Add(1)
		return errors.New("already closed")
	})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = coord.ShutdownWithTimeout(time.Second)
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("handler called %d times", calls.Load())
	}
	for i, err := range errs {
		if !errors.Is(err, ErrHandlerFailed) {
			t.Errorf("call %d: err = %v", i, err)
		}
	}
}

func TestResultBeforeShutdown(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	if coord.Result() != nil {
		t.Fatal("Result should be nil before shutdown")
	}
}

func TestOnProgress(t *testing.T) {
	var mu sync.Mutex
	var seen []HandlerResult
	coord := NewCoordinator(Config{OnProgress: func(hr HandlerResult) {
		mu.Lock()
		seen = append(seen, hr)
		mu.Unlock()
	}})
	coord.RegisterFunc("listener", PhaseIntake, func(context.Context) error { return nil })
	coord.RegisterFunc("store", PhaseClose, func(context.Context) error { return errors.New("x") })

	_ = coord.ShutdownWithTimeout(time.Second)

	if len(seen) != 2 {
		t.Fatalf("progress calls = %d", len(seen))
	}
	if seen[0].Name != "listener" || seen[0].Phase != PhaseIntake || seen[0].Err != nil {
		t.Errorf("first = %+v", seen[0])
	}
	if seen[1].Name != "store" || seen[1].Err == nil {
		t.Errorf("second = %+v", seen[1])
	}
}

func TestWaitForSignalContextDone(t *testing.T) {
	coord := NewCoordinator(Config{Timeout: time.Second})
	var called atomic.Bool
	coord.RegisterFunc("bus", PhaseClose, func(context.Context) error {
		called.Store(true)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- coord.WaitForSignal(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("WaitForSignal: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForSignal did not return")
	}
	if !called.Load() {
		t.Fatal("handler should run once the parent context ends")
	}
}

func TestDefaultTimeout(t *testing.T) {
	coord := NewCoordinator(Config{})
	if coord.config.Timeout != 30*time.Second {
		t.Fatalf("timeout = %v", coord.config.Timeout)
	}
}

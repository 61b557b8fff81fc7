package shutdown

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrTimeout indicates shutdown did not complete within the deadline.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers returned an error.
	ErrHandlerFailed = errors.New("one or more shutdown handlers failed")
)

// Phases used by the taskmem server. Lower phases run first.
const (
	// PhaseIntake stops taking new executor events.
	PhaseIntake = 10
	// PhaseDrain waits for queued events to be applied.
	PhaseDrain = 20
	// PhaseFlush flushes trace and lifecycle event exporters.
	PhaseFlush = 30
	// PhaseClose releases the bus, stores and passage index.
	PhaseClose = 40
)

// Handler is implemented by components that need to stop cleanly. The
// context is cancelled when the shutdown deadline passes.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	// Skipped lists handlers that never ran because the deadline passed
	// or an earlier phase failed.
	Skipped []string
	Err     error
}

// Failed reports whether the shutdown did not complete cleanly.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that returned an error.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// String summarises the result for log output.
func (r *Result) String() string {
	if r.Err == nil {
		return "clean"
	}
	var b strings.Builder
	b.WriteString(r.Err.Error())
	if failed := r.FailedHandlers(); len(failed) > 0 {
		b.WriteString(": failed=")
		b.WriteString(strings.Join(failed, ","))
	}
	if len(r.Skipped) > 0 {
		b.WriteString(" skipped=")
		b.WriteString(strings.Join(r.Skipped, ","))
	}
	return b.String()
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds a signal-triggered shutdown. Default: 30s.
	Timeout time.Duration

	// StopOnError skips later phases once a handler fails.
	StopOnError bool

	// OnProgress is called as each handler finishes.
	OnProgress func(HandlerResult)
}

// DefaultConfig returns the configuration used by the server.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}

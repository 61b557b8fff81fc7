// OpenTelemetry tracing around task lifecycle operations.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span names for engine operations.
const (
	SpanCreate   = "taskmem.create"
	SpanProgress = "taskmem.progress"
	SpanComplete = "taskmem.complete"
	SpanArchive  = "taskmem.archive"
)

// Attribute keys set on engine spans.
const (
	AttrTaskID       = attribute.Key("task.id")
	AttrAgentID      = attribute.Key("agent.id")
	AttrTaskType     = attribute.Key("task.type")
	AttrTaskPriority = attribute.Key("task.priority")
	AttrTaskStatus   = attribute.Key("task.status")
	AttrProgress     = attribute.Key("task.progress")
	AttrPassageID    = attribute.Key("archive.passage_id")
	AttrEvicted      = attribute.Key("archive.evicted")
	AttrAdmitted     = attribute.Key("archive.admitted")
)

// Tracer wraps an OpenTelemetry tracer with task-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, prompts are included in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return Noop()
	}
	return globalTracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFrom creates a tracer from an explicit provider.
func NewTracerFrom(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

// Noop returns a tracer that records nothing.
func Noop() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// Debug returns whether prompts are recorded on spans.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// StartTaskSpan starts a span for an operation on one task.
func (t *Tracer) StartTaskSpan(ctx context.Context, name, agentID, taskID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrAgentID.String(agentID),
			AttrTaskID.String(taskID),
		),
	)
}

// TaskAttrs describes a task record on a span.
type TaskAttrs struct {
	TaskType string
	Priority string
	Status   string
	Progress int
	Prompt   string // Only included if debug=true
}

// Annotate sets task attributes on span. Empty fields are skipped.
func (t *Tracer) Annotate(span trace.Span, a TaskAttrs) {
	var attrs []attribute.KeyValue
	if a.TaskType != "" {
		attrs = append(attrs, AttrTaskType.String(a.TaskType))
	}
	if a.Priority != "" {
		attrs = append(attrs, AttrTaskPriority.String(a.Priority))
	}
	if a.Status != "" {
		attrs = append(attrs, AttrTaskStatus.String(a.Status))
	}
	if a.Progress > 0 {
		attrs = append(attrs, AttrProgress.Int(a.Progress))
	}
	if t.debug && a.Prompt != "" {
		attrs = append(attrs, attribute.String("task.prompt", truncate(a.Prompt, 4000)))
	}
	span.SetAttributes(attrs...)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a map-based TextMapCarrier carried inside executor events.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

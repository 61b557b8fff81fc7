package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/taskmem/archive"
	"github.com/vinayprograms/taskmem/classify"
	taskerr "github.com/vinayprograms/taskmem/errors"
	"github.com/vinayprograms/taskmem/keylock"
	"github.com/vinayprograms/taskmem/logging"
	"github.com/vinayprograms/taskmem/passage"
	"github.com/vinayprograms/taskmem/tasks"
	"github.com/vinayprograms/taskmem/telemetry"
)

// Records is the live record persistence used by the engine.
type Records interface {
	tasks.LifecycleStore
	ListByStatus(ctx context.Context, agentID string, statuses ...tasks.Status) ([]*tasks.Record, error)
}

// Archiver is the archive used by the engine.
type Archiver interface {
	Archive(ctx context.Context, r *tasks.Record) (archive.Result, error)
	List(ctx context.Context, agentID string) ([]archive.Entry, error)
	Search(ctx context.Context, agentID, query string, limit int) ([]passage.Hit, error)
}

var (
	_ Records  = (*tasks.Store)(nil)
	_ Archiver = (*archive.Index)(nil)
)

// Engine tracks tasks from creation to archival.
type Engine struct {
	records Records
	archive Archiver
	logger  *logging.Logger
	tracer  *telemetry.Tracer
	events  telemetry.Exporter
	now     func() time.Time
	newID   func() string

	// mu serializes operations on one task.
	mu keylock.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithEventExporter sends lifecycle events to exp.
func WithEventExporter(exp telemetry.Exporter) Option {
	return func(e *Engine) {
		e.events = exp
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDGenerator sets the generator for task ids not supplied by callers.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		e.newID = gen
	}
}

// New creates an engine over the given record store and archive.
func New(records Records, arch Archiver, opts ...Option) *Engine {
	e := &Engine{
		records: records,
		archive: arch,
		logger:  logging.Nop(),
		tracer:  telemetry.GetTracer(),
		events:  telemetry.NewNoopExporter(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateOption configures CreateTask.
type CreateOption func(*createOptions)

type createOptions struct {
	taskID string
}

// WithTaskID uses id instead of generating one.
func WithTaskID(id string) CreateOption {
	return func(o *createOptions) {
		o.taskID = id
	}
}

func (e *Engine) lock(agentID, taskID string) func() {
	return e.mu.Lock(agentID + "/" + taskID)
}

// CreateTask classifies prompt and persists the pending record.
// An id held by a live record or by an archive entry yields
// ALREADY_EXISTS.
func (e *Engine) CreateTask(ctx context.Context, agentID, prompt, workdir string, opts ...CreateOption) (*tasks.Record, error) {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.taskID == "" {
		o.taskID = e.newID()
	}

	ctx, span := e.tracer.StartTaskSpan(ctx, telemetry.SpanCreate, agentID, o.taskID)
	rec, err := e.create(ctx, agentID, o.taskID, prompt, workdir)
	if rec != nil {
		e.tracer.Annotate(span, spanAttrs(rec))
	}
	telemetry.End(span, err)
	return rec, err
}

func (e *Engine) create(ctx context.Context, agentID, taskID, prompt, workdir string) (*tasks.Record, error) {
	if agentID == "" {
		return nil, taskerr.InvalidInput("agent id required")
	}
	if prompt == "" {
		return nil, taskerr.InvalidInput("prompt required", taskerr.WithAgentID(agentID), taskerr.WithTaskID(taskID))
	}

	unlock := e.lock(agentID, taskID)
	defer unlock()

	_, err := e.records.Get(ctx, agentID, taskID)
	switch {
	case err == nil:
		return nil, taskerr.AlreadyExists(agentID, taskID)
	case !taskerr.Is(err, taskerr.ErrCodeRecordNotFound):
		return nil, err
	}
	archived, err := e.archive.List(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for _, entry := range archived {
		if entry.TaskID == taskID {
			return nil, taskerr.AlreadyExists(agentID, taskID)
		}
	}

	c := classify.Classify(prompt)
	rec := tasks.NewRecord(agentID, taskID, prompt, workdir, c, e.now())
	if err := e.records.Create(ctx, rec); err != nil {
		return nil, err
	}

	e.logger.TaskCreated(agentID, taskID, string(c.TaskType), c.ComplexityScore, c.ShouldArchive)
	e.emit(telemetry.EventTaskCreated, rec, map[string]interface{}{
		"task_type":        string(rec.TaskType),
		"complexity_score": rec.ComplexityScore,
		"archive_priority": string(rec.ArchivePriority),
		"should_archive":   rec.ShouldArchive,
	})
	return rec, nil
}

// GetTask returns the live record.
func (e *Engine) GetTask(ctx context.Context, agentID, taskID string) (*tasks.Record, error) {
	return e.records.Get(ctx, agentID, taskID)
}

// ListTasks returns the agent's live records, optionally only those in
// one of statuses.
func (e *Engine) ListTasks(ctx context.Context, agentID string, statuses ...tasks.Status) ([]*tasks.Record, error) {
	for _, s := range statuses {
		if !s.Valid() {
			return nil, taskerr.InvalidInput("unknown status "+string(s), taskerr.WithAgentID(agentID))
		}
	}
	return e.records.ListByStatus(ctx, agentID, statuses...)
}

// DeleteTask removes a live record. Deleting a missing record is not an
// error.
func (e *Engine) DeleteTask(ctx context.Context, agentID, taskID string) error {
	unlock := e.lock(agentID, taskID)
	defer unlock()
	return e.records.Delete(ctx, agentID, taskID)
}

// RecordProgress merges p into the live record. A percentage lower than
// the stored one is kept out and recorded as a warning; the rest of p is
// still applied and no error is returned for it.
func (e *Engine) RecordProgress(ctx context.Context, agentID, taskID string, p tasks.Partial) (*tasks.Record, error) {
	ctx, span := e.tracer.StartTaskSpan(ctx, telemetry.SpanProgress, agentID, taskID)
	var (
		rec       *tasks.Record
		regressed bool
		previous  int
	)
	err := e.mutate(ctx, agentID, taskID, func(r *tasks.Record, now time.Time) *tasks.Record {
		previous = r.ProgressPercentage
		rec, regressed = tasks.ApplyProgress(r, p, now)
		return rec
	})
	if err == nil {
		e.tracer.Annotate(span, spanAttrs(rec))
		if regressed {
			e.logger.ProgressRegressed(agentID, taskID, previous, *p.ProgressPercentage)
		}
		e.logger.ProgressApplied(agentID, taskID, rec.ProgressPercentage, rec.CurrentStep)
	} else {
		rec = nil
	}
	telemetry.End(span, err)
	return rec, err
}

// RecordWarning appends w to the live record.
func (e *Engine) RecordWarning(ctx context.Context, agentID, taskID string, w tasks.Warning) (*tasks.Record, error) {
	var rec *tasks.Record
	err := e.mutate(ctx, agentID, taskID, func(r *tasks.Record, now time.Time) *tasks.Record {
		rec = tasks.AppendWarning(r, w, now)
		return rec
	})
	if err != nil {
		return nil, err
	}
	e.logger.Warn("task warning", map[string]interface{}{
		"agent_id": agentID,
		"task_id":  taskID,
		"type":     w.WarningType,
		"severity": rec.Warnings[len(rec.Warnings)-1].Severity,
	})
	return rec, nil
}

// RecordError appends te to the live record without finishing the task.
func (e *Engine) RecordError(ctx context.Context, agentID, taskID string, te tasks.TaskError) (*tasks.Record, error) {
	var rec *tasks.Record
	err := e.mutate(ctx, agentID, taskID, func(r *tasks.Record, now time.Time) *tasks.Record {
		rec = tasks.AppendError(r, te, now)
		return rec
	})
	if err != nil {
		return nil, err
	}
	e.logger.Warn("task error", map[string]interface{}{
		"agent_id":    agentID,
		"task_id":     taskID,
		"type":        te.ErrorType,
		"recoverable": te.Recoverable,
	})
	return rec, nil
}

// mutate applies fn to a non-terminal live record and persists the result.
func (e *Engine) mutate(ctx context.Context, agentID, taskID string, fn func(*tasks.Record, time.Time) *tasks.Record) error {
	unlock := e.lock(agentID, taskID)
	defer unlock()

	rec, err := e.records.Get(ctx, agentID, taskID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return taskerr.TaskFinished(agentID, taskID)
	}
	return e.records.Update(ctx, fn(rec, e.now()))
}

// CompleteTask performs the terminal transition, archives the record when
// it is to be archived and deletes the live record.
//
// If archival fails the terminal record stays live and an ARCHIVAL_FAILURE
// error is returned together with it. Calling CompleteTask again retries
// archival without finalizing the record a second time; result, success
// and m are then ignored.
func (e *Engine) CompleteTask(ctx context.Context, agentID, taskID, result string, success bool, m tasks.Metrics) (*tasks.Record, error) {
	return e.complete(ctx, agentID, taskID, func(r *tasks.Record, now time.Time) *tasks.Record {
		return tasks.Finalize(r, result, success, m, now)
	})
}

// CancelTask finishes the task as failed with a non-recoverable
// "cancelled" error entry, following the CompleteTask path.
func (e *Engine) CancelTask(ctx context.Context, agentID, taskID, reason string, m tasks.Metrics) (*tasks.Record, error) {
	if reason == "" {
		reason = "task cancelled"
	}
	return e.complete(ctx, agentID, taskID, func(r *tasks.Record, now time.Time) *tasks.Record {
		r = tasks.AppendError(r, tasks.TaskError{
			ErrorType:   tasks.ErrorTypeCancelled,
			Message:     reason,
			Recoverable: false,
		}, now)
		return tasks.Finalize(r, reason, false, m, now)
	})
}

func (e *Engine) complete(ctx context.Context, agentID, taskID string, finalize func(*tasks.Record, time.Time) *tasks.Record) (*tasks.Record, error) {
	ctx, span := e.tracer.StartTaskSpan(ctx, telemetry.SpanComplete, agentID, taskID)
	rec, err := e.completeLocked(ctx, agentID, taskID, finalize)
	if rec != nil {
		e.tracer.Annotate(span, spanAttrs(rec))
	}
	telemetry.End(span, err)
	return rec, err
}

func (e *Engine) completeLocked(ctx context.Context, agentID, taskID string, finalize func(*tasks.Record, time.Time) *tasks.Record) (*tasks.Record, error) {
	unlock := e.lock(agentID, taskID)
	defer unlock()

	rec, err := e.records.Get(ctx, agentID, taskID)
	if err != nil {
		return nil, err
	}

	if !rec.Status.IsTerminal() {
		rec = finalize(rec, e.now())
		if err := e.records.Update(ctx, rec); err != nil {
			return nil, err
		}
		e.logger.TaskCompleted(agentID, taskID, string(rec.Status), string(rec.ArchivePriority),
			time.Duration(rec.ExecutionTimeMS)*time.Millisecond)
		e.emit(telemetry.EventTaskCompleted, rec, map[string]interface{}{
			"status":            string(rec.Status),
			"archive_priority":  string(rec.ArchivePriority),
			"execution_time_ms": rec.ExecutionTimeMS,
		})
	}

	if !rec.ShouldArchive {
		if err := e.records.Delete(ctx, agentID, taskID); err != nil {
			return rec, err
		}
		return rec, nil
	}
	return e.archiveRecord(ctx, rec)
}

// archiveRecord submits a terminal record and deletes it once archived.
func (e *Engine) archiveRecord(ctx context.Context, rec *tasks.Record) (*tasks.Record, error) {
	ctx, span := e.tracer.StartTaskSpan(ctx, telemetry.SpanArchive, rec.AgentID, rec.TaskID)

	res, err := e.archive.Archive(ctx, rec)
	if res.PassageID != "" {
		span.SetAttributes(telemetry.AttrPassageID.String(res.PassageID))
	}
	if err != nil {
		if res.PassageID != "" && res.PassageID != rec.ArchivePassageID {
			rec.ArchivePassageID = res.PassageID
			if uerr := e.records.Update(ctx, rec); uerr != nil {
				e.logger.Warn("recording passage id failed", map[string]interface{}{
					"agent_id": rec.AgentID,
					"task_id":  rec.TaskID,
					"error":    uerr.Error(),
				})
			}
		}
		aerr := taskerr.ArchivalFailure(rec.AgentID, rec.TaskID, err)
		e.logger.ArchivalFailed(rec.AgentID, rec.TaskID, err)
		e.emit(telemetry.EventArchiveFailed, rec, map[string]interface{}{"error": err.Error()})
		telemetry.End(span, aerr)
		return rec, aerr
	}

	span.SetAttributes(
		telemetry.AttrAdmitted.Bool(res.Admitted),
		telemetry.AttrEvicted.Int(len(res.Evicted)),
	)
	if res.PassageID != rec.ArchivePassageID {
		rec.ArchivePassageID = res.PassageID
		if err := e.records.Update(ctx, rec); err != nil {
			telemetry.End(span, err)
			return rec, err
		}
	}
	e.emit(telemetry.EventTaskArchived, rec, map[string]interface{}{
		"passage_id": res.PassageID,
		"admitted":   res.Admitted,
	})
	for _, ev := range res.Evicted {
		e.events.Export(telemetry.Event{
			Name:    telemetry.EventTaskEvicted,
			AgentID: rec.AgentID,
			TaskID:  ev.TaskID,
			Data:    map[string]interface{}{"archive_priority": string(ev.ArchivePriority)},
		})
	}

	if err := e.records.Delete(ctx, rec.AgentID, rec.TaskID); err != nil {
		telemetry.End(span, err)
		return rec, err
	}
	telemetry.End(span, nil)
	return rec, nil
}

// GetArchive returns the agent's bounded archive list, newest first.
func (e *Engine) GetArchive(ctx context.Context, agentID string) ([]archive.Entry, error) {
	return e.archive.List(ctx, agentID)
}

// SearchArchive queries the agent's archived passages. An empty query
// lists the most recent ones.
func (e *Engine) SearchArchive(ctx context.Context, agentID, query string, limit int) ([]passage.Hit, error) {
	if agentID == "" {
		return nil, taskerr.InvalidInput("agent id required")
	}
	return e.archive.Search(ctx, agentID, query, limit)
}

func (e *Engine) emit(name string, rec *tasks.Record, data map[string]interface{}) {
	e.events.Export(telemetry.Event{
		Name:      name,
		AgentID:   rec.AgentID,
		TaskID:    rec.TaskID,
		Timestamp: e.now(),
		Data:      data,
	})
}

func spanAttrs(r *tasks.Record) telemetry.TaskAttrs {
	return telemetry.TaskAttrs{
		TaskType: string(r.TaskType),
		Priority: string(r.ArchivePriority),
		Status:   string(r.Status),
		Progress: r.ProgressPercentage,
		Prompt:   r.Prompt,
	}
}

// IsRetryable reports whether a failed engine call may succeed when
// repeated with the same arguments.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return taskerr.IsRetryable(err)
}

package tasks

import (
	"time"

	"github.com/vinayprograms/taskmem/classify"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusPending indicates the record exists but execution has not reported.
	StatusPending Status = "pending"

	// StatusInProgress indicates at least one progress update was applied.
	StatusInProgress Status = "in_progress"

	// StatusCompleted indicates the task finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the task finished unsuccessfully or was cancelled.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Warning severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Well-known error and warning types.
const (
	ErrorTypeCancelled      = "cancelled"
	WarningTypeRegression   = "progress_regression"
	WarningTypePerformance  = "performance"
	WarningTypeBestPractice = "best_practice"
)

// TaskError is one error reported during execution.
type TaskError struct {
	Timestamp         time.Time `json:"timestamp"`
	ErrorType         string    `json:"error_type"`
	Message           string    `json:"message"`
	Details           string    `json:"details,omitempty"`
	StackTrace        string    `json:"stack_trace,omitempty"`
	Recoverable       bool      `json:"recoverable"`
	RecoveryAttempted bool      `json:"recovery_attempted"`
}

// Warning is one non-fatal condition reported during execution.
type Warning struct {
	Timestamp   time.Time `json:"timestamp"`
	WarningType string    `json:"warning_type"`
	Message     string    `json:"message"`
	Details     string    `json:"details,omitempty"`
	Severity    string    `json:"severity"`
}

// Metrics is the resource and telemetry portion of a record.
// Slice fields are merged by union; scalars by overwrite when non-zero.
type Metrics struct {
	ExecutionTimeMS  int64    `json:"execution_time_ms"`
	MemoryUsageMB    float64  `json:"memory_usage_mb"`
	CPUUsagePercent  float64  `json:"cpu_usage_percent"`
	FilesCreated     []string `json:"files_created"`
	FilesModified    []string `json:"files_modified"`
	CommandsExecuted []string `json:"commands_executed"`
	URLsAccessed     []string `json:"urls_accessed"`
}

// Record is the live state of one task.
type Record struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`

	// Classification, fixed at creation except ArchivePriority and
	// ShouldArchive, which completion overrides for failed tasks.
	TaskType        classify.TaskType `json:"task_type"`
	ComplexityScore int               `json:"complexity_score"`
	ArchivePriority classify.Priority `json:"archive_priority"`
	ArchiveTags     []string          `json:"archive_tags"`
	ShouldArchive   bool              `json:"should_archive"`

	Status              Status     `json:"status"`
	StartedAt           time.Time  `json:"started_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	CompletedAt         *time.Time `json:"completed_at"`
	EstimatedCompletion *time.Time `json:"estimated_completion"`
	Progress            string     `json:"progress,omitempty"`
	ProgressPercentage  int        `json:"progress_percentage"`
	StepsCompleted      int        `json:"steps_completed"`
	TotalSteps          int        `json:"total_steps"`
	CurrentStep         string     `json:"current_step,omitempty"`
	StepDetails         string     `json:"step_details,omitempty"`

	Result   *string     `json:"result"`
	Success  *bool       `json:"success"`
	Errors   []TaskError `json:"errors"`
	Warnings []Warning   `json:"warnings"`

	Metrics

	Prompt           string `json:"prompt"`
	WorkingDirectory string `json:"working_directory,omitempty"`

	// ArchivePassageID is set once the record's text reached the passage
	// index, so a retried completion does not append it twice.
	ArchivePassageID string `json:"archive_passage_id,omitempty"`
}

// NewRecord builds the initial pending record for a classified prompt.
func NewRecord(agentID, taskID, prompt, workdir string, c classify.Result, now time.Time) *Record {
	eta := now.Add(DefaultWindow(c.ComplexityScore))
	return &Record{
		TaskID:              taskID,
		AgentID:             agentID,
		TaskType:            c.TaskType,
		ComplexityScore:     c.ComplexityScore,
		ArchivePriority:     c.ArchivePriority,
		ArchiveTags:         append([]string(nil), c.ArchiveTags...),
		ShouldArchive:       c.ShouldArchive,
		Status:              StatusPending,
		StartedAt:           now,
		UpdatedAt:           now,
		EstimatedCompletion: &eta,
		Errors:              []TaskError{},
		Warnings:            []Warning{},
		Metrics: Metrics{
			FilesCreated:     []string{},
			FilesModified:    []string{},
			CommandsExecuted: []string{},
			URLsAccessed:     []string{},
		},
		Prompt:           prompt,
		WorkingDirectory: workdir,
	}
}

// DefaultWindow is the estimated duration of a task before any progress
// has been reported.
func DefaultWindow(score int) time.Duration {
	switch {
	case score <= 3:
		return 2 * time.Minute
	case score <= 6:
		return 5 * time.Minute
	case score <= 8:
		return 15 * time.Minute
	default:
		return 30 * time.Minute
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.ArchiveTags = cloneStrings(r.ArchiveTags)
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.EstimatedCompletion = cloneTime(r.EstimatedCompletion)
	if r.Result != nil {
		v := *r.Result
		out.Result = &v
	}
	if r.Success != nil {
		v := *r.Success
		out.Success = &v
	}
	out.Errors = append(make([]TaskError, 0, len(r.Errors)), r.Errors...)
	out.Warnings = append(make([]Warning, 0, len(r.Warnings)), r.Warnings...)
	out.Metrics = r.Metrics.clone()
	return &out
}

func (m Metrics) clone() Metrics {
	m.FilesCreated = cloneStrings(m.FilesCreated)
	m.FilesModified = cloneStrings(m.FilesModified)
	m.CommandsExecuted = cloneStrings(m.CommandsExecuted)
	m.URLsAccessed = cloneStrings(m.URLsAccessed)
	return m
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

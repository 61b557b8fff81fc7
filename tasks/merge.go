package tasks

import (
	"fmt"
	"time"

	"github.com/vinayprograms/taskmem/classify"
)

// Partial is a progress update. Nil fields are left untouched; slice
// fields are unioned into the record's telemetry.
type Partial struct {
	Progress           *string `json:"progress,omitempty"`
	ProgressPercentage *int    `json:"progress_percentage,omitempty"`
	StepsCompleted     *int    `json:"steps_completed,omitempty"`
	TotalSteps         *int    `json:"total_steps,omitempty"`
	CurrentStep        *string `json:"current_step,omitempty"`
	StepDetails        *string `json:"step_details,omitempty"`

	ExecutionTimeMS *int64   `json:"execution_time_ms,omitempty"`
	MemoryUsageMB   *float64 `json:"memory_usage_mb,omitempty"`
	CPUUsagePercent *float64 `json:"cpu_usage_percent,omitempty"`

	FilesCreated     []string `json:"files_created,omitempty"`
	FilesModified    []string `json:"files_modified,omitempty"`
	CommandsExecuted []string `json:"commands_executed,omitempty"`
	URLsAccessed     []string `json:"urls_accessed,omitempty"`
}

// Int returns a pointer to v, for building a Partial.
func Int(v int) *int { return &v }

// String returns a pointer to v, for building a Partial.
func String(v string) *string { return &v }

// Float returns a pointer to v, for building a Partial.
func Float(v float64) *float64 { return &v }

// ApplyProgress merges p into a copy of r and recomputes the derived
// fields. A supplied percentage lower than the current one is not applied;
// a progress_regression warning is appended instead and regressed is true.
// Every other field of p is still applied.
func ApplyProgress(r *Record, p Partial, now time.Time) (out *Record, regressed bool) {
	out = r.Clone()

	if p.Progress != nil {
		out.Progress = *p.Progress
	}
	if p.TotalSteps != nil && *p.TotalSteps >= 0 {
		out.TotalSteps = *p.TotalSteps
	}
	if p.StepsCompleted != nil && *p.StepsCompleted >= 0 {
		out.StepsCompleted = *p.StepsCompleted
	}
	if out.TotalSteps > 0 && out.StepsCompleted > out.TotalSteps {
		out.StepsCompleted = out.TotalSteps
	}
	if p.CurrentStep != nil {
		out.CurrentStep = *p.CurrentStep
	}
	if p.StepDetails != nil {
		out.StepDetails = *p.StepDetails
	}

	if p.ExecutionTimeMS != nil {
		out.ExecutionTimeMS = *p.ExecutionTimeMS
	}
	if p.MemoryUsageMB != nil {
		out.MemoryUsageMB = *p.MemoryUsageMB
	}
	if p.CPUUsagePercent != nil {
		out.CPUUsagePercent = *p.CPUUsagePercent
	}
	out.FilesCreated = Union(out.FilesCreated, p.FilesCreated)
	out.FilesModified = Union(out.FilesModified, p.FilesModified)
	out.CommandsExecuted = Union(out.CommandsExecuted, p.CommandsExecuted)
	out.URLsAccessed = Union(out.URLsAccessed, p.URLsAccessed)

	switch {
	case p.ProgressPercentage != nil:
		pct := clampPercent(*p.ProgressPercentage)
		if pct < out.ProgressPercentage {
			regressed = true
			out.Warnings = append(out.Warnings, Warning{
				Timestamp:   now,
				WarningType: WarningTypeRegression,
				Message:     fmt.Sprintf("progress %d%% is below current %d%%; keeping current", pct, out.ProgressPercentage),
				Severity:    SeverityLow,
			})
		} else {
			out.ProgressPercentage = pct
		}
	case out.TotalSteps > 0:
		if derived := out.StepsCompleted * 100 / out.TotalSteps; derived > out.ProgressPercentage {
			out.ProgressPercentage = derived
		}
	}

	if out.Status == StatusPending {
		out.Status = StatusInProgress
	}
	out.UpdatedAt = now
	eta := EstimateCompletion(out, now)
	out.EstimatedCompletion = &eta
	return out, regressed
}

// EstimateCompletion projects when r will finish. With progress reported,
// it extrapolates the elapsed time over the remaining percentage; before
// that it falls back to the default window for the complexity score.
func EstimateCompletion(r *Record, now time.Time) time.Time {
	pct := r.ProgressPercentage
	if pct <= 0 {
		return r.StartedAt.Add(DefaultWindow(r.ComplexityScore))
	}
	if pct >= 100 {
		return now
	}
	elapsed := now.Sub(r.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := time.Duration(float64(elapsed) / float64(pct) * float64(100-pct))
	return now.Add(remaining)
}

// AppendWarning returns a copy of r with w appended.
func AppendWarning(r *Record, w Warning, now time.Time) *Record {
	out := r.Clone()
	if w.Timestamp.IsZero() {
		w.Timestamp = now
	}
	if w.Severity == "" {
		w.Severity = SeverityMedium
	}
	out.Warnings = append(out.Warnings, w)
	out.UpdatedAt = now
	return out
}

// AppendError returns a copy of r with e appended.
func AppendError(r *Record, e TaskError, now time.Time) *Record {
	out := r.Clone()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	out.Errors = append(out.Errors, e)
	out.UpdatedAt = now
	return out
}

// Finalize returns a copy of r in its terminal state. A failed task is
// always archived, at critical priority.
func Finalize(r *Record, result string, success bool, m Metrics, now time.Time) *Record {
	out := r.Clone()

	if success {
		out.Status = StatusCompleted
		out.ProgressPercentage = 100
	} else {
		out.Status = StatusFailed
		out.ArchivePriority = classify.Critical
		out.ShouldArchive = true
	}
	out.Result = &result
	out.Success = &success
	completed := now
	out.CompletedAt = &completed
	out.UpdatedAt = now
	out.EstimatedCompletion = nil

	MergeMetrics(&out.Metrics, m)
	if out.ExecutionTimeMS == 0 {
		out.ExecutionTimeMS = now.Sub(out.StartedAt).Milliseconds()
	}
	return out
}

// MergeMetrics folds src into dst: non-zero scalars overwrite, slices union.
func MergeMetrics(dst *Metrics, src Metrics) {
	if src.ExecutionTimeMS != 0 {
		dst.ExecutionTimeMS = src.ExecutionTimeMS
	}
	if src.MemoryUsageMB != 0 {
		dst.MemoryUsageMB = src.MemoryUsageMB
	}
	if src.CPUUsagePercent != 0 {
		dst.CPUUsagePercent = src.CPUUsagePercent
	}
	dst.FilesCreated = Union(dst.FilesCreated, src.FilesCreated)
	dst.FilesModified = Union(dst.FilesModified, src.FilesModified)
	dst.CommandsExecuted = Union(dst.CommandsExecuted, src.CommandsExecuted)
	dst.URLsAccessed = Union(dst.URLsAccessed, src.URLsAccessed)
}

// Union appends the entries of add missing from base, preserving first-seen
// order. base is not modified.
func Union(base, add []string) []string {
	out := make([]string, 0, len(base)+len(add))
	seen := make(map[string]bool, len(base)+len(add))
	for _, list := range [][]string{base, add} {
		for _, v := range list {
			if seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

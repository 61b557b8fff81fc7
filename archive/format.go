package archive

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vinayprograms/taskmem/tasks"
)

// Section headings of the formatted text, in order.
const (
	SectionPrompt   = "## Prompt"
	SectionResult   = "## Result"
	SectionTimeline = "## Timeline"
	SectionMetrics  = "## Resource Metrics"
	SectionCreated  = "## Files Created"
	SectionModified = "## Files Modified"
	SectionCommands = "## Commands Executed"
	SectionURLs     = "## URLs Accessed"
	SectionErrors   = "## Errors"
	SectionWarnings = "## Warnings"
	SectionKeywords = "## Search Keywords"
)

// Format renders r as the archival passage text. Sections appear in a
// fixed order; empty fields and sections are omitted. Classification
// values are repeated in the keywords section for full-text retrieval.
func Format(r *tasks.Record) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task %s\n", r.TaskID)
	field(&b, "Agent", r.AgentID)
	field(&b, "Type", string(r.TaskType))
	field(&b, "Priority", string(r.ArchivePriority))
	field(&b, "Complexity", strconv.Itoa(r.ComplexityScore)+"/10")
	field(&b, "Should Archive", strconv.FormatBool(r.ShouldArchive))
	field(&b, "Status", string(r.Status))
	if r.Success != nil {
		field(&b, "Success", strconv.FormatBool(*r.Success))
	}
	if len(r.ArchiveTags) > 0 {
		field(&b, "Tags", strings.Join(r.ArchiveTags, ", "))
	}
	field(&b, "Working Directory", r.WorkingDirectory)

	if r.Prompt != "" {
		section(&b, SectionPrompt)
		b.WriteString(r.Prompt)
		b.WriteString("\n")
	}

	if r.Result != nil && *r.Result != "" {
		section(&b, SectionResult)
		b.WriteString(*r.Result)
		b.WriteString("\n")
	}

	section(&b, SectionTimeline)
	timeField(&b, "Started", &r.StartedAt)
	timeField(&b, "Updated", &r.UpdatedAt)
	timeField(&b, "Completed", r.CompletedAt)
	timeField(&b, "Estimated Completion", r.EstimatedCompletion)
	if r.CompletedAt != nil {
		field(&b, "Duration", r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String())
	}
	if r.ProgressPercentage > 0 {
		field(&b, "Progress", strconv.Itoa(r.ProgressPercentage)+"%")
	}
	if r.TotalSteps > 0 || r.StepsCompleted > 0 {
		field(&b, "Steps", fmt.Sprintf("%d/%d", r.StepsCompleted, r.TotalSteps))
	}
	field(&b, "Progress Note", r.Progress)
	field(&b, "Current Step", r.CurrentStep)
	field(&b, "Step Details", r.StepDetails)

	if r.ExecutionTimeMS > 0 || r.MemoryUsageMB > 0 || r.CPUUsagePercent > 0 {
		section(&b, SectionMetrics)
		if r.ExecutionTimeMS > 0 {
			field(&b, "Execution Time", strconv.FormatInt(r.ExecutionTimeMS, 10)+"ms")
		}
		if r.MemoryUsageMB > 0 {
			field(&b, "Memory", strconv.FormatFloat(r.MemoryUsageMB, 'f', -1, 64)+"MB")
		}
		if r.CPUUsagePercent > 0 {
			field(&b, "CPU", strconv.FormatFloat(r.CPUUsagePercent, 'f', -1, 64)+"%")
		}
	}

	list(&b, SectionCreated, r.FilesCreated)
	list(&b, SectionModified, r.FilesModified)
	list(&b, SectionCommands, r.CommandsExecuted)
	list(&b, SectionURLs, r.URLsAccessed)

	if len(r.Errors) > 0 {
		section(&b, SectionErrors)
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "- [%s] %s: %s (recoverable=%t, recovery_attempted=%t)\n",
				e.Timestamp.UTC().Format(time.RFC3339), e.ErrorType, e.Message, e.Recoverable, e.RecoveryAttempted)
			indented(&b, "Details", e.Details)
			indented(&b, "Stack", e.StackTrace)
		}
	}

	if len(r.Warnings) > 0 {
		section(&b, SectionWarnings)
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "- [%s] %s (%s): %s\n",
				w.Timestamp.UTC().Format(time.RFC3339), w.WarningType, w.Severity, w.Message)
			indented(&b, "Details", w.Details)
		}
	}

	section(&b, SectionKeywords)
	keywords := []string{string(r.TaskType), string(r.ArchivePriority), string(r.Status)}
	keywords = append(keywords, r.ArchiveTags...)
	b.WriteString(strings.Join(tasks.Union(nil, keywords), " "))
	b.WriteString("\n")

	return b.String()
}

func section(b *strings.Builder, heading string) {
	b.WriteString("\n")
	b.WriteString(heading)
	b.WriteString("\n")
}

func field(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", name, value)
}

func timeField(b *strings.Builder, name string, t *time.Time) {
	if t == nil || t.IsZero() {
		return
	}
	field(b, name, t.UTC().Format(time.RFC3339))
}

func indented(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "  %s: %s\n", name, strings.ReplaceAll(value, "\n", "\n    "))
}

func list(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	section(b, heading)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

package archive

import (
	"time"

	"github.com/vinayprograms/taskmem/classify"
	"github.com/vinayprograms/taskmem/tasks"
)

// SummaryLimit bounds the result summary kept on an entry, in runes.
const SummaryLimit = 500

// Entry is the immutable summary of one archived task.
type Entry struct {
	TaskID          string            `json:"task_id"`
	TaskType        classify.TaskType `json:"task_type"`
	ComplexityScore int               `json:"complexity_score"`
	ArchivePriority classify.Priority `json:"archive_priority"`
	ArchiveTags     []string          `json:"archive_tags"`
	Status          tasks.Status      `json:"status"`
	Success         bool              `json:"success"`
	ExecutionTimeMS int64             `json:"execution_time_ms"`
	MemoryUsageMB   float64           `json:"memory_usage_mb"`
	CPUUsagePercent float64           `json:"cpu_usage_percent"`
	FilesCreated    []string          `json:"files_created"`
	ResultSummary   string            `json:"result_summary,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     time.Time         `json:"completed_at"`
	PassageID       string            `json:"passage_id,omitempty"`
	ErrorCount      int               `json:"error_count"`
	WarningCount    int               `json:"warning_count"`
}

// NewEntry snapshots a terminal record.
func NewEntry(r *tasks.Record, passageID string) Entry {
	e := Entry{
		TaskID:          r.TaskID,
		TaskType:        r.TaskType,
		ComplexityScore: r.ComplexityScore,
		ArchivePriority: r.ArchivePriority,
		ArchiveTags:     append([]string{}, r.ArchiveTags...),
		Status:          r.Status,
		ExecutionTimeMS: r.ExecutionTimeMS,
		MemoryUsageMB:   r.MemoryUsageMB,
		CPUUsagePercent: r.CPUUsagePercent,
		FilesCreated:    append([]string{}, r.FilesCreated...),
		StartedAt:       r.StartedAt,
		PassageID:       passageID,
		ErrorCount:      len(r.Errors),
		WarningCount:    len(r.Warnings),
	}
	if r.Success != nil {
		e.Success = *r.Success
	}
	if r.Result != nil {
		e.ResultSummary = truncate(*r.Result, SummaryLimit)
	}
	if r.CompletedAt != nil {
		e.CompletedAt = *r.CompletedAt
	} else {
		e.CompletedAt = r.UpdatedAt
	}
	return e
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// insertion is the outcome of placing an entry in the bounded list.
type insertion struct {
	list     []Entry
	evicted  []Entry
	admitted bool
}

// insert places e at the head of list, which is ordered newest first.
// An existing entry for the same task is replaced. While the list is at
// capacity the lowest-priority, oldest-completed non-critical entry is
// evicted. If only critical entries remain, a non-critical e is rejected
// and a critical e is admitted over capacity.
func insert(list []Entry, e Entry, capacity int) insertion {
	out := make([]Entry, 0, len(list)+1)
	for _, cur := range list {
		if cur.TaskID != e.TaskID {
			out = append(out, cur)
		}
	}
	replacing := len(out) < len(list)

	var evicted []Entry
	if !replacing {
		for len(out) >= capacity {
			i := victim(out)
			if i < 0 {
				if e.ArchivePriority != classify.Critical {
					return insertion{list: list, evicted: evicted}
				}
				break
			}
			evicted = append(evicted, out[i])
			out = append(out[:i], out[i+1:]...)
		}
	}

	out = append([]Entry{e}, out...)
	return insertion{list: out, evicted: evicted, admitted: true}
}

// victim returns the index of the entry to evict, or -1 if every entry
// is critical.
func victim(list []Entry) int {
	best := -1
	for i, cur := range list {
		if cur.ArchivePriority == classify.Critical {
			continue
		}
		if best < 0 || less(cur, list[best]) {
			best = i
		}
	}
	return best
}

// less orders eviction candidates: lower priority first, then older.
func less(a, b Entry) bool {
	if ra, rb := a.ArchivePriority.Rank(), b.ArchivePriority.Rank(); ra != rb {
		return ra < rb
	}
	return a.CompletedAt.Before(b.CompletedAt)
}

// trim evicts non-critical entries until list fits capacity.
func trim(list []Entry, capacity int) ([]Entry, []Entry) {
	out := append([]Entry(nil), list...)
	var evicted []Entry
	for len(out) > capacity {
		i := victim(out)
		if i < 0 {
			break
		}
		evicted = append(evicted, out[i])
		out = append(out[:i], out[i+1:]...)
	}
	return out, evicted
}

// Package classify scores an incoming task description.
//
// Classification is a pure function of the prompt text. It never fails: a
// prompt that matches no rule is typed "other" with the baseline score.
package classify

import (
	"regexp"
	"sort"
	"strings"
)

// TaskType is the category of a task.
type TaskType string

// Task types, in no particular order. Rule order is defined by rules.
const (
	CodeGeneration    TaskType = "code_generation"
	Research          TaskType = "research"
	FileOperation     TaskType = "file_operation"
	MultiStepWorkflow TaskType = "multi_step_workflow"
	Documentation     TaskType = "documentation"
	Other             TaskType = "other"
)

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	switch t {
	case CodeGeneration, Research, FileOperation, MultiStepWorkflow, Documentation, Other:
		return true
	}
	return false
}

// Priority is a retention rank governing archive eviction order.
type Priority string

// Archive priorities, lowest first.
const (
	Low      Priority = "low"
	Medium   Priority = "medium"
	High     Priority = "high"
	Critical Priority = "critical"
)

// Rank orders priorities for eviction. Unknown values rank below low.
func (p Priority) Rank() int {
	switch p {
	case Low:
		return 1
	case Medium:
		return 2
	case High:
		return 3
	case Critical:
		return 4
	}
	return 0
}

// Score bounds.
const (
	MinScore = 0
	MaxScore = 10
)

// ArchiveThreshold is the score below which file operations are not archived.
const ArchiveThreshold = 3

// Result is the outcome of classifying a prompt.
type Result struct {
	TaskType        TaskType `json:"task_type"`
	ComplexityScore int      `json:"complexity_score"`
	ArchivePriority Priority `json:"archive_priority"`
	ArchiveTags     []string `json:"archive_tags"`
	ShouldArchive   bool     `json:"should_archive"`
}

// Classify scores prompt.
func Classify(prompt string) Result {
	f := extract(prompt)

	taskType := Other
	for _, r := range rules {
		if r.match(f) {
			taskType = r.taskType
			break
		}
	}

	score := baseScores[taskType]
	for _, b := range bonuses {
		score += b.points(f)
	}
	score = clamp(score)

	return Result{
		TaskType:        taskType,
		ComplexityScore: score,
		ArchivePriority: PriorityForScore(score),
		ArchiveTags:     tags(taskType, score, f),
		ShouldArchive:   !(taskType == FileOperation && score < ArchiveThreshold),
	}
}

// PriorityForScore maps a complexity score to its priority band.
func PriorityForScore(score int) Priority {
	switch {
	case score <= 3:
		return Low
	case score <= 6:
		return Medium
	default:
		return High
	}
}

// SizeTag maps a complexity score to its size tag.
func SizeTag(score int) string {
	switch {
	case score <= 3:
		return "quick"
	case score <= 6:
		return "standard"
	default:
		return "extended"
	}
}

func clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

func tags(t TaskType, score int, f features) []string {
	set := map[string]bool{
		string(t):      true,
		SizeTag(score): true,
	}
	for _, d := range domainTags {
		if f.hasAny(d.words) {
			set[d.tag] = true
		}
	}
	out := make([]string, 0, len(set))
	for tag := range set {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// features is everything the rule table inspects.
type features struct {
	length   int
	words    map[string]bool
	verbs    []string
	fileRefs int
	commas   int
}

var (
	wordPattern = regexp.MustCompile(`[a-z0-9]+`)
	filePattern = regexp.MustCompile(`\b[\w./-]*\w\.(?:js|jsx|ts|tsx|py|go|rs|rb|java|kt|c|cc|cpp|h|hpp|cs|php|swift|md|txt|json|ya?ml|toml|html|css|scss|sh|sql|xml|csv|ini|cfg|lock)\b`)
)

func extract(prompt string) features {
	lower := strings.ToLower(prompt)
	f := features{
		length:   len([]rune(prompt)),
		words:    make(map[string]bool),
		fileRefs: countDistinct(filePattern.FindAllString(lower, -1)),
		commas:   strings.Count(prompt, ","),
	}
	for _, w := range wordPattern.FindAllString(lower, -1) {
		f.words[w] = true
	}
	for _, v := range actionVerbs {
		if f.words[v] {
			f.verbs = append(f.verbs, v)
		}
	}
	return f
}

func countDistinct(items []string) int {
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		seen[it] = true
	}
	return len(seen)
}

func (f features) hasAny(words []string) bool {
	for _, w := range words {
		if f.words[w] {
			return true
		}
	}
	return false
}

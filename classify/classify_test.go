package classify

import (
	"reflect"
	"strings"
	"testing"
)

// ============================================================================
// LEVEL 1: Scenarios
// ============================================================================

func TestClassify_SingleFileFix(t *testing.T) {
	r := Classify("Fix the bug in app.js line 42")

	if r.TaskType != FileOperation {
		t.Errorf("expected file_operation, got %s", r.TaskType)
	}
	if r.ComplexityScore > 3 {
		t.Errorf("expected score <= 3, got %d", r.ComplexityScore)
	}
	if r.ShouldArchive {
		t.Error("trivial single-file fix should not be archived")
	}
	if r.ArchivePriority != Low {
		t.Errorf("expected low priority, got %s", r.ArchivePriority)
	}
}

func TestClassify_MultiStepWorkflow(t *testing.T) {
	r := Classify("Run the test suite, analyze failures, fix issues, then commit and push to feature branch")

	if r.TaskType != MultiStepWorkflow {
		t.Errorf("expected multi_step_workflow, got %s", r.TaskType)
	}
	if r.ComplexityScore < 7 {
		t.Errorf("expected score >= 7, got %d", r.ComplexityScore)
	}
	if r.ArchivePriority != High {
		t.Errorf("expected high priority, got %s", r.ArchivePriority)
	}
	if !r.ShouldArchive {
		t.Error("workflow should be archived")
	}
	want := []string{"extended", "git", "multi_step_workflow", "testing"}
	if !reflect.DeepEqual(r.ArchiveTags, want) {
		t.Errorf("tags = %v, want %v", r.ArchiveTags, want)
	}
}

func TestClassify_Categories(t *testing.T) {
	tests := []struct {
		prompt string
		want   TaskType
	}{
		{"Generate a Python script to parse CSV data", CodeGeneration},
		{"Create a React component for a login form", CodeGeneration},
		{"Search GitHub for popular Go web frameworks and build a comparison table", Research},
		{"Generate API documentation from code comments using JSDoc", Documentation},
		{"Execute npm test and then npm run build if tests pass", MultiStepWorkflow},
		{"Rename config.yaml", FileOperation},
		{"main.go", FileOperation},
		{"hello there", Other},
		{"", Other},
	}

	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			if got := Classify(tt.prompt).TaskType; got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.prompt, got, tt.want)
			}
		})
	}
}

// ============================================================================
// LEVEL 2: Rule-by-rule behavior
// ============================================================================

func TestClassify_MultiStepNeedsSequencing(t *testing.T) {
	// Two verbs without a sequencing word or comma list is not a workflow.
	if got := Classify("create and deploy a service").TaskType; got == MultiStepWorkflow {
		t.Errorf("expected non-workflow, got %s", got)
	}
	// Comma-separated steps count as sequencing.
	if got := Classify("build the image, run migrations, deploy the service").TaskType; got != MultiStepWorkflow {
		t.Errorf("expected workflow for comma list, got %s", got)
	}
}

func TestClassify_FileOperationWithManyFilesIsNotTrivial(t *testing.T) {
	r := Classify("fix imports in a.py and b.py")
	if r.TaskType == FileOperation {
		t.Errorf("multi-file edit should not match the single-file rule, got %s", r.TaskType)
	}
}

func TestClassify_BonusesRaiseScore(t *testing.T) {
	short := Classify("write a function")
	long := Classify("write a function " + strings.Repeat("with careful handling of edge cases ", 10))
	if long.ComplexityScore <= short.ComplexityScore {
		t.Errorf("long prompt score %d should exceed short %d", long.ComplexityScore, short.ComplexityScore)
	}

	plain := Classify("write a function")
	tested := Classify("write a function with tests")
	if tested.ComplexityScore != plain.ComplexityScore+1 {
		t.Errorf("testing keyword bonus: got %d, base %d", tested.ComplexityScore, plain.ComplexityScore)
	}
}

func TestClassify_ScoreClamped(t *testing.T) {
	prompt := "Create, build, test, deploy, commit, push, merge, review, migrate, then document " +
		"service.go handler.go main.go README.md " + strings.Repeat("more detail ", 30)
	r := Classify(prompt)
	if r.ComplexityScore != MaxScore {
		t.Errorf("expected clamp to %d, got %d", MaxScore, r.ComplexityScore)
	}
}

func TestClassify_WholeWordsOnly(t *testing.T) {
	// "prefix" contains "fix" but is not the verb.
	if got := Classify("explain the prefix notation").TaskType; got == FileOperation {
		t.Error("substring matched as a whole word")
	}
}

// ============================================================================
// LEVEL 3: Properties
// ============================================================================

func TestClassify_DeterministicAndTotal(t *testing.T) {
	prompts := []string{
		"", " ", "???", "Fix the bug in app.js line 42",
		"Run the test suite, analyze failures, fix issues, then commit and push to feature branch",
		strings.Repeat("x", 5000), "日本語のプロンプト", "CREATE A COMPONENT",
	}
	for _, p := range prompts {
		a, b := Classify(p), Classify(p)
		if !reflect.DeepEqual(a, b) {
			t.Errorf("non-deterministic for %q", p)
		}
		if a.ComplexityScore < MinScore || a.ComplexityScore > MaxScore {
			t.Errorf("score out of range for %q: %d", p, a.ComplexityScore)
		}
		if !a.TaskType.Valid() {
			t.Errorf("invalid task type for %q: %s", p, a.TaskType)
		}
		if len(a.ArchiveTags) < 2 {
			t.Errorf("expected type and size tags for %q, got %v", p, a.ArchiveTags)
		}
	}
}

func TestPriorityBands(t *testing.T) {
	tests := []struct {
		score int
		want  Priority
		size  string
	}{
		{0, Low, "quick"}, {3, Low, "quick"},
		{4, Medium, "standard"}, {6, Medium, "standard"},
		{7, High, "extended"}, {10, High, "extended"},
	}
	for _, tt := range tests {
		if got := PriorityForScore(tt.score); got != tt.want {
			t.Errorf("PriorityForScore(%d) = %s, want %s", tt.score, got, tt.want)
		}
		if got := SizeTag(tt.score); got != tt.size {
			t.Errorf("SizeTag(%d) = %s, want %s", tt.score, got, tt.size)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	if !(Low.Rank() < Medium.Rank() && Medium.Rank() < High.Rank() && High.Rank() < Critical.Rank()) {
		t.Error("priority ranks not ordered")
	}
	if Priority("bogus").Rank() >= Low.Rank() {
		t.Error("unknown priority should rank below low")
	}
}

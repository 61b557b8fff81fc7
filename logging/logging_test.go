package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)

	// Debug should be filtered
	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	logger.Info("info message")
	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("log should contain INFO level")
	}
	if !strings.Contains(output, "info message") {
		t.Error("log should contain the message")
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	root := New()
	root.SetOutput(&buf)

	root.WithComponent("archive").Info("test message")

	if !strings.Contains(buf.String(), "[archive]") {
		t.Errorf("expected component 'archive' in log, got: %s", buf.String())
	}
}

func TestLogger_DerivedSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	root := New()
	root.SetOutput(&buf)
	child := root.WithComponent("engine")

	root.SetLevel(LevelError)
	child.Warn("hidden")
	if buf.Len() != 0 {
		t.Errorf("derived logger should honor root level, got: %s", buf.String())
	}
}

func TestLogger_FieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.Info("msg", map[string]interface{}{"zeta": 1, "alpha": 2, "mid": "x"})

	out := buf.String()
	if !strings.Contains(out, "msg alpha=2 mid=x zeta=1") {
		t.Errorf("fields should be sorted, got: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogger_LifecycleHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelDebug)

	logger.TaskCreated("agent-1", "task-1", "research", 4, true)
	logger.ProgressApplied("agent-1", "task-1", 50, "analysis")
	logger.ProgressRegressed("agent-1", "task-1", 60, 40)
	logger.TaskCompleted("agent-1", "task-1", "failed", "critical", 2*time.Second)
	logger.ArchivalFailed("agent-1", "task-1", errors.New("index down"))
	logger.ArchiveEvicted("agent-1", "task-0", "low")
	logger.ArchiveRejected("agent-1", "task-2", 10)

	out := buf.String()
	for _, want := range []string{
		"task_created", "type=research",
		"progress_applied", "progress=50",
		"WARN", "progress_regression", "supplied=40",
		"task_completed", "priority=critical", "duration=2s",
		"ERROR", "archival_failed", "error=index down",
		"archive_evicted", "evicted=task-0",
		"archive_rejected", "capacity=10",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestNop(t *testing.T) {
	// Must not panic or write anywhere observable.
	Nop().Error("nothing")
}

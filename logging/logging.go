// Package logging provides leveled console output for the task memory engine.
// Lines have the form: LEVEL TIMESTAMP [component] message key=value ...
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string into a Level.
// Unknown values fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// sink is shared by a logger and every logger derived from it.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// Logger writes leveled lines to a shared sink.
type Logger struct {
	sink      *sink
	component string
}

// New creates a Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{sink: &sink{output: os.Stdout, minLevel: LevelInfo}}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{sink: &sink{output: io.Discard, minLevel: LevelError}}
}

// WithComponent returns a logger sharing this logger's sink under a new component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component}
}

// SetLevel sets the minimum log level for this logger and all derived loggers.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if levelPriority[level] < levelPriority[l.sink.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}
	l.sink.output.Write([]byte(line))
}

// --- Lifecycle event helpers ---

// TaskCreated logs creation of a live task record.
func (l *Logger) TaskCreated(agentID, taskID, taskType string, complexity int, shouldArchive bool) {
	l.Info("task_created", map[string]interface{}{
		"agent":      agentID,
		"task":       taskID,
		"type":       taskType,
		"complexity": complexity,
		"archive":    shouldArchive,
	})
}

// ProgressApplied logs a merged progress update.
func (l *Logger) ProgressApplied(agentID, taskID string, percentage int, step string) {
	l.Debug("progress_applied", map[string]interface{}{
		"agent":    agentID,
		"task":     taskID,
		"progress": percentage,
		"step":     step,
	})
}

// ProgressRegressed logs a rejected lower percentage.
func (l *Logger) ProgressRegressed(agentID, taskID string, current, supplied int) {
	l.Warn("progress_regression", map[string]interface{}{
		"agent":    agentID,
		"task":     taskID,
		"current":  current,
		"supplied": supplied,
	})
}

// TaskCompleted logs the terminal transition of a task.
func (l *Logger) TaskCompleted(agentID, taskID, status, priority string, duration time.Duration) {
	l.Info("task_completed", map[string]interface{}{
		"agent":    agentID,
		"task":     taskID,
		"status":   status,
		"priority": priority,
		"duration": duration.String(),
	})
}

// ArchivalFailed logs a failed archival attempt; the live record is kept.
func (l *Logger) ArchivalFailed(agentID, taskID string, err error) {
	l.Error("archival_failed", map[string]interface{}{
		"agent": agentID,
		"task":  taskID,
		"error": err.Error(),
	})
}

// ArchiveEvicted logs an entry evicted from the bounded archive list.
func (l *Logger) ArchiveEvicted(agentID, evictedTaskID, priority string) {
	l.Info("archive_evicted", map[string]interface{}{
		"agent":    agentID,
		"evicted":  evictedTaskID,
		"priority": priority,
	})
}

// ArchiveRejected logs an entry kept out of a bounded list full of critical entries.
func (l *Logger) ArchiveRejected(agentID, taskID string, capacity int) {
	l.Warn("archive_rejected", map[string]interface{}{
		"agent":    agentID,
		"task":     taskID,
		"capacity": capacity,
	})
}

// Package telemetry provides tracing and lifecycle event export for the
// task memory engine.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// Lifecycle event names.
const (
	EventTaskCreated   = "task.created"
	EventTaskCompleted = "task.completed"
	EventTaskArchived  = "task.archived"
	EventArchiveFailed = "task.archive_failed"
	EventTaskEvicted   = "archive.evicted"
)

// Exporter sends lifecycle events to an external sink.
type Exporter interface {
	// Export records one event.
	Export(e Event)
	// Flush sends any buffered events.
	Flush() error
	// Close flushes and releases the exporter.
	Close() error
}

// Event is one lifecycle event.
type Event struct {
	Name      string                 `json:"name"`
	AgentID   string                 `json:"agent_id"`
	TaskID    string                 `json:"task_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewExporter creates an exporter for the given protocol: "http" posts
// JSON batches to endpoint, "file" appends JSON lines to the path in
// endpoint, and "noop" or "" discards events.
func NewExporter(protocol, endpoint string) (Exporter, error) {
	switch protocol {
	case "http":
		return NewHTTPExporter(endpoint), nil
	case "file":
		return NewFileExporter(endpoint)
	case "noop", "":
		return NewNoopExporter(), nil
	default:
		return nil, fmt.Errorf("unknown event exporter: %s", protocol)
	}
}

// --- HTTP Exporter ---

// httpBatch is the number of buffered events that triggers a send.
const httpBatch = 100

// HTTPExporter posts event batches to an HTTP endpoint.
type HTTPExporter struct {
	endpoint string
	client   *http.Client
	mu       sync.Mutex
	buffer   []Event
	lastErr  error
}

// NewHTTPExporter creates an HTTP exporter.
func NewHTTPExporter(endpoint string) *HTTPExporter {
	return &HTTPExporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		buffer:   make([]Event, 0, httpBatch),
	}
}

func (e *HTTPExporter) Export(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = append(e.buffer, ev)
	if len(e.buffer) >= httpBatch {
		e.lastErr = e.flush()
	}
}

func (e *HTTPExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flush(); err != nil {
		return err
	}
	err := e.lastErr
	e.lastErr = nil
	return err
}

func (e *HTTPExporter) flush() error {
	if len(e.buffer) == 0 {
		return nil
	}

	data, err := json.Marshal(e.buffer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("event endpoint returned %d", resp.StatusCode)
	}

	e.buffer = e.buffer[:0]
	return nil
}

func (e *HTTPExporter) Close() error {
	return e.Flush()
}

// --- File Exporter ---

// FileExporter appends events to a file as JSON lines.
type FileExporter struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileExporter opens path for appending.
func NewFileExporter(path string) (*FileExporter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	return &FileExporter{file: file}, nil
}

func (e *FileExporter) Export(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	data = append(data, '\n')
	e.mu.Lock()
	defer e.mu.Unlock()
	e.file.Write(data)
}

func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Sync()
}

func (e *FileExporter) Close() error {
	e.Flush()
	return e.file.Close()
}

// --- Noop Exporter ---

// NoopExporter discards all events.
type NoopExporter struct{}

// NewNoopExporter creates a noop exporter.
func NewNoopExporter() *NoopExporter {
	return &NoopExporter{}
}

func (e *NoopExporter) Export(ev Event) {}
func (e *NoopExporter) Flush() error    { return nil }
func (e *NoopExporter) Close() error    { return nil }

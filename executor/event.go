package executor

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/vinayprograms/taskmem/bus"
	taskerr "github.com/vinayprograms/taskmem/errors"
	"github.com/vinayprograms/taskmem/tasks"
	"github.com/vinayprograms/taskmem/telemetry"
)

// Kind identifies an executor event.
type Kind string

const (
	// KindProgress carries a partial progress update.
	KindProgress Kind = "progress"

	// KindWarning carries one warning.
	KindWarning Kind = "warning"

	// KindError carries one non-terminal error.
	KindError Kind = "error"

	// KindTerminal ends the task with a result, or a cancellation.
	KindTerminal Kind = "terminal"
)

// DefaultPrefix is the subject prefix executor events are published under.
const DefaultPrefix = "taskmem.events"

// Event is one message from a task executor.
type Event struct {
	Kind    Kind   `json:"kind"`
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`

	Progress *tasks.Partial   `json:"progress,omitempty"`
	Warning  *tasks.Warning   `json:"warning,omitempty"`
	Error    *tasks.TaskError `json:"error,omitempty"`

	// Terminal fields.
	Result    string         `json:"result,omitempty"`
	Success   bool           `json:"success,omitempty"`
	Cancelled bool           `json:"cancelled,omitempty"`
	Metrics   *tasks.Metrics `json:"metrics,omitempty"`

	// Trace carries the publisher's span context.
	Trace telemetry.MapCarrier `json:"trace,omitempty"`
}

// Validate checks that the event names a task and carries the payload
// its kind requires.
func (e Event) Validate() error {
	if e.AgentID == "" || e.TaskID == "" {
		return taskerr.InvalidInput("event requires agent and task ids")
	}
	opts := []taskerr.Option{taskerr.WithAgentID(e.AgentID), taskerr.WithTaskID(e.TaskID)}
	switch e.Kind {
	case KindProgress:
		if e.Progress == nil {
			return taskerr.InvalidInput("progress event without progress", opts...)
		}
	case KindWarning:
		if e.Warning == nil {
			return taskerr.InvalidInput("warning event without warning", opts...)
		}
	case KindError:
		if e.Error == nil {
			return taskerr.InvalidInput("error event without error", opts...)
		}
	case KindTerminal:
	default:
		return taskerr.InvalidInput("unknown event kind "+string(e.Kind), opts...)
	}
	return nil
}

// Subject returns the bus subject for a task's events.
func Subject(prefix, agentID, taskID string) string {
	return prefix + "." + agentID + "." + taskID
}

// parseSubject extracts agent and task ids from a subject under prefix.
func parseSubject(prefix, subject string) (agentID, taskID string, ok bool) {
	rest, found := strings.CutPrefix(subject, prefix+".")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, ".")
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Decode parses an event published on subject. Ids missing from the
// payload are taken from the subject; ids that disagree with it are
// rejected.
func Decode(prefix, subject string, data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, taskerr.InvalidInput("undecodable event", taskerr.WithCause(err))
	}
	agentID, taskID, ok := parseSubject(prefix, subject)
	if !ok {
		return Event{}, taskerr.InvalidInput("unexpected event subject " + subject)
	}
	if e.AgentID == "" {
		e.AgentID = agentID
	}
	if e.TaskID == "" {
		e.TaskID = taskID
	}
	if e.AgentID != agentID || e.TaskID != taskID {
		return Event{}, taskerr.InvalidInput("event ids do not match subject " + subject)
	}
	return e, e.Validate()
}

// Publisher publishes events on behalf of an executor.
type Publisher struct {
	bus    bus.MessageBus
	prefix string
}

// NewPublisher creates a publisher on b. An empty prefix uses
// DefaultPrefix.
func NewPublisher(b bus.MessageBus, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{bus: b, prefix: prefix}
}

// Publish validates e, attaches the span context of ctx and sends it.
func (p *Publisher) Publish(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	carrier := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, carrier)
	if len(carrier) > 0 {
		e.Trace = carrier
	}
	data, err := json.Marshal(e)
	if err != nil {
		return taskerr.Wrap(err, "encode event")
	}
	return p.bus.Publish(Subject(p.prefix, e.AgentID, e.TaskID), data)
}

package bus

import (
	"fmt"
	"strings"
	"time"
)

// EventType classifies events on the project stream.
type EventType string

const (
	// EventLog carries an informational message from a running task.
	EventLog EventType = "log"

	// EventPhase signals a phase lifecycle change (started, completed, failed).
	EventPhase EventType = "phase"

	// EventProgress reports loop progress (iteration, percent, message).
	EventProgress EventType = "progress"

	// EventTool records a tool invocation and its outcome.
	EventTool EventType = "tool"

	// EventQuestion announces a pending question awaiting a human answer.
	EventQuestion EventType = "question"

	// EventError reports a task failure.
	EventError EventType = "error"

	// EventHeartbeat is injected locally into subscriber streams on an
	// interval; it is never published to the wire.
	EventHeartbeat EventType = "heartbeat"
)

// Event is a transient notification describing task progress. Events are
// fanned out to live subscribers only; nothing is stored.
type Event struct {
	Type      EventType      `json:"type"`
	ProjectID string         `json:"project_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Validate checks the event is publishable.
func (e Event) Validate() error {
	if e.ProjectID == "" {
		return fmt.Errorf("event missing project id")
	}
	switch e.Type {
	case EventLog, EventPhase, EventProgress, EventTool, EventQuestion, EventError:
		return nil
	case EventHeartbeat:
		return fmt.Errorf("heartbeat events are not publishable")
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
}

// Subject returns the NATS subject an event of this type is published to:
//
//	projects.{project_id}.events.{type}
func Subject(projectID string, t EventType) string {
	return fmt.Sprintf("projects.%s.events.%s", projectID, t)
}

// SubjectWildcard matches every event subject for a project.
func SubjectWildcard(projectID string) string {
	return fmt.Sprintf("projects.%s.events.*", projectID)
}

// typeFromSubject extracts the event type from a subject, defaulting to
// log for malformed subjects so subscribers never see junk types.
func typeFromSubject(subject string) EventType {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 {
		return EventLog
	}
	return EventType(parts[3])
}

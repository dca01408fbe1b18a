// Package task defines the task model and the registry that owns all
// project phase state. Every phase-transition decision goes through the
// registry; nothing else in the process mutates phase state.
package task

import (
	"time"
)

// Phase is one stage of the project workflow. Phases advance monotonically
// and never regress without an explicit restart.
type Phase string

const (
	PhaseResearch       Phase = "RESEARCH"
	PhasePlanning       Phase = "PLANNING"
	PhaseImplementation Phase = "IMPLEMENTATION"
)

// phaseOrder maps each phase to its required predecessor. Research has none.
var phaseOrder = map[Phase]Phase{
	PhaseResearch:       "",
	PhasePlanning:       PhaseResearch,
	PhaseImplementation: PhasePlanning,
}

// ParsePhase normalizes a phase string from an API path or CLI flag.
func ParsePhase(s string) (Phase, bool) {
	switch Phase(normalize(s)) {
	case PhaseResearch:
		return PhaseResearch, true
	case PhasePlanning:
		return PhasePlanning, true
	case PhaseImplementation:
		return PhaseImplementation, true
	default:
		return "", false
	}
}

func normalize(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

// Role distinguishes the phase's main agent from its advisory overwatchers.
type Role string

const (
	RoleMain        Role = "main"
	RoleOverwatcher Role = "overwatcher"
)

// OverwatcherKind selects an overwatcher specialization.
type OverwatcherKind string

const (
	KindReview        OverwatcherKind = "review"
	KindSecurity      OverwatcherKind = "security"
	KindTest          OverwatcherKind = "test"
	KindDocumentation OverwatcherKind = "documentation"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// validTransitions encodes the task state machine. Pause and resume are
// external controls; the execution loop only moves running tasks to a
// terminal state.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCancelled},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is one agent run: a main task driving a phase, or an overwatcher
// advising the implementation phase's main task.
type Task struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	Phase     Phase           `json:"phase"`
	Role      Role            `json:"role"`
	Kind      OverwatcherKind `json:"kind,omitempty"`

	// ParentID links an overwatcher to the main task it shadows. An
	// overwatcher never outlives its parent's terminal transition.
	ParentID string `json:"parent_id,omitempty"`

	Status      Status     `json:"status"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// clone returns a copy safe to hand to callers while the registry keeps
// mutating the original.
func (t *Task) clone() *Task {
	c := *t
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

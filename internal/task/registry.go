package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/logging"
)

// PhaseStatus is the user-visible state of one phase.
type PhaseStatus string

const (
	PhaseIdle      PhaseStatus = "idle"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseCancelled PhaseStatus = "cancelled"
)

// Registry is the single owner of task and project-phase state. All
// transitions are compare-and-set under one lock so two callers can never
// both believe they started the same phase.
type Registry struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	projects map[string]*projectState
	log      *logging.Logger
}

type projectState struct {
	completed map[Phase]bool
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	return &Registry{
		tasks:    make(map[string]*Task),
		projects: make(map[string]*projectState),
		log:      log,
	}
}

// StartMain creates the main task for a phase. It rejects the start when
// the project already has an active main task, or when the phase's
// predecessor has not completed. Starting a phase again after it completed
// or failed is an explicit restart and clears completion of that phase and
// every later one.
func (r *Registry) StartMain(ctx context.Context, projectID string, phase Phase) (*Task, error) {
	prior, ok := phaseOrder[phase]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPhase, phase)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tasks {
		if t.ProjectID == projectID && t.Role == RoleMain && !t.Status.Terminal() {
			return nil, fmt.Errorf("%w: task %s is %s", ErrAlreadyRunning, t.ID, t.Status)
		}
	}

	proj := r.project(projectID)
	if prior != "" && !proj.completed[prior] {
		return nil, fmt.Errorf("%w: %s requires %s completed", ErrInvalidPhaseOrder, phase, prior)
	}

	// Restart invalidates this phase and everything downstream.
	clearing := false
	for _, p := range []Phase{PhaseResearch, PhasePlanning, PhaseImplementation} {
		if p == phase {
			clearing = true
		}
		if clearing {
			delete(proj.completed, p)
		}
	}

	t := r.newTask(projectID, phase, RoleMain, "", "")
	r.log.Info(ctx, "main task created",
		zap.String("task_id", t.ID),
		zap.String("project_id", projectID),
		zap.String("phase", string(phase)),
	)
	return t.clone(), nil
}

// StartOverwatcher creates one advisory child task for the implementation
// phase's main task. The parent must exist and not be terminal.
func (r *Registry) StartOverwatcher(ctx context.Context, parentID string, kind OverwatcherKind) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.tasks[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: parent %s", ErrTaskNotFound, parentID)
	}
	if parent.Role != RoleMain || parent.Phase != PhaseImplementation {
		return nil, fmt.Errorf("%w: overwatchers attach to the implementation main task", ErrInvalidTransition)
	}
	if parent.Status.Terminal() {
		return nil, fmt.Errorf("%w: parent %s is %s", ErrInvalidTransition, parentID, parent.Status)
	}

	t := r.newTask(parent.ProjectID, PhaseImplementation, RoleOverwatcher, kind, parentID)
	r.log.Info(ctx, "overwatcher task created",
		zap.String("task_id", t.ID),
		zap.String("parent_id", parentID),
		zap.String("kind", string(kind)),
	)
	return t.clone(), nil
}

// newTask assumes r.mu is held.
func (r *Registry) newTask(projectID string, phase Phase, role Role, kind OverwatcherKind, parentID string) *Task {
	t := &Task{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Phase:     phase,
		Role:      role,
		Kind:      kind,
		ParentID:  parentID,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	r.tasks[t.ID] = t
	return t
}

// project assumes r.mu is held.
func (r *Registry) project(projectID string) *projectState {
	p, ok := r.projects[projectID]
	if !ok {
		p = &projectState{completed: make(map[Phase]bool)}
		r.projects[projectID] = p
	}
	return p
}

// Get returns a copy of the task.
func (r *Registry) Get(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.clone(), nil
}

// Status returns just the task's current status. The execution loop polls
// this at iteration boundaries to observe pause and cancel requests.
func (r *Registry) Status(id string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Status, nil
}

// ListByProject returns copies of every task for a project.
func (r *Registry) ListByProject(projectID string) []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Task
	for _, t := range r.tasks {
		if t.ProjectID == projectID {
			out = append(out, t.clone())
		}
	}
	return out
}

// Children returns copies of a task's non-terminal children.
func (r *Registry) Children(parentID string) []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Task
	for _, t := range r.tasks {
		if t.ParentID == parentID && !t.Status.Terminal() {
			out = append(out, t.clone())
		}
	}
	return out
}

// Transition moves a task from one status to another, compare-and-set. If
// the current status is not from, or the state machine forbids the move,
// ErrInvalidTransition is returned and nothing changes.
func (r *Registry) Transition(ctx context.Context, id string, from, to Status) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(ctx, id, from, to, "")
}

func (r *Registry) transitionLocked(ctx context.Context, id string, from, to Status, lastError string) (*Task, error) {
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != from {
		return nil, fmt.Errorf("%w: task %s is %s, not %s", ErrInvalidTransition, id, t.Status, from)
	}
	if !transitionAllowed(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := time.Now().UTC()
	t.Status = to
	if lastError != "" {
		t.LastError = lastError
	}
	if to == StatusRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to.Terminal() {
		t.CompletedAt = &now
		if to == StatusCompleted && t.Role == RoleMain {
			r.project(t.ProjectID).completed[t.Phase] = true
		}
	}

	r.log.Debug(ctx, "task transition",
		zap.String("task_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return t.clone(), nil
}

// Start marks a pending task running.
func (r *Registry) Start(ctx context.Context, id string) (*Task, error) {
	return r.Transition(ctx, id, StatusPending, StatusRunning)
}

// Pause suspends a running task. The execution loop observes the paused
// status at its next iteration boundary.
func (r *Registry) Pause(ctx context.Context, id string) (*Task, error) {
	return r.Transition(ctx, id, StatusRunning, StatusPaused)
}

// Resume returns a paused task to running.
func (r *Registry) Resume(ctx context.Context, id string) (*Task, error) {
	return r.Transition(ctx, id, StatusPaused, StatusRunning)
}

// Cancel moves a pending, running, or paused task to cancelled.
func (r *Registry) Cancel(ctx context.Context, id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("%w: task %s is already %s", ErrInvalidTransition, id, t.Status)
	}
	return r.transitionLocked(ctx, id, t.Status, StatusCancelled, "")
}

// Complete marks a running task completed. Main-task completion records
// the phase as done for the project.
func (r *Registry) Complete(ctx context.Context, id string) (*Task, error) {
	return r.Transition(ctx, id, StatusRunning, StatusCompleted)
}

// Fail marks a running task failed with a human-readable reason. The phase
// does not advance; retry is an explicit new start, never automatic.
func (r *Registry) Fail(ctx context.Context, id, reason string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(ctx, id, StatusRunning, StatusFailed, reason)
}

// PhaseStatuses reports the user-visible status of each phase, derived
// from the most recent main task per phase.
func (r *Registry) PhaseStatuses(projectID string) map[Phase]PhaseStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	latest := make(map[Phase]*Task)
	for _, t := range r.tasks {
		if t.ProjectID != projectID || t.Role != RoleMain {
			continue
		}
		if cur, ok := latest[t.Phase]; !ok || t.CreatedAt.After(cur.CreatedAt) {
			latest[t.Phase] = t
		}
	}

	out := map[Phase]PhaseStatus{
		PhaseResearch:       PhaseIdle,
		PhasePlanning:       PhaseIdle,
		PhaseImplementation: PhaseIdle,
	}
	for phase, t := range latest {
		switch t.Status {
		case StatusCompleted:
			out[phase] = PhaseCompleted
		case StatusFailed:
			out[phase] = PhaseFailed
		case StatusCancelled:
			out[phase] = PhaseCancelled
		default:
			out[phase] = PhaseRunning
		}
	}
	return out
}

package task

import "errors"

var (
	// ErrTaskNotFound indicates an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidPhaseOrder indicates an attempt to start a phase whose
	// predecessor has not completed.
	ErrInvalidPhaseOrder = errors.New("invalid_phase_order")

	// ErrAlreadyRunning indicates the project already has an active main
	// task; a second start attempt is rejected rather than queued.
	ErrAlreadyRunning = errors.New("already_running")

	// ErrInvalidTransition indicates a status change the state machine
	// does not permit, for example resuming a completed task.
	ErrInvalidTransition = errors.New("invalid_transition")

	// ErrUnknownPhase indicates a phase string that names no phase.
	ErrUnknownPhase = errors.New("unknown phase")
)

// Package orchestrator turns phase-control requests into running tasks:
// it creates registry records, builds each task's toolset and system
// prompt, runs the execution loop in its own goroutine, and supervises
// overwatcher children of the implementation phase.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/agent"
	"github.com/fyrsmithlabs/agentd/internal/gate"
	"github.com/fyrsmithlabs/agentd/internal/llm"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/plugins"
	"github.com/fyrsmithlabs/agentd/internal/secrets"
	"github.com/fyrsmithlabs/agentd/internal/task"
	"github.com/fyrsmithlabs/agentd/internal/tools"
	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

// ErrProjectNotInitialized indicates a phase start for a project whose
// workspace was never initialized.
var ErrProjectNotInitialized = errors.New("project not initialized")

// DefaultTaskTimeout is the per-task wall-clock bound.
const DefaultTaskTimeout = 30 * time.Minute

// Config tunes task supervision.
type Config struct {
	OverwatcherKinds []task.OverwatcherKind
	TaskTimeout      time.Duration
	MaxIterations    int
	ToolTimeout      time.Duration
	GitHubToken      string
}

// TaskRunner drives one task's execution loop to a terminal result.
type TaskRunner interface {
	Run(ctx context.Context, t *task.Task, spec agent.RunSpec) (*agent.Result, error)
}

// Deps are the collaborators the orchestrator wires into each task.
type Deps struct {
	Registry   *task.Registry
	Runner     TaskRunner
	Gate       *gate.Gate
	Workspaces *workspace.Manager
	Plugins    *plugins.Loader
	Allowlist  *secrets.Allowlist
	Log        *logging.Logger
}

type project struct {
	repoURL string
	dir     string
	results map[task.Phase]string
}

// Orchestrator supervises the concurrent task pool for all projects.
type Orchestrator struct {
	deps Deps
	cfg  Config

	mu       sync.Mutex
	projects map[string]*project
	cancels  map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Log == nil {
		deps.Log = logging.Nop()
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if len(cfg.OverwatcherKinds) == 0 {
		cfg.OverwatcherKinds = []task.OverwatcherKind{
			task.KindReview, task.KindSecurity, task.KindTest, task.KindDocumentation,
		}
	}
	return &Orchestrator{
		deps:     deps,
		cfg:      cfg,
		projects: make(map[string]*project),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// RegisterProject records where a project's working copy lives. Called
// after workspace initialization; phase starts require it.
func (o *Orchestrator) RegisterProject(projectID, repoURL, dir string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.projects[projectID] = &project{
		repoURL: repoURL,
		dir:     dir,
		results: make(map[task.Phase]string),
	}
}

// ForgetProject drops a project's registration, for workspace cleanup.
func (o *Orchestrator) ForgetProject(projectID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.projects, projectID)
}

func (o *Orchestrator) projectInfo(projectID string) (*project, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotInitialized, projectID)
	}
	return p, nil
}

// StartPhase creates and launches the main task for a phase. For the
// implementation phase it also launches one overwatcher per configured
// kind, all concurrent with the main task from the start. Registry
// rejections (wrong phase order, double start) return synchronously with
// no task created.
func (o *Orchestrator) StartPhase(ctx context.Context, projectID string, phase task.Phase, objective string) (*task.Task, error) {
	proj, err := o.projectInfo(projectID)
	if err != nil {
		return nil, err
	}

	mainTask, err := o.deps.Registry.StartMain(ctx, projectID, phase)
	if err != nil {
		return nil, err
	}

	toolset, err := o.buildToolset(proj, mainTask)
	if err != nil {
		_, _ = o.deps.Registry.Cancel(ctx, mainTask.ID)
		return nil, err
	}

	spec := agent.RunSpec{
		SystemPrompt:   o.systemPrompt(strings.ToLower(string(phase))),
		InitialContext: o.initialContext(proj, phase, objective),
		Tools:          toolset,
		Limits:         agent.Limits{MaxIterations: o.cfg.MaxIterations, ToolTimeout: o.cfg.ToolTimeout},
	}

	var children []*task.Task
	if phase == task.PhaseImplementation {
		for _, kind := range o.cfg.OverwatcherKinds {
			child, err := o.deps.Registry.StartOverwatcher(ctx, mainTask.ID, kind)
			if err != nil {
				_, _ = o.deps.Registry.Cancel(ctx, mainTask.ID)
				o.cancelChildren(mainTask.ID)
				return nil, err
			}
			children = append(children, child)
		}
	}

	o.launch(mainTask, spec, true)
	for _, child := range children {
		childSpec := agent.RunSpec{
			SystemPrompt:   o.systemPrompt("overwatcher-" + string(child.Kind)),
			InitialContext: o.initialContext(proj, phase, objective),
			Tools:          toolset.ReadOnly(),
			Limits:         spec.Limits,
		}
		o.launch(child, childSpec, false)
	}

	return mainTask, nil
}

// buildToolset constructs the full toolset for a main task. Overwatchers
// get the read-only view of the same registry.
func (o *Orchestrator) buildToolset(proj *project, t *task.Task) (*tools.Registry, error) {
	var guard *workspace.Guard
	if o.deps.Workspaces != nil {
		guard = o.deps.Workspaces.Guard()
	}
	return tools.DefaultToolset(tools.ToolsetOptions{
		ProjectID:    t.ProjectID,
		TaskID:       t.ID,
		WorkspaceDir: proj.dir,
		RepoURL:      proj.repoURL,
		Guard:        guard,
		Gate:         o.deps.Gate,
		Allowlist:    o.deps.Allowlist,
		GitHubToken:  o.cfg.GitHubToken,
	})
}

func (o *Orchestrator) systemPrompt(name string) string {
	if o.deps.Plugins != nil {
		if def, ok := o.deps.Plugins.Get(name); ok {
			return def.SystemPrompt
		}
	}
	return "You are an autonomous software agent. Complete the requested work carefully."
}

// initialContext seeds the conversation: the objective, plus the terminal
// summaries of every completed prior phase.
func (o *Orchestrator) initialContext(proj *project, phase task.Phase, objective string) []llm.Message {
	var parts []string
	if objective != "" {
		parts = append(parts, "Objective:\n"+objective)
	}

	o.mu.Lock()
	for _, prior := range []task.Phase{task.PhaseResearch, task.PhasePlanning} {
		if prior == phase {
			break
		}
		if summary, ok := proj.results[prior]; ok && summary != "" {
			parts = append(parts, fmt.Sprintf("%s phase summary:\n%s", prior, summary))
		}
	}
	o.mu.Unlock()

	if len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("Begin the %s phase for this repository.", strings.ToLower(string(phase))))
	}
	return []llm.Message{llm.UserMessage(llm.TextBlock(strings.Join(parts, "\n\n")))}
}

// launch runs one task in its own goroutine under the wall-clock timeout.
// A main task's terminal transition cancels any overwatcher children
// still running.
func (o *Orchestrator) launch(t *task.Task, spec agent.RunSpec, isMain bool) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TaskTimeout)

	o.mu.Lock()
	o.cancels[t.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer func() {
			o.mu.Lock()
			delete(o.cancels, t.ID)
			o.mu.Unlock()
		}()

		// Children never outlive the parent, whether it settled cleanly
		// or the run aborted with an error.
		if isMain {
			defer o.cancelChildren(t.ID)
		}

		result, err := o.deps.Runner.Run(ctx, t, spec)
		if err != nil {
			o.deps.Log.Error(ctx, "task run aborted",
				zap.String("task_id", t.ID), zap.Error(err))
			return
		}

		if isMain && result.Status == task.StatusCompleted {
			o.mu.Lock()
			if proj, ok := o.projects[t.ProjectID]; ok {
				proj.results[t.Phase] = result.Content
			}
			o.mu.Unlock()
		}
	}()
}

// cancelChildren force-cancels every non-terminal overwatcher of a main
// task; a child never outlives its parent's terminal transition.
func (o *Orchestrator) cancelChildren(parentID string) {
	ctx := context.Background()
	for _, child := range o.deps.Registry.Children(parentID) {
		if _, err := o.deps.Registry.Cancel(ctx, child.ID); err != nil && !errors.Is(err, task.ErrInvalidTransition) {
			o.deps.Log.Warn(ctx, "failed to cancel overwatcher",
				zap.String("task_id", child.ID), zap.Error(err))
		}
		o.cancelContext(child.ID)
	}
}

func (o *Orchestrator) cancelContext(taskID string) {
	o.mu.Lock()
	cancel, ok := o.cancels[taskID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// Pause suspends a running task at its next iteration boundary.
func (o *Orchestrator) Pause(ctx context.Context, taskID string) (*task.Task, error) {
	return o.deps.Registry.Pause(ctx, taskID)
}

// Resume returns a paused task to running.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) (*task.Task, error) {
	return o.deps.Registry.Resume(ctx, taskID)
}

// Cancel stops a task: the registry records the cancellation and the
// task's context is cancelled so an in-flight model call aborts.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := o.deps.Registry.Cancel(ctx, taskID)
	if err != nil {
		return nil, err
	}
	o.cancelContext(taskID)
	return t, nil
}

// Shutdown cancels every running task and waits for their goroutines,
// bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

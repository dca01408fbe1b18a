package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentd/internal/agent"
	"github.com/fyrsmithlabs/agentd/internal/gate"
	"github.com/fyrsmithlabs/agentd/internal/llm"
	"github.com/fyrsmithlabs/agentd/internal/plugins"
	"github.com/fyrsmithlabs/agentd/internal/task"
	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

type completerFunc func(ctx context.Context, req *llm.Request) (*llm.Response, error)

func (f completerFunc) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return f(ctx, req)
}

type env struct {
	orch     *Orchestrator
	registry *task.Registry
}

func newEnv(t *testing.T, completer llm.Completer, cfg Config) *env {
	t.Helper()

	registry := task.NewRegistry(nil)
	runner := agent.NewRunner(completer, nil, registry, nil, nil)

	guard := workspace.NewGuard(time.Minute, nil)
	manager, err := workspace.NewManager(t.TempDir(), guard, nil)
	require.NoError(t, err)

	loader := plugins.NewLoader(t.TempDir(), nil)
	require.NoError(t, loader.Load(context.Background()))

	orch := New(Deps{
		Registry:   registry,
		Runner:     runner,
		Gate:       gate.New(nil, nil, time.Second),
		Workspaces: manager,
		Plugins:    loader,
	}, cfg)
	orch.RegisterProject("p1", "https://github.com/acme/widgets.git", t.TempDir())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &env{orch: orch, registry: registry}
}

func waitTerminal(t *testing.T, registry *task.Registry, taskID string) *task.Task {
	t.Helper()

	var got *task.Task
	require.Eventually(t, func() bool {
		tk, err := registry.Get(taskID)
		if err != nil {
			return false
		}
		got = tk
		return tk.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func terminalCompleter() llm.Completer {
	return completerFunc(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		return llm.TerminalResponse("phase summary"), nil
	})
}

func TestOrchestrator_RequiresInitializedProject(t *testing.T) {
	e := newEnv(t, terminalCompleter(), Config{})

	_, err := e.orch.StartPhase(context.Background(), "unknown-project", task.PhaseResearch, "")
	require.ErrorIs(t, err, ErrProjectNotInitialized)
}

func TestOrchestrator_PhaseOrderRejections(t *testing.T) {
	e := newEnv(t, terminalCompleter(), Config{})

	_, err := e.orch.StartPhase(context.Background(), "p1", task.PhasePlanning, "")
	require.ErrorIs(t, err, task.ErrInvalidPhaseOrder)

	mainTask, err := e.orch.StartPhase(context.Background(), "p1", task.PhaseResearch, "add auth")
	require.NoError(t, err)

	// Double start while research runs (or just after; either rejection
	// is registry-level and synchronous).
	_, err = e.orch.StartPhase(context.Background(), "p1", task.PhaseResearch, "")
	if err == nil {
		t.Fatal("expected rejection of concurrent start")
	}

	got := waitTerminal(t, e.registry, mainTask.ID)
	assert.Equal(t, task.StatusCompleted, got.Status)

	// Research completed; planning is now allowed.
	planning, err := e.orch.StartPhase(context.Background(), "p1", task.PhasePlanning, "")
	require.NoError(t, err)
	waitTerminal(t, e.registry, planning.ID)
}

// advanceTo completes the phases before target so target can start.
func advanceTo(t *testing.T, e *env, target task.Phase) {
	t.Helper()
	for _, phase := range []task.Phase{task.PhaseResearch, task.PhasePlanning} {
		if phase == target {
			return
		}
		tk, err := e.orch.StartPhase(context.Background(), "p1", phase, "")
		require.NoError(t, err)
		got := waitTerminal(t, e.registry, tk.ID)
		require.Equal(t, task.StatusCompleted, got.Status)
	}
}

func TestOrchestrator_ImplementationSpawnsConcurrentOverwatchers(t *testing.T) {
	kinds := []task.OverwatcherKind{task.KindReview, task.KindSecurity, task.KindTest}
	const parties = 4 // main + 3 overwatchers

	// Barrier completer: once armed, every task's first model call must
	// be in flight at the same time before anyone gets a response.
	var armed atomic.Bool
	arrivals := make(chan struct{}, parties)
	proceed := make(chan struct{})

	completer := completerFunc(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		if armed.Load() {
			arrivals <- struct{}{}
			select {
			case <-proceed:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return llm.TerminalResponse("done"), nil
	})

	e := newEnv(t, completer, Config{OverwatcherKinds: kinds})
	advanceTo(t, e, task.PhaseImplementation)

	armed.Store(true)
	mainTask, err := e.orch.StartPhase(context.Background(), "p1", task.PhaseImplementation, "")
	require.NoError(t, err)

	// Exactly one main and N overwatchers, all running concurrently: the
	// barrier only clears if all N+1 first calls are simultaneously in
	// flight.
	for i := 0; i < parties; i++ {
		select {
		case <-arrivals:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d tasks reached the model concurrently", i, parties)
		}
	}
	armed.Store(false)
	close(proceed)

	waitTerminal(t, e.registry, mainTask.ID)

	var overwatchers int
	for _, tk := range e.registry.ListByProject("p1") {
		if tk.Role == task.RoleOverwatcher {
			overwatchers++
			assert.Equal(t, mainTask.ID, tk.ParentID)
		}
	}
	assert.Equal(t, len(kinds), overwatchers)
}

func TestOrchestrator_MainTerminalCancelsRunningOverwatchers(t *testing.T) {
	// Main finishes on its first call; overwatchers would run forever
	// without the parent-terminal cancellation.
	completer := completerFunc(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		if req.System != "" && len(req.Tools) > 5 {
			// Full toolset means the main task.
			return llm.TerminalResponse("implementation finished"), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return llm.TerminalResponse("too slow"), nil
		}
	})

	e := newEnv(t, completer, Config{OverwatcherKinds: []task.OverwatcherKind{task.KindReview}})
	advanceTo(t, e, task.PhaseImplementation)

	mainTask, err := e.orch.StartPhase(context.Background(), "p1", task.PhaseImplementation, "")
	require.NoError(t, err)

	got := waitTerminal(t, e.registry, mainTask.ID)
	assert.Equal(t, task.StatusCompleted, got.Status)

	for _, child := range e.registry.ListByProject("p1") {
		if child.Role != task.RoleOverwatcher {
			continue
		}
		terminal := waitTerminal(t, e.registry, child.ID)
		assert.Equal(t, task.StatusCancelled, terminal.Status)
	}
}

// abortingRunner cancels the implementation main before its loop starts,
// so the run aborts with a start error instead of a terminal result.
type abortingRunner struct {
	registry *task.Registry
	inner    *agent.Runner
}

func (r *abortingRunner) Run(ctx context.Context, tk *task.Task, spec agent.RunSpec) (*agent.Result, error) {
	if tk.Role == task.RoleMain && tk.Phase == task.PhaseImplementation {
		_, _ = r.registry.Cancel(ctx, tk.ID)
	}
	return r.inner.Run(ctx, tk, spec)
}

func TestOrchestrator_RunAbortStillCancelsOverwatchers(t *testing.T) {
	// Overwatchers hold on their context once armed; if the main run's
	// error path skipped child cancellation they would outlive it.
	var armed atomic.Bool
	completer := completerFunc(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		if !armed.Load() {
			return llm.TerminalResponse("done"), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	registry := task.NewRegistry(nil)
	runner := agent.NewRunner(completer, nil, registry, nil, nil)

	guard := workspace.NewGuard(time.Minute, nil)
	manager, err := workspace.NewManager(t.TempDir(), guard, nil)
	require.NoError(t, err)

	loader := plugins.NewLoader(t.TempDir(), nil)
	require.NoError(t, loader.Load(context.Background()))

	orch := New(Deps{
		Registry:   registry,
		Runner:     &abortingRunner{registry: registry, inner: runner},
		Gate:       gate.New(nil, nil, time.Second),
		Workspaces: manager,
		Plugins:    loader,
	}, Config{OverwatcherKinds: []task.OverwatcherKind{task.KindReview, task.KindTest}})
	orch.RegisterProject("p1", "https://github.com/acme/widgets.git", t.TempDir())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	e := &env{orch: orch, registry: registry}
	advanceTo(t, e, task.PhaseImplementation)

	armed.Store(true)
	mainTask, err := orch.StartPhase(context.Background(), "p1", task.PhaseImplementation, "")
	require.NoError(t, err)

	got := waitTerminal(t, registry, mainTask.ID)
	assert.Equal(t, task.StatusCancelled, got.Status)

	var overwatchers int
	for _, child := range registry.ListByProject("p1") {
		if child.Role != task.RoleOverwatcher {
			continue
		}
		overwatchers++
		terminal := waitTerminal(t, registry, child.ID)
		assert.Equal(t, task.StatusCancelled, terminal.Status)
	}
	require.Equal(t, 2, overwatchers)
}

func TestOrchestrator_CancelStopsInFlightTask(t *testing.T) {
	started := make(chan struct{}, 1)
	completer := completerFunc(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	e := newEnv(t, completer, Config{})
	mainTask, err := e.orch.StartPhase(context.Background(), "p1", task.PhaseResearch, "")
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never reached the model")
	}

	cancelled, err := e.orch.Cancel(context.Background(), mainTask.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, cancelled.Status)

	got := waitTerminal(t, e.registry, mainTask.ID)
	assert.Equal(t, task.StatusCancelled, got.Status)

	// Cancelling again is a conflict.
	_, err = e.orch.Cancel(context.Background(), mainTask.ID)
	require.ErrorIs(t, err, task.ErrInvalidTransition)
}

func TestOrchestrator_WallClockTimeoutCancelsTask(t *testing.T) {
	completer := completerFunc(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	e := newEnv(t, completer, Config{TaskTimeout: 100 * time.Millisecond})
	mainTask, err := e.orch.StartPhase(context.Background(), "p1", task.PhaseResearch, "")
	require.NoError(t, err)

	got := waitTerminal(t, e.registry, mainTask.ID)
	assert.Equal(t, task.StatusCancelled, got.Status)
}

func TestOrchestrator_PriorPhaseSummaryFlowsForward(t *testing.T) {
	var planningContext atomic.Pointer[llm.Request]
	completer := completerFunc(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		if len(req.Messages) > 0 {
			planningContext.Store(req)
		}
		return llm.TerminalResponse("summary of findings"), nil
	})

	e := newEnv(t, completer, Config{})

	research, err := e.orch.StartPhase(context.Background(), "p1", task.PhaseResearch, "add rate limiting")
	require.NoError(t, err)
	waitTerminal(t, e.registry, research.ID)

	planning, err := e.orch.StartPhase(context.Background(), "p1", task.PhasePlanning, "")
	require.NoError(t, err)
	waitTerminal(t, e.registry, planning.ID)

	req := planningContext.Load()
	require.NotNil(t, req)
	first := req.Messages[0].Content[0].Text
	assert.Contains(t, first, "summary of findings")
}

func TestOrchestrator_OverwatcherToolsetIsReadOnly(t *testing.T) {
	var armed, sawReadOnly atomic.Bool
	overwatcherCalled := make(chan struct{})
	var once sync.Once

	completer := completerFunc(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		mutating := false
		for _, schema := range req.Tools {
			if schema.Name == "write_file" || schema.Name == "git_commit" {
				mutating = true
			}
		}
		if mutating {
			if armed.Load() {
				// The implementation main task holds until the
				// overwatcher has made its first call, so the
				// parent-terminal cancel cannot race the assertion.
				select {
				case <-overwatcherCalled:
				case <-time.After(5 * time.Second):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return llm.TerminalResponse("has mutating tools"), nil
		}
		if len(req.Tools) > 0 {
			sawReadOnly.Store(true)
			once.Do(func() { close(overwatcherCalled) })
		}
		return llm.TerminalResponse("read only"), nil
	})

	e := newEnv(t, completer, Config{OverwatcherKinds: []task.OverwatcherKind{task.KindSecurity}})
	advanceTo(t, e, task.PhaseImplementation)

	armed.Store(true)
	mainTask, err := e.orch.StartPhase(context.Background(), "p1", task.PhaseImplementation, "")
	require.NoError(t, err)
	waitTerminal(t, e.registry, mainTask.ID)

	for _, child := range e.registry.ListByProject("p1") {
		if child.Role == task.RoleOverwatcher {
			waitTerminal(t, e.registry, child.ID)
		}
	}
	assert.True(t, sawReadOnly.Load(), "overwatcher never saw a read-only toolset")
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentd/internal/bus"
	"github.com/fyrsmithlabs/agentd/internal/llm"
	"github.com/fyrsmithlabs/agentd/internal/task"
	"github.com/fyrsmithlabs/agentd/internal/tools"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

type harness struct {
	registry *task.Registry
	bus      *bus.Bus
	sub      *bus.Subscription
	task     *task.Task
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	b := bus.New(nc, nil, nil, bus.Options{})
	registry := task.NewRegistry(nil)

	tk, err := registry.StartMain(context.Background(), "proj-1", task.PhaseResearch)
	require.NoError(t, err)

	sub, err := b.Subscribe(context.Background(), "proj-1")
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	return &harness{registry: registry, bus: b, sub: sub, task: tk}
}

// drainEvents collects events until a terminal phase or error event.
func (h *harness) drainEvents(t *testing.T) map[bus.EventType][]bus.Event {
	t.Helper()

	out := make(map[bus.EventType][]bus.Event)
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-h.sub.C:
			out[ev.Type] = append(out[ev.Type], ev)
			if ev.Type == bus.EventPhase || ev.Type == bus.EventError {
				return out
			}
		case <-deadline:
			t.Fatal("no terminal event observed")
		}
	}
}

func echoTool(name string) tools.Tool {
	return tools.Tool{
		Name:        name,
		Description: "echoes its input",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handler: func(_ context.Context, input json.RawMessage) (string, error) {
			return "echo: " + string(input), nil
		},
	}
}

func toolRegistry(t *testing.T, ts ...tools.Tool) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	for _, tool := range ts {
		require.NoError(t, r.Register(tool))
	}
	return r
}

func TestRunner_ImmediateTerminalCompletes(t *testing.T) {
	h := newHarness(t)
	completer := llm.NewScripted(llm.TerminalResponse("research complete"))
	runner := NewRunner(completer, h.bus, h.registry, nil, nil)

	result, err := runner.Run(context.Background(), h.task, RunSpec{
		SystemPrompt: "you are a researcher",
		Tools:        toolRegistry(t),
	})
	require.NoError(t, err)

	assert.Equal(t, task.StatusCompleted, result.Status)
	assert.Equal(t, "research complete", result.Content)
	assert.Equal(t, 1, result.Iterations)

	got, err := h.registry.Get(h.task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)

	events := h.drainEvents(t)
	assert.Len(t, events[bus.EventPhase], 1)
	assert.GreaterOrEqual(t, len(events[bus.EventProgress]), 1)
	assert.Equal(t, "completed", events[bus.EventPhase][0].Payload["status"])
}

func TestRunner_ToolResultsPreserveRequestOrder(t *testing.T) {
	h := newHarness(t)

	completer := llm.NewScripted(
		llm.ToolUseResponse(
			llm.ToolCall{ID: "tc-1", Name: "first", Input: json.RawMessage(`{"n":1}`)},
			llm.ToolCall{ID: "tc-2", Name: "second", Input: json.RawMessage(`{"n":2}`)},
			llm.ToolCall{ID: "tc-3", Name: "first", Input: json.RawMessage(`{"n":3}`)},
		),
		llm.TerminalResponse("done"),
	)
	runner := NewRunner(completer, h.bus, h.registry, nil, nil)

	result, err := runner.Run(context.Background(), h.task, RunSpec{
		Tools: toolRegistry(t, echoTool("first"), echoTool("second")),
	})
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, result.Status)

	// The second model call carries the tool results in request order.
	calls := completer.Calls()
	require.Len(t, calls, 2)
	last := calls[1].Messages[len(calls[1].Messages)-1]
	require.Equal(t, llm.RoleUser, last.Role)
	require.Len(t, last.Content, 3)
	assert.Equal(t, "tc-1", last.Content[0].ToolUseID)
	assert.Equal(t, "tc-2", last.Content[1].ToolUseID)
	assert.Equal(t, "tc-3", last.Content[2].ToolUseID)
}

func TestRunner_SoftToolFailuresTolerated(t *testing.T) {
	h := newHarness(t)

	flaky := tools.Tool{
		Name:        "lookup",
		Description: "always not found",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handler: func(context.Context, json.RawMessage) (string, error) {
			return "", errors.New("not found")
		},
	}

	call := llm.ToolCall{ID: "tc", Name: "lookup", Input: json.RawMessage(`{}`)}
	completer := llm.NewScripted(
		llm.ToolUseResponse(call), llm.ToolUseResponse(call), llm.ToolUseResponse(call),
		llm.TerminalResponse("gave up on lookup, finished anyway"),
	)
	runner := NewRunner(completer, h.bus, h.registry, nil, nil)

	result, err := runner.Run(context.Background(), h.task, RunSpec{
		Tools: toolRegistry(t, flaky),
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, result.Status)

	events := h.drainEvents(t)
	require.Len(t, events[bus.EventTool], 3)
	for _, ev := range events[bus.EventTool] {
		assert.Equal(t, false, ev.Payload["success"])
		assert.Equal(t, "lookup", ev.Payload["tool"])
		assert.NotEmpty(t, ev.Payload["args_digest"])
	}

	// Error results were folded back into the conversation.
	calls := completer.Calls()
	require.Len(t, calls, 4)
	secondTurn := calls[1].Messages[len(calls[1].Messages)-1]
	require.Len(t, secondTurn.Content, 1)
	assert.True(t, secondTurn.Content[0].IsError)
	assert.Contains(t, secondTurn.Content[0].Content, "not found")
}

func TestRunner_IterationLimit(t *testing.T) {
	h := newHarness(t)

	var modelCalls int32
	completer := completerFunc(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		atomic.AddInt32(&modelCalls, 1)
		return llm.ToolUseResponse(llm.ToolCall{
			ID: fmt.Sprintf("tc-%d", atomic.LoadInt32(&modelCalls)), Name: "spin", Input: json.RawMessage(`{}`),
		}), nil
	})
	runner := NewRunner(completer, h.bus, h.registry, nil, nil)

	result, err := runner.Run(context.Background(), h.task, RunSpec{
		Tools:  toolRegistry(t, echoTool("spin")),
		Limits: Limits{MaxIterations: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailed, result.Status)
	assert.Equal(t, ReasonIterationLimit, result.Reason)
	assert.Equal(t, int32(2), atomic.LoadInt32(&modelCalls))

	got, err := h.registry.Get(h.task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, ReasonIterationLimit, got.LastError)

	events := h.drainEvents(t)
	require.Len(t, events[bus.EventError], 1)
	assert.Equal(t, ReasonIterationLimit, events[bus.EventError][0].Payload["reason"])
}

func TestRunner_ModelFailureFailsTask(t *testing.T) {
	h := newHarness(t)
	completer := llm.NewScripted().AppendError(errors.New("max retries exceeded: server error (500)"))
	runner := NewRunner(completer, h.bus, h.registry, nil, nil)

	result, err := runner.Run(context.Background(), h.task, RunSpec{Tools: toolRegistry(t)})
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailed, result.Status)
	assert.Equal(t, ReasonModelError, result.Reason)
}

func TestRunner_CancellationAtBoundary(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	completer := completerFunc(func(c context.Context, req *llm.Request) (*llm.Response, error) {
		// Cancel while "the model is thinking"; the loop must observe it
		// at the next boundary.
		cancel()
		return llm.ToolUseResponse(llm.ToolCall{ID: "tc", Name: "spin", Input: json.RawMessage(`{}`)}), nil
	})
	runner := NewRunner(completer, h.bus, h.registry, nil, nil)

	result, err := runner.Run(ctx, h.task, RunSpec{
		Tools: toolRegistry(t, echoTool("spin")),
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, result.Status)

	got, err := h.registry.Get(h.task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)

	// A cancelled run still closes out with a terminal phase event.
	events := h.drainEvents(t)
	require.Len(t, events[bus.EventPhase], 1)
	assert.Equal(t, "cancelled", events[bus.EventPhase][0].Payload["status"])
}

func TestRunner_PauseSuspendsUntilResume(t *testing.T) {
	h := newHarness(t)

	resumed := make(chan struct{})
	first := true
	completer := completerFunc(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		if first {
			first = false
			// Pause the task; the next boundary must wait for resume.
			_, err := h.registry.Pause(ctx, h.task.ID)
			require.NoError(t, err)
			go func() {
				time.Sleep(300 * time.Millisecond)
				_, err := h.registry.Resume(context.Background(), h.task.ID)
				require.NoError(t, err)
				close(resumed)
			}()
			return llm.ToolUseResponse(llm.ToolCall{ID: "tc", Name: "spin", Input: json.RawMessage(`{}`)}), nil
		}
		select {
		case <-resumed:
		default:
			t.Error("second model call before resume")
		}
		return llm.TerminalResponse("done after pause"), nil
	})
	runner := NewRunner(completer, h.bus, h.registry, nil, nil)

	result, err := runner.Run(context.Background(), h.task, RunSpec{
		Tools: toolRegistry(t, echoTool("spin")),
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, result.Status)
}

func TestRunner_PauseDuringTerminalModelCall(t *testing.T) {
	h := newHarness(t)

	completer := completerFunc(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		// Pause lands while the model call is in flight. The terminal
		// transition must park until resume, not clobber the content.
		_, err := h.registry.Pause(ctx, h.task.ID)
		require.NoError(t, err)
		return llm.TerminalResponse("findings intact"), nil
	})
	runner := NewRunner(completer, h.bus, h.registry, nil, nil)

	type runOut struct {
		result *Result
		err    error
	}
	out := make(chan runOut, 1)
	go func() {
		result, err := runner.Run(context.Background(), h.task, RunSpec{Tools: toolRegistry(t)})
		out <- runOut{result, err}
	}()

	select {
	case o := <-out:
		t.Fatalf("run settled while paused: %+v, %v", o.result, o.err)
	case <-time.After(500 * time.Millisecond):
	}
	got, err := h.registry.Get(h.task.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPaused, got.Status)

	_, err = h.registry.Resume(context.Background(), h.task.ID)
	require.NoError(t, err)

	select {
	case o := <-out:
		require.NoError(t, o.err)
		assert.Equal(t, task.StatusCompleted, o.result.Status)
		assert.Equal(t, "findings intact", o.result.Content)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not settle after resume")
	}

	got, err = h.registry.Get(h.task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestRunner_CancelWhilePausedAtTerminal(t *testing.T) {
	h := newHarness(t)

	completer := completerFunc(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		_, err := h.registry.Pause(ctx, h.task.ID)
		require.NoError(t, err)
		return llm.TerminalResponse("discarded"), nil
	})
	runner := NewRunner(completer, h.bus, h.registry, nil, nil)

	out := make(chan *Result, 1)
	go func() {
		result, err := runner.Run(context.Background(), h.task, RunSpec{Tools: toolRegistry(t)})
		require.NoError(t, err)
		out <- result
	}()

	require.Eventually(t, func() bool {
		got, err := h.registry.Get(h.task.ID)
		return err == nil && got.Status == task.StatusPaused
	}, 2*time.Second, 20*time.Millisecond)

	_, err := h.registry.Cancel(context.Background(), h.task.ID)
	require.NoError(t, err)

	select {
	case result := <-out:
		assert.Equal(t, task.StatusCancelled, result.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not settle after cancel")
	}
}

func TestRunner_PauseDuringFailingModelCall(t *testing.T) {
	h := newHarness(t)

	completer := completerFunc(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		_, err := h.registry.Pause(ctx, h.task.ID)
		require.NoError(t, err)
		return nil, errors.New("server error (529)")
	})
	runner := NewRunner(completer, h.bus, h.registry, nil, nil)

	out := make(chan *Result, 1)
	go func() {
		result, err := runner.Run(context.Background(), h.task, RunSpec{Tools: toolRegistry(t)})
		require.NoError(t, err)
		out <- result
	}()

	require.Eventually(t, func() bool {
		got, err := h.registry.Get(h.task.ID)
		return err == nil && got.Status == task.StatusPaused
	}, 2*time.Second, 20*time.Millisecond)

	_, err := h.registry.Resume(context.Background(), h.task.ID)
	require.NoError(t, err)

	select {
	case result := <-out:
		assert.Equal(t, task.StatusFailed, result.Status)
		assert.Equal(t, ReasonModelError, result.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not settle after resume")
	}

	got, err := h.registry.Get(h.task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
}

func TestRunner_UnknownToolIsSoftError(t *testing.T) {
	h := newHarness(t)
	completer := llm.NewScripted(
		llm.ToolUseResponse(llm.ToolCall{ID: "tc", Name: "no_such_tool", Input: json.RawMessage(`{}`)}),
		llm.TerminalResponse("done"),
	)
	runner := NewRunner(completer, h.bus, h.registry, nil, nil)

	result, err := runner.Run(context.Background(), h.task, RunSpec{Tools: toolRegistry(t)})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, result.Status)

	calls := completer.Calls()
	last := calls[1].Messages[len(calls[1].Messages)-1]
	assert.True(t, last.Content[0].IsError)
	assert.Contains(t, last.Content[0].Content, "unknown tool")
}

// completerFunc adapts a function to llm.Completer.
type completerFunc func(ctx context.Context, req *llm.Request) (*llm.Response, error)

func (f completerFunc) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return f(ctx, req)
}

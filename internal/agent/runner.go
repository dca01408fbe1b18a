// Package agent implements the tool-calling execution loop. One Runner
// serves many concurrent tasks; each Run call drives a single task's
// conversation with the model until a terminal message, an iteration or
// time bound, or cancellation.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/bus"
	"github.com/fyrsmithlabs/agentd/internal/llm"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/task"
	"github.com/fyrsmithlabs/agentd/internal/tools"
)

// Failure reason codes surfaced in task.LastError and error events.
const (
	ReasonIterationLimit = "iteration_limit"
	ReasonModelError     = "model_error"
)

const (
	// DefaultMaxIterations bounds how many model turns one task may take.
	DefaultMaxIterations = 50

	// DefaultToolTimeout bounds one tool handler invocation.
	DefaultToolTimeout = 2 * time.Minute

	// pausePollInterval is how often a paused task re-checks its status.
	pausePollInterval = 200 * time.Millisecond
)

// Limits bounds one task run.
type Limits struct {
	MaxIterations int
	ToolTimeout   time.Duration
}

// RunSpec is everything one task run needs beyond its identity.
type RunSpec struct {
	SystemPrompt   string
	InitialContext []llm.Message
	Tools          *tools.Registry
	Limits         Limits
}

// Result is the terminal outcome of one run.
type Result struct {
	Status     task.Status
	Reason     string
	Content    string
	Iterations int
}

// Runner drives execution loops. Safe for concurrent use.
type Runner struct {
	completer llm.Completer
	bus       *bus.Bus
	registry  *task.Registry
	log       *logging.Logger
	metrics   *Metrics
}

// NewRunner wires the loop's dependencies. bus and metrics may be nil.
func NewRunner(completer llm.Completer, eventBus *bus.Bus, registry *task.Registry, log *logging.Logger, metrics *Metrics) *Runner {
	if log == nil {
		log = logging.Nop()
	}
	return &Runner{
		completer: completer,
		bus:       eventBus,
		registry:  registry,
		log:       log,
		metrics:   metrics,
	}
}

// Run executes the loop for one task until a terminal state. The task's
// registry record is moved to running here and to its terminal status
// before Run returns; external cancellation is observed at iteration
// boundaries, never mid-tool-call.
func (r *Runner) Run(ctx context.Context, t *task.Task, spec RunSpec) (*Result, error) {
	ctx = logging.WithProjectID(ctx, t.ProjectID)
	ctx = logging.WithTaskID(ctx, t.ID)

	if _, err := r.registry.Start(ctx, t.ID); err != nil {
		return nil, fmt.Errorf("start task: %w", err)
	}

	limits := spec.Limits
	if limits.MaxIterations <= 0 {
		limits.MaxIterations = DefaultMaxIterations
	}
	if limits.ToolTimeout <= 0 {
		limits.ToolTimeout = DefaultToolTimeout
	}

	messages := append([]llm.Message(nil), spec.InitialContext...)
	if len(messages) == 0 {
		messages = append(messages, llm.UserMessage(llm.TextBlock("Begin.")))
	}

	started := time.Now()
	r.metrics.taskStarted(ctx)
	defer r.metrics.taskEnded(ctx)

	r.publish(ctx, t, bus.EventProgress, map[string]any{
		"iteration": 0,
		"message":   "execution loop started",
	})

	for iteration := 1; iteration <= limits.MaxIterations; iteration++ {
		if res := r.checkBoundary(ctx, t); res != nil {
			res.Iterations = iteration - 1
			r.metrics.recordTask(ctx, string(t.Phase), string(res.Status), time.Since(started))
			return res, nil
		}
		r.metrics.recordIteration(ctx, string(t.Phase), string(t.Role))

		resp, err := r.completer.Complete(ctx, &llm.Request{
			System:   spec.SystemPrompt,
			Messages: messages,
			Tools:    spec.Tools.Schemas(),
		})
		if err != nil {
			if ctx.Err() != nil {
				res := r.cancelled(ctx, t)
				res.Iterations = iteration - 1
				r.metrics.recordTask(ctx, string(t.Phase), string(res.Status), time.Since(started))
				return res, nil
			}
			return r.fail(ctx, t, started, iteration, ReasonModelError, err)
		}

		calls := resp.ToolCalls()
		if resp.StopReason != llm.StopToolUse || len(calls) == 0 {
			// A pause may have landed while the model call was in flight.
			// Park until resume or cancellation before settling the
			// terminal transition so the content is not discarded.
			if res := r.checkBoundary(ctx, t); res != nil {
				res.Iterations = iteration
				r.metrics.recordTask(ctx, string(t.Phase), string(res.Status), time.Since(started))
				return res, nil
			}
			content := resp.Text()
			if _, err := r.registry.Complete(ctx, t.ID); err != nil {
				return nil, fmt.Errorf("complete task: %w", err)
			}
			r.publish(ctx, t, bus.EventPhase, map[string]any{
				"phase":  string(t.Phase),
				"status": "completed",
			})
			r.log.Info(ctx, "task completed", zap.Int("iterations", iteration))
			r.metrics.recordTask(ctx, string(t.Phase), string(task.StatusCompleted), time.Since(started))
			return &Result{
				Status:     task.StatusCompleted,
				Content:    content,
				Iterations: iteration,
			}, nil
		}

		messages = append(messages, llm.AssistantMessage(resp.Content...))

		// Tool results are appended in request order regardless of how
		// handlers run internally.
		results := make([]llm.ContentBlock, 0, len(calls))
		for _, call := range calls {
			results = append(results, r.executeTool(ctx, t, spec.Tools, call, limits.ToolTimeout))
		}
		messages = append(messages, llm.UserMessage(results...))

		r.publish(ctx, t, bus.EventProgress, map[string]any{
			"iteration":  iteration,
			"tool_calls": len(calls),
		})
	}

	return r.fail(ctx, t, started, limits.MaxIterations, ReasonIterationLimit,
		fmt.Errorf("no terminal message after %d iterations", limits.MaxIterations))
}

// checkBoundary observes pause and cancellation at an iteration boundary.
// Returns a terminal Result when the task should stop, nil to continue.
func (r *Runner) checkBoundary(ctx context.Context, t *task.Task) *Result {
	for {
		if ctx.Err() != nil {
			return r.cancelled(ctx, t)
		}

		status, err := r.registry.Status(t.ID)
		if err != nil {
			return &Result{Status: task.StatusFailed, Reason: err.Error()}
		}

		switch status {
		case task.StatusRunning:
			return nil
		case task.StatusPaused:
			select {
			case <-time.After(pausePollInterval):
			case <-ctx.Done():
				return r.cancelled(ctx, t)
			}
		case task.StatusCancelled:
			return r.cancelled(ctx, t)
		default:
			return &Result{Status: status}
		}
	}
}

// cancelled settles the registry record when cancellation arrived via
// context rather than an explicit Cancel call.
func (r *Runner) cancelled(ctx context.Context, t *task.Task) *Result {
	if status, err := r.registry.Status(t.ID); err == nil && !status.Terminal() {
		// Best effort; a concurrent Cancel may have won.
		_, _ = r.registry.Cancel(context.WithoutCancel(ctx), t.ID)
	}
	r.publish(context.WithoutCancel(ctx), t, bus.EventPhase, map[string]any{
		"phase":  string(t.Phase),
		"status": "cancelled",
	})
	return &Result{Status: task.StatusCancelled}
}

func (r *Runner) fail(ctx context.Context, t *task.Task, started time.Time, iterations int, reason string, cause error) (*Result, error) {
	// Same in-flight pause race as the completed path: settle only once
	// the task is back to running, or report the cancellation instead.
	if res := r.checkBoundary(ctx, t); res != nil {
		res.Iterations = iterations
		r.metrics.recordTask(ctx, string(t.Phase), string(res.Status), time.Since(started))
		return res, nil
	}
	if _, err := r.registry.Fail(ctx, t.ID, reason); err != nil {
		return nil, fmt.Errorf("fail task: %w", err)
	}
	r.publish(ctx, t, bus.EventError, map[string]any{
		"reason":  reason,
		"message": cause.Error(),
	})
	r.log.Warn(ctx, "task failed", zap.String("reason", reason), zap.Error(cause))
	r.metrics.recordTask(ctx, string(t.Phase), string(task.StatusFailed), time.Since(started))
	return &Result{
		Status:     task.StatusFailed,
		Reason:     reason,
		Iterations: iterations,
	}, nil
}

// executeTool runs one tool call with its own timeout and folds any
// failure back into the conversation as an error result.
func (r *Runner) executeTool(ctx context.Context, t *task.Task, registry *tools.Registry, call llm.ToolCall, timeout time.Duration) llm.ContentBlock {
	tool, ok := registry.Get(call.Name)
	if !ok {
		r.publishToolEvent(ctx, t, call, false)
		return llm.ToolResultBlock(call.ID, fmt.Sprintf("error: unknown tool %q", call.Name), true)
	}

	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := tool.Handler(toolCtx, call.Input)
	if err != nil {
		r.publishToolEvent(ctx, t, call, false)
		r.log.Debug(ctx, "tool call failed",
			zap.String("tool", call.Name), zap.Error(err))
		r.metrics.recordToolCall(ctx, call.Name, false)
		return llm.ToolResultBlock(call.ID, "error: "+err.Error(), true)
	}

	r.publishToolEvent(ctx, t, call, true)
	r.metrics.recordToolCall(ctx, call.Name, true)
	return llm.ToolResultBlock(call.ID, output, false)
}

func (r *Runner) publishToolEvent(ctx context.Context, t *task.Task, call llm.ToolCall, success bool) {
	r.publish(ctx, t, bus.EventTool, map[string]any{
		"tool":        call.Name,
		"args_digest": digest(call.Input),
		"success":     success,
	})
}

func (r *Runner) publish(ctx context.Context, t *task.Task, eventType bus.EventType, payload map[string]any) {
	if r.bus == nil {
		return
	}
	err := r.bus.Publish(ctx, bus.Event{
		Type:      eventType,
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Payload:   payload,
	})
	if err != nil {
		r.log.Warn(ctx, "failed to publish event",
			zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

func digest(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:6])
}

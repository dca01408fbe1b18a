package agent

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fyrsmithlabs/agentd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/agent"

// Metrics holds the execution-loop instruments.
type Metrics struct {
	meter metric.Meter

	iterations   metric.Int64Counter
	toolCalls    metric.Int64Counter
	taskDuration metric.Float64Histogram
	activeTasks  metric.Int64UpDownCounter
}

// NewMetrics creates the agent metrics. Instrument creation failures are
// logged and leave the instrument nil; recording is nil-safe.
func NewMetrics(log *logging.Logger) *Metrics {
	if log == nil {
		log = logging.Nop()
	}
	m := &Metrics{meter: otel.Meter(instrumentationName)}
	ctx := context.Background()

	var err error
	m.iterations, err = m.meter.Int64Counter(
		"agentd.agent.iterations_total",
		metric.WithDescription("Execution loop iterations, labeled by phase and role."),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		log.Warn(ctx, "failed to create iterations counter")
	}

	m.toolCalls, err = m.meter.Int64Counter(
		"agentd.agent.tool_calls_total",
		metric.WithDescription("Tool invocations, labeled by tool name and outcome."),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		log.Warn(ctx, "failed to create tool calls counter")
	}

	m.taskDuration, err = m.meter.Float64Histogram(
		"agentd.agent.task_duration_seconds",
		metric.WithDescription("Wall-clock task duration from loop start to terminal state, labeled by phase and terminal status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 60, 300, 900, 1800, 3600),
	)
	if err != nil {
		log.Warn(ctx, "failed to create task duration histogram")
	}

	m.activeTasks, err = m.meter.Int64UpDownCounter(
		"agentd.agent.active_tasks",
		metric.WithDescription("Tasks currently inside the execution loop."),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		log.Warn(ctx, "failed to create active tasks gauge")
	}

	return m
}

func (m *Metrics) recordIteration(ctx context.Context, phase, role string) {
	if m == nil || m.iterations == nil {
		return
	}
	m.iterations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("role", role),
	))
}

func (m *Metrics) recordToolCall(ctx context.Context, tool string, success bool) {
	if m == nil || m.toolCalls == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) recordTask(ctx context.Context, phase, status string, elapsed time.Duration) {
	if m == nil || m.taskDuration == nil {
		return
	}
	m.taskDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("status", status),
	))
}

func (m *Metrics) taskStarted(ctx context.Context) {
	if m == nil || m.activeTasks == nil {
		return
	}
	m.activeTasks.Add(ctx, 1)
}

func (m *Metrics) taskEnded(ctx context.Context) {
	if m == nil || m.activeTasks == nil {
		return
	}
	m.activeTasks.Add(ctx, -1)
}

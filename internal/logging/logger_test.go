package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"bogus", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LevelFromString(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContextFields_ProjectAndTask(t *testing.T) {
	ctx := WithProjectID(context.Background(), "proj-1")
	ctx = WithTaskID(ctx, "task-1")

	tl := NewTestLogger()
	tl.Info(ctx, "hello")

	entries := tl.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "proj-1", fields["project.id"])
	assert.Equal(t, "task-1", fields["task.id"])
}

func TestFromContext_ReturnsNopWhenMissing(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	// Must not panic.
	logger.Info(context.Background(), "noop")
}

func TestWithLogger_RoundTrip(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)

	FromContext(ctx).Info(ctx, "via context", zap.String("k", "v"))

	tl.AssertLogged(t, zapcore.InfoLevel, "via context")
}

func TestNamedChildIsIndependent(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("bus").With(zap.String("component", "bus"))

	child.Info(context.Background(), "child message")
	tl.Logger.Info(context.Background(), "parent message")

	require.Len(t, tl.All(), 2)
	childEntry := tl.FilterMessage("child message").All()
	require.Len(t, childEntry, 1)
	assert.Equal(t, "bus", childEntry[0].LoggerName)
}

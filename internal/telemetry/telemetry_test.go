package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tel)

	// Accessors fall back to the global no-op providers.
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Config{Enabled: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")

	_, err = New(context.Background(), Config{Enabled: true, Endpoint: "localhost:4317"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service name")
}

func TestNilReceiverIsSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestFromObservability(t *testing.T) {
	cfg := FromObservability(config.ObservabilityConfig{
		ServiceName:     "agentd",
		EnableTelemetry: true,
		OTLPEndpoint:    "collector:4317",
		OTLPProtocol:    "grpc",
		OTLPInsecure:    true,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "collector:4317", cfg.Endpoint)
	assert.Equal(t, "grpc", cfg.Protocol)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, "agentd", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Equal(t, 15*time.Second, cfg.ExportInterval)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

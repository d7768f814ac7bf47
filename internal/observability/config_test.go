package observability

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tern/internal/agent/ports"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	require.False(t, config.Metrics.Enabled)
	require.Equal(t, 9464, config.Metrics.PrometheusPort)
	require.False(t, config.Tracing.Enabled)
	require.Equal(t, "localhost:4318", config.Tracing.OTLPEndpoint)
	require.Equal(t, 1.0, config.Tracing.SampleRate)
	require.Equal(t, "tern", config.Tracing.ServiceName)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "observability.yaml")
	contents := `
metrics:
  enabled: true
  prometheus_port: 9999
tracing:
  enabled: true
  otlp_endpoint: collector:4318
  sample_rate: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.True(t, config.Metrics.Enabled)
	require.Equal(t, 9999, config.Metrics.PrometheusPort)
	require.True(t, config.Tracing.Enabled)
	require.Equal(t, "collector:4318", config.Tracing.OTLPEndpoint)
	require.Equal(t, 0.5, config.Tracing.SampleRate)
	// Fields the file omits keep their defaults.
	require.Equal(t, "tern", config.Tracing.ServiceName)
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), config)
}

func TestLoadConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("metrics: [oops"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestDisabledMetricsAreNilSafe(t *testing.T) {
	metrics, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, metrics)

	// Every method must tolerate the nil receiver.
	metrics.SubmissionReceived("user_input")
	metrics.TaskFinished("completed")
	metrics.TurnRetried()
	metrics.ToolCalled("echo")
	metrics.ApprovalDecided("approve")
	metrics.TaskTimer()()
	require.NoError(t, metrics.Shutdown(context.Background()))
}

func TestEventRecorderIgnoresUnrelatedEvents(t *testing.T) {
	recorder := NewEventRecorder(nil)

	// The recorder runs as a plain listener; with no collector it must still
	// accept every event shape without panicking.
	events := []ports.EventMsg{
		ports.TaskStartedEvent{},
		ports.StreamRetryEvent{Attempt: 1},
		ports.ToolCallBeginEvent{ToolName: "echo"},
		ports.ToolCallEndEvent{CallID: "call-1"},
		ports.ApprovalGrantedEvent{},
		ports.ApprovalRejectedEvent{},
		ports.ApprovalTimeoutEvent{},
		ports.ApprovalCanceledEvent{},
		ports.TaskCompleteEvent{},
	}
	for _, msg := range events {
		recorder.OnEvent(ports.Event{ID: "sub-1", Msg: msg})
	}
}

func TestDisabledTracerProviderIsNoop(t *testing.T) {
	provider, err := NewTracerProvider(TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, provider)

	ctx, span := provider.StartSpan(context.Background(), SpanTaskRun, SubmissionAttrs("sub-1")...)
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))
}

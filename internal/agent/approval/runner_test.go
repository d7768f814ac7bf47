package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tern/internal/agent/ports"
)

type recordingRunner struct {
	calls []string
}

func (r *recordingRunner) Execute(_ context.Context, name, arguments, callID string) ports.ToolResult {
	r.calls = append(r.calls, name)
	return ports.ToolResult{Output: "ran " + name, Success: true}
}

func (r *recordingRunner) Definitions() []ports.ToolDefinition {
	return []ports.ToolDefinition{{Name: "echo"}}
}

func policyFunc(policy ports.ApprovalPolicy) func() ports.ApprovalPolicy {
	return func() ports.ApprovalPolicy { return policy }
}

func TestGatedRunnerExecutesApprovedCall(t *testing.T) {
	inner := &recordingRunner{}
	gate := New(nil, nil)
	gated := NewGatedRunner(inner, gate, policyFunc(ports.ApprovalPolicy{Mode: ports.ApprovalNeverAsk}), nil, nil)

	result := gated.Execute(context.Background(), "echo", `{"text":"hi"}`, "call-1")
	require.True(t, result.Success)
	require.Equal(t, "ran echo", result.Output)
	require.Equal(t, []string{"echo"}, inner.calls)
}

func TestGatedRunnerRejectionBecomesFailedResult(t *testing.T) {
	inner := &recordingRunner{}
	gate := New(nil, nil)
	policy := ports.ApprovalPolicy{Mode: ports.ApprovalAutoRejectUnsafe, RiskThreshold: ports.RiskLow}
	assess := func(name, arguments string) (ports.RiskLevel, string) {
		return ports.RiskHigh, name
	}
	gated := NewGatedRunner(inner, gate, policyFunc(policy), assess, nil)

	result := gated.Execute(context.Background(), "format_disk", `{}`, "call-1")
	require.False(t, result.Success)
	require.Contains(t, result.Output, "approval denied")
	require.Empty(t, inner.calls, "rejected tool must never run")
}

func TestGatedRunnerTimeoutRejects(t *testing.T) {
	inner := &recordingRunner{}
	gate := New(nil, nil)
	policy := ports.ApprovalPolicy{Mode: ports.ApprovalAlwaysAsk, Timeout: 30 * time.Millisecond}
	gated := NewGatedRunner(inner, gate, policyFunc(policy), nil, nil)

	result := gated.Execute(context.Background(), "echo", `{}`, "call-1")
	require.False(t, result.Success)
	require.Contains(t, result.Output, "Request timed out")
	require.Empty(t, inner.calls)
}

func TestDefaultRiskAssessor(t *testing.T) {
	risk, _ := DefaultRiskAssessor("echo", `{}`)
	require.Equal(t, ports.RiskLow, risk)

	risk, _ = DefaultRiskAssessor("read_file", `{}`)
	require.Equal(t, ports.RiskLow, risk)

	risk, summary := DefaultRiskAssessor("write_file", `{"path":"x"}`)
	require.Equal(t, ports.RiskMedium, risk)
	require.Contains(t, summary, "write_file")
}

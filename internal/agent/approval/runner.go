package approval

import (
	"context"
	"fmt"

	"tern/internal/agent/ports"
	"tern/internal/logging"
)

// RiskAssessor grades a pending tool call. The summary is shown to whoever
// has to approve it.
type RiskAssessor func(name, arguments string) (risk ports.RiskLevel, summary string)

// DefaultRiskAssessor treats read-only builtins as low risk and everything
// else as medium.
func DefaultRiskAssessor(name, arguments string) (ports.RiskLevel, string) {
	switch name {
	case "echo", "read_file":
		return ports.RiskLow, fmt.Sprintf("%s %s", name, arguments)
	default:
		return ports.RiskMedium, fmt.Sprintf("%s %s", name, arguments)
	}
}

// GatedRunner wraps a ToolRunner with the approval gate: every execution is
// policy-checked first and may block on a human decision.
type GatedRunner struct {
	inner  ports.ToolRunner
	gate   *Gate
	policy func() ports.ApprovalPolicy
	assess RiskAssessor
	logger logging.Logger
}

var _ ports.ToolRunner = (*GatedRunner)(nil)

// NewGatedRunner builds the decorator. policy is read per call so mid-task
// context overrides take effect immediately.
func NewGatedRunner(inner ports.ToolRunner, gate *Gate, policy func() ports.ApprovalPolicy, assess RiskAssessor, logger logging.Logger) *GatedRunner {
	if assess == nil {
		assess = DefaultRiskAssessor
	}
	return &GatedRunner{
		inner:  inner,
		gate:   gate,
		policy: policy,
		assess: assess,
		logger: logging.OrNop(logger),
	}
}

// Definitions passes through to the wrapped runner.
func (r *GatedRunner) Definitions() []ports.ToolDefinition {
	return r.inner.Definitions()
}

// Execute asks the gate before running the tool. A rejection becomes a
// failed tool result, never an error.
func (r *GatedRunner) Execute(ctx context.Context, name, arguments, callID string) ports.ToolResult {
	risk, summary := r.assess(name, arguments)
	resp, err := r.gate.Request(ctx, r.policy(), ports.ApprovalRequest{
		Risk:    risk,
		Command: name,
		Summary: summary,
	})
	if err != nil {
		return ports.ToolResult{Output: fmt.Sprintf("approval failed: %v", err), Success: false}
	}
	if resp.Decision != ports.DecisionApprove {
		r.logger.Info("tool %s (call %s) rejected: %s", name, callID, resp.Reason)
		return ports.ToolResult{Output: fmt.Sprintf("approval denied: %s", resp.Reason), Success: false}
	}
	return r.inner.Execute(ctx, name, arguments, callID)
}

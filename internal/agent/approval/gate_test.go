package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tern/internal/agent/ports"
)

type eventCollector struct {
	mu   sync.Mutex
	msgs []ports.EventMsg
}

func (c *eventCollector) emit(msg ports.EventMsg) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *eventCollector) byType(t ports.EventType) []ports.EventMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ports.EventMsg
	for _, msg := range c.msgs {
		if msg.Type() == t {
			out = append(out, msg)
		}
	}
	return out
}

func alwaysAsk(timeout time.Duration) ports.ApprovalPolicy {
	return ports.ApprovalPolicy{Mode: ports.ApprovalAlwaysAsk, Timeout: timeout}
}

func TestEvaluateNeverAskApprovesEverything(t *testing.T) {
	resp, decided := Evaluate(ports.ApprovalPolicy{Mode: ports.ApprovalNeverAsk}, ports.ApprovalRequest{Risk: ports.RiskCritical, Command: "rm -rf /"})
	require.True(t, decided)
	require.Equal(t, ports.DecisionApprove, resp.Decision)
}

func TestEvaluateAlwaysAskDecidesNothing(t *testing.T) {
	_, decided := Evaluate(ports.ApprovalPolicy{Mode: ports.ApprovalAlwaysAsk}, ports.ApprovalRequest{Risk: ports.RiskLow, Command: "echo hi"})
	require.False(t, decided)
}

func TestEvaluateAutoApproveSafeWithAllowList(t *testing.T) {
	policy := ports.ApprovalPolicy{
		Mode:            ports.ApprovalAutoApproveSafe,
		AllowedCommands: []string{"git status", "ls"},
	}

	resp, decided := Evaluate(policy, ports.ApprovalRequest{Risk: ports.RiskLow, Command: "git status"})
	require.True(t, decided)
	require.Equal(t, ports.DecisionApprove, resp.Decision)

	// Prefix match requires a word boundary.
	resp, decided = Evaluate(policy, ports.ApprovalRequest{Risk: ports.RiskLow, Command: "git status --porcelain"})
	require.True(t, decided)
	require.Equal(t, ports.DecisionApprove, resp.Decision)

	_, decided = Evaluate(policy, ports.ApprovalRequest{Risk: ports.RiskLow, Command: "git statusx"})
	require.False(t, decided)

	// Anything above low risk always goes to a human.
	_, decided = Evaluate(policy, ports.ApprovalRequest{Risk: ports.RiskMedium, Command: "git status"})
	require.False(t, decided)
}

func TestEvaluateAutoApproveSafeWithoutListsApprovesLowRisk(t *testing.T) {
	policy := ports.ApprovalPolicy{Mode: ports.ApprovalAutoApproveSafe}
	resp, decided := Evaluate(policy, ports.ApprovalRequest{Risk: ports.RiskLow, Command: "read_file"})
	require.True(t, decided)
	require.Equal(t, ports.DecisionApprove, resp.Decision)
}

func TestEvaluateAutoRejectUnsafe(t *testing.T) {
	policy := ports.ApprovalPolicy{
		Mode:           ports.ApprovalAutoRejectUnsafe,
		DeniedCommands: []string{"rm"},
		RiskThreshold:  ports.RiskMedium,
	}

	resp, decided := Evaluate(policy, ports.ApprovalRequest{Risk: ports.RiskHigh, Command: "format_disk"})
	require.True(t, decided)
	require.Equal(t, ports.DecisionReject, resp.Decision)

	resp, decided = Evaluate(policy, ports.ApprovalRequest{Risk: ports.RiskLow, Command: "rm -rf build"})
	require.True(t, decided)
	require.Equal(t, ports.DecisionReject, resp.Decision)

	// Within threshold and not denied: escalate to a human.
	_, decided = Evaluate(policy, ports.ApprovalRequest{Risk: ports.RiskMedium, Command: "echo hi"})
	require.False(t, decided)
}

func TestRequestTimesOutWithExactReason(t *testing.T) {
	collector := &eventCollector{}
	gate := New(collector.emit, nil)

	start := time.Now()
	resp, err := gate.Request(context.Background(), alwaysAsk(50*time.Millisecond), ports.ApprovalRequest{Risk: ports.RiskMedium, Command: "echo"})
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, ports.DecisionReject, resp.Decision)
	require.Equal(t, "Request timed out", resp.Reason)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Equal(t, 0, gate.PendingCount())
	require.Len(t, collector.byType(ports.EventApprovalTimeout), 1)
}

func TestRequestResolvedBeforeTimeout(t *testing.T) {
	collector := &eventCollector{}
	gate := New(collector.emit, nil)

	go func() {
		// Wait for the request to register, then approve it.
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			requested := collector.byType(ports.EventApprovalRequested)
			if len(requested) > 0 {
				id := requested[0].(ports.ApprovalRequestedEvent).ApprovalID
				gate.Resolve(id, ports.ApprovalResponse{Decision: ports.DecisionApprove, Reason: "ok"})
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	resp, err := gate.Request(context.Background(), alwaysAsk(time.Second), ports.ApprovalRequest{Risk: ports.RiskMedium, Command: "echo"})
	require.NoError(t, err)
	require.Equal(t, ports.DecisionApprove, resp.Decision)
	require.Equal(t, "ok", resp.Reason)
	require.Equal(t, 0, gate.PendingCount())
}

func TestRequestCancellationWinsOverTimeout(t *testing.T) {
	collector := &eventCollector{}
	gate := New(collector.emit, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	resp, err := gate.Request(ctx, alwaysAsk(10*time.Second), ports.ApprovalRequest{Risk: ports.RiskMedium, Command: "echo"})
	require.NoError(t, err)
	require.Equal(t, ports.DecisionReject, resp.Decision)
	require.Equal(t, "canceled", resp.Reason)
	require.Len(t, collector.byType(ports.EventApprovalCanceled), 1)
	require.Empty(t, collector.byType(ports.EventApprovalTimeout))
}

func TestDuplicateResolveIsNoop(t *testing.T) {
	collector := &eventCollector{}
	gate := New(collector.emit, nil)

	done := make(chan ports.ApprovalResponse, 1)
	go func() {
		resp, _ := gate.Request(context.Background(), alwaysAsk(time.Second), ports.ApprovalRequest{Risk: ports.RiskMedium, Command: "echo"})
		done <- resp
	}()

	var id string
	require.Eventually(t, func() bool {
		requested := collector.byType(ports.EventApprovalRequested)
		if len(requested) == 0 {
			return false
		}
		id = requested[0].(ports.ApprovalRequestedEvent).ApprovalID
		return true
	}, time.Second, time.Millisecond)

	require.True(t, gate.Resolve(id, ports.ApprovalResponse{Decision: ports.DecisionApprove, Reason: "first"}))
	require.False(t, gate.Resolve(id, ports.ApprovalResponse{Decision: ports.DecisionReject, Reason: "second"}))

	resp := <-done
	require.Equal(t, ports.DecisionApprove, resp.Decision)
	require.Equal(t, "first", resp.Reason)
	require.Equal(t, ports.ApprovalResolved, gate.Status(id))
}

func TestResolveUnknownIDReturnsFalse(t *testing.T) {
	gate := New(nil, nil)
	require.False(t, gate.Resolve("apr-nope", ports.ApprovalResponse{Decision: ports.DecisionApprove}))
	require.Equal(t, ports.ApprovalUnknown, gate.Status("apr-nope"))
}

func TestCancelAllRejectsEveryPendingRequest(t *testing.T) {
	collector := &eventCollector{}
	gate := New(collector.emit, nil)

	const n = 3
	responses := make(chan ports.ApprovalResponse, n)
	for i := 0; i < n; i++ {
		go func() {
			resp, _ := gate.Request(context.Background(), alwaysAsk(10*time.Second), ports.ApprovalRequest{Risk: ports.RiskMedium, Command: "echo"})
			responses <- resp
		}()
	}

	require.Eventually(t, func() bool {
		return gate.PendingCount() == n
	}, time.Second, time.Millisecond)

	require.Equal(t, n, gate.CancelAll())

	for i := 0; i < n; i++ {
		resp := <-responses
		require.Equal(t, ports.DecisionReject, resp.Decision)
		require.Equal(t, "canceled", resp.Reason)
	}
	require.Equal(t, 0, gate.PendingCount())
}

func TestAutoDecisionEmitsDecisionEvent(t *testing.T) {
	collector := &eventCollector{}
	gate := New(collector.emit, nil)

	resp, err := gate.Request(context.Background(), ports.ApprovalPolicy{Mode: ports.ApprovalNeverAsk}, ports.ApprovalRequest{Risk: ports.RiskHigh, Command: "anything"})
	require.NoError(t, err)
	require.Equal(t, ports.DecisionApprove, resp.Decision)
	require.Len(t, collector.byType(ports.EventApprovalGranted), 1)
	require.Empty(t, collector.byType(ports.EventApprovalRequested))
}

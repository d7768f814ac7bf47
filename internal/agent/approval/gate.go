// Package approval implements the human-in-the-loop gate: synchronous policy
// evaluation first, then a race between a user decision and a timeout.
package approval

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"tern/internal/agent/ports"
	"tern/internal/logging"
	"tern/internal/utils/id"
)

const (
	// DefaultTimeout bounds the wait for a human decision when neither the
	// request nor the policy overrides it.
	DefaultTimeout = 30 * time.Second

	// resolvedHistorySize bounds the terminal-decision cache consulted for
	// late duplicate resolutions and status queries.
	resolvedHistorySize = 256
)

type pendingRequest struct {
	done chan ports.ApprovalResponse
}

// Gate evaluates approval policy and tracks pending requests. The pending map
// is the one structure that legitimately sees concurrent access (a UI
// resolution racing the timeout timer), so every resolution goes through a
// mutex-guarded claim: the first resolver wins, the second is a no-op.
type Gate struct {
	mu       sync.Mutex
	pending  map[string]*pendingRequest
	resolved *lru.Cache[string, ports.ApprovalResponse]
	emit     func(msg ports.EventMsg)
	logger   logging.Logger
	timeout  time.Duration
}

// New creates a gate. emit receives approval lifecycle events and may be nil.
func New(emit func(msg ports.EventMsg), logger logging.Logger) *Gate {
	cache, _ := lru.New[string, ports.ApprovalResponse](resolvedHistorySize)
	if emit == nil {
		emit = func(ports.EventMsg) {}
	}
	return &Gate{
		pending:  make(map[string]*pendingRequest),
		resolved: cache,
		emit:     emit,
		logger:   logging.OrNop(logger),
		timeout:  DefaultTimeout,
	}
}

// SetEmitter replaces the event sink. Used by the core to bind events to the
// submission that is currently executing.
func (g *Gate) SetEmitter(emit func(msg ports.EventMsg)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if emit == nil {
		emit = func(ports.EventMsg) {}
	}
	g.emit = emit
}

// Request evaluates policy and, when no auto-decision applies, registers the
// request and races a user resolution against the timeout. Cancellation of
// ctx wins over a late timer.
func (g *Gate) Request(ctx context.Context, policy ports.ApprovalPolicy, req ports.ApprovalRequest) (ports.ApprovalResponse, error) {
	if resp, decided := Evaluate(policy, req); decided {
		requestID := id.NewApprovalID()
		g.record(requestID, resp)
		g.emitDecision(requestID, resp)
		return resp, nil
	}

	requestID := id.NewApprovalID()
	p := &pendingRequest{done: make(chan ports.ApprovalResponse, 1)}

	g.mu.Lock()
	g.pending[requestID] = p
	emit := g.emit
	g.mu.Unlock()

	emit(ports.ApprovalRequestedEvent{ApprovalID: requestID, Request: req})

	timer := time.NewTimer(g.timeoutFor(policy, req))
	defer timer.Stop()

	select {
	case resp := <-p.done:
		return resp, nil
	case <-ctx.Done():
		resp := ports.ApprovalResponse{Decision: ports.DecisionReject, Reason: "canceled"}
		if g.claim(requestID, resp) {
			g.emitEvent(ports.ApprovalCanceledEvent{ApprovalID: requestID})
			return resp, nil
		}
		// A resolution won the race; honor it.
		return <-p.done, nil
	case <-timer.C:
		// A cancellation that fired together with the timer takes priority.
		if ctx.Err() != nil {
			resp := ports.ApprovalResponse{Decision: ports.DecisionReject, Reason: "canceled"}
			if g.claim(requestID, resp) {
				g.emitEvent(ports.ApprovalCanceledEvent{ApprovalID: requestID})
				return resp, nil
			}
			return <-p.done, nil
		}
		resp := ports.ApprovalResponse{Decision: ports.DecisionReject, Reason: "Request timed out"}
		if g.claim(requestID, resp) {
			g.emitEvent(ports.ApprovalTimeoutEvent{ApprovalID: requestID})
			return resp, nil
		}
		return <-p.done, nil
	}
}

// Resolve completes a pending request with an external decision. Resolving an
// unknown or already-resolved id is a no-op and returns false.
func (g *Gate) Resolve(requestID string, resp ports.ApprovalResponse) bool {
	if !g.claim(requestID, resp) {
		g.logger.Debug("ignoring duplicate resolution for %s", requestID)
		return false
	}
	g.emitDecision(requestID, resp)
	return true
}

// Cancel rejects a pending request with reason "canceled". Idempotent.
func (g *Gate) Cancel(requestID string) bool {
	resp := ports.ApprovalResponse{Decision: ports.DecisionReject, Reason: "canceled"}
	if !g.claim(requestID, resp) {
		return false
	}
	g.emitEvent(ports.ApprovalCanceledEvent{ApprovalID: requestID})
	return true
}

// CancelAll rejects every pending request. Used on interrupt and termination
// so no tool call stays parked on a decision that will never come.
func (g *Gate) CancelAll() int {
	g.mu.Lock()
	ids := make([]string, 0, len(g.pending))
	for requestID := range g.pending {
		ids = append(ids, requestID)
	}
	g.mu.Unlock()

	for _, requestID := range ids {
		g.Cancel(requestID)
	}
	return len(ids)
}

// Status reports where a request is in its lifecycle.
func (g *Gate) Status(requestID string) ports.ApprovalStatus {
	g.mu.Lock()
	_, isPending := g.pending[requestID]
	g.mu.Unlock()
	if isPending {
		return ports.ApprovalPending
	}
	if _, ok := g.resolved.Get(requestID); ok {
		return ports.ApprovalResolved
	}
	return ports.ApprovalUnknown
}

// PendingCount returns the number of unresolved requests.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// claim atomically moves a request from pending to resolved and delivers the
// response to the waiter. Returns false when the request was never pending or
// was already claimed.
func (g *Gate) claim(requestID string, resp ports.ApprovalResponse) bool {
	g.mu.Lock()
	p, ok := g.pending[requestID]
	if !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.pending, requestID)
	g.resolved.Add(requestID, resp)
	g.mu.Unlock()

	p.done <- resp
	return true
}

func (g *Gate) record(requestID string, resp ports.ApprovalResponse) {
	g.resolved.Add(requestID, resp)
}

func (g *Gate) timeoutFor(policy ports.ApprovalPolicy, req ports.ApprovalRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if policy.Timeout > 0 {
		return policy.Timeout
	}
	return g.timeout
}

func (g *Gate) emitDecision(requestID string, resp ports.ApprovalResponse) {
	if resp.Decision == ports.DecisionApprove {
		g.emitEvent(ports.ApprovalGrantedEvent{ApprovalID: requestID, Reason: resp.Reason})
		return
	}
	g.emitEvent(ports.ApprovalRejectedEvent{ApprovalID: requestID, Reason: resp.Reason})
}

func (g *Gate) emitEvent(msg ports.EventMsg) {
	g.mu.Lock()
	emit := g.emit
	g.mu.Unlock()
	emit(msg)
}

// Evaluate runs the synchronous policy step. The second return value is false
// when the request must go to a human.
func Evaluate(policy ports.ApprovalPolicy, req ports.ApprovalRequest) (ports.ApprovalResponse, bool) {
	switch policy.Mode {
	case ports.ApprovalNeverAsk:
		return ports.ApprovalResponse{Decision: ports.DecisionApprove, Reason: "policy: never_ask"}, true

	case ports.ApprovalAutoApproveSafe:
		if ports.RiskRank(req.Risk) > ports.RiskRank(ports.RiskLow) {
			return ports.ApprovalResponse{}, false
		}
		if len(policy.AllowedCommands) > 0 || len(policy.AllowedDomains) > 0 {
			if matchesList(req.Command, policy.AllowedCommands) || matchesList(req.Domain, policy.AllowedDomains) {
				return ports.ApprovalResponse{Decision: ports.DecisionApprove, Reason: "policy: allow-list match"}, true
			}
			return ports.ApprovalResponse{}, false
		}
		return ports.ApprovalResponse{Decision: ports.DecisionApprove, Reason: "policy: low risk"}, true

	case ports.ApprovalAutoRejectUnsafe:
		if ports.RiskRank(req.Risk) >= ports.RiskRank(ports.RiskHigh) {
			return ports.ApprovalResponse{Decision: ports.DecisionReject, Reason: "policy: risk too high"}, true
		}
		if matchesList(req.Command, policy.DeniedCommands) {
			return ports.ApprovalResponse{Decision: ports.DecisionReject, Reason: "policy: deny-list match"}, true
		}
		if policy.RiskThreshold != "" && ports.RiskExceeds(req.Risk, policy.RiskThreshold) {
			return ports.ApprovalResponse{Decision: ports.DecisionReject, Reason: "policy: risk threshold exceeded"}, true
		}
		return ports.ApprovalResponse{}, false

	case ports.ApprovalAlwaysAsk:
		return ports.ApprovalResponse{}, false

	default:
		// Unconfigured policies behave like always_ask.
		return ports.ApprovalResponse{}, false
	}
}

func matchesList(value string, list []string) bool {
	if value == "" {
		return false
	}
	for _, entry := range list {
		if entry == "" {
			continue
		}
		if value == entry || strings.HasPrefix(value, entry+" ") {
			return true
		}
	}
	return false
}

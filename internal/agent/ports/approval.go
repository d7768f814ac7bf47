package ports

import "time"

// RiskLevel grades how dangerous an action is. The order is total:
// low < medium < high < critical.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskOrder = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// RiskRank returns the position of level in the total order. Unknown levels
// rank above critical so malformed input is treated conservatively.
func RiskRank(level RiskLevel) int {
	if rank, ok := riskOrder[level]; ok {
		return rank
	}
	return len(riskOrder)
}

// RiskExceeds reports whether a is strictly riskier than b.
func RiskExceeds(a, b RiskLevel) bool {
	return RiskRank(a) > RiskRank(b)
}

// ApprovalMode selects how the gate decides before waiting on a human.
type ApprovalMode string

const (
	// ApprovalAlwaysAsk never auto-decides.
	ApprovalAlwaysAsk ApprovalMode = "always_ask"
	// ApprovalAutoApproveSafe approves low-risk requests that match the
	// allow-lists when configured.
	ApprovalAutoApproveSafe ApprovalMode = "auto_approve_safe"
	// ApprovalAutoRejectUnsafe rejects requests that are high risk, match a
	// deny-list, or exceed the configured threshold; everything else asks.
	ApprovalAutoRejectUnsafe ApprovalMode = "auto_reject_unsafe"
	// ApprovalNeverAsk auto-approves everything. Dangerous: only for
	// fully sandboxed environments.
	ApprovalNeverAsk ApprovalMode = "never_ask"
)

// ApprovalPolicy configures the gate's synchronous decision step.
type ApprovalPolicy struct {
	Mode            ApprovalMode  `json:"mode"`
	AllowedCommands []string      `json:"allowed_commands,omitempty"`
	AllowedDomains  []string      `json:"allowed_domains,omitempty"`
	DeniedCommands  []string      `json:"denied_commands,omitempty"`
	RiskThreshold   RiskLevel     `json:"risk_threshold,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
}

// ApprovalRequest describes an action awaiting sign-off.
type ApprovalRequest struct {
	Risk    RiskLevel
	Command string
	Domain  string
	Diff    string
	Summary string
	Timeout time.Duration // overrides the policy timeout when > 0
}

// Decision is the terminal outcome of an approval request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ApprovalResponse records how a request was resolved.
type ApprovalResponse struct {
	Decision Decision
	Reason   string
}

// ApprovalStatus describes a request's lifecycle position.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalResolved ApprovalStatus = "resolved"
	ApprovalUnknown  ApprovalStatus = "unknown"
)

package ports

// ItemType discriminates conversation history entries.
type ItemType string

const (
	ItemMessage            ItemType = "message"
	ItemReasoning          ItemType = "reasoning"
	ItemFunctionCall       ItemType = "function_call"
	ItemFunctionCallOutput ItemType = "function_call_output"
)

// ResponseItem is one entry of conversation history. History is append-only
// except for compaction, which may truncate the oldest entries.
type ResponseItem interface {
	ItemType() ItemType
}

// MessageItem is a plain role/content message.
type MessageItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (MessageItem) ItemType() ItemType { return ItemMessage }

// ReasoningItem carries model thinking text that is excluded from later prompts.
type ReasoningItem struct {
	Summary string `json:"summary"`
}

func (ReasoningItem) ItemType() ItemType { return ItemReasoning }

// FunctionCallItem records a tool invocation requested by the model.
type FunctionCallItem struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	CallID    string `json:"call_id"`
}

func (FunctionCallItem) ItemType() ItemType { return ItemFunctionCall }

// FunctionCallOutputItem records the result paired to a FunctionCallItem.
type FunctionCallOutputItem struct {
	CallID  string `json:"call_id"`
	Output  string `json:"output"`
	Success bool   `json:"success"`
}

func (FunctionCallOutputItem) ItemType() ItemType { return ItemFunctionCallOutput }

// InputItem is user-provided input. Items submitted while a task is running
// are queued on the session and merged into the next turn.
type InputItem struct {
	Text string `json:"text"`
}

// ReasoningEffort mirrors the model reasoning knobs carried on the turn context.
type ReasoningEffort string

const (
	ReasoningEffortLow    ReasoningEffort = "low"
	ReasoningEffortMedium ReasoningEffort = "medium"
	ReasoningEffortHigh   ReasoningEffort = "high"
)

// TurnContext is the per-turn configuration snapshot. It is owned by the
// session; executors receive read-only copies.
type TurnContext struct {
	Cwd              string          `json:"cwd"`
	ApprovalPolicy   ApprovalPolicy  `json:"approval_policy"`
	SandboxPolicy    string          `json:"sandbox_policy"`
	Model            string          `json:"model"`
	ReasoningEffort  ReasoningEffort `json:"reasoning_effort,omitempty"`
	ReasoningSummary string          `json:"reasoning_summary,omitempty"`
}

// TurnContextOverride applies non-zero fields onto a TurnContext.
type TurnContextOverride struct {
	Cwd              string
	ApprovalPolicy   *ApprovalPolicy
	SandboxPolicy    string
	Model            string
	ReasoningEffort  ReasoningEffort
	ReasoningSummary string
}

// Apply merges the override into tc and returns the result.
func (o TurnContextOverride) Apply(tc TurnContext) TurnContext {
	if o.Cwd != "" {
		tc.Cwd = o.Cwd
	}
	if o.ApprovalPolicy != nil {
		tc.ApprovalPolicy = *o.ApprovalPolicy
	}
	if o.SandboxPolicy != "" {
		tc.SandboxPolicy = o.SandboxPolicy
	}
	if o.Model != "" {
		tc.Model = o.Model
	}
	if o.ReasoningEffort != "" {
		tc.ReasoningEffort = o.ReasoningEffort
	}
	if o.ReasoningSummary != "" {
		tc.ReasoningSummary = o.ReasoningSummary
	}
	return tc
}

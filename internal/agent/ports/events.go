package ports

import "time"

// EventType discriminates the event union emitted by the core.
type EventType string

const (
	EventTaskStarted       EventType = "task_started"
	EventTaskComplete      EventType = "task_complete"
	EventAgentMessageDelta EventType = "agent_message_delta"
	EventAgentMessage      EventType = "agent_message"
	EventToolCallBegin     EventType = "tool_call_begin"
	EventToolCallEnd       EventType = "tool_call_end"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalGranted   EventType = "approval_granted"
	EventApprovalRejected  EventType = "approval_rejected"
	EventApprovalTimeout   EventType = "approval_timeout"
	EventApprovalCanceled  EventType = "approval_canceled"
	EventStreamRetry       EventType = "stream_retry"
	EventTurnAborted       EventType = "turn_aborted"
	EventError             EventType = "error"
	EventTokenCount        EventType = "token_count"
	EventHistory           EventType = "history"
	EventPath              EventType = "path"
	EventShutdownComplete  EventType = "shutdown_complete"
)

// EventMsg is one member of the closed event union.
type EventMsg interface {
	Type() EventType
}

// Event correlates an event message with the submission that produced it.
type Event struct {
	ID  string
	Msg EventMsg
}

// AbortReason explains a TurnAborted event.
type AbortReason string

const (
	AbortUserInterrupt AbortReason = "user_interrupt"
	AbortTurnTimeout   AbortReason = "turn_timeout"
	AbortShutdown      AbortReason = "shutdown"
)

type TaskStartedEvent struct{}

func (TaskStartedEvent) Type() EventType { return EventTaskStarted }

// TaskCompleteEvent is the terminal event of a successful task.
type TaskCompleteEvent struct {
	LastAgentMessage string
}

func (TaskCompleteEvent) Type() EventType { return EventTaskComplete }

// AgentMessageDeltaEvent streams incremental assistant output.
type AgentMessageDeltaEvent struct {
	Delta string
}

func (AgentMessageDeltaEvent) Type() EventType { return EventAgentMessageDelta }

// AgentMessageEvent carries a completed assistant message.
type AgentMessageEvent struct {
	Message string
}

func (AgentMessageEvent) Type() EventType { return EventAgentMessage }

type ToolCallBeginEvent struct {
	CallID    string
	ToolName  string
	Arguments string
}

func (ToolCallBeginEvent) Type() EventType { return EventToolCallBegin }

type ToolCallEndEvent struct {
	CallID  string
	Output  string
	Success bool
}

func (ToolCallEndEvent) Type() EventType { return EventToolCallEnd }

type ApprovalRequestedEvent struct {
	ApprovalID string
	Request    ApprovalRequest
}

func (ApprovalRequestedEvent) Type() EventType { return EventApprovalRequested }

type ApprovalGrantedEvent struct {
	ApprovalID string
	Reason     string
}

func (ApprovalGrantedEvent) Type() EventType { return EventApprovalGranted }

type ApprovalRejectedEvent struct {
	ApprovalID string
	Reason     string
}

func (ApprovalRejectedEvent) Type() EventType { return EventApprovalRejected }

type ApprovalTimeoutEvent struct {
	ApprovalID string
}

func (ApprovalTimeoutEvent) Type() EventType { return EventApprovalTimeout }

type ApprovalCanceledEvent struct {
	ApprovalID string
}

func (ApprovalCanceledEvent) Type() EventType { return EventApprovalCanceled }

// StreamRetryEvent is emitted before each retry sleep so callers can surface
// transient stream failures without treating them as terminal.
type StreamRetryEvent struct {
	Attempt int
	Delay   time.Duration
	Message string
}

func (StreamRetryEvent) Type() EventType { return EventStreamRetry }

type TurnAbortedEvent struct {
	Reason AbortReason
}

func (TurnAbortedEvent) Type() EventType { return EventTurnAborted }

// ErrorEvent is the terminal event of a failed submission.
type ErrorEvent struct {
	Message string
}

func (ErrorEvent) Type() EventType { return EventError }

// TokenCountEvent reports token usage observed after a turn.
type TokenCountEvent struct {
	Usage TokenUsage
}

func (TokenCountEvent) Type() EventType { return EventTokenCount }

// HistoryEvent carries a snapshot of conversation history.
type HistoryEvent struct {
	Items []ResponseItem
}

func (HistoryEvent) Type() EventType { return EventHistory }

// PathEvent reports the session working directory.
type PathEvent struct {
	Cwd string
}

func (PathEvent) Type() EventType { return EventPath }

type ShutdownCompleteEvent struct{}

func (ShutdownCompleteEvent) Type() EventType { return EventShutdownComplete }

// EventListener consumes events (used by CLI/streaming layers). Delivery is
// best effort; a failing listener must never crash the core.
type EventListener interface {
	OnEvent(event Event)
}

// EventListenerFunc adapts a function to the EventListener interface.
type EventListenerFunc func(event Event)

func (f EventListenerFunc) OnEvent(event Event) { f(event) }

package ports

import "context"

// StreamEventType discriminates model stream events.
type StreamEventType string

const (
	StreamContentDelta    StreamEventType = "content_delta"
	StreamToolCall        StreamEventType = "tool_call"
	StreamMessageComplete StreamEventType = "message_complete"
	StreamCompleted       StreamEventType = "completed"
)

// StreamEvent is one frame of a model response stream.
type StreamEvent interface {
	StreamType() StreamEventType
}

// ContentDeltaEvent carries an incremental chunk of assistant text.
type ContentDeltaEvent struct {
	Delta string
}

func (ContentDeltaEvent) StreamType() StreamEventType { return StreamContentDelta }

// ToolCallEvent asks the caller to execute a tool before the turn can finish.
type ToolCallEvent struct {
	Name      string
	Arguments string
	CallID    string
}

func (ToolCallEvent) StreamType() StreamEventType { return StreamToolCall }

// MessageCompleteEvent closes the assistant message for this turn.
type MessageCompleteEvent struct {
	Role    string
	Content string
}

func (MessageCompleteEvent) StreamType() StreamEventType { return StreamMessageComplete }

// CompletedEvent is the final frame; it carries usage when the backend
// reports it.
type CompletedEvent struct {
	Usage *TokenUsage
}

func (CompletedEvent) StreamType() StreamEventType { return StreamCompleted }

// TokenUsage tracks token consumption reported by the model backend.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolDefinition advertises a tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// TurnRequest is the model-facing view of one turn.
type TurnRequest struct {
	Model            string
	Input            []ResponseItem
	Tools            []ToolDefinition
	ReasoningEffort  ReasoningEffort
	ReasoningSummary string
}

// ModelStream yields stream events in arrival order. Events() is closed when
// the stream ends; Err() reports the failure, if any, after the close.
type ModelStream interface {
	Events() <-chan StreamEvent
	Err() error
}

// ModelClient is the opaque model backend capability. Implementations must
// honor ctx cancellation by tearing down the underlying connection rather
// than draining it to completion.
type ModelClient interface {
	StreamTurn(ctx context.Context, req TurnRequest) (ModelStream, error)
	Model() string
}

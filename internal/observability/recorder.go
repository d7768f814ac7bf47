package observability

import "tern/internal/agent/ports"

// EventRecorder translates core events into metrics. Attach it to the agent
// as an ordinary listener; it is as best-effort as any other sink.
type EventRecorder struct {
	metrics *Metrics
}

var _ ports.EventListener = (*EventRecorder)(nil)

// NewEventRecorder builds a recorder; a nil metrics collector yields a
// recorder that does nothing.
func NewEventRecorder(metrics *Metrics) *EventRecorder {
	return &EventRecorder{metrics: metrics}
}

func (r *EventRecorder) OnEvent(event ports.Event) {
	switch msg := event.Msg.(type) {
	case ports.StreamRetryEvent:
		r.metrics.TurnRetried()
	case ports.ToolCallBeginEvent:
		r.metrics.ToolCalled(msg.ToolName)
	case ports.ApprovalGrantedEvent:
		r.metrics.ApprovalDecided("approve")
	case ports.ApprovalRejectedEvent:
		r.metrics.ApprovalDecided("reject")
	case ports.ApprovalTimeoutEvent:
		r.metrics.ApprovalDecided("timeout")
	case ports.ApprovalCanceledEvent:
		r.metrics.ApprovalDecided("canceled")
	}
}

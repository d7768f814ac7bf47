// Package session owns conversation state: history, turn configuration, and
// input queued while a task is mid-flight.
package session

import (
	"fmt"
	"sync"

	"tern/internal/agent/ports"
	"tern/internal/logging"
)

// Session holds the state of one conversation. It lives from creation until
// shutdown. The core's submission queue guarantees at most one task mutates a
// session at a time, but status reads and exports may be concurrent, so all
// access is mutex-guarded.
type Session struct {
	mu             sync.Mutex
	conversationID string
	history        []ports.ResponseItem
	reviewHistory  []ports.ResponseItem
	reviewMode     bool
	turnContext    ports.TurnContext
	pendingInput   []ports.InputItem
	logger         logging.Logger
}

// New creates a session with the given starting turn context.
func New(conversationID string, tc ports.TurnContext, logger logging.Logger) *Session {
	return &Session{
		conversationID: conversationID,
		turnContext:    tc,
		logger:         logging.OrNop(logger),
	}
}

// ConversationID returns the stable conversation identifier.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// RecordItems appends items to the active history. In review mode the items
// land in the isolated review history instead of the main conversation.
func (s *Session) RecordItems(items ...ports.ResponseItem) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reviewMode {
		s.reviewHistory = append(s.reviewHistory, items...)
		return
	}
	s.history = append(s.history, items...)
}

// History returns a copy of the active history.
func (s *Session) History() []ports.ResponseItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.history
	if s.reviewMode {
		src = s.reviewHistory
	}
	out := make([]ports.ResponseItem, len(src))
	copy(out, src)
	return out
}

// MessageCount returns the number of items in the main history.
func (s *Session) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// StartReview switches recording into an isolated history that is discarded
// by EndReview. Review tasks never contaminate the main conversation.
func (s *Session) StartReview() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviewMode = true
	s.reviewHistory = nil
}

// EndReview leaves review mode and drops the review history.
func (s *Session) EndReview() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviewMode = false
	s.reviewHistory = nil
}

// InReview reports whether the session is recording to the review history.
func (s *Session) InReview() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reviewMode
}

// PushPendingInput queues input submitted while a task is running.
func (s *Session) PushPendingInput(items ...ports.InputItem) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingInput = append(s.pendingInput, items...)
}

// TakePendingInput drains the pending input queue in submission order.
func (s *Session) TakePendingInput() []ports.InputItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.pendingInput
	s.pendingInput = nil
	return items
}

// SnapshotTurnContext returns the turn context as a read-only copy.
func (s *Session) SnapshotTurnContext() ports.TurnContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnContext
}

// ApplyTurnContextOverride merges the override into the stored context.
func (s *Session) ApplyTurnContextOverride(override ports.TurnContextOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnContext = override.Apply(s.turnContext)
}

// EstimateTokens estimates the token weight of the main history.
func (s *Session) EstimateTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, item := range s.history {
		total += itemTokens(item)
	}
	return total
}

// Compact truncates the oldest history entries, keeping at least keepRecent
// items plus a bridge note. Function call/output pairs are never split: when
// the cut would orphan an output, the cut moves past it so the pair is
// dropped together. Returns the number of items dropped.
func (s *Session) Compact(keepRecent int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keepRecent < 0 {
		keepRecent = 0
	}
	if len(s.history) <= keepRecent {
		return 0
	}

	cut := len(s.history) - keepRecent
	// Dropped call ids; outputs at the head of the kept window that refer
	// to them are dropped too.
	dropped := make(map[string]bool)
	for _, item := range s.history[:cut] {
		if call, ok := item.(ports.FunctionCallItem); ok {
			dropped[call.CallID] = true
		}
	}
	for cut < len(s.history) {
		output, ok := s.history[cut].(ports.FunctionCallOutputItem)
		if !ok || !dropped[output.CallID] {
			break
		}
		cut++
	}

	if cut == 0 {
		return 0
	}

	kept := make([]ports.ResponseItem, 0, len(s.history)-cut+1)
	kept = append(kept, ports.MessageItem{
		Role:    "system",
		Content: fmt.Sprintf("[%d earlier conversation items were truncated to fit the context window]", cut),
	})
	kept = append(kept, s.history[cut:]...)
	s.logger.Info("compacted history: dropped=%d kept=%d", cut, len(kept)-1)
	s.history = kept
	return cut
}

// Snapshot is the exportable view of a session for external persistence.
// The core never decides when or where snapshots are written.
type Snapshot struct {
	ConversationID string               `json:"conversation_id"`
	History        []ports.ResponseItem `json:"history"`
	TurnContext    ports.TurnContext    `json:"turn_context"`
	MessageCount   int                  `json:"message_count"`
}

// Export returns a snapshot of the main conversation.
func (s *Session) Export() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]ports.ResponseItem, len(s.history))
	copy(history, s.history)
	return Snapshot{
		ConversationID: s.conversationID,
		History:        history,
		TurnContext:    s.turnContext,
		MessageCount:   len(s.history),
	}
}

// Import replaces session state from a snapshot.
func (s *Session) Import(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = snapshot.ConversationID
	s.history = make([]ports.ResponseItem, len(snapshot.History))
	copy(s.history, snapshot.History)
	s.turnContext = snapshot.TurnContext
	s.pendingInput = nil
}

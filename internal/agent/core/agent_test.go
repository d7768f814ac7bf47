package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tern/internal/agent/approval"
	"tern/internal/agent/ports"
	"tern/internal/agent/session"
	terrors "tern/internal/errors"
	"tern/internal/llm"
	"tern/internal/tools"
)

type collectingListener struct {
	mu     sync.Mutex
	events []ports.Event
}

func (l *collectingListener) OnEvent(event ports.Event) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *collectingListener) snapshot() []ports.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ports.Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *collectingListener) forSubmission(subID string) []ports.EventMsg {
	var out []ports.EventMsg
	for _, event := range l.snapshot() {
		if event.ID == subID {
			out = append(out, event.Msg)
		}
	}
	return out
}

// waitTerminal polls until the submission has a terminal event and returns it.
func (l *collectingListener) waitTerminal(t *testing.T, subID string) ports.EventMsg {
	t.Helper()
	var terminal ports.EventMsg
	require.Eventually(t, func() bool {
		for _, msg := range l.forSubmission(subID) {
			switch msg.(type) {
			case ports.TaskCompleteEvent, ports.ErrorEvent, ports.TurnAbortedEvent, ports.ShutdownCompleteEvent:
				terminal = msg
				return true
			}
		}
		return false
	}, 3*time.Second, 2*time.Millisecond)
	return terminal
}

func newTestAgent(t *testing.T, client ports.ModelClient, policy ports.ApprovalPolicy) (*Agent, *collectingListener, *approval.Gate) {
	t.Helper()

	sess := session.New("conv-test", ports.TurnContext{Model: "test-model", ApprovalPolicy: policy}, nil)
	gate := approval.New(nil, nil)

	registry := tools.NewRegistry(nil)
	tools.RegisterBuiltins(registry, t.TempDir())
	gated := approval.NewGatedRunner(registry, gate, func() ports.ApprovalPolicy {
		return sess.SnapshotTurnContext().ApprovalPolicy
	}, nil, nil)

	agent := New(sess, client, gated, gate, Config{
		Retry: terrors.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, nil, nil)

	listener := &collectingListener{}
	agent.AddListener(listener)
	t.Cleanup(agent.Terminate)
	return agent, listener, gate
}

func finalMessage(text string) llm.ScriptStep {
	return llm.ScriptStep{Events: []ports.StreamEvent{
		ports.MessageCompleteEvent{Role: "assistant", Content: text},
		ports.CompletedEvent{Usage: &ports.TokenUsage{TotalTokens: 10}},
	}}
}

func TestSubmitTaskEmitsExactlyOneTerminalEvent(t *testing.T) {
	client := llm.NewScriptedClient("test-model", finalMessage("done"))
	agent, listener, _ := newTestAgent(t, client, ports.ApprovalPolicy{Mode: ports.ApprovalNeverAsk})

	subID, err := agent.Submit(ports.UserInputOp{Items: []ports.InputItem{{Text: "hi"}}})
	require.NoError(t, err)

	terminal := listener.waitTerminal(t, subID)
	complete, ok := terminal.(ports.TaskCompleteEvent)
	require.True(t, ok, "expected TaskComplete, got %T", terminal)
	require.Equal(t, "done", complete.LastAgentMessage)

	// Exactly one terminal event for the submission.
	terminals := 0
	for _, msg := range listener.forSubmission(subID) {
		switch msg.(type) {
		case ports.TaskCompleteEvent, ports.ErrorEvent, ports.TurnAbortedEvent:
			terminals++
		}
	}
	require.Equal(t, 1, terminals)
}

func TestSubmitTaskErrorEmitsErrorEvent(t *testing.T) {
	client := llm.NewScriptedClient("test-model",
		llm.ScriptStep{StartErr: errors.New("invalid api key")},
	)
	agent, listener, _ := newTestAgent(t, client, ports.ApprovalPolicy{Mode: ports.ApprovalNeverAsk})

	subID, err := agent.Submit(ports.UserInputOp{Items: []ports.InputItem{{Text: "hi"}}})
	require.NoError(t, err)

	terminal := listener.waitTerminal(t, subID)
	errEvent, ok := terminal.(ports.ErrorEvent)
	require.True(t, ok, "expected Error, got %T", terminal)
	require.Contains(t, errEvent.Message, "Authentication failed")
}

func TestSubmissionsExecuteInOrder(t *testing.T) {
	client := llm.NewScriptedClient("test-model", finalMessage("first"), finalMessage("second"))
	agent, listener, _ := newTestAgent(t, client, ports.ApprovalPolicy{Mode: ports.ApprovalNeverAsk})

	sub1, err := agent.Submit(ports.UserInputOp{Items: []ports.InputItem{{Text: "one"}}})
	require.NoError(t, err)
	terminal := listener.waitTerminal(t, sub1)
	require.Equal(t, "first", terminal.(ports.TaskCompleteEvent).LastAgentMessage)

	sub2, err := agent.Submit(ports.UserInputOp{Items: []ports.InputItem{{Text: "two"}}})
	require.NoError(t, err)
	terminal = listener.waitTerminal(t, sub2)
	require.Equal(t, "second", terminal.(ports.TaskCompleteEvent).LastAgentMessage)
}

func TestTerminateIsIdempotent(t *testing.T) {
	client := llm.NewScriptedClient("test-model", finalMessage("done"))
	agent, _, _ := newTestAgent(t, client, ports.ApprovalPolicy{Mode: ports.ApprovalNeverAsk})

	agent.Terminate()
	require.Equal(t, LifecycleTerminated, agent.Lifecycle())
	agent.Terminate()
	agent.Terminate()
	require.Equal(t, LifecycleTerminated, agent.Lifecycle())
}

func TestSubmitAfterTerminateFails(t *testing.T) {
	client := llm.NewScriptedClient("test-model")
	agent, _, _ := newTestAgent(t, client, ports.ApprovalPolicy{Mode: ports.ApprovalNeverAsk})

	agent.Terminate()
	_, err := agent.Submit(ports.UserInputOp{Items: []ports.InputItem{{Text: "too late"}}})
	require.ErrorIs(t, err, ErrTerminated)
}

func TestShutdownOpTerminatesAndEmitsShutdownComplete(t *testing.T) {
	client := llm.NewScriptedClient("test-model")
	agent, listener, _ := newTestAgent(t, client, ports.ApprovalPolicy{Mode: ports.ApprovalNeverAsk})

	subID, err := agent.Submit(ports.ShutdownOp{})
	require.NoError(t, err)

	terminal := listener.waitTerminal(t, subID)
	require.IsType(t, ports.ShutdownCompleteEvent{}, terminal)
	require.Equal(t, LifecycleTerminated, agent.Lifecycle())

	_, err = agent.Submit(ports.UserInputOp{Items: []ports.InputItem{{Text: "x"}}})
	require.ErrorIs(t, err, ErrTerminated)
}

func TestAddToHistoryEmitsSnapshot(t *testing.T) {
	client := llm.NewScriptedClient("test-model")
	agent, listener, _ := newTestAgent(t, client, ports.ApprovalPolicy{Mode: ports.ApprovalNeverAsk})

	subID, err := agent.Submit(ports.AddToHistoryOp{Items: []ports.ResponseItem{
		ports.MessageItem{Role: "user", Content: "imported"},
	}})
	require.NoError(t, err)
	listener.waitTerminal(t, subID)

	var history *ports.HistoryEvent
	for _, msg := range listener.forSubmission(subID) {
		if h, ok := msg.(ports.HistoryEvent); ok {
			history = &h
		}
	}
	require.NotNil(t, history)
	require.Len(t, history.Items, 1)
	require.Equal(t, ports.MessageItem{Role: "user", Content: "imported"}, history.Items[0])
}

func TestShutdownAbortsActiveTaskAsShutdown(t *testing.T) {
	blocker := newBlockingModel()
	agent, listener, _ := newTestAgent(t, blocker, ports.ApprovalPolicy{Mode: ports.ApprovalNeverAsk})

	taskSub, err := agent.Submit(ports.UserInputOp{Items: []ports.InputItem{{Text: "slow"}}})
	require.NoError(t, err)
	<-blocker.started

	_, err = agent.Submit(ports.ShutdownOp{})
	require.NoError(t, err)

	terminal := listener.waitTerminal(t, taskSub)
	aborted, ok := terminal.(ports.TurnAbortedEvent)
	require.True(t, ok, "expected TurnAborted, got %T", terminal)
	require.Equal(t, ports.AbortShutdown, aborted.Reason)
}

func TestShutdownClearsStaleQueuedEvents(t *testing.T) {
	client := llm.NewScriptedClient("test-model", finalMessage("done"))
	agent, listener, _ := newTestAgent(t, client, ports.ApprovalPolicy{Mode: ports.ApprovalNeverAsk})

	// Run a task without reading the event channel, leaving its events queued.
	taskSub, err := agent.Submit(ports.UserInputOp{Items: []ports.InputItem{{Text: "hi"}}})
	require.NoError(t, err)
	listener.waitTerminal(t, taskSub)

	shutdownSub, err := agent.Submit(ports.ShutdownOp{})
	require.NoError(t, err)

	// The channel's tail is the shutdown submission only.
	first, ok := agent.NextEvent()
	require.True(t, ok)
	require.Equal(t, shutdownSub, first.ID)
	require.IsType(t, ports.TaskStartedEvent{}, first.Msg)

	second, ok := agent.NextEvent()
	require.True(t, ok)
	require.IsType(t, ports.ShutdownCompleteEvent{}, second.Msg)

	_, ok = agent.NextEvent()
	require.False(t, ok)
}

func TestInterruptAbortsActiveTask(t *testing.T) {
	blocker := newBlockingModel()
	agent, listener, _ := newTestAgent(t, blocker, ports.ApprovalPolicy{Mode: ports.ApprovalNeverAsk})

	taskSub, err := agent.Submit(ports.UserInputOp{Items: []ports.InputItem{{Text: "slow"}}})
	require.NoError(t, err)
	<-blocker.started

	intSub, err := agent.Submit(ports.InterruptOp{})
	require.NoError(t, err)

	require.IsType(t, ports.TurnAbortedEvent{}, listener.waitTerminal(t, intSub))
	terminal := listener.waitTerminal(t, taskSub)
	aborted, ok := terminal.(ports.TurnAbortedEvent)
	require.True(t, ok, "expected TurnAborted, got %T", terminal)
	require.Equal(t, ports.AbortUserInterrupt, aborted.Reason)

	// The agent accepts new work after an interrupt.
	require.Equal(t, LifecycleRunning, agent.Lifecycle())
}

func TestInterruptClearsQueuedSubmissions(t *testing.T) {
	blocker := newBlockingModel()
	agent, listener, _ := newTestAgent(t, blocker, ports.ApprovalPolicy{Mode: ports.ApprovalNeverAsk})

	taskSub, err := agent.Submit(ports.UserInputOp{Items: []ports.InputItem{{Text: "slow"}}})
	require.NoError(t, err)
	<-blocker.started

	// Queued behind the active task; the interrupt must drop it unseen.
	// AddToHistory always travels the submission channel, so it cannot be
	// absorbed by the ongoing task the way user input is.
	queuedSub, err := agent.Submit(ports.AddToHistoryOp{Items: []ports.ResponseItem{
		ports.MessageItem{Role: "user", Content: "never lands"},
	}})
	require.NoError(t, err)

	_, err = agent.Submit(ports.InterruptOp{})
	require.NoError(t, err)
	listener.waitTerminal(t, taskSub)

	// A sentinel task proves the loop is draining again; by the time it
	// finishes, the dropped submission would have produced events if it ran.
	sentinel, err := agent.Submit(ports.UserInputOp{Items: []ports.InputItem{{Text: "after"}}})
	require.NoError(t, err)
	<-blocker.started
	blocker.finish("ok")
	listener.waitTerminal(t, sentinel)

	require.Empty(t, listener.forSubmission(queuedSub))
}

func TestUserInputDuringTaskIsInjected(t *testing.T) {
	blocker := newBlockingModel()
	agent, listener, _ := newTestAgent(t, blocker, ports.ApprovalPolicy{Mode: ports.ApprovalNeverAsk})

	taskSub, err := agent.Submit(ports.UserInputOp{Items: []ports.InputItem{{Text: "main"}}})
	require.NoError(t, err)
	<-blocker.started

	injectSub, err := agent.Submit(ports.UserInputOp{Items: []ports.InputItem{{Text: "extra"}}})
	require.NoError(t, err)
	// The injection acknowledges immediately without queueing a task.
	require.IsType(t, ports.TaskCompleteEvent{}, listener.waitTerminal(t, injectSub))

	blocker.finish("ok")
	listener.waitTerminal(t, taskSub)
}

func TestApprovalRoundTripThroughSubmit(t *testing.T) {
	client := llm.NewScriptedClient("test-model",
		llm.ScriptStep{Events: []ports.StreamEvent{
			ports.ToolCallEvent{Name: "echo", Arguments: `{"text":"hi"}`, CallID: "call-1"},
			ports.CompletedEvent{},
		}},
		finalMessage("done"),
	)
	agent, listener, _ := newTestAgent(t, client, ports.ApprovalPolicy{Mode: ports.ApprovalAlwaysAsk, Timeout: 5 * time.Second})

	taskSub, err := agent.Submit(ports.UserInputOp{Items: []ports.InputItem{{Text: "run echo"}}})
	require.NoError(t, err)

	// Wait for the approval request to surface.
	var approvalID string
	require.Eventually(t, func() bool {
		for _, event := range listener.snapshot() {
			if req, ok := event.Msg.(ports.ApprovalRequestedEvent); ok {
				approvalID = req.ApprovalID
				return true
			}
		}
		return false
	}, 3*time.Second, 2*time.Millisecond)

	_, err = agent.Submit(ports.ExecApprovalOp{
		ApprovalID: approvalID,
		Response:   ports.ApprovalResponse{Decision: ports.DecisionApprove, Reason: "ok"},
	})
	require.NoError(t, err)

	terminal := listener.waitTerminal(t, taskSub)
	require.IsType(t, ports.TaskCompleteEvent{}, terminal)

	// The tool ran: its end event reports success.
	var toolEnd *ports.ToolCallEndEvent
	for _, msg := range listener.forSubmission(taskSub) {
		if end, ok := msg.(ports.ToolCallEndEvent); ok {
			toolEnd = &end
		}
	}
	require.NotNil(t, toolEnd)
	require.True(t, toolEnd.Success)
}

func TestGetPathOp(t *testing.T) {
	client := llm.NewScriptedClient("test-model")
	agent, listener, _ := newTestAgent(t, client, ports.ApprovalPolicy{Mode: ports.ApprovalNeverAsk})

	subID, err := agent.Submit(ports.GetPathOp{})
	require.NoError(t, err)
	listener.waitTerminal(t, subID)

	var sawPath bool
	for _, msg := range listener.forSubmission(subID) {
		if _, ok := msg.(ports.PathEvent); ok {
			sawPath = true
		}
	}
	require.True(t, sawPath)
}

func TestOverrideTurnContextOp(t *testing.T) {
	client := llm.NewScriptedClient("test-model", finalMessage("done"))
	agent, listener, _ := newTestAgent(t, client, ports.ApprovalPolicy{Mode: ports.ApprovalNeverAsk})

	subID, err := agent.Submit(ports.OverrideTurnContextOp{Override: ports.TurnContextOverride{Model: "bigger-model"}})
	require.NoError(t, err)
	listener.waitTerminal(t, subID)

	taskSub, err := agent.Submit(ports.UserInputOp{Items: []ports.InputItem{{Text: "hi"}}})
	require.NoError(t, err)
	listener.waitTerminal(t, taskSub)

	requests := client.Requests()
	require.NotEmpty(t, requests)
	require.Equal(t, "bigger-model", requests[0].Model)
}

// blockingModel parks the stream until finish or cancellation.
type blockingModel struct {
	started chan struct{}
	release chan string
}

func newBlockingModel() *blockingModel {
	return &blockingModel{started: make(chan struct{}, 4), release: make(chan string, 1)}
}

func (m *blockingModel) Model() string { return "test-model" }

func (m *blockingModel) finish(text string) {
	m.release <- text
}

func (m *blockingModel) StreamTurn(ctx context.Context, req ports.TurnRequest) (ports.ModelStream, error) {
	select {
	case m.started <- struct{}{}:
	default:
	}
	stream := &testStream{events: make(chan ports.StreamEvent, 4)}
	go func() {
		defer close(stream.events)
		select {
		case text := <-m.release:
			stream.events <- ports.MessageCompleteEvent{Role: "assistant", Content: text}
			stream.events <- ports.CompletedEvent{}
		case <-ctx.Done():
			stream.mu.Lock()
			stream.err = ctx.Err()
			stream.mu.Unlock()
		}
	}()
	return stream, nil
}

type testStream struct {
	events chan ports.StreamEvent
	mu     sync.Mutex
	err    error
}

func (s *testStream) Events() <-chan ports.StreamEvent { return s.events }

func (s *testStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Package core implements the submission/event queue that serializes work
// into the agent: submissions execute strictly one at a time, events stream
// out to the caller, and termination unwinds everything in flight.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"tern/internal/agent/approval"
	"tern/internal/agent/ports"
	"tern/internal/agent/session"
	"tern/internal/agent/task"
	"tern/internal/agent/turn"
	terrors "tern/internal/errors"
	"tern/internal/logging"
	"tern/internal/observability"
	"tern/internal/utils/id"
)

// Lifecycle is the agent's termination state machine. Transitions only move
// forward: Idle → Running → Terminating → Terminated.
type Lifecycle int32

const (
	LifecycleIdle Lifecycle = iota
	LifecycleRunning
	LifecycleTerminating
	LifecycleTerminated
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleIdle:
		return "idle"
	case LifecycleRunning:
		return "running"
	case LifecycleTerminating:
		return "terminating"
	case LifecycleTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ErrTerminated is returned by Submit after shutdown or termination.
var ErrTerminated = errors.New("agent already terminated")

// Config tunes the core and the layers it builds per task.
type Config struct {
	Task             task.Config
	Retry            terrors.RetryConfig
	SubmissionBuffer int // default 256
	EventBuffer      int // default 1024
}

func (c Config) withDefaults() Config {
	if c.SubmissionBuffer <= 0 {
		c.SubmissionBuffer = 256
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	if c.Retry.MaxRetries == 0 && c.Retry.BaseDelay == 0 {
		c.Retry = terrors.DefaultRetryConfig()
	}
	return c
}

// Agent is one conversation's execution core.
type Agent struct {
	cfg     Config
	session *session.Session
	client  ports.ModelClient
	tools   ports.ToolRunner
	gate    *approval.Gate
	logger  logging.Logger
	metrics *observability.Metrics
	tracer  *observability.TracerProvider

	submissions chan ports.Submission
	events      chan ports.Event

	lifecycle atomic.Int32
	hardAbort context.CancelFunc
	rootCtx   context.Context

	mu           sync.Mutex
	activeRunner *task.Runner
	activeSubID  string
	loopDone     chan struct{}
	listeners    []ports.EventListener
}

// New wires an agent core. The gate's events are routed through the agent's
// event queue, tagged with the submission currently executing.
func New(sess *session.Session, client ports.ModelClient, toolRunner ports.ToolRunner, gate *approval.Gate, cfg Config, metrics *observability.Metrics, logger logging.Logger) *Agent {
	cfg = cfg.withDefaults()
	rootCtx, hardAbort := context.WithCancel(context.Background())
	a := &Agent{
		cfg:         cfg,
		session:     sess,
		client:      client,
		tools:       toolRunner,
		gate:        gate,
		logger:      logging.OrNop(logger),
		metrics:     metrics,
		submissions: make(chan ports.Submission, cfg.SubmissionBuffer),
		events:      make(chan ports.Event, cfg.EventBuffer),
		rootCtx:     rootCtx,
		hardAbort:   hardAbort,
		loopDone:    make(chan struct{}),
	}
	if gate != nil {
		gate.SetEmitter(func(msg ports.EventMsg) {
			a.emit(a.currentSubmissionID(), msg)
		})
	}
	a.lifecycle.Store(int32(LifecycleRunning))
	go a.processLoop()
	return a
}

// SetTracer attaches a tracer provider. Tasks started afterwards run under
// a span; a nil provider leaves tracing off.
func (a *Agent) SetTracer(tracer *observability.TracerProvider) {
	a.mu.Lock()
	a.tracer = tracer
	a.mu.Unlock()
}

// Lifecycle returns the current termination state.
func (a *Agent) Lifecycle() Lifecycle {
	return Lifecycle(a.lifecycle.Load())
}

// Events exposes the outbound event stream.
func (a *Agent) Events() <-chan ports.Event {
	return a.events
}

// NextEvent drains one event without blocking. ok is false when the queue is
// empty.
func (a *Agent) NextEvent() (event ports.Event, ok bool) {
	select {
	case event = <-a.events:
		return event, true
	default:
		return ports.Event{}, false
	}
}

// AddListener registers a best-effort event sink alongside the channel.
func (a *Agent) AddListener(listener ports.EventListener) {
	if listener == nil {
		return
	}
	a.mu.Lock()
	a.listeners = append(a.listeners, listener)
	a.mu.Unlock()
}

// Submit enqueues an operation and returns its submission id immediately.
// Interrupt and Shutdown jump the queue; UserInput sent while a task is
// running is injected into that task as pending input. Submit never blocks
// on task completion.
func (a *Agent) Submit(op ports.Operation) (string, error) {
	if state := a.Lifecycle(); state == LifecycleTerminating || state == LifecycleTerminated {
		return "", ErrTerminated
	}

	subID := id.NewSubmissionID()
	a.observeSubmission(op)

	switch typed := op.(type) {
	case ports.InterruptOp:
		a.handleInterrupt(subID)
		return subID, nil
	case ports.ShutdownOp:
		a.handleShutdown(subID)
		return subID, nil
	case ports.UserInputOp:
		if a.injectIntoActiveTask(subID, typed.Items) {
			return subID, nil
		}
	case ports.ExecApprovalOp:
		// Approvals resolve out of band: the queue consumer is parked inside
		// the gate waiting for exactly this decision.
		a.resolveApproval(subID, typed.ApprovalID, typed.Response)
		return subID, nil
	case ports.PatchApprovalOp:
		a.resolveApproval(subID, typed.ApprovalID, typed.Response)
		return subID, nil
	}

	select {
	case a.submissions <- ports.Submission{ID: subID, Op: op}:
		return subID, nil
	default:
		return "", fmt.Errorf("submission queue full (%d pending)", a.cfg.SubmissionBuffer)
	}
}

// Terminate is the idempotent global shutdown. The first call fires the
// hard-abort signal, cancels the active task, and rejects every pending
// approval; later calls are no-ops.
func (a *Agent) Terminate() {
	if !a.transition(LifecycleRunning, LifecycleTerminating) &&
		!a.transition(LifecycleIdle, LifecycleTerminating) {
		return
	}

	a.logger.Info("terminating agent core")
	a.hardAbort()
	a.cancelActiveTaskFor(ports.AbortShutdown)
	if a.gate != nil {
		a.gate.CancelAll()
	}
	a.drainSubmissions()

	a.lifecycle.Store(int32(LifecycleTerminated))
}

func (a *Agent) transition(from, to Lifecycle) bool {
	return a.lifecycle.CompareAndSwap(int32(from), int32(to))
}

// processLoop is the single consumer: one submission executes to completion
// before the next is dequeued.
func (a *Agent) processLoop() {
	defer close(a.loopDone)
	for {
		select {
		case sub := <-a.submissions:
			if a.Lifecycle() != LifecycleRunning {
				return
			}
			a.execute(sub)
		case <-a.rootCtx.Done():
			return
		}
	}
}

func (a *Agent) execute(sub ports.Submission) {
	a.setActiveSubmission(sub.ID)
	defer a.setActiveSubmission("")

	a.emit(sub.ID, ports.TaskStartedEvent{})

	switch op := sub.Op.(type) {
	case ports.UserInputOp:
		a.runTask(sub.ID, op.Items, nil)
	case ports.UserTurnOp:
		override := op.Override
		a.runTask(sub.ID, op.Items, &override)
	case ports.AddToHistoryOp:
		a.session.RecordItems(op.Items...)
		a.emit(sub.ID, ports.HistoryEvent{Items: a.session.History()})
		a.emit(sub.ID, ports.TaskCompleteEvent{})
	case ports.GetPathOp:
		a.emit(sub.ID, ports.PathEvent{Cwd: a.session.SnapshotTurnContext().Cwd})
		a.emit(sub.ID, ports.TaskCompleteEvent{})
	case ports.OverrideTurnContextOp:
		a.session.ApplyTurnContextOverride(op.Override)
		a.emit(sub.ID, ports.TaskCompleteEvent{})
	case ports.InterruptOp:
		// Interrupts are handled on the Submit fast path; one arriving via
		// the queue still aborts whatever is active.
		a.cancelActiveTask()
		a.emit(sub.ID, ports.TurnAbortedEvent{Reason: ports.AbortUserInterrupt})
	case ports.ShutdownOp:
		a.emit(sub.ID, ports.ShutdownCompleteEvent{})
		a.Terminate()
	}
}

func (a *Agent) runTask(subID string, items []ports.InputItem, override *ports.TurnContextOverride) {
	if override != nil {
		a.session.ApplyTurnContextOverride(*override)
	}

	emit := func(msg ports.EventMsg) { a.emit(subID, msg) }
	executor := turn.New(a.client, a.tools, a.cfg.Retry, emit, a.logger)
	runner := task.NewRunner(a.session, executor, a.cfg.Task, emit, a.logger)

	a.mu.Lock()
	a.activeRunner = runner
	tracer := a.tracer
	a.mu.Unlock()

	taskCtx := a.rootCtx
	if tracer != nil {
		var span trace.Span
		taskCtx, span = tracer.StartSpan(a.rootCtx, observability.SpanTaskRun, observability.SubmissionAttrs(subID)...)
		defer span.End()
	}

	stop := a.metrics.TaskTimer()
	result := runner.Run(taskCtx, items, a.tools.Definitions())
	stop()

	a.mu.Lock()
	a.activeRunner = nil
	a.mu.Unlock()

	switch {
	case result.Aborted:
		a.metrics.TaskFinished("aborted")
		a.emit(subID, ports.TurnAbortedEvent{Reason: result.AbortReason})
	case result.Err != nil:
		a.metrics.TaskFinished("error")
		a.emit(subID, ports.ErrorEvent{Message: terrors.UserMessage(result.Err)})
	default:
		a.metrics.TaskFinished("complete")
		a.emit(subID, ports.TaskCompleteEvent{LastAgentMessage: result.LastAgentMessage})
	}
}

func (a *Agent) resolveApproval(subID, approvalID string, resp ports.ApprovalResponse) {
	a.emit(subID, ports.TaskStartedEvent{})
	if a.gate == nil || !a.gate.Resolve(approvalID, resp) {
		a.logger.Debug("approval %s was not pending", approvalID)
	}
	a.emit(subID, ports.TaskCompleteEvent{})
}

// handleInterrupt clears queued submissions and aborts the active task. It
// cannot force-stop work already in flight beyond cancelling it; the turn
// executor's cancellation checks do the unwinding.
func (a *Agent) handleInterrupt(subID string) {
	dropped := a.drainSubmissions()
	if dropped > 0 {
		a.logger.Info("interrupt dropped %d queued submissions", dropped)
	}
	a.cancelActiveTask()
	if a.gate != nil {
		a.gate.CancelAll()
	}
	a.emit(subID, ports.TaskStartedEvent{})
	a.emit(subID, ports.TurnAbortedEvent{Reason: ports.AbortUserInterrupt})
}

func (a *Agent) handleShutdown(subID string) {
	a.drainSubmissions()
	a.cancelActiveTaskFor(ports.AbortShutdown)
	// Stale events from before the shutdown are dropped so the queue's tail
	// is the terminal marker.
	a.drainEvents()
	a.emit(subID, ports.TaskStartedEvent{})
	a.emit(subID, ports.ShutdownCompleteEvent{})
	a.Terminate()
}

// injectIntoActiveTask routes user input into the running task's pending
// queue. Returns false when no task is active.
func (a *Agent) injectIntoActiveTask(subID string, items []ports.InputItem) bool {
	a.mu.Lock()
	running := a.activeRunner != nil && a.activeRunner.State() == task.StateRunning
	a.mu.Unlock()
	if !running {
		return false
	}
	a.session.PushPendingInput(items...)
	a.emit(subID, ports.TaskStartedEvent{})
	a.emit(subID, ports.TaskCompleteEvent{})
	return true
}

func (a *Agent) cancelActiveTask() {
	a.cancelActiveTaskFor(ports.AbortUserInterrupt)
}

func (a *Agent) cancelActiveTaskFor(reason ports.AbortReason) {
	a.mu.Lock()
	runner := a.activeRunner
	a.mu.Unlock()
	if runner != nil {
		runner.CancelFor(reason)
	}
}

func (a *Agent) drainEvents() {
	for {
		select {
		case <-a.events:
		default:
			return
		}
	}
}

func (a *Agent) drainSubmissions() int {
	dropped := 0
	for {
		select {
		case <-a.submissions:
			dropped++
		default:
			return dropped
		}
	}
}

func (a *Agent) setActiveSubmission(subID string) {
	a.mu.Lock()
	a.activeSubID = subID
	a.mu.Unlock()
}

func (a *Agent) currentSubmissionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeSubID
}

// emit publishes an event to the channel and every listener. Delivery is
// best effort: a full channel drops the event with a log line, and a
// panicking listener is contained.
func (a *Agent) emit(subID string, msg ports.EventMsg) {
	event := ports.Event{ID: subID, Msg: msg}

	select {
	case a.events <- event:
	default:
		a.logger.Warn("event queue full, dropping %s", msg.Type())
	}

	a.mu.Lock()
	listeners := make([]ports.EventListener, len(a.listeners))
	copy(listeners, a.listeners)
	a.mu.Unlock()

	for _, listener := range listeners {
		a.notify(listener, event)
	}
}

func (a *Agent) notify(listener ports.EventListener, event ports.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("event listener panicked on %s: %v", event.Msg.Type(), rec)
		}
	}()
	listener.OnEvent(event)
}

func (a *Agent) observeSubmission(op ports.Operation) {
	a.metrics.SubmissionReceived(string(op.Kind()))
}

// Package task runs one task as a loop of turns: it merges queued user
// input, triggers compaction under context pressure, and owns cancellation
// for everything in flight.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tern/internal/agent/ports"
	"tern/internal/agent/session"
	"tern/internal/agent/turn"
	terrors "tern/internal/errors"
	"tern/internal/logging"
)

// State is the runner lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateAborted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Config tunes the task loop. Zero values fall back to defaults.
type Config struct {
	// MaxTurns bounds the turn loop (default 32).
	MaxTurns int
	// TurnTimeout races each turn against a timer when > 0.
	TurnTimeout time.Duration
	// ContextWindow is the model's token budget used for the compaction
	// high-water check (default 128000).
	ContextWindow int
	// CompactionThreshold is the high-water fraction of the context window
	// (default 0.90).
	CompactionThreshold float64
	// CompactionKeepRecent is how many recent history items survive a
	// compaction (default 16).
	CompactionKeepRecent int
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = 32
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = 128000
	}
	if c.CompactionThreshold <= 0 || c.CompactionThreshold > 1 {
		c.CompactionThreshold = 0.90
	}
	if c.CompactionKeepRecent <= 0 {
		c.CompactionKeepRecent = 16
	}
	return c
}

// Result is the terminal value of one task run.
type Result struct {
	Success          bool
	LastAgentMessage string
	Err              error
	Aborted          bool
	AbortReason      ports.AbortReason
}

// Runner executes one task. Create a fresh Runner per task; Cancel is safe
// from any goroutine, before or during Run, and is idempotent.
type Runner struct {
	session  *session.Session
	executor *turn.Executor
	emit     func(msg ports.EventMsg)
	cfg      Config
	logger   logging.Logger

	state     atomic.Int32
	cancelled atomic.Bool

	mu          sync.Mutex
	cancelFn    context.CancelFunc
	abortReason ports.AbortReason
}

// NewRunner builds a runner bound to a session and turn executor.
func NewRunner(sess *session.Session, executor *turn.Executor, cfg Config, emit func(msg ports.EventMsg), logger logging.Logger) *Runner {
	if emit == nil {
		emit = func(ports.EventMsg) {}
	}
	return &Runner{
		session:  sess,
		executor: executor,
		emit:     emit,
		cfg:      cfg.withDefaults(),
		logger:   logging.OrNop(logger),
	}
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Cancel aborts the task as a user interrupt. The flag is checked at every
// loop iteration and the in-flight turn's context is torn down. Calling
// Cancel more than once, or before Run, is safe.
func (r *Runner) Cancel() {
	r.CancelFor(ports.AbortUserInterrupt)
}

// CancelFor aborts the task with an explicit reason. The first reason wins.
func (r *Runner) CancelFor(reason ports.AbortReason) {
	r.mu.Lock()
	if r.abortReason == "" {
		r.abortReason = reason
	}
	cancel := r.cancelFn
	r.mu.Unlock()
	r.cancelled.Store(true)
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) abortCause() ports.AbortReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abortReason == "" {
		return ports.AbortUserInterrupt
	}
	return r.abortReason
}

// Run executes the task loop until completion, abort, or error.
func (r *Runner) Run(ctx context.Context, input []ports.InputItem, tools []ports.ToolDefinition) Result {
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return Result{Err: fmt.Errorf("task runner already used (state=%s)", r.State())}
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancelFn = cancel
	r.mu.Unlock()

	result := r.run(taskCtx, input, tools)
	switch {
	case result.Aborted:
		r.state.Store(int32(StateAborted))
	case result.Err != nil:
		r.state.Store(int32(StateErrored))
	default:
		r.state.Store(int32(StateCompleted))
	}
	return result
}

func (r *Runner) run(ctx context.Context, input []ports.InputItem, tools []ports.ToolDefinition) Result {
	// Input queued before the task started joins the initial prompt.
	input = append(input, r.session.TakePendingInput()...)
	if len(input) == 0 {
		return Result{Success: true}
	}

	for _, item := range input {
		r.session.RecordItems(ports.MessageItem{Role: "user", Content: item.Text})
	}

	compacted := false
	lastMessage := ""

	for turnIndex := 0; turnIndex < r.cfg.MaxTurns; turnIndex++ {
		// User input submitted mid-task merges in ahead of the new turn.
		for _, item := range r.session.TakePendingInput() {
			r.session.RecordItems(ports.MessageItem{Role: "user", Content: item.Text})
		}

		if r.cancelled.Load() || ctx.Err() != nil {
			return Result{Aborted: true, AbortReason: r.abortCause()}
		}

		turnResult, abortReason, err := r.runTurnRaced(ctx, tools)
		if abortReason != "" {
			return Result{Aborted: true, AbortReason: abortReason, LastAgentMessage: lastMessage}
		}
		if err != nil {
			switch terrors.Classify(err) {
			case terrors.KindCancelled:
				return Result{Aborted: true, AbortReason: r.abortCause()}
			case terrors.KindContextLength:
				// Not a blind retry: compact first, once, then try again.
				if !compacted {
					compacted = true
					dropped := r.session.Compact(r.cfg.CompactionKeepRecent)
					r.logger.Warn("context window exceeded, compacted %d items before retrying", dropped)
					continue
				}
				return Result{Err: err, LastAgentMessage: lastMessage}
			default:
				return Result{Err: err, LastAgentMessage: lastMessage}
			}
		}

		for _, processed := range turnResult.Processed {
			r.session.RecordItems(processed.Item)
			if processed.Response != nil {
				r.session.RecordItems(*processed.Response)
			}
		}
		if turnResult.LastAgentMessage != "" {
			lastMessage = turnResult.LastAgentMessage
		}
		if turnResult.Usage != nil {
			r.emit(ports.TokenCountEvent{Usage: *turnResult.Usage})
		}

		if r.taskComplete(turnResult) {
			return Result{Success: true, LastAgentMessage: lastMessage}
		}

		if !compacted && r.overHighWater(turnResult.Usage) {
			compacted = true
			dropped := r.session.Compact(r.cfg.CompactionKeepRecent)
			r.logger.Info("token usage crossed high-water mark, compacted %d items", dropped)
		}
	}

	return Result{
		Err:              fmt.Errorf("task exceeded %d turns without completing", r.cfg.MaxTurns),
		LastAgentMessage: lastMessage,
	}
}

type turnOutcome struct {
	result *turn.RunResult
	err    error
}

// runTurnRaced races the turn against the cancellation signal and, when
// configured, a timeout. Cancellation wins over a timer that fires in the
// same instant.
func (r *Runner) runTurnRaced(ctx context.Context, tools []ports.ToolDefinition) (*turn.RunResult, ports.AbortReason, error) {
	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	outcome := make(chan turnOutcome, 1)
	go func() {
		result, err := r.executor.RunTurn(turnCtx, turn.RunInput{
			Context: r.session.SnapshotTurnContext(),
			Input:   r.session.History(),
			Tools:   tools,
		})
		outcome <- turnOutcome{result: result, err: err}
	}()

	var timeout <-chan time.Time
	if r.cfg.TurnTimeout > 0 {
		timer := time.NewTimer(r.cfg.TurnTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case out := <-outcome:
		return out.result, "", out.err
	case <-ctx.Done():
		cancelTurn()
		<-outcome
		return nil, r.abortCause(), nil
	case <-timeout:
		cancelTurn()
		<-outcome
		if ctx.Err() != nil {
			return nil, r.abortCause(), nil
		}
		return nil, ports.AbortTurnTimeout, nil
	}
}

// taskComplete reports whether the turn left no tool response pending: a
// turn that executed no tool calls produced a final message, so the task is
// done; any recorded tool response means the model gets another turn.
func (r *Runner) taskComplete(result *turn.RunResult) bool {
	for _, processed := range result.Processed {
		if processed.Response != nil {
			return false
		}
	}
	return true
}

func (r *Runner) overHighWater(usage *ports.TokenUsage) bool {
	highWater := int(float64(r.cfg.ContextWindow) * r.cfg.CompactionThreshold)
	if usage != nil && usage.TotalTokens >= highWater {
		return true
	}
	return r.session.EstimateTokens() >= highWater
}

// Package turn runs a single request/response cycle with the model: it
// builds the request, consumes the stream, dispatches tool calls, and
// retries transient failures with backoff.
package turn

import (
	"context"
	"fmt"
	"time"

	"tern/internal/agent/ports"
	terrors "tern/internal/errors"
	"tern/internal/logging"
)

// RunInput is everything one turn needs.
type RunInput struct {
	Context ports.TurnContext
	Input   []ports.ResponseItem
	Tools   []ports.ToolDefinition
}

// ProcessedItem pairs a model item with its tool response, when one exists.
type ProcessedItem struct {
	Item     ports.ResponseItem
	Response *ports.FunctionCallOutputItem
}

// RunResult is produced once per successful turn.
type RunResult struct {
	Processed        []ProcessedItem
	Usage            *ports.TokenUsage
	LastAgentMessage string
}

// Executor drives one turn at a time. It is reused across turns; all
// per-turn state lives on the stack of RunTurn.
type Executor struct {
	client ports.ModelClient
	tools  ports.ToolRunner
	emit   func(msg ports.EventMsg)
	retry  terrors.RetryConfig
	logger logging.Logger
}

// New creates an executor. emit may be nil.
func New(client ports.ModelClient, tools ports.ToolRunner, retry terrors.RetryConfig, emit func(msg ports.EventMsg), logger logging.Logger) *Executor {
	if emit == nil {
		emit = func(ports.EventMsg) {}
	}
	return &Executor{
		client: client,
		tools:  tools,
		emit:   emit,
		retry:  retry,
		logger: logging.OrNop(logger),
	}
}

// RunTurn executes one turn. Retryable stream failures reopen a fresh stream
// from the top, up to the configured budget; partial deltas already emitted
// stand. Non-retryable failures and exhausted budgets surface to the caller.
func (e *Executor) RunTurn(ctx context.Context, input RunInput) (*RunResult, error) {
	e.logger.Debug("turn context: model=%s cwd=%s approval=%s sandbox=%s",
		input.Context.Model, input.Context.Cwd, input.Context.ApprovalPolicy.Mode, input.Context.SandboxPolicy)

	prompt := ReconcilePrompt(input.Input)

	var lastErr error
	for attempt := 0; attempt <= e.retry.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, terrors.New(terrors.KindCancelled, err, "turn cancelled")
		}

		result, err := e.runAttempt(ctx, input, prompt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		kind := terrors.Classify(err)
		if !kind.Retryable() {
			e.logger.Debug("turn failed with %s error, not retrying: %v", kind, err)
			return nil, err
		}
		if attempt == e.retry.MaxRetries {
			break
		}

		delay := e.retry.DelayFor(err, attempt+1)
		e.emit(ports.StreamRetryEvent{
			Attempt: attempt + 1,
			Delay:   delay,
			Message: terrors.UserMessage(err),
		})
		e.logger.Warn("stream attempt %d failed (%s), retrying in %v: %v", attempt+1, kind, delay, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, terrors.New(terrors.KindCancelled, ctx.Err(), "turn cancelled during backoff")
		}
	}

	return nil, terrors.New(terrors.Classify(lastErr), lastErr,
		fmt.Sprintf("%s Retried %d times.", terrors.UserMessage(lastErr), e.retry.MaxRetries))
}

// runAttempt opens one stream and consumes it to exhaustion. It checks for
// cancellation after every event and before every tool dispatch so no tool
// output is ever produced for a call in flight at the moment of cancellation.
func (e *Executor) runAttempt(ctx context.Context, input RunInput, prompt []ports.ResponseItem) (*RunResult, error) {
	stream, err := e.client.StreamTurn(ctx, ports.TurnRequest{
		Model:            input.Context.Model,
		Input:            prompt,
		Tools:            input.Tools,
		ReasoningEffort:  input.Context.ReasoningEffort,
		ReasoningSummary: input.Context.ReasoningSummary,
	})
	if err != nil {
		return nil, err
	}

	result := &RunResult{}
	for event := range stream.Events() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, terrors.New(terrors.KindCancelled, ctxErr, "turn cancelled mid-stream")
		}

		switch ev := event.(type) {
		case ports.ContentDeltaEvent:
			e.emit(ports.AgentMessageDeltaEvent{Delta: ev.Delta})

		case ports.ToolCallEvent:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, terrors.New(terrors.KindCancelled, ctxErr, "turn cancelled before tool dispatch")
			}
			call := ports.FunctionCallItem{Name: ev.Name, Arguments: ev.Arguments, CallID: ev.CallID}
			e.emit(ports.ToolCallBeginEvent{CallID: ev.CallID, ToolName: ev.Name, Arguments: ev.Arguments})
			toolResult := e.tools.Execute(ctx, ev.Name, ev.Arguments, ev.CallID)
			output := ports.FunctionCallOutputItem{
				CallID:  ev.CallID,
				Output:  toolResult.Output,
				Success: toolResult.Success,
			}
			e.emit(ports.ToolCallEndEvent{CallID: ev.CallID, Output: toolResult.Output, Success: toolResult.Success})
			result.Processed = append(result.Processed, ProcessedItem{Item: call, Response: &output})

		case ports.MessageCompleteEvent:
			item := ports.MessageItem{Role: ev.Role, Content: ev.Content}
			if ev.Role == "assistant" && ev.Content != "" {
				result.LastAgentMessage = ev.Content
				e.emit(ports.AgentMessageEvent{Message: ev.Content})
			}
			result.Processed = append(result.Processed, ProcessedItem{Item: item})

		case ports.CompletedEvent:
			if ev.Usage != nil {
				usage := *ev.Usage
				result.Usage = &usage
			}
		}
	}

	if streamErr := stream.Err(); streamErr != nil {
		return nil, streamErr
	}
	return result, nil
}

// ReconcilePrompt closes dangling tool calls before a prompt is sent. Any
// function_call without a matching function_call_output was interrupted in a
// previous attempt; model APIs require the pair to be closed, so a synthetic
// aborted output is prepended for each.
func ReconcilePrompt(items []ports.ResponseItem) []ports.ResponseItem {
	answered := make(map[string]bool)
	for _, item := range items {
		if output, ok := item.(ports.FunctionCallOutputItem); ok {
			answered[output.CallID] = true
		}
	}

	var synthetic []ports.ResponseItem
	for _, item := range items {
		call, ok := item.(ports.FunctionCallItem)
		if !ok || answered[call.CallID] {
			continue
		}
		synthetic = append(synthetic, ports.FunctionCallOutputItem{
			CallID:  call.CallID,
			Output:  "aborted",
			Success: false,
		})
	}
	if len(synthetic) == 0 {
		return items
	}
	return append(synthetic, items...)
}

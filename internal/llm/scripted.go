package llm

import (
	"context"
	"strings"
	"sync"

	"tern/internal/agent/ports"
)

// ScriptStep is one scripted StreamTurn outcome.
type ScriptStep struct {
	// StartErr fails the StreamTurn call itself.
	StartErr error
	// Events are replayed in order before the channel closes.
	Events []ports.StreamEvent
	// StreamErr surfaces through the stream's Err after the channel closes,
	// after the events above were delivered.
	StreamErr error
}

// ScriptedClient replays a fixed sequence of turn outcomes. Each StreamTurn
// call consumes the next step; calls past the end replay the last step.
// Useful offline and as a test double.
type ScriptedClient struct {
	model string

	mu       sync.Mutex
	steps    []ScriptStep
	next     int
	requests []ports.TurnRequest
}

// NewScriptedClient builds a scripted backend for the given model name.
func NewScriptedClient(model string, steps ...ScriptStep) *ScriptedClient {
	return &ScriptedClient{model: model, steps: steps}
}

func (c *ScriptedClient) Model() string { return c.model }

// Calls reports how many times StreamTurn was invoked.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Requests returns a copy of every TurnRequest seen so far.
func (c *ScriptedClient) Requests() []ports.TurnRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ports.TurnRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

func (c *ScriptedClient) StreamTurn(ctx context.Context, req ports.TurnRequest) (ports.ModelStream, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	var step ScriptStep
	if len(c.steps) > 0 {
		idx := c.next
		if idx >= len(c.steps) {
			idx = len(c.steps) - 1
		}
		step = c.steps[idx]
		c.next++
	}
	c.mu.Unlock()

	if step.StartErr != nil {
		return nil, step.StartErr
	}

	stream := newEventStream()
	go func() {
		defer stream.close()
		for _, ev := range step.Events {
			if !stream.send(ctx, ev) {
				stream.setErr(ctx.Err())
				return
			}
		}
		stream.setErr(step.StreamErr)
	}()
	return stream, nil
}

// NewEchoClient returns a scripted-style backend that answers every turn by
// echoing the latest user message. It backs offline runs.
func NewEchoClient(model string) ports.ModelClient {
	return &echoClient{model: model}
}

type echoClient struct {
	model string
}

func (c *echoClient) Model() string { return c.model }

func (c *echoClient) StreamTurn(ctx context.Context, req ports.TurnRequest) (ports.ModelStream, error) {
	last := ""
	for _, item := range req.Input {
		if msg, ok := item.(ports.MessageItem); ok && msg.Role == "user" {
			last = msg.Content
		}
	}
	reply := "(offline) " + strings.TrimSpace(last)

	stream := newEventStream()
	go func() {
		defer stream.close()
		if !stream.send(ctx, ports.ContentDeltaEvent{Delta: reply}) {
			stream.setErr(ctx.Err())
			return
		}
		if !stream.send(ctx, ports.MessageCompleteEvent{Role: "assistant", Content: reply}) {
			stream.setErr(ctx.Err())
			return
		}
		stream.send(ctx, ports.CompletedEvent{Usage: &ports.TokenUsage{
			PromptTokens:     len(last) / 4,
			CompletionTokens: len(reply) / 4,
			TotalTokens:      (len(last) + len(reply)) / 4,
		}})
	}()
	return stream, nil
}

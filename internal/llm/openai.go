package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"tern/internal/agent/ports"
	terrors "tern/internal/errors"
	"tern/internal/logging"
	"tern/internal/utils/id"
)

// openaiClient speaks the OpenAI-compatible chat completions API.
type openaiClient struct {
	model      string
	apiKey     string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOpenAIClient constructs a streaming client for an OpenAI-compatible
// endpoint.
func NewOpenAIClient(config Config, logger logging.Logger) ports.ModelClient {
	return &openaiClient{
		model:      config.Model,
		apiKey:     config.APIKey,
		baseURL:    config.baseURL(),
		headers:    config.Headers,
		httpClient: &http.Client{Timeout: config.timeout()},
		logger:     logging.OrNop(logger),
	}
}

func (c *openaiClient) Model() string { return c.model }

// StreamTurn opens the streaming request. Connection and status errors are
// returned synchronously; failures mid-stream surface through the stream's
// Err after its channel closes.
func (c *openaiClient) StreamTurn(ctx context.Context, req ports.TurnRequest) (ports.ModelStream, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	oaiReq := map[string]any{
		"model":    model,
		"messages": convertInput(req.Input),
		"stream":   true,
		"stream_options": map[string]any{
			"include_usage": true,
		},
	}
	if len(req.Tools) > 0 {
		oaiReq["tools"] = convertTools(req.Tools)
		oaiReq["tool_choice"] = "auto"
	}
	if req.ReasoningEffort != "" {
		oaiReq["reasoning_effort"] = string(req.ReasoningEffort)
	}

	body, err := json.Marshal(oaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	c.logger.Debug("POST %s model=%s input_items=%d tools=%d", endpoint, model, len(req.Input), len(req.Tools))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("read error response: %w", readErr)
		}
		c.logger.Debug("upstream status %d: %s", resp.StatusCode, string(respBody))
		return nil, &terrors.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	stream := newEventStream()
	go c.consume(ctx, resp.Body, stream)
	return stream, nil
}

// consume reads SSE frames off the response body and translates them into
// stream events. It owns closing the body and the stream channel.
func (c *openaiClient) consume(ctx context.Context, body io.ReadCloser, stream *eventStream) {
	defer func() { _ = body.Close() }()
	defer stream.close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	type toolCallDelta struct {
		Index    int    `json:"index"`
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	type streamChunk struct {
		Choices []struct {
			Delta struct {
				Content   string          `json:"content"`
				Role      string          `json:"role"`
				ToolCalls []toolCallDelta `json:"tool_calls"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *ports.TokenUsage `json:"usage"`
	}
	type toolAccumulator struct {
		id        string
		name      string
		arguments strings.Builder
	}

	accumulators := make(map[int]*toolAccumulator)
	var order []int
	var content strings.Builder
	var usage *ports.TokenUsage
	role := "assistant"

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("skipping undecodable stream chunk: %v", err)
			continue
		}
		if chunk.Usage != nil {
			u := *chunk.Usage
			usage = &u
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Role != "" {
			role = choice.Delta.Role
		}
		if text := choice.Delta.Content; text != "" {
			content.WriteString(text)
			if !stream.send(ctx, ports.ContentDeltaEvent{Delta: text}) {
				stream.setErr(ctx.Err())
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := accumulators[tc.Index]
			if !ok {
				acc = &toolAccumulator{}
				accumulators[tc.Index] = acc
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				acc.arguments.WriteString(tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		stream.setErr(fmt.Errorf("read response stream: %w", err))
		return
	}
	if err := ctx.Err(); err != nil {
		stream.setErr(err)
		return
	}

	for _, idx := range order {
		acc := accumulators[idx]
		callID := acc.id
		if callID == "" {
			callID = id.NewCallID()
		}
		if !stream.send(ctx, ports.ToolCallEvent{
			Name:      acc.name,
			Arguments: acc.arguments.String(),
			CallID:    callID,
		}) {
			stream.setErr(ctx.Err())
			return
		}
	}
	if content.Len() > 0 {
		if !stream.send(ctx, ports.MessageCompleteEvent{Role: role, Content: content.String()}) {
			stream.setErr(ctx.Err())
			return
		}
	}
	stream.send(ctx, ports.CompletedEvent{Usage: usage})
}

// eventStream is the channel-backed ModelStream shared by every backend.
type eventStream struct {
	events chan ports.StreamEvent

	mu  sync.Mutex
	err error
}

func newEventStream() *eventStream {
	return &eventStream{events: make(chan ports.StreamEvent, 32)}
}

func (s *eventStream) Events() <-chan ports.StreamEvent { return s.events }

func (s *eventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *eventStream) setErr(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// send delivers one event, giving up when ctx is cancelled. Returns false on
// cancellation.
func (s *eventStream) send(ctx context.Context, ev ports.StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *eventStream) close() {
	close(s.events)
}

func convertInput(items []ports.ResponseItem) []map[string]any {
	messages := make([]map[string]any, 0, len(items))
	for _, item := range items {
		switch typed := item.(type) {
		case ports.MessageItem:
			messages = append(messages, map[string]any{
				"role":    typed.Role,
				"content": typed.Content,
			})
		case ports.FunctionCallItem:
			messages = append(messages, map[string]any{
				"role":    "assistant",
				"content": nil,
				"tool_calls": []map[string]any{{
					"id":   typed.CallID,
					"type": "function",
					"function": map[string]any{
						"name":      typed.Name,
						"arguments": typed.Arguments,
					},
				}},
			})
		case ports.FunctionCallOutputItem:
			messages = append(messages, map[string]any{
				"role":         "tool",
				"tool_call_id": typed.CallID,
				"content":      typed.Output,
			})
		case ports.ReasoningItem:
			// Reasoning stays out of the prompt.
		}
	}
	return messages
}

func convertTools(defs []ports.ToolDefinition) []map[string]any {
	tools := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		params := def.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        def.Name,
				"description": def.Description,
				"parameters":  params,
			},
		})
	}
	return tools
}

func parseRetryAfter(header string) int {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || seconds < 0 {
		return 0
	}
	return seconds
}

// Package errors classifies model/tool/network failures for retry decisions
// and carries user-readable messages alongside the underlying cause.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind is the failure taxonomy used by the turn and task layers.
type Kind int

const (
	// KindUnknown is treated conservatively as non-retryable.
	KindUnknown Kind = iota
	// KindRateLimit is retryable and respects an advertised retry-after.
	KindRateLimit
	// KindNetwork covers resets, refusals, and DNS failures; retryable.
	KindNetwork
	// KindTimeout covers request deadlines and stalled streams; retryable.
	KindTimeout
	// KindInternal covers 5xx-class server failures; retryable.
	KindInternal
	// KindAuth covers authentication and permission failures; the task
	// fails immediately.
	KindAuth
	// KindContextLength means the prompt exceeded the model window. Not
	// retryable at the turn level; the task must compact first.
	KindContextLength
	// KindCancelled is a user-initiated abort. Surfaced as a clean abort,
	// not an error.
	KindCancelled
)

// String returns the taxonomy name for logging.
func (k Kind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindInternal:
		return "internal_server"
	case KindAuth:
		return "authentication"
	case KindContextLength:
		return "context_length"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Retryable reports whether the kind may be retried with backoff.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindNetwork, KindTimeout, KindInternal:
		return true
	default:
		return false
	}
}

// ClassifiedError wraps a cause with its taxonomy kind and a message fit for
// surfacing to the user.
type ClassifiedError struct {
	Err     error
	ErrKind Kind
	Message string
}

func (e *ClassifiedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s error: %v", e.ErrKind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// New wraps err with an explicit kind and message.
func New(kind Kind, err error, message string) *ClassifiedError {
	return &ClassifiedError{Err: err, ErrKind: kind, Message: message}
}

// HTTPStatusError represents an HTTP error with its status code and any
// Retry-After advertised by the server (seconds; 0 when absent).
type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
	RetryAfter int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// Classify maps an arbitrary error onto the taxonomy. Explicit
// ClassifiedError wrappers win; otherwise classification falls back to HTTP
// status codes, net/syscall error types, and message matching.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.ErrKind
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return classifyStatus(httpErr.StatusCode)
	}

	if isNetworkError(err) {
		return KindNetwork
	}

	return classifyMessage(err.Error())
}

// IsRetryable reports whether err may be retried with backoff.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

func classifyStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimit
	case status == 401 || status == 403:
		return KindAuth
	case status == 408:
		return KindTimeout
	case status >= 500:
		return KindInternal
	default:
		return KindUnknown
	}
}

// classifyMessage is the last-resort classifier for providers that only
// surface failures as message text.
func classifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "context canceled"),
		strings.Contains(lower, "operation was aborted"),
		strings.Contains(lower, "interrupted"),
		strings.Contains(lower, "request was cancelled"):
		return KindCancelled
	case strings.Contains(lower, "context length"),
		strings.Contains(lower, "context window"),
		strings.Contains(lower, "maximum context"),
		strings.Contains(lower, "prompt is too long"),
		strings.Contains(lower, "context_length_exceeded"):
		return KindContextLength
	case strings.Contains(lower, "401"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "403"),
		strings.Contains(lower, "forbidden"):
		return KindAuth
	case strings.Contains(lower, "429"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"):
		return KindRateLimit
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(lower, "500"),
		strings.Contains(lower, "internal server error"),
		strings.Contains(lower, "502"),
		strings.Contains(lower, "bad gateway"),
		strings.Contains(lower, "503"),
		strings.Contains(lower, "service unavailable"),
		strings.Contains(lower, "504"),
		strings.Contains(lower, "gateway timeout"),
		strings.Contains(lower, "overloaded"):
		return KindInternal
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "stream closed"),
		strings.Contains(lower, "unexpected eof"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "dns"):
		return KindNetwork
	default:
		return KindUnknown
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE, syscall.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// UserMessage renders err as a single readable line for the Error event,
// never a stack trace.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var classified *ClassifiedError
	if errors.As(err, &classified) && classified.Message != "" {
		return classified.Message
	}
	switch Classify(err) {
	case KindRateLimit:
		return "Rate limit reached. Please try again later."
	case KindAuth:
		return "Authentication failed. Please check your API key configuration."
	case KindContextLength:
		return "The conversation no longer fits the model context window."
	case KindCancelled:
		return "Operation cancelled."
	default:
		return err.Error()
	}
}

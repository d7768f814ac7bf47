// Package id produces prefixed, sortable identifiers for submissions,
// tasks, approvals, and tool calls.
package id

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

var defaultGenerator = &Generator{strategy: StrategyKSUID}

// Generator produces identifiers for the agent core.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy switches the process-wide generation algorithm.
func SetStrategy(strategy Strategy) {
	defaultGenerator.mu.Lock()
	defaultGenerator.strategy = strategy
	defaultGenerator.mu.Unlock()
}

// NewSubmissionID generates a unique identifier for a submission.
func NewSubmissionID() string {
	return defaultGenerator.newIdentifier("sub")
}

// NewTaskID generates a unique identifier for a task run.
func NewTaskID() string {
	return defaultGenerator.newIdentifier("task")
}

// NewApprovalID generates a unique identifier for an approval request.
func NewApprovalID() string {
	return defaultGenerator.newIdentifier("apr")
}

// NewCallID generates a unique identifier for a synthetic tool call.
func NewCallID() string {
	return defaultGenerator.newIdentifier("call")
}

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	var body string
	switch strategy {
	case StrategyUUIDv7:
		uuidv7, err := uuid.NewV7()
		if err == nil {
			body = uuidv7.String()
			break
		}
		fallthrough
	case StrategyKSUID:
		body = ksuid.New().String()
	default:
		body = ksuid.New().String()
	}

	return fmt.Sprintf("%s-%s", prefix, body)
}

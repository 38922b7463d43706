package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for provider and agent failures. The controller's error
// classification is built on these.
var (
	// ErrRateLimited indicates recoverable LLM-service backpressure.
	ErrRateLimited = errors.New("rate limited")

	// ErrTimeout indicates an LLM call exceeded its bound.
	ErrTimeout = errors.New("llm request timed out")

	// ErrAuthentication indicates invalid or expired credentials.
	ErrAuthentication = errors.New("authentication failed")

	// ErrContentPolicy indicates the provider refused the request content.
	ErrContentPolicy = errors.New("content policy violation")

	// ErrNoProvider indicates no LLM provider is configured.
	ErrNoProvider = errors.New("no provider configured")
)

// IsRecoverable reports whether retrying the request may succeed.
// Authentication and content-policy failures are terminal.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrContentPolicy) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) {
		return true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "unreachable"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "overloaded"):
		return true
	}
	return false
}

// ToolValidationError reports a model tool call the agent could not turn
// into an action: unknown tool or arguments failing schema validation. It is
// fed back to the model as an error observation, not raised as fatal.
type ToolValidationError struct {
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
}

func (e *ToolValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tool call %s (%s): %s: %v", e.ToolName, e.ToolCallID, e.Message, e.Cause)
	}
	return fmt.Sprintf("tool call %s (%s): %s", e.ToolName, e.ToolCallID, e.Message)
}

func (e *ToolValidationError) Unwrap() error { return e.Cause }

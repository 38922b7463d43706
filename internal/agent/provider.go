package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/sessiond/pkg/models"
)

// ToolSpec describes a capability offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	// Schema is the JSON Schema for the tool's arguments object.
	Schema json.RawMessage
}

// CompletionRequest is one model invocation.
type CompletionRequest struct {
	Messages  []models.Message
	Tools     []ToolSpec
	MaxTokens int
}

// Completion is the provider-neutral model response.
type Completion struct {
	// ResponseID identifies this model turn; sibling tool calls share it.
	ResponseID   string
	Content      string
	ToolCalls    []models.ToolCall
	InputTokens  int
	OutputTokens int
}

// Provider is a language-model backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

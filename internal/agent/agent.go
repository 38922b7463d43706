// Package agent turns assembled conversations into the next action by
// calling a language-model provider and validating its tool calls.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/sessiond/internal/observability"
	"github.com/haasonsaas/sessiond/pkg/models"
)

// Usage is the token cost of one model invocation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Decision is the agent's next step. When the model requests several tool
// calls in one turn, the first decision carries the usage and the rest are
// queued with zero usage.
type Decision struct {
	Action *models.Action
	Usage  Usage
}

// Config configures the agent.
type Config struct {
	SystemPrompt string
	MaxTokens    int
	Logger       *observability.Logger
	// Metrics records per-provider request counters, latency, and token
	// usage. Optional.
	Metrics *observability.Metrics
}

// Agent implements the next-action contract over a Provider and a ToolSet.
// It is not safe for concurrent use; the controller runs one step at a time.
type Agent struct {
	provider Provider
	tools    *ToolSet
	cfg      Config
	logger   *observability.Logger

	// queued holds actions from a multi-tool-call model turn, emitted one
	// per step before the provider is consulted again.
	queued []*models.Action
}

// New creates an agent. The provider is required.
func New(provider Provider, tools *ToolSet, cfg Config) (*Agent, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	return &Agent{provider: provider, tools: tools, cfg: cfg, logger: cfg.Logger}, nil
}

// SystemMessages returns the seed messages prepended to every conversation.
func (a *Agent) SystemMessages() []models.Message {
	if a.cfg.SystemPrompt == "" {
		return nil
	}
	return []models.Message{models.TextMessage(models.RoleSystem, a.cfg.SystemPrompt)}
}

// PendingActions reports how many queued actions remain from the last model
// turn.
func (a *Agent) PendingActions() int { return len(a.queued) }

// Reset drops any queued actions, used when the visible window is narrowed.
func (a *Agent) Reset() { a.queued = nil }

// NextAction returns the next action for the conversation. Queued actions
// from a prior multi-tool-call turn are drained first without a model call.
func (a *Agent) NextAction(ctx context.Context, messages []models.Message) (Decision, error) {
	if len(a.queued) > 0 {
		action := a.queued[0]
		a.queued = a.queued[1:]
		return Decision{Action: action}, nil
	}

	req := &CompletionRequest{
		Messages:  messages,
		MaxTokens: a.cfg.MaxTokens,
	}
	if a.tools != nil {
		req.Tools = a.tools.Specs()
	}

	start := time.Now()
	completion, err := a.provider.Complete(ctx, req)
	if a.cfg.Metrics != nil {
		var inputTokens, outputTokens int
		if completion != nil {
			inputTokens, outputTokens = completion.InputTokens, completion.OutputTokens
		}
		a.cfg.Metrics.ObserveLLMRequest(a.provider.Name(), outcomeLabel(err),
			time.Since(start), inputTokens, outputTokens)
	}
	if err != nil {
		return Decision{}, fmt.Errorf("provider %s: %w", a.provider.Name(), err)
	}
	usage := Usage{
		InputTokens:  completion.InputTokens,
		OutputTokens: completion.OutputTokens,
	}

	if len(completion.ToolCalls) == 0 {
		// A plain text turn is a message to the user asking for input.
		return Decision{
			Action: &models.Action{
				Kind:            models.ActionMessage,
				Content:         completion.Content,
				WaitForResponse: true,
			},
			Usage: usage,
		}, nil
	}

	if a.tools == nil {
		return Decision{Usage: usage}, &ToolValidationError{
			ToolName:   completion.ToolCalls[0].Name,
			ToolCallID: completion.ToolCalls[0].ID,
			Message:    "no tools are registered",
		}
	}

	snapshot := models.ModelResponseSnapshot{
		Content:   completion.Content,
		ToolCalls: completion.ToolCalls,
	}
	actions := make([]*models.Action, 0, len(completion.ToolCalls))
	for _, call := range completion.ToolCalls {
		action, err := a.tools.ActionFor(call, completion.ResponseID, snapshot)
		if err != nil {
			return Decision{Usage: usage}, err
		}
		actions = append(actions, action)
	}

	a.logger.Debug(ctx, "model turn produced actions",
		"response_id", completion.ResponseID, "count", len(actions))
	a.queued = actions[1:]
	return Decision{Action: actions[0], Usage: usage}, nil
}

// outcomeLabel maps a completion error to a bounded metric label.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

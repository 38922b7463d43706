package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/sessiond/internal/observability"
	"github.com/haasonsaas/sessiond/pkg/models"
)

// scriptedProvider returns canned completions in order.
type scriptedProvider struct {
	completions []*Completion
	errs        []error
	calls       int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, _ *CompletionRequest) (*Completion, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.completions) {
		return nil, errors.New("no more scripted completions")
	}
	return p.completions[i], nil
}

func mustToolSet(t *testing.T, names ...string) *ToolSet {
	t.Helper()
	ts, err := NewToolSet(names...)
	if err != nil {
		t.Fatalf("NewToolSet: %v", err)
	}
	return ts
}

func TestToolSetActionFor(t *testing.T) {
	ts := mustToolSet(t)
	snapshot := models.ModelResponseSnapshot{
		ToolCalls: []models.ToolCall{{ID: "call-1", Name: ToolExecuteBash}},
	}

	action, err := ts.ActionFor(models.ToolCall{
		ID: "call-1", Name: ToolExecuteBash, Arguments: `{"command": "ls"}`,
	}, "resp-1", snapshot)
	if err != nil {
		t.Fatalf("ActionFor: %v", err)
	}
	if action.Kind != models.ActionRunCommand || action.Command != "ls" {
		t.Errorf("action = %+v", action)
	}
	if action.ToolCall == nil || action.ToolCall.ResponseID != "resp-1" || action.ToolCall.ToolCallID != "call-1" {
		t.Errorf("tool call record = %+v", action.ToolCall)
	}
}

func TestToolSetValidation(t *testing.T) {
	ts := mustToolSet(t)

	tests := []struct {
		name string
		call models.ToolCall
	}{
		{
			name: "unknown tool",
			call: models.ToolCall{ID: "c1", Name: "rm_rf", Arguments: `{}`},
		},
		{
			name: "arguments not json",
			call: models.ToolCall{ID: "c2", Name: ToolExecuteBash, Arguments: `ls`},
		},
		{
			name: "missing required field",
			call: models.ToolCall{ID: "c3", Name: ToolExecuteBash, Arguments: `{}`},
		},
		{
			name: "unexpected field",
			call: models.ToolCall{ID: "c4", Name: ToolReadFile, Arguments: `{"path": "a", "mode": "w"}`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ts.ActionFor(tt.call, "resp-1", models.ModelResponseSnapshot{})
			var verr *ToolValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want ToolValidationError", err)
			}
			if verr.ToolCallID != tt.call.ID {
				t.Errorf("ToolCallID = %q, want %q", verr.ToolCallID, tt.call.ID)
			}
		})
	}
}

func TestToolSetFinishCarriesNoRecord(t *testing.T) {
	ts := mustToolSet(t)
	snapshot := models.ModelResponseSnapshot{
		Content:   "Wrapping up.",
		ToolCalls: []models.ToolCall{{ID: "c1", Name: ToolFinish}},
	}

	action, err := ts.ActionFor(models.ToolCall{
		ID: "c1", Name: ToolFinish, Arguments: `{"message": "done"}`,
	}, "resp-1", snapshot)
	if err != nil {
		t.Fatalf("ActionFor: %v", err)
	}
	if action.Kind != models.ActionFinish {
		t.Errorf("Kind = %s", action.Kind)
	}
	if action.ToolCall != nil {
		t.Error("finish action carries a tool call record")
	}
	if action.Thought != "Wrapping up." || action.Content != "done" {
		t.Errorf("Thought = %q, Content = %q", action.Thought, action.Content)
	}
}

func TestAgentQueuesSiblingToolCalls(t *testing.T) {
	provider := &scriptedProvider{completions: []*Completion{{
		ResponseID: "resp-1",
		ToolCalls: []models.ToolCall{
			{ID: "c1", Name: ToolExecuteBash, Arguments: `{"command": "ls"}`},
			{ID: "c2", Name: ToolReadFile, Arguments: `{"path": "go.mod"}`},
		},
		InputTokens:  100,
		OutputTokens: 20,
	}}}

	a, err := New(provider, mustToolSet(t), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := a.NextAction(context.Background(), nil)
	if err != nil {
		t.Fatalf("NextAction: %v", err)
	}
	if first.Action.Kind != models.ActionRunCommand {
		t.Errorf("first action = %s", first.Action.Kind)
	}
	if first.Usage.InputTokens != 100 || first.Usage.OutputTokens != 20 {
		t.Errorf("first usage = %+v", first.Usage)
	}
	if a.PendingActions() != 1 {
		t.Errorf("PendingActions = %d, want 1", a.PendingActions())
	}

	second, err := a.NextAction(context.Background(), nil)
	if err != nil {
		t.Fatalf("NextAction: %v", err)
	}
	if second.Action.Kind != models.ActionReadFile {
		t.Errorf("second action = %s", second.Action.Kind)
	}
	if second.Usage != (Usage{}) {
		t.Errorf("queued action charged usage: %+v", second.Usage)
	}
	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls)
	}
}

func TestAgentPlainTextAsksUser(t *testing.T) {
	provider := &scriptedProvider{completions: []*Completion{{
		ResponseID: "resp-1",
		Content:    "Which file should I edit?",
	}}}

	a, err := New(provider, mustToolSet(t), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d, err := a.NextAction(context.Background(), nil)
	if err != nil {
		t.Fatalf("NextAction: %v", err)
	}
	if d.Action.Kind != models.ActionMessage || !d.Action.WaitForResponse {
		t.Errorf("action = %+v", d.Action)
	}
}

func TestAgentResetDropsQueue(t *testing.T) {
	provider := &scriptedProvider{completions: []*Completion{
		{
			ResponseID: "resp-1",
			ToolCalls: []models.ToolCall{
				{ID: "c1", Name: ToolExecuteBash, Arguments: `{"command": "ls"}`},
				{ID: "c2", Name: ToolExecuteBash, Arguments: `{"command": "pwd"}`},
			},
		},
		{ResponseID: "resp-2", Content: "fresh turn"},
	}}

	a, err := New(provider, mustToolSet(t), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.NextAction(context.Background(), nil); err != nil {
		t.Fatalf("NextAction: %v", err)
	}
	a.Reset()
	if a.PendingActions() != 0 {
		t.Errorf("PendingActions after Reset = %d", a.PendingActions())
	}

	d, err := a.NextAction(context.Background(), nil)
	if err != nil {
		t.Fatalf("NextAction after Reset: %v", err)
	}
	if d.Action.Kind != models.ActionMessage {
		t.Errorf("action after Reset = %s", d.Action.Kind)
	}
}

func TestAgentRecordsLLMMetrics(t *testing.T) {
	provider := &scriptedProvider{
		errs: []error{ErrRateLimited},
		completions: []*Completion{
			nil,
			{ResponseID: "resp-1", Content: "hello", InputTokens: 100, OutputTokens: 20},
		},
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	a, err := New(provider, mustToolSet(t), Config{Metrics: metrics})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := a.NextAction(context.Background(), nil); err == nil {
		t.Fatal("NextAction returned nil, want rate limit error")
	}
	if _, err := a.NextAction(context.Background(), nil); err != nil {
		t.Fatalf("NextAction: %v", err)
	}

	if got := testutil.ToFloat64(metrics.LLMRequests.WithLabelValues("scripted", "rate_limited")); got != 1 {
		t.Errorf("rate_limited requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.LLMRequests.WithLabelValues("scripted", "ok")); got != 1 {
		t.Errorf("ok requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.LLMTokens.WithLabelValues("scripted", "input")); got != 100 {
		t.Errorf("input tokens = %v, want 100", got)
	}
	if got := testutil.ToFloat64(metrics.LLMTokens.WithLabelValues("scripted", "output")); got != 20 {
		t.Errorf("output tokens = %v, want 20", got)
	}
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", ErrRateLimited, true},
		{"timeout", ErrTimeout, true},
		{"authentication", ErrAuthentication, false},
		{"content policy", ErrContentPolicy, false},
		{"wrapped rate limit", errors.New("upstream: too many requests"), true},
		{"plain failure", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRecoverable(tt.err); got != tt.want {
				t.Errorf("IsRecoverable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

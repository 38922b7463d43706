// Package conversation rebuilds the model-facing message list from a
// session's event log. Tool-call-backed actions are paired with their
// observations so every assistant message that declares tool calls is
// immediately followed by the tool results, in declared order, regardless of
// the order observations landed in the log.
package conversation

import (
	"context"
	"fmt"
	"strconv"

	"github.com/haasonsaas/sessiond/internal/observability"
	"github.com/haasonsaas/sessiond/pkg/models"
)

const truncationNotice = "\n[... Observation truncated due to length ...]\n"

const (
	errorSuffix     = "\n[Error occurred in processing last action]"
	rejectionSuffix = "\n[Last action has been rejected by the user]"
)

// ValidationError reports an event the assembler could not place in the
// conversation.
type ValidationError struct {
	EventID int64
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event %d: %s", e.EventID, e.Reason)
}

// Options configures assembly.
type Options struct {
	// MaxMessageChars truncates long observation content, keeping the head
	// and tail halves. Zero disables truncation.
	MaxMessageChars int

	// VisionEnabled keeps image URLs in message content. When false, images
	// are dropped and only text survives.
	VisionEnabled bool

	// Strict makes assembly fail on the first unplaceable event instead of
	// dropping it.
	Strict bool

	Logger *observability.Logger
}

// Assembler converts event logs into message lists.
type Assembler struct {
	opts Options
}

// New creates an assembler. A nil logger is replaced with a no-op one.
func New(opts Options) *Assembler {
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &Assembler{opts: opts}
}

// exchange is a model turn that declared tool calls and is waiting for the
// observations that resolve them.
type exchange struct {
	assistant models.Message
	wanted    []string
	completed map[string]models.Message
}

func (x *exchange) resolved() bool {
	for _, id := range x.wanted {
		if _, ok := x.completed[id]; !ok {
			return false
		}
	}
	return true
}

// Assemble walks the events in order and produces the conversation, prefixed
// by the seed messages (typically the agent's system prompt).
func (a *Assembler) Assemble(ctx context.Context, seed []models.Message, events []models.Event) ([]models.Message, error) {
	out := append([]models.Message{}, seed...)

	pending := make(map[string]*exchange)
	var pendingOrder []string
	// action event id -> tool call record, for matching observations by cause
	records := make(map[int64]*models.ToolCallRecord)

	fail := func(id int64, reason string) error {
		verr := &ValidationError{EventID: id, Reason: reason}
		if a.opts.Strict {
			return verr
		}
		a.opts.Logger.Warn(ctx, "dropping event during assembly",
			"event_id", id, "reason", reason)
		return nil
	}

	for i := range events {
		event := &events[i]

		switch {
		case event.Action != nil:
			if err := a.processAction(event, pending, &pendingOrder, records, &out, fail); err != nil {
				return nil, err
			}
		case event.Observation != nil:
			if err := a.processObservation(event, pending, records, &out, fail); err != nil {
				return nil, err
			}
		}

		flushResolved(pending, &pendingOrder, &out)
	}

	flushPartial(ctx, a.opts.Logger, pending, pendingOrder, &out)
	return out, nil
}

func (a *Assembler) processAction(
	event *models.Event,
	pending map[string]*exchange,
	pendingOrder *[]string,
	records map[int64]*models.ToolCallRecord,
	out *[]models.Message,
	fail func(int64, string) error,
) error {
	action := event.Action

	if record := action.ToolCall; record != nil {
		records[event.ID] = record
		if _, ok := pending[record.ResponseID]; !ok {
			pending[record.ResponseID] = &exchange{
				assistant: assistantFromSnapshot(record.Response),
				wanted:    toolCallIDs(record.Response.ToolCalls),
				completed: make(map[string]models.Message),
			}
			*pendingOrder = append(*pendingOrder, record.ResponseID)
		}
		return nil
	}

	switch action.Kind {
	case models.ActionMessage:
		if event.Source == models.SourceUser {
			*out = append(*out, a.userContent(action.Content, action.ImageURLs))
		} else {
			*out = append(*out, models.TextMessage(models.RoleAssistant, action.Content))
		}
	case models.ActionRunCommand:
		// Only user-executed commands reach here; agent commands carry a
		// tool call record.
		*out = append(*out, models.TextMessage(models.RoleUser,
			"User executed the command:\n"+action.Command))
	case models.ActionFinish:
		text := action.Thought
		if action.Content != "" && action.Content != text {
			if text != "" {
				text += "\n"
			}
			text += action.Content
		}
		if text != "" {
			role := models.RoleAssistant
			if event.Source == models.SourceUser {
				role = models.RoleUser
			}
			*out = append(*out, models.TextMessage(role, text))
		}
	case models.ActionStop:
		// Session control, not conversation content.
	default:
		return fail(event.ID, fmt.Sprintf("action %q has no tool call record", action.Kind))
	}
	return nil
}

func (a *Assembler) processObservation(
	event *models.Event,
	pending map[string]*exchange,
	records map[int64]*models.ToolCallRecord,
	out *[]models.Message,
	fail func(int64, string) error,
) error {
	obs := event.Observation
	if obs.Kind == models.ObservationNull {
		return nil
	}

	record := records[event.Cause]
	text := a.renderObservation(obs, record != nil)
	text = truncateContent(text, a.opts.MaxMessageChars)

	if record == nil {
		// Direct observations: user-executed command results, rejections,
		// and environment errors with no originating tool call.
		switch obs.Kind {
		case models.ObservationCommandOutput:
			*out = append(*out, models.TextMessage(models.RoleUser,
				"Observed result of command executed by user:\n"+text))
		case models.ObservationUserReject, models.ObservationError:
			*out = append(*out, models.TextMessage(models.RoleUser, text))
		default:
			return fail(event.ID, fmt.Sprintf("observation %q has no matching action", obs.Kind))
		}
		return nil
	}

	x, ok := pending[record.ResponseID]
	if !ok {
		return fail(event.ID, "observation resolves an already-flushed model turn")
	}
	if _, dup := x.completed[record.ToolCallID]; dup {
		return fail(event.ID, "duplicate observation for tool call "+record.ToolCallID)
	}

	msg := models.Message{
		Role:       models.RoleTool,
		Content:    []models.ContentPart{{Type: models.ContentText, Text: text}},
		ToolCallID: record.ToolCallID,
		Name:       record.ToolName,
	}
	if a.opts.VisionEnabled && len(obs.ImageURLs) > 0 {
		msg.Content = append(msg.Content, models.ContentPart{
			Type: models.ContentImage, ImageURLs: obs.ImageURLs,
		})
	}
	x.completed[record.ToolCallID] = msg
	return nil
}

// renderObservation produces the observation text the model sees.
func (a *Assembler) renderObservation(obs *models.Observation, toolBacked bool) string {
	text := obs.Content
	switch obs.Kind {
	case models.ObservationCommandOutput:
		if toolBacked {
			text += "\n[Command finished with exit code " + strconv.Itoa(obs.ExitCode) + "]"
		}
	case models.ObservationError:
		text += errorSuffix
	case models.ObservationUserReject:
		text = "OBSERVATION:\n" + text + rejectionSuffix
	}
	return text
}

func (a *Assembler) userContent(text string, imageURLs []string) models.Message {
	msg := models.TextMessage(models.RoleUser, text)
	if a.opts.VisionEnabled && len(imageURLs) > 0 {
		msg.Content = append(msg.Content, models.ContentPart{
			Type: models.ContentImage, ImageURLs: imageURLs,
		})
	}
	return msg
}

// flushResolved emits the resolved prefix of the pending exchanges. A still
// unresolved older turn holds back younger ones, so pairs always appear in
// action order even when observations land out of order.
func flushResolved(pending map[string]*exchange, pendingOrder *[]string, out *[]models.Message) {
	flushed := 0
	for _, rid := range *pendingOrder {
		x := pending[rid]
		if !x.resolved() {
			break
		}
		*out = append(*out, x.assistant)
		for _, id := range x.wanted {
			*out = append(*out, x.completed[id])
		}
		delete(pending, rid)
		flushed++
	}
	*pendingOrder = (*pendingOrder)[flushed:]
}

// flushPartial emits exchanges that resolved only a subset of their tool
// calls, narrowing the assistant message to the matched calls. Exchanges with
// no matched calls are dropped entirely.
func flushPartial(ctx context.Context, logger *observability.Logger, pending map[string]*exchange, pendingOrder []string, out *[]models.Message) {
	for _, rid := range pendingOrder {
		x := pending[rid]

		var matched []string
		for _, id := range x.wanted {
			if _, ok := x.completed[id]; ok {
				matched = append(matched, id)
			}
		}
		if len(matched) == 0 {
			logger.Warn(ctx, "dropping model turn with no tool results", "response_id", rid)
			continue
		}
		if len(matched) < len(x.wanted) {
			logger.Warn(ctx, "emitting partially resolved model turn",
				"response_id", rid, "matched", len(matched), "declared", len(x.wanted))
		}

		assistant := x.assistant
		assistant.ToolCalls = filterToolCalls(assistant.ToolCalls, matched)
		*out = append(*out, assistant)
		for _, id := range matched {
			*out = append(*out, x.completed[id])
		}
	}
}

func assistantFromSnapshot(snapshot models.ModelResponseSnapshot) models.Message {
	msg := models.Message{Role: models.RoleAssistant, ToolCalls: snapshot.ToolCalls}
	if snapshot.Content != "" {
		msg.Content = []models.ContentPart{{Type: models.ContentText, Text: snapshot.Content}}
	}
	return msg
}

func toolCallIDs(calls []models.ToolCall) []string {
	ids := make([]string, len(calls))
	for i, c := range calls {
		ids[i] = c.ID
	}
	return ids
}

func filterToolCalls(calls []models.ToolCall, keep []string) []models.ToolCall {
	kept := make([]models.ToolCall, 0, len(keep))
	for _, c := range calls {
		for _, id := range keep {
			if c.ID == id {
				kept = append(kept, c)
				break
			}
		}
	}
	return kept
}

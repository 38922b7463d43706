// Package models defines the shared data model for the session core: the
// event log's tagged Action/Observation union, the model-facing message
// format, and the session state machine.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventSource identifies who produced an event.
type EventSource string

const (
	SourceUser        EventSource = "user"
	SourceAgent       EventSource = "agent"
	SourceEnvironment EventSource = "environment"
)

// ActionKind enumerates the closed set of action variants. Consumers switch
// exhaustively over this set; adding a kind means extending every switch.
type ActionKind string

const (
	ActionMessage           ActionKind = "message"
	ActionRunCommand        ActionKind = "run_command"
	ActionReadFile          ActionKind = "read_file"
	ActionWriteFile         ActionKind = "write_file"
	ActionEditFile          ActionKind = "edit_file"
	ActionBrowseURL         ActionKind = "browse_url"
	ActionBrowseInteractive ActionKind = "browse_interactive"
	ActionRunCodeCell       ActionKind = "run_code_cell"
	ActionThink             ActionKind = "think"
	ActionFinish            ActionKind = "finish"
	ActionDelegate          ActionKind = "delegate"
	ActionCallTool          ActionKind = "call_tool"
	ActionStop              ActionKind = "stop"
)

// ObservationKind enumerates the closed set of observation variants.
type ObservationKind string

const (
	ObservationCommandOutput  ObservationKind = "command_output"
	ObservationCodeCellOutput ObservationKind = "code_cell_output"
	ObservationFileRead       ObservationKind = "file_read"
	ObservationFileWrite      ObservationKind = "file_write"
	ObservationFileEdit       ObservationKind = "file_edit"
	ObservationBrowse         ObservationKind = "browse"
	ObservationThink          ObservationKind = "think"
	ObservationDelegate       ObservationKind = "delegate"
	ObservationError          ObservationKind = "error"
	ObservationUserReject     ObservationKind = "user_reject"
	ObservationNull           ObservationKind = "null"
)

// ToolCall is a model-requested invocation of a named capability. Arguments
// is the raw JSON string exactly as the model produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ModelResponseSnapshot is an immutable copy of the model message that
// requested one or more tool calls. It is captured when the action is built
// and never holds a live reference back into a provider response.
type ModelResponseSnapshot struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCallRecord ties an action to the model response that requested it.
// ResponseID groups sibling tool calls issued in the same model turn;
// ToolCallID identifies this action's call within that turn.
type ToolCallRecord struct {
	ResponseID string                `json:"response_id"`
	ToolCallID string                `json:"tool_call_id"`
	ToolName   string                `json:"tool_name"`
	Arguments  string                `json:"arguments,omitempty"`
	Response   ModelResponseSnapshot `json:"response"`
}

// Action is an intended operation. Only the fields relevant to Kind are set.
type Action struct {
	Kind ActionKind `json:"kind"`

	// Message / finish / think payloads.
	Content string `json:"content,omitempty"`
	Thought string `json:"thought,omitempty"`
	// WaitForResponse marks an agent message that asks the user for input.
	WaitForResponse bool     `json:"wait_for_response,omitempty"`
	ImageURLs       []string `json:"image_urls,omitempty"`

	// Command / code execution.
	Command string `json:"command,omitempty"`
	Code    string `json:"code,omitempty"`

	// File operations.
	Path    string `json:"path,omitempty"`
	OldText string `json:"old_text,omitempty"`
	NewText string `json:"new_text,omitempty"`

	// Browsing.
	URL string `json:"url,omitempty"`

	// Delegation and external tools.
	ToolName  string          `json:"tool_name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// ToolCall is present when this action originated as a model tool call.
	ToolCall *ToolCallRecord `json:"tool_call,omitempty"`
}

// Observation is the result of a previously dispatched action.
type Observation struct {
	Kind     ObservationKind `json:"kind"`
	Content  string          `json:"content,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`
	ExitCode int             `json:"exit_code,omitempty"`
	// ImageURLs carries screenshots or rendered output, used only when the
	// model has vision enabled.
	ImageURLs []string `json:"image_urls,omitempty"`
}

// Event is one entry in a session's event log. Exactly one of Action or
// Observation is set. IDs are strictly increasing per session and never
// reused; Cause is the id of the event this one responds to (0 when unset).
type Event struct {
	ID          int64        `json:"id"`
	Timestamp   time.Time    `json:"timestamp"`
	Source      EventSource  `json:"source"`
	Cause       int64        `json:"cause,omitempty"`
	Action      *Action      `json:"action,omitempty"`
	Observation *Observation `json:"observation,omitempty"`
}

var (
	ErrMalformedEvent = errors.New("malformed event")
)

// Validate checks the union invariant and kind membership.
func (e *Event) Validate() error {
	if (e.Action == nil) == (e.Observation == nil) {
		return fmt.Errorf("%w: exactly one of action or observation must be set", ErrMalformedEvent)
	}
	switch e.Source {
	case SourceUser, SourceAgent, SourceEnvironment:
	default:
		return fmt.Errorf("%w: unknown source %q", ErrMalformedEvent, e.Source)
	}
	if e.Action != nil {
		switch e.Action.Kind {
		case ActionMessage, ActionRunCommand, ActionReadFile, ActionWriteFile,
			ActionEditFile, ActionBrowseURL, ActionBrowseInteractive,
			ActionRunCodeCell, ActionThink, ActionFinish, ActionDelegate,
			ActionCallTool, ActionStop:
		default:
			return fmt.Errorf("%w: unknown action kind %q", ErrMalformedEvent, e.Action.Kind)
		}
	}
	if e.Observation != nil {
		switch e.Observation.Kind {
		case ObservationCommandOutput, ObservationCodeCellOutput,
			ObservationFileRead, ObservationFileWrite, ObservationFileEdit,
			ObservationBrowse, ObservationThink, ObservationDelegate,
			ObservationError, ObservationUserReject, ObservationNull:
		default:
			return fmt.Errorf("%w: unknown observation kind %q", ErrMalformedEvent, e.Observation.Kind)
		}
	}
	return nil
}

// NeedsToolCallRecord reports whether this action must carry a tool-call
// record for conversation assembly. User-sourced commands and plain messages
// never need one; agent tool-style actions always do.
func (e *Event) NeedsToolCallRecord() bool {
	if e.Action == nil {
		return false
	}
	switch e.Action.Kind {
	case ActionRunCodeCell, ActionReadFile, ActionWriteFile, ActionEditFile,
		ActionBrowseURL, ActionBrowseInteractive, ActionThink,
		ActionDelegate, ActionCallTool:
		return true
	case ActionRunCommand:
		return e.Source == SourceAgent
	default:
		return false
	}
}

// IsTerminalAction reports whether the action ends the step loop without a
// runtime dispatch.
func (e *Event) IsTerminalAction() bool {
	return e.Action != nil && (e.Action.Kind == ActionFinish || e.Action.Kind == ActionStop)
}

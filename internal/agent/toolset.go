package agent

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/sessiond/pkg/models"
)

// Tool names offered to the model.
const (
	ToolExecuteBash       = "execute_bash"
	ToolExecuteCodeCell   = "execute_code_cell"
	ToolReadFile          = "read_file"
	ToolWriteFile         = "write_file"
	ToolEditFile          = "edit_file"
	ToolBrowseURL         = "browse_url"
	ToolBrowseInteractive = "browse_interactive"
	ToolThink             = "think"
	ToolDelegate          = "delegate"
	ToolFinish            = "finish"
)

type toolDef struct {
	description string
	schema      string
	kind        models.ActionKind
}

var toolDefs = map[string]toolDef{
	ToolExecuteBash: {
		description: "Execute a bash command in the session workspace and return its output.",
		kind:        models.ActionRunCommand,
		schema: `{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The bash command to execute."}
			},
			"required": ["command"],
			"additionalProperties": false
		}`,
	},
	ToolExecuteCodeCell: {
		description: "Run a Python code cell and return its output.",
		kind:        models.ActionRunCodeCell,
		schema: `{
			"type": "object",
			"properties": {
				"code": {"type": "string", "description": "The Python code to run."}
			},
			"required": ["code"],
			"additionalProperties": false
		}`,
	},
	ToolReadFile: {
		description: "Read a file from the session workspace.",
		kind:        models.ActionReadFile,
		schema: `{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Path of the file to read."}
			},
			"required": ["path"],
			"additionalProperties": false
		}`,
	},
	ToolWriteFile: {
		description: "Write content to a file, creating or replacing it.",
		kind:        models.ActionWriteFile,
		schema: `{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Path of the file to write."},
				"content": {"type": "string", "description": "Full file content."}
			},
			"required": ["path", "content"],
			"additionalProperties": false
		}`,
	},
	ToolEditFile: {
		description: "Replace an exact text fragment in an existing file.",
		kind:        models.ActionEditFile,
		schema: `{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Path of the file to edit."},
				"old_text": {"type": "string", "description": "Exact text to replace."},
				"new_text": {"type": "string", "description": "Replacement text."}
			},
			"required": ["path", "old_text", "new_text"],
			"additionalProperties": false
		}`,
	},
	ToolBrowseURL: {
		description: "Fetch a URL and return the page content.",
		kind:        models.ActionBrowseURL,
		schema: `{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "The URL to fetch."}
			},
			"required": ["url"],
			"additionalProperties": false
		}`,
	},
	ToolBrowseInteractive: {
		description: "Drive the browser with navigation instructions.",
		kind:        models.ActionBrowseInteractive,
		schema: `{
			"type": "object",
			"properties": {
				"instructions": {"type": "string", "description": "Browser interaction instructions."}
			},
			"required": ["instructions"],
			"additionalProperties": false
		}`,
	},
	ToolThink: {
		description: "Record a thought without taking an action.",
		kind:        models.ActionThink,
		schema: `{
			"type": "object",
			"properties": {
				"thought": {"type": "string", "description": "The thought to record."}
			},
			"required": ["thought"],
			"additionalProperties": false
		}`,
	},
	ToolDelegate: {
		description: "Delegate a task to a specialized sub-agent.",
		kind:        models.ActionDelegate,
		schema: `{
			"type": "object",
			"properties": {
				"agent": {"type": "string", "description": "Name of the sub-agent."},
				"task": {"type": "string", "description": "Task description for the sub-agent."}
			},
			"required": ["agent", "task"],
			"additionalProperties": false
		}`,
	},
	ToolFinish: {
		description: "Signal that the task is complete.",
		kind:        models.ActionFinish,
		schema: `{
			"type": "object",
			"properties": {
				"message": {"type": "string", "description": "Final summary for the user."}
			},
			"additionalProperties": false
		}`,
	},
}

// ToolSet validates model tool calls and converts them into actions.
type ToolSet struct {
	names    []string
	specs    []ToolSpec
	compiled map[string]*jsonschema.Schema
}

// NewToolSet compiles the schemas for the named tools. With no names, every
// known tool is included.
func NewToolSet(names ...string) (*ToolSet, error) {
	if len(names) == 0 {
		for name := range toolDefs {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	ts := &ToolSet{
		names:    names,
		compiled: make(map[string]*jsonschema.Schema, len(names)),
	}
	for _, name := range names {
		def, ok := toolDefs[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		schema, err := jsonschema.CompileString(name, def.schema)
		if err != nil {
			return nil, fmt.Errorf("compiling schema for %s: %w", name, err)
		}
		ts.compiled[name] = schema
		ts.specs = append(ts.specs, ToolSpec{
			Name:        name,
			Description: def.description,
			Schema:      json.RawMessage(def.schema),
		})
	}
	return ts, nil
}

// Specs returns the tool specifications in registration order.
func (ts *ToolSet) Specs() []ToolSpec { return ts.specs }

// ActionFor validates a tool call and builds the corresponding action,
// stamping it with an immutable snapshot of the model turn that requested it.
func (ts *ToolSet) ActionFor(call models.ToolCall, responseID string, snapshot models.ModelResponseSnapshot) (*models.Action, error) {
	def, ok := toolDefs[call.Name]
	if !ok || ts.compiled[call.Name] == nil {
		return nil, &ToolValidationError{
			ToolName: call.Name, ToolCallID: call.ID,
			Message: "unknown tool",
		}
	}

	var args map[string]any
	if call.Arguments == "" {
		args = map[string]any{}
	} else if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return nil, &ToolValidationError{
			ToolName: call.Name, ToolCallID: call.ID,
			Message: "arguments are not valid JSON", Cause: err,
		}
	}
	if err := ts.compiled[call.Name].Validate(map[string]any(args)); err != nil {
		return nil, &ToolValidationError{
			ToolName: call.Name, ToolCallID: call.ID,
			Message: "arguments failed schema validation", Cause: err,
		}
	}

	action := &models.Action{
		Kind: def.kind,
		ToolCall: &models.ToolCallRecord{
			ResponseID: responseID,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Arguments:  call.Arguments,
			Response:   snapshot,
		},
	}

	str := func(key string) string {
		s, _ := args[key].(string)
		return s
	}
	switch call.Name {
	case ToolExecuteBash:
		action.Command = str("command")
	case ToolExecuteCodeCell:
		action.Code = str("code")
	case ToolReadFile:
		action.Path = str("path")
	case ToolWriteFile:
		action.Path = str("path")
		action.NewText = str("content")
	case ToolEditFile:
		action.Path = str("path")
		action.OldText = str("old_text")
		action.NewText = str("new_text")
	case ToolBrowseURL:
		action.URL = str("url")
	case ToolBrowseInteractive:
		action.Content = str("instructions")
	case ToolThink:
		action.Thought = str("thought")
	case ToolDelegate:
		action.ToolName = str("agent")
		action.Arguments = json.RawMessage(call.Arguments)
	case ToolFinish:
		action.Content = str("message")
		// The finish action is terminal; no tool result will resolve its
		// call, so it carries no record for assembly.
		action.ToolCall = nil
		action.Thought = snapshot.Content
	}
	return action, nil
}

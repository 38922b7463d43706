package models

import "strings"

// Role is a model-facing message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentType discriminates message content parts.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
)

// ContentPart is one piece of message content: either text or a set of
// image URLs (data URLs or https).
type ContentPart struct {
	Type      ContentType `json:"type"`
	Text      string      `json:"text,omitempty"`
	ImageURLs []string    `json:"image_urls,omitempty"`
}

// Message is the model-facing conversational unit produced by the assembler.
// It is not the event log's native type.
//
// Invariants: a tool-role message's ToolCallID must match a ToolCalls entry
// on a preceding assistant message in the same list, and an assistant message
// with tool calls is immediately followed by the tool messages resolving
// them, in declared order.
type Message struct {
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	// Name is the tool name on tool-role messages.
	Name string `json:"name,omitempty"`
}

// TextMessage builds a single-part text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentPart{{Type: ContentText, Text: text}}}
}

// TextContent joins all text parts of the message.
func (m Message) TextContent() string {
	var b strings.Builder
	for _, part := range m.Content {
		if part.Type == ContentText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// ImageURLs collects all image URLs across content parts.
func (m Message) ImageURLs() []string {
	var urls []string
	for _, part := range m.Content {
		if part.Type == ContentImage {
			urls = append(urls, part.ImageURLs...)
		}
	}
	return urls
}

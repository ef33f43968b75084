package ai

import (
	"encoding/json"
	"strings"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

const (
	PartText       = "text"
	PartReasoning  = "reasoning"
	PartImage      = "image"
	PartToolCall   = "tool-call"
	PartToolResult = "tool-result"
)

// Part is one typed content segment of a message.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// image parts: URL or data URL
	Image string `json:"image,omitempty"`

	// tool parts
	ToolName   string          `json:"toolName,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type Attachment struct {
	Name        string `json:"name,omitempty"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
}

// Message is the normalized in-memory message shape used across the
// orchestrator regardless of which storage generation a row came from.
type Message struct {
	ID          string       `json:"id,omitempty"`
	Role        string       `json:"role"`
	Parts       []Part       `json:"parts"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Clone returns a deep copy, so callers can mutate parts without touching
// the original history.
func (m Message) Clone() Message {
	out := m
	out.Parts = append([]Part(nil), m.Parts...)
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	return out
}

// TextContent concatenates the text parts of the message.
func (m Message) TextContent() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolCall represents a tool invocation request from the LLM.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResponse is the outcome of one tool call, carried by a tool message.
type ToolResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Data string `json:"data"`
}

// Message represents a conversation message.
//
// Assistant messages may carry ToolCalls; tool messages carry one or more
// ToolResponses. Messages are treated as immutable values once stored.
type Message struct {
	Role          Role           `json:"role"`
	Content       string         `json:"content,omitempty"`
	ToolCalls     []ToolCall     `json:"tool_calls,omitempty"`
	ToolResponses []ToolResponse `json:"tool_responses,omitempty"`
	Timestamp     time.Time      `json:"timestamp,omitempty"`
}

// NewMessage creates a new message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return NewMessage(RoleSystem, content)
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return NewMessage(RoleAssistant, content)
}

// NewToolMessage creates a tool message holding the given responses.
func NewToolMessage(responses ...ToolResponse) Message {
	return Message{
		Role:          RoleTool,
		ToolResponses: responses,
		Timestamp:     time.Now(),
	}
}

// WithToolCalls returns a copy of m carrying the given tool calls.
func (m Message) WithToolCalls(calls []ToolCall) Message {
	m.ToolCalls = calls
	return m
}

// HasToolCalls reports whether the message requests any tool invocation.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// IsToolResult reports whether the message is a tool result.
func (m Message) IsToolResult() bool {
	return m.Role == RoleTool
}

// Text returns the textual rendering of the message. Tool messages have no
// Content of their own, so their response payloads are joined instead.
func (m Message) Text() string {
	if m.Role != RoleTool || len(m.ToolResponses) == 0 {
		return m.Content
	}
	parts := make([]string, 0, len(m.ToolResponses))
	for _, r := range m.ToolResponses {
		parts = append(parts, r.Data)
	}
	return strings.Join(parts, "\n")
}

// Validate checks the structural invariants of the tagged variant.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid message role %q", m.Role)
	}
	if m.Role == RoleTool && len(m.ToolResponses) == 0 {
		return fmt.Errorf("tool message requires at least one response")
	}
	if m.Role != RoleAssistant && len(m.ToolCalls) > 0 {
		return fmt.Errorf("%s message cannot carry tool calls", m.Role)
	}
	return nil
}

// CloneMessages returns a shallow copy of msgs so callers can append
// without aliasing the source slice.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

package types

import "encoding/json"

// ToolSchema defines a tool's interface for LLM function calling.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// EmptyObjectSchema is the parameter schema of a tool that takes no arguments.
var EmptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

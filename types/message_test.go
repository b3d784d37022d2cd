package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Text(t *testing.T) {
	assert.Equal(t, "hello", NewUserMessage("hello").Text())

	tool := NewToolMessage(
		ToolResponse{ID: "1", Name: "a", Data: "first"},
		ToolResponse{ID: "2", Name: "b", Data: "second"},
	)
	assert.Equal(t, "first\nsecond", tool.Text())
	assert.True(t, tool.IsToolResult())
}

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"user", NewUserMessage("hi"), false},
		{"assistant with calls", NewAssistantMessage("").WithToolCalls([]ToolCall{{ID: "1", Name: "x"}}), false},
		{"tool with response", NewToolMessage(ToolResponse{ID: "1", Name: "x", Data: "ok"}), false},
		{"unknown role", Message{Role: "robot"}, true},
		{"tool without response", Message{Role: RoleTool}, true},
		{"user with calls", NewUserMessage("hi").WithToolCalls([]ToolCall{{ID: "1"}}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMessage_JSONShape(t *testing.T) {
	msg := NewAssistantMessage("").WithToolCalls([]ToolCall{{
		ID:        "call_1",
		Name:      "get_current_hour",
		Arguments: json.RawMessage(`{}`),
	}})

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "assistant", raw["role"])
	assert.Contains(t, raw, "tool_calls")
	assert.NotContains(t, raw, "tool_responses")
}

func TestCloneMessages(t *testing.T) {
	src := []Message{NewUserMessage("a")}
	dst := CloneMessages(src)
	dst[0].Content = "b"
	assert.Equal(t, "a", src[0].Content)
	assert.Nil(t, CloneMessages(nil))
}

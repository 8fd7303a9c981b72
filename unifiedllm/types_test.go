package unifiedllm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageConstructors(t *testing.T) {
	assert.Equal(t, RoleSystem, SystemMessage("be brief").Role)
	assert.Equal(t, "be brief", SystemMessage("be brief").TextContent())
	assert.Equal(t, RoleUser, UserMessage("hi").Role)
	assert.Equal(t, RoleAssistant, AssistantMessage("hello").Role)

	msg := ToolResultMessage("call_1", "72F and sunny", true)
	assert.Equal(t, RoleTool, msg.Role)
	assert.Equal(t, "call_1", msg.ToolCallID)
	result := msg.ToolResult()
	require.NotNil(t, result)
	assert.Equal(t, "call_1", result.ToolCallID)
	assert.True(t, result.IsError)
	assert.Equal(t, "72F and sunny", result.Text())
	assert.JSONEq(t, `"72F and sunny"`, string(result.Content))
}

func TestToolResultText(t *testing.T) {
	assert.Equal(t, "plain", ToolResultData{Content: json.RawMessage(`"plain"`)}.Text())
	assert.Equal(t, `{"a":1}`, ToolResultData{Content: json.RawMessage(`{"a":1}`)}.Text())
}

func TestMessageAccessors(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentPart{
			TextPart("Let me check. "),
			ToolCallPart("call_1", "read_file", json.RawMessage(`{"file_path":"a.go"}`)),
			TextPart("One moment."),
			ToolCallPart("call_2", "list_directory", nil),
		},
	}

	assert.Equal(t, "Let me check. One moment.", msg.TextContent())
	calls := msg.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "read_file", calls[0].Name)
	assert.Equal(t, "call_2", calls[1].ID)
	assert.Nil(t, msg.ToolResult())
}

func TestUsageAdd(t *testing.T) {
	total := Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}.Add(Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3})
	assert.Equal(t, Usage{InputTokens: 11, OutputTokens: 7, TotalTokens: 18}, total)
}

func TestRequestSystemPrompt(t *testing.T) {
	req := Request{Messages: []Message{
		SystemMessage("first"),
		UserMessage("ignored"),
		SystemMessage("second"),
	}}
	assert.Equal(t, "first\nsecond", req.SystemPrompt())
	assert.Empty(t, Request{}.SystemPrompt())
}

func TestResponseAccessors(t *testing.T) {
	resp := Response{Message: Message{
		Role: RoleAssistant,
		Content: []ContentPart{
			TextPart("done"),
			ToolCallPart("c1", "write_file", json.RawMessage(`{}`)),
		},
	}}
	assert.Equal(t, "done", resp.Text())
	assert.Equal(t, []ToolCall{{ID: "c1", Name: "write_file", Arguments: json.RawMessage(`{}`)}}, resp.ToolCalls())
}

func TestToolNameIndex(t *testing.T) {
	names := toolNameIndex([]Message{
		UserMessage("go"),
		{Role: RoleAssistant, Content: []ContentPart{
			ToolCallPart("a", "read_file", nil),
			ToolCallPart("b", "execute_command", nil),
		}},
		ToolResultMessage("a", "x", false),
	})
	assert.Equal(t, map[string]string{"a": "read_file", "b": "execute_command"}, names)
}

func TestMessageJSONShape(t *testing.T) {
	data, err := json.Marshal(ToolResultMessage("c1", "ok", false))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"role": "tool",
		"tool_call_id": "c1",
		"content": [{"kind": "tool_result", "tool_result": {"tool_call_id": "c1", "content": "ok", "is_error": false}}]
	}`, string(data))
}

package agentloop

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/codeloop/unifiedllm"
)

// captureAdapter records requests and answers with a fixed response.
type captureAdapter struct {
	resp     *unifiedllm.Response
	err      error
	requests []unifiedllm.Request
}

func (a *captureAdapter) Name() string { return "capture" }

func (a *captureAdapter) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	a.requests = append(a.requests, req)
	return a.resp, a.err
}

func TestToUnifiedMessages(t *testing.T) {
	history := []Message{
		NewUserMessage("list files"),
		NewAssistantMessage("Looking.", ToolCallRequest{ID: "c1", Name: "list_directory", Arguments: Arguments{"path": "."}}),
		NewToolMessage(ToolResult{ToolCallID: "c1", Content: "no such dir", IsError: true}),
		NewAssistantMessage("Nothing there."),
	}

	out := ToUnifiedMessages(history)
	require.Len(t, out, 4)

	assert.Equal(t, unifiedllm.RoleUser, out[0].Role)
	assert.Equal(t, "list files", out[0].TextContent())

	assert.Equal(t, "Looking.", out[1].TextContent())
	calls := out[1].ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ID)
	assert.JSONEq(t, `{"path":"."}`, string(calls[0].Arguments))

	result := out[2].ToolResult()
	require.NotNil(t, result)
	assert.Equal(t, "c1", result.ToolCallID)
	assert.True(t, result.IsError)
	assert.Equal(t, "no such dir", result.Text())

	assert.Empty(t, out[3].ToolCalls())
}

func TestFromUnifiedResponse(t *testing.T) {
	resp := &unifiedllm.Response{Message: unifiedllm.Message{
		Role: unifiedllm.RoleAssistant,
		Content: []unifiedllm.ContentPart{
			unifiedllm.TextPart("Running."),
			unifiedllm.ToolCallPart("c1", "execute_command", json.RawMessage(`{"command":"ls"}`)),
			unifiedllm.ToolCallPart("c2", "read_file", json.RawMessage(`{"file_path":`)),
		},
	}}

	msg, err := FromUnifiedResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, RoleAssistant, msg.Role)
	assert.Equal(t, "Running.", msg.Content)
	require.Len(t, msg.ToolCalls, 2)
	assert.Equal(t, Arguments{"command": "ls"}, msg.ToolCalls[0].Arguments)
	assert.Equal(t, Arguments{}, msg.ToolCalls[1].Arguments)

	_, err = FromUnifiedResponse(nil)
	assert.Error(t, err)
}

func TestUnifiedClientSend(t *testing.T) {
	adapter := &captureAdapter{resp: &unifiedllm.Response{
		Model:   "llama3.1:8b",
		Message: unifiedllm.AssistantMessage("hello"),
	}}
	temp := 0.3
	client := NewUnifiedClient(
		unifiedllm.NewClient(unifiedllm.WithProvider("capture", adapter)),
		"llama3.1:8b",
		WithSystemPrompt("You are a coding agent."),
		WithSampling(&temp, nil),
		WithClientLogger(zerolog.Nop()),
	)
	assert.Equal(t, "llama3.1:8b", client.Model())

	tools := []ToolDefinition{{Name: "read_file", Description: "Read", Parameters: map[string]any{"type": "object"}}}
	msg, err := client.Send(context.Background(), []Message{NewUserMessage("hi")}, tools)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)

	require.Len(t, adapter.requests, 1)
	req := adapter.requests[0]
	assert.Equal(t, "llama3.1:8b", req.Model)
	assert.Equal(t, "You are a coding agent.", req.SystemPrompt())
	require.Len(t, req.Messages, 2)
	assert.Equal(t, unifiedllm.RoleSystem, req.Messages[0].Role)
	require.Len(t, req.ToolDefs, 1)
	assert.Equal(t, "read_file", req.ToolDefs[0].Name)
	require.NotNil(t, req.ToolChoice)
	assert.Equal(t, "auto", req.ToolChoice.Mode)
	assert.Equal(t, &temp, req.Temperature)
	assert.Nil(t, req.MaxTokens)
}

func TestUnifiedClientSendWithoutTools(t *testing.T) {
	adapter := &captureAdapter{resp: &unifiedllm.Response{Message: unifiedllm.AssistantMessage("ok")}}
	client := NewUnifiedClient(unifiedllm.NewClient(unifiedllm.WithProvider("capture", adapter)), "m", WithClientLogger(zerolog.Nop()))

	_, err := client.Send(context.Background(), []Message{NewUserMessage("hi")}, nil)
	require.NoError(t, err)
	req := adapter.requests[0]
	assert.Empty(t, req.SystemPrompt())
	assert.Nil(t, req.ToolDefs)
	assert.Nil(t, req.ToolChoice)
}

func TestUnifiedClientSendError(t *testing.T) {
	adapter := &captureAdapter{err: unifiedllm.ErrorFromStatusCode(500, "boom", "capture", "", nil, nil)}
	client := NewUnifiedClient(unifiedllm.NewClient(unifiedllm.WithProvider("capture", adapter)), "m", WithClientLogger(zerolog.Nop()))

	_, err := client.Send(context.Background(), []Message{NewUserMessage("hi")}, nil)
	var se *unifiedllm.ServerError
	require.ErrorAs(t, err, &se)
}

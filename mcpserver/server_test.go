package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/codeloop/agentloop"
)

func newTestServer(t *testing.T, client agentloop.LLMClient) (*Server, *agentloop.Machine) {
	t.Helper()
	registry := agentloop.NewToolRegistry()
	require.NoError(t, registry.Register(
		mcp.NewTool("shout", mcp.WithDescription("Upper-case text"), mcp.WithString("text", mcp.Required())),
		func(ctx context.Context, args agentloop.Arguments) (string, error) {
			text, _ := args.GetString("text")
			if text == "fail" {
				return "", errors.New("refusing to shout")
			}
			return strings.ToUpper(text), nil
		},
	))
	dispatcher := agentloop.NewDispatcher(registry, agentloop.WithDispatcherLogger(zerolog.Nop()))
	machine := agentloop.NewMachine(client, dispatcher, agentloop.NewSessionStore(), agentloop.WithMachineLogger(zerolog.Nop()))
	return New(machine, WithLogger(zerolog.Nop())), machine
}

func echoClient() agentloop.LLMClient {
	return agentloop.LLMClientFunc(func(ctx context.Context, history []agentloop.Message, tools []agentloop.ToolDefinition) (agentloop.Message, error) {
		return agentloop.NewAssistantMessage(fmt.Sprintf("turn with %d messages", len(history))), nil
	})
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func rpc(t *testing.T, s *Server, method string, params any) rpcResponse {
	t.Helper()
	msg, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	reply := s.MCPServer().HandleMessage(context.Background(), msg)
	require.NotNil(t, reply)
	data, err := json.Marshal(reply)
	require.NoError(t, err)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func callTool(t *testing.T, s *Server, name string, args map[string]any) toolResult {
	t.Helper()
	resp := rpc(t, s, "tools/call", map[string]any{"name": name, "arguments": args})
	require.Nil(t, resp.Error)
	var res toolResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.NotEmpty(t, res.Content)
	return res
}

func TestListTools(t *testing.T) {
	s, _ := newTestServer(t, echoClient())
	resp := rpc(t, s, "tools/list", map[string]any{})
	require.Nil(t, resp.Error)

	var list struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	var names []string
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"shout", RunAgentTool}, names)
}

func TestCallRegisteredTool(t *testing.T) {
	s, _ := newTestServer(t, echoClient())

	res := callTool(t, s, "shout", map[string]any{"text": "hello"})
	assert.False(t, res.IsError)
	assert.Equal(t, "HELLO", res.Content[0].Text)

	res = callTool(t, s, "shout", map[string]any{"text": "fail"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "refusing to shout")

	res = callTool(t, s, "shout", map[string]any{})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "Invalid arguments")
}

func TestRunAgent(t *testing.T) {
	s, machine := newTestServer(t, echoClient())

	res := callTool(t, s, RunAgentTool, map[string]any{"prompt": "first"})
	require.False(t, res.IsError)
	text := res.Content[0].Text
	assert.True(t, strings.HasPrefix(text, "turn with 1 messages"))

	idx := strings.LastIndex(text, "session_id: ")
	require.NotEqual(t, -1, idx)
	sessionID := strings.TrimSpace(text[idx+len("session_id: "):])
	assert.True(t, machine.Store().Exists(sessionID))

	res = callTool(t, s, RunAgentTool, map[string]any{"prompt": "second", "session_id": sessionID})
	require.False(t, res.IsError)
	assert.True(t, strings.HasPrefix(res.Content[0].Text, "turn with 3 messages"))
}

func TestRunAgentErrors(t *testing.T) {
	s, _ := newTestServer(t, agentloop.LLMClientFunc(func(ctx context.Context, history []agentloop.Message, tools []agentloop.ToolDefinition) (agentloop.Message, error) {
		return agentloop.Message{}, errors.New("connection refused")
	}))

	res := callTool(t, s, RunAgentTool, map[string]any{"prompt": "  "})
	assert.True(t, res.IsError)
	assert.Equal(t, "prompt is required", res.Content[0].Text)

	res = callTool(t, s, RunAgentTool, map[string]any{"prompt": "hi", "session_id": "missing"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "unknown session missing")

	res = callTool(t, s, RunAgentTool, map[string]any{"prompt": "hi"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "session_id: ")
}

package agentloop

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// scriptedClient replays canned replies in order. The last reply repeats
// once the script is exhausted.
type scriptedClient struct {
	mu       sync.Mutex
	replies  []func(ctx context.Context, history []Message) (Message, error)
	calls    int
	requests [][]Message
}

func (c *scriptedClient) Send(ctx context.Context, history []Message, tools []ToolDefinition) (Message, error) {
	c.mu.Lock()
	idx := c.calls
	if idx >= len(c.replies) {
		idx = len(c.replies) - 1
	}
	c.calls++
	c.requests = append(c.requests, history)
	fn := c.replies[idx]
	c.mu.Unlock()
	return fn(ctx, history)
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func reply(content string, calls ...ToolCallRequest) func(context.Context, []Message) (Message, error) {
	return func(context.Context, []Message) (Message, error) {
		return NewAssistantMessage(content, calls...), nil
	}
}

func failWith(err error) func(context.Context, []Message) (Message, error) {
	return func(context.Context, []Message) (Message, error) {
		return Message{}, err
	}
}

func script(steps ...func(context.Context, []Message) (Message, error)) *scriptedClient {
	return &scriptedClient{replies: steps}
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (r *recorder) terminalErrors() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == EventError && ev.Terminal {
			out = append(out, ev)
		}
	}
	return out
}

func echoTool() mcp.Tool {
	return mcp.NewTool("echo",
		mcp.WithDescription("Echo the text argument"),
		mcp.WithString("text", mcp.Required()),
	)
}

func echoHandler(ctx context.Context, args Arguments) (string, error) {
	text, _ := args.GetString("text")
	return "echo: " + text, nil
}

type machineFixture struct {
	machine  *Machine
	store    *SessionStore
	registry *ToolRegistry
	session  string
}

func newMachineFixture(t *testing.T, client LLMClient, cfg Config) *machineFixture {
	t.Helper()
	registry := NewToolRegistry()
	require.NoError(t, registry.Register(echoTool(), echoHandler))
	store := NewSessionStore()
	dispatcher := NewDispatcher(registry, WithDispatcherLogger(zerolog.Nop()))
	m := NewMachine(client, dispatcher, store, WithConfig(cfg), WithMachineLogger(zerolog.Nop()))
	return &machineFixture{machine: m, store: store, registry: registry, session: store.Create()}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LoopDetectionWindow = 0
	return cfg
}

// assertHistoryInvariants checks that every tool message answers an earlier
// tool call and that call ids are unique within each assistant message.
func assertHistoryInvariants(t *testing.T, history []Message) {
	t.Helper()
	requested := map[string]bool{}
	for i, msg := range history {
		switch msg.Role {
		case RoleAssistant:
			seen := map[string]bool{}
			for _, call := range msg.ToolCalls {
				require.False(t, seen[call.ID], "duplicate id %q in message %d", call.ID, i)
				seen[call.ID] = true
				requested[call.ID] = true
			}
		case RoleTool:
			require.True(t, requested[msg.ToolCallID], "orphan tool result %q at %d", msg.ToolCallID, i)
			if msg.IsError {
				require.NotEmpty(t, msg.Content)
			}
		}
	}
}

var errBoom = errors.New("boom")

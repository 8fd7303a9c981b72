package agentloop

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Message is a single entry in a session's history. Messages are never
// modified once appended.
type Message struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	IsError    bool              `json:"is_error,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ToolCallRequest is a tool invocation proposed by the model.
type ToolCallRequest struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Arguments Arguments `json:"arguments"`
}

// ToolResult is the outcome of one tool invocation. Error results always
// carry a non-empty explanation in Content.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now()}
}

// NewAssistantMessage creates an assistant message with optional tool calls.
func NewAssistantMessage(content string, calls ...ToolCallRequest) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls, Timestamp: time.Now()}
}

// NewToolMessage creates the tool message answering one tool call.
func NewToolMessage(result ToolResult) Message {
	return Message{
		Role:       RoleTool,
		Content:    result.Content,
		ToolCallID: result.ToolCallID,
		IsError:    result.IsError,
		Timestamp:  time.Now(),
	}
}

// HasToolCalls reports whether the message requests tool execution.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// clone returns a copy that shares no slices or maps with m.
func (m Message) clone() Message {
	if m.ToolCalls != nil {
		calls := make([]ToolCallRequest, len(m.ToolCalls))
		for i, call := range m.ToolCalls {
			call.Arguments = call.Arguments.Clone()
			calls[i] = call
		}
		m.ToolCalls = calls
	}
	return m
}

// Arguments holds decoded tool call arguments.
type Arguments map[string]any

// ParseArguments decodes a JSON object into Arguments. Empty input yields
// empty arguments.
func ParseArguments(raw json.RawMessage) (Arguments, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Arguments{}, nil
	}
	var args Arguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = Arguments{}
	}
	return args, nil
}

// Clone returns a deep copy of a. Nested maps and slices are copied too.
func (a Arguments) Clone() Arguments {
	if a == nil {
		return nil
	}
	out := make(Arguments, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return map[string]any(Arguments(v).Clone())
	case Arguments:
		return v.Clone()
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}

// JSON encodes the arguments, returning "{}" for nil.
func (a Arguments) JSON() json.RawMessage {
	if a == nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// GetString returns a string argument.
func (a Arguments) GetString(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetStringOr returns a string argument or def when it is absent or empty.
func (a Arguments) GetStringOr(key, def string) string {
	if s, ok := a.GetString(key); ok && s != "" {
		return s
	}
	return def
}

// GetFloat returns a numeric argument.
func (a Arguments) GetFloat(key string) (float64, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// GetInt returns an integer argument. Fractional numbers are rejected.
func (a Arguments) GetInt(key string) (int, bool) {
	f, ok := a.GetFloat(key)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// GetBool returns a boolean argument.
func (a Arguments) GetBool(key string) (bool, bool) {
	v, ok := a[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

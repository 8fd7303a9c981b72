package agentloop

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/martinemde/codeloop/unifiedllm"
)

// LLMClient sends a conversation to a model and returns its reply as an
// assistant message. Implementations must honour ctx.
type LLMClient interface {
	Send(ctx context.Context, history []Message, tools []ToolDefinition) (Message, error)
}

// LLMClientFunc adapts a function to LLMClient.
type LLMClientFunc func(ctx context.Context, history []Message, tools []ToolDefinition) (Message, error)

func (f LLMClientFunc) Send(ctx context.Context, history []Message, tools []ToolDefinition) (Message, error) {
	return f(ctx, history, tools)
}

// UnifiedClient is the LLMClient backed by a unifiedllm.Client. It prepends
// the system prompt to every request.
type UnifiedClient struct {
	client       *unifiedllm.Client
	provider     string
	model        string
	systemPrompt string
	temperature  *float64
	maxTokens    *int
	logger       zerolog.Logger
}

// UnifiedClientOption configures a UnifiedClient.
type UnifiedClientOption func(*UnifiedClient)

// WithSystemPrompt sets the system prompt.
func WithSystemPrompt(prompt string) UnifiedClientOption {
	return func(c *UnifiedClient) { c.systemPrompt = prompt }
}

// WithProviderName routes requests to a named provider of the client.
func WithProviderName(name string) UnifiedClientOption {
	return func(c *UnifiedClient) { c.provider = name }
}

// WithSampling sets temperature and max output tokens. Nil leaves the
// provider default.
func WithSampling(temperature *float64, maxTokens *int) UnifiedClientOption {
	return func(c *UnifiedClient) {
		c.temperature = temperature
		c.maxTokens = maxTokens
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger zerolog.Logger) UnifiedClientOption {
	return func(c *UnifiedClient) { c.logger = logger }
}

// NewUnifiedClient creates an LLMClient for model.
func NewUnifiedClient(client *unifiedllm.Client, model string, opts ...UnifiedClientOption) *UnifiedClient {
	c := &UnifiedClient{
		client: client,
		model:  model,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the model name requests are sent to.
func (c *UnifiedClient) Model() string { return c.model }

// Send implements LLMClient.
func (c *UnifiedClient) Send(ctx context.Context, history []Message, tools []ToolDefinition) (Message, error) {
	messages := make([]unifiedllm.Message, 0, len(history)+1)
	if c.systemPrompt != "" {
		messages = append(messages, unifiedllm.SystemMessage(c.systemPrompt))
	}
	messages = append(messages, ToUnifiedMessages(history)...)

	req := unifiedllm.Request{
		Model:       c.model,
		Provider:    c.provider,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	if len(tools) > 0 {
		req.ToolDefs = make([]unifiedllm.ToolDefinition, len(tools))
		for i, t := range tools {
			req.ToolDefs[i] = unifiedllm.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
	}

	resp, err := c.client.Complete(ctx, req)
	if err != nil {
		return Message{}, err
	}

	c.logger.Debug().
		Str("model", resp.Model).
		Str("finish_reason", resp.FinishReason.Reason).
		Int("input_tokens", resp.Usage.InputTokens).
		Int("output_tokens", resp.Usage.OutputTokens).
		Msg("llm response")

	return FromUnifiedResponse(resp)
}

// ToUnifiedMessages converts session history into unifiedllm messages.
func ToUnifiedMessages(history []Message) []unifiedllm.Message {
	messages := make([]unifiedllm.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, unifiedllm.UserMessage(msg.Content))
		case RoleSystem:
			messages = append(messages, unifiedllm.SystemMessage(msg.Content))
		case RoleAssistant:
			out := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
			if msg.Content != "" {
				out.Content = append(out.Content, unifiedllm.TextPart(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				out.Content = append(out.Content, unifiedllm.ToolCallPart(call.ID, call.Name, call.Arguments.JSON()))
			}
			messages = append(messages, out)
		case RoleTool:
			messages = append(messages, unifiedllm.ToolResultMessage(msg.ToolCallID, msg.Content, msg.IsError))
		}
	}
	return messages
}

// FromUnifiedResponse converts a model response into an assistant message.
// Calls whose arguments are not valid JSON keep empty arguments; schema
// validation in the dispatcher then reports what is missing.
func FromUnifiedResponse(resp *unifiedllm.Response) (Message, error) {
	if resp == nil {
		return Message{}, fmt.Errorf("llm returned no response")
	}
	msg := NewAssistantMessage(resp.Text())
	for _, call := range resp.ToolCalls() {
		args, err := ParseArguments(call.Arguments)
		if err != nil {
			args = Arguments{}
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCallRequest{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: args,
		})
	}
	return msg, nil
}

// newCallID generates a tool call id.
func newCallID(prefix string) string {
	return prefix + "_" + uuid.NewString()[:8]
}

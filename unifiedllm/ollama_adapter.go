package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
)

// OllamaAdapter talks to a local or remote Ollama server through its chat
// API, which carries tool calls as structured data.
type OllamaAdapter struct {
	client  *api.Client
	model   string
	options map[string]any
}

// NewOllamaAdapter creates an adapter for model. An empty baseURL uses
// OLLAMA_HOST, falling back to the default local server.
func NewOllamaAdapter(baseURL, model string, httpClient *http.Client) (*OllamaAdapter, error) {
	if model == "" {
		info := GetLatestModel("ollama", "tools")
		if info == nil {
			return nil, &ConfigurationError{SDKError: SDKError{Message: "no model configured for provider \"ollama\""}}
		}
		model = info.ID
	}

	var client *api.Client
	if baseURL == "" {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, &ConfigurationError{SDKError: SDKError{Message: "ollama client from environment", Cause: err}}
		}
	} else {
		base, err := url.Parse(baseURL)
		if err != nil {
			return nil, &ConfigurationError{SDKError: SDKError{Message: "invalid ollama base url " + baseURL, Cause: err}}
		}
		if httpClient == nil {
			httpClient = http.DefaultClient
		}
		client = api.NewClient(base, httpClient)
	}

	return &OllamaAdapter{client: client, model: model, options: map[string]any{}}, nil
}

// WithOption sets an Ollama model option such as num_ctx for every request.
func (a *OllamaAdapter) WithOption(key string, value any) *OllamaAdapter {
	a.options[key] = value
	return a
}

// Name returns the provider identifier.
func (a *OllamaAdapter) Name() string {
	return "ollama"
}

// Complete sends a non-streaming chat request.
func (a *OllamaAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	chatReq, err := a.translateRequest(req)
	if err != nil {
		return nil, err
	}

	var (
		content string
		calls   []api.ToolCall
		final   api.ChatResponse
	)
	err = a.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		content += resp.Message.Content
		calls = append(calls, resp.Message.ToolCalls...)
		if resp.Done {
			final = resp
		}
		return nil
	})
	if err != nil {
		return nil, a.translateError(ctx, err)
	}

	return a.buildResponse(chatReq.Model, content, calls, final)
}

func (a *OllamaAdapter) translateRequest(req Request) (*api.ChatRequest, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	messages := make([]api.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem, RoleUser:
			messages = append(messages, api.Message{Role: string(msg.Role), Content: msg.TextContent()})
		case RoleAssistant:
			out := api.Message{Role: "assistant", Content: msg.TextContent()}
			for _, call := range msg.ToolCalls() {
				args := api.ToolCallFunctionArguments{}
				if len(call.Arguments) > 0 {
					if err := json.Unmarshal(call.Arguments, &args); err != nil {
						return nil, &InvalidRequestError{ProviderError: ProviderError{
							SDKError: SDKError{Message: "tool call " + call.ID + " has invalid arguments", Cause: err},
							Provider: "ollama",
						}}
					}
				}
				out.ToolCalls = append(out.ToolCalls, api.ToolCall{
					Function: api.ToolCallFunction{Name: call.Name, Arguments: args},
				})
			}
			messages = append(messages, out)
		case RoleTool:
			if result := msg.ToolResult(); result != nil {
				messages = append(messages, api.Message{Role: "tool", Content: result.Text()})
			}
		}
	}

	tools, err := ollamaTools(req.ToolDefs)
	if err != nil {
		return nil, err
	}

	options := make(map[string]any, len(a.options)+4)
	for k, v := range a.options {
		options[k] = v
	}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		options["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		options["num_predict"] = *req.MaxTokens
	}
	if len(req.StopSequences) > 0 {
		options["stop"] = req.StopSequences
	}

	stream := false
	return &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Tools:    tools,
		Options:  options,
	}, nil
}

// ollamaTools converts tool definitions through their JSON form, which
// api.Tools decodes directly.
func ollamaTools(defs []ToolDefinition) (api.Tools, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	type function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	}
	type tool struct {
		Type     string   `json:"type"`
		Function function `json:"function"`
	}
	wire := make([]tool, len(defs))
	for i, d := range defs {
		wire[i] = tool{Type: "function", Function: function{Name: d.Name, Description: d.Description, Parameters: d.Parameters}}
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode tools: %w", err)
	}
	var tools api.Tools
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "tool schema not accepted by ollama", Cause: err}}
	}
	return tools, nil
}

func (a *OllamaAdapter) buildResponse(model, content string, calls []api.ToolCall, final api.ChatResponse) (*Response, error) {
	var parts []ContentPart
	if content != "" {
		parts = append(parts, TextPart(content))
	}
	for _, call := range calls {
		args, err := json.Marshal(call.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("encode tool call arguments: %w", err)
		}
		// Ollama does not assign call ids.
		id := "call_" + uuid.New().String()[:8]
		parts = append(parts, ToolCallPart(id, call.Function.Name, args))
	}

	reason := final.DoneReason
	finish := FinishReason{Reason: "stop", Raw: reason}
	switch {
	case len(calls) > 0:
		finish.Reason = "tool_calls"
	case reason == "length":
		finish.Reason = "length"
	}

	if final.Model != "" {
		model = final.Model
	}
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.Name(),
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: finish,
		Usage: Usage{
			InputTokens:  final.PromptEvalCount,
			OutputTokens: final.EvalCount,
			TotalTokens:  final.PromptEvalCount + final.EvalCount,
		},
	}, nil
}

func (a *OllamaAdapter) translateError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var status api.StatusError
	if errors.As(err, &status) {
		msg := status.ErrorMessage
		if msg == "" {
			msg = status.Status
		}
		return ErrorFromStatusCode(status.StatusCode, msg, a.Name(), "", err, nil)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &NetworkError{SDKError: SDKError{Message: "ollama server unreachable", Cause: err}}
	}
	return classifyByMessage(a.Name(), err)
}

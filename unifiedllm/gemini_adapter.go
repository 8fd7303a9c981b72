package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// GeminiAdapter calls the Gemini API through the google genai SDK.
type GeminiAdapter struct {
	client *genai.Client
	model  string
}

// NewGeminiAdapter creates an adapter for model. An empty apiKey lets the
// SDK read GOOGLE_API_KEY or GEMINI_API_KEY.
func NewGeminiAdapter(ctx context.Context, apiKey, model, baseURL string) (*GeminiAdapter, error) {
	if model == "" {
		info := GetLatestModel("gemini", "tools")
		if info == nil {
			return nil, &ConfigurationError{SDKError: SDKError{Message: "no model configured for provider \"gemini\""}}
		}
		model = info.ID
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "create gemini client", Cause: err}}
	}
	return &GeminiAdapter{client: client, model: model}, nil
}

// Name returns the provider identifier.
func (a *GeminiAdapter) Name() string {
	return "gemini"
}

// Complete sends a GenerateContent request.
func (a *GeminiAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	contents, config, err := toGenaiRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, a.translateError(ctx, err)
	}
	return fromGenaiResponse(model, resp)
}

// toGenaiRequest converts a request into Gemini contents and config. Gemini
// has no tool role: results travel as function responses in a user turn,
// and consecutive results share one turn.
func toGenaiRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	config := &genai.GenerateContentConfig{}
	if system := req.SystemPrompt(); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}
	if req.TopP != nil {
		p := float32(*req.TopP)
		config.TopP = &p
	}
	if req.MaxTokens != nil {
		config.MaxOutputTokens = int32(*req.MaxTokens)
	}
	config.StopSequences = req.StopSequences

	if len(req.ToolDefs) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(req.ToolDefs))
		for i, def := range req.ToolDefs {
			decls[i] = &genai.FunctionDeclaration{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  toGenaiSchema(def.Parameters),
			}
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		if req.ToolChoice != nil {
			config.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: genaiCallingConfig(*req.ToolChoice)}
		}
	}

	names := toolNameIndex(req.Messages)
	var contents []*genai.Content
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: msg.TextContent()}}})
		case RoleAssistant:
			content := &genai.Content{Role: "model"}
			if text := msg.TextContent(); text != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: text})
			}
			for _, call := range msg.ToolCalls() {
				args := map[string]any{}
				if len(call.Arguments) > 0 {
					if err := json.Unmarshal(call.Arguments, &args); err != nil {
						return nil, nil, &InvalidRequestError{ProviderError: ProviderError{
							SDKError: SDKError{Message: "tool call " + call.ID + " has invalid arguments", Cause: err},
							Provider: "gemini",
						}}
					}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: args},
				})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}
		case RoleTool:
			result := msg.ToolResult()
			if result == nil {
				continue
			}
			key := "output"
			if result.IsError {
				key = "error"
			}
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       result.ToolCallID,
				Name:     names[result.ToolCallID],
				Response: map[string]any{key: result.Text()},
			}}
			if n := len(contents); n > 0 && isFunctionResponseTurn(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
			} else {
				contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{part}})
			}
		}
	}
	return contents, config, nil
}

func isFunctionResponseTurn(c *genai.Content) bool {
	if c.Role != "user" || len(c.Parts) == 0 {
		return false
	}
	for _, p := range c.Parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return true
}

func genaiCallingConfig(choice ToolChoice) *genai.FunctionCallingConfig {
	switch choice.Mode {
	case "none":
		return &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeNone}
	case "required":
		return &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny}
	case "named":
		return &genai.FunctionCallingConfig{
			Mode:                 genai.FunctionCallingConfigModeAny,
			AllowedFunctionNames: []string{choice.ToolName},
		}
	default:
		return &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto}
	}
}

// toGenaiSchema converts a JSON schema object into the Gemini schema type.
// Keywords Gemini does not model are dropped.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		out.Type = genai.Type(strings.ToUpper(t))
	}
	if d, ok := schema["description"].(string); ok {
		out.Description = d
	}
	switch enum := schema["enum"].(type) {
	case []string:
		out.Enum = enum
	case []any:
		for _, v := range enum {
			out.Enum = append(out.Enum, fmt.Sprint(v))
		}
	}
	switch req := schema["required"].(type) {
	case []string:
		out.Required = req
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok && len(props) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if prop, ok := raw.(map[string]any); ok {
				out.Properties[name] = toGenaiSchema(prop)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = toGenaiSchema(items)
	}
	return out
}

func fromGenaiResponse(model string, resp *genai.GenerateContentResponse) (*Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		reason := "no candidates returned"
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, &ContentFilterError{ProviderError: ProviderError{
				SDKError: SDKError{Message: "prompt blocked: " + string(resp.PromptFeedback.BlockReason)},
				Provider: "gemini",
			}}
		}
		return nil, &ProviderError{SDKError: SDKError{Message: reason}, Provider: "gemini", Retryable: true}
	}

	candidate := resp.Candidates[0]
	var (
		parts []ContentPart
		text  strings.Builder
		calls int
	)
	if candidate.Content != nil {
		for _, p := range candidate.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				args, err := json.Marshal(p.FunctionCall.Args)
				if err != nil {
					return nil, fmt.Errorf("encode function call arguments: %w", err)
				}
				id := p.FunctionCall.ID
				if id == "" {
					id = "call_" + uuid.New().String()[:8]
				}
				parts = append(parts, ToolCallPart(id, p.FunctionCall.Name, args))
				calls++
			case p.Text != "":
				text.WriteString(p.Text)
			}
		}
	}
	if text.Len() > 0 {
		parts = append([]ContentPart{TextPart(text.String())}, parts...)
	}

	raw := string(candidate.FinishReason)
	finish := FinishReason{Reason: "other", Raw: raw}
	switch {
	case calls > 0:
		finish.Reason = "tool_calls"
	case raw == "STOP" || raw == "":
		finish.Reason = "stop"
	case raw == "MAX_TOKENS":
		finish.Reason = "length"
	case raw == "SAFETY" || raw == "RECITATION" || raw == "BLOCKLIST":
		finish.Reason = "content_filter"
	}

	out := &Response{
		ID:           resp.ResponseID,
		Model:        model,
		Provider:     "gemini",
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: finish,
	}
	if out.ID == "" {
		out.ID = "resp_" + uuid.New().String()[:8]
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		}
	}
	return out, nil
}

func (a *GeminiAdapter) translateError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return ErrorFromStatusCode(apiErr.Code, apiErr.Message, a.Name(), apiErr.Status, err, nil)
	}
	return classifyByMessage(a.Name(), err)
}

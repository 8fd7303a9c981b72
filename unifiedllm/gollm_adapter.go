package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

const (
	gollmDefaultMaxTokens   = 4096
	gollmDefaultTemperature = 0.2
)

// GollmAdapter serves the hosted providers gollm supports, such as OpenAI
// and Anthropic.
//
// gollm takes a single prompt, so the conversation is flattened into
// labelled blocks and tool calls come back embedded in the reply text.
type GollmAdapter struct {
	provider string
	model    string

	// mu guards llm: sampling options are set on it before each call.
	mu  sync.Mutex
	llm gollm.LLM
}

// NewGollmAdapter creates an adapter for cfg.Name. Without an API key gollm
// reads the provider's environment variable. extra is applied after the
// options derived from cfg.
func NewGollmAdapter(cfg ProviderConfig, extra ...gollm.ConfigOption) (*GollmAdapter, error) {
	provider := strings.ToLower(cfg.Name)
	model := cfg.Model
	if model == "" {
		latest := GetLatestModel(provider, "tools")
		if latest == nil {
			return nil, &ConfigurationError{SDKError: SDKError{
				Message: fmt.Sprintf("no model configured for provider %q", provider),
			}}
		}
		model = latest.ID
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = gollmDefaultMaxTokens
	}
	temperature := gollmDefaultTemperature
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}

	opts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(maxTokens),
		gollm.SetTemperature(temperature),
		// RetryMiddleware owns retries.
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.APIKey != "" {
		opts = append(opts, gollm.SetAPIKey(cfg.APIKey))
	}

	llm, err := gollm.NewLLM(append(opts, extra...)...)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "create " + provider + " client",
			Cause:   err,
		}}
	}
	return &GollmAdapter{provider: provider, model: model, llm: llm}, nil
}

func (a *GollmAdapter) Name() string { return a.provider }

func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	text := flattenConversation(req.Messages)
	if text == "" {
		text = "Hello"
	}
	prompt := gollm.NewPrompt(text, promptOptions(req)...)

	a.mu.Lock()
	a.setSampling(req)
	reply, err := a.llm.Generate(ctx, prompt)
	a.mu.Unlock()

	if err != nil {
		return nil, a.translateError(ctx, err)
	}
	return a.buildResponse(req, reply), nil
}

func promptOptions(req Request) []gollm.PromptOption {
	var opts []gollm.PromptOption
	if system := req.SystemPrompt(); system != "" {
		opts = append(opts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		opts = append(opts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, len(req.ToolDefs))
		for i, def := range req.ToolDefs {
			tools[i] = gollm.Tool{Type: "function", Function: gollm.Function{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			}}
		}
		opts = append(opts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		opts = append(opts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}
	return opts
}

func (a *GollmAdapter) setSampling(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.TopP != nil {
		a.llm.SetOption("top_p", *req.TopP)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// flattenConversation renders every non-system message as a labelled block.
// System messages travel as the prompt's system prompt instead.
func flattenConversation(messages []Message) string {
	var sb strings.Builder
	block := func(format string, args ...any) {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, format, args...)
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			block("[User]: %s", msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				block("[Assistant]: %s", text)
			}
			for _, call := range msg.ToolCalls() {
				block("[Assistant called %s (id %s)]: %s", call.Name, call.ID, call.Arguments)
			}
		case RoleTool:
			result := msg.ToolResult()
			if result == nil {
				continue
			}
			label := "Tool Result"
			if result.IsError {
				label = "Tool Error"
			}
			block("[%s (id %s)]: %s", label, result.ToolCallID, result.Text())
		}
	}
	return sb.String()
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	msg := Message{Role: RoleAssistant}
	calls, rest := parseToolCalls(text)
	if rest != "" || len(calls) == 0 {
		msg.Content = append(msg.Content, TextPart(rest))
	}
	for i := range calls {
		msg.Content = append(msg.Content, ContentPart{Kind: ContentToolCall, ToolCall: &calls[i]})
	}

	reason := "stop"
	if len(calls) > 0 {
		reason = "tool_calls"
	}

	// gollm reports no usage, so it is estimated.
	usage := Usage{InputTokens: estimateTokens(req), OutputTokens: len(text) / 4}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      msg,
		FinishReason: FinishReason{Reason: reason, Raw: reason},
		Usage:        usage,
	}
}

// embeddedCall is a tool call as models write it into reply text, either
// flat or in OpenAI's {"function": {...}} shape.
type embeddedCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Function  *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

func (c embeddedCall) toolCall() (ToolCall, bool) {
	name, args := c.Name, c.Arguments
	if c.Function != nil {
		name, args = c.Function.Name, c.Function.Arguments
	}
	if name == "" {
		return ToolCall{}, false
	}
	// Some models send the arguments object encoded as a string.
	var encoded string
	if json.Unmarshal(args, &encoded) == nil {
		args = json.RawMessage(encoded)
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	id := c.ID
	if id == "" {
		id = "call_" + uuid.New().String()[:8]
	}
	return ToolCall{ID: id, Name: name, Arguments: args}, true
}

func collectCalls(raw []embeddedCall) []ToolCall {
	var calls []ToolCall
	for _, c := range raw {
		if call, ok := c.toolCall(); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

var functionCallBlock = regexp.MustCompile(`(?s)<function_call>\s*(.*?)\s*</function_call>`)

// callExtractors are tried in order by parseToolCalls. Each returns the
// calls it found and the text that remains once they are removed.
var callExtractors = []func(text string) ([]ToolCall, string){
	func(text string) ([]ToolCall, string) {
		var raw []embeddedCall
		for _, m := range functionCallBlock.FindAllStringSubmatch(text, -1) {
			var c embeddedCall
			if json.Unmarshal([]byte(m[1]), &c) == nil {
				raw = append(raw, c)
			}
		}
		return collectCalls(raw), functionCallBlock.ReplaceAllString(text, "")
	},
	func(text string) ([]ToolCall, string) {
		start := strings.Index(text, `{"tool_calls"`)
		if start < 0 {
			return nil, text
		}
		var wrapper struct {
			ToolCalls []embeddedCall `json:"tool_calls"`
		}
		if json.Unmarshal([]byte(text[start:]), &wrapper) != nil {
			return nil, text
		}
		return collectCalls(wrapper.ToolCalls), text[:start]
	},
	func(text string) ([]ToolCall, string) {
		start := strings.Index(text, `[{"name"`)
		if start < 0 {
			return nil, text
		}
		var raw []embeddedCall
		if json.Unmarshal([]byte(text[start:]), &raw) != nil {
			return nil, text
		}
		return collectCalls(raw), text[:start]
	},
}

// parseToolCalls pulls tool calls out of reply text: <function_call>
// blocks, a trailing {"tool_calls": [...]} object or a trailing
// [{"name": ...}] array. Text with no usable call is returned unchanged.
func parseToolCalls(text string) ([]ToolCall, string) {
	for _, extract := range callExtractors {
		if calls, rest := extract(text); len(calls) > 0 {
			return calls, strings.TrimSpace(rest)
		}
	}
	return nil, text
}

func (a *GollmAdapter) translateError(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return classifyByMessage(a.provider, err)
	}
}

// estimateTokens guesses the prompt size at four characters per token, with
// a floor of ten for an empty request.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch {
			case part.Kind == ContentText:
				total += len(part.Text) / 4
			case part.ToolCall != nil:
				total += len(part.ToolCall.Arguments) / 4
			case part.ToolResult != nil:
				total += len(part.ToolResult.Content) / 4
			}
		}
	}
	if total == 0 {
		return 10
	}
	return total
}

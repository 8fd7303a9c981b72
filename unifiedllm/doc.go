// Package unifiedllm is a provider-agnostic LLM client. A Client routes
// Requests to registered ProviderAdapters and runs them through middleware
// such as RetryMiddleware. Provider failures are reported as a typed error
// hierarchy; IsRetryable tells transient ones apart.
//
// Three adapters are included:
//
//   - OllamaAdapter, over the Ollama chat API (github.com/ollama/ollama/api)
//   - GeminiAdapter, over the google genai SDK
//   - GollmAdapter, over github.com/teilomillet/gollm for OpenAI, Anthropic
//     and the other hosted providers gollm supports
//
// NewAdapter picks one from a ProviderConfig:
//
//	adapter, err := unifiedllm.NewAdapter(ctx, unifiedllm.ProviderConfig{Name: "ollama", Model: "llama3.1:8b"})
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider(adapter.Name(), adapter),
//	    unifiedllm.WithMiddleware(unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy(), log.Logger)),
//	)
//	resp, err := client.Complete(ctx, unifiedllm.Request{
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
package unifiedllm

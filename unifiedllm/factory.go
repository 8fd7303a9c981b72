package unifiedllm

import (
	"context"
	"fmt"
	"strings"
)

// ProviderConfig selects and configures one provider adapter.
type ProviderConfig struct {
	Name    string
	Model   string
	APIKey  string
	BaseURL string
	// ContextWindow is passed to providers that size their context per
	// request (Ollama's num_ctx). Zero keeps the provider default.
	ContextWindow int
	MaxTokens     int
	Temperature   *float64
}

// NewAdapter builds the adapter for cfg.Name. "ollama" and "gemini" use
// their native SDKs; every other provider goes through gollm.
func NewAdapter(ctx context.Context, cfg ProviderConfig) (ProviderAdapter, error) {
	switch name := strings.ToLower(cfg.Name); name {
	case "":
		return nil, &ConfigurationError{SDKError: SDKError{Message: "no provider configured"}}
	case "ollama":
		adapter, err := NewOllamaAdapter(cfg.BaseURL, cfg.Model, nil)
		if err != nil {
			return nil, err
		}
		if cfg.ContextWindow > 0 {
			adapter.WithOption("num_ctx", cfg.ContextWindow)
		}
		return adapter, nil
	case "gemini", "google":
		return NewGeminiAdapter(ctx, cfg.APIKey, cfg.Model, cfg.BaseURL)
	default:
		adapter, err := NewGollmAdapter(cfg)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		return adapter, nil
	}
}

package unifiedllm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ProviderAdapter is implemented by every provider backend.
type ProviderAdapter interface {
	// Name is the provider identifier requests are routed by, such as
	// "ollama" or "gemini".
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}

// CompleteFunc performs one completion.
type CompleteFunc func(ctx context.Context, req Request) (*Response, error)

// Middleware wraps a CompleteFunc. The first middleware passed to the
// client is the outermost.
type Middleware func(next CompleteFunc) CompleteFunc

// Client routes requests to registered provider adapters through a
// middleware chain. It is safe for concurrent use.
type Client struct {
	mu              sync.RWMutex
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers adapter under name.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) { c.providers[strings.ToLower(name)] = adapter }
}

// WithDefaultProvider sets the provider used when a request names none.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultProvider = strings.ToLower(name) }
}

// WithMiddleware appends middleware to the chain.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

// NewClient creates a Client. With a single provider and no explicit
// default, that provider becomes the default.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{providers: make(map[string]ProviderAdapter)}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds an adapter after construction. The first provider
// registered on a client without a default becomes the default.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	name = strings.ToLower(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// Providers returns the registered provider names, sorted.
func (c *Client) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// adapterFor picks the adapter for req: the provider it names, then the
// default, then the provider the model catalog lists for req.Model.
func (c *Client) adapterFor(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := strings.ToLower(req.Provider)
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// Complete sends req through the middleware chain to its provider.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.adapterFor(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	c.mu.RLock()
	chain := CompleteFunc(adapter.Complete)
	for i := len(c.middleware) - 1; i >= 0; i-- {
		chain = c.middleware[i](chain)
	}
	c.mu.RUnlock()

	return chain(ctx, req)
}

// Close closes every adapter that holds resources and returns the first
// error.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var first error
	for _, adapter := range c.providers {
		closer, ok := adapter.(Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LoggingMiddleware logs every completion at debug level and failures at
// warn level.
func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next CompleteFunc) CompleteFunc {
		return func(ctx context.Context, req Request) (*Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			if err != nil {
				logger.Warn().
					Err(err).
					Str("provider", req.Provider).
					Str("model", req.Model).
					Dur("duration", time.Since(start)).
					Msg("llm request failed")
				return nil, err
			}
			logger.Debug().
				Str("provider", req.Provider).
				Str("model", resp.Model).
				Int("messages", len(req.Messages)).
				Int("tool_calls", len(resp.ToolCalls())).
				Int("total_tokens", resp.Usage.TotalTokens).
				Dur("duration", time.Since(start)).
				Msg("llm request")
			return resp, nil
		}
	}
}

package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SDKError is embedded by every error this package returns.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *SDKError) Unwrap() error { return e.Cause }

// ProviderError is a failure reported by a provider. The concrete types
// below embed it; a bare ProviderError is a failure that fits none of them.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	// RetryAfter is the provider's backoff hint in seconds.
	RetryAfter *float64
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

func (e *ProviderError) retryable() bool { return e.Retryable }

type (
	AuthenticationError struct{ ProviderError }
	AccessDeniedError   struct{ ProviderError }
	NotFoundError       struct{ ProviderError }
	InvalidRequestError struct{ ProviderError }
	ContentFilterError  struct{ ProviderError }
	ContextLengthError  struct{ ProviderError }
	QuotaExceededError  struct{ ProviderError }
	RateLimitError      struct{ ProviderError }
	ServerError         struct{ ProviderError }
)

func (*RateLimitError) retryable() bool { return true }
func (*ServerError) retryable() bool { return true }

// Failures that happen outside the provider.
type (
	RequestTimeoutError struct{ SDKError }
	NetworkError        struct{ SDKError }
	AbortError          struct{ SDKError }
	ConfigurationError  struct{ SDKError }
)

func (*RequestTimeoutError) retryable() bool { return true }
func (*NetworkError) retryable() bool { return true }
func (*AbortError) retryable() bool { return false }
func (*ConfigurationError) retryable() bool { return false }

// IsRetryable reports whether err is worth another attempt. The outermost
// error of this package in the chain decides. Context cancellation and
// deadlines never retry; errors from outside this package always do.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ retryable() bool }
	if errors.As(err, &r) {
		return r.retryable()
	}
	return true
}

type errorKind int

const (
	kindUnknown errorKind = iota
	kindInvalidRequest
	kindAuthentication
	kindAccessDenied
	kindNotFound
	kindTimeout
	kindContextLength
	kindRateLimit
	kindServer
	kindNetwork
	kindContentFilter
)

var statusKinds = map[int]errorKind{
	400: kindInvalidRequest,
	401: kindAuthentication,
	403: kindAccessDenied,
	404: kindNotFound,
	408: kindTimeout,
	413: kindContextLength,
	422: kindInvalidRequest,
	429: kindRateLimit,
	500: kindServer,
	502: kindServer,
	503: kindServer,
	504: kindServer,
}

// ErrorFromStatusCode builds the error for an HTTP status returned by
// provider. Statuses with no dedicated type become a retryable
// ProviderError.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, cause error, retryAfter *float64) error {
	return newKindError(statusKinds[statusCode], ProviderError{
		SDKError:   SDKError{Message: message, Cause: cause},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		RetryAfter: retryAfter,
	})
}

func newKindError(kind errorKind, pe ProviderError) error {
	switch kind {
	case kindInvalidRequest:
		return &InvalidRequestError{pe}
	case kindAuthentication:
		return &AuthenticationError{pe}
	case kindAccessDenied:
		return &AccessDeniedError{pe}
	case kindNotFound:
		return &NotFoundError{pe}
	case kindContextLength:
		return &ContextLengthError{pe}
	case kindContentFilter:
		return &ContentFilterError{pe}
	case kindRateLimit:
		pe.Retryable = true
		return &RateLimitError{pe}
	case kindServer:
		pe.Retryable = true
		return &ServerError{pe}
	case kindTimeout:
		return &RequestTimeoutError{pe.SDKError}
	case kindNetwork:
		return &NetworkError{pe.SDKError}
	default:
		pe.Retryable = true
		return &pe
	}
}

// messageRules recover a failure kind from client libraries that only
// report HTTP failures as formatted strings. The first match wins.
var messageRules = []struct {
	kind    errorKind
	status  int
	needles []string
}{
	{kindAuthentication, 401, []string{"401", "unauthorized", "invalid key", "invalid api key"}},
	{kindAccessDenied, 403, []string{"403", "forbidden"}},
	{kindNotFound, 404, []string{"404", "not found"}},
	{kindRateLimit, 429, []string{"429", "rate limit"}},
	{kindContextLength, 413, []string{"context length", "too many tokens"}},
	{kindServer, 500, []string{"500", "502", "503", "internal server", "overloaded"}},
	{kindTimeout, 0, []string{"timeout"}},
	{kindNetwork, 0, []string{"connection refused", "no such host"}},
	{kindContentFilter, 0, []string{"content filter", "safety"}},
}

func classifyByMessage(provider string, err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	pe := ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: provider}
	for _, rule := range messageRules {
		for _, needle := range rule.needles {
			if strings.Contains(lower, needle) {
				pe.StatusCode = rule.status
				return newKindError(rule.kind, pe)
			}
		}
	}
	return newKindError(kindUnknown, pe)
}

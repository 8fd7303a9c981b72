package agentloop

import (
	"context"
	"errors"
	"fmt"

	"github.com/martinemde/codeloop/unifiedllm"
)

var (
	// ErrEmptyHistory is returned when the model would be called with no
	// messages at all.
	ErrEmptyHistory = errors.New("agentloop: session history is empty")

	// ErrSessionBusy is returned when a turn is already running for the
	// session.
	ErrSessionBusy = errors.New("agentloop: session is busy")

	ErrSessionNotFound = errors.New("agentloop: session not found")

	// ErrOrphanToolResult rejects a tool message that answers no tool call
	// of an earlier assistant message.
	ErrOrphanToolResult = errors.New("agentloop: tool result has no matching tool call")

	ErrDuplicateToolCallID = errors.New("agentloop: duplicate tool call id")
	ErrInvalidMessage      = errors.New("agentloop: invalid message")

	// ErrMalformedToolCall marks a response that looks like a tool call but
	// carries no structured call. It is recovered by asking the model to
	// retry and only surfaces in events.
	ErrMalformedToolCall = errors.New("agentloop: malformed tool call")

	ErrRecursionLimitExceeded = errors.New("agentloop: step budget exhausted")

	// ErrRetryBudgetExceeded is returned when the model keeps producing
	// malformed tool calls. It matches ErrRecursionLimitExceeded too.
	ErrRetryBudgetExceeded = fmt.Errorf("%w: malformed tool call retries exhausted", ErrRecursionLimitExceeded)

	ErrCancelled = errors.New("agentloop: turn cancelled")
)

// ErrorKind classifies Error events.
type ErrorKind string

const (
	ErrorKindTransport              ErrorKind = "transport"
	ErrorKindMalformedToolCall      ErrorKind = "malformed_tool_call"
	ErrorKindRecursionLimitExceeded ErrorKind = "recursion_limit_exceeded"
	ErrorKindCancelled              ErrorKind = "cancelled"
	ErrorKindEmptyHistory           ErrorKind = "empty_history"
	// ErrorKindInternal reports a failure of the session store itself.
	ErrorKindInternal               ErrorKind = "internal"
)

// TransportError wraps a failure of the LLM call itself.
type TransportError struct {
	Err       error
	Retryable bool
}

func (e *TransportError) Error() string {
	return "llm transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// newTransportError classifies err using the unifiedllm error taxonomy.
func newTransportError(err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{Err: err, Retryable: unifiedllm.IsRetryable(err)}
}

// Describe returns a message a user can act on.
func (e *TransportError) Describe() string {
	var (
		rateLimit *unifiedllm.RateLimitError
		auth      *unifiedllm.AuthenticationError
		denied    *unifiedllm.AccessDeniedError
		notFound  *unifiedllm.NotFoundError
		ctxLen    *unifiedllm.ContextLengthError
		timeout   *unifiedllm.RequestTimeoutError
		network   *unifiedllm.NetworkError
		server    *unifiedllm.ServerError
		config    *unifiedllm.ConfigurationError
	)
	switch {
	case errors.As(e.Err, &rateLimit):
		return "The model provider is rate limiting requests. Wait a moment and send the message again."
	case errors.As(e.Err, &auth), errors.As(e.Err, &denied):
		return "The model provider rejected the credentials. Check the API key in the configuration or environment."
	case errors.As(e.Err, &notFound):
		return "The configured model was not found by the provider. Check the model name."
	case errors.As(e.Err, &ctxLen):
		return "The conversation no longer fits in the model's context window. Start a new session."
	case errors.As(e.Err, &timeout), errors.Is(e.Err, context.DeadlineExceeded):
		return "The model did not answer in time. Try again, or raise the LLM timeout."
	case errors.As(e.Err, &network):
		return "Could not reach the model provider. Check the network connection and base URL."
	case errors.As(e.Err, &server):
		return "The model provider returned a server error. Try again shortly."
	case errors.As(e.Err, &config):
		return "The LLM client is misconfigured: " + config.Message
	}
	return "The model request failed: " + e.Err.Error()
}

package agentloop

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultToolTimeout bounds a single tool invocation.
const DefaultToolTimeout = 5 * time.Minute

// Dispatcher resolves tool calls against a ToolRegistry and runs them. It
// never returns a Go error: every failure, including panics in handlers,
// becomes an error ToolResult the model can read.
type Dispatcher struct {
	registry *ToolRegistry
	timeout  time.Duration
	logger   zerolog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithToolTimeout sets the per-call deadline. Zero disables it.
func WithToolTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.timeout = d }
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger zerolog.Logger) DispatcherOption {
	return func(disp *Dispatcher) { disp.logger = logger }
}

// NewDispatcher creates a Dispatcher over registry.
func NewDispatcher(registry *ToolRegistry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		timeout:  DefaultToolTimeout,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher resolves names against.
func (d *Dispatcher) Registry() *ToolRegistry {
	return d.registry
}

// Invoke runs one tool call. Calls are not retried.
func (d *Dispatcher) Invoke(ctx context.Context, call ToolCallRequest) (result ToolResult) {
	logger := d.logger.With().Str("tool", call.Name).Str("call_id", call.ID).Logger()

	tool := d.registry.Get(call.Name)
	if tool == nil {
		logger.Warn().Msg("unknown tool requested")
		return errorResult(call.ID, fmt.Sprintf("Unknown tool: %s", call.Name))
	}

	args := call.Arguments
	if args == nil {
		args = Arguments{}
	}
	if err := ValidateArguments(tool.Definition.InputSchema, args); err != nil {
		logger.Debug().Err(err).Msg("invalid tool arguments")
		return errorResult(call.ID, fmt.Sprintf("Invalid arguments for %s: %v", call.Name, err))
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("tool handler panicked")
			result = errorResult(call.ID, fmt.Sprintf("Tool error (%s): panic: %v", call.Name, r))
		}
	}()

	start := time.Now()
	output, err := tool.Handler(ctx, args)
	logger = logger.With().Dur("duration", time.Since(start)).Logger()
	if err != nil {
		logger.Debug().Err(err).Msg("tool failed")
		return errorResult(call.ID, fmt.Sprintf("Tool error (%s): %v", call.Name, err))
	}
	logger.Debug().Int("output_len", len(output)).Msg("tool finished")
	return ToolResult{ToolCallID: call.ID, Content: output}
}

func errorResult(callID, message string) ToolResult {
	if message == "" {
		message = "tool failed without a message"
	}
	return ToolResult{ToolCallID: callID, Content: message, IsError: true}
}

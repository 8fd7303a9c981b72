package agentloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// repairToolName names the synthetic call attached to a malformed reply so
// that the retry instruction is a well-formed tool result.
const repairToolName = "malformed_tool_call"

const malformedRetryMessage = "Error: Your tool call was malformed or non-JSON. Please fix and retry."

// Config bounds a single turn.
type Config struct {
	// MaxSteps is the number of model calls allowed per turn.
	MaxSteps int
	// MaxMalformedRetries is the number of consecutive malformed tool calls
	// answered with a retry request before the turn fails.
	MaxMalformedRetries int
	// LLMTimeout bounds each model call. Zero disables it.
	LLMTimeout time.Duration
	// LoopDetectionWindow is the number of recent tool calls checked for
	// repetition. Zero disables loop detection.
	LoopDetectionWindow int
	// OutputLimits overrides DefaultOutputLimits per tool.
	OutputLimits map[string]OutputLimit
	// ContextWindow is the model's context size in tokens. When set, a
	// warning is logged once history approaches it.
	ContextWindow int
}

// DefaultConfig returns the default turn limits.
func DefaultConfig() Config {
	return Config{
		MaxSteps:            25,
		MaxMalformedRetries: 3,
		LLMTimeout:          2 * time.Minute,
		LoopDetectionWindow: 10,
	}
}

// Machine runs conversation turns. A turn moves through AwaitingModel,
// ValidatingResponse and ExecutingTools until it reaches Done or Failed;
// Next defines the transitions. Every history append produces exactly one
// event, and every failure produces exactly one terminal Error event.
//
// Machine is safe for concurrent use. Turns on different sessions run in
// parallel; a second turn on a busy session fails with ErrSessionBusy.
type Machine struct {
	client     LLMClient
	dispatcher *Dispatcher
	store      *SessionStore
	config     Config
	logger     zerolog.Logger
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithConfig sets the turn limits.
func WithConfig(cfg Config) MachineOption {
	return func(m *Machine) { m.config = cfg }
}

// WithMachineLogger sets the logger.
func WithMachineLogger(logger zerolog.Logger) MachineOption {
	return func(m *Machine) { m.logger = logger }
}

// NewMachine creates a Machine.
func NewMachine(client LLMClient, dispatcher *Dispatcher, store *SessionStore, opts ...MachineOption) *Machine {
	m := &Machine{
		client:     client,
		dispatcher: dispatcher,
		store:      store,
		config:     DefaultConfig(),
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the session store the machine works on.
func (m *Machine) Store() *SessionStore { return m.store }

// Config returns the turn limits.
func (m *Machine) Config() Config { return m.config }

// Dispatcher returns the dispatcher tool calls are run through.
func (m *Machine) Dispatcher() *Dispatcher { return m.dispatcher }

// WithMaxSteps returns a copy of the machine with a different step budget,
// for resuming a turn that ran out of steps.
func (m *Machine) WithMaxSteps(n int) *Machine {
	clone := *m
	clone.config.MaxSteps = n
	return &clone
}

// Outcome summarises a finished turn.
type Outcome struct {
	SessionID string
	State     State
	Steps     int
	// Reply is the content of the last assistant message of the turn.
	Reply string
}

type turn struct {
	state   State
	steps   int
	retries int
	verdict Verdict
	reply   Message
	err     error
	warned  bool
}

// Run appends input as a user message and drives the session until the
// model gives a final answer or the turn fails. Events are published to pub
// in order. An empty input runs the model on the existing history.
//
// Cancelling ctx stops the turn at the next step boundary and kills any
// running tool process; the turn then fails with ErrCancelled.
func (m *Machine) Run(ctx context.Context, sessionID, input string, pub Publisher) (Outcome, error) {
	release, err := m.store.Acquire(sessionID)
	if err != nil {
		return Outcome{SessionID: sessionID, State: StateFailed}, err
	}
	defer release()

	em := newTurnEmitter(sessionID, pub)
	if input != "" {
		if err := m.store.Append(sessionID, NewUserMessage(input)); err != nil {
			return Outcome{SessionID: sessionID, State: StateFailed}, err
		}
		em.userInput(input)
	}
	return m.drive(ctx, sessionID, em)
}

// Resume continues a session from AwaitingModel without new input, for
// example after a turn ran out of steps.
func (m *Machine) Resume(ctx context.Context, sessionID string, pub Publisher) (Outcome, error) {
	return m.Run(ctx, sessionID, "", pub)
}

func (m *Machine) drive(ctx context.Context, sessionID string, em *turnEmitter) (Outcome, error) {
	logger := m.logger.With().Str("session_id", sessionID).Logger()
	t := &turn{state: StateAwaitingModel}

	for {
		from := t.state
		var err error
		switch t.state {
		case StateAwaitingModel:
			err = m.awaitModel(ctx, sessionID, t, em, logger)
		case StateValidatingResponse:
			err = m.validate(sessionID, t, em)
		case StateExecutingTools:
			err = m.executeTools(ctx, sessionID, t, em, logger)
		case StateDone:
			logger.Debug().Int("steps", t.steps).Msg("turn done")
			return t.outcome(sessionID), nil
		case StateFailed:
			return t.outcome(sessionID), t.err
		}

		if err != nil {
			t.err = err
			t.state = Next(t.state, StepFailed, t.verdict)
			m.reportFailure(em, err, logger)
		}
		logger.Debug().
			Stringer("from", from).
			Stringer("to", t.state).
			Stringer("verdict", t.verdict).
			Msg("transition")
	}
}

func (t *turn) outcome(sessionID string) Outcome {
	return Outcome{
		SessionID: sessionID,
		State:     t.state,
		Steps:     t.steps,
		Reply:     t.reply.Content,
	}
}

func (m *Machine) awaitModel(ctx context.Context, sessionID string, t *turn, em *turnEmitter, logger zerolog.Logger) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	if t.steps >= m.config.MaxSteps {
		return fmt.Errorf("%w: %d model calls", ErrRecursionLimitExceeded, t.steps)
	}

	history, err := m.store.Snapshot(sessionID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return ErrEmptyHistory
	}
	m.checkContextUsage(history, t, logger)

	t.steps++
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if m.config.LLMTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, m.config.LLMTimeout)
	}
	reply, err := m.client.Send(callCtx, history, m.dispatcher.Registry().Definitions())
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx.Err())
		}
		return newTransportError(err)
	}

	reply.Role = RoleAssistant
	if reply.Timestamp.IsZero() {
		reply.Timestamp = time.Now()
	}
	reply.ToolCalls = NormalizeCallIDs(reply.ToolCalls)
	t.verdict = Classify(reply)
	if t.verdict == VerdictMalformed && t.retries < m.config.MaxMalformedRetries {
		reply.ToolCalls = []ToolCallRequest{{ID: newCallID("repair"), Name: repairToolName, Arguments: Arguments{}}}
	}

	if err := m.store.Append(sessionID, reply); err != nil {
		return err
	}
	em.assistantText(reply.Content)
	t.reply = reply
	t.state = Next(t.state, StepReplied, t.verdict)
	return nil
}

func (m *Machine) validate(sessionID string, t *turn, em *turnEmitter) error {
	switch t.verdict {
	case VerdictMalformed:
		if t.retries >= m.config.MaxMalformedRetries {
			return fmt.Errorf("%w after %d retries", ErrRetryBudgetExceeded, t.retries)
		}
		t.retries++
		retry := ToolResult{ToolCallID: t.reply.ToolCalls[0].ID, Content: malformedRetryMessage, IsError: true}
		if err := m.store.Append(sessionID, NewToolMessage(retry)); err != nil {
			return err
		}
		em.errorEvent(ErrorKindMalformedToolCall,
			fmt.Sprintf("The model wrote a tool call as text; asking it to retry (%d/%d).", t.retries, m.config.MaxMalformedRetries),
			false)
	case VerdictToolCalls:
		t.retries = 0
	}
	t.state = Next(t.state, StepClassified, t.verdict)
	return nil
}

func (m *Machine) executeTools(ctx context.Context, sessionID string, t *turn, em *turnEmitter, logger zerolog.Logger) error {
	calls := t.reply.ToolCalls
	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			if cerr := m.cancelRemaining(sessionID, calls[i:], em); cerr != nil {
				return cerr
			}
			return cancelled(err)
		}

		em.toolStarted(call)
		full := m.dispatcher.Invoke(ctx, call)

		result := full
		result.Content = TruncateToolOutput(full.Content, call.Name, m.config.OutputLimits)
		if i == len(calls)-1 && m.detectLoop(sessionID) {
			logger.Warn().Str("tool", call.Name).Int("window", m.config.LoopDetectionWindow).Msg("tool call loop detected")
			result.Content += loopWarningText(m.config.LoopDetectionWindow)
		}

		if err := m.store.Append(sessionID, NewToolMessage(result)); err != nil {
			return err
		}
		em.toolFinished(call, full)
	}
	t.state = Next(t.state, StepToolsExecuted, t.verdict)
	return nil
}

// cancelRemaining answers every call that will not run, so the history
// never holds a tool call without a result.
func (m *Machine) cancelRemaining(sessionID string, calls []ToolCallRequest, em *turnEmitter) error {
	for _, call := range calls {
		result := ToolResult{ToolCallID: call.ID, Content: "Cancelled before execution.", IsError: true}
		if err := m.store.Append(sessionID, NewToolMessage(result)); err != nil {
			return err
		}
		em.toolFinished(call, result)
	}
	return nil
}

func (m *Machine) detectLoop(sessionID string) bool {
	if m.config.LoopDetectionWindow <= 0 {
		return false
	}
	history, err := m.store.Snapshot(sessionID)
	if err != nil {
		return false
	}
	return DetectLoop(history, m.config.LoopDetectionWindow)
}

// checkContextUsage logs once per turn when the history is estimated to
// fill more than 80% of the context window (four characters per token).
func (m *Machine) checkContextUsage(history []Message, t *turn, logger zerolog.Logger) {
	if m.config.ContextWindow <= 0 || t.warned {
		return
	}
	chars := 0
	for _, msg := range history {
		chars += len(msg.Content)
		for _, call := range msg.ToolCalls {
			chars += len(call.Name) + len(call.Arguments.JSON())
		}
	}
	tokens := chars / 4
	if tokens > m.config.ContextWindow*8/10 {
		t.warned = true
		logger.Warn().
			Int("estimated_tokens", tokens).
			Int("context_window", m.config.ContextWindow).
			Msg("conversation is close to the model context window")
	}
}

func (m *Machine) reportFailure(em *turnEmitter, err error, logger zerolog.Logger) {
	var te *TransportError
	switch {
	case errors.Is(err, ErrCancelled):
		logger.Info().Msg("turn cancelled")
		em.errorEvent(ErrorKindCancelled, "The turn was cancelled.", true)
	case errors.Is(err, ErrEmptyHistory):
		logger.Warn().Msg("model called with empty history")
		em.errorEvent(ErrorKindEmptyHistory, "There is nothing to answer yet. Send a message first.", true)
	case errors.Is(err, ErrRetryBudgetExceeded):
		logger.Warn().Err(err).Msg("malformed tool call retries exhausted")
		em.errorEvent(ErrorKindRecursionLimitExceeded,
			"The model kept producing malformed tool calls. Rephrase the request or continue to try again.", true)
	case errors.Is(err, ErrRecursionLimitExceeded):
		logger.Warn().Err(err).Msg("step budget exhausted")
		em.errorEvent(ErrorKindRecursionLimitExceeded,
			"The agent has been working for a while and used its step budget. Continue, or refine the request.", true)
	case errors.As(err, &te):
		logger.Error().Err(te.Err).Bool("retryable", te.Retryable).Msg("llm transport failure")
		em.errorEvent(ErrorKindTransport, te.Describe(), true)
	default:
		logger.Error().Err(err).Msg("turn failed")
		em.errorEvent(ErrorKindInternal, err.Error(), true)
	}
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// NormalizeCallIDs gives every call a unique id: empty ids are generated and
// the k-th repeat of an id x becomes "x#k". Ids are otherwise untouched, so
// normalizing twice changes nothing.
func NormalizeCallIDs(calls []ToolCallRequest) []ToolCallRequest {
	if len(calls) == 0 {
		return calls
	}
	out := make([]ToolCallRequest, len(calls))
	taken := make(map[string]bool, len(calls))
	for _, call := range calls {
		taken[call.ID] = true
	}
	counts := make(map[string]int, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = newCallID("call")
			taken[call.ID] = true
		} else {
			counts[call.ID]++
			if k := counts[call.ID]; k > 1 {
				id := fmt.Sprintf("%s#%d", call.ID, k)
				for taken[id] {
					k++
					id = fmt.Sprintf("%s#%d", call.ID, k)
				}
				counts[call.ID] = k
				taken[id] = true
				call.ID = id
			}
		}
		out[i] = call
	}
	return out
}

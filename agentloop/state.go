package agentloop

import "strings"

// State is a position in the per-turn conversation state machine.
type State int

const (
	StateAwaitingModel State = iota
	StateValidatingResponse
	StateExecutingTools
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "awaiting_model"
	case StateValidatingResponse:
		return "validating_response"
	case StateExecutingTools:
		return "executing_tools"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the turn has ended.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Verdict is the classification of one model response.
type Verdict int

const (
	// VerdictFinalAnswer is plain text with no tool call intent.
	VerdictFinalAnswer Verdict = iota
	// VerdictToolCalls carries at least one structured tool call.
	VerdictToolCalls
	// VerdictMalformed has no structured call but text that looks like one.
	VerdictMalformed
)

func (v Verdict) String() string {
	switch v {
	case VerdictFinalAnswer:
		return "final_answer"
	case VerdictToolCalls:
		return "tool_calls"
	case VerdictMalformed:
		return "malformed"
	}
	return "unknown"
}

// toolCallTriggers are substrings that suggest the model tried to call a
// tool in plain text.
var toolCallTriggers = []string{"{", "}", "tool_call", "arguments", "<tool"}

// LooksLikeToolCall reports whether content reads like an attempted tool
// call. Any brace or tool-call keyword counts.
func LooksLikeToolCall(content string) bool {
	for _, trigger := range toolCallTriggers {
		if strings.Contains(content, trigger) {
			return true
		}
	}
	return false
}

// Classify decides how a model response is handled. Structured calls always
// win over the text heuristic.
func Classify(msg Message) Verdict {
	switch {
	case len(msg.ToolCalls) > 0:
		return VerdictToolCalls
	case LooksLikeToolCall(msg.Content):
		return VerdictMalformed
	default:
		return VerdictFinalAnswer
	}
}

// Step is what happened while the machine was in a state.
type Step int

const (
	// StepReplied means the model answered and the reply was recorded.
	StepReplied Step = iota
	// StepClassified means the recorded reply was classified; the verdict
	// selects the next state.
	StepClassified
	// StepToolsExecuted means every requested tool produced a result.
	StepToolsExecuted
	// StepFailed covers transport errors, exhausted budgets and cancellation.
	StepFailed
)

// Next is the transition function of the state machine. It is pure: the
// same inputs always give the same state, and terminal states never change.
func Next(s State, step Step, v Verdict) State {
	if s.Terminal() {
		return s
	}
	if step == StepFailed {
		return StateFailed
	}
	switch {
	case s == StateAwaitingModel && step == StepReplied:
		return StateValidatingResponse
	case s == StateValidatingResponse && step == StepClassified:
		switch v {
		case VerdictToolCalls:
			return StateExecutingTools
		case VerdictMalformed:
			return StateAwaitingModel
		default:
			return StateDone
		}
	case s == StateExecutingTools && step == StepToolsExecuted:
		return StateAwaitingModel
	}
	return s
}

package agentloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNext(t *testing.T) {
	tests := []struct {
		name  string
		state State
		step  Step
		v     Verdict
		want  State
	}{
		{"reply recorded", StateAwaitingModel, StepReplied, VerdictFinalAnswer, StateValidatingResponse},
		{"final answer", StateValidatingResponse, StepClassified, VerdictFinalAnswer, StateDone},
		{"tool calls", StateValidatingResponse, StepClassified, VerdictToolCalls, StateExecutingTools},
		{"malformed retries", StateValidatingResponse, StepClassified, VerdictMalformed, StateAwaitingModel},
		{"tools executed", StateExecutingTools, StepToolsExecuted, VerdictToolCalls, StateAwaitingModel},
		{"failure while awaiting", StateAwaitingModel, StepFailed, VerdictFinalAnswer, StateFailed},
		{"failure while validating", StateValidatingResponse, StepFailed, VerdictMalformed, StateFailed},
		{"failure while executing", StateExecutingTools, StepFailed, VerdictToolCalls, StateFailed},
		{"done is terminal", StateDone, StepReplied, VerdictToolCalls, StateDone},
		{"failed is terminal", StateFailed, StepToolsExecuted, VerdictToolCalls, StateFailed},
		{"mismatched step keeps state", StateAwaitingModel, StepToolsExecuted, VerdictToolCalls, StateAwaitingModel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Next(tt.state, tt.step, tt.v))
		})
	}
}

func TestLooksLikeToolCall(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"The answer is 42.", false},
		{"", false},
		{"I created the file for you.", false},
		{`{"name": "read_file", "arguments": {"file_path": "a.txt"}}`, true},
		{"Calling tool_call now", true},
		{"with these arguments", true},
		{"<tool>read_file</tool>", true},
		{"a closing brace }", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, LooksLikeToolCall(tt.content), "content %q", tt.content)
	}
}

func TestClassify(t *testing.T) {
	call := ToolCallRequest{ID: "1", Name: "echo"}

	assert.Equal(t, VerdictFinalAnswer, Classify(NewAssistantMessage("done")))
	assert.Equal(t, VerdictMalformed, Classify(NewAssistantMessage(`{"name":"echo"}`)))
	assert.Equal(t, VerdictToolCalls, Classify(NewAssistantMessage(`{"json": true}`, call)),
		"structured calls win over the text heuristic")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_model", StateAwaitingModel.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.True(t, StateDone.Terminal())
	assert.False(t, StateExecutingTools.Terminal())
}

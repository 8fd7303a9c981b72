package agentloop

import (
	"crypto/sha256"
	"fmt"
)

const loopWarning = "\n\n[loop detected: the last %d tool calls repeat the same pattern. " +
	"Stop repeating them and try a different approach, or answer with what you have.]"

// callSignature identifies a tool call by name and a hash of its encoded
// arguments. Map keys are encoded in sorted order, so equal arguments give
// equal signatures.
func callSignature(call ToolCallRequest) string {
	h := sha256.Sum256(call.Arguments.JSON())
	return fmt.Sprintf("%s:%x", call.Name, h[:8])
}

// recentCallSignatures returns up to count signatures of the latest tool
// calls in history, oldest first.
func recentCallSignatures(history []Message, count int) []string {
	sigs := make([]string, 0, count)
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		msg := history[i]
		if msg.Role != RoleAssistant {
			continue
		}
		for j := len(msg.ToolCalls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, callSignature(msg.ToolCalls[j]))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last window tool calls in history are a
// repetition of a pattern of one, two or three calls.
func DetectLoop(history []Message, window int) bool {
	if window < 2 {
		return false
	}
	sigs := recentCallSignatures(history, window)
	if len(sigs) < window {
		return false
	}

	for size := 1; size <= 3; size++ {
		if window%size != 0 {
			continue
		}
		repeats := true
		for i := size; i < window && repeats; i++ {
			repeats = sigs[i] == sigs[i%size]
		}
		if repeats {
			return true
		}
	}
	return false
}

func loopWarningText(window int) string {
	return fmt.Sprintf(loopWarning, window)
}

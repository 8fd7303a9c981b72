package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies which part of an oversized output is kept.
type TruncationMode string

const (
	// TruncateHeadTail keeps the beginning and the end.
	TruncateHeadTail TruncationMode = "head_tail"
	// TruncateTail keeps the end.
	TruncateTail TruncationMode = "tail"
)

// OutputLimit bounds the tool output handed back to the model. The full
// output still travels in the ToolCallFinished event.
type OutputLimit struct {
	Chars int
	Lines int
	Mode  TruncationMode
}

const defaultCharLimit = 30000

// DefaultOutputLimits are the per-tool limits used when no override is set.
var DefaultOutputLimits = map[string]OutputLimit{
	"read_file":       {Chars: 50000, Mode: TruncateHeadTail},
	"execute_command": {Chars: 30000, Lines: 256, Mode: TruncateHeadTail},
	"execute_code":    {Chars: 30000, Lines: 256, Mode: TruncateHeadTail},
	"list_directory":  {Chars: 20000, Lines: 500, Mode: TruncateTail},
}

// limitFor resolves the limit for a tool: override, then default, then the
// generic fallback.
func limitFor(tool string, overrides map[string]OutputLimit) OutputLimit {
	if l, ok := overrides[tool]; ok {
		return l
	}
	if l, ok := DefaultOutputLimits[tool]; ok {
		return l
	}
	return OutputLimit{Chars: defaultCharLimit, Mode: TruncateHeadTail}
}

// TruncateOutput cuts output down to maxChars characters.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	if mode == TruncateTail {
		return fmt.Sprintf("[output truncated: the first %d characters were removed]\n\n", removed) +
			output[len(output)-maxChars:]
	}

	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[output truncated: %d characters were removed from the middle. "+
			"Re-run the tool with narrower input to see a specific part.]\n\n", removed) +
		output[len(output)-half:]
}

// TruncateLines keeps the first and last lines of output so that at most
// maxLines lines remain.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - head - tail

	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tail:], "\n")
}

// TruncateToolOutput applies the character limit first, which guards against
// pathological single-line output, and then the line limit.
func TruncateToolOutput(output, tool string, overrides map[string]OutputLimit) string {
	limit := limitFor(tool, overrides)
	result := TruncateOutput(output, limit.Chars, limit.Mode)
	return TruncateLines(result, limit.Lines)
}

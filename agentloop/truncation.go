package agentloop

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncationMode specifies which part of an oversized output survives.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

const defaultCharLimit = 30000

// TruncationLimits bounds tool output before it enters history. The full
// output still goes out on the tool_completed event.
type TruncationLimits struct {
	Chars map[string]int
	Lines map[string]int
	Modes map[string]TruncationMode
}

// DefaultTruncationLimits returns per-tool limits for the core tools.
func DefaultTruncationLimits() TruncationLimits {
	return TruncationLimits{
		Chars: map[string]int{
			"read_file":    50000,
			"shell":        30000,
			"grep":         20000,
			"glob":         20000,
			"list_dir":     20000,
			"edit_file":    10000,
			"write_file":   1000,
			"spawn_agents": 20000,
		},
		Lines: map[string]int{
			"shell":    256,
			"grep":     200,
			"glob":     500,
			"list_dir": 500,
		},
		Modes: map[string]TruncationMode{
			"grep":       TruncateTail,
			"glob":       TruncateTail,
			"edit_file":  TruncateTail,
			"write_file": TruncateTail,
		},
	}
}

// Apply truncates by characters first, then by lines.
func (l TruncationLimits) Apply(tool, output string) string {
	maxChars, ok := l.Chars[tool]
	if !ok {
		maxChars = defaultCharLimit
	}
	mode := l.Modes[tool]
	if mode == "" {
		mode = TruncateHeadTail
	}
	out := truncateChars(output, maxChars, mode)
	if maxLines := l.Lines[tool]; maxLines > 0 {
		out = truncateLines(out, maxLines)
	}
	return out
}

// truncateChars counts bytes but only cuts on rune boundaries, so the kept
// parts may fall a few bytes short of maxChars.
func truncateChars(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	if mode == TruncateTail {
		start := runeStartAfter(output, len(output)-maxChars)
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed.]\n\n", start) +
			output[start:]
	}
	head := runeStartBefore(output, maxChars/2)
	tail := runeStartAfter(output, len(output)-maxChars/2)
	return output[:head] +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"Re-run the tool with more targeted parameters to see specific parts.]\n\n", tail-head) +
		output[tail:]
}

// runeStartBefore backs i off to the start of the rune containing it.
func runeStartBefore(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeStartAfter moves i forward to the next rune start.
func runeStartAfter(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

func truncateLines(output string, maxLines int) string {
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

package agentloop

import (
	"crypto/sha256"
	"encoding/hex"
)

// DefaultLoopDetectionWindow is how many recent tool calls are compared.
const DefaultLoopDetectionWindow = 10

func callSignature(name string, args []byte) string {
	h := sha256.Sum256(args)
	return name + ":" + hex.EncodeToString(h[:8])
}

// recentSignatures returns up to count call signatures in chronological
// order, newest last.
func recentSignatures(history []Turn, count int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		a := history[i].Assistant
		if history[i].Kind != TurnAssistant || a == nil {
			continue
		}
		for j := len(a.ToolCalls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, callSignature(a.ToolCalls[j].Name, a.ToolCalls[j].Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last window tool calls repeat a pattern of
// length one, two or three.
func DetectLoop(history []Turn, window int) bool {
	if window <= 1 {
		return false
	}
	sigs := recentSignatures(history, window)
	if len(sigs) < window {
		return false
	}
	for n := 1; n <= 3; n++ {
		if window%n != 0 || window == n {
			continue
		}
		repeating := true
		for i := n; i < window && repeating; i++ {
			repeating = sigs[i] == sigs[i%n]
		}
		if repeating {
			return true
		}
	}
	return false
}

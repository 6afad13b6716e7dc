package unifiedllm

import "strings"

// FinishKind is the closed set of normalized finish reasons.
type FinishKind string

const (
	FinishStop          FinishKind = "stop"
	FinishToolUse       FinishKind = "tool_use"
	FinishLengthLimit   FinishKind = "length_limit"
	FinishContentFilter FinishKind = "content_filter"
	FinishError         FinishKind = "error"
)

// FinishKinds lists every member of the closed set.
var FinishKinds = []FinishKind{FinishStop, FinishToolUse, FinishLengthLimit, FinishContentFilter, FinishError}

func (k FinishKind) String() string { return string(k) }

// FinishReason describes why generation stopped. Raw keeps the provider's
// original string for diagnostics.
type FinishReason struct {
	Kind FinishKind `json:"kind"`
	Raw  string     `json:"raw,omitempty"`
}

var finishReasonMaps = map[string]map[string]FinishKind{
	"anthropic": {
		"end_turn":      FinishStop,
		"stop_sequence": FinishStop,
		"tool_use":      FinishToolUse,
		"max_tokens":    FinishLengthLimit,
		"refusal":       FinishContentFilter,
	},
	"openai": {
		"stop":           FinishStop,
		"tool_calls":     FinishToolUse,
		"function_call":  FinishToolUse,
		"length":         FinishLengthLimit,
		"content_filter": FinishContentFilter,
	},
	"gemini": {
		"STOP":               FinishStop,
		"MAX_TOKENS":         FinishLengthLimit,
		"SAFETY":             FinishContentFilter,
		"RECITATION":         FinishContentFilter,
		"BLOCKLIST":          FinishContentFilter,
		"PROHIBITED_CONTENT": FinishContentFilter,
		"SPII":               FinishContentFilter,
	},
	"gollm": {},
}

// NormalizeFinishReason maps a provider's raw finish reason onto the closed
// set. Canonical names decode to themselves for every provider. Anything
// unmapped becomes FinishError with the raw string preserved.
func NormalizeFinishReason(provider, raw string) FinishReason {
	fr := FinishReason{Raw: raw}
	if m, ok := finishReasonMaps[providerFamily(provider)]; ok {
		if kind, ok := m[raw]; ok {
			fr.Kind = kind
			return fr
		}
	}
	for _, k := range FinishKinds {
		if raw == string(k) {
			fr.Kind = k
			return fr
		}
	}
	fr.Kind = FinishError
	return fr
}

// providerFamily folds provider aliases onto the grammar that parses them.
func providerFamily(provider string) string {
	p := strings.ToLower(provider)
	switch p {
	case "claude":
		return "anthropic"
	case "openrouter", "deepseek", "groq", "ollama", "openai-compatible", "openai_compat":
		return "openai"
	case "google", "vertex":
		return "gemini"
	}
	return p
}

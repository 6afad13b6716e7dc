package unifiedllm

import "strings"

// ModelInfo describes a known model.
type ModelInfo struct {
	ID                string   `json:"id"`
	Provider          string   `json:"provider"`
	ContextWindow     int      `json:"context_window"`
	MaxOutput         int      `json:"max_output"`
	SupportsReasoning bool     `json:"supports_reasoning"`
	ParallelToolCalls bool     `json:"parallel_tool_calls"`
	Aliases           []string `json:"aliases,omitempty"`
}

// Models is the built-in catalog. The first entry per provider is its
// default.
var Models = []ModelInfo{
	{ID: "claude-sonnet-4-5", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 16384,
		SupportsReasoning: true, ParallelToolCalls: true, Aliases: []string{"sonnet"}},
	{ID: "claude-opus-4-1", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 32000,
		SupportsReasoning: true, ParallelToolCalls: true, Aliases: []string{"opus"}},
	{ID: "claude-haiku-4-5", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 8192,
		ParallelToolCalls: true, Aliases: []string{"haiku"}},

	{ID: "gpt-4.1", Provider: "openai", ContextWindow: 1047576, MaxOutput: 32768,
		ParallelToolCalls: true},
	{ID: "gpt-4.1-mini", Provider: "openai", ContextWindow: 1047576, MaxOutput: 32768,
		ParallelToolCalls: true},
	{ID: "o4-mini", Provider: "openai", ContextWindow: 200000, MaxOutput: 100000,
		SupportsReasoning: true},

	{ID: "gemini-2.5-pro", Provider: "gemini", ContextWindow: 1048576, MaxOutput: 65536,
		SupportsReasoning: true, ParallelToolCalls: true},
	{ID: "gemini-2.5-flash", Provider: "gemini", ContextWindow: 1048576, MaxOutput: 65536,
		SupportsReasoning: true, ParallelToolCalls: true, Aliases: []string{"flash"}},
}

// GetModelInfo looks a model up by id or alias.
func GetModelInfo(modelID string) *ModelInfo {
	id := strings.ToLower(modelID)
	for i := range Models {
		if Models[i].ID == id {
			return &Models[i]
		}
		for _, a := range Models[i].Aliases {
			if a == id {
				return &Models[i]
			}
		}
	}
	return nil
}

// DefaultModel returns the first catalog entry for provider.
func DefaultModel(provider string) *ModelInfo {
	family := providerFamily(provider)
	for i := range Models {
		if Models[i].Provider == family {
			return &Models[i]
		}
	}
	return nil
}

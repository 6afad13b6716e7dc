package agentloop

import "github.com/martinemde/tandem/unifiedllm"

// Profile holds the capabilities of a provider and model pair that shape a
// session: whether tool calls may run in parallel, how large the context
// window is, whether reasoning effort applies.
type Profile struct {
	Provider          string
	Model             string
	ContextWindow     int
	MaxOutput         int
	SupportsReasoning bool
	ParallelToolCalls bool
}

// ProfileFor looks the model up in the catalog. An empty model selects the
// provider's default; unknown models get conservative capabilities.
func ProfileFor(provider, model string) Profile {
	var info *unifiedllm.ModelInfo
	if model != "" {
		info = unifiedllm.GetModelInfo(model)
	} else {
		info = unifiedllm.DefaultModel(provider)
	}
	if info == nil {
		return Profile{Provider: provider, Model: model, ContextWindow: 128000, MaxOutput: 8192}
	}
	if provider == "" {
		provider = info.Provider
	}
	return Profile{
		Provider:          provider,
		Model:             info.ID,
		ContextWindow:     info.ContextWindow,
		MaxOutput:         info.MaxOutput,
		SupportsReasoning: info.SupportsReasoning,
		ParallelToolCalls: info.ParallelToolCalls,
	}
}

// BaseConfig builds the read-only session configuration for this profile.
// Reasoning effort is dropped for models that do not support it.
func (p Profile) BaseConfig(sessionID, system, reasoningEffort string) *BaseConfig {
	if !p.SupportsReasoning {
		reasoningEffort = ""
	}
	return &BaseConfig{
		SessionID:       sessionID,
		Provider:        p.Provider,
		Model:           p.Model,
		System:          system,
		MaxTokens:       p.MaxOutput,
		ReasoningEffort: reasoningEffort,
		ContextWindow:   p.ContextWindow,
	}
}

package agentloop

import (
	"sync"

	"github.com/martinemde/tandem/unifiedllm"
)

// BaseConfig is the read-only part of a session. It is shared by every
// loop, reviewer and sub-agent of the session and never mutated after
// construction.
type BaseConfig struct {
	SessionID       string
	Provider        string
	Model           string
	System          string
	MaxTokens       int
	Temperature     *float64
	ReasoningEffort string
	ContextWindow   int
}

// request builds a turn request over the given history.
func (b *BaseConfig) request(history []Turn, tools []unifiedllm.ToolDefinition) unifiedllm.Request {
	return unifiedllm.Request{
		Model:           b.Model,
		Provider:        b.Provider,
		System:          b.System,
		Messages:        ConvertHistoryToMessages(history),
		Tools:           tools,
		MaxTokens:       b.MaxTokens,
		Temperature:     b.Temperature,
		ReasoningEffort: b.ReasoningEffort,
	}
}

// History is one writer's view of a conversation: an immutable seed taken
// from its parent at branch time plus the turns it appended itself.
type History struct {
	mu    sync.RWMutex
	seed  []Turn
	turns []Turn
}

// NewHistory creates a root history holding turns.
func NewHistory(turns ...Turn) *History {
	return &History{turns: append([]Turn(nil), turns...)}
}

// Append adds a committed turn.
func (h *History) Append(t Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, t)
}

// Turns returns the full history visible to this branch.
func (h *History) Turns() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Turn, 0, len(h.seed)+len(h.turns))
	out = append(out, h.seed...)
	return append(out, h.turns...)
}

// Own returns the turns appended since the branch point.
func (h *History) Own() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Turn(nil), h.turns...)
}

// Len returns the number of visible turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.seed) + len(h.turns)
}

// Branch returns a child history seeded with a snapshot of h. Writes to
// the child never reach h until Merge.
func (h *History) Branch() *History {
	return &History{seed: h.Turns()}
}

// Merge appends the child's own turns to h in one step.
func (h *History) Merge(child *History) {
	own := child.Own()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, own...)
}

// LastUserInput returns the most recent user request.
func (h *History) LastUserInput() string {
	turns := h.Turns()
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Kind == TurnUser && turns[i].User != nil {
			return turns[i].User.Content
		}
	}
	return ""
}

// SessionContext pairs the shared base configuration with one branch of
// history.
type SessionContext struct {
	Base    *BaseConfig
	History *History
}

// NewSessionContext creates a root context.
func NewSessionContext(base *BaseConfig, history *History) *SessionContext {
	if history == nil {
		history = NewHistory()
	}
	return &SessionContext{Base: base, History: history}
}

// Branch gives a reviewer or sub-agent its own history segment over the
// same base.
func (sc *SessionContext) Branch() *SessionContext {
	return &SessionContext{Base: sc.Base, History: sc.History.Branch()}
}

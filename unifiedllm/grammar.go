package unifiedllm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Framing says how raw chunks are cut into payloads for a Grammar.
type Framing int

const (
	// FramingSSE payloads are server-sent events.
	FramingSSE Framing = iota
	// FramingRaw payloads are the chunks themselves.
	FramingRaw
)

// Grammar is one provider wire format. Exactly one Grammar is chosen per
// turn and it is never swapped mid-stream.
type Grammar interface {
	Name() string
	Framing() Framing
	// Decode consumes one payload and emits zero or more events. A returned
	// error ends the turn.
	Decode(ev SSEEvent, emit func(Event)) error
	// Done reports whether the provider's terminal marker has been seen.
	Done() bool
	// End runs once when the stream ends, either after Done or when the
	// transport signals end of stream.
	End(emit func(Event)) error
}

// GrammarFor returns a fresh grammar for the configured provider.
func GrammarFor(provider string) (Grammar, error) {
	switch family := providerFamily(provider); family {
	case "anthropic":
		return newAnthropicGrammar(), nil
	case "openai":
		return newOpenAIGrammar(provider), nil
	case "gemini":
		return newGeminiGrammar(), nil
	case "gollm":
		return &gollmGrammar{}, nil
	default:
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("no stream grammar for provider %q", provider),
		}}
	}
}

// toolCallBuffer accumulates argument fragments for one call id.
type toolCallBuffer struct {
	id     string
	name   string
	args   strings.Builder
	server bool
	done   bool
}

func newToolCallBuffer(id, name string) *toolCallBuffer {
	if id == "" {
		id = "call_" + uuid.New().String()[:8]
	}
	return &toolCallBuffer{id: id, name: name}
}

// complete parses the buffered arguments. Malformed JSON yields an error
// event scoped to the call id.
func (b *toolCallBuffer) complete() Event {
	b.done = true
	raw := strings.TrimSpace(b.args.String())
	if raw == "" {
		raw = "{}"
	}
	data := []byte(raw)
	if !json.Valid(data) {
		return errorEvent(&ToolCallError{
			SDKError: SDKError{Message: "arguments are not valid JSON"},
			CallID:   b.id, ToolName: b.name, Raw: raw,
		})
	}
	if !bytes.HasPrefix(data, []byte("{")) {
		return errorEvent(&ToolCallError{
			SDKError: SDKError{Message: "arguments are not a JSON object"},
			CallID:   b.id, ToolName: b.name, Raw: raw,
		})
	}
	kind := EventToolCallComplete
	if b.server {
		kind = EventServerToolCallComplete
	}
	return Event{Kind: kind, CallID: b.id, ToolName: b.name, Arguments: json.RawMessage(raw)}
}

// decodeJSON unmarshals a payload, reporting unparseable bytes as a
// transport failure.
func decodeJSON(provider string, data []byte, v any) error {
	if !json.Valid(data) {
		return newTransportError(provider, fmt.Sprintf("payload is not JSON: %q", truncateForError(data)), nil)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return newProtocolError(provider, "", err.Error())
	}
	return nil
}

// gollmGrammar treats each chunk as plain visible text.
type gollmGrammar struct{}

func (g *gollmGrammar) Name() string     { return "gollm" }
func (g *gollmGrammar) Framing() Framing { return FramingRaw }
func (g *gollmGrammar) Done() bool       { return false }

func (g *gollmGrammar) Decode(ev SSEEvent, emit func(Event)) error {
	if len(ev.Data) > 0 {
		emit(textDelta(string(ev.Data)))
	}
	return nil
}

func (g *gollmGrammar) End(emit func(Event)) error {
	emit(finishEvent(FinishReason{Kind: FinishStop, Raw: "eof"}))
	return nil
}

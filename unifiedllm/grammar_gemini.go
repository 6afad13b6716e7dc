package unifiedllm

import (
	"encoding/json"
	"fmt"

	"github.com/buger/jsonparser"
)

// geminiGrammar parses streamGenerateContent (alt=sse) chunks. Function
// calls arrive whole inside a part and complete at the finishReason chunk;
// usageMetadata is cumulative, so only the last value is reported.
type geminiGrammar struct {
	calls    []*toolCallBuffer
	usage    *Usage
	finished bool
}

func newGeminiGrammar() *geminiGrammar {
	return &geminiGrammar{}
}

func (g *geminiGrammar) Name() string     { return "gemini" }
func (g *geminiGrammar) Framing() Framing { return FramingSSE }
func (g *geminiGrammar) Done() bool       { return false }

func (g *geminiGrammar) Decode(ev SSEEvent, emit func(Event)) error {
	data := ev.Data
	if !json.Valid(data) {
		return newTransportError("gemini", fmt.Sprintf("payload is not JSON: %q", truncateForError(data)), nil)
	}
	if msg, err := jsonparser.GetString(data, "error", "message"); err == nil {
		return newProtocolError("gemini", "error", "provider error: "+msg)
	}
	if g.finished {
		return nil
	}

	var partErr error
	_, err := jsonparser.ArrayEach(data, func(part []byte, _ jsonparser.ValueType, _ int, _ error) {
		if partErr != nil {
			return
		}
		partErr = g.decodePart(part, emit)
	}, "candidates", "[0]", "content", "parts")
	if partErr != nil {
		return partErr
	}
	if err != nil && err != jsonparser.KeyPathNotFoundError {
		return newProtocolError("gemini", "candidates", err.Error())
	}

	if meta, _, _, err := jsonparser.Get(data, "usageMetadata"); err == nil {
		u := Usage{}
		if v, err := jsonparser.GetInt(meta, "promptTokenCount"); err == nil {
			u.InputTokens = int(v)
		}
		if v, err := jsonparser.GetInt(meta, "candidatesTokenCount"); err == nil {
			u.OutputTokens = int(v)
		}
		if v, err := jsonparser.GetInt(meta, "thoughtsTokenCount"); err == nil {
			u.OutputTokens += int(v)
		}
		if v, err := jsonparser.GetInt(meta, "cachedContentTokenCount"); err == nil {
			u.CacheReadTokens = int(v)
		}
		g.usage = &u
	}

	if raw, err := jsonparser.GetString(data, "candidates", "[0]", "finishReason"); err == nil && raw != "" {
		for _, c := range g.calls {
			if !c.done {
				emit(c.complete())
			}
		}
		if g.usage != nil {
			emit(usageEvent(*g.usage))
		}
		fr := NormalizeFinishReason("gemini", raw)
		if fr.Kind == FinishStop && len(g.calls) > 0 {
			fr.Kind = FinishToolUse
		}
		g.finished = true
		emit(finishEvent(fr))
	}
	return nil
}

func (g *geminiGrammar) decodePart(part []byte, emit func(Event)) error {
	if fc, _, _, err := jsonparser.Get(part, "functionCall"); err == nil {
		name, err := jsonparser.GetString(fc, "name")
		if err != nil || name == "" {
			return newProtocolError("gemini", "functionCall", "function call without name")
		}
		id, _ := jsonparser.GetString(fc, "id")
		buf := newToolCallBuffer(id, name)
		args, typ, _, err := jsonparser.Get(fc, "args")
		if err == nil && typ == jsonparser.Object {
			buf.args.Write(args)
			emit(toolCallDelta(buf.id, string(args)))
		} else if err == nil && typ != jsonparser.Null {
			return newProtocolError("gemini", "functionCall", fmt.Sprintf("args for %s is %s, not an object", name, typ))
		}
		g.calls = append(g.calls, buf)
		return nil
	}

	text, err := jsonparser.GetString(part, "text")
	if err != nil || text == "" {
		return nil
	}
	if thought, _ := jsonparser.GetBoolean(part, "thought"); thought {
		emit(thinkingDelta(text))
	} else {
		emit(textDelta(text))
	}
	return nil
}

func (g *geminiGrammar) End(emit func(Event)) error {
	if !g.finished {
		return newTransportError("gemini", "stream ended before finishReason", nil)
	}
	return nil
}

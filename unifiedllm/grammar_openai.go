package unifiedllm

import (
	"bytes"
	"fmt"
)

// openaiGrammar parses Chat Completions chunks terminated by a [DONE]
// marker. Tool calls are keyed by index and complete at the finish-reason
// boundary. The finish event is held until [DONE] so the usage chunk that
// trails it is reported first.
type openaiGrammar struct {
	provider string
	calls    map[int]*toolCallBuffer
	order    []int
	finish   *FinishReason
	finished bool
	doneMark bool
}

func newOpenAIGrammar(provider string) *openaiGrammar {
	return &openaiGrammar{provider: provider, calls: make(map[int]*toolCallBuffer)}
}

func (g *openaiGrammar) Name() string     { return "openai" }
func (g *openaiGrammar) Framing() Framing { return FramingSSE }
func (g *openaiGrammar) Done() bool       { return g.doneMark }

type openaiChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content          *string `json:"content"`
			ReasoningContent *string `json:"reasoning_content"`
			Reasoning        *string `json:"reasoning"`
			ToolCalls        []struct {
				Index    *int   `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails *struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (g *openaiGrammar) Decode(ev SSEEvent, emit func(Event)) error {
	payload := bytes.TrimSpace(ev.Data)
	if len(payload) == 0 {
		return nil
	}
	if string(payload) == "[DONE]" {
		g.flushCalls(emit)
		g.doneMark = true
		if g.finish != nil {
			emit(finishEvent(*g.finish))
		}
		return nil
	}

	var chunk openaiChunk
	if err := decodeJSON(g.provider, payload, &chunk); err != nil {
		return err
	}
	if chunk.Error != nil {
		return newProtocolError(g.provider, "error", fmt.Sprintf("provider error %s: %s", chunk.Error.Type, chunk.Error.Message))
	}

	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		d := choice.Delta
		if d.ReasoningContent != nil && *d.ReasoningContent != "" {
			emit(thinkingDelta(*d.ReasoningContent))
		} else if d.Reasoning != nil && *d.Reasoning != "" {
			emit(thinkingDelta(*d.Reasoning))
		}
		if d.Content != nil && *d.Content != "" {
			emit(textDelta(*d.Content))
		}
		for pos, tc := range d.ToolCalls {
			idx := pos
			if tc.Index != nil {
				idx = *tc.Index
			}
			buf, ok := g.calls[idx]
			if !ok {
				if g.finished {
					return newProtocolError(g.provider, "tool_calls", fmt.Sprintf("tool call %d after finish_reason", idx))
				}
				buf = newToolCallBuffer(tc.ID, tc.Function.Name)
				g.calls[idx] = buf
				g.order = append(g.order, idx)
			}
			if buf.name == "" {
				buf.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				buf.args.WriteString(tc.Function.Arguments)
				emit(toolCallDelta(buf.id, tc.Function.Arguments))
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			g.flushCalls(emit)
			g.finished = true
			fr := NormalizeFinishReason(g.provider, *choice.FinishReason)
			g.finish = &fr
		}
	}

	if chunk.Usage != nil {
		u := Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		if chunk.Usage.PromptTokensDetails != nil {
			u.CacheReadTokens = chunk.Usage.PromptTokensDetails.CachedTokens
		}
		emit(usageEvent(u))
	}
	return nil
}

func (g *openaiGrammar) flushCalls(emit func(Event)) {
	for _, idx := range g.order {
		if buf := g.calls[idx]; !buf.done {
			emit(buf.complete())
		}
	}
}

func (g *openaiGrammar) End(emit func(Event)) error {
	if !g.doneMark {
		return newTransportError(g.provider, "stream ended before [DONE]", nil)
	}
	if !g.finished {
		emit(finishEvent(NormalizeFinishReason(g.provider, "")))
	}
	return nil
}

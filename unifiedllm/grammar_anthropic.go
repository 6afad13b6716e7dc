package unifiedllm

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/buger/jsonparser"
)

type anthropicBlock struct {
	kind string
	call *toolCallBuffer
}

// anthropicGrammar parses the Messages API event stream: message_start,
// content_block_start/delta/stop, message_delta, message_stop.
type anthropicGrammar struct {
	blocks   map[int64]*anthropicBlock
	usage    Usage
	finished bool
	stopped  bool
}

func newAnthropicGrammar() *anthropicGrammar {
	return &anthropicGrammar{blocks: make(map[int64]*anthropicBlock)}
}

func (g *anthropicGrammar) Name() string     { return "anthropic" }
func (g *anthropicGrammar) Framing() Framing { return FramingSSE }
func (g *anthropicGrammar) Done() bool       { return g.stopped }

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type anthropicPayload struct {
	Index   int64 `json:"index"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	ContentBlock struct {
		Type     string          `json:"type"`
		ID       string          `json:"id"`
		Name     string          `json:"name"`
		Text     string          `json:"text"`
		Thinking string          `json:"thinking"`
		Input    json.RawMessage `json:"input"`
	} `json:"content_block"`
	Delta struct {
		Type        string  `json:"type"`
		Text        string  `json:"text"`
		Thinking    string  `json:"thinking"`
		PartialJSON string  `json:"partial_json"`
		StopReason  *string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *anthropicGrammar) Decode(ev SSEEvent, emit func(Event)) error {
	if !json.Valid(ev.Data) {
		return newTransportError("anthropic", fmt.Sprintf("payload is not JSON: %q", truncateForError(ev.Data)), nil)
	}
	typ, err := jsonparser.GetString(ev.Data, "type")
	if err != nil {
		typ = ev.Event
	}
	if typ == "" {
		return newProtocolError("anthropic", ev.Event, "event has no type")
	}
	if g.stopped {
		return nil
	}

	switch typ {
	case "ping":
		return nil
	case "message_start", "content_block_start", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop", "error":
	default:
		// Unknown event types are skipped so new server features do not
		// break old clients.
		return nil
	}

	var p anthropicPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return newProtocolError("anthropic", typ, err.Error())
	}

	switch typ {
	case "message_start":
		g.usage.InputTokens = p.Message.Usage.InputTokens
		g.usage.CacheReadTokens = p.Message.Usage.CacheReadInputTokens
		g.usage.CacheWriteTokens = p.Message.Usage.CacheCreationInputTokens
		g.usage.OutputTokens = p.Message.Usage.OutputTokens

	case "content_block_start":
		if _, dup := g.blocks[p.Index]; dup {
			return newProtocolError("anthropic", typ, fmt.Sprintf("block %d started twice", p.Index))
		}
		block := &anthropicBlock{kind: p.ContentBlock.Type}
		switch p.ContentBlock.Type {
		case "text":
			if p.ContentBlock.Text != "" {
				emit(textDelta(p.ContentBlock.Text))
			}
		case "thinking":
			if p.ContentBlock.Thinking != "" {
				emit(thinkingDelta(p.ContentBlock.Thinking))
			}
		case "tool_use", "server_tool_use":
			if p.ContentBlock.ID == "" || p.ContentBlock.Name == "" {
				return newProtocolError("anthropic", typ, "tool block without id or name")
			}
			block.call = newToolCallBuffer(p.ContentBlock.ID, p.ContentBlock.Name)
			block.call.server = p.ContentBlock.Type == "server_tool_use"
			if in := string(p.ContentBlock.Input); in != "" && in != "{}" && in != "null" {
				block.call.args.WriteString(in)
			}
		}
		g.blocks[p.Index] = block

	case "content_block_delta":
		block, ok := g.blocks[p.Index]
		if !ok {
			return newProtocolError("anthropic", typ, fmt.Sprintf("delta for unknown block %d", p.Index))
		}
		switch p.Delta.Type {
		case "text_delta":
			emit(textDelta(p.Delta.Text))
		case "thinking_delta":
			emit(thinkingDelta(p.Delta.Thinking))
		case "input_json_delta":
			if block.call == nil {
				return newProtocolError("anthropic", typ, fmt.Sprintf("input_json_delta for %s block %d", block.kind, p.Index))
			}
			if p.Delta.PartialJSON != "" {
				block.call.args.WriteString(p.Delta.PartialJSON)
				emit(toolCallDelta(block.call.id, p.Delta.PartialJSON))
			}
		}

	case "content_block_stop":
		block, ok := g.blocks[p.Index]
		if !ok {
			return newProtocolError("anthropic", typ, fmt.Sprintf("stop for unknown block %d", p.Index))
		}
		if block.call != nil && !block.call.done {
			emit(block.call.complete())
		}
		delete(g.blocks, p.Index)

	case "message_delta":
		if p.Usage != nil {
			g.usage.OutputTokens = p.Usage.OutputTokens
			if p.Usage.InputTokens > 0 {
				g.usage.InputTokens = p.Usage.InputTokens
			}
			emit(usageEvent(g.usage))
		}
		if p.Delta.StopReason != nil {
			g.flushCalls(emit)
			g.finished = true
			emit(finishEvent(NormalizeFinishReason("anthropic", *p.Delta.StopReason)))
		}

	case "message_stop":
		g.flushCalls(emit)
		g.stopped = true

	case "error":
		return newProtocolError("anthropic", typ, fmt.Sprintf("provider error %s: %s", p.Error.Type, p.Error.Message))
	}
	return nil
}

// flushCalls completes tool blocks the provider never explicitly stopped, in
// block order.
func (g *anthropicGrammar) flushCalls(emit func(Event)) {
	idx := make([]int64, 0, len(g.blocks))
	for i, b := range g.blocks {
		if b.call != nil && !b.call.done {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
	for _, i := range idx {
		emit(g.blocks[i].call.complete())
	}
}

func (g *anthropicGrammar) End(emit func(Event)) error {
	if !g.stopped {
		return newTransportError("anthropic", "stream ended before message_stop", nil)
	}
	if !g.finished {
		return newProtocolError("anthropic", "message_stop", "message ended without stop_reason")
	}
	return nil
}

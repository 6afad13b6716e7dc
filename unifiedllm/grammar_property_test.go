package unifiedllm

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A generated turn: text, thinking and tool-call argument fragments
// interleaved in one random order.

type turnOp struct {
	kind EventKind // text, thinking or tool-call delta
	text string
	call int
}

type turnCall struct {
	id    string
	name  string
	args  string
	frags []string
}

type generatedTurn struct {
	ops      []turnOp
	calls    []turnCall
	text     string
	thinking string
}

var turnAlphabet = []string{"a", "b", "z", " ", "\n", `"`, `\`, "{", "}", "é", "日本", "<&>", "0"}

func randomText(r *rand.Rand, maxLen int) string {
	var b strings.Builder
	for n := 1 + r.Intn(maxLen); n > 0; n-- {
		b.WriteString(turnAlphabet[r.Intn(len(turnAlphabet))])
	}
	return b.String()
}

// splitRunes cuts s into n or fewer non-empty pieces on rune boundaries.
func splitRunes(r *rand.Rand, s string, n int) []string {
	runes := []rune(s)
	var out []string
	for len(out) < n-1 && len(runes) > 1 {
		cut := 1 + r.Intn(len(runes)-1)
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	return append(out, string(runes))
}

func randomTurn(r *rand.Rand, wholeCalls bool) generatedTurn {
	var turn generatedTurn
	queues := map[string][]turnOp{}
	var keys []string

	for i := r.Intn(5); i > 0; i-- {
		s := randomText(r, 12)
		turn.text += s
		queues["text"] = append(queues["text"], turnOp{kind: EventTextDelta, text: s})
	}
	for i := r.Intn(3); i > 0; i-- {
		s := randomText(r, 12)
		turn.thinking += s
		queues["thinking"] = append(queues["thinking"], turnOp{kind: EventThinkingDelta, text: s})
	}
	names := []string{"read_file", "grep", "shell", "write_file"}
	for k := r.Intn(4); k > 0; k-- {
		idx := len(turn.calls)
		args, err := json.Marshal(map[string]any{"path": randomText(r, 8), "line": r.Intn(500)})
		if err != nil {
			panic(err)
		}
		call := turnCall{id: fmt.Sprintf("call_%d", idx), name: names[r.Intn(len(names))], args: string(args)}
		if wholeCalls {
			call.frags = []string{call.args}
		} else {
			call.frags = splitRunes(r, call.args, 1+r.Intn(6))
		}
		key := call.id
		for _, f := range call.frags {
			queues[key] = append(queues[key], turnOp{kind: EventToolCallDelta, text: f, call: idx})
		}
		turn.calls = append(turn.calls, call)
	}
	for _, k := range []string{"text", "thinking"} {
		if len(queues[k]) > 0 {
			keys = append(keys, k)
		}
	}
	for _, c := range turn.calls {
		keys = append(keys, c.id)
	}

	for len(keys) > 0 {
		i := r.Intn(len(keys))
		q := queues[keys[i]]
		turn.ops = append(turn.ops, q[0])
		queues[keys[i]] = q[1:]
		if len(q) == 1 {
			keys = append(keys[:i], keys[i+1:]...)
		}
	}
	return turn
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func renderAnthropic(r *rand.Rand, turn generatedTurn) string {
	key := func(op turnOp) string {
		if op.kind == EventToolCallDelta {
			return turn.calls[op.call].id
		}
		return string(op.kind)
	}
	last := map[string]int{}
	for i, op := range turn.ops {
		last[key(op)] = i
	}

	payloads := []string{`{"type":"message_start","message":{"usage":{"input_tokens":9,"output_tokens":1}}}`}
	blocks := map[string]int{}
	for i, op := range turn.ops {
		if r.Intn(8) == 0 {
			payloads = append(payloads, `{"type":"ping"}`)
		}
		k := key(op)
		idx, started := blocks[k]
		if !started {
			idx = len(blocks)
			blocks[k] = idx
			var block map[string]any
			switch op.kind {
			case EventTextDelta:
				block = map[string]any{"type": "text", "text": ""}
			case EventThinkingDelta:
				block = map[string]any{"type": "thinking", "thinking": ""}
			default:
				c := turn.calls[op.call]
				block = map[string]any{"type": "tool_use", "id": c.id, "name": c.name, "input": map[string]any{}}
			}
			payloads = append(payloads, mustJSON(map[string]any{"type": "content_block_start", "index": idx, "content_block": block}))
		}
		var delta map[string]any
		switch op.kind {
		case EventTextDelta:
			delta = map[string]any{"type": "text_delta", "text": op.text}
		case EventThinkingDelta:
			delta = map[string]any{"type": "thinking_delta", "thinking": op.text}
		default:
			delta = map[string]any{"type": "input_json_delta", "partial_json": op.text}
		}
		payloads = append(payloads, mustJSON(map[string]any{"type": "content_block_delta", "index": idx, "delta": delta}))
		if last[k] == i {
			payloads = append(payloads, fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, idx))
		}
	}

	stop := "end_turn"
	if len(turn.calls) > 0 {
		stop = "tool_use"
	}
	payloads = append(payloads,
		fmt.Sprintf(`{"type":"message_delta","delta":{"stop_reason":%q},"usage":{"output_tokens":40}}`, stop),
		`{"type":"message_stop"}`,
	)
	return sse(payloads...)
}

func renderOpenAI(_ *rand.Rand, turn generatedTurn) string {
	seen := map[int]bool{}
	var payloads []string
	for _, op := range turn.ops {
		delta := map[string]any{}
		switch op.kind {
		case EventTextDelta:
			delta["content"] = op.text
		case EventThinkingDelta:
			delta["reasoning_content"] = op.text
		default:
			c := turn.calls[op.call]
			tc := map[string]any{"index": op.call, "function": map[string]any{"arguments": op.text}}
			if !seen[op.call] {
				seen[op.call] = true
				tc["id"] = c.id
				tc["type"] = "function"
				tc["function"] = map[string]any{"name": c.name, "arguments": op.text}
			}
			delta["tool_calls"] = []any{tc}
		}
		payloads = append(payloads, mustJSON(map[string]any{"choices": []any{map[string]any{"index": 0, "delta": delta}}}))
	}

	finish := "stop"
	if len(turn.calls) > 0 {
		finish = "tool_calls"
	}
	payloads = append(payloads,
		fmt.Sprintf(`{"choices":[{"index":0,"delta":{},"finish_reason":%q}]}`, finish),
		`{"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":40}}`,
		`[DONE]`,
	)
	return sse(payloads...)
}

// renderGemini packs consecutive ops into chunks of one or more parts.
// Function calls are always whole parts.
func renderGemini(r *rand.Rand, turn generatedTurn) string {
	var payloads []string
	ops := turn.ops
	for len(ops) > 0 {
		n := 1 + r.Intn(min(3, len(ops)))
		var parts []any
		for _, op := range ops[:n] {
			switch op.kind {
			case EventTextDelta:
				parts = append(parts, map[string]any{"text": op.text})
			case EventThinkingDelta:
				parts = append(parts, map[string]any{"text": op.text, "thought": true})
			default:
				c := turn.calls[op.call]
				parts = append(parts, map[string]any{"functionCall": map[string]any{"id": c.id, "name": c.name, "args": json.RawMessage(c.args)}})
			}
		}
		ops = ops[n:]
		payloads = append(payloads, mustJSON(map[string]any{
			"candidates": []any{map[string]any{"content": map[string]any{"role": "model", "parts": parts}}},
		}))
	}
	payloads = append(payloads, `{"candidates":[{"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":40}}`)
	return sse(payloads...)
}

// splitRandomly cuts body at random byte offsets, mid-rune included.
func splitRandomly(r *rand.Rand, body string) []string {
	var chunks []string
	for len(body) > 0 {
		n := 1 + r.Intn(min(len(body), 48))
		chunks = append(chunks, body[:n])
		body = body[n:]
	}
	return chunks
}

func TestGrammarsReassembleRandomTurns(t *testing.T) {
	grammars := []struct {
		provider   string
		wholeCalls bool
		render     func(*rand.Rand, generatedTurn) string
	}{
		{"anthropic", false, renderAnthropic},
		{"openai", false, renderOpenAI},
		{"gemini", true, renderGemini},
	}

	for _, g := range grammars {
		t.Run(g.provider, func(t *testing.T) {
			r := rand.New(rand.NewSource(20261018))
			for iter := 0; iter < 300; iter++ {
				turn := randomTurn(r, g.wholeCalls)
				body := g.render(r, turn)
				evs := drain(t, g.provider, NewStaticStream(g.provider, splitRandomly(r, body)...))
				checkTurn(t, fmt.Sprintf("%s #%d", g.provider, iter), turn, evs)
				if t.Failed() {
					t.Logf("stream:\n%s", body)
					return
				}
			}
		})
	}
}

func checkTurn(t *testing.T, name string, turn generatedTurn, evs []Event) {
	t.Helper()
	require.NotEmpty(t, evs, name)

	var text, thinking strings.Builder
	fragments := map[string]string{}
	completed := map[string][]Event{}
	finishes := 0
	for _, ev := range evs {
		switch ev.Kind {
		case EventTextDelta:
			text.WriteString(ev.Text)
		case EventThinkingDelta:
			thinking.WriteString(ev.Text)
		case EventToolCallDelta:
			fragments[ev.CallID] += ev.Fragment
		case EventToolCallComplete:
			completed[ev.CallID] = append(completed[ev.CallID], ev)
		case EventFinishReason:
			finishes++
		case EventError:
			t.Errorf("%s: unexpected error event: %v", name, ev.Err)
		}
	}

	assert.Equal(t, turn.text, text.String(), "%s: text", name)
	assert.Equal(t, turn.thinking, thinking.String(), "%s: thinking", name)

	assert.Len(t, completed, len(turn.calls), "%s: completed calls", name)
	for _, c := range turn.calls {
		got := completed[c.id]
		if !assert.Len(t, got, 1, "%s: %s completes once", name, c.id) {
			continue
		}
		assert.Equal(t, c.name, got[0].ToolName, name)
		assert.JSONEq(t, c.args, string(got[0].Arguments), "%s: %s arguments", name, c.id)
		assert.Equal(t, c.args, fragments[c.id], "%s: %s fragments", name, c.id)
	}

	assert.Equal(t, 1, finishes, "%s: finish events", name)
	last := evs[len(evs)-1]
	if assert.Equal(t, EventFinishReason, last.Kind, "%s: last event", name) {
		want := FinishStop
		if len(turn.calls) > 0 {
			want = FinishToolUse
		}
		assert.Equal(t, want, last.Finish.Kind, name)
	}
}

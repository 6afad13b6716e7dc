package unifiedllm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sse renders payloads as data-only server-sent events.
func sse(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return b.String()
}

func splitEvery(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	return append(out, s)
}

func drain(t *testing.T, provider string, stream ChunkStream) []Event {
	t.Helper()
	acc, err := NewAccumulator(provider, stream)
	require.NoError(t, err)
	var evs []Event
	for ev := range acc.Events(context.Background()) {
		evs = append(evs, ev)
	}
	return evs
}

func kinds(evs []Event) []EventKind {
	out := make([]EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func TestAccumulatorUnknownProvider(t *testing.T) {
	_, err := NewAccumulator("acme", NewStaticStream("acme"))
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
}

func TestAccumulatorChunkBoundariesDoNotMatter(t *testing.T) {
	whole := anthropicToolStream()
	want := drain(t, "anthropic", NewStaticStream("anthropic", whole))
	for _, n := range []int{1, 3, 7, 64} {
		got := drain(t, "anthropic", NewStaticStream("anthropic", splitEvery(whole, n)...))
		assert.Equal(t, kinds(want), kinds(got), "split every %d bytes", n)
	}
}

func TestAccumulatorIsNotRestartable(t *testing.T) {
	acc, err := NewAccumulator("gollm", NewStaticStream("gollm", "hi"))
	require.NoError(t, err)
	ctx := context.Background()

	var n int
	for range acc.Events(ctx) {
		n++
	}
	assert.Equal(t, 2, n)

	_, ok := acc.Next(ctx)
	assert.False(t, ok)
	for range acc.Events(ctx) {
		t.Fatal("events after end of sequence")
	}
}

func TestAccumulatorProviderTagMismatch(t *testing.T) {
	evs := drain(t, "anthropic", NewStaticStream("openai", sse(`{"choices":[]}`)))
	require.Len(t, evs, 1)
	assert.Equal(t, EventError, evs[0].Kind)
	var pe *ProtocolError
	assert.ErrorAs(t, evs[0].Err, &pe)
}

func TestAccumulatorMalformedChunkIsTransportError(t *testing.T) {
	evs := drain(t, "openai", NewStaticStream("openai",
		sse(`{"choices":[{"index":0,"delta":{"content":"ok"}}]}`),
		sse(`{not json`),
		sse(`{"choices":[{"index":0,"delta":{"content":"never"}}]}`)))

	require.Equal(t, []EventKind{EventTextDelta, EventError}, kinds(evs))
	var te *TransportError
	assert.ErrorAs(t, evs[1].Err, &te)
}

func TestAccumulatorNonSSEBytesAreTransportError(t *testing.T) {
	evs := drain(t, "anthropic", NewStaticStream("anthropic", "<html>bad gateway</html>\n"))
	require.Len(t, evs, 1)
	var te *TransportError
	assert.ErrorAs(t, evs[0].Err, &te)
}

func TestAccumulatorDroppedConnection(t *testing.T) {
	stream := NewStaticStream("anthropic", sse(
		`{"type":"message_start","message":{"usage":{"input_tokens":3}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`,
	))
	stream.OmitEnd = true

	evs := drain(t, "anthropic", stream)
	require.Equal(t, []EventKind{EventTextDelta, EventError}, kinds(evs))
	var te *TransportError
	assert.ErrorAs(t, evs[1].Err, &te)
}

func TestAccumulatorEndBeforeTerminalMarker(t *testing.T) {
	evs := drain(t, "openai", NewStaticStream("openai",
		sse(`{"choices":[{"index":0,"delta":{"content":"cut"}}]}`)))
	require.Equal(t, []EventKind{EventTextDelta, EventError}, kinds(evs))
	var te *TransportError
	assert.ErrorAs(t, evs[1].Err, &te)
}

func TestAccumulatorCancelledContext(t *testing.T) {
	acc, err := NewAccumulator("gollm", NewStaticStream("gollm", "a", "b"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev, ok := acc.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, EventError, ev.Kind)
	assert.True(t, errors.Is(ev.Err, context.Canceled))
	_, ok = acc.Next(ctx)
	assert.False(t, ok)
}

func TestCollect(t *testing.T) {
	acc, err := NewAccumulator("anthropic", NewStaticStream("anthropic", anthropicToolStream()))
	require.NoError(t, err)

	var seen int
	res, err := Collect(context.Background(), acc, func(Event) { seen++ })
	require.NoError(t, err)

	assert.Equal(t, "Let me look.", res.Text)
	assert.Equal(t, "need the file", res.Thinking)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "toolu_1", res.ToolCalls[0].ID)
	assert.Equal(t, "read_file", res.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"a.go"}`, string(res.ToolCalls[0].Arguments))
	assert.Equal(t, FinishToolUse, res.Finish.Kind)
	assert.Equal(t, 12, res.Usage.InputTokens)
	assert.Equal(t, 30, res.Usage.OutputTokens)
	assert.True(t, res.HasToolCalls())
	assert.Greater(t, seen, 5)

	msg := res.Message()
	assert.Equal(t, RoleAssistant, msg.Role)
	assert.Equal(t, "Let me look.", msg.TextContent())
	assert.Len(t, msg.ToolCalls(), 1)
}

func TestCollectReturnsTerminalError(t *testing.T) {
	acc, err := NewAccumulator("gemini", NewStaticStream("gemini",
		sse(`{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`)))
	require.NoError(t, err)

	res, err := Collect(context.Background(), acc, nil)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "hi", res.Text)
}

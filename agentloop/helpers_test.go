package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/martinemde/tandem/unifiedllm"
)

// openaiTurn renders one Chat Completions stream with optional text and
// tool calls.
func openaiTurn(text string, calls ...unifiedllm.ToolCall) *unifiedllm.StaticStream {
	var body strings.Builder
	write := func(payload string) {
		body.WriteString("data: ")
		body.WriteString(payload)
		body.WriteString("\n\n")
	}
	if text != "" {
		write(fmt.Sprintf(`{"choices":[{"index":0,"delta":{"content":%s}}]}`, quote(text)))
	}
	for i, c := range calls {
		write(fmt.Sprintf(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":%d,"id":%s,"type":"function","function":{"name":%s,"arguments":%s}}]}}]}`,
			i, quote(c.ID), quote(c.Name), quote(string(c.Arguments))))
	}
	finish := "stop"
	if len(calls) > 0 {
		finish = "tool_calls"
	}
	write(fmt.Sprintf(`{"choices":[{"index":0,"delta":{},"finish_reason":%q}]}`, finish))
	write(`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5}}`)
	write(`[DONE]`)
	return unifiedllm.NewStaticStream("openai", body.String())
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func call(id, name, args string) unifiedllm.ToolCall {
	return unifiedllm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// scriptedStreamer answers StreamTurn from a script. When the script runs
// out the last entry repeats.
type scriptedStreamer struct {
	mu       sync.Mutex
	script   []func(ctx context.Context, req unifiedllm.Request) (unifiedllm.ChunkStream, error)
	requests []unifiedllm.Request
}

func (s *scriptedStreamer) StreamTurn(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Accumulator, error) {
	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, req)
	step := s.script[min(n, len(s.script)-1)]
	s.mu.Unlock()

	stream, err := step(ctx, req)
	if err != nil {
		return nil, err
	}
	return unifiedllm.NewAccumulator(stream.Provider(), stream)
}

func (s *scriptedStreamer) Requests() []unifiedllm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]unifiedllm.Request(nil), s.requests...)
}

func streamer(steps ...func(ctx context.Context, req unifiedllm.Request) (unifiedllm.ChunkStream, error)) *scriptedStreamer {
	return &scriptedStreamer{script: steps}
}

func reply(text string, calls ...unifiedllm.ToolCall) func(context.Context, unifiedllm.Request) (unifiedllm.ChunkStream, error) {
	return func(context.Context, unifiedllm.Request) (unifiedllm.ChunkStream, error) {
		return openaiTurn(text, calls...), nil
	}
}

func raw(stream unifiedllm.ChunkStream) func(context.Context, unifiedllm.Request) (unifiedllm.ChunkStream, error) {
	return func(context.Context, unifiedllm.Request) (unifiedllm.ChunkStream, error) {
		return stream, nil
	}
}

// blockingStream never delivers a chunk; Recv returns when ctx is done.
type blockingStream struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingStream() *blockingStream {
	return &blockingStream{started: make(chan struct{})}
}

func (b *blockingStream) Provider() string { return "openai" }

func (b *blockingStream) Recv(ctx context.Context) (unifiedllm.Chunk, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return unifiedllm.Chunk{}, ctx.Err()
}

func (b *blockingStream) Close() error { return nil }

// recorder captures every event published on a bus.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(bus *Bus) *recorder {
	r := &recorder{}
	bus.Subscribe(func(e Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	})
	return r
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofKind(kind EventKind) []Event {
	var out []Event
	for _, e := range r.all() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func testSandbox(t *testing.T) *Sandbox {
	t.Helper()
	sb, err := NewSandbox(t.TempDir())
	require.NoError(t, err)
	return sb
}

func testBase() *BaseConfig {
	return &BaseConfig{SessionID: "session-1", Provider: "openai", Model: "gpt-4.1"}
}

// noRetry disables turn retries so failures surface immediately.
var noRetry = &unifiedllm.RetryPolicy{}

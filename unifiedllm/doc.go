// Package unifiedllm turns provider streams into one canonical event
// sequence.
//
// A Transport opens the byte stream for a turn. The Accumulator bound to
// that stream picks one Grammar for the configured provider (anthropic,
// openai, gemini or gollm) and emits Events in arrival order: text and
// thinking deltas, tool-call fragments and completions, usage, a single
// finish reason, and at most one terminal error.
//
//	client := unifiedllm.NewClient(unifiedllm.WithTransport(
//	    unifiedllm.NewHTTPTransport("anthropic", os.Getenv("ANTHROPIC_API_KEY"))))
//
//	acc, err := client.StreamTurn(ctx, unifiedllm.Request{
//	    Model:    "claude-sonnet-4-5",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	if err != nil {
//	    return err
//	}
//	res, err := unifiedllm.Collect(ctx, acc, nil)
//
// Transport failures (bytes stop, or cannot be framed) surface as
// *TransportError and grammar violations as *ProtocolError; both end the
// sequence. Tool arguments that fail to parse surface as a *ToolCallError
// event scoped to that call and the stream continues.
package unifiedllm

package natsstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/tandem/agentloop"
	"github.com/martinemde/tandem/unifiedllm"
)

func startEmbedded(t *testing.T) *Embedded {
	t.Helper()
	e, err := OpenEmbedded(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "tandem.abc.turns", TurnsSubject("abc"))
	assert.Equal(t, "tandem.abc.events", EventsSubject("abc"))
}

func TestValidateSessionID(t *testing.T) {
	assert.NoError(t, ValidateSessionID("4b1c2e8e-6a43-4f7e-9d55-0b7a1fd2c1a0"))
	for _, bad := range []string{"", "a.b", "a*", "a>", "a b"} {
		assert.Error(t, ValidateSessionID(bad), bad)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := startEmbedded(t).Store()

	turns := []agentloop.Turn{
		agentloop.NewUserTurn("list the files"),
		{
			Kind:   agentloop.TurnAssistant,
			Number: 1,
			Assistant: &agentloop.AssistantTurn{
				ToolCalls: []unifiedllm.ToolCall{{ID: "c1", Name: "list_dir", Arguments: []byte(`{"path":"."}`)}},
				Usage:     unifiedllm.Usage{InputTokens: 12, OutputTokens: 3},
				Finish:    unifiedllm.FinishReason{Kind: unifiedllm.FinishToolUse, Raw: "tool_calls"},
			},
		},
		agentloop.NewToolResultsTurn([]agentloop.ToolResult{{CallID: "c1", ToolName: "list_dir", Content: "a.go"}}),
	}
	for _, turn := range turns {
		require.NoError(t, store.AppendTurn(ctx, "s1", turn))
	}
	require.NoError(t, store.AppendTurn(ctx, "s2", agentloop.NewUserTurn("other session")))

	loaded, err := store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, "list the files", loaded[0].User.Content)
	assert.Equal(t, "list_dir", loaded[1].Assistant.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"."}`, string(loaded[1].Assistant.ToolCalls[0].Arguments))
	assert.Equal(t, 12, loaded[1].Assistant.Usage.InputTokens)
	assert.Equal(t, unifiedllm.FinishToolUse, loaded[1].Assistant.Finish.Kind)
	assert.Equal(t, "a.go", loaded[2].ToolResults.Results[0].Content)

	// Loading twice reads the same history.
	again, err := store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, again, 3)

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []SessionSummary{{ID: "s1", Turns: 3}, {ID: "s2", Turns: 1}}, sessions)
}

func TestStoreUnknownSession(t *testing.T) {
	store := startEmbedded(t).Store()
	_, err := store.LoadSession(context.Background(), "missing")
	assert.ErrorIs(t, err, agentloop.ErrSessionNotFound)

	err = store.AppendTurn(context.Background(), "bad.id", agentloop.NewUserTurn("x"))
	assert.Error(t, err)
}

func TestStoreSkipsMalformedMessages(t *testing.T) {
	ctx := context.Background()
	e := startEmbedded(t)
	store := e.Store()

	require.NoError(t, store.AppendTurn(ctx, "s1", agentloop.NewUserTurn("first")))
	_, err := e.JetStream.Publish(ctx, TurnsSubject("s1"), []byte("not json"))
	require.NoError(t, err)
	require.NoError(t, store.AppendTurn(ctx, "s1", agentloop.NewUserTurn("second")))

	loaded, err := store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "second", loaded[1].User.Content)
}

// openaiStreamer answers every turn with the same text reply.
type openaiStreamer struct{ text string }

func (s openaiStreamer) StreamTurn(_ context.Context, _ unifiedllm.Request) (*unifiedllm.Accumulator, error) {
	body := `data: {"choices":[{"index":0,"delta":{"content":"` + s.text + `"}}]}` + "\n\n" +
		`data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n" +
		"data: [DONE]\n\n"
	return unifiedllm.NewAccumulator("openai", unifiedllm.NewStaticStream("openai", body))
}

func TestLoopPersistsThroughStore(t *testing.T) {
	ctx := context.Background()
	store := startEmbedded(t).Store()
	base := &agentloop.BaseConfig{SessionID: "persisted", Provider: "openai", Model: "gpt-4.1"}

	loop, err := agentloop.NewLoop(agentloop.LoopConfig{
		Base:      base,
		Streamer:  openaiStreamer{text: "hello"},
		Store:     store,
		TurnRetry: &unifiedllm.RetryPolicy{},
	})
	require.NoError(t, err)
	_, err = loop.Run(ctx, "say hello")
	require.NoError(t, err)

	history, err := agentloop.ResumeSession(ctx, store, "persisted")
	require.NoError(t, err)
	turns := history.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, agentloop.TurnUser, turns[0].Kind)
	assert.Equal(t, "hello", turns[1].Assistant.Content)
}

func TestForwarderMirrorsEvents(t *testing.T) {
	ctx := context.Background()
	e := startEmbedded(t)
	bus := agentloop.NewBus()
	fwd := NewForwarder(ctx, e.JetStream, bus, ForwarderConfig{})

	now := time.Now()
	bus.Publish(agentloop.Event{Kind: agentloop.EventUserInput, Timestamp: now, SessionID: "s1", Data: map[string]any{"content": "hi"}})
	bus.Publish(agentloop.Event{Kind: agentloop.EventStream, Timestamp: now, SessionID: "s1", Stream: &unifiedllm.Event{Kind: unifiedllm.EventTextDelta, Text: "h"}})
	bus.Publish(agentloop.Event{Kind: agentloop.EventTurnCompleted, Timestamp: now, SessionID: "s1", Turn: 1})
	bus.Publish(agentloop.Event{Kind: agentloop.EventWarning, Timestamp: now, SessionID: "bad.id"})
	fwd.Close()

	published, failed, dropped := fwd.Stats()
	assert.Equal(t, 2, published)
	assert.Equal(t, 1, failed)
	assert.Zero(t, dropped)

	events, err := e.Store().LoadEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, agentloop.EventUserInput, events[0].Kind)
	assert.Equal(t, "hi", events[0].Data["content"])
	assert.Equal(t, agentloop.EventTurnCompleted, events[1].Kind)
	assert.Equal(t, 1, events[1].Turn)
}

func TestForwarderIncludeStream(t *testing.T) {
	ctx := context.Background()
	e := startEmbedded(t)
	bus := agentloop.NewBus()
	fwd := NewForwarder(ctx, e.JetStream, bus, ForwarderConfig{IncludeStream: true})

	bus.Publish(agentloop.Event{Kind: agentloop.EventStream, SessionID: "s1", Stream: &unifiedllm.Event{Kind: unifiedllm.EventTextDelta, Text: "h"}})
	fwd.Close()

	events, err := e.Store().LoadEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Stream)
	assert.Equal(t, "h", events[0].Stream.Text)
}

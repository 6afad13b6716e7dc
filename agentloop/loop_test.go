package agentloop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/tandem/unifiedllm"
)

type loopFixture struct {
	loop     *Loop
	streamer *scriptedStreamer
	events   *recorder
	store    *MemoryStore
	echoes   *atomic.Int32
}

func newLoopFixture(t *testing.T, s *scriptedStreamer, mutate func(*LoopConfig)) *loopFixture {
	t.Helper()
	bus := NewBus()
	f := &loopFixture{streamer: s, events: record(bus), store: NewMemoryStore(), echoes: &atomic.Int32{}}

	reg := NewToolRegistry()
	reg.Register(RegisteredTool{
		Definition: unifiedllm.ToolDefinition{Name: "echo", Description: "echo arguments"},
		Risk:       RiskRead,
		Executor: func(_ context.Context, inv *ToolInvocation, _ ExecutionEnvironment) (string, error) {
			f.echoes.Add(1)
			return "echo " + string(inv.Arguments), nil
		},
	})
	reg.Register(echoTool("write", RiskWrite))

	cfg := LoopConfig{
		AgentID:  "agent-1",
		Base:     testBase(),
		Streamer: s,
		Pipeline: NewPipeline(PipelineConfig{
			Tools:     reg,
			Sandbox:   testSandbox(t),
			PreHooks:  []PreHook{SandboxHook()},
			Bus:       bus,
			SessionID: "session-1",
			AgentID:   "agent-1",
		}),
		Bus:       bus,
		Store:     f.store,
		TurnRetry: noRetry,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := NewLoop(cfg)
	require.NoError(t, err)
	f.loop = l
	return f
}

func kinds(turns []Turn) []TurnKind {
	out := make([]TurnKind, len(turns))
	for i, t := range turns {
		out[i] = t.Kind
	}
	return out
}

func TestNewLoopRequiresBaseAndStreamer(t *testing.T) {
	_, err := NewLoop(LoopConfig{Streamer: streamer(reply("x"))})
	assert.Error(t, err)
	_, err = NewLoop(LoopConfig{Base: testBase()})
	assert.Error(t, err)
}

func TestLoopFinalAnswer(t *testing.T) {
	f := newLoopFixture(t, streamer(reply("all done")), nil)

	res, err := f.loop.Run(context.Background(), "say hi")
	require.NoError(t, err)
	assert.Equal(t, "all done", res.Output)
	assert.Equal(t, 1, res.Turns)
	assert.Equal(t, 10, res.Usage.InputTokens)
	assert.Equal(t, StateIdle, f.loop.State())

	assert.Equal(t, []TurnKind{TurnUser, TurnAssistant}, kinds(f.loop.History().Turns()))

	var order []EventKind
	for _, e := range f.events.all() {
		if e.Kind != EventStream {
			order = append(order, e.Kind)
		}
	}
	assert.Equal(t, []EventKind{
		EventUserInput,
		EventAgentStateChanged,
		EventTurnStarted,
		EventTurnCompleted,
		EventAgentStateChanged,
	}, order)
	assert.NotEmpty(t, f.events.ofKind(EventStream))

	req := f.streamer.Requests()[0]
	assert.Equal(t, "gpt-4.1", req.Model)
	assert.Len(t, req.Tools, 2)
}

func TestLoopToolRoundTrip(t *testing.T) {
	s := streamer(
		reply("checking", call("c1", "echo", `{"q":1}`)),
		reply("the answer"),
	)
	f := newLoopFixture(t, s, nil)

	res, err := f.loop.Run(context.Background(), "question")
	require.NoError(t, err)
	assert.Equal(t, "the answer", res.Output)
	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, int32(1), f.echoes.Load())

	turns := f.loop.History().Turns()
	require.Equal(t, []TurnKind{TurnUser, TurnAssistant, TurnToolResults, TurnAssistant}, kinds(turns))
	assert.Equal(t, `echo {"q":1}`, turns[2].ToolResults.Results[0].Content)
	for _, turn := range turns {
		assert.Equal(t, "agent-1", turn.AgentID)
	}
	assert.Equal(t, 1, turns[1].Number)
	assert.Equal(t, 2, turns[3].Number)

	// The second request sees the tool result.
	reqs := s.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 3)

	var states []string
	for _, e := range f.events.ofKind(EventAgentStateChanged) {
		states = append(states, e.Data["to"].(string))
	}
	assert.Equal(t, []string{"streaming", "awaiting_tool_approval", "executing_tool", "streaming", "idle"}, states)
}

func TestLoopMaxTurns(t *testing.T) {
	s := streamer(reply("", call("c", "echo", `{}`)))
	f := newLoopFixture(t, s, func(cfg *LoopConfig) { cfg.MaxTurns = 2 })

	res, err := f.loop.Run(context.Background(), "forever")
	require.ErrorIs(t, err, ErrMaxTurns)
	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, StateIdle, f.loop.State())

	interrupted := f.events.ofKind(EventInterrupted)
	require.Len(t, interrupted, 1)
	assert.Equal(t, "max_turns", interrupted[0].Data["reason"])
}

func TestLoopCancellation(t *testing.T) {
	blocking := newBlockingStream()
	s := streamer(raw(blocking), reply("second run"))
	f := newLoopFixture(t, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-blocking.started
		cancel()
	}()

	_, err := f.loop.Run(ctx, "slow")
	var ce *CancelledError
	require.ErrorAs(t, err, &ce)
	assert.True(t, IsCancelled(err))
	assert.Equal(t, StateCancelled, f.loop.State())

	interrupted := f.events.ofKind(EventInterrupted)
	require.Len(t, interrupted, 1)
	assert.Equal(t, "cancelled", interrupted[0].Data["reason"])
	assert.Empty(t, f.events.ofKind(EventError))

	// A cancelled loop accepts new input.
	res, err := f.loop.Run(context.Background(), "again")
	require.NoError(t, err)
	assert.Equal(t, "second run", res.Output)
	assert.Equal(t, StateIdle, f.loop.State())
}

func TestLoopRetriesDroppedStream(t *testing.T) {
	dropped := unifiedllm.NewStaticStream("openai", `data: {"choices":[{"index":0,"delta":{"content":"par"}}]}`+"\n\n")
	dropped.OmitEnd = true
	s := streamer(raw(dropped), reply("recovered"))
	f := newLoopFixture(t, s, func(cfg *LoopConfig) {
		cfg.TurnRetry = &unifiedllm.RetryPolicy{MaxRetries: 1, BaseDelay: 0.001, MaxDelay: 0.01, BackoffMultiplier: 1}
	})

	res, err := f.loop.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Output)
	assert.Len(t, s.Requests(), 2)
	assert.Equal(t, []TurnKind{TurnUser, TurnAssistant}, kinds(f.loop.History().Turns()))

	warnings := f.events.ofKind(EventWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, 1, warnings[0].Data["attempt"])
}

func TestLoopStreamFailure(t *testing.T) {
	boom := &unifiedllm.ConfigurationError{SDKError: unifiedllm.SDKError{Message: "no api key"}}
	s := streamer(func(context.Context, unifiedllm.Request) (unifiedllm.ChunkStream, error) {
		return nil, boom
	})
	f := newLoopFixture(t, s, nil)

	_, err := f.loop.Run(context.Background(), "go")
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, StateFailed, f.loop.State())
	assert.Len(t, f.events.ofKind(EventError), 1)
}

func TestLoopMalformedToolArguments(t *testing.T) {
	s := streamer(
		reply("", call("bad1", "echo", `{"q":`)),
		reply("gave up"),
	)
	f := newLoopFixture(t, s, nil)

	res, err := f.loop.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "gave up", res.Output)
	assert.Equal(t, int32(0), f.echoes.Load())

	turns := f.loop.History().Turns()
	require.Equal(t, []TurnKind{TurnUser, TurnAssistant, TurnToolResults, TurnAssistant}, kinds(turns))
	require.Len(t, turns[1].Assistant.ToolCalls, 1)
	assert.Equal(t, "bad1", turns[1].Assistant.ToolCalls[0].ID)
	assert.JSONEq(t, `{}`, string(turns[1].Assistant.ToolCalls[0].Arguments))

	result := turns[2].ToolResults.Results[0]
	assert.Equal(t, "bad1", result.CallID)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "not valid JSON")
}

func TestLoopPersistsTurns(t *testing.T) {
	s := streamer(reply("", call("c1", "echo", `{}`)), reply("done"))
	f := newLoopFixture(t, s, nil)

	_, err := f.loop.Run(context.Background(), "go")
	require.NoError(t, err)

	resumed, err := ResumeSession(context.Background(), f.store, "session-1")
	require.NoError(t, err)
	assert.Equal(t, kinds(f.loop.History().Turns()), kinds(resumed.Turns()))
}

func TestLoopSteering(t *testing.T) {
	s := streamer(reply("ok"))
	f := newLoopFixture(t, s, nil)
	f.loop.Steer("prefer small diffs")

	_, err := f.loop.Run(context.Background(), "go")
	require.NoError(t, err)

	turns := f.loop.History().Turns()
	require.Equal(t, []TurnKind{TurnUser, TurnSteering, TurnAssistant}, kinds(turns))
	assert.Equal(t, SourceUser, turns[1].Steering.Source)

	msgs := s.Requests()[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "prefer small diffs", msgs[1].TextContent())
}

func TestLoopDetectionInjectsSteering(t *testing.T) {
	s := streamer(
		reply("", call("c1", "echo", `{"same":true}`)),
		reply("", call("c2", "echo", `{"same":true}`)),
		reply("done"),
	)
	f := newLoopFixture(t, s, func(cfg *LoopConfig) { cfg.LoopDetectionWindow = 2 })

	_, err := f.loop.Run(context.Background(), "go")
	require.NoError(t, err)

	detections := f.events.ofKind(EventLoopDetection)
	require.Len(t, detections, 1)
	assert.Equal(t, 2, detections[0].Turn)

	var steering []Turn
	for _, turn := range f.loop.History().Turns() {
		if turn.Kind == TurnSteering {
			steering = append(steering, turn)
		}
	}
	require.Len(t, steering, 1)
	assert.Equal(t, SourceLoopDetection, steering[0].Steering.Source)
}

func TestLoopContextUsageWarning(t *testing.T) {
	s := streamer(reply("", call("c1", "echo", `{}`)), reply("done"))
	f := newLoopFixture(t, s, func(cfg *LoopConfig) {
		cfg.Base.ContextWindow = 10
	})

	_, err := f.loop.Run(context.Background(), "a prompt long enough to pass eighty percent of a tiny window")
	require.NoError(t, err)

	warnings := f.events.ofKind(EventWarning)
	require.NotEmpty(t, warnings)
	assert.Contains(t, warnings[0].Data["message"], "Context usage")
}

// rejectOnce refuses the first proposal and accepts the rest.
type rejectOnce struct {
	seen atomic.Int32
}

func (g *rejectOnce) Review(context.Context, Proposal, *History) GateResult {
	if g.seen.Add(1) == 1 {
		return GateResult{Feedback: "wrong file"}
	}
	return GateResult{Commit: true}
}

func TestLoopGateRejection(t *testing.T) {
	s := streamer(reply("", call("c1", "write", `{}`)), reply("fine"))
	f := newLoopFixture(t, s, func(cfg *LoopConfig) { cfg.Gate = &rejectOnce{} })

	res, err := f.loop.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "fine", res.Output)
	assert.Equal(t, 1, res.Turns)

	turns := f.loop.History().Turns()
	require.Equal(t, []TurnKind{TurnUser, TurnSteering, TurnAssistant}, kinds(turns))
	assert.Equal(t, SourceReviewer, turns[1].Steering.Source)
	assert.Contains(t, turns[1].Steering.Content, "wrong file")
	assert.Empty(t, f.events.ofKind(EventToolRequested))
}

func TestLoopWithoutPipelineAnswersToolCalls(t *testing.T) {
	s := streamer(reply("", call("c1", "echo", `{}`)), reply("ok"))
	f := newLoopFixture(t, s, func(cfg *LoopConfig) { cfg.Pipeline = nil })

	_, err := f.loop.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Empty(t, s.Requests()[0].Tools)

	turns := f.loop.History().Turns()
	require.Equal(t, TurnToolResults, turns[2].Kind)
	assert.True(t, turns[2].ToolResults.Results[0].IsError)
	assert.Equal(t, int32(0), f.echoes.Load())
}

func TestLoopTurnStartedCarriesMessageCount(t *testing.T) {
	f := newLoopFixture(t, streamer(reply("x")), nil)
	start := time.Now()
	_, err := f.loop.Run(context.Background(), "go")
	require.NoError(t, err)

	started := f.events.ofKind(EventTurnStarted)
	require.Len(t, started, 1)
	assert.Equal(t, 1, started[0].Data["message_count"])
	assert.Equal(t, "session-1", started[0].SessionID)
	assert.False(t, started[0].Timestamp.Before(start))
}

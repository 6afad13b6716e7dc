package agentloop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/tandem/unifiedllm"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		reply string
		kind  VerdictKind
		text  string
	}{
		{"APPROVE", VerdictApprove, ""},
		{"approved: ship it", VerdictApprove, "ship it"},
		{"**APPROVE**", VerdictApprove, ""},
		{"REVISE: add a test first", VerdictRevise, "add a test first"},
		{"REJECT: that deletes the repo", VerdictReject, "that deletes the repo"},
		{"reject - wrong file", VerdictReject, "- wrong file"},
		{"Looks good to me.", VerdictApprove, "Looks good to me."},
		{"LGTM", VerdictApprove, "LGTM"},
		{"", VerdictApprove, ""},
		{"Consider checking the error first.", VerdictRevise, "Consider checking the error first."},
		{"Rejection seems harsh, but fix the import.", VerdictRevise, "Rejection seems harsh, but fix the import."},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			v := ParseVerdict(tt.reply)
			assert.Equal(t, tt.kind, v.Kind)
			assert.Equal(t, tt.text, v.Text)
		})
	}
}

func TestParseReviewPolicy(t *testing.T) {
	p, err := ParseReviewPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ReviewRisky, p)

	p, err = ParseReviewPolicy(" Always ")
	require.NoError(t, err)
	assert.Equal(t, ReviewAlways, p)

	_, err = ParseReviewPolicy("sometimes")
	assert.Error(t, err)
}

type dualFixture struct {
	dm       *DualMind
	executor *scriptedStreamer
	reviewer *scriptedStreamer
	events   *recorder
}

func newDualFixture(t *testing.T, exec, review *scriptedStreamer, policy ReviewPolicy) *dualFixture {
	t.Helper()
	bus := NewBus()
	reg := NewToolRegistry()
	reg.Register(echoTool("read", RiskRead))
	reg.Register(echoTool("write", RiskWrite))

	dm, err := NewDualMind(DualMindConfig{
		Base:             testBase(),
		Streamer:         exec,
		ReviewerStreamer: review,
		Pipeline: NewPipeline(PipelineConfig{
			Tools:     reg,
			Sandbox:   testSandbox(t),
			Bus:       bus,
			SessionID: "session-1",
		}),
		Bus:       bus,
		Policy:    policy,
		TurnRetry: noRetry,
	})
	require.NoError(t, err)
	return &dualFixture{dm: dm, executor: exec, reviewer: review, events: record(bus)}
}

func (f *dualFixture) speakers() []string {
	var out []string
	for _, e := range f.events.ofKind(EventDialogue) {
		out = append(out, e.Data["speaker"].(string))
	}
	return out
}

func TestDualMindConsensus(t *testing.T) {
	exec := streamer(reply("", call("c1", "write", `{"f":1}`)), reply("done"))
	f := newDualFixture(t, exec, streamer(reply("APPROVE")), ReviewAlways)

	res, err := f.dm.Run(context.Background(), "edit the file")
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)

	dialogues := f.dm.Dialogues()
	require.Len(t, dialogues, 2)
	assert.Equal(t, OutcomeConsensus, dialogues[0].Outcome)
	assert.Equal(t, []string{"executor", "reviewer", "executor", "reviewer"}, f.speakers())

	// The reviewer sees the user request and the proposed call.
	prompt := f.reviewer.Requests()[0].Messages[0].TextContent()
	assert.Contains(t, prompt, "edit the file")
	assert.Contains(t, prompt, `write with arguments {"f":1}`)

	// Turn numbers interleave on the shared counter.
	turns := f.dm.Executor().History().Turns()
	assert.Equal(t, 1, turns[1].Number)
	assert.Equal(t, 3, turns[3].Number)
}

func TestDualMindRejectLimit(t *testing.T) {
	exec := streamer(reply("", call("c1", "write", `{}`)))
	f := newDualFixture(t, exec, streamer(reply("REJECT: unsafe")), ReviewAlways)

	_, err := f.dm.Run(context.Background(), "do it")
	require.ErrorIs(t, err, ErrReviewLimit)

	for _, turn := range f.dm.Executor().History().Turns() {
		assert.NotEqual(t, TurnAssistant, turn.Kind, "rejected proposals are never committed")
	}
	assert.Empty(t, f.events.ofKind(EventToolRequested))

	dialogues := f.dm.Dialogues()
	require.Len(t, dialogues, DefaultMaxRejections)
	for _, d := range dialogues {
		assert.Equal(t, OutcomeRejected, d.Outcome)
		assert.Equal(t, "unsafe", d.Verdict.Text)
	}
	assert.Equal(t, []string{"executor", "reviewer", "executor", "reviewer", "executor", "reviewer"}, f.speakers())
	assert.Equal(t, StateIdle, f.dm.Executor().State())
}

func TestDualMindRevise(t *testing.T) {
	exec := streamer(reply("", call("c1", "write", `{}`)), reply("done"))
	f := newDualFixture(t, exec, streamer(reply("REVISE: also update the docs"), reply("APPROVE")), ReviewAlways)

	_, err := f.dm.Run(context.Background(), "change it")
	require.NoError(t, err)

	var steering []string
	for _, turn := range f.dm.Executor().History().Turns() {
		if turn.Kind == TurnSteering {
			steering = append(steering, turn.Steering.Content)
		}
	}
	require.Len(t, steering, 1)
	assert.Contains(t, steering[0], "also update the docs")
	assert.Len(t, f.events.ofKind(EventToolRequested), 1)
	assert.Equal(t, OutcomeRefined, f.dm.Dialogues()[0].Outcome)
}

func TestDualMindReviewerFailureFailsOpen(t *testing.T) {
	exec := streamer(reply("", call("c1", "write", `{}`)), reply("done"))
	broken := streamer(func(context.Context, unifiedllm.Request) (unifiedllm.ChunkStream, error) {
		return nil, &unifiedllm.AuthenticationError{ProviderError: unifiedllm.ProviderError{
			SDKError: unifiedllm.SDKError{Message: "bad key"},
		}}
	})
	f := newDualFixture(t, exec, broken, ReviewAlways)

	res, err := f.dm.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)
	assert.Len(t, f.events.ofKind(EventToolRequested), 1)

	dialogues := f.dm.Dialogues()
	require.NotEmpty(t, dialogues)
	assert.Equal(t, OutcomeReviewerFailed, dialogues[0].Outcome)
	var rerr *ReviewerError
	assert.ErrorAs(t, dialogues[0].Err, &rerr)

	reviewerEvents := f.events.ofKind(EventDialogue)
	require.Len(t, reviewerEvents, 4)
	assert.Contains(t, reviewerEvents[1].Data["error"], "bad key")
}

func TestDualMindRiskySkipsReads(t *testing.T) {
	exec := streamer(reply("", call("c1", "read", `{}`)), reply("done"))
	review := streamer(reply("REJECT: never"))
	f := newDualFixture(t, exec, review, ReviewRisky)

	_, err := f.dm.Run(context.Background(), "look around")
	require.NoError(t, err)

	// The read turn is skipped; the final answer has no calls and is skipped too.
	assert.Empty(t, review.Requests())
	for _, d := range f.dm.Dialogues() {
		assert.Equal(t, OutcomeSkipped, d.Outcome)
	}
	assert.Empty(t, f.speakers())
}

func TestDualMindReviewOff(t *testing.T) {
	exec := streamer(reply("", call("c1", "write", `{}`)), reply("done"))
	review := streamer(reply("REJECT: never"))
	f := newDualFixture(t, exec, review, ReviewOff)

	_, err := f.dm.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Empty(t, review.Requests())
}

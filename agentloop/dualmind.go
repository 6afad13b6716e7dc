package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/martinemde/tandem/unifiedllm"
)

// ReviewPolicy selects which executor turns the reviewer judges.
type ReviewPolicy string

const (
	ReviewOff    ReviewPolicy = "off"
	ReviewRisky  ReviewPolicy = "risky"
	ReviewAlways ReviewPolicy = "always"
)

// ParseReviewPolicy accepts the policy names used in configuration.
func ParseReviewPolicy(s string) (ReviewPolicy, error) {
	switch p := ReviewPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case ReviewOff, ReviewRisky, ReviewAlways:
		return p, nil
	case "":
		return ReviewRisky, nil
	}
	return "", fmt.Errorf("unknown review policy %q", s)
}

// VerdictKind is the reviewer's decision.
type VerdictKind string

const (
	VerdictApprove VerdictKind = "approve"
	VerdictRevise  VerdictKind = "revise"
	VerdictReject  VerdictKind = "reject"
)

// Verdict is a parsed reviewer reply.
type Verdict struct {
	Kind VerdictKind
	Text string
}

var (
	verdictPrefix = regexp.MustCompile(`(?i)^\s*\**\s*(approve|approved|revise|reject)\b\**\s*:?\s*`)
	approvalWords = regexp.MustCompile(`(?i)\b(looks good|lgtm|approved?|no issues|no concerns)\b`)
)

// ParseVerdict reads a reviewer reply. An explicit APPROVE, REVISE: or
// REJECT: prefix wins; otherwise a routine approval phrase counts as
// approve and anything else is a suggestion to revise.
func ParseVerdict(reply string) Verdict {
	text := strings.TrimSpace(reply)
	if m := verdictPrefix.FindStringSubmatch(text); m != nil {
		rest := strings.TrimSpace(text[len(m[0]):])
		switch strings.ToLower(m[1]) {
		case "approve", "approved":
			return Verdict{Kind: VerdictApprove, Text: rest}
		case "revise":
			return Verdict{Kind: VerdictRevise, Text: rest}
		case "reject":
			return Verdict{Kind: VerdictReject, Text: rest}
		}
	}
	if text == "" || approvalWords.MatchString(text) {
		return Verdict{Kind: VerdictApprove, Text: text}
	}
	return Verdict{Kind: VerdictRevise, Text: text}
}

// DialogueOutcome records what a review did to a turn.
type DialogueOutcome string

const (
	OutcomeConsensus      DialogueOutcome = "consensus"
	OutcomeRefined        DialogueOutcome = "refined"
	OutcomeRejected       DialogueOutcome = "rejected"
	OutcomeSkipped        DialogueOutcome = "skipped"
	OutcomeReviewerFailed DialogueOutcome = "reviewer_failed"
)

// DialogueResult is the record of one executor turn passing the gate.
type DialogueResult struct {
	Turn    int
	Outcome DialogueOutcome
	Verdict Verdict
	Err     error
}

// DefaultReviewerSystem is the reviewer's instruction when none is given.
const DefaultReviewerSystem = `You review the proposed next step of a coding agent before it runs.
Judge whether it moves the user's request forward safely and correctly.
Reply with exactly one of:
APPROVE
REVISE: <a concrete suggestion; the step still runs>
REJECT: <why the step must not run>`

// DualMindConfig wires a coordinator.
type DualMindConfig struct {
	Base    *BaseConfig
	History *History

	Streamer TurnStreamer
	// ReviewerStreamer defaults to Streamer.
	ReviewerStreamer TurnStreamer
	ReviewerModel    string
	ReviewerSystem   string

	Pipeline *Pipeline
	Bus      *Bus
	Store    SessionStore

	Policy        ReviewPolicy
	MaxRejections int
	MaxTurns      int
	TurnRetry     *unifiedllm.RetryPolicy
	Tracker       *FileTracker
	Logger        *slog.Logger
}

// DualMind runs an executor loop whose every turn passes through a
// reviewer loop before it is committed. Both loops share one turn counter.
type DualMind struct {
	executor *Loop
	reviewer *Loop
	pipeline *Pipeline
	policy   ReviewPolicy
	logger   *slog.Logger

	execEmit   emitter
	reviewEmit emitter

	mu        sync.Mutex
	dialogues []DialogueResult
}

var _ Gate = (*DualMind)(nil)

// NewDualMind builds the executor and reviewer loops.
func NewDualMind(cfg DualMindConfig) (*DualMind, error) {
	if cfg.Base == nil {
		return nil, errors.New("dual mind requires a base config")
	}
	if cfg.ReviewerStreamer == nil {
		cfg.ReviewerStreamer = cfg.Streamer
	}
	if cfg.Policy == "" {
		cfg.Policy = ReviewRisky
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	reviewerBase := *cfg.Base
	reviewerBase.System = cfg.ReviewerSystem
	if reviewerBase.System == "" {
		reviewerBase.System = DefaultReviewerSystem
	}
	if cfg.ReviewerModel != "" {
		reviewerBase.Model = cfg.ReviewerModel
	}

	counter := &TurnCounter{}
	d := &DualMind{
		pipeline: cfg.Pipeline,
		policy:   cfg.Policy,
		logger:   cfg.Logger,
	}

	reviewer, err := NewLoop(LoopConfig{
		Role:      RoleReviewer,
		AgentID:   "reviewer-" + uuid.NewString(),
		Base:      &reviewerBase,
		History:   NewHistory(),
		Streamer:  cfg.ReviewerStreamer,
		Bus:       cfg.Bus,
		Counter:   counter,
		MaxTurns:  2,
		TurnRetry: cfg.TurnRetry,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("reviewer: %w", err)
	}
	executor, err := NewLoop(LoopConfig{
		Role:          RoleExecutor,
		AgentID:       "executor-" + uuid.NewString(),
		Base:          cfg.Base,
		History:       cfg.History,
		Streamer:      cfg.Streamer,
		Pipeline:      cfg.Pipeline,
		Gate:          d,
		Bus:           cfg.Bus,
		Store:         cfg.Store,
		Counter:       counter,
		MaxTurns:      cfg.MaxTurns,
		MaxRejections: cfg.MaxRejections,
		TurnRetry:     cfg.TurnRetry,
		Tracker:       cfg.Tracker,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	d.executor, d.reviewer = executor, reviewer
	d.execEmit = executor.emit
	d.reviewEmit = reviewer.emit
	return d, nil
}

// Executor returns the executor loop.
func (d *DualMind) Executor() *Loop { return d.executor }

// Reviewer returns the reviewer loop.
func (d *DualMind) Reviewer() *Loop { return d.reviewer }

// Run hands input to the executor.
func (d *DualMind) Run(ctx context.Context, input string) (*RunResult, error) {
	return d.executor.Run(ctx, input)
}

// Dialogues returns the record of every gated turn so far.
func (d *DualMind) Dialogues() []DialogueResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DialogueResult(nil), d.dialogues...)
}

func (d *DualMind) record(r DialogueResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialogues = append(d.dialogues, r)
}

func (d *DualMind) shouldReview(p Proposal) bool {
	switch d.policy {
	case ReviewAlways:
		return true
	case ReviewRisky:
		for _, c := range p.ToolCalls {
			if d.pipeline == nil || d.pipeline.Risk(c.Name) >= RiskWrite {
				return true
			}
		}
	}
	return false
}

// Review implements Gate. Every reviewed turn publishes one dialogue event
// for each speaker, executor first.
func (d *DualMind) Review(ctx context.Context, p Proposal, history *History) GateResult {
	if !d.shouldReview(p) {
		d.record(DialogueResult{Turn: p.Turn, Outcome: OutcomeSkipped})
		return GateResult{Commit: true}
	}

	d.execEmit.emit(EventDialogue, p.Turn, map[string]any{
		"speaker": string(RoleExecutor),
		"content": renderProposal(p),
	})

	reply, err := d.reviewer.Run(ctx, reviewPrompt(history.LastUserInput(), p))
	if err != nil {
		rerr := &ReviewerError{Err: err}
		d.reviewEmit.emit(EventDialogue, p.Turn, map[string]any{
			"speaker": string(RoleReviewer),
			"error":   rerr.Error(),
		})
		if !IsCancelled(err) {
			d.logger.Warn("reviewer failed, committing unreviewed turn", "turn", p.Turn, "error", err)
		}
		d.record(DialogueResult{Turn: p.Turn, Outcome: OutcomeReviewerFailed, Err: rerr})
		return GateResult{Commit: true}
	}

	v := ParseVerdict(reply.Output)
	d.reviewEmit.emit(EventDialogue, p.Turn, map[string]any{
		"speaker": string(RoleReviewer),
		"content": reply.Output,
		"verdict": string(v.Kind),
	})

	switch v.Kind {
	case VerdictReject:
		d.record(DialogueResult{Turn: p.Turn, Outcome: OutcomeRejected, Verdict: v})
		return GateResult{Commit: false, Feedback: v.Text}
	case VerdictRevise:
		d.record(DialogueResult{Turn: p.Turn, Outcome: OutcomeRefined, Verdict: v})
		return GateResult{Commit: true, Feedback: v.Text}
	}
	d.record(DialogueResult{Turn: p.Turn, Outcome: OutcomeConsensus, Verdict: v})
	return GateResult{Commit: true}
}

func renderProposal(p Proposal) string {
	var sb strings.Builder
	if p.Text != "" {
		sb.WriteString(p.Text)
		sb.WriteString("\n")
	}
	for _, c := range p.ToolCalls {
		fmt.Fprintf(&sb, "-> %s %s\n", c.Name, string(c.Arguments))
	}
	return strings.TrimSpace(sb.String())
}

func reviewPrompt(request string, p Proposal) string {
	var sb strings.Builder
	sb.WriteString("User request:\n")
	sb.WriteString(request)
	sb.WriteString("\n\nProposed step:\n")
	if p.Text != "" {
		sb.WriteString(p.Text)
		sb.WriteString("\n")
	}
	if len(p.ToolCalls) == 0 {
		sb.WriteString("(final answer, no tool calls)\n")
	}
	for _, c := range p.ToolCalls {
		fmt.Fprintf(&sb, "- tool %s with arguments %s\n", c.Name, string(c.Arguments))
	}
	sb.WriteString("\nReply with APPROVE, REVISE: <suggestion> or REJECT: <reason>.")
	return sb.String()
}

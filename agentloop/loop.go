package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/tandem/unifiedllm"
)

// Role distinguishes the two minds of a dual-mind pair. Sub-agents and
// single-mind sessions run as executors.
type Role string

const (
	RoleExecutor Role = "executor"
	RoleReviewer Role = "reviewer"
)

// DefaultMaxRejections bounds consecutive reviewer rejections per input.
const DefaultMaxRejections = 3

// TurnStreamer opens one model turn. *unifiedllm.Client implements it.
type TurnStreamer interface {
	StreamTurn(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Accumulator, error)
}

// Proposal is an uncommitted executor turn as a gate sees it. Reasoning is
// deliberately absent.
type Proposal struct {
	Turn      int
	Text      string
	ToolCalls []unifiedllm.ToolCall
	Finish    unifiedllm.FinishReason
	Usage     unifiedllm.Usage
}

// Final reports whether the proposal is an answer rather than tool use.
func (p Proposal) Final() bool {
	return len(p.ToolCalls) == 0
}

// GateResult decides the fate of a proposal. Feedback is appended as
// steering context after a committed turn or as the rationale of a
// rejection.
type GateResult struct {
	Commit   bool
	Feedback string
}

// Gate sits between streaming a turn and committing it.
type Gate interface {
	Review(ctx context.Context, p Proposal, history *History) GateResult
}

// LoopConfig wires a Loop.
type LoopConfig struct {
	Role     Role
	AgentID  string
	Base     *BaseConfig
	History  *History
	Streamer TurnStreamer

	// Pipeline executes tool calls. A loop without one offers no tools.
	Pipeline *Pipeline
	Gate     Gate
	Bus      *Bus
	Store    SessionStore
	Counter  *TurnCounter

	MaxTurns      int
	MaxRejections int
	TurnRetry     *unifiedllm.RetryPolicy

	// LoopDetectionWindow of zero uses the default; negative disables.
	LoopDetectionWindow int
	Tracker             *FileTracker
	Logger              *slog.Logger
}

// RunResult summarizes one Run.
type RunResult struct {
	Output    string
	Turns     int
	ToolCalls int
	Usage     unifiedllm.Usage
}

// Loop drives the conversation for one agent: stream a turn, gate it,
// commit it, execute its tools, repeat.
type Loop struct {
	cfg     LoopConfig
	id      string
	history *History
	counter *TurnCounter
	sm      *stateMachine
	emit    emitter
	retry   unifiedllm.RetryPolicy
	logger  *slog.Logger

	runMu    sync.Mutex
	steerMu  sync.Mutex
	steering []string
}

// NewLoop creates a loop in the Idle state.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Base == nil {
		return nil, errors.New("loop requires a base config")
	}
	if cfg.Streamer == nil {
		return nil, errors.New("loop requires a streamer")
	}
	if cfg.Role == "" {
		cfg.Role = RoleExecutor
	}
	if cfg.AgentID == "" {
		cfg.AgentID = uuid.NewString()
	}
	if cfg.History == nil {
		cfg.History = NewHistory()
	}
	if cfg.Counter == nil {
		cfg.Counter = &TurnCounter{}
	}
	if cfg.MaxRejections <= 0 {
		cfg.MaxRejections = DefaultMaxRejections
	}
	if cfg.LoopDetectionWindow == 0 {
		cfg.LoopDetectionWindow = DefaultLoopDetectionWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	retry := unifiedllm.DefaultRetryPolicy()
	if cfg.TurnRetry != nil {
		retry = *cfg.TurnRetry
	}

	l := &Loop{
		cfg:     cfg,
		id:      cfg.AgentID,
		history: cfg.History,
		counter: cfg.Counter,
		retry:   retry,
		logger:  cfg.Logger.With("agent_id", cfg.AgentID, "role", string(cfg.Role)),
		emit: emitter{
			bus:       cfg.Bus,
			sessionID: cfg.Base.SessionID,
			agentID:   cfg.AgentID,
			role:      cfg.Role,
		},
	}
	l.sm = newStateMachine(func(from, to AgentState) {
		l.emit.emit(EventAgentStateChanged, l.counter.Current(), map[string]any{
			"from": string(from),
			"to":   string(to),
		})
	})
	return l, nil
}

// ID returns the agent id.
func (l *Loop) ID() string { return l.id }

// Role returns the loop's role.
func (l *Loop) Role() Role { return l.cfg.Role }

// State returns the current AgentState.
func (l *Loop) State() AgentState { return l.sm.current() }

// History returns the loop's history branch.
func (l *Loop) History() *History { return l.history }

// FilesExamined returns the files read by this loop's tools, if tracked.
func (l *Loop) FilesExamined() []string {
	if l.cfg.Tracker == nil {
		return nil
	}
	return l.cfg.Tracker.Files()
}

// Steer queues a message injected before the next model turn.
func (l *Loop) Steer(message string) {
	l.steerMu.Lock()
	defer l.steerMu.Unlock()
	l.steering = append(l.steering, message)
}

func (l *Loop) drainSteering(ctx context.Context, turn int) {
	l.steerMu.Lock()
	queued := l.steering
	l.steering = nil
	l.steerMu.Unlock()
	for _, msg := range queued {
		l.commit(ctx, NewSteeringTurn(SourceUser, msg), turn)
	}
}

// Run processes one input to completion: a final answer, the turn limit,
// the rejection limit, a failure or cancellation.
func (l *Loop) Run(ctx context.Context, input string) (*RunResult, error) {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if s := l.sm.current(); s == StateCancelled || s == StateFailed {
		_ = l.sm.transition(StateIdle)
	}

	l.commit(ctx, NewUserTurn(input), 0)
	l.emit.emit(EventUserInput, l.counter.Current(), map[string]any{"content": input})

	active := StateStreaming
	if l.cfg.Role == RoleReviewer {
		active = StateReviewing
	}

	result := &RunResult{}
	rejections := 0
	revisedFinal := false
	for {
		turn := l.counter.Current()
		if ctx.Err() != nil {
			return result, l.cancel(ctx, turn)
		}
		if l.cfg.MaxTurns > 0 && result.Turns >= l.cfg.MaxTurns {
			l.emit.emit(EventInterrupted, turn, map[string]any{"reason": "max_turns", "limit": l.cfg.MaxTurns})
			_ = l.sm.transition(StateIdle)
			return result, ErrMaxTurns
		}

		l.drainSteering(ctx, turn)
		turn = l.counter.Next()
		if err := l.sm.transition(active); err != nil {
			return result, l.fail(turn, err)
		}
		l.emit.emit(EventTurnStarted, turn, map[string]any{
			"turn":          turn,
			"message_count": l.history.Len(),
		})

		started := time.Now()
		res, err := l.streamTurn(ctx, turn)
		if err != nil {
			if ctx.Err() != nil {
				return result, l.cancel(ctx, turn)
			}
			return result, l.fail(turn, fmt.Errorf("turn %d: %w", turn, err))
		}
		result.Usage = result.Usage.Add(res.Usage)

		proposal := Proposal{
			Turn:      turn,
			Text:      res.Text,
			ToolCalls: res.ToolCalls,
			Finish:    res.Finish,
			Usage:     res.Usage,
		}
		hasTools := len(res.ToolCalls) > 0 || len(res.ToolCallErrors) > 0
		if hasTools && l.cfg.Pipeline != nil {
			_ = l.sm.transition(StateAwaitingToolApproval)
		}

		verdict := GateResult{Commit: true}
		if l.cfg.Gate != nil {
			verdict = l.cfg.Gate.Review(ctx, proposal, l.history)
		}
		if ctx.Err() != nil {
			return result, l.cancel(ctx, turn)
		}

		if !verdict.Commit {
			rejections++
			l.commit(ctx, NewSteeringTurn(SourceReviewer, rejectionContext(verdict.Feedback)), turn)
			if rejections >= l.cfg.MaxRejections {
				l.emit.emit(EventError, turn, map[string]any{"error": ErrReviewLimit.Error(), "rejections": rejections})
				_ = l.sm.transition(StateIdle)
				return result, ErrReviewLimit
			}
			_ = l.sm.transition(active)
			continue
		}
		rejections = 0

		calls, broken := splitBrokenCalls(res)
		assistant := NewAssistantTurn(res)
		assistant.Assistant.ToolCalls = calls
		l.commit(ctx, assistant, turn)
		result.Turns++
		l.emit.emit(EventTurnCompleted, turn, map[string]any{
			"turn":        turn,
			"duration_ms": time.Since(started).Milliseconds(),
			"usage":       res.Usage,
		})

		if !hasTools {
			if verdict.Feedback != "" && !revisedFinal {
				revisedFinal = true
				l.commit(ctx, NewSteeringTurn(SourceReviewer, revisionContext(verdict.Feedback)), turn)
				continue
			}
			result.Output = res.Text
			_ = l.sm.transition(StateIdle)
			return result, nil
		}

		results, err := l.executeTools(ctx, turn, res.ToolCalls)
		results = append(results, broken...)
		l.commit(ctx, NewToolResultsTurn(results), turn)
		result.ToolCalls += len(results)
		if err != nil {
			return result, l.cancel(ctx, turn)
		}

		if verdict.Feedback != "" {
			l.commit(ctx, NewSteeringTurn(SourceReviewer, revisionContext(verdict.Feedback)), turn)
		}
		l.detectLoop(ctx, turn)
		l.checkContextUsage(turn)
		_ = l.sm.transition(active)
	}
}

func (l *Loop) executeTools(ctx context.Context, turn int, calls []unifiedllm.ToolCall) ([]ToolResult, error) {
	if l.cfg.Pipeline == nil {
		out := make([]ToolResult, len(calls))
		for i, c := range calls {
			out[i] = ToolResult{CallID: c.ID, ToolName: c.Name, Content: "no tools are available to this agent", IsError: true}
		}
		return out, nil
	}
	_ = l.sm.transition(StateExecutingTool)
	return l.cfg.Pipeline.ExecuteAll(ctx, turn, calls)
}

// splitBrokenCalls keeps the calls whose arguments failed to parse in the
// committed turn, with empty arguments, and answers each with an error.
func splitBrokenCalls(res *unifiedllm.TurnResult) ([]unifiedllm.ToolCall, []ToolResult) {
	calls := append([]unifiedllm.ToolCall(nil), res.ToolCalls...)
	var broken []ToolResult
	for _, tce := range res.ToolCallErrors {
		id := tce.CallID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		calls = append(calls, unifiedllm.ToolCall{ID: id, Name: tce.ToolName, Arguments: []byte("{}")})
		broken = append(broken, ToolResult{
			CallID:   id,
			ToolName: tce.ToolName,
			Content:  fmt.Sprintf("The arguments for %s were not valid JSON and the call was not executed: %s", tce.ToolName, tce.Message),
			IsError:  true,
		})
	}
	return calls, broken
}

func (l *Loop) streamTurn(ctx context.Context, turn int) (*unifiedllm.TurnResult, error) {
	var tools []unifiedllm.ToolDefinition
	if l.cfg.Pipeline != nil {
		tools = l.cfg.Pipeline.Definitions()
	}
	req := l.cfg.Base.request(l.history.Turns(), tools)

	policy := l.retry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		l.logger.Warn("retrying turn", "turn", turn, "attempt", attempt, "delay", delay, "error", err)
		l.emit.emit(EventWarning, turn, map[string]any{
			"message":  "retrying turn after stream failure",
			"error":    err.Error(),
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		})
	}
	return unifiedllm.Retry(ctx, policy, func(ctx context.Context) (*unifiedllm.TurnResult, error) {
		acc, err := l.cfg.Streamer.StreamTurn(ctx, req)
		if err != nil {
			return nil, err
		}
		defer acc.Close()
		return unifiedllm.Collect(ctx, acc, func(ev unifiedllm.Event) {
			l.emit.stream(turn, ev)
		})
	})
}

// commit appends a turn to history and the session store. A store failure
// is reported but does not stop the loop.
func (l *Loop) commit(ctx context.Context, t Turn, number int) {
	t.AgentID = l.id
	t.Number = number
	l.history.Append(t)
	if l.cfg.Store == nil {
		return
	}
	if err := l.cfg.Store.AppendTurn(context.WithoutCancel(ctx), l.cfg.Base.SessionID, t); err != nil {
		l.logger.Warn("persisting turn", "turn", number, "error", err)
		l.emit.emit(EventWarning, number, map[string]any{"message": "failed to persist turn", "error": err.Error()})
	}
}

func (l *Loop) detectLoop(ctx context.Context, turn int) {
	if l.cfg.LoopDetectionWindow < 0 {
		return
	}
	if !DetectLoop(l.history.Turns(), l.cfg.LoopDetectionWindow) {
		return
	}
	msg := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. "+
		"Try a different approach.", l.cfg.LoopDetectionWindow)
	l.commit(ctx, NewSteeringTurn(SourceLoopDetection, msg), turn)
	l.emit.emit(EventLoopDetection, turn, map[string]any{"message": msg})
}

// checkContextUsage warns once history passes 80% of the context window,
// estimating four characters per token.
func (l *Loop) checkContextUsage(turn int) {
	window := l.cfg.Base.ContextWindow
	if window <= 0 {
		return
	}
	chars := 0
	for _, t := range l.history.Turns() {
		chars += len(t.TextContent())
	}
	tokens := chars / 4
	if tokens <= window*8/10 {
		return
	}
	pct := tokens * 100 / window
	l.emit.emit(EventWarning, turn, map[string]any{
		"message": fmt.Sprintf("Context usage at ~%d%% of context window", pct),
	})
}

func (l *Loop) cancel(ctx context.Context, turn int) error {
	_ = l.sm.transition(StateCancelled)
	l.emit.emit(EventInterrupted, turn, map[string]any{"reason": "cancelled"})
	l.logger.Info("run cancelled", "turn", turn)
	return &CancelledError{Op: string(l.cfg.Role) + " loop", Err: ctx.Err()}
}

func (l *Loop) fail(turn int, err error) error {
	_ = l.sm.transition(StateFailed)
	l.emit.emit(EventError, turn, map[string]any{"error": err.Error()})
	l.logger.Error("run failed", "turn", turn, "error", err)
	return err
}

func rejectionContext(rationale string) string {
	if rationale == "" {
		rationale = "no rationale given"
	}
	return "The reviewer rejected your previous proposal, which was discarded: " + rationale +
		"\nPropose a different approach."
}

func revisionContext(suggestion string) string {
	return "Reviewer feedback on your last step: " + suggestion
}

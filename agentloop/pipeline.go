package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/buger/jsonparser"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/tandem/unifiedllm"
)

// DefaultToolTimeout applies to tools that declare no timeout.
const DefaultToolTimeout = 2 * time.Minute

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Tools     ToolResolver
	Env       ExecutionEnvironment
	Sandbox   *Sandbox
	PreHooks  []PreHook
	PostHooks []PostHook
	Bus       *Bus

	SessionID string
	AgentID   string
	Role      Role
	Mode      Mode

	// Parallel lets ExecuteAll run the calls of one turn concurrently.
	Parallel       bool
	Truncation     TruncationLimits
	DefaultTimeout time.Duration
	Logger         *slog.Logger

	// Approve is consulted by hooks that flag a call, such as the
	// destructive command check. Nil denies everything flagged.
	Approve Approver
}

// Pipeline carries each tool call from request to a reported result:
// validation, pre-hooks, execution under a deadline, post-hooks and
// exactly one tool_completed event.
type Pipeline struct {
	cfg  PipelineConfig
	emit emitter
}

// NewPipeline creates a pipeline. A nil sandbox means every tool that
// takes a path is denied.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Tools == nil {
		cfg.Tools = NewToolRegistry()
	}
	if cfg.Env == nil {
		root := ""
		if cfg.Sandbox != nil {
			root = cfg.Sandbox.Root()
		}
		cfg.Env = NewLocalExecutionEnvironment(root)
	}
	if cfg.Truncation.Chars == nil {
		cfg.Truncation = DefaultTruncationLimits()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultToolTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeNormal
	}
	return &Pipeline{
		cfg: cfg,
		emit: emitter{
			bus:       cfg.Bus,
			sessionID: cfg.SessionID,
			agentID:   cfg.AgentID,
			role:      cfg.Role,
		},
	}
}

// Tools returns the pipeline's resolver.
func (p *Pipeline) Tools() ToolResolver {
	return p.cfg.Tools
}

// Definitions returns the tool definitions to offer the model.
func (p *Pipeline) Definitions() []unifiedllm.ToolDefinition {
	if d, ok := p.cfg.Tools.(interface {
		Definitions() []unifiedllm.ToolDefinition
	}); ok {
		return d.Definitions()
	}
	return nil
}

// Risk returns the risk class of a tool, or RiskExec when it is unknown.
func (p *Pipeline) Risk(name string) RiskClass {
	h, err := p.cfg.Tools.Resolve(name)
	if err != nil {
		return RiskExec
	}
	return h.Risk
}

type toolOutcome struct {
	output string
	err    error
}

// Execute runs one tool call. The returned result is what enters history.
// The error is the typed failure, if any; only a CancelledError should stop
// the caller.
func (p *Pipeline) Execute(ctx context.Context, turn int, call unifiedllm.ToolCall) (ToolResult, error) {
	inv := NewToolInvocation(call.ID, call.Name, call.Arguments)
	p.emit.emit(EventToolRequested, turn, map[string]any{
		"call_id":   call.ID,
		"tool":      call.Name,
		"arguments": string(call.Arguments),
	})

	hc := HookContext{
		SessionID: p.cfg.SessionID,
		AgentID:   p.cfg.AgentID,
		Role:      p.cfg.Role,
		Mode:      p.cfg.Mode,
		Sandbox:   p.cfg.Sandbox,
		Logger:    p.cfg.Logger,
		Approve:   p.approver(turn, call),
	}

	_ = inv.advance(StatusValidating)
	handle, err := p.cfg.Tools.Resolve(call.Name)
	if err != nil {
		_ = inv.advance(StatusRejected)
		return p.report(turn, inv, hc, "", err), err
	}
	hc.Tool = handle

	for _, hook := range p.cfg.PreHooks {
		if d := hook.Check(inv, hc); !d.Allowed {
			verr := &ToolValidationError{Hook: hook.Name, Reason: d.Reason}
			_ = inv.advance(StatusRejected)
			return p.report(turn, inv, hc, "", verr), verr
		}
	}
	_ = inv.advance(StatusApproved)

	timeout := p.timeoutFor(handle, call.Arguments)
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_ = inv.advance(StatusExecuting)
	inv.StartedAt = time.Now()
	inv.Deadline = inv.StartedAt.Add(timeout)

	done := make(chan toolOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- toolOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := p.cfg.Tools.Invoke(tctx, handle, inv, p.cfg.Env)
		done <- toolOutcome{output: out, err: err}
	}()

	var res toolOutcome
	select {
	case res = <-done:
	case <-tctx.Done():
		// The tool goroutine is abandoned; its context is already done.
		res.err = tctx.Err()
	}

	switch {
	case ctx.Err() != nil:
		_ = inv.advance(StatusFailed)
		inv.Cancelled = true
		cerr := &CancelledError{Op: "tool " + call.Name, Err: ctx.Err()}
		return p.report(turn, inv, hc, res.output, cerr), cerr
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		_ = inv.advance(StatusTimedOut)
		terr := &ToolTimeoutError{Tool: call.Name, Timeout: timeout}
		return p.report(turn, inv, hc, res.output, terr), terr
	case res.err != nil:
		_ = inv.advance(StatusFailed)
		xerr := &ToolExecutionError{Tool: call.Name, Err: res.err}
		return p.report(turn, inv, hc, res.output, xerr), xerr
	}
	_ = inv.advance(StatusSucceeded)
	return p.report(turn, inv, hc, res.output, nil), nil
}

// report runs post-hooks, marks the invocation reported and publishes the
// single tool_completed event carrying the untruncated output.
func (p *Pipeline) report(turn int, inv *ToolInvocation, hc HookContext, output string, err error) ToolResult {
	full := output
	if err != nil {
		full = err.Error()
		if output != "" {
			full = output + "\n\n" + err.Error()
		}
	}
	result := ToolResult{
		CallID:   inv.CallID,
		ToolName: inv.ToolName,
		Content:  p.cfg.Truncation.Apply(inv.ToolName, full),
		IsError:  err != nil,
	}

	for _, hook := range p.cfg.PostHooks {
		p.observe(hook, inv, result, hc)
	}
	status := inv.Status()
	_ = inv.advance(StatusReported)

	data := map[string]any{
		"call_id":  inv.CallID,
		"tool":     inv.ToolName,
		"status":   string(status),
		"output":   full,
		"is_error": result.IsError,
	}
	if !inv.StartedAt.IsZero() {
		data["duration_ms"] = time.Since(inv.StartedAt).Milliseconds()
	}
	if len(inv.ResolvedPaths) > 0 {
		data["paths"] = inv.ResolvedPaths
	}
	p.emit.emit(EventToolCompleted, turn, data)
	return result
}

// approver wraps the configured approver so every decision is published
// as a tool_approval event.
func (p *Pipeline) approver(turn int, call unifiedllm.ToolCall) Approver {
	return func(inv *ToolInvocation, reason string) bool {
		approved := false
		if p.cfg.Approve != nil {
			approved = p.cfg.Approve(inv, reason)
		}
		p.emit.emit(EventToolApproval, turn, map[string]any{
			"call_id":  call.ID,
			"tool":     call.Name,
			"reason":   reason,
			"approved": approved,
		})
		return approved
	}
}

func (p *Pipeline) observe(hook PostHook, inv *ToolInvocation, result ToolResult, hc HookContext) {
	defer func() {
		if r := recover(); r != nil {
			p.cfg.Logger.Error("post hook panicked", "hook", hook.Name, "tool", inv.ToolName, "panic", r)
		}
	}()
	hook.Observe(inv, result, hc)
}

// timeoutFor picks the tool's deadline. A timeout_ms argument overrides it
// up to the tool's maximum.
func (p *Pipeline) timeoutFor(h ToolHandle, args []byte) time.Duration {
	d := h.Timeout
	if d <= 0 {
		d = p.cfg.DefaultTimeout
	}
	if ms, err := jsonparser.GetInt(args, "timeout_ms"); err == nil && ms > 0 {
		d = time.Duration(ms) * time.Millisecond
		if h.MaxTimeout > 0 && d > h.MaxTimeout {
			d = h.MaxTimeout
		}
	}
	return d
}

// ExecuteAll runs the calls of one turn and returns their results in call
// order. Calls run concurrently when the pipeline allows it and no call id
// repeats; completion events then publish in finish order.
func (p *Pipeline) ExecuteAll(ctx context.Context, turn int, calls []unifiedllm.ToolCall) ([]ToolResult, error) {
	results := make([]ToolResult, len(calls))

	if p.cfg.Parallel && len(calls) > 1 && uniqueCallIDs(calls) {
		errs := make([]error, len(calls))
		var g errgroup.Group
		for i, call := range calls {
			g.Go(func() error {
				results[i], errs[i] = p.Execute(ctx, turn, call)
				return nil
			})
		}
		_ = g.Wait()
		for _, err := range errs {
			if IsCancelled(err) {
				return results, err
			}
		}
		return results, nil
	}

	for i, call := range calls {
		if ctx.Err() != nil {
			return results[:i], &CancelledError{Op: "tool execution", Err: ctx.Err()}
		}
		res, err := p.Execute(ctx, turn, call)
		results[i] = res
		if IsCancelled(err) {
			return results[:i+1], err
		}
	}
	return results, nil
}

func uniqueCallIDs(calls []unifiedllm.ToolCall) bool {
	seen := make(map[string]bool, len(calls))
	for _, c := range calls {
		if c.ID == "" || seen[c.ID] {
			return false
		}
		seen[c.ID] = true
	}
	return true
}

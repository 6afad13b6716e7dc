package agentloop

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrMaxTurns          = errors.New("turn limit reached")
	ErrReviewLimit       = errors.New("reviewer rejected too many proposals")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrSessionNotFound   = errors.New("session not found")
)

// ToolValidationError is a pre-hook rejection. It is reported to the model
// as a tool result.
type ToolValidationError struct {
	Hook   string
	Reason string
}

func (e *ToolValidationError) Error() string {
	return fmt.Sprintf("rejected by %s: %s", e.Hook, e.Reason)
}

// ToolExecutionError wraps a failure of the tool's underlying operation.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ToolTimeoutError reports a tool that ran past its deadline.
type ToolTimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *ToolTimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Tool, e.Timeout)
}

// SandboxError names the root a path tried to leave, or the failure that
// kept the path from being resolved against it.
type SandboxError struct {
	Root   string
	Path   string
	Reason string
	Err    error
}

func (e *SandboxError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolving path %q in sandbox root %s: %v", e.Path, e.Root, e.Err)
	}
	return fmt.Sprintf("path %q is outside sandbox root %s: %s", e.Path, e.Root, e.Reason)
}

func (e *SandboxError) Unwrap() error { return e.Err }

// ReviewerError means the reviewer loop itself failed to produce a verdict.
type ReviewerError struct {
	Err error
}

func (e *ReviewerError) Error() string {
	return fmt.Sprintf("reviewer failed: %v", e.Err)
}

func (e *ReviewerError) Unwrap() error { return e.Err }

// PoolExhaustedError is returned for a task that could not get a slot
// within the pool's acquire timeout.
type PoolExhaustedError struct {
	TaskID string
	Waited time.Duration
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("no pool slot for task %s after %s", e.TaskID, e.Waited)
}

// CancelledError is the terminal state of a deliberately stopped operation.
// It is not a failure.
type CancelledError struct {
	Op  string
	Err error
}

func (e *CancelledError) Error() string {
	return e.Op + " cancelled"
}

func (e *CancelledError) Unwrap() error {
	if e.Err == nil {
		return context.Canceled
	}
	return e.Err
}

// IsCancelled reports whether err is a cancellation rather than a failure.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled)
}

package agentloop

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// InvocationStatus is the lifecycle position of one tool call.
type InvocationStatus string

const (
	StatusRequested  InvocationStatus = "requested"
	StatusValidating InvocationStatus = "validating"
	StatusApproved   InvocationStatus = "approved"
	StatusRejected   InvocationStatus = "rejected"
	StatusExecuting  InvocationStatus = "executing"
	StatusSucceeded  InvocationStatus = "succeeded"
	StatusFailed     InvocationStatus = "failed"
	StatusTimedOut   InvocationStatus = "timed_out"
	StatusReported   InvocationStatus = "reported"
)

var invocationTransitions = map[InvocationStatus][]InvocationStatus{
	StatusRequested:  {StatusValidating},
	StatusValidating: {StatusApproved, StatusRejected},
	StatusApproved:   {StatusExecuting},
	StatusExecuting:  {StatusSucceeded, StatusFailed, StatusTimedOut},
	StatusRejected:   {StatusReported},
	StatusSucceeded:  {StatusReported},
	StatusFailed:     {StatusReported},
	StatusTimedOut:   {StatusReported},
}

// ToolInvocation is one requested tool call moving through the pipeline.
type ToolInvocation struct {
	CallID    string
	ToolName  string
	Arguments json.RawMessage

	// ResolvedPaths maps each path argument to its sandboxed absolute path.
	ResolvedPaths map[string]string

	StartedAt time.Time
	Deadline  time.Time
	// Cancelled is set when the caller's context ended the call. The
	// status is then failed.
	Cancelled bool

	mu      sync.Mutex
	status  InvocationStatus
	history []InvocationStatus
}

// NewToolInvocation creates an invocation in the requested state.
func NewToolInvocation(callID, toolName string, args json.RawMessage) *ToolInvocation {
	return &ToolInvocation{
		CallID:        callID,
		ToolName:      toolName,
		Arguments:     args,
		ResolvedPaths: make(map[string]string),
		status:        StatusRequested,
		history:       []InvocationStatus{StatusRequested},
	}
}

// Status returns the current status.
func (inv *ToolInvocation) Status() InvocationStatus {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.status
}

// Transitions returns every status the invocation has held, in order.
func (inv *ToolInvocation) Transitions() []InvocationStatus {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return append([]InvocationStatus(nil), inv.history...)
}

// Path returns the resolved path for a path argument.
func (inv *ToolInvocation) Path(arg string) (string, error) {
	p, ok := inv.ResolvedPaths[arg]
	if !ok {
		return "", fmt.Errorf("%s: argument %q was not resolved by the sandbox", inv.ToolName, arg)
	}
	return p, nil
}

func (inv *ToolInvocation) advance(next InvocationStatus) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, s := range invocationTransitions[inv.status] {
		if s == next {
			inv.status = next
			inv.history = append(inv.history, next)
			return nil
		}
	}
	return fmt.Errorf("%w: invocation %s %s -> %s", ErrIllegalTransition, inv.CallID, inv.status, next)
}


package agentloop

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// AgentState is the lifecycle state of one Loop.
type AgentState string

const (
	StateIdle                 AgentState = "idle"
	StateStreaming            AgentState = "streaming"
	StateAwaitingToolApproval AgentState = "awaiting_tool_approval"
	StateExecutingTool        AgentState = "executing_tool"
	StateReviewing            AgentState = "reviewing"
	StateCancelled            AgentState = "cancelled"
	StateFailed               AgentState = "failed"
)

// Cancelled and Failed are reachable from every other state, so they are
// not repeated in each row.
var stateTransitions = map[AgentState][]AgentState{
	StateIdle:                 {StateStreaming, StateReviewing},
	StateStreaming:            {StateIdle, StateAwaitingToolApproval},
	StateAwaitingToolApproval: {StateExecutingTool, StateStreaming, StateIdle},
	StateExecutingTool:        {StateStreaming, StateIdle},
	StateReviewing:            {StateIdle},
	StateCancelled:            {StateIdle},
	StateFailed:               {StateIdle},
}

func legalTransition(from, to AgentState) bool {
	if to == StateCancelled || to == StateFailed {
		return from != StateCancelled && from != StateFailed
	}
	for _, s := range stateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateMachine owns the AgentState of exactly one Loop.
type stateMachine struct {
	mu       sync.Mutex
	state    AgentState
	onChange func(from, to AgentState)
}

func newStateMachine(onChange func(from, to AgentState)) *stateMachine {
	return &stateMachine{state: StateIdle, onChange: onChange}
}

func (m *stateMachine) current() AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to the next state. Re-entering the current state is a
// no-op and publishes nothing.
func (m *stateMachine) transition(to AgentState) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !legalTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	m.state = to
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

// TurnCounter numbers turns. The executor and reviewer of a dual-mind pair
// share one counter.
type TurnCounter struct {
	n atomic.Int64
}

// Next returns the next turn number, starting at 1.
func (c *TurnCounter) Next() int {
	return int(c.n.Add(1))
}

// Current returns the last issued turn number.
func (c *TurnCounter) Current() int {
	return int(c.n.Load())
}

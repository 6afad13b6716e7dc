package agentloop

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to AgentState
		legal    bool
	}{
		{StateIdle, StateStreaming, true},
		{StateIdle, StateReviewing, true},
		{StateIdle, StateExecutingTool, false},
		{StateStreaming, StateAwaitingToolApproval, true},
		{StateStreaming, StateExecutingTool, false},
		{StateAwaitingToolApproval, StateExecutingTool, true},
		{StateAwaitingToolApproval, StateStreaming, true},
		{StateExecutingTool, StateStreaming, true},
		{StateReviewing, StateStreaming, false},
		{StateStreaming, StateCancelled, true},
		{StateExecutingTool, StateFailed, true},
		{StateCancelled, StateFailed, false},
		{StateCancelled, StateStreaming, false},
		{StateFailed, StateIdle, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.legal, legalTransition(tt.from, tt.to))
		})
	}
}

func TestStateMachineRejectsIllegalTransition(t *testing.T) {
	var changes [][2]AgentState
	sm := newStateMachine(func(from, to AgentState) {
		changes = append(changes, [2]AgentState{from, to})
	})

	require.NoError(t, sm.transition(StateStreaming))
	require.NoError(t, sm.transition(StateStreaming))
	err := sm.transition(StateReviewing)
	require.ErrorIs(t, err, ErrIllegalTransition)

	assert.Equal(t, StateStreaming, sm.current())
	assert.Equal(t, [][2]AgentState{{StateIdle, StateStreaming}}, changes)
}

func TestTurnCounterShared(t *testing.T) {
	var c TurnCounter
	var wg sync.WaitGroup
	seen := make(chan int, 100)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- c.Next()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int]bool)
	for n := range seen {
		unique[n] = true
	}
	assert.Len(t, unique, 100)
	assert.Equal(t, 100, c.Current())
}

package agentloop

import (
	"time"

	"github.com/martinemde/tandem/eventbus"
	"github.com/martinemde/tandem/unifiedllm"
)

// EventKind identifies the type of lifecycle event.
type EventKind string

const (
	EventUserInput         EventKind = "user_input"
	EventTurnStarted       EventKind = "turn_started"
	EventTurnCompleted     EventKind = "turn_completed"
	EventStream            EventKind = "stream"
	EventToolRequested     EventKind = "tool_requested"
	EventToolCompleted     EventKind = "tool_completed"
	EventToolApproval      EventKind = "tool_approval"
	EventAgentStateChanged EventKind = "agent_state_changed"
	EventDialogue          EventKind = "dialogue"
	EventTaskProgress      EventKind = "task_progress"
	EventLoopDetection     EventKind = "loop_detection"
	EventWarning           EventKind = "warning"
	EventError             EventKind = "error"
	EventInterrupted       EventKind = "interrupted"
)

// Event is one lifecycle or stream event published on the bus. Stream is
// set only for EventStream and carries the canonical model event.
type Event struct {
	Kind      EventKind         `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	SessionID string            `json:"session_id"`
	AgentID   string            `json:"agent_id,omitempty"`
	Role      Role              `json:"role,omitempty"`
	Turn      int               `json:"turn,omitempty"`
	Stream    *unifiedllm.Event `json:"stream,omitempty"`
	Data      map[string]any    `json:"data,omitempty"`
}

// Bus is the event bus shared by loops, pipelines and pools of a session.
type Bus = eventbus.Bus[Event]

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return eventbus.New[Event]()
}

// emitter stamps events with the identity of their source. A nil bus
// discards everything.
type emitter struct {
	bus       *Bus
	sessionID string
	agentID   string
	role      Role
}

func (e emitter) emit(kind EventKind, turn int, data map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(Event{
		Kind:      kind,
		Timestamp: time.Now(),
		SessionID: e.sessionID,
		AgentID:   e.agentID,
		Role:      e.role,
		Turn:      turn,
		Data:      data,
	})
}

func (e emitter) stream(turn int, ev unifiedllm.Event) {
	if e.bus == nil {
		return
	}
	data := map[string]any(nil)
	if ev.Err != nil {
		data = map[string]any{"error": ev.Err.Error()}
	}
	e.bus.Publish(Event{
		Kind:      EventStream,
		Timestamp: time.Now(),
		SessionID: e.sessionID,
		AgentID:   e.agentID,
		Role:      e.role,
		Turn:      turn,
		Stream:    &ev,
		Data:      data,
	})
}

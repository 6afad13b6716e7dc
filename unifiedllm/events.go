package unifiedllm

import (
	"encoding/json"
	"fmt"
)

// EventKind identifies the kind of canonical stream event.
type EventKind string

const (
	EventTextDelta              EventKind = "text_delta"
	EventThinkingDelta          EventKind = "thinking_delta"
	EventToolCallDelta          EventKind = "tool_call_delta"
	EventToolCallComplete       EventKind = "tool_call_complete"
	EventServerToolCallComplete EventKind = "server_tool_call_complete"
	EventUsage                  EventKind = "usage"
	EventFinishReason           EventKind = "finish_reason"
	EventError                  EventKind = "error"
)

// Event is one provider-agnostic unit of streamed model output. Only the
// fields relevant to Kind are set. Events are values and are never mutated
// after they are emitted.
type Event struct {
	Kind      EventKind       `json:"kind"`
	Text      string          `json:"text,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Fragment  string          `json:"fragment,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
	Finish    *FinishReason   `json:"finish,omitempty"`
	Err       error           `json:"-"`
}

// Message returns the error text of an error event.
func (e Event) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e Event) String() string {
	switch e.Kind {
	case EventTextDelta, EventThinkingDelta:
		return fmt.Sprintf("%s(%q)", e.Kind, e.Text)
	case EventToolCallDelta:
		return fmt.Sprintf("%s(%s, %q)", e.Kind, e.CallID, e.Fragment)
	case EventToolCallComplete, EventServerToolCallComplete:
		return fmt.Sprintf("%s(%s, %s, %s)", e.Kind, e.CallID, e.ToolName, e.Arguments)
	case EventUsage:
		return fmt.Sprintf("%s(in=%d, out=%d)", e.Kind, e.Usage.InputTokens, e.Usage.OutputTokens)
	case EventFinishReason:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Finish.Kind)
	case EventError:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Message())
	}
	return string(e.Kind)
}

func textDelta(text string) Event {
	return Event{Kind: EventTextDelta, Text: text}
}

func thinkingDelta(text string) Event {
	return Event{Kind: EventThinkingDelta, Text: text}
}

func toolCallDelta(callID, fragment string) Event {
	return Event{Kind: EventToolCallDelta, CallID: callID, Fragment: fragment}
}

func usageEvent(u Usage) Event {
	return Event{Kind: EventUsage, Usage: &u}
}

func finishEvent(f FinishReason) Event {
	return Event{Kind: EventFinishReason, Finish: &f}
}

func errorEvent(err error) Event {
	ev := Event{Kind: EventError, Err: err}
	if tce, ok := err.(*ToolCallError); ok {
		ev.CallID = tce.CallID
		ev.ToolName = tce.ToolName
	}
	return ev
}

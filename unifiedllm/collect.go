package unifiedllm

import (
	"context"
	"strings"
)

// TurnResult is everything one streamed turn produced.
type TurnResult struct {
	Text            string
	Thinking        string
	ToolCalls       []ToolCall
	ServerToolCalls []ToolCall
	ToolCallErrors  []*ToolCallError
	Usage           Usage
	Finish          FinishReason
}

// HasToolCalls reports whether the turn requested client-side tools.
func (r *TurnResult) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// Message renders the turn as an assistant message for history.
func (r *TurnResult) Message() Message {
	msg := Message{Role: RoleAssistant}
	if r.Text != "" {
		msg.Content = append(msg.Content, TextPart(r.Text))
	}
	for _, tc := range r.ToolCalls {
		msg.Content = append(msg.Content, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}
	return msg
}

// Collect drains acc. observe, when non-nil, sees every event in order
// before it is folded into the result. A terminal error event is returned
// as the error, alongside whatever was collected before it.
func Collect(ctx context.Context, acc *Accumulator, observe func(Event)) (*TurnResult, error) {
	res := &TurnResult{}
	var text, thinking strings.Builder
	var termErr error

	for ev := range acc.Events(ctx) {
		if observe != nil {
			observe(ev)
		}
		switch ev.Kind {
		case EventTextDelta:
			text.WriteString(ev.Text)
		case EventThinkingDelta:
			thinking.WriteString(ev.Text)
		case EventToolCallComplete:
			res.ToolCalls = append(res.ToolCalls, ToolCall{ID: ev.CallID, Name: ev.ToolName, Arguments: ev.Arguments})
		case EventServerToolCallComplete:
			res.ServerToolCalls = append(res.ServerToolCalls, ToolCall{ID: ev.CallID, Name: ev.ToolName, Arguments: ev.Arguments})
		case EventUsage:
			res.Usage = *ev.Usage
		case EventFinishReason:
			res.Finish = *ev.Finish
		case EventError:
			if tce, ok := ev.Err.(*ToolCallError); ok {
				res.ToolCallErrors = append(res.ToolCallErrors, tce)
				continue
			}
			termErr = ev.Err
		}
	}

	res.Text = text.String()
	res.Thinking = thinking.String()
	if termErr == nil {
		if err := ctx.Err(); err != nil {
			termErr = err
		}
	}
	return res, termErr
}

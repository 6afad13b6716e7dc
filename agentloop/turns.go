package agentloop

import (
	"strings"
	"time"

	"github.com/martinemde/tandem/unifiedllm"
)

// TurnKind discriminates between turn types.
type TurnKind string

const (
	TurnUser        TurnKind = "user"
	TurnAssistant   TurnKind = "assistant"
	TurnToolResults TurnKind = "tool_results"
	TurnSteering    TurnKind = "steering"
)

// Steering sources.
const (
	SourceReviewer      = "reviewer"
	SourceLoopDetection = "loop_detection"
	SourceToolCallError = "tool_call_error"
	SourceUser          = "user"
)

// Turn is a single committed entry in a conversation history.
type Turn struct {
	Kind        TurnKind         `json:"kind"`
	Timestamp   time.Time        `json:"timestamp"`
	AgentID     string           `json:"agent_id,omitempty"`
	Number      int              `json:"number,omitempty"`
	User        *UserTurn        `json:"user,omitempty"`
	Assistant   *AssistantTurn   `json:"assistant,omitempty"`
	ToolResults *ToolResultsTurn `json:"tool_results,omitempty"`
	Steering    *SteeringTurn    `json:"steering,omitempty"`
}

// UserTurn holds user input.
type UserTurn struct {
	Content string `json:"content"`
}

// AssistantTurn holds a committed model response. Reasoning is kept for
// the record but never replayed to the model or shown to a reviewer.
type AssistantTurn struct {
	Content   string                  `json:"content"`
	ToolCalls []unifiedllm.ToolCall   `json:"tool_calls,omitempty"`
	Reasoning string                  `json:"reasoning,omitempty"`
	Usage     unifiedllm.Usage        `json:"usage"`
	Finish    unifiedllm.FinishReason `json:"finish"`
}

// ToolResult is what one tool invocation contributes to history.
type ToolResult struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	Content  string `json:"content"`
	IsError  bool   `json:"is_error"`
}

// ToolResultsTurn holds the results of one round of tool calls, in call
// order.
type ToolResultsTurn struct {
	Results []ToolResult `json:"results"`
}

// SteeringTurn is context injected between model turns: reviewer feedback,
// loop warnings, argument errors.
type SteeringTurn struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// NewUserTurn creates a Turn wrapping user input.
func NewUserTurn(content string) Turn {
	return Turn{Kind: TurnUser, Timestamp: time.Now(), User: &UserTurn{Content: content}}
}

// NewAssistantTurn creates a Turn from a collected model response.
func NewAssistantTurn(res *unifiedllm.TurnResult) Turn {
	return Turn{
		Kind:      TurnAssistant,
		Timestamp: time.Now(),
		Assistant: &AssistantTurn{
			Content:   res.Text,
			ToolCalls: res.ToolCalls,
			Reasoning: res.Thinking,
			Usage:     res.Usage,
			Finish:    res.Finish,
		},
	}
}

// NewToolResultsTurn creates a Turn wrapping tool results.
func NewToolResultsTurn(results []ToolResult) Turn {
	return Turn{Kind: TurnToolResults, Timestamp: time.Now(), ToolResults: &ToolResultsTurn{Results: results}}
}

// NewSteeringTurn creates a Turn wrapping injected context.
func NewSteeringTurn(source, content string) Turn {
	return Turn{Kind: TurnSteering, Timestamp: time.Now(), Steering: &SteeringTurn{Source: source, Content: content}}
}

// TextContent returns the text content of a turn regardless of its kind.
func (t Turn) TextContent() string {
	switch t.Kind {
	case TurnUser:
		if t.User != nil {
			return t.User.Content
		}
	case TurnAssistant:
		if t.Assistant != nil {
			return t.Assistant.Content
		}
	case TurnSteering:
		if t.Steering != nil {
			return t.Steering.Content
		}
	case TurnToolResults:
		if t.ToolResults != nil {
			var sb strings.Builder
			for _, r := range t.ToolResults.Results {
				sb.WriteString(r.Content)
			}
			return sb.String()
		}
	}
	return ""
}

// ConvertHistoryToMessages renders turns as model messages.
func ConvertHistoryToMessages(history []Turn) []unifiedllm.Message {
	var messages []unifiedllm.Message
	for _, turn := range history {
		switch turn.Kind {
		case TurnUser:
			if turn.User != nil {
				messages = append(messages, unifiedllm.UserMessage(turn.User.Content))
			}
		case TurnAssistant:
			if turn.Assistant != nil {
				msg := unifiedllm.AssistantMessage(turn.Assistant.Content)
				for _, tc := range turn.Assistant.ToolCalls {
					msg.Content = append(msg.Content, unifiedllm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
				}
				messages = append(messages, msg)
			}
		case TurnToolResults:
			if turn.ToolResults != nil {
				for _, r := range turn.ToolResults.Results {
					messages = append(messages, unifiedllm.ToolResultMessage(r.CallID, r.Content, r.IsError))
				}
			}
		case TurnSteering:
			// Steering is delivered as user text so every provider accepts it.
			if turn.Steering != nil {
				messages = append(messages, unifiedllm.UserMessage(turn.Steering.Content))
			}
		}
	}
	return messages
}

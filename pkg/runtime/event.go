package runtime

import (
	"github.com/pubwiki/wikidesigner/pkg/tools"
)

// Event is one item of a turn's output stream. Every event serializes with a
// "type" discriminator.
type Event interface {
	isEvent()
}

type StreamStartedEvent struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

func StreamStarted(chatID, messageID string) Event {
	return &StreamStartedEvent{
		Type:      "stream_started",
		ChatID:    chatID,
		MessageID: messageID,
	}
}

func (e *StreamStartedEvent) isEvent() {}

// TextDeltaEvent carries a chunk of assistant text.
type TextDeltaEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func TextDelta(content string) Event {
	return &TextDeltaEvent{
		Type:    "text_delta",
		Content: content,
	}
}

func (e *TextDeltaEvent) isEvent() {}

// PartialToolCallEvent is sent when the model starts a tool call, before its
// arguments are complete.
type PartialToolCallEvent struct {
	Type     string         `json:"type"`
	ToolCall tools.ToolCall `json:"toolCall"`
}

func PartialToolCall(toolCall tools.ToolCall) Event {
	return &PartialToolCallEvent{
		Type:     "partial_tool_call",
		ToolCall: toolCall,
	}
}

func (e *PartialToolCallEvent) isEvent() {}

// ToolCallEvent is sent when a tool call is complete and about to run.
type ToolCallEvent struct {
	Type     string         `json:"type"`
	ToolCall tools.ToolCall `json:"toolCall"`
}

func ToolCall(toolCall tools.ToolCall) Event {
	return &ToolCallEvent{
		Type:     "tool_call",
		ToolCall: toolCall,
	}
}

func (e *ToolCallEvent) isEvent() {}

type ToolCallResponseEvent struct {
	Type     string         `json:"type"`
	ToolCall tools.ToolCall `json:"toolCall"`
	Response string         `json:"response"`
	IsError  bool           `json:"isError,omitempty"`
}

func ToolCallResponse(toolCall tools.ToolCall, result *tools.ToolCallResult) Event {
	return &ToolCallResponseEvent{
		Type:     "tool_call_response",
		ToolCall: toolCall,
		Response: result.Output,
		IsError:  result.IsError,
	}
}

func (e *ToolCallResponseEvent) isEvent() {}

// ErrorEvent carries a message fit for the end user. Details are only logged.
type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func Error(msg string) Event {
	return &ErrorEvent{
		Type:  "error",
		Error: msg,
	}
}

func (e *ErrorEvent) isEvent() {}

type MaxIterationsReachedEvent struct {
	Type          string `json:"type"`
	MaxIterations int    `json:"maxIterations"`
}

func MaxIterationsReached(maxIterations int) Event {
	return &MaxIterationsReachedEvent{
		Type:          "max_iterations_reached",
		MaxIterations: maxIterations,
	}
}

func (e *MaxIterationsReachedEvent) isEvent() {}

type StreamStoppedEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

func StreamStopped(chatID string) Event {
	return &StreamStoppedEvent{
		Type:   "stream_stopped",
		ChatID: chatID,
	}
}

func (e *StreamStoppedEvent) isEvent() {}

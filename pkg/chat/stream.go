package chat

import "github.com/pubwiki/wikidesigner/pkg/tools"

// MessageRoleTool only appears in the transcript sent to a model, never in a
// stored conversation.
const MessageRoleTool MessageRole = "tool"

type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonToolCalls FinishReason = "tool_calls"
)

// ModelMessage is one entry of the flat transcript sent to a model.
type ModelMessage struct {
	Role       MessageRole
	Content    string
	ToolCalls  []tools.ToolCall
	ToolCallID string
	IsError    bool
}

// ToolCallDelta is a fragment of a streamed tool call.
// Fragments of the same call share Index; ID and Name arrive once.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

type MessageStreamResponse struct {
	Content      string
	ToolCalls    []ToolCallDelta
	FinishReason FinishReason
}

// MessageStream yields model output until Recv returns io.EOF.
type MessageStream interface {
	Recv() (MessageStreamResponse, error)
	Close()
}

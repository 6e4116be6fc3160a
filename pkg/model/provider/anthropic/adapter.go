package anthropic

import (
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/pubwiki/wikidesigner/pkg/chat"
)

// streamAdapter adapts the Anthropic stream to chat.MessageStream.
// Tool calls are indexed by their content block index.
type streamAdapter struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

func newStreamAdapter(stream *ssestream.Stream[anthropic.MessageStreamEventUnion]) *streamAdapter {
	return &streamAdapter{stream: stream}
}

func (a *streamAdapter) Recv() (chat.MessageStreamResponse, error) {
	if !a.stream.Next() {
		if err := a.stream.Err(); err != nil {
			return chat.MessageStreamResponse{}, err
		}
		return chat.MessageStreamResponse{}, io.EOF
	}

	event := a.stream.Current()

	var response chat.MessageStreamResponse
	switch eventVariant := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		if block, ok := eventVariant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
			response.ToolCalls = []chat.ToolCallDelta{{
				Index: int(eventVariant.Index),
				ID:    block.ID,
				Name:  block.Name,
			}}
		}
	case anthropic.ContentBlockDeltaEvent:
		switch deltaVariant := eventVariant.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			response.Content = deltaVariant.Text
		case anthropic.InputJSONDelta:
			response.ToolCalls = []chat.ToolCallDelta{{
				Index:     int(eventVariant.Index),
				Arguments: deltaVariant.PartialJSON,
			}}
		}
	case anthropic.MessageDeltaEvent:
		response.FinishReason = finishReason(eventVariant.Delta.StopReason)
	}

	return response, nil
}

func finishReason(reason anthropic.StopReason) chat.FinishReason {
	switch reason {
	case "":
		return ""
	case anthropic.StopReasonToolUse:
		return chat.FinishReasonToolCalls
	case anthropic.StopReasonMaxTokens:
		return chat.FinishReasonLength
	default:
		return chat.FinishReasonStop
	}
}

func (a *streamAdapter) Close() {
	_ = a.stream.Close()
}

package openai

import (
	"io"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/pubwiki/wikidesigner/pkg/chat"
)

// streamAdapter adapts the OpenAI stream to chat.MessageStream
type streamAdapter struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
}

func newStreamAdapter(stream *ssestream.Stream[openai.ChatCompletionChunk]) *streamAdapter {
	return &streamAdapter{stream: stream}
}

func (a *streamAdapter) Recv() (chat.MessageStreamResponse, error) {
	if !a.stream.Next() {
		if err := a.stream.Err(); err != nil {
			return chat.MessageStreamResponse{}, err
		}
		return chat.MessageStreamResponse{}, io.EOF
	}

	chunk := a.stream.Current()

	var response chat.MessageStreamResponse
	// Only one choice is ever requested. Usage-only chunks have none.
	if len(chunk.Choices) == 0 {
		return response, nil
	}
	choice := chunk.Choices[0]

	response.Content = choice.Delta.Content
	for _, call := range choice.Delta.ToolCalls {
		response.ToolCalls = append(response.ToolCalls, chat.ToolCallDelta{
			Index:     int(call.Index),
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	if choice.FinishReason != "" {
		response.FinishReason = chat.FinishReason(choice.FinishReason)
	}

	return response, nil
}

func (a *streamAdapter) Close() {
	_ = a.stream.Close()
}

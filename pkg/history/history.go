// Package history keeps the conversation sent to the model bounded.
//
// Both passes are pure: they never modify the slice or messages they are given.
package history

import (
	"encoding/json"
	"log/slog"

	"github.com/pubwiki/wikidesigner/pkg/chat"
)

const (
	// DefaultThreshold is the serialized history size above which older
	// messages are reduced to their text.
	DefaultThreshold = 100000

	keepRecent = 2
)

// Sanitize drops tool invocations that never got a result from every message
// except the last one.
func Sanitize(msgs []chat.Message) []chat.Message {
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		if i == len(msgs)-1 {
			out[i] = m.Clone()
			continue
		}
		out[i] = filterParts(m, func(p chat.Part) bool {
			return p.Type != chat.PartTypeToolInvocation || p.IsCompletedToolCall()
		})
	}
	return out
}

// Size is the serialized size of all text and tool invocation content.
func Size(msgs []chat.Message) int {
	size := 0
	for i := range msgs {
		if len(msgs[i].Parts) == 0 {
			size += len(msgs[i].Content)
			continue
		}
		for _, p := range msgs[i].Parts {
			switch p.Type {
			case chat.PartTypeText:
				size += len(p.Text)
			case chat.PartTypeToolInvocation:
				if p.ToolInvocation == nil {
					continue
				}
				buf, err := json.Marshal(p.ToolInvocation)
				if err != nil {
					slog.Warn("Failed to measure tool invocation", "tool_call_id", p.ToolInvocation.ToolCallID, "error", err)
					continue
				}
				size += len(buf)
			}
		}
	}
	return size
}

// LimitSize returns msgs unchanged when their size is within threshold.
// Otherwise every message but the last two keeps only its text parts.
func LimitSize(msgs []chat.Message, threshold int) []chat.Message {
	size := Size(msgs)
	if size <= threshold {
		return msgs
	}

	slog.Debug("History over threshold, dropping old tool invocations", "size", size, "threshold", threshold, "messages", len(msgs))

	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		if i >= len(msgs)-keepRecent {
			out[i] = m.Clone()
			continue
		}
		out[i] = filterParts(m, chat.Part.IsText)
	}
	return out
}

// Govern applies Sanitize then LimitSize.
func Govern(msgs []chat.Message, threshold int) []chat.Message {
	return LimitSize(Sanitize(msgs), threshold)
}

func filterParts(m chat.Message, keep func(chat.Part) bool) chat.Message {
	m = m.Clone()
	if m.Parts == nil {
		return m
	}

	parts := make([]chat.Part, 0, len(m.Parts))
	for _, p := range m.Parts {
		if keep(p) {
			parts = append(parts, p)
		}
	}
	m.Parts = parts
	return m
}

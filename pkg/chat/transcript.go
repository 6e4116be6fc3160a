package chat

import (
	"strings"

	"github.com/pubwiki/wikidesigner/pkg/tools"
)

// Transcript flattens a conversation into model messages.
//
// An assistant message may span several model steps: text, tool calls, then more
// text. Each step becomes an assistant entry carrying its tool calls, followed by
// one tool entry per completed call. Invocations without a result are dropped.
func Transcript(msgs []Message) []ModelMessage {
	var out []ModelMessage

	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case MessageRoleSystem, MessageRoleUser:
			if text := strings.TrimSpace(msg.Text()); text != "" {
				out = append(out, ModelMessage{Role: msg.Role, Content: text})
			}
		case MessageRoleAssistant:
			out = append(out, assistantSteps(msg)...)
		}
	}

	return out
}

func assistantSteps(msg *Message) []ModelMessage {
	if len(msg.Parts) == 0 {
		if text := strings.TrimSpace(msg.Content); text != "" {
			return []ModelMessage{{Role: MessageRoleAssistant, Content: text}}
		}
		return nil
	}

	var (
		out     []ModelMessage
		text    strings.Builder
		calls   []tools.ToolCall
		results []ModelMessage
	)
	flush := func() {
		content := strings.TrimSpace(text.String())
		if content != "" || len(calls) > 0 {
			out = append(out, ModelMessage{Role: MessageRoleAssistant, Content: content, ToolCalls: calls})
			out = append(out, results...)
		}
		text.Reset()
		calls, results = nil, nil
	}

	for _, p := range msg.Parts {
		switch {
		case p.IsText():
			if len(calls) > 0 {
				flush()
			}
			text.WriteString(p.Text)
		case p.IsCompletedToolCall():
			ti := p.ToolInvocation
			args := string(ti.Args)
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			calls = append(calls, tools.ToolCall{
				ID:       ti.ToolCallID,
				Type:     tools.ToolTypeFunction,
				Function: tools.FunctionCall{Name: ti.ToolName, Arguments: args},
			})
			output, isError := ti.ResultText()
			results = append(results, ModelMessage{
				Role:       MessageRoleTool,
				Content:    output,
				ToolCallID: ti.ToolCallID,
				IsError:    isError,
			})
		}
	}
	flush()

	return out
}

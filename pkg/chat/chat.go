package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

type PartType string

const (
	PartTypeText           PartType = "text"
	PartTypeToolInvocation PartType = "tool-invocation"
)

// ToolInvocationState only ever moves forward: partial-call, call, result.
type ToolInvocationState string

const (
	ToolStatePartialCall ToolInvocationState = "partial-call"
	ToolStateCall        ToolInvocationState = "call"
	ToolStateResult      ToolInvocationState = "result"
)

var ErrStateRegression = errors.New("tool invocation state cannot go backwards")

func (s ToolInvocationState) rank() int {
	switch s {
	case ToolStatePartialCall:
		return 1
	case ToolStateCall:
		return 2
	case ToolStateResult:
		return 3
	default:
		return 0
	}
}

type ToolInvocation struct {
	ToolCallID string              `json:"toolCallId"`
	ToolName   string              `json:"toolName"`
	Args       json.RawMessage     `json:"args,omitempty"`
	State      ToolInvocationState `json:"state"`
	Result     any                 `json:"result,omitempty"`
}

// Advance moves the invocation to state, recording result when the new state is result.
func (ti *ToolInvocation) Advance(state ToolInvocationState, result any) error {
	if state.rank() == 0 {
		return fmt.Errorf("unknown tool invocation state %q", state)
	}
	if state.rank() < ti.State.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrStateRegression, ti.State, state)
	}
	ti.State = state
	if state == ToolStateResult {
		ti.Result = result
	}
	return nil
}

// Part is either a text part or a tool invocation part, discriminated by Type.
type Part struct {
	Type           PartType        `json:"type"`
	Text           string          `json:"text,omitempty"`
	ToolInvocation *ToolInvocation `json:"toolInvocation,omitempty"`
}

func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

func ToolInvocationPart(ti ToolInvocation) Part {
	return Part{Type: PartTypeToolInvocation, ToolInvocation: &ti}
}

func (p Part) IsText() bool {
	return p.Type == PartTypeText
}

// IsCompletedToolCall reports whether p is a tool invocation that has its result.
func (p Part) IsCompletedToolCall() bool {
	return p.Type == PartTypeToolInvocation && p.ToolInvocation != nil && p.ToolInvocation.State == ToolStateResult
}

func (p Part) clone() Part {
	if p.ToolInvocation != nil {
		ti := *p.ToolInvocation
		ti.Args = slices.Clone(ti.Args)
		p.ToolInvocation = &ti
	}
	return p
}

type Message struct {
	ID        string      `json:"id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content,omitempty"`
	Parts     []Part      `json:"parts,omitempty"`
	CreatedAt time.Time   `json:"createdAt,omitzero"`
}

// Text returns the concatenated text parts, or Content for messages without parts.
func (m *Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}

	var sb strings.Builder
	for _, p := range m.Parts {
		if p.IsText() {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolInvocations returns the tool invocations of m in order.
func (m *Message) ToolInvocations() []*ToolInvocation {
	var out []*ToolInvocation
	for _, p := range m.Parts {
		if p.Type == PartTypeToolInvocation && p.ToolInvocation != nil {
			out = append(out, p.ToolInvocation)
		}
	}
	return out
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.Parts != nil {
		parts := make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			parts[i] = p.clone()
		}
		m.Parts = parts
	}
	return m
}

// FirstUserText returns the text of the first user message, if any.
func FirstUserText(msgs []Message) string {
	for i := range msgs {
		if msgs[i].Role == MessageRoleUser {
			return msgs[i].Text()
		}
	}
	return ""
}

// Title derives a short chat title from the first user message.
func Title(msgs []Message) string {
	const maxLen = 80

	text := strings.Join(strings.Fields(FirstUserText(msgs)), " ")
	if text == "" {
		return "New Chat"
	}
	if runes := []rune(text); len(runes) > maxLen {
		return strings.TrimSpace(string(runes[:maxLen])) + "..."
	}
	return text
}

// ToolResult is the recorded outcome of a tool invocation, shaped like an MCP
// call result so the UI can render it directly.
type ToolResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

type ToolResultContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func NewToolResult(output string, isError bool) ToolResult {
	return ToolResult{
		Content: []ToolResultContent{{Type: "text", Text: output}},
		IsError: isError,
	}
}

// ResultText flattens the recorded result to the text fed back to the model.
// Results stored by clients may be plain strings or arbitrary JSON values.
func (ti *ToolInvocation) ResultText() (string, bool) {
	switch r := ti.Result.(type) {
	case nil:
		return "", false
	case string:
		return r, false
	case ToolResult:
		return r.text(), r.IsError
	case *ToolResult:
		return r.text(), r.IsError
	}

	buf, err := json.Marshal(ti.Result)
	if err != nil {
		return fmt.Sprint(ti.Result), false
	}
	var res ToolResult
	if err := json.Unmarshal(buf, &res); err != nil || len(res.Content) == 0 {
		return string(buf), false
	}
	return res.text(), res.IsError
}

func (r ToolResult) text() string {
	var texts []string
	for _, c := range r.Content {
		if c.Text != "" {
			texts = append(texts, c.Text)
		}
	}
	return strings.Join(texts, "\n")
}

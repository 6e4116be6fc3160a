package tools

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type ToolHandler func(ctx context.Context, toolCall ToolCall) (*ToolCallResult, error)

type ToolAnnotations mcp.ToolAnnotations

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  any             `json:"parameters"`
	Annotations ToolAnnotations `json:"annotations"`
	Handler     ToolHandler     `json:"-"`
}

// DisplayName returns the annotation title when the server provides one.
func (t *Tool) DisplayName() string {
	if t.Annotations.Title != "" {
		return t.Annotations.Title
	}
	return t.Name
}

// ToolSet is a source of tools with a connection lifecycle.
type ToolSet interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Tools(ctx context.Context) ([]Tool, error)
}

// Find returns the tool called name in ts. ts must be started.
func Find(ctx context.Context, ts ToolSet, name string) (Tool, bool, error) {
	all, err := ts.Tools(ctx)
	if err != nil {
		return Tool{}, false, err
	}
	for _, t := range all {
		if t.Name == name {
			return t, true, nil
		}
	}
	return Tool{}, false, nil
}

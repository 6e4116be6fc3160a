package mcp

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pubwiki/wikidesigner/pkg/tools"
)

// Toolset represents a set of MCP tools
type Toolset struct {
	mcpClient mcpClient
	logType   string
	logID     string
	disabled  []string

	instructions string
	started      atomic.Bool
}

var _ tools.ToolSet = (*Toolset)(nil)

// NewRemoteToolset creates a toolset backed by a remote MCP server reached over
// SSE or streamable HTTP. Tools named in disabled are never exposed.
func NewRemoteToolset(url, transport string, headers map[string]string, disabled []string) *Toolset {
	slog.Debug("Creating Remote MCP toolset", "url", url, "transport", transport, "disabled", disabled)

	return &Toolset{
		mcpClient: newRemoteClient(url, transport, headers),
		logType:   "remote",
		logID:     url,
		disabled:  disabled,
	}
}

// NewInProcessToolset creates a toolset backed by an MCP server living in this
// process. Tool calls carry meta.
func NewInProcessToolset(name string, server *mcp.Server, meta Meta) *Toolset {
	slog.Debug("Creating in-process MCP toolset", "server", name, "chat_id", meta.ChatID)

	return &Toolset{
		mcpClient: newInProcessClient(server, meta),
		logType:   "in-process",
		logID:     name,
	}
}

func (ts *Toolset) Start(ctx context.Context) error {
	if ts.started.Load() {
		return errors.New("toolset already started")
	}

	slog.Debug("Starting MCP toolset", "type", ts.logType, "server", ts.logID)

	var result *mcp.InitializeResult
	const maxRetries = 3
	for attempt := 0; ; attempt++ {
		var err error
		result, err = ts.mcpClient.Initialize(ctx)
		if err == nil {
			break
		}
		// A server still finishing its own async init may drop the
		// notifications/initialized message; only that case is retried.
		if !isInitNotificationSendError(err) {
			slog.Error("Failed to initialize MCP client", "server", ts.logID, "error", err)
			return fmt.Errorf("failed to initialize MCP client: %w", err)
		}
		if attempt >= maxRetries {
			slog.Error("Failed to initialize MCP client after retries", "server", ts.logID, "error", err)
			return fmt.Errorf("failed to initialize MCP client after retries: %w", err)
		}
		backoff := time.Duration(200*(attempt+1)) * time.Millisecond
		slog.Debug("MCP initialize failed to send initialized notification; retrying", "id", ts.logID, "attempt", attempt+1, "backoff_ms", backoff.Milliseconds())
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("failed to initialize MCP client: %w", ctx.Err())
		}
	}

	slog.Debug("Started MCP toolset successfully", "server", ts.logID)
	if result != nil {
		ts.instructions = result.Instructions
	}
	ts.started.Store(true)
	return nil
}

func (ts *Toolset) Instructions() string {
	return ts.instructions
}

func (ts *Toolset) Tools(ctx context.Context) ([]tools.Tool, error) {
	if !ts.started.Load() {
		return nil, errors.New("toolset not started")
	}

	slog.Debug("Listing MCP tools", "server", ts.logID)

	var toolsList []tools.Tool
	for t, err := range ts.mcpClient.ListTools(ctx, &mcp.ListToolsParams{}) {
		if err != nil {
			return nil, err
		}

		if slices.Contains(ts.disabled, t.Name) {
			slog.Debug("Filtering out disabled tool", "tool", t.Name, "server", ts.logID)
			continue
		}

		tool := tools.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
			Handler:     ts.callTool,
		}
		if t.Annotations != nil {
			tool.Annotations = tools.ToolAnnotations(*t.Annotations)
		}
		toolsList = append(toolsList, tool)
	}

	slog.Debug("Listed MCP tools", "server", ts.logID, "count", len(toolsList))
	return toolsList, nil
}

func (ts *Toolset) callTool(ctx context.Context, toolCall tools.ToolCall) (*tools.ToolCallResult, error) {
	slog.Debug("Calling MCP tool", "tool", toolCall.Function.Name, "server", ts.logID, "arguments", toolCall.Function.Arguments)

	var args map[string]any
	if err := json.Unmarshal([]byte(cmp.Or(toolCall.Function.Arguments, "{}")), &args); err != nil {
		slog.Error("Failed to parse tool arguments", "tool", toolCall.Function.Name, "error", err)
		return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	// Models tend to send explicit nulls for optional parameters.
	maps.DeleteFunc(args, func(_ string, v any) bool { return v == nil })

	resp, err := ts.mcpClient.CallTool(ctx, &mcp.CallToolParams{
		Name:      toolCall.Function.Name,
		Arguments: args,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			slog.Debug("CallTool canceled by context", "tool", toolCall.Function.Name)
			return nil, err
		}
		slog.Error("Failed to call MCP tool", "tool", toolCall.Function.Name, "error", err)
		return nil, fmt.Errorf("failed to call tool: %w", err)
	}

	result := processMCPContent(resp)
	slog.Debug("MCP tool call completed", "tool", toolCall.Function.Name, "output_length", len(result.Output), "is_error", result.IsError)
	return result, nil
}

func (ts *Toolset) Stop(ctx context.Context) error {
	slog.Debug("Stopping MCP toolset", "server", ts.logID)

	ts.started.Store(false)
	if err := ts.mcpClient.Close(context.WithoutCancel(ctx)); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		slog.Error("Failed to stop MCP toolset", "server", ts.logID, "error", err)
		return err
	}

	slog.Debug("Stopped MCP toolset successfully", "server", ts.logID)
	return nil
}

// isInitNotificationSendError returns true if initialization failed while sending the
// notifications/initialized message to the server.
func isInitNotificationSendError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "failed to send initialized notification")
}

func processMCPContent(toolResult *mcp.CallToolResult) *tools.ToolCallResult {
	var sb strings.Builder
	for _, content := range toolResult.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}

	// MCP tools are allowed to return no content at all.
	output := cmp.Or(sb.String(), "no output")

	if toolResult.IsError {
		return tools.ResultError(output)
	}
	return tools.ResultSuccess(output)
}

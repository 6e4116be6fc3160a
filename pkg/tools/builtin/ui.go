package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pubwiki/wikidesigner/pkg/rendezvous"
	"github.com/pubwiki/wikidesigner/pkg/tools"
	mcptools "github.com/pubwiki/wikidesigner/pkg/tools/mcp"
)

const (
	ServerName    = "built-in-user-interface"
	serverVersion = "1.0"

	ToolNameShowOptions = "ui-show-options"
	ToolNameEditPage    = "edit-page"
	ToolNameCreateWiki  = "create-new-wiki-site"

	ToolNameCreatePage = "create-page"
	ToolNameUpdatePage = "update-page"

	// UnknownChatID is used when a tool call carries no session metadata.
	// Every such call shares one rendezvous key.
	UnknownChatID = "unknown"

	DefaultEditTimeout = 5 * time.Minute
)

const (
	EditTypeCreate = "create"
	EditTypeUpdate = "update"
)

// WikiToolsFactory returns the wiki-editing toolset, authenticated with headers.
// The returned toolset is not started.
type WikiToolsFactory func(ctx context.Context, headers map[string]string) tools.ToolSet

type ShowOption struct {
	Title  string `json:"title" jsonschema:"Short, clear label for the option button"`
	Action string `json:"action" jsonschema:"The next step for the assistant, either a tool and what to do with it or a task to execute directly"`
}

type ShowOptionsArgs struct {
	Options []ShowOption `json:"options" jsonschema:"Button titles and actions to display in the UI"`
}

type EditPageArgs struct {
	Server       string `json:"server" jsonschema:"The host URL of target wiki for this session, e.g. https://{WIKI_ID}.pub.wiki/."`
	EditType     string `json:"editType" jsonschema:"Type of change: create a new page or update an existing one."`
	Title        string `json:"title" jsonschema:"Wiki page title to be changed."`
	Content      string `json:"content" jsonschema:"Proposed new content (full page or specific section)."`
	Section      string `json:"section,omitempty" jsonschema:"Section identifier for incremental edits: \"new\" to add a new section, \"0\" for the lead section, or a section index like \"1\". \"all\" replaces or creates the entire page. Prefer section edits whenever possible."`
	Comment      string `json:"comment,omitempty" jsonschema:"Optional edit summary."`
	ContentModel string `json:"contentModel,omitempty" jsonschema:"Format of the page content. Defaults to wikitext; use sanitized-css for CSS and Scribunto for Lua."`
}

type CreateWikiArgs struct {
	Name     string `json:"name" jsonschema:"The display name of the new wiki. MUST be in English."`
	Slug     string `json:"slug" jsonschema:"The unique slug identifier for the wiki, used in the subdomain, e.g. https://{slug}.pub.wiki/"`
	Language string `json:"language" jsonschema:"Language code, e.g. zh-hans, en."`
}

// UIServer is the in-process MCP server whose tools are rendered or confirmed
// by the chat UI.
type UIServer struct {
	registry    *rendezvous.Registry
	wikiTools   WikiToolsFactory
	editTimeout time.Duration

	server *mcp.Server
}

type UIOption func(*UIServer)

func WithEditTimeout(d time.Duration) UIOption {
	return func(s *UIServer) {
		if d > 0 {
			s.editTimeout = d
		}
	}
}

func NewUIServer(registry *rendezvous.Registry, wikiTools WikiToolsFactory, opts ...UIOption) *UIServer {
	s := &UIServer{
		registry:    registry,
		wikiTools:   wikiTools,
		editTimeout: DefaultEditTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Version: serverVersion,
	}, nil)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: ToolNameShowOptions,
		Description: "Display a set of interactive option buttons in the user interface. " +
			"This tool is typically called at the end of a response to let the user conveniently choose the next action. " +
			"Each option has a title (shown as the button label) and an action (the underlying command to trigger).",
		Annotations: &mcp.ToolAnnotations{
			Title:           "Show Options",
			ReadOnlyHint:    true,
			DestructiveHint: boolPtr(false),
		},
		InputSchema: tools.MustSchemaFor[ShowOptionsArgs](),
	}, s.showOptions)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: ToolNameEditPage,
		Description: "Show a confirmation dialog in the UI asking the user whether to accept the proposed page change. " +
			"This tool must be called whenever the assistant has prepared a page update and needs explicit user approval. " +
			"Do not assume the outcome on your own: the result will only be known once the user confirms or rejects it. " +
			"When the user confirms, the change will be executed immediately. " +
			"When you want to update a page, always prefer using the `section` parameter to make the smallest possible change. " +
			"Only fall back to full-page edits when section-based editing is not feasible.",
		Annotations: &mcp.ToolAnnotations{
			Title:           "Request Change Confirmation",
			ReadOnlyHint:    true,
			DestructiveHint: boolPtr(false),
		},
		InputSchema: editPageSchema(),
	}, s.editPage)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: ToolNameCreateWiki,
		Description: "Submit a request to create a new wiki (sub-site) in the wiki farm. " +
			"This process may take several minutes. " +
			"Note: This does not immediately create the wiki, it only starts the creation task.",
		Annotations: &mcp.ToolAnnotations{
			Title:           "Create wiki",
			ReadOnlyHint:    false,
			DestructiveHint: boolPtr(true),
		},
		InputSchema: tools.MustSchemaFor[CreateWikiArgs](),
	}, s.createWiki)

	return s
}

// Server returns the MCP server to connect clients to.
func (s *UIServer) Server() *mcp.Server {
	return s.server
}

func editPageSchema() *jsonschema.Schema {
	schema := tools.MustSchemaFor[EditPageArgs]()
	schema.Properties["editType"].Enum = []any{EditTypeCreate, EditTypeUpdate}
	schema.Properties["contentModel"].Enum = []any{ContentModelCSS, ContentModelWikitext, ContentModelLua}
	return schema
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func (s *UIServer) showOptions(_ context.Context, _ *mcp.CallToolRequest, args ShowOptionsArgs) (*mcp.CallToolResult, any, error) {
	slog.Debug("Showing options", "count", len(args.Options))
	return textResult("Options UI has shown.Now End this response and waiting next system message."), nil, nil
}

func (s *UIServer) createWiki(_ context.Context, req *mcp.CallToolRequest, args CreateWikiArgs) (*mcp.CallToolResult, any, error) {
	meta := metaFrom(req)
	slog.Info("Wiki creation requested", "chat_id", meta.ChatID, "slug", args.Slug, "language", args.Language)

	return textResult(strings.Join([]string{
		"Wiki creation request submitted successfully.",
		"Status: The wiki is being created in the background. This may take several minutes.",
		"Note for assistant: The task is in progress, you may end the conversation for now.",
	}, "\n")), nil, nil
}

func (s *UIServer) editPage(ctx context.Context, req *mcp.CallToolRequest, args EditPageArgs) (*mcp.CallToolResult, any, error) {
	meta := metaFrom(req)

	slog.Debug("Waiting for user confirmation on page change", "chat_id", meta.ChatID, "title", args.Title, "edit_type", args.EditType)

	result, err := s.registry.Wait(ctx, rendezvous.Key{ChatID: meta.ChatID, Task: ToolNameEditPage}, s.editTimeout)
	if err != nil {
		slog.Info("Page change was not confirmed", "chat_id", meta.ChatID, "title", args.Title, "error", err)
		return textResult(fmt.Sprintf("Change confirmation UI has been created. But get user's operation Error: %v. For safety, the assistant should NOT proceed with the page change.", err)), nil, nil
	}

	buf, err := json.Marshal(result)
	if err != nil {
		return nil, nil, err
	}
	base := &mcp.TextContent{Text: "Change confirmation UI has been created. Result: " + string(buf)}

	if !result.Confirmed() {
		slog.Info("Page change rejected by user", "chat_id", meta.ChatID, "title", args.Title)
		return &mcp.CallToolResult{Content: []mcp.Content{base}}, nil, nil
	}

	delegated := s.applyEdit(ctx, meta, args)
	return &mcp.CallToolResult{
		Content: []mcp.Content{base, &mcp.TextContent{Text: delegated.Output}},
		IsError: delegated.IsError,
	}, nil, nil
}

// applyEdit performs an approved edit through the wiki-editing tools.
func (s *UIServer) applyEdit(ctx context.Context, meta mcptools.Meta, args EditPageArgs) *tools.ToolCallResult {
	model := ResolveContentModel(args.Title, args.ContentModel)
	source := args.Content
	if NeedsMinify(args.Title, model) {
		source = MinifyHTML(source)
	}

	toolName := ToolNameUpdatePage
	if args.EditType == EditTypeCreate {
		toolName = ToolNameCreatePage
	}

	params := map[string]any{
		"server":       args.Server,
		"source":       source,
		"title":        args.Title,
		"contentModel": model,
	}
	if args.Comment != "" {
		params["comment"] = args.Comment
	}
	if toolName == ToolNameUpdatePage {
		if section, ok := resolveSection(args.Section); ok {
			params["section"] = section
		}
	}

	if s.wikiTools == nil {
		return tools.ResultError("Wiki editing tools are not configured.")
	}

	ts := s.wikiTools(ctx, meta.Headers)
	if err := ts.Start(ctx); err != nil {
		slog.Error("Failed to connect to wiki editing tools", "error", err)
		return tools.ResultError(fmt.Sprintf("Failed to connect to the wiki editing service: %v", err))
	}
	defer func() {
		if err := ts.Stop(context.WithoutCancel(ctx)); err != nil {
			slog.Debug("Failed to stop wiki editing tools", "error", err)
		}
	}()

	tool, found, err := tools.Find(ctx, ts, toolName)
	if err != nil {
		return tools.ResultError(fmt.Sprintf("Failed to list wiki editing tools: %v", err))
	}
	if !found || tool.Handler == nil {
		return tools.ResultError(fmt.Sprintf("Wiki editing tool %s is not available.", toolName))
	}

	arguments, err := json.Marshal(params)
	if err != nil {
		return tools.ResultError(fmt.Sprintf("Failed to encode %s arguments: %v", toolName, err))
	}

	slog.Info("Applying confirmed page change", "chat_id", meta.ChatID, "tool", toolName, "title", args.Title, "content_model", model)

	res, err := tool.Handler(ctx, tools.ToolCall{
		ID:   uuid.NewString(),
		Type: tools.ToolTypeFunction,
		Function: tools.FunctionCall{
			Name:      toolName,
			Arguments: string(arguments),
		},
	})
	if err != nil {
		slog.Error("Wiki editing tool failed", "tool", toolName, "error", err)
		return tools.ResultError(fmt.Sprintf("%s failed: %v", toolName, err))
	}
	return res
}

func metaFrom(req *mcp.CallToolRequest) mcptools.Meta {
	if req != nil && req.Params != nil {
		if meta, ok := mcptools.ParseMeta(req.Params.GetMeta()); ok {
			return meta
		}
	}
	slog.Warn("Tool call without session metadata, using shared chat id", "chat_id", UnknownChatID)
	return mcptools.Meta{ChatID: UnknownChatID, Headers: map[string]string{}}
}

func boolPtr(b bool) *bool {
	return &b
}

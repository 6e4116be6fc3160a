package server

import (
	"time"

	"github.com/pubwiki/wikidesigner/pkg/chat"
	"github.com/pubwiki/wikidesigner/pkg/rendezvous"
	mcptools "github.com/pubwiki/wikidesigner/pkg/tools/mcp"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages      []chat.Message          `json:"messages"`
	ChatID        string                  `json:"chatId,omitempty"`
	SelectedModel string                  `json:"selectedModel,omitempty"`
	UserID        string                  `json:"userId"`
	MCPServers    []mcptools.ServerConfig `json:"mcpServers,omitempty"`
	// AppendHeaders are forwarded to the wiki tools, typically the user's wiki
	// session cookie.
	AppendHeaders map[string]string `json:"appendHeaders,omitempty"`
}

// UIResultRequest is the body of POST /api/ui/result.
type UIResultRequest struct {
	ChatID   string            `json:"chatId"`
	Result   rendezvous.Result `json:"result"`
	TaskName string            `json:"taskName,omitempty"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

// CreateTaskRequest is the body of POST /api/task/create.
type CreateTaskRequest struct {
	Slug      string `json:"slug"`
	Language  string `json:"language"`
	Name      string `json:"name"`
	ReqCookie string `json:"reqcookie"`
}

type CreateTaskResponse struct {
	OK     bool   `json:"ok"`
	TaskID string `json:"taskId"`
}

type ChatSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

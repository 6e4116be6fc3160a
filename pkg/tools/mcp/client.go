package mcp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pubwiki/wikidesigner/pkg/version"
)

type mcpClient interface {
	Initialize(ctx context.Context) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request *mcp.ListToolsParams) iter.Seq2[*mcp.Tool, error]
	CallTool(ctx context.Context, request *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close(ctx context.Context) error
}

var errNotInitialized = errors.New("session not initialized")

// sessionClient is an mcpClient over a go-sdk client session. The transport
// is built lazily on Initialize.
type sessionClient struct {
	newTransport func(ctx context.Context) (mcp.Transport, func(), error)

	mu      sync.RWMutex
	session *mcp.ClientSession
	release func()
}

func clientImplementation() *mcp.Implementation {
	return &mcp.Implementation{
		Name:    "wikidesigner",
		Version: version.Version,
	}
}

func (c *sessionClient) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	transport, release, err := c.newTransport(ctx)
	if err != nil {
		return nil, err
	}

	session, err := mcp.NewClient(clientImplementation(), nil).Connect(ctx, transport, nil)
	if err != nil {
		if release != nil {
			release()
		}
		return nil, fmt.Errorf("failed to connect to MCP server: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.release = release
	c.mu.Unlock()

	return session.InitializeResult(), nil
}

func (c *sessionClient) current() *mcp.ClientSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *sessionClient) ListTools(ctx context.Context, params *mcp.ListToolsParams) iter.Seq2[*mcp.Tool, error] {
	session := c.current()
	if session == nil {
		return func(yield func(*mcp.Tool, error) bool) {
			yield(nil, errNotInitialized)
		}
	}
	return session.Tools(ctx, params)
}

func (c *sessionClient) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	session := c.current()
	if session == nil {
		return nil, errNotInitialized
	}
	return session.CallTool(ctx, params)
}

func (c *sessionClient) Close(context.Context) error {
	c.mu.Lock()
	session, release := c.session, c.release
	c.session, c.release = nil, nil
	c.mu.Unlock()

	if session == nil {
		return nil
	}

	err := session.Close()
	if release != nil {
		release()
	}
	if err != nil {
		slog.Debug("Closing MCP session returned an error", "error", err)
	}
	return err
}

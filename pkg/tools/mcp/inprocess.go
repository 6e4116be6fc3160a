package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// newInProcessClient connects to server over an in-memory transport pair.
// Every tools/call sent by the client carries meta.
func newInProcessClient(server *mcp.Server, meta Meta) *sessionClient {
	return &sessionClient{
		newTransport: func(ctx context.Context) (mcp.Transport, func(), error) {
			serverTransport, clientTransport := mcp.NewInMemoryTransports()

			serverSession, err := server.Connect(ctx, serverTransport, nil)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to connect in-process MCP server: %w", err)
			}

			release := func() {
				if err := serverSession.Close(); err != nil {
					slog.Debug("Closing in-process MCP server session", "error", err)
				}
			}
			return &MetaTransport{Transport: clientTransport, Meta: meta}, release, nil
		},
	}
}

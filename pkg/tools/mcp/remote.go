package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pubwiki/wikidesigner/pkg/httpclient"
)

const (
	TransportSSE  = "sse"
	TransportHTTP = "http"
)

func newRemoteClient(url, transportType string, headers map[string]string) *sessionClient {
	slog.Debug("Creating remote MCP client", "url", url, "transport", transportType, "headers", len(headers))

	return &sessionClient{
		newTransport: func(context.Context) (mcp.Transport, func(), error) {
			httpClient := httpclient.NewHTTPClient(httpclient.WithHeaders(headers))

			switch transportType {
			case TransportSSE:
				return &mcp.SSEClientTransport{
					Endpoint:   url,
					HTTPClient: httpClient,
				}, nil, nil
			case TransportHTTP, "streamable", "streamable-http":
				return &mcp.StreamableClientTransport{
					Endpoint:   url,
					HTTPClient: httpClient,
				}, nil, nil
			default:
				return nil, nil, fmt.Errorf("unsupported transport type: %s", transportType)
			}
		},
	}
}

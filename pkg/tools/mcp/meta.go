package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	metaKey        = "_meta"
	metaChatID     = "chatId"
	metaHeaders    = "headers"
	methodToolCall = "tools/call"
)

// Meta is the session metadata attached out of band to tool calls.
type Meta struct {
	ChatID  string            `json:"chatId"`
	Headers map[string]string `json:"headers"`
}

// ParseMeta reads Meta from the _meta of a tool call request.
// It reports false when no chat id is present.
func ParseMeta(m map[string]any) (Meta, bool) {
	var meta Meta

	chatID, _ := m[metaChatID].(string)
	if chatID == "" {
		return meta, false
	}
	meta.ChatID = chatID

	switch headers := m[metaHeaders].(type) {
	case map[string]string:
		meta.Headers = maps.Clone(headers)
	case map[string]any:
		meta.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			if s, ok := v.(string); ok {
				meta.Headers[k] = s
			}
		}
	}

	return meta, true
}

// MetaTransport decorates a transport so that every outgoing tools/call
// request carries Meta in its _meta field.
type MetaTransport struct {
	Transport mcp.Transport
	Meta      Meta
}

func (t *MetaTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.Transport.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &metaConn{Connection: conn, meta: t.Meta}, nil
}

type metaConn struct {
	mcp.Connection
	meta Meta
}

func (c *metaConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	req, ok := msg.(*jsonrpc.Request)
	if !ok || req.Method != methodToolCall {
		return c.Connection.Write(ctx, msg)
	}

	params, err := injectMeta(req.Params, c.meta)
	if err != nil {
		return err
	}

	augmented := *req
	augmented.Params = params
	return c.Connection.Write(ctx, &augmented)
}

// injectMeta returns a copy of params with meta merged into its _meta object.
func injectMeta(params json.RawMessage, meta Meta) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &fields); err != nil {
			return nil, fmt.Errorf("decoding tools/call params: %w", err)
		}
	}

	existing := map[string]any{}
	if raw, ok := fields[metaKey]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &existing); err != nil {
			return nil, fmt.Errorf("decoding tools/call _meta: %w", err)
		}
	}

	headers := meta.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	existing[metaChatID] = meta.ChatID
	existing[metaHeaders] = headers

	raw, err := json.Marshal(existing)
	if err != nil {
		return nil, err
	}
	fields[metaKey] = raw

	return json.Marshal(fields)
}

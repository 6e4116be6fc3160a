package mcp

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pubwiki/wikidesigner/pkg/tools"
)

// DefaultDisabled are the wiki-helper tools only reachable through edit-page.
var DefaultDisabled = []string{"create-page", "update-page"}

const maxConcurrentConnects = 8

type HeaderEntry struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// ServerConfig describes a remote MCP server.
type ServerConfig struct {
	URL     string        `json:"url" yaml:"url"`
	Type    string        `json:"type" yaml:"type"`
	Headers []HeaderEntry `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// HeaderMap flattens Headers, later entries winning. Entries without a key are ignored.
func (c ServerConfig) HeaderMap() map[string]string {
	m := make(map[string]string, len(c.Headers))
	for _, h := range c.Headers {
		if h.Key != "" {
			m[h.Key] = h.Value
		}
	}
	return m
}

type Options struct {
	// Servers are the user supplied remote servers.
	Servers []ServerConfig
	// WikiHelper is the wiki-editing server, always connected when its URL is set.
	WikiHelper ServerConfig
	// Disabled tool names are removed from the aggregate whichever source exposes them.
	// Nil means DefaultDisabled.
	Disabled []string
	// BuiltIn is the in-process server. Its tool calls carry ChatID and Headers.
	BuiltIn     *mcp.Server
	BuiltInName string

	ChatID string
	// Headers are forwarded to the wiki-helper server and handed to built-in tools.
	Headers map[string]string
}

type source struct {
	name    string
	toolset *Toolset
}

// Aggregated is the tool namespace of one turn.
type Aggregated struct {
	tools    *orderedmap.OrderedMap[string, tools.Tool]
	toolsets []*Toolset

	cleanupOnce sync.Once
}

// Aggregate connects every source and merges their tools. Sources that fail to
// connect or list are logged and skipped. Later sources override earlier ones:
// user servers, then the wiki helper, then the built-in server.
func Aggregate(ctx context.Context, opts Options) *Aggregated {
	disabled := opts.Disabled
	if disabled == nil {
		disabled = DefaultDisabled
	}

	var sources []source
	for _, s := range opts.Servers {
		if s.URL == "" {
			continue
		}
		sources = append(sources, source{
			name:    s.URL,
			toolset: NewRemoteToolset(s.URL, s.Type, s.HeaderMap(), nil),
		})
	}
	if opts.WikiHelper.URL != "" {
		headers := opts.WikiHelper.HeaderMap()
		maps.Copy(headers, opts.Headers)
		sources = append(sources, source{
			name:    opts.WikiHelper.URL,
			toolset: NewRemoteToolset(opts.WikiHelper.URL, cmp.Or(opts.WikiHelper.Type, TransportHTTP), headers, disabled),
		})
	}
	if opts.BuiltIn != nil {
		name := cmp.Or(opts.BuiltInName, "built-in")
		sources = append(sources, source{
			name:    name,
			toolset: NewInProcessToolset(name, opts.BuiltIn, Meta{ChatID: opts.ChatID, Headers: opts.Headers}),
		})
	}

	listed := make([][]tools.Tool, len(sources))
	connected := make([]bool, len(sources))

	var g errgroup.Group
	g.SetLimit(maxConcurrentConnects)
	for i, src := range sources {
		g.Go(func() error {
			if err := src.toolset.Start(ctx); err != nil {
				slog.Warn("Failed to connect to MCP server, skipping its tools", "server", src.name, "error", err)
				return nil
			}
			connected[i] = true

			ts, err := src.toolset.Tools(ctx)
			if err != nil {
				slog.Warn("Failed to list MCP tools, skipping server", "server", src.name, "error", err)
				return nil
			}
			listed[i] = ts
			return nil
		})
	}
	_ = g.Wait()

	a := &Aggregated{tools: orderedmap.New[string, tools.Tool]()}
	for i, src := range sources {
		if connected[i] {
			a.toolsets = append(a.toolsets, src.toolset)
		}
		for _, t := range listed[i] {
			if slices.Contains(disabled, t.Name) {
				slog.Debug("Dropping disabled tool", "tool", t.Name, "server", src.name)
				continue
			}
			if _, exists := a.tools.Get(t.Name); exists {
				slog.Debug("Tool overridden by later server", "tool", t.Name, "server", src.name)
				a.tools.Delete(t.Name)
			}
			a.tools.Set(t.Name, t)
		}
	}

	slog.Debug("Aggregated MCP tools", "servers", len(sources), "connected", len(a.toolsets), "tools", a.tools.Len())
	return a
}

// Tools returns the merged tools in a stable order.
func (a *Aggregated) Tools() []tools.Tool {
	out := make([]tools.Tool, 0, a.tools.Len())
	for pair := a.tools.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (a *Aggregated) Lookup(name string) (tools.Tool, bool) {
	return a.tools.Get(name)
}

// Cleanup disconnects every connected server. Only the first call does anything.
func (a *Aggregated) Cleanup(ctx context.Context) {
	a.cleanupOnce.Do(func() {
		slog.Debug("Cleaning up MCP clients", "count", len(a.toolsets))

		var wg sync.WaitGroup
		for _, ts := range a.toolsets {
			wg.Go(func() {
				if err := ts.Stop(ctx); err != nil {
					slog.Warn("Failed to close MCP client", "server", ts.logID, "error", err)
				}
			})
		}
		wg.Wait()
	})
}

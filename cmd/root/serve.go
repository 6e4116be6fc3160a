package root

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pubwiki/wikidesigner/pkg/config"
	"github.com/pubwiki/wikidesigner/pkg/model/provider"
	"github.com/pubwiki/wikidesigner/pkg/rendezvous"
	"github.com/pubwiki/wikidesigner/pkg/runtime"
	"github.com/pubwiki/wikidesigner/pkg/server"
	"github.com/pubwiki/wikidesigner/pkg/session"
	"github.com/pubwiki/wikidesigner/pkg/telemetry"
	"github.com/pubwiki/wikidesigner/pkg/tools"
	"github.com/pubwiki/wikidesigner/pkg/tools/builtin"
	mcptools "github.com/pubwiki/wikidesigner/pkg/tools/mcp"
	"github.com/pubwiki/wikidesigner/pkg/wikifarm"
)

type serveFlags struct {
	listenAddr string
	sessionDB  string
}

func newServeCmd(root *rootFlags) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat API server",
		Long:  "Start the HTTP API that streams chat turns and relays the user's answers to interactive tools",
		Example: `  wikidesigner serve
  wikidesigner serve --listen unix:///run/wikidesigner.sock`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.listenAddr, "listen", "l", "", "Address to listen on (overrides the config file)")
	cmd.Flags().StringVarP(&flags.sessionDB, "session-db", "s", "", "Path to the SQLite chat database (overrides the config file)")

	return cmd
}

func runServe(ctx context.Context, root *rootFlags, flags serveFlags) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	cfg.Listen = cmp.Or(flags.listenAddr, cfg.Listen)
	cfg.SessionDB = cmp.Or(flags.sessionDB, cfg.SessionDB)

	systemPrompt, err := cfg.ResolveSystemPrompt()
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg.SessionDB)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := rendezvous.New(
		rendezvous.WithBufferTTL(cfg.Rendezvous.BufferTTL),
		rendezvous.WithSweepInterval(cfg.Rendezvous.SweepInterval),
	)
	defer registry.Close()

	ui := builtin.NewUIServer(registry, wikiToolsFactory(cfg.WikiHelper), builtin.WithEditTimeout(cfg.EditTimeout))

	rt := runtime.New(
		provider.NewRegistry(cfg.Models, cfg.DefaultModel),
		store,
		runtime.WithSystemPrompt(systemPrompt),
		runtime.WithMaxSteps(cfg.MaxSteps),
		runtime.WithHistoryThreshold(cfg.HistoryThreshold),
		runtime.WithTracer(telemetry.Tracer()),
	)

	var farm server.Provisioner
	if cfg.Wikifarm.Endpoint != "" {
		client, err := wikifarm.NewClient(cfg.Wikifarm.Endpoint)
		if err != nil {
			return fmt.Errorf("invalid wikifarm endpoint: %w", err)
		}
		farm = client
	} else {
		slog.Warn("No wikifarm endpoint configured, wiki provisioning is disabled")
	}

	cm := server.NewChatManager(store, rt, turnToolsFactory(cfg.WikiHelper, ui))
	srv := server.New(cm, registry, farm)

	ln, err := server.Listen(ctx, cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	defer ln.Close()

	slog.Info("Starting wikidesigner", "listen", ln.Addr().String(), "models", len(cfg.Models), "default_model", cfg.DefaultModel)
	return srv.Serve(ctx, ln)
}

// openStore opens the SQLite chat database, or an in-memory store when path is empty.
func openStore(ctx context.Context, path string) (session.Store, func(), error) {
	if path == "" {
		slog.Warn("No session database configured, chats are kept in memory")
		return session.NewInMemoryStore(), func() {}, nil
	}

	store, err := session.NewSQLiteStore(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session database: %w", err)
	}
	return store, func() {
		if err := store.Close(); err != nil {
			slog.Error("Failed to close session database", "error", err)
		}
	}, nil
}

// wikiToolsFactory connects edit-page to the wiki helper with the caller's headers.
func wikiToolsFactory(helper config.WikiHelperConfig) builtin.WikiToolsFactory {
	return func(_ context.Context, headers map[string]string) tools.ToolSet {
		return mcptools.NewRemoteToolset(helper.URL, cmp.Or(helper.Type, mcptools.TransportHTTP), headers, nil)
	}
}

func turnToolsFactory(helper config.WikiHelperConfig, ui *builtin.UIServer) server.ToolsFactory {
	return func(ctx context.Context, req server.ToolsRequest) runtime.ToolSource {
		return mcptools.Aggregate(ctx, mcptools.Options{
			Servers:     req.Servers,
			WikiHelper:  mcptools.ServerConfig{URL: helper.URL, Type: helper.Type},
			BuiltIn:     ui.Server(),
			BuiltInName: builtin.ServerName,
			ChatID:      req.ChatID,
			Headers:     req.Headers,
		})
	}
}

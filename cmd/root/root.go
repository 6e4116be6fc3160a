package root

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pubwiki/wikidesigner/pkg/config"
	"github.com/pubwiki/wikidesigner/pkg/logging"
	"github.com/pubwiki/wikidesigner/pkg/paths"
	"github.com/pubwiki/wikidesigner/pkg/telemetry"
)

type rootFlags struct {
	enableOtel  bool
	debugMode   bool
	logFilePath string
	configPath  string

	logFile      io.Closer
	otelShutdown func(context.Context) error
}

func NewRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "wikidesigner",
		Short: "wikidesigner - chat backend for designing wikis",
		Long:  "wikidesigner serves a chat API in which a language model reads and edits wiki pages through MCP tools, asking the user to confirm every change",
		Example: `  wikidesigner serve
  wikidesigner serve --listen :8080 --session-db ~/.wikidesigner/chats.db
  wikidesigner config init`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logFile, err := logging.Setup(flags.debugMode, flags.logFilePath, paths.GetDataDir())
			if err != nil {
				// Fall back to stderr so we still get logs
				logging.SetupStderr(cmd.ErrOrStderr(), flags.debugMode)
				slog.Warn("Failed to open debug log file", "error", err)
			}
			flags.logFile = logFile

			if flags.enableOtel {
				shutdown, err := telemetry.Init(cmd.Context())
				if err != nil {
					slog.Warn("Failed to initialize OpenTelemetry SDK", "error", err)
				} else {
					flags.otelShutdown = shutdown
					slog.Debug("OpenTelemetry SDK initialized successfully")
				}
			}

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if flags.otelShutdown != nil {
				if err := flags.otelShutdown(context.WithoutCancel(cmd.Context())); err != nil {
					slog.Error("Failed to shut down OpenTelemetry SDK", "error", err)
				}
			}
			if flags.logFile != nil {
				if err := flags.logFile.Close(); err != nil {
					slog.Error("Failed to close log file", "error", err)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().BoolVarP(&flags.debugMode, "debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.enableOtel, "otel", "o", false, "Enable OpenTelemetry tracing")
	cmd.PersistentFlags().StringVar(&flags.logFilePath, "log-file", "", "Path to debug log file (default: ~/.wikidesigner/wikidesigner.debug.log; only used with --debug)")
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", config.Path(), "Path to the config file")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd(&flags))
	cmd.AddCommand(newConfigCmd(&flags))

	return cmd
}

func Execute(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) error {
	rootCmd := NewRootCmd()
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprintln(stderr, err)
		return err
	}
	return nil
}

// loadConfig reads and validates the config file named by --config.
func (f *rootFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s:\n%w", f.configPath, err)
	}
	return cfg, nil
}

// Package main implements the docindex CLI: index documentation trees,
// search them, and serve the index over HTTP or MCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docindex/internal/app"
	"github.com/fyrsmithlabs/docindex/internal/config"
	"github.com/fyrsmithlabs/docindex/internal/logging"
	"github.com/fyrsmithlabs/docindex/internal/telemetry"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "docindex",
		Short: "Index and search documentation for retrieval-augmented prompts",
		Long: `docindex chunks Markdown documentation, embeds the chunks and stores them
in a local or remote vector index, then answers semantic queries with cited
context blocks.

Configuration is read from ~/.config/docindex/config.yaml (or --config) and
DOCINDEX_* environment variables. A .env file in the working directory is
loaded first.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(g.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("loading %s: %w", g.envFile, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default ~/.config/docindex/config.yaml)")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before configuration")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")

	root.AddCommand(
		newIndexCmd(g),
		newSearchCmd(g),
		newCountCmd(g),
		newStatsCmd(g),
		newResetCmd(g),
		newCheckCmd(g),
		newContextCmd(g),
		newServeCmd(g),
		newMCPCmd(g),
		newVersionCmd(),
	)
	return root
}

// session is an opened App plus everything that must be released with it.
type session struct {
	app    *app.App
	logger *logging.Logger
	tel    *telemetry.Telemetry
}

// open loads configuration and builds the App.
func (g *globalFlags) open(ctx context.Context) (*session, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}

	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version), logger.Underlying())
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a, err := app.New(ctx, cfg, app.WithLogger(logger.Underlying()))
	if err != nil {
		_ = tel.Shutdown(context.Background())
		_ = logger.Sync()
		return nil, err
	}
	return &session{app: a, logger: logger, tel: tel}, nil
}

// Close releases the App, flushes telemetry and syncs the logger.
func (s *session) Close() {
	if err := s.app.Close(); err != nil {
		s.logger.Warn(context.Background(), "close failed", zap.Error(err))
	}
	if err := s.tel.Shutdown(context.Background()); err != nil {
		s.logger.Warn(context.Background(), "telemetry shutdown failed", zap.Error(err))
	}
	_ = s.logger.Sync()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "docindex %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", gitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", buildDate)
		},
	}
}

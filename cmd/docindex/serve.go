package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	docshttp "github.com/fyrsmithlabs/docindex/internal/http"
	"github.com/fyrsmithlabs/docindex/internal/mcp"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		host      string
		port      int
		watchRoot string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP admin API",
		Long: `Serve the HTTP admin API: /health, /metrics and /api/v1/{index,search,count,stats,context}.

Examples:
  docindex serve
  docindex serve --port 9292 --watch ./docs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			cfg := s.app.Config()
			srvCfg := &docshttp.Config{Host: cfg.Server.Host, Port: cfg.Server.Port, IndexRoot: cfg.Server.IndexRoot}
			if cmd.Flags().Changed("host") {
				srvCfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				srvCfg.Port = port
			}

			logger := s.logger.Named("http")
			metrics := docshttp.NewHTTPMetrics(s.tel.Meter("github.com/fyrsmithlabs/docindex/internal/http"), logger.Underlying())
			srv, err := docshttp.NewServer(s.app, logger, srvCfg, metrics)
			if err != nil {
				return err
			}

			errCh := make(chan error, 2)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
					errCh <- fmt.Errorf("http server: %w", err)
				}
			}()
			if watchRoot != "" {
				go func() {
					if err := s.app.Watch(ctx, watchRoot); err != nil {
						errCh <- fmt.Errorf("watching %s: %w", watchRoot, err)
					}
				}()
			}

			select {
			case <-ctx.Done():
			case err = <-errCh:
				logger.Error(ctx, "server stopped", zap.Error(err))
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				logger.Warn(ctx, "http shutdown failed", zap.Error(serr))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default server.port)")
	cmd.Flags().StringVar(&watchRoot, "watch", "", "also keep this directory in sync with the index")
	return cmd
}

func newMCPCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools over stdio",
		Long: `Serve docs_search, docs_index, docs_count and docs_context to an MCP client
over stdin/stdout. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			logger := s.logger.Named("mcp")
			srv, err := mcp.NewServer(&mcp.Config{
				Name:      "docindex",
				Version:   version,
				Logger:    logger.Underlying(),
				Redactor:  s.app.Redactor(),
				IndexRoot: s.app.Config().Server.IndexRoot,
			}, s.app)
			if err != nil {
				return err
			}
			logger.Info(ctx, "serving mcp over stdio", zap.String("version", version))
			if err := srv.Run(ctx); err != nil {
				logger.Error(ctx, "mcp server stopped", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

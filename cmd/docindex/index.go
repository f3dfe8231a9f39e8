package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docindex/internal/indexer"
	"github.com/fyrsmithlabs/docindex/internal/logging"
)

func newIndexCmd(g *globalFlags) *cobra.Command {
	var (
		prune       bool
		incremental bool
		watchTree   bool
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "index <dir>",
		Short: "Index a documentation directory",
		Long: `Index every supported document under a directory.

Re-indexing is idempotent: chunk ids are derived from the source path and
the chunk's position, so unchanged documents replace themselves.

Examples:
  # Index a docs tree
  docindex index ./docs

  # Skip unchanged files and drop documents that were deleted
  docindex index ./docs --incremental --prune

  # Keep the index in sync while editing
  docindex index ./docs --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			opts := s.app.IndexOptions()
			if cmd.Flags().Changed("prune") {
				opts.Prune = prune
			}
			if cmd.Flags().Changed("incremental") {
				opts.SkipUnchanged = incremental
			}

			ctx := logging.WithRunID(cmd.Context(), uuid.NewString())
			rep, err := s.app.IndexDirectory(ctx, args[0], opts)
			logRun(ctx, s.logger, args[0], rep, err)
			if rep != nil {
				if asJSON {
					if jerr := writeJSON(cmd.OutOrStdout(), rep); jerr != nil {
						return jerr
					}
				} else {
					printReport(cmd, rep)
				}
			}
			if err != nil {
				return fmt.Errorf("indexing %s: %w", args[0], err)
			}

			if !watchTree {
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s for changes (Ctrl+C to stop)\n", args[0])
			return s.app.Watch(ctx, args[0])
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "remove chunks of documents no longer on disk")
	cmd.Flags().BoolVar(&incremental, "incremental", false, "skip documents whose content has not changed")
	cmd.Flags().BoolVar(&watchTree, "watch", false, "keep watching the directory after indexing")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

// logRun records the outcome of one index run under the run id in ctx.
func logRun(ctx context.Context, logger *logging.Logger, root string, rep *indexer.Report, err error) {
	if err != nil {
		logger.Error(ctx, "index run failed", zap.String("root", root), zap.Error(err))
		return
	}
	for _, f := range rep.Failures {
		logger.Warn(ctx, "document failed", zap.String("path", f.Path), zap.String("reason", f.Reason))
	}
	logger.Info(ctx, "index run finished",
		zap.String("root", rep.Root),
		zap.Int("documents", rep.DocumentsSeen),
		zap.Int("failed", rep.DocumentsFailed),
		zap.Int("chunks_stored", rep.ChunksStored),
		zap.Duration("elapsed", rep.Elapsed),
	)
}

func printReport(cmd *cobra.Command, rep *indexer.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, rep.String())
	for _, f := range rep.Failures {
		fmt.Fprintf(out, "  failed  %s (%s): %s\n", f.Path, f.Kind, f.Reason)
	}
	for _, s := range rep.Skipped {
		fmt.Fprintf(out, "  skipped %s: %s\n", s.Key, s.Reason)
	}
	for _, w := range rep.Warnings {
		fmt.Fprintf(out, "  warning %s\n", w)
	}
}

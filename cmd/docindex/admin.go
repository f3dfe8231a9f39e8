package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/docindex/internal/retrieval"
)

func newCountCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of indexed chunks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.app.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func newStatsCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Describe the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := s.app.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, st)
			}
			fmt.Fprintf(out, "collection: %s\n", st.Collection)
			fmt.Fprintf(out, "chunks:     %d\n", st.Chunks)
			fmt.Fprintf(out, "documents:  %d\n", st.Sources)
			fmt.Fprintf(out, "model:      %s (%d dimensions)\n", st.Model, st.Dimension)
			fmt.Fprintf(out, "metric:     %s\n", st.Metric)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print stats as JSON")
	return cmd
}

func newResetCmd(g *globalFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every chunk in the index",
		Long: `Delete every chunk and document record in the configured collection.

The pinned model and metric are kept. Use this before re-indexing from
scratch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset deletes the whole index; pass --yes to confirm")
			}
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.app.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "index reset")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func newCheckCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the on-disk vector store for corrupt collections",
		Long: `Check every chromem collection directory for its metadata file.

A collection that holds documents but no metadata cannot be loaded and is
reported as corrupt. The command fails when any corrupt collection is found.
Only the chromem backend keeps collections on disk.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			h, err := s.app.MetadataHealth(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if h == nil {
				fmt.Fprintln(out, "metadata check not supported by this vector store")
				return nil
			}
			if asJSON {
				if err := writeJSON(out, h); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "status:      %s\n", h.Status())
				fmt.Fprintf(out, "collections: %d (%d healthy, %d empty)\n", h.Total, h.HealthyCount, len(h.Empty))
				for _, name := range h.Corrupt {
					fmt.Fprintf(out, "corrupt:     %s\n", name)
				}
			}
			if !h.IsHealthy() {
				return fmt.Errorf("%d corrupt collection(s) found", h.CorruptCount)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the health report as JSON")
	return cmd
}

// contextOutput is the --json form of the context command.
type contextOutput struct {
	Queries []string             `json:"queries"`
	Failed  []string             `json:"failed,omitempty"`
	Results []retrieval.Citation `json:"results"`
	Context string               `json:"context"`
}

func newContextCmd(g *globalFlags) *cobra.Command {
	var (
		reqFile  string
		maxChars int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Build a documentation context from agent requirements",
		Long: `Build a documentation context for an agent from a requirements file.

The file is JSON:
  {"use_case": "customer support", "channels": ["twilio"], "languages": ["spanish"]}

Examples:
  docindex context --requirements requirements.json
  cat requirements.json | docindex context --requirements - --max-chars 2000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req retrieval.Requirements
			if err := readJSONFile(reqFile, &req); err != nil {
				return err
			}

			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			k, err := s.app.KnowledgeContext(cmd.Context(), req, maxChars)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, contextOutput{
					Queries: k.Queries,
					Failed:  k.Failed,
					Results: retrieval.Citations(k.Results),
					Context: k.Context,
				})
			}
			for _, q := range k.Failed {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: query %q failed and was skipped\n", q)
			}
			fmt.Fprintln(out, k.Context)
			return nil
		},
	}
	cmd.Flags().StringVar(&reqFile, "requirements", "", "requirements JSON file, - for stdin")
	cmd.Flags().IntVar(&maxChars, "max-chars", 0, "context budget in characters (default retrieval.max_context_chars)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the context and its sources as JSON")
	_ = cmd.MarkFlagRequired("requirements")
	return cmd
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/docindex/internal/retrieval"
)

// searchOutput is the --json form of a search.
type searchOutput struct {
	Query   string               `json:"query"`
	Results []retrieval.Citation `json:"results"`
	Context string               `json:"context,omitempty"`
}

func newSearchCmd(g *globalFlags) *cobra.Command {
	var (
		k          int
		filters    []string
		contextLen int
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the index",
		Long: `Search the index and print the nearest chunks.

Filters are ANDed together:
  field=value     metadata equals value
  field=a,b       metadata equals any of the values
  field~value     metadata list contains value (or string contains it)

Examples:
  docindex search "setup instructions"
  docindex search "python example" -k 3 --filter chunk_type=code_block --filter language_tag=python
  docindex search "error handling" --filter 'tags~go' --context 2000`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			filter, err := retrieval.ParseFilter(filters)
			if err != nil {
				return err
			}

			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			results, err := s.app.Search(cmd.Context(), query, k, filter)
			if err != nil {
				return err
			}
			block := ""
			if contextLen > 0 {
				block = s.app.Assemble(results, contextLen)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, searchOutput{Query: query, Results: retrieval.Citations(results), Context: block})
			}
			if contextLen > 0 {
				fmt.Fprintln(out, block)
				return nil
			}
			printResults(out, results)
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 0, "number of results (default retrieval.default_k)")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "metadata filter, repeatable")
	cmd.Flags().IntVar(&contextLen, "context", 0, "print an assembled context block of at most N characters")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func printResults(w io.Writer, results []retrieval.Result) {
	if len(results) == 0 {
		fmt.Fprintln(w, "no results")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tDISTANCE\tTYPE\tSOURCE")
	for i, r := range results {
		typ := string(r.Chunk.Type)
		if r.Chunk.LanguageTag != "" {
			typ += "/" + r.Chunk.LanguageTag
		}
		fmt.Fprintf(tw, "%d\t%.4f\t%s\t%s\n", i+1, r.Distance, typ, retrieval.Header(r))
	}
	_ = tw.Flush()
	for i, r := range results {
		fmt.Fprintf(w, "\n--- %d %s\n%s\n", i+1, retrieval.Header(r), r.Chunk.Text)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readJSONFile(path string, v any) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

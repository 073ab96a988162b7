package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/query"
)

var (
	// search command flags
	searchK       int
	searchFilters []string
	// context command flags
	ctxK      int
	ctxBudget int
	// similar command flags
	similarK int
)

func init() {
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(similarCmd)

	searchCmd.Flags().IntVarP(&searchK, "k", "k", 10, "Number of results to return")
	searchCmd.Flags().StringArrayVar(&searchFilters, "filter", nil, "Metadata filter as key=value (repeatable)")

	contextCmd.Flags().IntVarP(&ctxK, "k", "k", 10, "Number of chunks to consider")
	contextCmd.Flags().IntVar(&ctxBudget, "budget", 1024, "Token budget for the assembled context")

	similarCmd.Flags().IntVarP(&similarK, "k", "k", 5, "Number of past queries to return")
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Rank chunks for a query",
	Long: `Rank chunks by blending vector similarity, full-text relevance, usage
and recency. Every search counts as a use of the returned chunks.

A degraded result means one retrieval source was unavailable and the
ranking used the remaining one.

Examples:
  # Top 10 results
  ragdoll search "how do refunds work"

  # Restrict to one document
  ragdoll search "refunds" --filter document_id=policies

  # Output as JSON
  ragdoll search "refunds" -k 3 --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

var contextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Assemble cited prompt context for a query",
	Long: `Search and pack the best chunks into numbered, cited blocks that fit a
token budget.

Examples:
  ragdoll context "how do refunds work" --budget 512`,
	Args: cobra.MinimumNArgs(1),
	RunE: runContext,
}

var similarCmd = &cobra.Command{
	Use:   "similar <query>",
	Short: "List past queries similar to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSimilar,
}

// parseFilters turns key=value pairs into a filter map.
func parseFilters(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filters := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q: expected key=value", p)
		}
		filters[key] = strings.TrimSpace(value)
	}
	return filters, nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	filters, err := parseFilters(searchFilters)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	deps, err := loadDependencies(ctx)
	if err != nil {
		return err
	}
	defer deps.Close(ctx)

	resp, err := deps.orch.Search(ctx, strings.Join(args, " "), searchK, filters)
	if errors.Is(err, query.ErrSearchUnavailable) {
		return fmt.Errorf("search unavailable: %w", err)
	}
	if err != nil {
		return err
	}
	return printSearch(cmd.OutOrStdout(), resp)
}

func printSearch(w io.Writer, resp *query.SearchResponse) error {
	if outputAsJSON {
		return outputJSON(w, resp)
	}
	if resp.Degraded {
		fmt.Fprintf(w, "Degraded: %s\n\n", strings.Join(resp.Reasons, "; "))
	}
	if len(resp.Hits) == 0 {
		fmt.Fprintln(w, "No matches.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSCORE\tSIM\tLEX\tUSAGE\tRECENCY\tCHUNK\tDOCUMENT\tTEXT")
	for i, h := range resp.Hits {
		fmt.Fprintf(tw, "%d\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t%s\t%s\t%s\n",
			i+1, h.Score, h.Similarity, h.Lexical, h.Usage, h.Recency,
			truncate(h.ChunkID, 12),
			truncate(h.DocumentID, 20),
			truncate(strings.Join(strings.Fields(h.Text), " "), 60),
		)
	}
	return tw.Flush()
}

func runContext(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	deps, err := loadDependencies(ctx)
	if err != nil {
		return err
	}
	defer deps.Close(ctx)

	c, err := deps.orch.BuildContext(ctx, strings.Join(args, " "), ctxK, ctxBudget)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if outputAsJSON {
		return outputJSON(out, c)
	}
	if c.Text == "" {
		fmt.Fprintln(out, "No context fits the budget.")
		return nil
	}
	fmt.Fprintln(out, c.Text)
	fmt.Fprintf(out, "\n(%d tokens, %d citations", c.Tokens, len(c.Citations))
	if c.Truncated {
		fmt.Fprint(out, ", truncated")
	}
	fmt.Fprintln(out, ")")
	return nil
}

func runSimilar(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	deps, err := loadDependencies(ctx)
	if err != nil {
		return err
	}
	defer deps.Close(ctx)

	matches, err := deps.orch.SimilarQueries(ctx, strings.Join(args, " "), similarK)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if outputAsJSON {
		return outputJSON(out, matches)
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SIMILARITY\tWHEN\tQUERY")
	for _, m := range matches {
		fmt.Fprintf(tw, "%.3f\t%s\t%s\n", m.Similarity, m.CreatedAt.Format("2006-01-02 15:04"), truncate(m.Query, 60))
	}
	return tw.Flush()
}

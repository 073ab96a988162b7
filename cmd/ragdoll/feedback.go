package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/usage"
)

var (
	fbSignal string
	fbWeight int64
	statsTop int
)

func init() {
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(statsCmd)

	feedbackCmd.Flags().StringVar(&fbSignal, "signal", "click", "Signal kind: click, upvote, or downvote")
	feedbackCmd.Flags().Int64Var(&fbWeight, "weight", 0, "Usage increments for positive signals (0 uses the kind default)")

	statsCmd.Flags().IntVar(&statsTop, "top", 10, "Number of most used chunks to list")
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback <chunk-id>",
	Short: "Record explicit feedback for a chunk",
	Long: `Record explicit feedback for a chunk returned by a search.

Clicks and upvotes add usage; downvotes are recorded but never lower it.

Examples:
  ragdoll feedback 3f2a9c1e-... --signal upvote
  ragdoll feedback 3f2a9c1e-... --signal click --weight 2`,
	Args: cobra.ExactArgs(1),
	RunE: runFeedback,
}

var statsCmd = &cobra.Command{
	Use:   "stats [chunk-id]",
	Short: "Show usage for one chunk or the most used chunks",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStats,
}

func runFeedback(cmd *cobra.Command, args []string) error {
	kind, err := usage.ParseSignal(fbSignal)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	deps, err := loadDependencies(ctx)
	if err != nil {
		return err
	}
	defer deps.Close(ctx)

	if err := deps.orch.RecordFeedback(ctx, args[0], usage.Signal{Kind: kind, Weight: fbWeight}); err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	stats, err := deps.tracker.Stats(args[0])
	if err != nil {
		return err
	}
	return printStats(cmd.OutOrStdout(), []usage.Stats{stats})
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	deps, err := loadDependencies(ctx)
	if err != nil {
		return err
	}
	defer deps.Close(ctx)

	if len(args) == 1 {
		stats, err := deps.tracker.Stats(args[0])
		if err != nil {
			return err
		}
		return printStats(cmd.OutOrStdout(), []usage.Stats{stats})
	}
	return printStats(cmd.OutOrStdout(), deps.tracker.TopChunks(statsTop))
}

func printStats(w io.Writer, stats []usage.Stats) error {
	if outputAsJSON {
		return outputJSON(w, stats)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHUNK\tUSES\tLAST USED")
	for _, s := range stats {
		last := "never"
		if !s.LastUsedAt.IsZero() {
			last = s.LastUsedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", s.ChunkID, s.Count, last)
	}
	return tw.Flush()
}

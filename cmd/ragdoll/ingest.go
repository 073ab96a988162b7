package main

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/ingest"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/model"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/source"
)

var (
	// ingest command flags
	ingDocumentID  string
	ingUnitID      string
	ingTitle       string
	ingContentType string
)

func init() {
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(deleteCmd)

	ingestCmd.Flags().StringVar(&ingDocumentID, "document-id", "", "Document identifier (defaults to the file name; single file only)")
	ingestCmd.Flags().StringVar(&ingUnitID, "unit-id", "", "Content unit identifier (defaults to <document-id>:<type>)")
	ingestCmd.Flags().StringVar(&ingTitle, "title", "", "Document title (defaults to the file name)")
	ingestCmd.Flags().StringVar(&ingContentType, "type", "text", "Content type of the extracted text: text, image, or audio")
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file|dir|glob>...",
	Short: "Chunk, embed and index plain text files",
	Long: `Chunk, embed and index plain text files.

Directories are walked recursively, skipping paths listed in .ragdollignore
and .gitignore. Binary and oversized files are skipped. Each file becomes
one document, identified by its path without the extension. Re-ingesting an
unchanged file is a no-op; changed text replaces the previous chunks.
Image descriptions and audio transcripts are ingested with --type.

Examples:
  # Ingest a file
  ragdoll ingest notes.txt

  # Ingest a directory tree, or every markdown file below docs/
  ragdoll ingest ./handbook
  ragdoll ingest 'docs/**/*.md'

  # Ingest from stdin with an explicit identifier
  cat notes.txt | ragdoll ingest - --document-id notes --title "Team notes"

  # Ingest an audio transcript
  ragdoll ingest standup.txt --type audio`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var retryCmd = &cobra.Command{
	Use:   "retry <document-id>",
	Short: "Re-embed chunks that failed during ingestion",
	Long: `Re-embed only the chunks recorded as failed for a document.

Examples:
  ragdoll retry notes`,
	Args: cobra.ExactArgs(1),
	RunE: runRetry,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Delete a document and its chunks from the store and indexes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := loadDependencies(cmd.Context())
		if err != nil {
			return err
		}
		defer deps.Close(cmd.Context())

		if err := deps.pipeline.DeleteDocument(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

// buildRequests turns the ingest arguments into requests. "-" reads stdin;
// anything else is expanded by source.Discover.
func buildRequests(ctx context.Context, args []string, stdin io.Reader, opts source.Options) ([]ingest.Request, []source.Skipped, error) {
	ct, err := model.ParseContentType(ingContentType)
	if err != nil {
		return nil, nil, err
	}
	if slices.Contains(args, "-") {
		if len(args) > 1 {
			return nil, nil, fmt.Errorf("stdin cannot be combined with other sources")
		}
		if ingDocumentID == "" {
			return nil, nil, fmt.Errorf("--document-id is required when reading stdin")
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return []ingest.Request{newRequest(ingDocumentID, "", string(data), ct)}, nil, nil
	}

	single := ingDocumentID != "" || ingUnitID != ""
	if single && len(args) > 1 {
		return nil, nil, fmt.Errorf("--document-id and --unit-id apply to a single file")
	}
	res, err := source.Discover(ctx, args, opts)
	if err != nil {
		return nil, nil, err
	}
	if single && len(res.Files) > 1 {
		return nil, nil, fmt.Errorf("--document-id and --unit-id apply to a single file, %d found", len(res.Files))
	}

	reqs := make([]ingest.Request, 0, len(res.Files))
	for _, f := range res.Files {
		docID := ingDocumentID
		if docID == "" {
			docID = documentIDFromPath(f.Rel)
		}
		reqs = append(reqs, newRequest(docID, filepath.Base(f.Path), f.Text, ct))
	}
	return reqs, res.Skipped, nil
}

func newRequest(docID, defaultTitle, text string, ct model.ContentType) ingest.Request {
	unitID := ingUnitID
	if unitID == "" {
		unitID = docID + ":" + string(ct)
	}
	title := ingTitle
	if title == "" {
		title = defaultTitle
	}
	return ingest.Request{
		DocumentID:    docID,
		ContentUnitID: unitID,
		Title:         title,
		Text:          text,
		ContentType:   ct,
	}
}

// documentIDFromPath derives an identifier from a slash separated relative
// path without its extension.
func documentIDFromPath(rel string) string {
	id := strings.TrimSuffix(rel, path.Ext(rel))
	id = strings.Trim(id, "/")
	if id == "" || id == "." {
		return "default"
	}
	return id
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	deps, err := loadDependencies(ctx)
	if err != nil {
		return err
	}
	defer deps.Close(ctx)

	reqs, skipped, err := buildRequests(ctx, args, cmd.InOrStdin(), source.Options{
		IgnoreFiles:  deps.cfg.Ingestion.IgnoreFiles,
		MaxFileBytes: deps.cfg.Ingestion.MaxFileBytes,
		Logger:       deps.logger,
	})
	if err != nil {
		return err
	}
	for _, sk := range skipped {
		fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %s\n", sk.Path, sk.Reason)
	}

	if err := deps.pipeline.Start(ctx); err != nil {
		return err
	}
	tasks := make([]*ingest.Task, len(reqs))
	for i, req := range reqs {
		tasks[i] = ingest.NewTask(req)
		if err := deps.pipeline.Enqueue(ctx, tasks[i]); err != nil {
			return fmt.Errorf("failed to enqueue %s: %w", req.DocumentID, err)
		}
	}

	var results []*ingest.Result
	var failed int
	for i, t := range tasks {
		res, err := t.Wait(ctx)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", reqs[i].DocumentID, err)
			continue
		}
		results = append(results, res...)
	}

	if err := printResults(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(tasks))
	}
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	deps, err := loadDependencies(ctx)
	if err != nil {
		return err
	}
	defer deps.Close(ctx)

	results, err := deps.pipeline.RetryFailed(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to retry %s: %w", args[0], err)
	}
	return printResults(cmd.OutOrStdout(), results)
}

func printResults(w io.Writer, results []*ingest.Result) error {
	if outputAsJSON {
		return outputJSON(w, results)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DOCUMENT\tUNIT\tCHUNKS\tFAILED\tSTATUS")
	for _, r := range results {
		status := string(r.Status)
		if r.Unchanged {
			status += " (unchanged)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			truncate(r.DocumentID, 24),
			truncate(r.ContentUnitID, 24),
			r.ChunkCount,
			formatIndices(r.FailedIndices),
			status,
		)
	}
	return tw.Flush()
}

func formatIndices(idx []int) string {
	if len(idx) == 0 {
		return "-"
	}
	parts := make([]string, len(idx))
	for i, n := range idx {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ",")
}

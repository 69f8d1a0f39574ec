package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/jobs"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// newEnrichBackfillCmd creates the enrich-backfill subcommand.
func newEnrichBackfillCmd() *cobra.Command {
	var (
		tenant    string
		visual    bool
		graph     bool
		raptor    bool
		all       bool
		minChunks int
		yes       bool
	)

	cmd := &cobra.Command{
		Use:   "enrich-backfill",
		Short: "Enqueue enrichment for processed documents missing it",
		Long: `Enrich-backfill scans processed documents and queues enrichment jobs
for the ones that never got it, typically after enabling deferred
enrichment or a new enrichment step on an existing corpus.

By default a document qualifies when it has chunks but no raptor summary
nodes; --all enqueues every processed document regardless. Sub-steps
toggle with --visual/--graph/--raptor (all on by default). A community
rebuild is queued at the end when any graph work was enqueued.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()

			if !visual && !graph && !raptor {
				visual, graph, raptor = true, true, true
			}

			db, driver, err := openAdminDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := requireWritableDB(driver); err != nil {
				return err
			}
			repos := storage.NewRepositories(db)
			queue := jobs.NewService(repos.Jobs)
			ui := NewUI()
			defer ui.Close()

			candidates, err := scanBackfillCandidates(ctx, repos, tenant, all, minChunks)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				ui.Info("Nothing to backfill")
				return nil
			}

			if !confirm(fmt.Sprintf("Enqueue enrichment for %d documents of tenant %s?", len(candidates), tenant), yes) {
				ui.Info("Aborted")
				return nil
			}

			var bar *progressbar.ProgressBar
			if !outputJSON {
				bar = progressbar.Default(int64(len(candidates)), "enqueueing")
			}

			var enqueued, skipped int
			for _, doc := range candidates {
				_, err := queue.EnqueueEnrich(ctx, tenant, jobs.EnrichPayload{
					SourceDocumentID: doc.ID,
					Visual:           visual,
					Graph:            graph,
					Raptor:           raptor,
				})
				switch {
				case errors.Is(err, storage.ErrAlreadyProcessing):
					skipped++
				case err != nil:
					return fmt.Errorf("enqueue enrichment for %s: %w", doc.ID, err)
				default:
					enqueued++
				}
				if bar != nil {
					_ = bar.Add(1)
				}
			}

			if graph && enqueued > 0 {
				if _, err := queue.EnqueueCommunityRebuild(ctx, tenant, "enrich-backfill"); err != nil &&
					!errors.Is(err, storage.ErrAlreadyProcessing) {
					ui.Warning("Community rebuild enqueue failed: %v", err)
				}
			}

			if outputJSON {
				return ui.JSON(map[string]interface{}{
					"tenant_id": tenant,
					"enqueued":  enqueued,
					"skipped":   skipped,
				})
			}
			ui.Success("Backfill queued: %d enqueued, %d skipped (already active)", enqueued, skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID (required)")
	cmd.Flags().BoolVar(&visual, "visual", false, "include visual enrichment")
	cmd.Flags().BoolVar(&graph, "graph", false, "include graph extraction")
	cmd.Flags().BoolVar(&raptor, "raptor", false, "include raptor summarization")
	cmd.Flags().BoolVar(&all, "all", false, "enqueue every processed document, not only those missing raptor nodes")
	cmd.Flags().IntVar(&minChunks, "min-chunks", 1, "skip documents with fewer chunks than this")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

// scanBackfillCandidates pages processed documents and keeps the ones that
// have chunks but no raptor summary tree (or all of them with --all).
func scanBackfillCandidates(ctx context.Context, repos *storage.Repositories, tenant string, all bool, minChunks int) ([]*storage.SourceDocument, error) {
	var scanned []*storage.SourceDocument
	for offset := 0; ; offset += 200 {
		docs, err := repos.Documents.List(ctx, tenant, nil, storage.StatusProcessed, 200, offset)
		if err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		if len(docs) == 0 {
			break
		}
		scanned = append(scanned, docs...)
	}
	if len(scanned) == 0 {
		return nil, nil
	}

	var bar *progressbar.ProgressBar
	if !outputJSON {
		bar = progressbar.Default(int64(len(scanned)), "scanning")
	}

	var out []*storage.SourceDocument
	for _, doc := range scanned {
		if bar != nil {
			_ = bar.Add(1)
		}
		chunks, err := repos.Chunks.CountBySource(ctx, tenant, doc.ID, true)
		if err != nil {
			return nil, fmt.Errorf("count chunks for %s: %w", doc.ID, err)
		}
		if chunks < minChunks {
			continue
		}
		if !all {
			nodes, err := repos.Raptor.CountBySource(ctx, tenant, doc.ID)
			if err != nil {
				return nil, fmt.Errorf("count raptor nodes for %s: %w", doc.ID, err)
			}
			if nodes > 0 {
				continue
			}
		}
		out = append(out, doc)
	}
	return out, nil
}

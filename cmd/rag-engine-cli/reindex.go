package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/jobs"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// newReindexCmd creates the reindex subcommand.
func newReindexCmd() *cobra.Command {
	var (
		tenant      string
		collection  string
		strategy    string
		concurrency int
		yes         bool
	)

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Re-enqueue ingestion for processed documents",
		Long: `Reindex re-runs the ingestion pipeline over documents that already
completed it, for example after a chunking strategy or embedding model
change. Documents with ingestion work already in flight are skipped.

One progress bar renders per collection; enqueues run in parallel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()

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

			groups, total, err := collectReindexTargets(ctx, repos, tenant, collection)
			if err != nil {
				return err
			}
			if total == 0 {
				ui.Info("No processed documents to reindex")
				ui.Close()
				return nil
			}

			if !confirm(fmt.Sprintf("Re-enqueue ingestion for %d documents of tenant %s?", total, tenant), yes) {
				ui.Info("Aborted")
				ui.Close()
				return nil
			}

			var enqueued, skipped, failed int64
			grp, grpCtx := errgroup.WithContext(ctx)
			grp.SetLimit(concurrency)

			for name, docs := range groups {
				bar := ui.Bar(name, int64(len(docs)))
				for _, doc := range docs {
					docID := doc.ID
					grp.Go(func() error {
						_, err := queue.EnqueueIngest(grpCtx, tenant, jobs.IngestPayload{
							SourceDocumentID: docID,
							StrategyOverride: strategy,
						})
						switch {
						case errors.Is(err, storage.ErrAlreadyProcessing):
							atomic.AddInt64(&skipped, 1)
						case err != nil:
							atomic.AddInt64(&failed, 1)
							logger.Warn().Err(err).Str("document_id", docID.String()).Msg("Reindex enqueue failed")
						default:
							atomic.AddInt64(&enqueued, 1)
						}
						if bar != nil {
							bar.Increment()
						}
						return nil
					})
				}
			}
			if err := grp.Wait(); err != nil {
				ui.Close()
				return err
			}
			ui.Close()

			if outputJSON {
				return ui.JSON(map[string]interface{}{
					"tenant_id": tenant,
					"enqueued":  enqueued,
					"skipped":   skipped,
					"failed":    failed,
				})
			}
			ui.Success("Reindex queued: %d enqueued, %d skipped (already active), %d failed",
				enqueued, skipped, failed)
			if failed > 0 {
				return fmt.Errorf("%d documents failed to enqueue", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID (required)")
	cmd.Flags().StringVar(&collection, "collection", "", "restrict to one collection ID")
	cmd.Flags().StringVar(&strategy, "strategy", "", "chunking strategy override for the re-run")
	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "parallel enqueue workers")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

// collectReindexTargets pages processed documents grouped by collection key
// so each group can render its own bar.
func collectReindexTargets(ctx context.Context, repos *storage.Repositories, tenant, collection string) (map[string][]*storage.SourceDocument, int, error) {
	var filter *uuid.UUID
	if collection != "" {
		id, err := uuid.Parse(collection)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid collection id: %w", err)
		}
		filter = &id
	}

	keys := map[uuid.UUID]string{}
	collections, err := repos.Collections.List(ctx, tenant)
	if err != nil {
		return nil, 0, fmt.Errorf("list collections: %w", err)
	}
	for _, c := range collections {
		keys[c.ID] = c.Key
	}

	groups := map[string][]*storage.SourceDocument{}
	total := 0
	for offset := 0; ; offset += 200 {
		docs, err := repos.Documents.List(ctx, tenant, filter, storage.StatusProcessed, 200, offset)
		if err != nil {
			return nil, 0, fmt.Errorf("list documents: %w", err)
		}
		if len(docs) == 0 {
			break
		}
		for _, d := range docs {
			name := "ungrouped"
			if d.CollectionID != nil {
				if key, ok := keys[*d.CollectionID]; ok {
					name = key
				}
			}
			groups[name] = append(groups[name], d)
			total++
		}
	}
	return groups, total, nil
}

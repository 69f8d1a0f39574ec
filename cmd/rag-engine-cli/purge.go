package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// newPurgeCmd creates the purge subcommand.
func newPurgeCmd() *cobra.Command {
	var (
		tenant     string
		collection string
		document   string
		batchSize  int
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Cascade-delete tenant, collection, or document data",
		Long: `Purge removes data with cascade deletes: chunks, raptor nodes,
events, and graph provenance go with their documents, and orphaned graph
entities are pruned afterwards.

Scope narrows with flags: --doc removes one document, --collection
removes a collection and everything in it, and neither removes the whole
tenant. Destructive; prompts unless --yes.`,
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

			ui := NewUI()
			defer ui.Close()

			switch {
			case document != "":
				docID, err := uuid.Parse(document)
				if err != nil {
					return fmt.Errorf("invalid document id: %w", err)
				}
				if !confirm(fmt.Sprintf("Delete document %s and all derived data for tenant %s?", docID, tenant), yes) {
					ui.Info("Aborted")
					return nil
				}
				if err := repos.Documents.DeleteCascade(ctx, tenant, docID, batchSize); err != nil {
					return fmt.Errorf("purge document: %w", err)
				}
				ui.Success("Document %s purged", docID)

			case collection != "":
				collID, err := uuid.Parse(collection)
				if err != nil {
					return fmt.Errorf("invalid collection id: %w", err)
				}
				if !confirm(fmt.Sprintf("Delete collection %s and every document in it for tenant %s?", collID, tenant), yes) {
					ui.Info("Aborted")
					return nil
				}
				if err := repos.Collections.DeleteCascade(ctx, tenant, collID, batchSize); err != nil {
					return fmt.Errorf("purge collection: %w", err)
				}
				ui.Success("Collection %s purged", collID)

			default:
				if !confirm(fmt.Sprintf("Delete ALL data for tenant %s? This cannot be undone.", tenant), yes) {
					ui.Info("Aborted")
					return nil
				}
				if err := purgeTenant(ctx, repos, ui, tenant, batchSize); err != nil {
					return err
				}
				ui.Success("Tenant %s purged", tenant)
			}

			pruned, err := repos.Graph.PruneOrphanEntities(ctx, tenant)
			if err != nil {
				return fmt.Errorf("prune graph entities: %w", err)
			}
			if pruned > 0 {
				ui.Info("Pruned %d orphaned graph entities", pruned)
			}

			if outputJSON {
				return ui.JSON(map[string]interface{}{
					"tenant_id":       tenant,
					"pruned_entities": pruned,
					"status":          "purged",
				})
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID (required)")
	cmd.Flags().StringVar(&collection, "collection", "", "purge a single collection")
	cmd.Flags().StringVar(&document, "doc", "", "purge a single document")
	cmd.Flags().IntVar(&batchSize, "batch-size", 500, "chunk delete batch size")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

// purgeTenant cascades every collection, then sweeps documents that were
// never assigned to one.
func purgeTenant(ctx context.Context, repos *storage.Repositories, ui *UI, tenant string, batchSize int) error {
	collections, err := repos.Collections.List(ctx, tenant)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, c := range collections {
		ui.Info("Purging collection %s (%s)", c.Key, c.ID)
		if err := repos.Collections.DeleteCascade(ctx, tenant, c.ID, batchSize); err != nil {
			return fmt.Errorf("purge collection %s: %w", c.ID, err)
		}
	}

	// Ungrouped documents, paged until drained.
	for {
		docs, err := repos.Documents.List(ctx, tenant, nil, "", 200, 0)
		if err != nil {
			return fmt.Errorf("list documents: %w", err)
		}
		if len(docs) == 0 {
			return nil
		}
		for _, d := range docs {
			if err := repos.Documents.DeleteCascade(ctx, tenant, d.ID, batchSize); err != nil {
				return fmt.Errorf("purge document %s: %w", d.ID, err)
			}
		}
	}
}

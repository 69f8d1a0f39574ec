package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// newStatusCmd creates the status subcommand.
func newStatusCmd() *cobra.Command {
	var (
		tenant     string
		collection string
		document   string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tenant, collection, and document status plus queue stats",
		Long: `Status summarizes a tenant: its collections, document counts per
ingestion status, queue depth per job type, and active batches.

With --doc it shows one document's full state including its latest
progress event. Works against the configured Postgres database or a
snapshot .db file (--db).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			db, _, err := openAdminDB()
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db)

			if document != "" {
				return documentStatus(ctx, repos, tenant, document)
			}
			return tenantStatus(ctx, db, repos, tenant, collection, limit)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID (required)")
	cmd.Flags().StringVar(&collection, "collection", "", "restrict document listing to one collection ID")
	cmd.Flags().StringVar(&document, "doc", "", "show one document's detailed status")
	cmd.Flags().IntVar(&limit, "limit", 20, "max recent documents to list")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func tenantStatus(ctx context.Context, db *sql.DB, repos *storage.Repositories, tenant, collection string, limit int) error {
	ui := NewUI()
	defer ui.Close()

	collections, err := repos.Collections.List(ctx, tenant)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}

	statusCounts, err := documentStatusCounts(ctx, db, tenant)
	if err != nil {
		return err
	}

	queueStats := map[storage.JobType]map[storage.JobStatus]int{}
	for _, jt := range []storage.JobType{storage.JobIngestDocument, storage.JobEnrichDocument, storage.JobCommunityRebuild} {
		counts, err := repos.Jobs.CountByStatus(ctx, jt)
		if err != nil {
			return fmt.Errorf("count %s jobs: %w", jt, err)
		}
		queueStats[jt] = counts
	}

	var collectionFilter *uuid.UUID
	if collection != "" {
		id, err := uuid.Parse(collection)
		if err != nil {
			return fmt.Errorf("invalid collection id: %w", err)
		}
		collectionFilter = &id
	}
	recent, err := repos.Documents.List(ctx, tenant, collectionFilter, "", limit, 0)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}

	if outputJSON {
		return ui.JSON(map[string]interface{}{
			"tenant_id":        tenant,
			"collections":      collections,
			"document_counts":  statusCounts,
			"queue":            queueStats,
			"recent_documents": recent,
		})
	}

	ui.Section("collections")
	if len(collections) == 0 {
		ui.Info("No collections for tenant %s", tenant)
	} else {
		rows := make([][]string, 0, len(collections))
		for _, c := range collections {
			rows = append(rows, []string{
				c.ID.String(), c.Key, truncate(c.Name, 32), string(c.Status), formatAge(c.CreatedAt),
			})
		}
		ui.Table([]string{"ID", "KEY", "NAME", "STATUS", "AGE"}, rows)
	}

	ui.Section("documents by status")
	for status, count := range statusCounts {
		ui.KeyValue(status, count)
	}

	ui.Section("job queue")
	for jt, counts := range queueStats {
		ui.KeyValue(string(jt), fmt.Sprintf("pending=%d processing=%d failed=%d dead_letter=%d",
			counts[storage.JobPending], counts[storage.JobProcessing],
			counts[storage.JobFailed], counts[storage.JobDeadLetter]))
	}

	ui.Section("recent documents")
	rows := make([][]string, 0, len(recent))
	for _, d := range recent {
		errMsg := ""
		if d.ErrorMessage != nil {
			errMsg = truncate(*d.ErrorMessage, 40)
		}
		rows = append(rows, []string{
			d.ID.String(), truncate(d.Filename, 32), string(d.Status),
			d.SearchableStatus, fmt.Sprintf("%d", d.RetryCount), formatAge(d.UpdatedAt), errMsg,
		})
	}
	ui.Table([]string{"ID", "FILENAME", "STATUS", "SEARCHABLE", "RETRIES", "AGE", "ERROR"}, rows)

	return nil
}

func documentStatus(ctx context.Context, repos *storage.Repositories, tenant, document string) error {
	ui := NewUI()
	defer ui.Close()

	docID, err := uuid.Parse(document)
	if err != nil {
		return fmt.Errorf("invalid document id: %w", err)
	}

	doc, err := repos.Documents.GetByID(ctx, tenant, docID)
	if err != nil {
		return fmt.Errorf("get document: %w", err)
	}
	event, err := repos.Events.Latest(ctx, tenant, docID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("latest event: %w", err)
	}
	chunks, err := repos.Chunks.CountBySource(ctx, tenant, docID, false)
	if err != nil {
		return fmt.Errorf("count chunks: %w", err)
	}
	raptorNodes, err := repos.Raptor.CountBySource(ctx, tenant, docID)
	if err != nil {
		return fmt.Errorf("count raptor nodes: %w", err)
	}

	if outputJSON {
		return ui.JSON(map[string]interface{}{
			"document":     doc,
			"latest_event": event,
			"chunk_count":  chunks,
			"raptor_nodes": raptorNodes,
		})
	}

	ui.Section("document")
	ui.KeyValue("id", doc.ID)
	ui.KeyValue("filename", doc.Filename)
	ui.KeyValue("status", doc.Status)
	ui.KeyValue("searchable", doc.SearchableStatus)
	ui.KeyValue("authority", doc.AuthorityLevel)
	ui.KeyValue("retries", doc.RetryCount)
	ui.KeyValue("chunks", chunks)
	ui.KeyValue("raptor_nodes", raptorNodes)
	if doc.CollectionID != nil {
		ui.KeyValue("collection", *doc.CollectionID)
	}
	if doc.BatchID != nil {
		ui.KeyValue("batch", *doc.BatchID)
	}
	if doc.ErrorMessage != nil {
		ui.KeyValue("error", *doc.ErrorMessage)
	}
	ui.KeyValue("updated", doc.UpdatedAt.Format(time.RFC3339))

	if event != nil {
		ui.Section("latest event")
		ui.KeyValue("phase", event.Phase)
		ui.KeyValue("status", event.Status)
		ui.KeyValue("message", event.Message)
		ui.KeyValue("at", event.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// documentStatusCounts aggregates documents per ingestion status. Runs the
// same SQL against Postgres and sqlite snapshots.
func documentStatusCounts(ctx context.Context, db *sql.DB, tenant string) (map[string]int, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM source_documents WHERE tenant_id = $1 GROUP BY status`,
		tenant)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan document count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

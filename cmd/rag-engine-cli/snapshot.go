package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// snapshotTables lists the status tables a snapshot carries, with the same
// column names the repositories select so status and jobs commands can run
// unchanged against the .db file.
var snapshotTables = []struct {
	name    string
	schema  string
	columns []string
}{
	{
		name: "collections",
		schema: `CREATE TABLE collections (
			id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, key TEXT NOT NULL,
			name TEXT NOT NULL, status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL, updated_at TIMESTAMP NOT NULL)`,
		columns: []string{"id", "tenant_id", "key", "name", "status", "created_at", "updated_at"},
	},
	{
		name: "source_documents",
		schema: `CREATE TABLE source_documents (
			id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, collection_id TEXT,
			batch_id TEXT, filename TEXT NOT NULL, storage_path TEXT NOT NULL,
			storage_bucket TEXT NOT NULL, status TEXT NOT NULL,
			searchable_status TEXT NOT NULL, authority_level TEXT NOT NULL,
			metadata TEXT, retry_count INTEGER NOT NULL, error_message TEXT,
			created_at TIMESTAMP NOT NULL, updated_at TIMESTAMP NOT NULL)`,
		columns: []string{"id", "tenant_id", "collection_id", "batch_id", "filename",
			"storage_path", "storage_bucket", "status", "searchable_status",
			"authority_level", "metadata", "retry_count", "error_message",
			"created_at", "updated_at"},
	},
	{
		name: "ingestion_batches",
		schema: `CREATE TABLE ingestion_batches (
			id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, collection_id TEXT NOT NULL,
			total_files INTEGER NOT NULL, completed INTEGER NOT NULL,
			failed INTEGER NOT NULL, status TEXT NOT NULL,
			auto_seal BOOLEAN NOT NULL, stalled BOOLEAN NOT NULL, metadata TEXT,
			created_at TIMESTAMP NOT NULL, updated_at TIMESTAMP NOT NULL)`,
		columns: []string{"id", "tenant_id", "collection_id", "total_files", "completed",
			"failed", "status", "auto_seal", "stalled", "metadata",
			"created_at", "updated_at"},
	},
	{
		name: "job_queue",
		schema: `CREATE TABLE job_queue (
			id TEXT PRIMARY KEY, tenant_id TEXT, job_type TEXT NOT NULL,
			status TEXT NOT NULL, payload TEXT NOT NULL, result TEXT,
			error_message TEXT, retry_count INTEGER NOT NULL,
			source_lookup_requeues INTEGER NOT NULL, lease_holder TEXT,
			lease_expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL, updated_at TIMESTAMP NOT NULL)`,
		columns: []string{"id", "tenant_id", "job_type", "status", "payload", "result",
			"error_message", "retry_count", "source_lookup_requeues",
			"lease_holder", "lease_expires_at", "created_at", "updated_at"},
	},
}

// newSnapshotCmd creates the snapshot subcommand.
func newSnapshotCmd() *cobra.Command {
	var (
		tenant string
		output string
	)

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export status tables to a local sqlite file",
		Long: `Snapshot copies a tenant's status tables (collections, documents,
batches, job queue) from Postgres into a local sqlite file. The file can
then be handed to "status" and "jobs list" via --db for offline
diagnosis. Vector and chunk data is not exported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			src, driver, err := openAdminDB()
			if err != nil {
				return err
			}
			defer src.Close()
			if err := requireWritableDB(driver); err != nil {
				return fmt.Errorf("snapshot reads from Postgres: %w", err)
			}

			dst, err := sql.Open("sqlite3", output)
			if err != nil {
				return fmt.Errorf("create snapshot file: %w", err)
			}
			defer dst.Close()
			dst.SetMaxOpenConns(1)

			ui := NewUI()
			defer ui.Close()

			counts := map[string]int{}
			for _, table := range snapshotTables {
				n, err := copyTable(ctx, src, dst, tenant, table.name, table.schema, table.columns)
				if err != nil {
					return fmt.Errorf("snapshot %s: %w", table.name, err)
				}
				counts[table.name] = n
			}

			if outputJSON {
				return ui.JSON(map[string]interface{}{
					"tenant_id": tenant,
					"output":    output,
					"rows":      counts,
				})
			}
			for _, table := range snapshotTables {
				ui.KeyValue(table.name, counts[table.name])
			}
			ui.Success("Snapshot written to %s", output)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID (required)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "snapshot file path, e.g. tenant.db (required)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

// copyTable streams one tenant's rows from src into a freshly created table
// in dst. Values cross as driver-native types; sqlite stores uuids and json
// as text.
func copyTable(ctx context.Context, src, dst *sql.DB, tenant, name, schema string, columns []string) (int, error) {
	if _, err := dst.ExecContext(ctx, `DROP TABLE IF EXISTS `+name); err != nil {
		return 0, fmt.Errorf("drop: %w", err)
	}
	if _, err := dst.ExecContext(ctx, schema); err != nil {
		return 0, fmt.Errorf("create: %w", err)
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = `"` + c + `"`
	}
	colList := strings.Join(quoted, ", ")

	rows, err := src.QueryContext(ctx,
		`SELECT `+colList+` FROM `+name+` WHERE tenant_id = $1`, tenant)
	if err != nil {
		return 0, fmt.Errorf("select: %w", err)
	}
	defer rows.Close()

	tx, err := dst.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	insert, err := tx.PrepareContext(ctx,
		`INSERT INTO `+name+` (`+colList+`) VALUES (`+placeholders+`)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	var bar *progressbar.ProgressBar
	if !outputJSON && isTerminal() {
		bar = progressbar.Default(-1, name)
	}

	count := 0
	values := make([]interface{}, len(columns))
	scanTargets := make([]interface{}, len(columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(scanTargets...); err != nil {
			return 0, fmt.Errorf("scan: %w", err)
		}
		if _, err := insert.ExecContext(ctx, values...); err != nil {
			return 0, fmt.Errorf("insert: %w", err)
		}
		count++
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return count, tx.Commit()
}

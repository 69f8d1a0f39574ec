package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Advisory lock key for the migration critical section. Arbitrary but
// stable: concurrent deployers serialize on it.
const migrationLockKey = 7413559

// Migrator applies embedded SQL migrations against Postgres. Each file runs
// once, recorded in schema_migrations by filename.
type Migrator struct {
	db *sql.DB
}

func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// MigrationStatus reports where the schema stands relative to the embedded
// migration set.
type MigrationStatus struct {
	UpToDate bool
	Pending  []string
	Current  string
	Total    int
}

// Status compares applied versions against the embedded set.
func (m *Migrator) Status(ctx context.Context) (*MigrationStatus, error) {
	if err := m.ensureLedger(ctx); err != nil {
		return nil, err
	}

	files, err := listMigrations()
	if err != nil {
		return nil, err
	}

	status := &MigrationStatus{Pending: []string{}, Total: len(files)}
	if len(files) == 0 {
		status.UpToDate = true
		return status, nil
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return nil, err
	}
	status.Current = current

	for _, f := range files {
		if f > current {
			status.Pending = append(status.Pending, f)
		}
	}
	status.UpToDate = len(status.Pending) == 0
	return status, nil
}

// Up applies all pending migrations under an advisory lock so concurrent
// instances starting together do not race.
func (m *Migrator) Up(ctx context.Context) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	status, err := m.Status(ctx)
	if err != nil {
		return err
	}
	sort.Strings(status.Pending)

	for _, name := range status.Pending {
		if err := m.apply(ctx, conn, name); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, name string) error {
	body, err := migrationFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

func (m *Migrator) ensureLedger(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			version TEXT UNIQUE NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func (m *Migrator) currentVersion(ctx context.Context) (string, error) {
	var version string
	err := m.db.QueryRowContext(ctx,
		`SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("current version: %w", err)
	}
	return version, nil
}

func listMigrations() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

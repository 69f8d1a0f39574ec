// Package main provides the RAG Engine admin CLI.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/config"
	"github.com/meridian-ai/meridian/libs/rag-engine/internal/observability"
)

var (
	cfgFile    string
	outputJSON bool
	noColor    bool
	verbose    bool
	dbOverride string

	cfg    *config.Config
	logger *observability.Logger
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "rag-engine-cli",
	Short: "RAG Engine CLI for tenant administration and diagnostics",
	Long: `RAG Engine CLI provides commands for operating a multi-tenant RAG backend.

Use this tool to:
- Inspect tenant, collection, and document status
- List, retry, and dead-letter-inspect queue jobs
- Purge tenant or collection data with cascade deletes
- Re-enqueue ingestion or backfill enrichment in bulk
- Run retrieval queries against a live API
- Snapshot status tables into a local sqlite file

Status commands accept either a Postgres DSN or a path to a snapshot .db
file via --db. All commands support --json for automation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logFormat := "console"
		if outputJSON {
			logFormat = "json"
		}
		level := cfg.Observability.LogLevel
		if !verbose && level == "debug" {
			level = "info"
		}

		logger = observability.NewLogger(observability.LogConfig{
			Level:       level,
			Format:      logFormat,
			ServiceName: "rag-engine-cli",
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "", "database override: Postgres DSN or path to a snapshot .db file")

	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newJobsCmd())
	rootCmd.AddCommand(newPurgeCmd())
	rootCmd.AddCommand(newReindexCmd())
	rootCmd.AddCommand(newEnrichBackfillCmd())
	rootCmd.AddCommand(newQueryCmd())
	rootCmd.AddCommand(newSnapshotCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newVersionCmd creates the version subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if outputJSON {
				fmt.Printf("{\"version\":%q}\n", cliVersion)
				return
			}
			fmt.Printf("rag-engine-cli v%s\n", cliVersion)
		},
	}
}

const cliVersion = "1.0.0"

// openAdminDB opens the target database. A --db value ending in .db or
// .sqlite selects the sqlite driver so status commands can run against a
// snapshot file; anything else is treated as a Postgres DSN. Without an
// override the configured DSN is used.
func openAdminDB() (*sql.DB, string, error) {
	dsn := dbOverride
	if dsn == "" {
		dsn = cfg.Database.DSN
	}

	driver := "postgres"
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		driver = "sqlite3"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}
	if driver == "postgres" {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	} else {
		// Snapshot files are read with a single connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("ping database: %w", err)
	}
	return db, driver, nil
}

// requireWritableDB refuses commands that mutate state when pointed at a
// sqlite snapshot.
func requireWritableDB(driver string) error {
	if driver != "postgres" {
		return fmt.Errorf("this command requires a live Postgres database, not a snapshot file")
	}
	return nil
}

// confirm prompts for interactive confirmation unless yes is set.
func confirm(prompt string, yes bool) bool {
	if yes {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	var answer string
	_, _ = fmt.Scanln(&answer)
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// formatAge renders a duration since t compactly.
func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%.1fd", d.Hours()/24)
	}
}

// truncate shortens s for table cells.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

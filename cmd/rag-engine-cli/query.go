package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/meridian-ai/meridian/libs/rag-engine/pkg/engine"
)

// newQueryCmd creates the query subcommand.
func newQueryCmd() *cobra.Command {
	var (
		apiURL        string
		tenant        string
		secret        string
		mode          string
		k             int
		collection    string
		includeGlobal bool
		filters       []string
		subQueries    []string
		timeout       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Run a retrieval query against a live API",
		Long: `Query calls the RAG Engine API over HTTP. Modes:

  hybrid  single-question hybrid retrieval (default)
  multi   reciprocal-rank fusion over --sub-query branches
  explain hybrid retrieval with per-item score provenance
  chat    grounded chat completion with citations

Filters are key=value pairs, e.g. --filter source_standard="ISO 9001".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			question := args[0]
			if secret == "" {
				secret = os.Getenv("RAG_SERVICE_SECRET")
			}

			client, err := engine.NewClient(engine.ClientConfig{
				BaseURL:       apiURL,
				TenantID:      tenant,
				ServiceSecret: secret,
				Timeout:       timeout,
			})
			if err != nil {
				return err
			}

			req := engine.QueryRequest{
				Query:         question,
				K:             k,
				IncludeGlobal: includeGlobal,
			}
			if collection != "" {
				id, err := uuid.Parse(collection)
				if err != nil {
					return fmt.Errorf("invalid collection id: %w", err)
				}
				req.CollectionID = &id
			}
			if parsed, err := parseFilters(filters); err != nil {
				return err
			} else if len(parsed) > 0 {
				req.Filters = parsed
			}

			spin := startSpinner(fmt.Sprintf("Querying %s (%s)", apiURL, mode))
			defer stopSpinner(spin)

			ui := NewUI()
			defer ui.Close()

			switch mode {
			case "hybrid":
				result, err := client.Hybrid(ctx, req)
				stopSpinner(spin)
				if err != nil {
					return err
				}
				if outputJSON {
					return ui.JSON(result)
				}
				printTrace(ui, result.Trace)
				printItems(ui, result.Items)

			case "multi":
				if len(subQueries) < 2 {
					return fmt.Errorf("multi mode needs at least two --sub-query flags")
				}
				result, err := client.MultiQuery(ctx, engine.MultiQueryRequest{
					QueryRequest: req,
					SubQueries:   subQueries,
				})
				stopSpinner(spin)
				if err != nil {
					return err
				}
				if outputJSON {
					return ui.JSON(result)
				}
				for _, sq := range result.SubQueries {
					marker := color.GreenString("ok")
					if sq.Status != "ok" {
						marker = color.RedString(sq.Status)
					}
					ui.Info("branch %s [%s] %d rows in %dms: %s",
						sq.ID, marker, sq.Rows, sq.ElapsedMS, truncate(sq.Query, 60))
				}
				printItems(ui, result.Items)

			case "explain":
				result, err := client.Explain(ctx, engine.ExplainRequest{QueryRequest: req})
				stopSpinner(spin)
				if err != nil {
					return err
				}
				if outputJSON {
					return ui.JSON(result)
				}
				printTrace(ui, result.Trace)
				for i, item := range result.Items {
					printItem(ui, i, item.Item)
					fmt.Printf("     components: %s\n", string(item.ScoreComponents))
					fmt.Printf("     path:       %s\n", string(item.RetrievalPath))
				}

			case "chat":
				result, err := client.ChatComplete(ctx, engine.ChatRequest{
					Message:       question,
					K:             k,
					CollectionID:  req.CollectionID,
					IncludeGlobal: includeGlobal,
					Filters:       req.Filters,
				})
				stopSpinner(spin)
				if err != nil {
					return err
				}
				if outputJSON {
					return ui.JSON(result)
				}
				ui.Section("answer")
				fmt.Println(result.Answer)
				ui.Section("citations")
				for _, c := range result.Citations {
					ref := c.SourceStandard
					if c.ClauseID != "" {
						ref += " " + c.ClauseID
					}
					if ref == "" {
						ref = c.ChunkID
					}
					ui.Info("[%d] %s (score %.3f)", c.Index, ref, c.Score)
				}
				for _, w := range result.ScopeWarnings {
					ui.Warning("%s", w)
				}

			default:
				return fmt.Errorf("unknown mode %q (hybrid, multi, explain, chat)", mode)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "API base URL")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID (required)")
	cmd.Flags().StringVar(&secret, "secret", "", "service secret (default: RAG_SERVICE_SECRET env)")
	cmd.Flags().StringVar(&mode, "mode", "hybrid", "query mode (hybrid, multi, explain, chat)")
	cmd.Flags().IntVar(&k, "k", 10, "results to return")
	cmd.Flags().StringVar(&collection, "collection", "", "restrict to one collection ID")
	cmd.Flags().BoolVar(&includeGlobal, "include-global", false, "include the global corpus")
	cmd.Flags().StringSliceVar(&filters, "filter", nil, "scope filter as key=value (repeatable)")
	cmd.Flags().StringSliceVar(&subQueries, "sub-query", nil, "sub-query for multi mode (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "request timeout")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func parseFilters(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q, want key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

func startSpinner(suffix string) *spinner.Spinner {
	if outputJSON || !isTerminal() {
		return nil
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + suffix
	s.Start()
	return s
}

func stopSpinner(s *spinner.Spinner) {
	if s != nil && s.Active() {
		s.Stop()
	}
}

func printTrace(ui *UI, trace engine.Trace) {
	ui.Section("trace")
	ui.KeyValue("engine_mode", trace.EngineMode)
	ui.KeyValue("score_space", trace.ScoreSpace)
	ui.KeyValue("planner_used", trace.PlannerUsed)
	ui.KeyValue("fallback_used", trace.FallbackUsed)
	ui.KeyValue("cache_hit", trace.CacheHit)
	if len(trace.FiltersApplied) > 0 {
		ui.KeyValue("filters", strings.Join(trace.FiltersApplied, ", "))
	}
	if trace.ScopePenalizedCount > 0 {
		ui.KeyValue("scope_penalized", fmt.Sprintf("%d (%.0f%%)",
			trace.ScopePenalizedCount, trace.ScopePenalizedRatio*100))
	}
	for _, w := range trace.Warnings {
		ui.Warning("%s", w)
	}
}

func printItems(ui *UI, items []engine.Item) {
	ui.Section("results")
	for i, item := range items {
		printItem(ui, i, item)
	}
}

func printItem(ui *UI, i int, item engine.Item) {
	ref := item.SourceStandard
	if item.ClauseID != "" {
		ref += " " + item.ClauseID
	}
	if ref == "" {
		ref = item.SourceLayer
	}
	score := fmt.Sprintf("%.3f", item.Score)
	if noColor {
		fmt.Printf("%2d. [%s] %s\n", i+1, score, ref)
	} else {
		fmt.Printf("%2d. [%s] %s\n", i+1, color.GreenString(score), color.CyanString(ref))
	}
	flags := []string{}
	if item.ScopePenalized {
		flags = append(flags, "scope-penalized")
	}
	if item.IsGlobal {
		flags = append(flags, "global")
	}
	if len(flags) > 0 {
		fmt.Printf("     (%s)\n", strings.Join(flags, ", "))
	}
	fmt.Printf("     %s\n", truncate(strings.ReplaceAll(item.Content, "\n", " "), 160))
}

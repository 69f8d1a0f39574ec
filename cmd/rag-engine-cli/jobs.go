package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/meridian-ai/meridian/libs/rag-engine/internal/storage"
)

// newJobsCmd creates the jobs subcommand tree.
func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List, inspect, and retry queue jobs",
		Long: `Jobs operates on the durable work queue. Use "jobs list" to page
the queue, "jobs show" to inspect a single row including its payload and
error, and "jobs retry" to requeue a failed or dead-lettered job.`,
	}
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsShowCmd())
	cmd.AddCommand(newJobsRetryCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var (
		tenant  string
		status  string
		jobType string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue jobs newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			db, _, err := openAdminDB()
			if err != nil {
				return err
			}
			defer db.Close()

			jobs, err := storage.NewJobRepository(db).List(ctx, tenant,
				storage.JobStatus(status), storage.JobType(jobType), limit)
			if err != nil {
				return err
			}

			ui := NewUI()
			defer ui.Close()
			if outputJSON {
				return ui.JSON(map[string]interface{}{"jobs": jobs})
			}

			if len(jobs) == 0 {
				ui.Info("No jobs matched")
				return nil
			}
			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				tenantCell := ""
				if j.TenantID != nil {
					tenantCell = *j.TenantID
				}
				errCell := ""
				if j.ErrorMessage != nil {
					errCell = truncate(*j.ErrorMessage, 44)
				}
				rows = append(rows, []string{
					j.ID.String(), tenantCell, string(j.JobType), string(j.Status),
					fmt.Sprintf("%d", j.RetryCount), formatAge(j.UpdatedAt), errCell,
				})
			}
			ui.Table([]string{"ID", "TENANT", "TYPE", "STATUS", "RETRIES", "AGE", "ERROR"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "filter by tenant ID")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, processing, completed, failed, dead_letter)")
	cmd.Flags().StringVar(&jobType, "type", "", "filter by job type (ingest_document, enrich_document, community_rebuild)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max jobs to list")

	return cmd
}

func newJobsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job including payload, result, and error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}

			db, _, err := openAdminDB()
			if err != nil {
				return err
			}
			defer db.Close()
			jobsRepo := storage.NewJobRepository(db)

			job, err := jobsRepo.GetByID(ctx, jobID)
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}
			position := -1
			if job.Status == storage.JobPending {
				if p, err := jobsRepo.QueuePosition(ctx, jobID); err == nil {
					position = p
				}
			}

			ui := NewUI()
			defer ui.Close()
			if outputJSON {
				return ui.JSON(map[string]interface{}{"job": job, "position": position})
			}

			ui.Section("job")
			ui.KeyValue("id", job.ID)
			if job.TenantID != nil {
				ui.KeyValue("tenant", *job.TenantID)
			}
			ui.KeyValue("type", job.JobType)
			ui.KeyValue("status", job.Status)
			ui.KeyValue("retries", job.RetryCount)
			ui.KeyValue("source_lookup_requeues", job.SourceLookupRequeues)
			if position >= 0 {
				ui.KeyValue("queue_position", position)
			}
			if job.LeaseHolder != nil {
				ui.KeyValue("lease_holder", *job.LeaseHolder)
			}
			if job.LeaseExpiresAt != nil {
				ui.KeyValue("lease_expires", job.LeaseExpiresAt.Format(time.RFC3339))
			}
			if job.ErrorMessage != nil {
				ui.KeyValue("error", *job.ErrorMessage)
			}
			ui.KeyValue("created", job.CreatedAt.Format(time.RFC3339))
			ui.KeyValue("updated", job.UpdatedAt.Format(time.RFC3339))

			ui.Section("payload")
			fmt.Println(string(job.Payload))
			if len(job.Result) > 0 {
				ui.Section("result")
				fmt.Println(string(job.Result))
			}
			return nil
		},
	}
	return cmd
}

func newJobsRetryCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue a failed or dead-lettered job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}

			db, driver, err := openAdminDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := requireWritableDB(driver); err != nil {
				return err
			}
			jobsRepo := storage.NewJobRepository(db)

			job, err := jobsRepo.GetByID(ctx, jobID)
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}

			ui := NewUI()
			defer ui.Close()
			if job.Status != storage.JobFailed && job.Status != storage.JobDeadLetter {
				return fmt.Errorf("job is %s; only failed or dead_letter jobs can be retried", job.Status)
			}
			if !confirm(fmt.Sprintf("Requeue %s job %s?", job.Status, jobID), yes) {
				ui.Info("Aborted")
				return nil
			}

			if err := jobsRepo.Requeue(ctx, jobID); err != nil {
				return err
			}
			if outputJSON {
				return ui.JSON(map[string]interface{}{"job_id": jobID, "status": "pending"})
			}
			ui.Success("Job %s requeued", jobID)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/sercha-rag/internal/app"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

var (
	purgeOlderThan time.Duration
	clearConfirmed bool
	listStatus     string
	listLimit      int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the job queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	Args:  cobra.NoArgs,
	RunE:  runQueueStats,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove finished jobs",
	Long: `Remove succeeded and failed jobs that finished longer ago than
--older-than. Running and queued jobs are kept. Indexed content is not
affected.`,
	Args: cobra.NoArgs,
	RunE: runQueuePurge,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every job, including running ones",
	Long: `Drop every job from the queue, including jobs workers are running
right now. Indexed content is not affected. Requires --yes.`,
	Args: cobra.NoArgs,
	RunE: runQueueClear,
}

func init() {
	queuePurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "age of finished jobs to remove (default PURGE_AFTER)")
	queueClearCmd.Flags().BoolVarP(&clearConfirmed, "yes", "y", false, "confirm dropping all jobs")
	queueListCmd.Flags().StringVarP(&listStatus, "status", "s", "", "filter by status (queued, running, succeeded, failed)")
	queueListCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "max jobs to show")

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queuePurgeCmd)
	queueCmd.AddCommand(queueClearCmd)
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, app.QueueOnly())
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.Ingestion.Stats(ctx)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Queued:    %d\n", stats.QueuedCount)
	fmt.Fprintf(out, "Running:   %d\n", stats.RunningCount)
	fmt.Fprintf(out, "Succeeded: %d\n", stats.SucceededCount)
	fmt.Fprintf(out, "Failed:    %d\n", stats.FailedCount)
	if stats.OldestQueuedAge > 0 {
		fmt.Fprintf(out, "Oldest queued: %s\n", stats.OldestQueuedAge.Round(time.Second))
	}
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, app.QueueOnly())
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.Ingestion.ListJobs(ctx, domain.JobFilter{
		Status: domain.JobStatus(listStatus),
		Limit:  listLimit,
	})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}

	fmt.Fprintf(out, "%-36s  %-10s  %-8s  %-20s  %s\n", "ID", "STATUS", "ATTEMPTS", "CREATED", "FILE")
	for _, job := range jobs {
		fmt.Fprintf(out, "%-36s  %-10s  %d/%-6d  %-20s  %s\n",
			job.ID, job.Status, job.Attempts, job.MaxAttempts,
			job.CreatedAt.Format(time.DateTime), job.DisplayName)
	}
	return nil
}

func runQueuePurge(cmd *cobra.Command, args []string) error {
	if purgeOlderThan < 0 {
		return fmt.Errorf("%w: --older-than must not be negative", domain.ErrInvalidInput)
	}
	if purgeOlderThan > 0 {
		cfg.Maintenance.PurgeAfter = purgeOlderThan
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, app.QueueOnly())
	if err != nil {
		return err
	}
	defer a.Close()

	n := a.Scheduler.PurgeNow(ctx)
	if n < 0 {
		return errors.New("purge skipped: the purge lock is held by another instance or unavailable")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d finished job(s) older than %s\n", n, cfg.Maintenance.PurgeAfter)
	return nil
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	if !clearConfirmed {
		return fmt.Errorf("%w: refusing to drop all jobs without --yes", domain.ErrInvalidInput)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, app.QueueOnly())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Queue.Obliterate(ctx); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Queue cleared")
	return nil
}

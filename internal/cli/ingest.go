package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/sercha-rag/internal/app"
	"github.com/custodia-labs/sercha-rag/internal/config"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/uploads"
)

var (
	ingestWait    bool
	ingestTimeout time.Duration
)

// ingestPollInterval is how often --wait checks the job
const ingestPollInterval = 500 * time.Millisecond

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Queue a document for indexing",
	Long: `Copy a document into the upload directory and queue it for indexing,
exactly as an HTTP upload would. A worker must be running to process it.

Examples:
  sercha-rag ingest report.pdf
  sercha-rag ingest notes.txt --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().BoolVarP(&ingestWait, "wait", "w", false, "wait until the job succeeds or fails")
	ingestCmd.Flags().DurationVar(&ingestTimeout, "timeout", 10*time.Minute, "how long --wait waits")
}

func runIngest(cmd *cobra.Command, args []string) error {
	if cfg.Queue.Backend == config.BackendMemory {
		return fmt.Errorf("%w: ingest needs a shared queue (QUEUE_BACKEND=redis or postgres); "+
			"a memory queue lives only inside this process and no worker would ever see the job", domain.ErrInvalidInput)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, app.QueueOnly())
	if err != nil {
		return err
	}
	defer a.Close()

	payload, err := uploads.StoreFile(cfg.Server.UploadDir, args[0])
	if err != nil {
		return fmt.Errorf("store %s: %w", args[0], err)
	}

	job, err := a.Ingestion.Submit(ctx, payload)
	if err != nil {
		_ = os.Remove(payload.Path)
		return fmt.Errorf("queue %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Queued job %s for %s\n", job.ID, payload.OriginalName)
	if !ingestWait {
		return nil
	}

	job, err = waitForJob(ctx, a, job.ID, ingestTimeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Job %s %s after %d attempt(s)\n", job.ID, job.Status, job.Attempts)
	if job.Status == domain.JobStatusFailed {
		return fmt.Errorf("job failed: %s", job.LastError)
	}
	return nil
}

func waitForJob(ctx context.Context, a *app.App, id string, timeout time.Duration) (*domain.IngestionJob, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ingestPollInterval)
	defer ticker.Stop()

	for {
		job, err := a.Ingestion.GetJob(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get job: %w", err)
		}
		if job.IsTerminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("job %s still %s: %w", id, job.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

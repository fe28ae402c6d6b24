package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/sercha-rag/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the worker pool",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run only the HTTP API",
	Long: `Run only the HTTP API. Uploads are queued for workers running
elsewhere against the same queue backend.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, "api", (*app.App).RunAPI)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the worker pool and the purge scheduler",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, "worker", (*app.App).RunWorker)
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	return run(cmd, "all", (*app.App).Serve)
}

// run builds the app and blocks in fn until a shutdown signal.
func run(cmd *cobra.Command, mode string, fn func(*app.App, context.Context) error) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("sercha-rag starting", "version", Version, "mode", mode)
	if err := fn(a, ctx); err != nil {
		return err
	}
	logger.Info("sercha-rag stopped")
	return nil
}

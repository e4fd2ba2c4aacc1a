package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and the worker in one process",
	Long: `Run the HTTP server and the queue consumer together. In this mode
dispatch and pipeline events reach SSE subscribers of the same process
directly, which is the intended single-node deployment.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := buildApplication()
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.server.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		return app.server.Shutdown(context.Background())
	})

	runWorkerLoops(ctx, g, app)

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Service error")
		return err
	}

	log.Info().Msg("Service shut down gracefully")
	return nil
}

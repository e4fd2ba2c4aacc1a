package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the queue consumer processing ingestion, approval and dispatch messages`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	app, err := buildApplication()
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	runWorkerLoops(ctx, g, app)

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

// runWorkerLoops starts the queue processor and the redispatch fallback
// job on the group.
func runWorkerLoops(ctx context.Context, g *errgroup.Group, app *application) {
	g.Go(func() error {
		log.Info().Str("queue", app.cfg.Azure.QueueName).Msg("Starting Service Bus processor")
		return app.bus.ProcessMessages(ctx, app.pipeline.HandleMessage)
	})

	g.Go(func() error {
		log.Info().
			Dur("interval", app.cfg.Dispatch.RedispatchInterval).
			Msg("Starting redispatch fallback job")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(app.cfg.Dispatch.RedispatchInterval),
			gocron.NewTask(func() {
				if err := app.pipeline.RequeueStaleOrders(ctx, app.cfg.Dispatch.RedispatchAfter); err != nil {
					log.Error().Err(err).Msg("Failed to requeue stale orders")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		<-ctx.Done()

		return scheduler.Shutdown()
	})
}

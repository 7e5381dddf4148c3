package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/production/config"
	"example.com/backstage/services/production/internal/cache"
	"example.com/backstage/services/production/internal/messaging"
	"example.com/backstage/services/production/internal/metrics"
	"example.com/backstage/services/production/internal/repositories"
	"example.com/backstage/services/production/internal/search"
	"example.com/backstage/services/production/internal/services"
	"example.com/backstage/services/production/internal/tracing"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that reconciles operation chain quantities and reports stale editing locks`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	// Initialize database connections
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Seed and load the operation chain
	chain, err := loadChain(ctx, cfg, db, readOnlyDB)
	if err != nil {
		return err
	}

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without audit search")
	}

	// Initialize the workflow event publisher
	publisher, err := messaging.NewPublisher(cfg.Azure)
	if err != nil {
		return err
	}
	defer publisher.Close()

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize services
	productionService := services.NewProductionService(
		db, readOnlyDB, chain, redisCache, elasticClient, publisher, metricsCollector, tracer)

	orderRepo := repositories.NewOrderRepository(db, readOnlyDB)

	// Start the reconciliation cron job. The cascade is idempotent, so
	// re-running it over in-progress orders repairs any drift left behind
	// by interrupted writes.
	g.Go(func() error {
		log.Info().Dur("interval", cfg.Worker.ReconcileInterval).Msg("Starting quantity reconciliation job")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Worker.ReconcileInterval),
			gocron.NewTask(func() {
				orders, err := orderRepo.ListInProgress(ctx, cfg.Worker.ReconcileBatchSize)
				if err != nil {
					log.Error().Err(err).Msg("Failed to list in-progress orders for reconciliation")
					return
				}
				for _, order := range orders {
					if err := productionService.Recompute(ctx, order.ID); err != nil {
						log.Error().Err(err).
							Str("order_id", order.ID.String()).
							Msg("Failed to reconcile order quantities")
					}
				}
				log.Info().Int("orders", len(orders)).Msg("Quantity reconciliation pass finished")
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()
		<-ctx.Done()
		return scheduler.Shutdown()
	})

	// Start the stale lock reporter. Locks have no TTL, so the worker only
	// surfaces long-held ones; releasing stays a human decision.
	g.Go(func() error {
		log.Info().Dur("max_age", cfg.Worker.StaleLockAge).Msg("Starting stale lock reporter")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(time.Hour),
			gocron.NewTask(func() {
				cutoff := time.Now().Add(-cfg.Worker.StaleLockAge)
				orders, err := orderRepo.ListLockedSince(ctx, cutoff)
				if err != nil {
					log.Error().Err(err).Msg("Failed to list stale locks")
					return
				}
				for _, order := range orders {
					log.Warn().
						Str("order_id", order.ID.String()).
						Str("order_number", order.OrderNumber).
						Str("locked_by", stringOrEmpty(order.LockedBy)).
						Time("locked_at", timeOrZero(order.LockedAt)).
						Msg("Editing lock held past the stale threshold")
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

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/production/config"
	"example.com/backstage/services/production/internal/api"
	"example.com/backstage/services/production/internal/cache"
	"example.com/backstage/services/production/internal/messaging"
	"example.com/backstage/services/production/internal/metrics"
	"example.com/backstage/services/production/internal/search"
	"example.com/backstage/services/production/internal/services"
	"example.com/backstage/services/production/internal/tracing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server for production order tracking`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
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

	// Initialize and start the server
	server := api.NewServer(cfg, productionService, metricsCollector, tracer)

	// Start the server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	// Shutdown the server
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

package cmd

import (
	"context"
	"time"

	"example.com/backstage/services/production/config"
	"example.com/backstage/services/production/internal/catalog"
	"example.com/backstage/services/production/internal/models"
	"example.com/backstage/services/production/internal/repositories"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var rootCmd = &cobra.Command{
	Use:   "production",
	Short: "Production order tracking service",
	Long:  `Tracks production orders through their operation chain: lifecycle, defects, quantity cascade and the edit-request workflow`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	// Initialize write database
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	// Initialize read-only database
	readOnlyDB, err := gorm.Open(postgres.Open(cfg.DB.ReadOnlyDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	// Auto-migrate only the write database
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	// Configure connection pools for both databases
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying write DB connection")
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	readSqlDB, err := readOnlyDB.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying read-only DB connection")
	}
	readSqlDB.SetMaxIdleConns(20)
	readSqlDB.SetMaxOpenConns(100)
	readSqlDB.SetConnMaxLifetime(time.Hour)

	return db, readOnlyDB, nil
}

// loadChain seeds the step definitions on first boot and builds the
// immutable chain every service call validates against.
func loadChain(ctx context.Context, cfg config.Config, db, readOnlyDB *gorm.DB) (catalog.Chain, error) {
	repo := repositories.NewStepDefinitionRepository(db, readOnlyDB)

	defs := make([]models.StepDefinition, 0, len(cfg.Catalog.Steps))
	for i, code := range cfg.Catalog.Steps {
		defs = append(defs, models.StepDefinition{
			ID:       uuid.New(),
			Code:     code,
			Sequence: i,
			Name:     code,
		})
	}
	if err := repo.Seed(ctx, defs); err != nil {
		return catalog.Chain{}, err
	}

	stored, err := repo.ListOrdered(ctx)
	if err != nil {
		return catalog.Chain{}, err
	}
	return catalog.FromDefinitions(stored)
}

package services

import (
	"context"
	"path/filepath"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"example.com/backstage/services/production/config"
	"example.com/backstage/services/production/internal/catalog"
	"example.com/backstage/services/production/internal/messaging"
	"example.com/backstage/services/production/internal/metrics"
	"example.com/backstage/services/production/internal/models"
	"example.com/backstage/services/production/internal/tracing"
)

var (
	operator = Actor{ID: "op-1", Name: "Pat Operator", Role: RoleOperator}
	admin    = Actor{ID: "adm-1", Name: "Sam Admin", Role: RoleAdmin}
)

// newTestService builds a service over an on-disk sqlite database with a
// three-step chain. No cache, no search: those stay nil and every code
// path must tolerate that.
func newTestService(t *testing.T) *ProductionService {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "production.sqlite")
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	require.NoError(t, models.SetupModels(db))

	chain, err := catalog.NewChain([]catalog.Step{
		{Code: "CUTTING", Sequence: 0, Name: "Cutting"},
		{Code: "ASSEMBLY", Sequence: 1, Name: "Assembly"},
		{Code: "INSPECTION", Sequence: 2, Name: "Inspection"},
	})
	require.NoError(t, err)

	tracer, err := tracing.NewTracer(config.TracingConfig{})
	require.NoError(t, err)

	return NewProductionService(
		db, db, chain, nil, nil,
		messaging.NewLogPublisher(), metrics.NewMetrics(), tracer)
}

// newDefectType inserts a catalog entry directly into the database.
func newDefectType(t *testing.T, svc *ProductionService, stepCode string, reworkable bool) *models.DefectType {
	t.Helper()

	dt := &models.DefectType{
		ID:         uuid.New(),
		Name:       "Scratch on " + stepCode,
		Category:   "SURFACE",
		StepCode:   stepCode,
		Reworkable: reworkable,
		Machine:    "M-01",
		Active:     true,
	}
	require.NoError(t, svc.db.Create(dt).Error)
	return dt
}

// orderWithChain creates an order and returns it with its ordered operations.
func orderWithChain(t *testing.T, svc *ProductionService, orderNumber string, quantity int) *models.ProductionOrder {
	t.Helper()

	order, err := svc.CreateOrder(context.Background(), orderNumber, quantity)
	require.NoError(t, err)
	require.Len(t, order.Operations, 3)
	return order
}

// runChainThrough starts and ends operations up to and including the given
// step index.
func runChainThrough(t *testing.T, svc *ProductionService, order *models.ProductionOrder, through int) *models.ProductionOrder {
	t.Helper()

	ctx := context.Background()
	for i := 0; i <= through; i++ {
		_, err := svc.StartOperation(ctx, operator, order.Operations[i].ID)
		require.NoError(t, err)
		_, err = svc.EndOperation(ctx, operator, order.Operations[i].ID, 1.0)
		require.NoError(t, err)
	}

	reloaded, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	return reloaded
}

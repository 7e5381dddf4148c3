package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/production/internal/cache"
	"example.com/backstage/services/production/internal/catalog"
	"example.com/backstage/services/production/internal/messaging"
	"example.com/backstage/services/production/internal/metrics"
	"example.com/backstage/services/production/internal/models"
	"example.com/backstage/services/production/internal/repositories"
	"example.com/backstage/services/production/internal/search"
	"example.com/backstage/services/production/internal/tracing"
)

// ProductionService owns the operation chain of a production order: the
// lifecycle transitions, the defect bookkeeping, the quantity cascade, the
// editing lock and the edit-request workflow. Every quantity-changing
// mutation runs the cascade inside the same database transaction.
type ProductionService struct {
	db             *gorm.DB // Write database
	readOnlyDB     *gorm.DB // Read-only database
	chain          catalog.Chain
	orderRepo      *repositories.OrderRepository
	opRepo         *repositories.OperationRepository
	defectTypeRepo *repositories.DefectTypeRepository
	editReqRepo    *repositories.EditRequestRepository
	cache          *cache.RedisCache
	elasticClient  *search.ElasticClient
	publisher      messaging.Publisher
	metrics        *metrics.Metrics
	tracer         tracing.Tracer
}

// NewProductionService creates a new production service
func NewProductionService(
	db *gorm.DB,
	readOnlyDB *gorm.DB,
	chain catalog.Chain,
	redisCache *cache.RedisCache,
	elasticClient *search.ElasticClient,
	publisher messaging.Publisher,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *ProductionService {
	return &ProductionService{
		db:             db,
		readOnlyDB:     readOnlyDB,
		chain:          chain,
		orderRepo:      repositories.NewOrderRepository(db, readOnlyDB),
		opRepo:         repositories.NewOperationRepository(db, readOnlyDB),
		defectTypeRepo: repositories.NewDefectTypeRepository(db, readOnlyDB),
		editReqRepo:    repositories.NewEditRequestRepository(db, readOnlyDB),
		cache:          redisCache,
		elasticClient:  elasticClient,
		publisher:      publisher,
		metrics:        metricsCollector,
		tracer:         tracer,
	}
}

// CreateOrder creates a production order together with one operation per
// chain step, then runs the cascade once so the first step's input matches
// the ordered quantity.
func (s *ProductionService) CreateOrder(ctx context.Context, orderNumber string, totalQuantity int) (*models.ProductionOrder, error) {
	txn := s.tracer.StartTransaction("create-production-order")
	defer s.tracer.EndTransaction(txn)

	if orderNumber == "" {
		return nil, validationErrorf("order number must not be empty")
	}
	if totalQuantity <= 0 {
		return nil, validationErrorf("total quantity must be positive, got %d", totalQuantity)
	}

	order := &models.ProductionOrder{
		ID:            uuid.New(),
		OrderNumber:   orderNumber,
		TotalQuantity: totalQuantity,
		Status:        models.OrderStatusCreated,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return errors.Wrap(err, "failed to create production order")
		}

		ops := make([]models.Operation, 0, s.chain.Len())
		for _, step := range s.chain.Steps() {
			ops = append(ops, models.Operation{
				ID:                uuid.New(),
				ProductionOrderID: order.ID,
				StepCode:          step.Code,
				StepSequence:      step.Sequence,
				ResourceFactor:    1,
			})
		}
		if err := tx.Create(&ops).Error; err != nil {
			return errors.Wrap(err, "failed to create chain operations")
		}

		return s.recomputeTx(ctx, tx, order.ID, 0)
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	log.Info().
		Str("order_id", order.ID.String()).
		Str("order_number", order.OrderNumber).
		Int("total_quantity", order.TotalQuantity).
		Int("steps", s.chain.Len()).
		Msg("Production order created")
	s.metrics.IncrementCounter(metrics.OrdersCreated)

	return s.orderRepo.GetByID(ctx, order.ID)
}

// GetOrder returns an order with its full operation chain, served from the
// cache when warm.
func (s *ProductionService) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.ProductionOrder, error) {
	if s.cache != nil {
		var cached models.ProductionOrder
		if err := s.cache.Get(ctx, cache.OrderCacheKey(orderID), &cached); err == nil {
			return &cached, nil
		}
	}

	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cache.OrderCacheKey(orderID), order, time.Minute); err != nil {
			log.Debug().Err(err).Msg("Failed to cache order snapshot")
		}
	}
	return order, nil
}

// GetOrderByNumber returns an order by its human-facing order number.
func (s *ProductionService) GetOrderByNumber(ctx context.Context, orderNumber string) (*models.ProductionOrder, error) {
	return s.orderRepo.GetByOrderNumber(ctx, orderNumber)
}

// StartOperation moves an operation from NotStarted to InProgress. Legal
// only for the first step or when the immediately preceding step has been
// completed. Starting is deliberately not idempotent: a second start is an
// error.
func (s *ProductionService) StartOperation(ctx context.Context, actor Actor, operationID uuid.UUID) (*models.Operation, error) {
	txn := s.tracer.StartTransaction("start-operation")
	defer s.tracer.EndTransaction(txn)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var op models.Operation
		if err := tx.First(&op, "id = ?", operationID).Error; err != nil {
			return errors.Wrap(err, "failed to load operation")
		}
		if op.Started() {
			return orderViolationErrorf("operation %s already started", op.StepCode)
		}

		var order models.ProductionOrder
		if err := tx.First(&order, "id = ?", op.ProductionOrderID).Error; err != nil {
			return errors.Wrap(err, "failed to load production order")
		}

		input := order.TotalQuantity
		if op.StepSequence > 0 {
			var prev models.Operation
			err := tx.Where("production_order_id = ? AND step_sequence = ?", op.ProductionOrderID, op.StepSequence-1).
				First(&prev).Error
			if err != nil {
				return errors.Wrap(err, "failed to load preceding operation")
			}
			if !prev.Completed() {
				return orderViolationErrorf("step %s cannot start before %s is completed", op.StepCode, prev.StepCode)
			}
			if prev.OutputQuantity == nil {
				return errors.Errorf("completed step %s has no output quantity", prev.StepCode)
			}
			input = *prev.OutputQuantity
		}

		now := time.Now()
		updates := map[string]interface{}{
			"operator_id":    actor.ID,
			"started_at":     now,
			"input_quantity": input,
		}
		if err := tx.Model(&op).Updates(updates).Error; err != nil {
			return errors.Wrap(err, "failed to start operation")
		}

		orderUpdates := map[string]interface{}{
			"status":            models.OrderStatusInProgress,
			"current_step_code": op.StepCode,
		}
		if err := tx.Model(&order).Updates(orderUpdates).Error; err != nil {
			return errors.Wrap(err, "failed to update order status")
		}

		return s.recomputeTx(ctx, tx, op.ProductionOrderID, op.StepSequence)
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	s.invalidateOrderCache(ctx, operationID)
	log.Info().
		Str("operation_id", operationID.String()).
		Str("operator_id", actor.ID).
		Msg("Operation started")

	return s.opRepo.GetByID(ctx, operationID)
}

// EndOperation moves an operation from InProgress to Completed, derives
// production hours and man-hours, runs the cascade and, for the final
// step, completes the order.
func (s *ProductionService) EndOperation(ctx context.Context, actor Actor, operationID uuid.UUID, resourceFactor float64) (*models.Operation, error) {
	txn := s.tracer.StartTransaction("end-operation")
	defer s.tracer.EndTransaction(txn)

	if resourceFactor <= 0 {
		return nil, validationErrorf("resource factor must be positive, got %v", resourceFactor)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var op models.Operation
		if err := tx.First(&op, "id = ?", operationID).Error; err != nil {
			return errors.Wrap(err, "failed to load operation")
		}
		if !op.InProgress() {
			if op.Completed() {
				return orderViolationErrorf("operation %s already completed", op.StepCode)
			}
			return orderViolationErrorf("operation %s has not been started", op.StepCode)
		}

		now := time.Now()
		productionHours := now.Sub(*op.StartedAt).Hours()
		updates := map[string]interface{}{
			"ended_at":         now,
			"resource_factor":  resourceFactor,
			"production_hours": productionHours,
			"man_hours":        productionHours * resourceFactor,
		}
		if err := tx.Model(&op).Updates(updates).Error; err != nil {
			return errors.Wrap(err, "failed to end operation")
		}

		if err := s.recomputeTx(ctx, tx, op.ProductionOrderID, op.StepSequence); err != nil {
			return err
		}

		// The order is completed exactly when the final step has ended.
		if s.chain.IsLast(op.StepSequence) {
			err := tx.Model(&models.ProductionOrder{}).
				Where("id = ?", op.ProductionOrderID).
				Update("status", models.OrderStatusCompleted).Error
			if err != nil {
				return errors.Wrap(err, "failed to complete production order")
			}
		}
		return nil
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	s.invalidateOrderCache(ctx, operationID)
	log.Info().
		Str("operation_id", operationID.String()).
		Float64("resource_factor", resourceFactor).
		Msg("Operation ended")

	return s.opRepo.GetByID(ctx, operationID)
}

// UpdateTotalQuantity changes the ordered quantity and recomputes the whole
// chain. Decreasing the quantity below what downstream steps already
// consumed clamps outputs at zero; the cascade logs a warning when that
// happens.
func (s *ProductionService) UpdateTotalQuantity(ctx context.Context, actor Actor, orderID uuid.UUID, totalQuantity int) (*models.ProductionOrder, error) {
	txn := s.tracer.StartTransaction("update-total-quantity")
	defer s.tracer.EndTransaction(txn)

	if totalQuantity <= 0 {
		return nil, validationErrorf("total quantity must be positive, got %d", totalQuantity)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.ProductionOrder{}).
			Where("id = ?", orderID).
			Update("total_quantity", totalQuantity)
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to update total quantity")
		}
		if result.RowsAffected == 0 {
			return errors.Wrap(gorm.ErrRecordNotFound, "failed to update total quantity")
		}
		return s.recomputeTx(ctx, tx, orderID, 0)
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	s.invalidateOrderCacheByID(ctx, orderID)
	log.Info().
		Str("order_id", orderID.String()).
		Int("total_quantity", totalQuantity).
		Msg("Order quantity updated")

	return s.orderRepo.GetByID(ctx, orderID)
}

// Recompute re-runs the cascade for an order in its own transaction. The
// walk is a pure function of persisted state, so calling this at any time
// is safe; the reconciliation worker relies on that.
func (s *ProductionService) Recompute(ctx context.Context, orderID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.recomputeTx(ctx, tx, orderID, -1)
	})
}

// invalidateOrderCache drops the cached order snapshot for the order owning
// the given operation. Cache misses are harmless, so failures only log.
func (s *ProductionService) invalidateOrderCache(ctx context.Context, operationID uuid.UUID) {
	if s.cache == nil {
		return
	}
	op, err := s.opRepo.GetByID(ctx, operationID)
	if err != nil {
		return
	}
	s.invalidateOrderCacheByID(ctx, op.ProductionOrderID)
}

func (s *ProductionService) invalidateOrderCacheByID(ctx context.Context, orderID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.OrderCacheKey(orderID)); err != nil {
		log.Debug().Err(err).Msg("Failed to invalidate order cache")
	}
}

package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/backstage/services/production/internal/models"
)

// StepDefinitionRepository provides access to the step definition chain
type StepDefinitionRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewStepDefinitionRepository creates a new step definition repository
func NewStepDefinitionRepository(db *gorm.DB, readOnlyDB *gorm.DB) *StepDefinitionRepository {
	return &StepDefinitionRepository{db: db, readOnlyDB: readOnlyDB}
}

// ListOrdered returns all step definitions ordered by sequence
func (r *StepDefinitionRepository) ListOrdered(ctx context.Context) ([]models.StepDefinition, error) {
	var defs []models.StepDefinition
	err := r.readOnlyDB.WithContext(ctx).Order("sequence asc").Find(&defs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list step definitions")
	}
	return defs, nil
}

// Seed inserts the given definitions if the table is empty. Used on first
// boot so the chain can be declared in configuration.
func (r *StepDefinitionRepository) Seed(ctx context.Context, defs []models.StepDefinition) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.StepDefinition{}).Count(&count).Error; err != nil {
		return errors.Wrap(err, "failed to count step definitions")
	}
	if count > 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&defs).Error; err != nil {
		return errors.Wrap(err, "failed to seed step definitions")
	}
	return nil
}

// OrderRepository provides access to production order data
type OrderRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *gorm.DB, readOnlyDB *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db, readOnlyDB: readOnlyDB}
}

// GetByID gets a production order with its operations and their defects
func (r *OrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ProductionOrder, error) {
	var order models.ProductionOrder
	err := r.readOnlyDB.WithContext(ctx).
		Preload("Operations", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_sequence asc")
		}).
		Preload("Operations.Defects").
		First(&order, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get production order")
	}
	return &order, nil
}

// GetByOrderNumber gets a production order by its unique order number
func (r *OrderRepository) GetByOrderNumber(ctx context.Context, number string) (*models.ProductionOrder, error) {
	var order models.ProductionOrder
	err := r.readOnlyDB.WithContext(ctx).Where("order_number = ?", number).First(&order).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get production order by number")
	}
	return &order, nil
}

// ListInProgress returns orders whose chain is still running. Used by the
// reconciliation worker.
func (r *OrderRepository) ListInProgress(ctx context.Context, limit int) ([]models.ProductionOrder, error) {
	var orders []models.ProductionOrder
	err := r.readOnlyDB.WithContext(ctx).
		Where("status = ?", models.OrderStatusInProgress).
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list in-progress orders")
	}
	return orders, nil
}

// ListLockedSince returns orders whose lock is older than the cutoff. The
// worker only reports these; locks are never expired automatically.
func (r *OrderRepository) ListLockedSince(ctx context.Context, cutoff time.Time) ([]models.ProductionOrder, error) {
	var orders []models.ProductionOrder
	err := r.readOnlyDB.WithContext(ctx).
		Where("locked_by IS NOT NULL AND locked_at < ?", cutoff).
		Find(&orders).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale locks")
	}
	return orders, nil
}

// AcquireLock performs the single conditional update behind the lock
// manager: it succeeds only when the order is unlocked or already owned by
// the same user. Returns true when the lock is held after the call.
func (r *OrderRepository) AcquireLock(ctx context.Context, orderID uuid.UUID, userID, displayName string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.ProductionOrder{}).
		Where("id = ? AND (locked_by IS NULL OR locked_by = ?)", orderID, userID).
		Updates(map[string]interface{}{
			"locked_by":      userID,
			"locked_by_name": displayName,
			"locked_at":      now,
		})
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to acquire order lock")
	}
	return result.RowsAffected > 0, nil
}

// ReleaseLock clears the lock columns if the given user owns the lock.
// Returns true when a row was updated.
func (r *OrderRepository) ReleaseLock(ctx context.Context, orderID uuid.UUID, userID string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.ProductionOrder{}).
		Where("id = ? AND locked_by = ?", orderID, userID).
		Updates(map[string]interface{}{
			"locked_by":      nil,
			"locked_by_name": nil,
			"locked_at":      nil,
		})
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to release order lock")
	}
	return result.RowsAffected > 0, nil
}

// ForceReleaseLock clears the lock columns regardless of the owner.
func (r *OrderRepository) ForceReleaseLock(ctx context.Context, orderID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.ProductionOrder{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"locked_by":      nil,
			"locked_by_name": nil,
			"locked_at":      nil,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to force-release order lock")
	}
	if result.RowsAffected == 0 {
		return errors.Wrap(gorm.ErrRecordNotFound, "failed to force-release order lock")
	}
	return nil
}

// OperationRepository provides access to operation data
type OperationRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewOperationRepository creates a new operation repository
func NewOperationRepository(db *gorm.DB, readOnlyDB *gorm.DB) *OperationRepository {
	return &OperationRepository{db: db, readOnlyDB: readOnlyDB}
}

// GetByID gets an operation with its defects
func (r *OperationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Operation, error) {
	var op models.Operation
	err := r.readOnlyDB.WithContext(ctx).Preload("Defects").First(&op, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get operation")
	}
	return &op, nil
}

// ListByOrder returns all operations of an order in chain sequence with
// their defects preloaded.
func (r *OperationRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Operation, error) {
	var ops []models.Operation
	err := r.readOnlyDB.WithContext(ctx).
		Where("production_order_id = ?", orderID).
		Order("step_sequence asc").
		Preload("Defects").
		Find(&ops).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list operations for order")
	}
	return ops, nil
}

// DefectTypeRepository provides access to the defect type catalog
type DefectTypeRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewDefectTypeRepository creates a new defect type repository
func NewDefectTypeRepository(db *gorm.DB, readOnlyDB *gorm.DB) *DefectTypeRepository {
	return &DefectTypeRepository{db: db, readOnlyDB: readOnlyDB}
}

// Create inserts a new defect type
func (r *DefectTypeRepository) Create(ctx context.Context, dt *models.DefectType) error {
	if err := r.db.WithContext(ctx).Create(dt).Error; err != nil {
		return errors.Wrap(err, "failed to create defect type")
	}
	return nil
}

// GetByID gets a defect type by ID
func (r *DefectTypeRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.DefectType, error) {
	var dt models.DefectType
	err := r.readOnlyDB.WithContext(ctx).First(&dt, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get defect type")
	}
	return &dt, nil
}

// ListActive returns all active defect types
func (r *DefectTypeRepository) ListActive(ctx context.Context) ([]models.DefectType, error) {
	var types []models.DefectType
	err := r.readOnlyDB.WithContext(ctx).Where("active = ?", true).Order("name asc").Find(&types).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list defect types")
	}
	return types, nil
}

// Deactivate soft-deactivates a defect type. Historical observations keep
// their snapshot, so this never alters recorded math.
func (r *DefectTypeRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.DefectType{}).
		Where("id = ?", id).
		Update("active", false)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to deactivate defect type")
	}
	if result.RowsAffected == 0 {
		return errors.Wrap(gorm.ErrRecordNotFound, "failed to deactivate defect type")
	}
	return nil
}

// EditRequestRepository provides access to edit request data
type EditRequestRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewEditRequestRepository creates a new edit request repository
func NewEditRequestRepository(db *gorm.DB, readOnlyDB *gorm.DB) *EditRequestRepository {
	return &EditRequestRepository{db: db, readOnlyDB: readOnlyDB}
}

// GetByID gets an edit request by ID
func (r *EditRequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.EditRequest, error) {
	var req models.EditRequest
	err := r.readOnlyDB.WithContext(ctx).First(&req, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get edit request")
	}
	return &req, nil
}

// List returns edit requests filtered by status; an empty status lists all.
func (r *EditRequestRepository) List(ctx context.Context, status string, limit int) ([]models.EditRequest, error) {
	q := r.readOnlyDB.WithContext(ctx).Order("created_at desc").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var reqs []models.EditRequest
	if err := q.Find(&reqs).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list edit requests")
	}
	return reqs, nil
}

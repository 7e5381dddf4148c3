package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/production/internal/cache"
	"example.com/backstage/services/production/internal/metrics"
	"example.com/backstage/services/production/internal/models"
)

// DefectInput carries the quantities of one defect observation.
type DefectInput struct {
	DefectTypeID        uuid.UUID
	Quantity            int
	QuantityRework      int
	QuantityNogood      int
	QuantityReplacement int
}

// validate checks the quantity relationships for a defect recorded against
// a step at the given chain position.
func (in DefectInput) validate(stepSequence int) error {
	if in.Quantity < 0 || in.QuantityRework < 0 || in.QuantityNogood < 0 || in.QuantityReplacement < 0 {
		return validationErrorf("defect quantities must not be negative")
	}
	if in.QuantityRework > in.Quantity {
		return validationErrorf("rework quantity %d exceeds defect quantity %d", in.QuantityRework, in.Quantity)
	}
	if in.QuantityNogood != in.Quantity-in.QuantityRework {
		return validationErrorf("nogood quantity must equal quantity minus rework: %d != %d - %d",
			in.QuantityNogood, in.Quantity, in.QuantityRework)
	}
	if in.QuantityReplacement > in.Quantity {
		return validationErrorf("replacement quantity %d exceeds defect quantity %d", in.QuantityReplacement, in.Quantity)
	}
	if in.QuantityReplacement > 0 && stepSequence != 0 {
		return validationErrorf("replacement is only allowed on the first chain step")
	}
	return nil
}

// RecordDefect records or re-records a defect observation against an
// operation and cascades the quantity change through the chain, all in one
// transaction. Once the operation is completed, only privileged actors may
// record directly; everyone else goes through the edit-request workflow.
func (s *ProductionService) RecordDefect(ctx context.Context, actor Actor, operationID uuid.UUID, in DefectInput) (*models.OperationDefect, error) {
	txn := s.tracer.StartTransaction("record-defect")
	defer s.tracer.EndTransaction(txn)

	var recorded *models.OperationDefect
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var op models.Operation
		if err := tx.First(&op, "id = ?", operationID).Error; err != nil {
			return errors.Wrap(err, "failed to load operation")
		}
		if err := in.validate(op.StepSequence); err != nil {
			return err
		}
		if op.Completed() && !actor.Privileged() {
			return permissionErrorf("operation %s is completed; corrections require an approved edit request", op.StepCode)
		}

		var err error
		recorded, err = s.upsertDefectTx(tx, &op, in)
		if err != nil {
			return err
		}

		return s.recomputeTx(ctx, tx, op.ProductionOrderID, op.StepSequence)
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	s.invalidateOrderCache(ctx, operationID)
	s.metrics.IncrementCounter(metrics.DefectsRecorded)
	log.Info().
		Str("operation_id", operationID.String()).
		Str("defect_type_id", in.DefectTypeID.String()).
		Int("quantity", in.Quantity).
		Msg("Defect recorded")

	return recorded, nil
}

// upsertDefectTx writes one OperationDefect row, snapshotting the defect
// type's category, machine and reworkable flag at recording time. The
// effective-defect math must never re-read the live catalog.
func (s *ProductionService) upsertDefectTx(tx *gorm.DB, op *models.Operation, in DefectInput) (*models.OperationDefect, error) {
	var defectType models.DefectType
	if err := tx.First(&defectType, "id = ?", in.DefectTypeID).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load defect type")
	}
	if !defectType.Active {
		return nil, validationErrorf("defect type %s is deactivated", defectType.Name)
	}

	var existing models.OperationDefect
	err := tx.Where("operation_id = ? AND defect_type_id = ?", op.ID, in.DefectTypeID).
		First(&existing).Error
	switch {
	case err == nil:
		updates := map[string]interface{}{
			"quantity":             in.Quantity,
			"quantity_rework":      in.QuantityRework,
			"quantity_nogood":      in.QuantityNogood,
			"quantity_replacement": in.QuantityReplacement,
			"category":             defectType.Category,
			"machine":              defectType.Machine,
			"reworkable":           defectType.Reworkable,
		}
		if err := tx.Model(&existing).Updates(updates).Error; err != nil {
			return nil, errors.Wrap(err, "failed to update operation defect")
		}
		existing.Quantity = in.Quantity
		existing.QuantityRework = in.QuantityRework
		existing.QuantityNogood = in.QuantityNogood
		existing.QuantityReplacement = in.QuantityReplacement
		existing.Category = defectType.Category
		existing.Machine = defectType.Machine
		existing.Reworkable = defectType.Reworkable
		return &existing, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := &models.OperationDefect{
			ID:                  uuid.New(),
			OperationID:         op.ID,
			DefectTypeID:        in.DefectTypeID,
			Quantity:            in.Quantity,
			QuantityRework:      in.QuantityRework,
			QuantityNogood:      in.QuantityNogood,
			QuantityReplacement: in.QuantityReplacement,
			Category:            defectType.Category,
			Machine:             defectType.Machine,
			Reworkable:          defectType.Reworkable,
		}
		if err := tx.Create(row).Error; err != nil {
			return nil, errors.Wrap(err, "failed to create operation defect")
		}
		return row, nil
	default:
		return nil, errors.Wrap(err, "failed to look up operation defect")
	}
}

// deleteDefectTx removes one OperationDefect row and nulls any edit-request
// back-references so a request record can outlive the row it targeted.
func (s *ProductionService) deleteDefectTx(tx *gorm.DB, op *models.Operation, defectTypeID uuid.UUID) error {
	var existing models.OperationDefect
	err := tx.Where("operation_id = ? AND defect_type_id = ?", op.ID, defectTypeID).
		First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return validationErrorf("no defect of this type is recorded on step %s", op.StepCode)
		}
		return errors.Wrap(err, "failed to look up operation defect")
	}

	if err := tx.Delete(&existing).Error; err != nil {
		return errors.Wrap(err, "failed to delete operation defect")
	}

	err = tx.Model(&models.EditRequest{}).
		Where("operation_defect_id = ?", existing.ID).
		Update("operation_defect_id", nil).Error
	if err != nil {
		return errors.Wrap(err, "failed to detach edit requests from deleted defect")
	}
	return nil
}

// DeleteDefect removes a defect observation and cascades. The completed
// guard matches RecordDefect.
func (s *ProductionService) DeleteDefect(ctx context.Context, actor Actor, operationID, defectTypeID uuid.UUID) error {
	txn := s.tracer.StartTransaction("delete-defect")
	defer s.tracer.EndTransaction(txn)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var op models.Operation
		if err := tx.First(&op, "id = ?", operationID).Error; err != nil {
			return errors.Wrap(err, "failed to load operation")
		}
		if op.Completed() && !actor.Privileged() {
			return permissionErrorf("operation %s is completed; corrections require an approved edit request", op.StepCode)
		}
		if err := s.deleteDefectTx(tx, &op, defectTypeID); err != nil {
			return err
		}
		return s.recomputeTx(ctx, tx, op.ProductionOrderID, op.StepSequence)
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}

	s.invalidateOrderCache(ctx, operationID)
	log.Info().
		Str("operation_id", operationID.String()).
		Str("defect_type_id", defectTypeID.String()).
		Msg("Defect deleted")
	return nil
}

// CreateDefectType adds a catalog entry. Catalog management is privileged.
func (s *ProductionService) CreateDefectType(ctx context.Context, actor Actor, dt *models.DefectType) (*models.DefectType, error) {
	if !actor.Privileged() {
		return nil, permissionErrorf("only privileged users may manage the defect catalog")
	}
	if dt.Name == "" {
		return nil, validationErrorf("defect type name must not be empty")
	}
	if _, ok := s.chain.ByCode(dt.StepCode); !ok {
		return nil, validationErrorf("unknown step code %q", dt.StepCode)
	}

	dt.ID = uuid.New()
	dt.Active = true
	if err := s.defectTypeRepo.Create(ctx, dt); err != nil {
		return nil, err
	}

	s.dropDefectTypeCache(ctx)
	log.Info().Str("defect_type_id", dt.ID.String()).Str("name", dt.Name).Msg("Defect type created")
	return dt, nil
}

// ListDefectTypes returns the active catalog, served from Redis when warm.
func (s *ProductionService) ListDefectTypes(ctx context.Context) ([]models.DefectType, error) {
	if s.cache != nil {
		var cached []models.DefectType
		if err := s.cache.Get(ctx, cache.DefectTypesCacheKey(), &cached); err == nil {
			return cached, nil
		}
	}

	types, err := s.defectTypeRepo.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cache.DefectTypesCacheKey(), types, 5*time.Minute); err != nil {
			log.Debug().Err(err).Msg("Failed to cache defect type catalog")
		}
	}
	return types, nil
}

// DeactivateDefectType soft-deactivates a catalog entry. Rows are never
// hard-deleted: historical observations reference them.
func (s *ProductionService) DeactivateDefectType(ctx context.Context, actor Actor, id uuid.UUID) error {
	if !actor.Privileged() {
		return permissionErrorf("only privileged users may manage the defect catalog")
	}
	if err := s.defectTypeRepo.Deactivate(ctx, id); err != nil {
		return err
	}
	s.dropDefectTypeCache(ctx)
	log.Info().Str("defect_type_id", id.String()).Msg("Defect type deactivated")
	return nil
}

func (s *ProductionService) dropDefectTypeCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.DefectTypesCacheKey()); err != nil {
		log.Debug().Err(err).Msg("Failed to invalidate defect type cache")
	}
}

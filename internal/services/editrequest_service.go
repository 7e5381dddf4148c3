package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/production/internal/messaging"
	"example.com/backstage/services/production/internal/metrics"
	"example.com/backstage/services/production/internal/models"
)

// Resolution decisions
const (
	DecisionApprove = "APPROVE"
	DecisionReject  = "REJECT"
)

// EditRequestSpec is a validated proposal to change defect data on an
// operation. Values of this type only exist via the Add/Edit/Delete
// constructors, so an invalid combination of kind and quantities cannot
// reach the service layer.
type EditRequestSpec struct {
	kind         string
	operationID  uuid.UUID
	defectTypeID uuid.UUID
	requested    DefectInput
	reason       string
}

func newSpec(kind string, operationID uuid.UUID, in DefectInput, reason string) (EditRequestSpec, error) {
	if operationID == uuid.Nil {
		return EditRequestSpec{}, validationErrorf("operation id is required")
	}
	if in.DefectTypeID == uuid.Nil {
		return EditRequestSpec{}, validationErrorf("defect type id is required")
	}
	if reason == "" {
		return EditRequestSpec{}, validationErrorf("a reason is required for an edit request")
	}
	return EditRequestSpec{
		kind:         kind,
		operationID:  operationID,
		defectTypeID: in.DefectTypeID,
		requested:    in,
		reason:       reason,
	}, nil
}

// AddDefectRequest proposes recording a defect that does not exist yet.
func AddDefectRequest(operationID uuid.UUID, in DefectInput, reason string) (EditRequestSpec, error) {
	return newSpec(models.EditRequestTypeAdd, operationID, in, reason)
}

// EditDefectRequest proposes changing the quantities of an existing defect.
func EditDefectRequest(operationID uuid.UUID, in DefectInput, reason string) (EditRequestSpec, error) {
	return newSpec(models.EditRequestTypeEdit, operationID, in, reason)
}

// DeleteDefectRequest proposes removing an existing defect observation.
func DeleteDefectRequest(operationID, defectTypeID uuid.UUID, reason string) (EditRequestSpec, error) {
	return newSpec(models.EditRequestTypeDelete, operationID, DefectInput{DefectTypeID: defectTypeID}, reason)
}

// CreateEditRequest stores a pending request, snapshotting the targeted
// defect row as it looks right now. No production data changes until a
// privileged actor approves.
func (s *ProductionService) CreateEditRequest(ctx context.Context, actor Actor, spec EditRequestSpec) (*models.EditRequest, error) {
	txn := s.tracer.StartTransaction("create-edit-request")
	defer s.tracer.EndTransaction(txn)

	req := &models.EditRequest{
		ID:           uuid.New(),
		Type:         spec.kind,
		Status:       models.EditRequestStatusPending,
		OperationID:  spec.operationID,
		DefectTypeID: spec.defectTypeID,
		Reason:       spec.reason,
		RequestedBy:  actor.ID,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var op models.Operation
		if err := tx.First(&op, "id = ?", spec.operationID).Error; err != nil {
			return errors.Wrap(err, "failed to load operation")
		}
		req.ProductionOrderID = op.ProductionOrderID

		if spec.kind != models.EditRequestTypeDelete {
			if err := spec.requested.validate(op.StepSequence); err != nil {
				return err
			}
			req.RequestedQuantity = spec.requested.Quantity
			req.RequestedRework = spec.requested.QuantityRework
			req.RequestedNogood = spec.requested.QuantityNogood
			req.RequestedReplacement = spec.requested.QuantityReplacement
		}

		var current models.OperationDefect
		err := tx.Where("operation_id = ? AND defect_type_id = ?", spec.operationID, spec.defectTypeID).
			First(&current).Error
		switch {
		case err == nil:
			if spec.kind == models.EditRequestTypeAdd {
				return validationErrorf("a defect of this type is already recorded; request an edit instead")
			}
			req.OperationDefectID = &current.ID
			req.CurrentQuantity = current.Quantity
			req.CurrentRework = current.QuantityRework
			req.CurrentNogood = current.QuantityNogood
			req.CurrentReplacement = current.QuantityReplacement
		case errors.Is(err, gorm.ErrRecordNotFound):
			if spec.kind != models.EditRequestTypeAdd {
				return validationErrorf("no defect of this type is recorded on this operation")
			}
		default:
			return errors.Wrap(err, "failed to snapshot current defect values")
		}

		if err := tx.Create(req).Error; err != nil {
			return errors.Wrap(err, "failed to create edit request")
		}
		return nil
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	s.metrics.IncrementCounter(metrics.EditRequestsCreated)
	log.Info().
		Str("request_id", req.ID.String()).
		Str("type", req.Type).
		Str("requested_by", actor.ID).
		Msg("Edit request created")

	s.publishEvent(ctx, messaging.Event{
		Type:        messaging.EventEditRequestCreated,
		RequestID:   req.ID.String(),
		RequestType: req.Type,
		OrderID:     req.ProductionOrderID.String(),
		OperationID: req.OperationID.String(),
		Status:      req.Status,
		RequestedBy: req.RequestedBy,
		OccurredAt:  time.Now().UTC(),
	})

	return req, nil
}

// ResolveEditRequest approves or rejects a pending request. The pending
// guard is a conditional update, so of two racing resolvers exactly one
// wins and the other receives AlreadyResolvedError. Approval applies the
// requested values through the defect recorder internals — the sanctioned
// bypass of the completed-operation guard — and cascades in the same
// transaction. A reject changes nothing but the request row.
func (s *ProductionService) ResolveEditRequest(ctx context.Context, actor Actor, requestID uuid.UUID, decision, note string) (*models.EditRequest, error) {
	txn := s.tracer.StartTransaction("resolve-edit-request")
	defer s.tracer.EndTransaction(txn)

	if decision != DecisionApprove && decision != DecisionReject {
		return nil, validationErrorf("unknown decision %q", decision)
	}
	if !actor.Privileged() {
		return nil, permissionErrorf("only privileged users may resolve edit requests")
	}

	status := models.EditRequestStatusApproved
	if decision == DecisionReject {
		status = models.EditRequestStatusRejected
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req models.EditRequest
		if err := tx.First(&req, "id = ?", requestID).Error; err != nil {
			return errors.Wrap(err, "failed to load edit request")
		}

		now := time.Now()
		result := tx.Model(&models.EditRequest{}).
			Where("id = ? AND status = ?", requestID, models.EditRequestStatusPending).
			Updates(map[string]interface{}{
				"status":          status,
				"resolved_by":     actor.ID,
				"resolved_at":     now,
				"resolution_note": note,
			})
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to update edit request status")
		}
		if result.RowsAffected == 0 {
			// Someone else resolved first; report the state they left.
			var latest models.EditRequest
			if err := tx.First(&latest, "id = ?", requestID).Error; err != nil {
				return errors.Wrap(err, "failed to reload edit request")
			}
			return &AlreadyResolvedError{Status: latest.Status}
		}

		if decision == DecisionReject {
			return nil
		}
		return s.applyApprovedRequestTx(ctx, tx, &req)
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	s.metrics.IncrementCounter(metrics.EditRequestsResolved)
	log.Info().
		Str("request_id", requestID.String()).
		Str("decision", decision).
		Str("resolved_by", actor.ID).
		Msg("Edit request resolved")

	resolved, err := s.editReqRepo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	s.invalidateOrderCacheByID(ctx, resolved.ProductionOrderID)

	s.publishEvent(ctx, messaging.Event{
		Type:        messaging.EventEditRequestResolved,
		RequestID:   resolved.ID.String(),
		RequestType: resolved.Type,
		OrderID:     resolved.ProductionOrderID.String(),
		OperationID: resolved.OperationID.String(),
		Status:      resolved.Status,
		RequestedBy: resolved.RequestedBy,
		ResolvedBy:  actor.ID,
		OccurredAt:  time.Now().UTC(),
	})
	s.indexResolvedRequest(ctx, resolved)

	return resolved, nil
}

// applyApprovedRequestTx applies the requested change inside the resolve
// transaction. Before touching anything it re-checks the request's
// snapshot against the live defect row: a direct edit that landed between
// request creation and approval makes the request stale, and applying it
// blind would silently overwrite the newer data.
func (s *ProductionService) applyApprovedRequestTx(ctx context.Context, tx *gorm.DB, req *models.EditRequest) error {
	var op models.Operation
	if err := tx.First(&op, "id = ?", req.OperationID).Error; err != nil {
		return errors.Wrap(err, "failed to load operation")
	}

	var current models.OperationDefect
	err := tx.Where("operation_id = ? AND defect_type_id = ?", req.OperationID, req.DefectTypeID).
		First(&current).Error
	exists := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(err, "failed to load current defect values")
	}

	switch req.Type {
	case models.EditRequestTypeAdd:
		if exists {
			return validationErrorf("defect was recorded directly after this request was created; request is stale")
		}
	case models.EditRequestTypeEdit, models.EditRequestTypeDelete:
		if !exists {
			return validationErrorf("defect was removed after this request was created; request is stale")
		}
		if current.Quantity != req.CurrentQuantity ||
			current.QuantityRework != req.CurrentRework ||
			current.QuantityNogood != req.CurrentNogood ||
			current.QuantityReplacement != req.CurrentReplacement {
			return validationErrorf("defect values changed after this request was created; request is stale")
		}
	default:
		return validationErrorf("unknown edit request type %q", req.Type)
	}

	if req.Type == models.EditRequestTypeDelete {
		if err := s.deleteDefectTx(tx, &op, req.DefectTypeID); err != nil {
			return err
		}
	} else {
		in := DefectInput{
			DefectTypeID:        req.DefectTypeID,
			Quantity:            req.RequestedQuantity,
			QuantityRework:      req.RequestedRework,
			QuantityNogood:      req.RequestedNogood,
			QuantityReplacement: req.RequestedReplacement,
		}
		if err := in.validate(op.StepSequence); err != nil {
			return err
		}
		row, err := s.upsertDefectTx(tx, &op, in)
		if err != nil {
			return err
		}
		if req.OperationDefectID == nil {
			err := tx.Model(&models.EditRequest{}).
				Where("id = ?", req.ID).
				Update("operation_defect_id", row.ID).Error
			if err != nil {
				return errors.Wrap(err, "failed to link edit request to defect row")
			}
		}
	}

	return s.recomputeTx(ctx, tx, op.ProductionOrderID, op.StepSequence)
}

// ListEditRequests returns requests filtered by status ("" for all).
func (s *ProductionService) ListEditRequests(ctx context.Context, status string, limit int) ([]models.EditRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.editReqRepo.List(ctx, status, limit)
}

// SearchEditRequestAudit queries the audit index of resolved requests.
func (s *ProductionService) SearchEditRequestAudit(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	if s.elasticClient == nil {
		return nil, errors.New("audit search is not configured")
	}
	return s.elasticClient.SearchEditRequests(ctx, query)
}

// publishEvent emits a workflow event to the configured sink. Delivery is
// best effort: the state transition already committed.
func (s *ProductionService) publishEvent(ctx context.Context, event messaging.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Warn().Err(err).Str("event", event.Type).Msg("Failed to publish workflow event")
	}
}

// indexResolvedRequest pushes the resolved request into the audit index.
// Index failures never roll back a resolution.
func (s *ProductionService) indexResolvedRequest(ctx context.Context, req *models.EditRequest) {
	if s.elasticClient == nil {
		return
	}
	order, err := s.loadOrderBare(ctx, req.ProductionOrderID)
	if err != nil {
		log.Warn().Err(err).Str("request_id", req.ID.String()).Msg("Failed to load order for audit indexing")
		return
	}
	if err := s.elasticClient.IndexEditRequest(ctx, req, order.OrderNumber); err != nil {
		log.Warn().Err(err).Str("request_id", req.ID.String()).Msg("Failed to index resolved edit request")
	}
}

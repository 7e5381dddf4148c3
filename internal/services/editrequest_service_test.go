package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/production/internal/models"
)

// completedFirstStep creates an order, records one defect on the first step
// and completes that step, returning the order and the defect type.
func completedFirstStep(t *testing.T, svc *ProductionService, orderNumber string) (*models.ProductionOrder, *models.DefectType) {
	t.Helper()
	ctx := context.Background()

	order := orderWithChain(t, svc, orderNumber, 100)
	dt := newDefectType(t, svc, "CUTTING", false)

	_, err := svc.StartOperation(ctx, operator, order.Operations[0].ID)
	require.NoError(t, err)
	_, err = svc.RecordDefect(ctx, operator, order.Operations[0].ID, DefectInput{
		DefectTypeID: dt.ID, Quantity: 10, QuantityNogood: 10,
	})
	require.NoError(t, err)
	_, err = svc.EndOperation(ctx, operator, order.Operations[0].ID, 1.0)
	require.NoError(t, err)

	return order, dt
}

func TestCreateEditRequestSnapshotsCurrentValues(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order, dt := completedFirstStep(t, svc, "PO-5001")

	spec, err := EditDefectRequest(order.Operations[0].ID, DefectInput{
		DefectTypeID: dt.ID, Quantity: 4, QuantityNogood: 4,
	}, "miscounted during shift change")
	require.NoError(t, err)

	req, err := svc.CreateEditRequest(ctx, operator, spec)
	require.NoError(t, err)

	assert.Equal(t, models.EditRequestStatusPending, req.Status)
	assert.Equal(t, order.ID, req.ProductionOrderID)
	assert.Equal(t, 10, req.CurrentQuantity)
	assert.Equal(t, 4, req.RequestedQuantity)
	assert.Equal(t, operator.ID, req.RequestedBy)
	require.NotNil(t, req.OperationDefectID)
}

func TestCreateEditRequestGuards(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order, dt := completedFirstStep(t, svc, "PO-5002")
	opID := order.Operations[0].ID

	var validationErr *ValidationError

	// ADD for an already-recorded type.
	spec, err := AddDefectRequest(opID, DefectInput{DefectTypeID: dt.ID, Quantity: 2, QuantityNogood: 2}, "r")
	require.NoError(t, err)
	_, err = svc.CreateEditRequest(ctx, operator, spec)
	require.ErrorAs(t, err, &validationErr)

	// EDIT for a type never recorded.
	other := newDefectType(t, svc, "CUTTING", false)
	spec, err = EditDefectRequest(opID, DefectInput{DefectTypeID: other.ID, Quantity: 2, QuantityNogood: 2}, "r")
	require.NoError(t, err)
	_, err = svc.CreateEditRequest(ctx, operator, spec)
	require.ErrorAs(t, err, &validationErr)

	// Requested values are validated against the step at creation time.
	spec, err = EditDefectRequest(order.Operations[1].ID, DefectInput{
		DefectTypeID: dt.ID, Quantity: 2, QuantityNogood: 2, QuantityReplacement: 1,
	}, "r")
	require.NoError(t, err)
	_, err = svc.CreateEditRequest(ctx, operator, spec)
	require.ErrorAs(t, err, &validationErr)

	// A reason is mandatory.
	_, err = EditDefectRequest(opID, DefectInput{DefectTypeID: dt.ID, Quantity: 2, QuantityNogood: 2}, "")
	require.ErrorAs(t, err, &validationErr)
}

func TestResolveEditRequestIsPrivileged(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order, dt := completedFirstStep(t, svc, "PO-5003")

	spec, err := EditDefectRequest(order.Operations[0].ID, DefectInput{
		DefectTypeID: dt.ID, Quantity: 4, QuantityNogood: 4,
	}, "miscount")
	require.NoError(t, err)
	req, err := svc.CreateEditRequest(ctx, operator, spec)
	require.NoError(t, err)

	_, err = svc.ResolveEditRequest(ctx, operator, req.ID, DecisionApprove, "")
	var permErr *PermissionError
	require.ErrorAs(t, err, &permErr)

	var validationErr *ValidationError
	_, err = svc.ResolveEditRequest(ctx, admin, req.ID, "MAYBE", "")
	require.ErrorAs(t, err, &validationErr)
}

func TestApproveAppliesAndCascades(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order, dt := completedFirstStep(t, svc, "PO-5004")

	spec, err := EditDefectRequest(order.Operations[0].ID, DefectInput{
		DefectTypeID: dt.ID, Quantity: 4, QuantityNogood: 4,
	}, "miscount")
	require.NoError(t, err)
	req, err := svc.CreateEditRequest(ctx, operator, spec)
	require.NoError(t, err)

	resolved, err := svc.ResolveEditRequest(ctx, admin, req.ID, DecisionApprove, "confirmed with floor lead")
	require.NoError(t, err)
	assert.Equal(t, models.EditRequestStatusApproved, resolved.Status)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, admin.ID, *resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	// The defect row and the chain follow the approved values.
	reloaded, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	first := reloaded.Operations[0]
	require.Len(t, first.Defects, 1)
	assert.Equal(t, 4, first.Defects[0].Quantity)
	require.NotNil(t, first.OutputQuantity)
	assert.Equal(t, 96, *first.OutputQuantity)
}

func TestApproveDeleteRemovesDefect(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order, dt := completedFirstStep(t, svc, "PO-5005")

	spec, err := DeleteDefectRequest(order.Operations[0].ID, dt.ID, "recorded against wrong order")
	require.NoError(t, err)
	req, err := svc.CreateEditRequest(ctx, operator, spec)
	require.NoError(t, err)

	_, err = svc.ResolveEditRequest(ctx, admin, req.ID, DecisionApprove, "")
	require.NoError(t, err)

	reloaded, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	first := reloaded.Operations[0]
	assert.Empty(t, first.Defects)
	require.NotNil(t, first.OutputQuantity)
	assert.Equal(t, 100, *first.OutputQuantity)
}

func TestRejectChangesNothing(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order, dt := completedFirstStep(t, svc, "PO-5006")

	spec, err := EditDefectRequest(order.Operations[0].ID, DefectInput{
		DefectTypeID: dt.ID, Quantity: 1, QuantityNogood: 1,
	}, "looks wrong")
	require.NoError(t, err)
	req, err := svc.CreateEditRequest(ctx, operator, spec)
	require.NoError(t, err)

	resolved, err := svc.ResolveEditRequest(ctx, admin, req.ID, DecisionReject, "original count stands")
	require.NoError(t, err)
	assert.Equal(t, models.EditRequestStatusRejected, resolved.Status)
	assert.Equal(t, "original count stands", resolved.ResolutionNote)

	reloaded, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	first := reloaded.Operations[0]
	require.Len(t, first.Defects, 1)
	assert.Equal(t, 10, first.Defects[0].Quantity)
	require.NotNil(t, first.OutputQuantity)
	assert.Equal(t, 90, *first.OutputQuantity)
}

func TestResolutionIsTerminal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order, dt := completedFirstStep(t, svc, "PO-5007")

	spec, err := EditDefectRequest(order.Operations[0].ID, DefectInput{
		DefectTypeID: dt.ID, Quantity: 4, QuantityNogood: 4,
	}, "miscount")
	require.NoError(t, err)
	req, err := svc.CreateEditRequest(ctx, operator, spec)
	require.NoError(t, err)

	_, err = svc.ResolveEditRequest(ctx, admin, req.ID, DecisionReject, "")
	require.NoError(t, err)

	// The loser of the race learns the state the winner left behind.
	_, err = svc.ResolveEditRequest(ctx, admin, req.ID, DecisionApprove, "")
	var resolvedErr *AlreadyResolvedError
	require.ErrorAs(t, err, &resolvedErr)
	assert.Equal(t, models.EditRequestStatusRejected, resolvedErr.Status)
}

func TestApproveStaleRequestFails(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order, dt := completedFirstStep(t, svc, "PO-5008")

	spec, err := EditDefectRequest(order.Operations[0].ID, DefectInput{
		DefectTypeID: dt.ID, Quantity: 4, QuantityNogood: 4,
	}, "miscount")
	require.NoError(t, err)
	req, err := svc.CreateEditRequest(ctx, operator, spec)
	require.NoError(t, err)

	// A direct privileged edit lands before the approval.
	_, err = svc.RecordDefect(ctx, admin, order.Operations[0].ID, DefectInput{
		DefectTypeID: dt.ID, Quantity: 7, QuantityNogood: 7,
	})
	require.NoError(t, err)

	_, err = svc.ResolveEditRequest(ctx, admin, req.ID, DecisionApprove, "")
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)

	// The failed approval rolled back: the request is still pending and
	// the direct edit survives.
	pending, err := svc.ListEditRequests(ctx, models.EditRequestStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)

	reloaded, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, reloaded.Operations[0].Defects[0].Quantity)
}

func TestListEditRequestsFiltersByStatus(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order, dt := completedFirstStep(t, svc, "PO-5009")

	spec, err := EditDefectRequest(order.Operations[0].ID, DefectInput{
		DefectTypeID: dt.ID, Quantity: 4, QuantityNogood: 4,
	}, "first")
	require.NoError(t, err)
	first, err := svc.CreateEditRequest(ctx, operator, spec)
	require.NoError(t, err)
	_, err = svc.ResolveEditRequest(ctx, admin, first.ID, DecisionReject, "")
	require.NoError(t, err)

	spec, err = EditDefectRequest(order.Operations[0].ID, DefectInput{
		DefectTypeID: dt.ID, Quantity: 5, QuantityNogood: 5,
	}, "second")
	require.NoError(t, err)
	_, err = svc.CreateEditRequest(ctx, operator, spec)
	require.NoError(t, err)

	pending, err := svc.ListEditRequests(ctx, models.EditRequestStatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	all, err := svc.ListEditRequests(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

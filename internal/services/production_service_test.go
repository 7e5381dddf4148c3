package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/production/internal/models"
)

func TestCreateOrderBuildsChain(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, "PO-1001", 100)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCreated, order.Status)
	require.Len(t, order.Operations, 3)
	assert.Equal(t, "CUTTING", order.Operations[0].StepCode)
	assert.Equal(t, "ASSEMBLY", order.Operations[1].StepCode)
	assert.Equal(t, "INSPECTION", order.Operations[2].StepCode)

	// The first step's input matches the ordered quantity from the start.
	assert.Equal(t, 100, order.Operations[0].InputQuantity)
	assert.Nil(t, order.Operations[0].OutputQuantity)
}

func TestCreateOrderRejectsBadInput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var validationErr *ValidationError

	_, err := svc.CreateOrder(ctx, "", 100)
	require.ErrorAs(t, err, &validationErr)

	_, err = svc.CreateOrder(ctx, "PO-1002", 0)
	require.ErrorAs(t, err, &validationErr)
}

func TestStartOperationOutOfSequence(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order := orderWithChain(t, svc, "PO-2001", 100)

	// Assembly cannot start while cutting has not completed.
	_, err := svc.StartOperation(ctx, operator, order.Operations[1].ID)
	var violation *OrderViolationError
	require.ErrorAs(t, err, &violation)

	// Even once cutting is in progress.
	_, err = svc.StartOperation(ctx, operator, order.Operations[0].ID)
	require.NoError(t, err)
	_, err = svc.StartOperation(ctx, operator, order.Operations[1].ID)
	require.ErrorAs(t, err, &violation)
}

func TestStartOperationIsNotIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order := orderWithChain(t, svc, "PO-2002", 100)

	_, err := svc.StartOperation(ctx, operator, order.Operations[0].ID)
	require.NoError(t, err)

	_, err = svc.StartOperation(ctx, operator, order.Operations[0].ID)
	var violation *OrderViolationError
	require.ErrorAs(t, err, &violation)
}

func TestStartOperationMarksOrderInProgress(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order := orderWithChain(t, svc, "PO-2003", 100)

	op, err := svc.StartOperation(ctx, operator, order.Operations[0].ID)
	require.NoError(t, err)
	require.NotNil(t, op.StartedAt)
	require.NotNil(t, op.OperatorID)
	assert.Equal(t, operator.ID, *op.OperatorID)

	reloaded, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusInProgress, reloaded.Status)
	require.NotNil(t, reloaded.CurrentStepCode)
	assert.Equal(t, "CUTTING", *reloaded.CurrentStepCode)
}

func TestEndOperationDerivesHours(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order := orderWithChain(t, svc, "PO-2004", 100)

	_, err := svc.StartOperation(ctx, operator, order.Operations[0].ID)
	require.NoError(t, err)

	op, err := svc.EndOperation(ctx, operator, order.Operations[0].ID, 2.5)
	require.NoError(t, err)
	require.NotNil(t, op.EndedAt)
	assert.Equal(t, 2.5, op.ResourceFactor)
	assert.GreaterOrEqual(t, op.ProductionHours, 0.0)
	assert.InDelta(t, op.ProductionHours*2.5, op.ManHours, 1e-9)

	// Completing a step fills its output.
	require.NotNil(t, op.OutputQuantity)
	assert.Equal(t, 100, *op.OutputQuantity)
}

func TestEndOperationGuards(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order := orderWithChain(t, svc, "PO-2005", 100)

	var violation *OrderViolationError

	_, err := svc.EndOperation(ctx, operator, order.Operations[0].ID, 1.0)
	require.ErrorAs(t, err, &violation)

	_, err = svc.StartOperation(ctx, operator, order.Operations[0].ID)
	require.NoError(t, err)
	_, err = svc.EndOperation(ctx, operator, order.Operations[0].ID, 1.0)
	require.NoError(t, err)

	_, err = svc.EndOperation(ctx, operator, order.Operations[0].ID, 1.0)
	require.ErrorAs(t, err, &violation)

	var validationErr *ValidationError
	_, err = svc.EndOperation(ctx, operator, order.Operations[0].ID, 0)
	require.ErrorAs(t, err, &validationErr)
}

func TestNextStepInheritsOutput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order := orderWithChain(t, svc, "PO-2006", 100)
	dt := newDefectType(t, svc, "CUTTING", false)

	_, err := svc.StartOperation(ctx, operator, order.Operations[0].ID)
	require.NoError(t, err)
	_, err = svc.RecordDefect(ctx, operator, order.Operations[0].ID, DefectInput{
		DefectTypeID:   dt.ID,
		Quantity:       8,
		QuantityNogood: 8,
	})
	require.NoError(t, err)
	_, err = svc.EndOperation(ctx, operator, order.Operations[0].ID, 1.0)
	require.NoError(t, err)

	op, err := svc.StartOperation(ctx, operator, order.Operations[1].ID)
	require.NoError(t, err)
	assert.Equal(t, 92, op.InputQuantity)
}

func TestCompletingFinalStepCompletesOrder(t *testing.T) {
	svc := newTestService(t)
	order := orderWithChain(t, svc, "PO-2007", 50)

	reloaded := runChainThrough(t, svc, order, 2)

	assert.Equal(t, models.OrderStatusCompleted, reloaded.Status)
	last := reloaded.Operations[2]
	require.NotNil(t, last.OutputQuantity)
	assert.Equal(t, 50, *last.OutputQuantity)
}

func TestUpdateTotalQuantityRecascades(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order := orderWithChain(t, svc, "PO-2008", 100)

	_, err := svc.StartOperation(ctx, operator, order.Operations[0].ID)
	require.NoError(t, err)
	_, err = svc.EndOperation(ctx, operator, order.Operations[0].ID, 1.0)
	require.NoError(t, err)

	updated, err := svc.UpdateTotalQuantity(ctx, admin, order.ID, 120)
	require.NoError(t, err)
	assert.Equal(t, 120, updated.TotalQuantity)

	// The completed first step follows the new quantity.
	first := updated.Operations[0]
	assert.Equal(t, 120, first.InputQuantity)
	require.NotNil(t, first.OutputQuantity)
	assert.Equal(t, 120, *first.OutputQuantity)
}

func TestUpdateTotalQuantityClampsDownstream(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order := orderWithChain(t, svc, "PO-2009", 100)
	dt := newDefectType(t, svc, "CUTTING", false)

	_, err := svc.StartOperation(ctx, operator, order.Operations[0].ID)
	require.NoError(t, err)
	_, err = svc.RecordDefect(ctx, operator, order.Operations[0].ID, DefectInput{
		DefectTypeID:   dt.ID,
		Quantity:       20,
		QuantityNogood: 20,
	})
	require.NoError(t, err)
	_, err = svc.EndOperation(ctx, operator, order.Operations[0].ID, 1.0)
	require.NoError(t, err)

	// Decrease below the defects already consumed: output clamps at zero
	// instead of going negative.
	updated, err := svc.UpdateTotalQuantity(ctx, admin, order.ID, 10)
	require.NoError(t, err)
	first := updated.Operations[0]
	require.NotNil(t, first.OutputQuantity)
	assert.Equal(t, 0, *first.OutputQuantity)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order := orderWithChain(t, svc, "PO-2010", 100)
	runChainThrough(t, svc, order, 1)

	before, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Recompute(ctx, order.ID))

	after, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	for i := range before.Operations {
		assert.Equal(t, before.Operations[i].InputQuantity, after.Operations[i].InputQuantity)
		assert.Equal(t, before.Operations[i].OutputQuantity, after.Operations[i].OutputQuantity)
	}
}

func TestGetOrderByNumber(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	order := orderWithChain(t, svc, "PO-2011", 10)

	found, err := svc.GetOrderByNumber(ctx, "PO-2011")
	require.NoError(t, err)
	assert.Equal(t, order.ID, found.ID)
}

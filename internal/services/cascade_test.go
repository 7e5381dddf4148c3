package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/production/internal/models"
)

func completedOp(seq int, defects ...models.OperationDefect) models.Operation {
	started := time.Now().Add(-2 * time.Hour)
	ended := time.Now().Add(-1 * time.Hour)
	return models.Operation{
		StepSequence: seq,
		StartedAt:    &started,
		EndedAt:      &ended,
		Defects:      defects,
	}
}

func startedOp(seq int) models.Operation {
	started := time.Now().Add(-1 * time.Hour)
	return models.Operation{StepSequence: seq, StartedAt: &started}
}

func TestCascadeReworkReducesOutput(t *testing.T) {
	// 100 in, 10 defective of which 4 were reworked: 6 pieces are lost.
	ops := []models.Operation{
		completedOp(0, models.OperationDefect{
			Quantity:       10,
			QuantityRework: 4,
			QuantityNogood: 6,
			Reworkable:     true,
		}),
		startedOp(1),
	}

	outcome := cascadeChain(100, ops, 0)

	require.NotNil(t, ops[0].OutputQuantity)
	assert.Equal(t, 100, ops[0].InputQuantity)
	assert.Equal(t, 94, *ops[0].OutputQuantity)
	assert.Equal(t, 94, ops[1].InputQuantity)
	assert.False(t, outcome.clamped)
}

func TestCascadeNonReworkableIgnoresRework(t *testing.T) {
	ops := []models.Operation{
		completedOp(0, models.OperationDefect{
			Quantity:       10,
			QuantityNogood: 10,
			Reworkable:     false,
		}),
	}

	cascadeChain(100, ops, 0)

	require.NotNil(t, ops[0].OutputQuantity)
	assert.Equal(t, 90, *ops[0].OutputQuantity)
}

func TestCascadeReplacementRestoresOutput(t *testing.T) {
	// 5 scrapped but 5 replacement pieces injected: output matches input.
	ops := []models.Operation{
		completedOp(0, models.OperationDefect{
			Quantity:            5,
			QuantityNogood:      5,
			QuantityReplacement: 5,
			Reworkable:          false,
		}),
	}

	cascadeChain(100, ops, 0)

	require.NotNil(t, ops[0].OutputQuantity)
	assert.Equal(t, 100, *ops[0].OutputQuantity)
}

func TestCascadeNotStartedStepDoesNotInherit(t *testing.T) {
	ops := []models.Operation{
		completedOp(0),
		{StepSequence: 1}, // never started
	}

	cascadeChain(100, ops, 0)

	require.NotNil(t, ops[0].OutputQuantity)
	assert.Equal(t, 100, *ops[0].OutputQuantity)
	assert.Equal(t, 0, ops[1].InputQuantity)
	assert.Nil(t, ops[1].OutputQuantity)
}

func TestCascadeIncompletePredecessorFreezesInput(t *testing.T) {
	ops := []models.Operation{
		startedOp(0),
		startedOp(1),
	}
	ops[0].InputQuantity = 100
	ops[1].InputQuantity = 80 // inherited before a quantity change

	cascadeChain(120, ops, 0)

	assert.Equal(t, 120, ops[0].InputQuantity)
	// Step 0 is not completed, so step 1 keeps what it inherited.
	assert.Equal(t, 80, ops[1].InputQuantity)
}

func TestCascadeClampsAtZero(t *testing.T) {
	ops := []models.Operation{
		completedOp(0, models.OperationDefect{
			Quantity:       15,
			QuantityNogood: 15,
			Reworkable:     false,
		}),
	}

	outcome := cascadeChain(10, ops, 0)

	require.NotNil(t, ops[0].OutputQuantity)
	assert.Equal(t, 0, *ops[0].OutputQuantity)
	assert.True(t, outcome.clamped)
}

func TestCascadeIsIdempotent(t *testing.T) {
	ops := []models.Operation{
		completedOp(0, models.OperationDefect{
			Quantity:       10,
			QuantityRework: 4,
			QuantityNogood: 6,
			Reworkable:     true,
		}),
		startedOp(1),
		{StepSequence: 2},
	}

	first := cascadeChain(100, ops, 0)
	assert.NotEmpty(t, first.changed)

	second := cascadeChain(100, ops, 0)
	assert.Empty(t, second.changed)
}

func TestCascadeWalksFullChain(t *testing.T) {
	ops := []models.Operation{
		completedOp(0, models.OperationDefect{
			Quantity:       2,
			QuantityNogood: 2,
			Reworkable:     false,
		}),
		completedOp(1, models.OperationDefect{
			Quantity:       3,
			QuantityNogood: 3,
			Reworkable:     false,
		}),
		completedOp(2),
	}

	cascadeChain(100, ops, 0)

	require.NotNil(t, ops[2].OutputQuantity)
	assert.Equal(t, 98, ops[1].InputQuantity)
	assert.Equal(t, 95, ops[2].InputQuantity)
	assert.Equal(t, 95, *ops[2].OutputQuantity)
}

func TestDefaultCascadeStart(t *testing.T) {
	ops := []models.Operation{
		{StepSequence: 0},
		{StepSequence: 1},
	}
	assert.Equal(t, 0, defaultCascadeStart(ops))

	ops[1] = startedOp(1)
	// Earliest started step wins.
	ops[0] = completedOp(0)
	assert.Equal(t, 0, defaultCascadeStart(ops))
}

func TestEffectiveQuantity(t *testing.T) {
	reworkable := models.OperationDefect{Quantity: 10, QuantityRework: 4, Reworkable: true}
	assert.Equal(t, 6, reworkable.EffectiveQuantity())

	nonReworkable := models.OperationDefect{Quantity: 10, QuantityRework: 4, Reworkable: false}
	assert.Equal(t, 10, nonReworkable.EffectiveQuantity())

	overReworked := models.OperationDefect{Quantity: 3, QuantityRework: 5, Reworkable: true}
	assert.Equal(t, 0, overReworked.EffectiveQuantity())
}

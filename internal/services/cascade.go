package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/production/internal/metrics"
	"example.com/backstage/services/production/internal/models"
)

// cascadeOutcome reports what a chain walk changed.
type cascadeOutcome struct {
	changed []int // indices of operations whose quantities moved
	clamped bool  // an output was clamped at zero
}

// cascadeChain walks the ordered operation chain and recomputes input and
// output quantities in place:
//
//  1. the first step's input is always the order's total quantity;
//  2. a later step inherits the previous step's output only once it has
//     been started (not-started steps wait and inherit at start time);
//  3. a completed step's output is input minus effective defects plus
//     replacements, clamped at zero.
//
// The walk is a pure function of the rows passed in, which makes a repeat
// invocation with no intervening writes a no-op.
func cascadeChain(totalQuantity int, ops []models.Operation, fromIndex int) cascadeOutcome {
	if fromIndex < 0 {
		fromIndex = defaultCascadeStart(ops)
	}

	var outcome cascadeOutcome
	for i := fromIndex; i < len(ops); i++ {
		op := &ops[i]

		input := op.InputQuantity
		if i == 0 {
			input = totalQuantity
		} else {
			prev := &ops[i-1]
			if op.Started() && prev.Completed() && prev.OutputQuantity != nil {
				input = *prev.OutputQuantity
			}
		}

		output := op.OutputQuantity
		if op.Completed() {
			effective, replacement := 0, 0
			for j := range op.Defects {
				effective += op.Defects[j].EffectiveQuantity()
				replacement += op.Defects[j].QuantityReplacement
			}
			value := input - effective + replacement
			if value < 0 {
				// Deliberate clamp: a quantity decrease below what the
				// chain already consumed is not re-validated.
				value = 0
				outcome.clamped = true
			}
			output = &value
		}

		if input != op.InputQuantity || !intPtrEqual(output, op.OutputQuantity) {
			op.InputQuantity = input
			op.OutputQuantity = output
			outcome.changed = append(outcome.changed, i)
		}
	}
	return outcome
}

// defaultCascadeStart picks the earliest started step, or the first step
// when none has been started yet.
func defaultCascadeStart(ops []models.Operation) int {
	for i := range ops {
		if ops[i].Started() {
			return i
		}
	}
	return 0
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// recomputeTx loads the order's chain, walks it from the given step index
// (-1 means the default start) and persists every row the walk changed.
// It must run inside the transaction that triggered it so the cascade is
// atomic with the triggering mutation.
func (s *ProductionService) recomputeTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, fromIndex int) error {
	var order models.ProductionOrder
	if err := tx.First(&order, "id = ?", orderID).Error; err != nil {
		return errors.Wrap(err, "cascade: failed to load production order")
	}

	var ops []models.Operation
	err := tx.Where("production_order_id = ?", orderID).
		Order("step_sequence asc").
		Preload("Defects").
		Find(&ops).Error
	if err != nil {
		return errors.Wrap(err, "cascade: failed to load operation chain")
	}

	outcome := cascadeChain(order.TotalQuantity, ops, fromIndex)
	if outcome.clamped {
		log.Warn().
			Str("order_id", orderID.String()).
			Str("order_number", order.OrderNumber).
			Msg("Cascade clamped an output at zero; chain may exceed the ordered quantity")
	}

	for _, i := range outcome.changed {
		err := tx.Model(&models.Operation{}).
			Where("id = ?", ops[i].ID).
			Updates(map[string]interface{}{
				"input_quantity":  ops[i].InputQuantity,
				"output_quantity": ops[i].OutputQuantity,
			}).Error
		if err != nil {
			return errors.Wrapf(err, "cascade: failed to persist quantities for step %s", ops[i].StepCode)
		}
	}

	s.metrics.IncrementCounter(metrics.CascadeRuns)
	s.metrics.IncrementCounterBy(metrics.CascadeRowsUpdated, int64(len(outcome.changed)))

	return nil
}

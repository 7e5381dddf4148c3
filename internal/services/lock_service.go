package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/production/internal/metrics"
	"example.com/backstage/services/production/internal/models"
)

// AcquireLock takes the single-owner editing lock on an order. The acquire
// is one conditional update: it succeeds when the order is unlocked or the
// caller already owns it (re-acquiring refreshes the timestamp). Locks
// never expire on their own; a crashed session holds the order until its
// owner returns or a privileged actor force-releases.
func (s *ProductionService) AcquireLock(ctx context.Context, actor Actor, orderID uuid.UUID) (*models.ProductionOrder, error) {
	acquired, err := s.orderRepo.AcquireLock(ctx, orderID, actor.ID, actor.Name, time.Now())
	if err != nil {
		return nil, err
	}
	if !acquired {
		order, err := s.loadOrderBare(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if !order.Locked() {
			// The conditional update missed but the order exists and is
			// unlocked now: a concurrent release won the race. Surface the
			// conflict; the caller simply retries.
			return nil, &AlreadyLockedError{}
		}
		s.metrics.IncrementCounter(metrics.LockConflicts)
		return nil, lockedErrorFrom(order)
	}

	s.invalidateOrderCacheByID(ctx, orderID)
	log.Info().
		Str("order_id", orderID.String()).
		Str("user_id", actor.ID).
		Msg("Order lock acquired")
	return s.loadOrderBare(ctx, orderID)
}

// ReleaseLock releases the editing lock; only the current owner may do so.
func (s *ProductionService) ReleaseLock(ctx context.Context, actor Actor, orderID uuid.UUID) error {
	released, err := s.orderRepo.ReleaseLock(ctx, orderID, actor.ID)
	if err != nil {
		return err
	}
	if !released {
		order, err := s.loadOrderBare(ctx, orderID)
		if err != nil {
			return err
		}
		notOwner := &NotOwnerError{}
		if order.Locked() {
			notOwner.OwnerID = *order.LockedBy
			if order.LockedByName != nil {
				notOwner.OwnerName = *order.LockedByName
			}
		}
		return notOwner
	}

	s.invalidateOrderCacheByID(ctx, orderID)
	log.Info().
		Str("order_id", orderID.String()).
		Str("user_id", actor.ID).
		Msg("Order lock released")
	return nil
}

// ForceReleaseLock clears the lock regardless of owner. Privileged only:
// this is the manual escape hatch for abandoned sessions.
func (s *ProductionService) ForceReleaseLock(ctx context.Context, actor Actor, orderID uuid.UUID) error {
	if !actor.Privileged() {
		return permissionErrorf("only privileged users may force-release a lock")
	}
	if err := s.orderRepo.ForceReleaseLock(ctx, orderID); err != nil {
		return err
	}

	s.invalidateOrderCacheByID(ctx, orderID)
	log.Warn().
		Str("order_id", orderID.String()).
		Str("released_by", actor.ID).
		Msg("Order lock force-released")
	return nil
}

// loadOrderBare loads an order row without its associations.
func (s *ProductionService) loadOrderBare(ctx context.Context, orderID uuid.UUID) (*models.ProductionOrder, error) {
	var order models.ProductionOrder
	if err := s.db.WithContext(ctx).First(&order, "id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrap(err, "production order not found")
		}
		return nil, errors.Wrap(err, "failed to load production order")
	}
	return &order, nil
}

func lockedErrorFrom(order *models.ProductionOrder) *AlreadyLockedError {
	e := &AlreadyLockedError{}
	if order.LockedBy != nil {
		e.OwnerID = *order.LockedBy
	}
	if order.LockedByName != nil {
		e.OwnerName = *order.LockedByName
	}
	if order.LockedAt != nil {
		e.LockedAt = *order.LockedAt
	}
	return e
}

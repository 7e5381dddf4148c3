package services

import (
	"fmt"
	"time"
)

// ValidationError rejects a call whose inputs violate a quantity or
// reference constraint. Nothing is mutated.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Msg
}

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// OrderViolationError rejects a lifecycle transition attempted out of
// chain sequence.
type OrderViolationError struct {
	Msg string
}

func (e *OrderViolationError) Error() string {
	return "order violation: " + e.Msg
}

func orderViolationErrorf(format string, args ...interface{}) *OrderViolationError {
	return &OrderViolationError{Msg: fmt.Sprintf(format, args...)}
}

// PermissionError rejects a call the actor's role does not allow.
type PermissionError struct {
	Msg string
}

func (e *PermissionError) Error() string {
	return "permission denied: " + e.Msg
}

func permissionErrorf(format string, args ...interface{}) *PermissionError {
	return &PermissionError{Msg: fmt.Sprintf(format, args...)}
}

// AlreadyLockedError is returned by Acquire when another session owns the
// order. It carries the current owner so the caller can tell the user who
// holds the lock.
type AlreadyLockedError struct {
	OwnerID   string
	OwnerName string
	LockedAt  time.Time
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("order is locked by %s (%s) since %s", e.OwnerName, e.OwnerID, e.LockedAt.Format(time.RFC3339))
}

// NotOwnerError is returned by Release when the caller does not own the
// lock.
type NotOwnerError struct {
	OwnerID   string
	OwnerName string
}

func (e *NotOwnerError) Error() string {
	if e.OwnerID == "" {
		return "order is not locked"
	}
	return fmt.Sprintf("lock is owned by %s (%s)", e.OwnerName, e.OwnerID)
}

// AlreadyResolvedError guards the edit-request double-resolution race: the
// second resolver finds the request no longer pending.
type AlreadyResolvedError struct {
	Status string
}

func (e *AlreadyResolvedError) Error() string {
	return "edit request already resolved: " + e.Status
}

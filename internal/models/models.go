package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Production order statuses
const (
	OrderStatusCreated    = "CREATED"
	OrderStatusInProgress = "IN_PROGRESS"
	OrderStatusCompleted  = "COMPLETED"
)

// Edit request types
const (
	EditRequestTypeAdd    = "ADD"
	EditRequestTypeEdit   = "EDIT"
	EditRequestTypeDelete = "DELETE"
)

// Edit request statuses
const (
	EditRequestStatusPending  = "PENDING"
	EditRequestStatusApproved = "APPROVED"
	EditRequestStatusRejected = "REJECTED"
)

// ProductionOrder is one manufacturing order moving through the step chain.
// The lock columns implement the single-owner editing lock: all three are
// null when the order is unlocked.
type ProductionOrder struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
	OrderNumber     string         `gorm:"not null;uniqueIndex" json:"order_number"`
	TotalQuantity   int            `gorm:"not null" json:"total_quantity"`
	Status          string         `gorm:"not null;default:CREATED" json:"status"`
	CurrentStepCode *string        `json:"current_step_code"`
	LockedBy        *string        `json:"locked_by"`
	LockedByName    *string        `json:"locked_by_name"`
	LockedAt        *time.Time     `json:"locked_at"`
	Operations      []Operation    `gorm:"foreignKey:ProductionOrderID" json:"operations,omitempty"`
}

// Locked reports whether an editing session currently owns the order.
func (o *ProductionOrder) Locked() bool {
	return o.LockedBy != nil
}

// StepDefinition is the immutable template for one stage of the chain.
// Sequence is zero-based and dense; the ordered set of rows is the chain.
type StepDefinition struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	Code      string    `gorm:"not null;uniqueIndex" json:"code"`
	Sequence  int       `gorm:"not null;uniqueIndex" json:"sequence"`
	Name      string    `gorm:"not null" json:"name"`
}

// Operation is one production order's instance of a step definition.
// Exactly one row exists per (order, step). StepCode and StepSequence are
// denormalized from the step definition at order creation time.
type Operation struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
	ProductionOrderID uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_order_step" json:"production_order_id"`
	StepCode          string            `gorm:"not null" json:"step_code"`
	StepSequence      int               `gorm:"not null;uniqueIndex:idx_order_step" json:"step_sequence"`
	OperatorID        *string           `json:"operator_id"`
	StartedAt         *time.Time        `json:"started_at"`
	EndedAt           *time.Time        `json:"ended_at"`
	InputQuantity     int               `gorm:"not null;default:0" json:"input_quantity"`
	OutputQuantity    *int              `json:"output_quantity"`
	ResourceFactor    float64           `gorm:"not null;default:1" json:"resource_factor"`
	ProductionHours   float64           `gorm:"not null;default:0" json:"production_hours"`
	ManHours          float64           `gorm:"not null;default:0" json:"man_hours"`
	Defects           []OperationDefect `gorm:"foreignKey:OperationID" json:"defects,omitempty"`
}

// Started reports whether the operation has left the NotStarted state.
func (op *Operation) Started() bool {
	return op.StartedAt != nil
}

// Completed reports whether the operation has both start and end times.
func (op *Operation) Completed() bool {
	return op.StartedAt != nil && op.EndedAt != nil
}

// InProgress reports whether the operation is started but not yet ended.
func (op *Operation) InProgress() bool {
	return op.StartedAt != nil && op.EndedAt == nil
}

// DefectType is a catalog entry. Rows are soft-deactivated, never deleted,
// so historical OperationDefect rows keep a valid reference.
type DefectType struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
	Name       string         `gorm:"not null" json:"name"`
	Category   string         `gorm:"not null" json:"category"`
	StepCode   string         `gorm:"not null" json:"step_code"`
	Reworkable bool           `gorm:"not null;default:false" json:"reworkable"`
	Machine    string         `json:"machine"`
	Active     bool           `gorm:"not null;default:true" json:"active"`
}

// OperationDefect is one defect observation against an operation.
// Category, Machine and Reworkable are snapshots of the defect type taken
// when the row was recorded; later catalog edits never change the math of
// already-recorded history.
type OperationDefect struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt           time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	OperationID         uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_operation_defect" json:"operation_id"`
	DefectTypeID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_operation_defect" json:"defect_type_id"`
	Quantity            int       `gorm:"not null" json:"quantity"`
	QuantityRework      int       `gorm:"not null;default:0" json:"quantity_rework"`
	QuantityNogood      int       `gorm:"not null;default:0" json:"quantity_nogood"`
	QuantityReplacement int       `gorm:"not null;default:0" json:"quantity_replacement"`
	Category            string    `gorm:"not null" json:"category"`
	Machine             string    `json:"machine"`
	Reworkable          bool      `gorm:"not null;default:false" json:"reworkable"`
}

// EffectiveQuantity is the portion of the defect that actually reduces
// output: the full quantity for a non-reworkable defect, quantity minus the
// reworked amount otherwise.
func (d *OperationDefect) EffectiveQuantity() int {
	if !d.Reworkable {
		return d.Quantity
	}
	if d.Quantity > d.QuantityRework {
		return d.Quantity - d.QuantityRework
	}
	return 0
}

// EditRequest is an approval-gated proposal to alter defect data on an
// otherwise-immutable operation. Current* columns snapshot the defect row as
// it looked when the request was created (zeros for ADD); Requested* carry
// the proposed values. OperationDefectID is a nullable back-reference that
// may outlive the defect row itself.
type EditRequest struct {
	ID                   uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	Type                 string     `gorm:"not null" json:"type"`
	Status               string     `gorm:"not null;default:PENDING;index" json:"status"`
	ProductionOrderID    uuid.UUID  `gorm:"type:uuid;not null;index" json:"production_order_id"`
	OperationID          uuid.UUID  `gorm:"type:uuid;not null;index" json:"operation_id"`
	OperationDefectID    *uuid.UUID `gorm:"type:uuid" json:"operation_defect_id"`
	DefectTypeID         uuid.UUID  `gorm:"type:uuid;not null" json:"defect_type_id"`
	CurrentQuantity      int        `gorm:"not null;default:0" json:"current_quantity"`
	CurrentRework        int        `gorm:"not null;default:0" json:"current_rework"`
	CurrentNogood        int        `gorm:"not null;default:0" json:"current_nogood"`
	CurrentReplacement   int        `gorm:"not null;default:0" json:"current_replacement"`
	RequestedQuantity    int        `gorm:"not null;default:0" json:"requested_quantity"`
	RequestedRework      int        `gorm:"not null;default:0" json:"requested_rework"`
	RequestedNogood      int        `gorm:"not null;default:0" json:"requested_nogood"`
	RequestedReplacement int        `gorm:"not null;default:0" json:"requested_replacement"`
	Reason               string     `gorm:"type:text;not null" json:"reason"`
	RequestedBy          string     `gorm:"not null" json:"requested_by"`
	ResolvedBy           *string    `json:"resolved_by"`
	ResolvedAt           *time.Time `json:"resolved_at"`
	ResolutionNote       string     `gorm:"type:text" json:"resolution_note"`
}

// Pending reports whether the request still awaits a decision.
func (r *EditRequest) Pending() bool {
	return r.Status == EditRequestStatusPending
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&StepDefinition{},
		&ProductionOrder{},
		&Operation{},
		&DefectType{},
		&OperationDefect{},
		&EditRequest{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}

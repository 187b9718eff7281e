package models

import "time"

type InstanceStatus string

const (
	PendingInstanceStatus   InstanceStatus = "PENDING"
	ApprovedInstanceStatus  InstanceStatus = "APPROVED"
	RejectedInstanceStatus  InstanceStatus = "REJECTED"
	CancelledInstanceStatus InstanceStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	return s == ApprovedInstanceStatus || s == RejectedInstanceStatus || s == CancelledInstanceStatus
}

// WorkflowInstance is the live approval state for one business request.
// Stages holds a value copy of the template's stage list taken at creation
// time, so template edits never alter in-flight semantics. Instances are
// never deleted; they are retained for audit even after the owning request
// is archived.
type WorkflowInstance struct {
	ID           int64          `json:"id" db:"id"`
	TemplateID   int64          `json:"template_id" db:"template_id"`   // Template the snapshot was taken from
	RequestType  string         `json:"request_type" db:"request_type"` // Owning request reference
	RequestID    string         `json:"request_id" db:"request_id"`
	CurrentStage int            `json:"current_stage" db:"current_stage"` // 1-based; meaningful only while PENDING
	Status       InstanceStatus `json:"status" db:"status"`
	Stages       StageList      `json:"stages" db:"stages"` // Snapshot, not a live template pointer
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// CurrentStageDef returns the snapshotted definition of the stage the
// instance is currently waiting on.
func (wi WorkflowInstance) CurrentStageDef() (Stage, bool) {
	if wi.CurrentStage < 1 || wi.CurrentStage > len(wi.Stages) {
		return Stage{}, false
	}
	return wi.Stages[wi.CurrentStage-1], true
}

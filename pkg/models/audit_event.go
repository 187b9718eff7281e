package models

import "time"

type AuditEventKind string

const (
	InstanceCreatedEvent   AuditEventKind = "INSTANCE_CREATED"
	InstanceApprovedEvent  AuditEventKind = "INSTANCE_APPROVED"
	InstanceRejectedEvent  AuditEventKind = "INSTANCE_REJECTED"
	InstanceCancelledEvent AuditEventKind = "INSTANCE_CANCELLED"
)

// AuditEvent is one append-only audit trail entry. The trail has no update
// or delete surface; corrections are made by appending superseding events.
type AuditEvent struct {
	ID         int64          `json:"id" db:"id"` // Auto-incremented; tie-break for same-timestamp ordering
	InstanceID int64          `json:"instance_id" db:"instance_id"`
	Kind       AuditEventKind `json:"kind" db:"kind"`
	StageOrder int            `json:"stage_order,omitempty" db:"stage_order"` // 0 for instance-level events
	Actor      string         `json:"actor,omitempty" db:"actor"`
	Detail     string         `json:"detail,omitempty" db:"detail"` // Comments, cancellation reason, etc.
	LoggedAt   time.Time      `json:"logged_at" db:"logged_at"`
}

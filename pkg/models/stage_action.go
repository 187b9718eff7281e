package models

import "time"

type DecisionAction string

const (
	ApproveAction DecisionAction = "APPROVED"
	RejectAction  DecisionAction = "REJECTED"
)

// StageAction is one immutable decision record. At most one exists per
// (instance, stage order) pair; the first accepted decision at a stage is
// final for that stage.
type StageAction struct {
	ID         int64          `json:"id" db:"id"`
	InstanceID int64          `json:"instance_id" db:"instance_id"`
	StageOrder int            `json:"stage_order" db:"stage_order"`
	Action     DecisionAction `json:"action" db:"action"`
	Actor      string         `json:"actor" db:"actor"`         // User who physically made the decision
	ActedFor   string         `json:"acted_for" db:"acted_for"` // Delegator whose authority was used; equals Actor otherwise
	Comments   string         `json:"comments,omitempty" db:"comments"`
	DecidedAt  time.Time      `json:"decided_at" db:"decided_at"`
}

package models

// Notifier event payloads emitted by the instance engine on stage
// transitions. Delivery is owned by the consumer; the engine only emits.

// StageAdvanced signals that an instance moved to its next stage and names
// the roles whose members should be alerted to act.
type StageAdvanced struct {
	InstanceID     int64    `json:"instance_id"`
	NextStageOrder int      `json:"next_stage_order"`
	NextStageName  string   `json:"next_stage_name"`
	ApproverRoles  []string `json:"approver_roles"`
}

// WorkflowApproved signals that the final stage was approved.
type WorkflowApproved struct {
	InstanceID int64 `json:"instance_id"`
}

// WorkflowRejected signals a rejection at some stage.
type WorkflowRejected struct {
	InstanceID      int64  `json:"instance_id"`
	RejectedAtStage int    `json:"rejected_at_stage"`
	Comments        string `json:"comments,omitempty"`
}

// WorkflowCancelled signals an administrative cancellation.
type WorkflowCancelled struct {
	InstanceID int64  `json:"instance_id"`
	Reason     string `json:"reason,omitempty"`
}

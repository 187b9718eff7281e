package service

import "github.com/ignatij/goapprove/pkg/models"

// Notifier receives workflow transition events. Delivery (mail, chat,
// in-app) is implemented elsewhere; the engine only emits, after the
// transition has committed.
type Notifier interface {
	StageAdvanced(e models.StageAdvanced)
	WorkflowApproved(e models.WorkflowApproved)
	WorkflowRejected(e models.WorkflowRejected)
	WorkflowCancelled(e models.WorkflowCancelled)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) StageAdvanced(models.StageAdvanced)         {}
func (NopNotifier) WorkflowApproved(models.WorkflowApproved)   {}
func (NopNotifier) WorkflowRejected(models.WorkflowRejected)   {}
func (NopNotifier) WorkflowCancelled(models.WorkflowCancelled) {}

// LogNotifier writes events to the service logger, useful until a real
// notification channel is wired in.
type LogNotifier struct {
	Logger Logger
}

func (n LogNotifier) StageAdvanced(e models.StageAdvanced) {
	n.Logger.Infof("Instance %d advanced to stage %d (%s), awaiting roles %v", e.InstanceID, e.NextStageOrder, e.NextStageName, e.ApproverRoles)
}

func (n LogNotifier) WorkflowApproved(e models.WorkflowApproved) {
	n.Logger.Infof("Instance %d fully approved", e.InstanceID)
}

func (n LogNotifier) WorkflowRejected(e models.WorkflowRejected) {
	n.Logger.Infof("Instance %d rejected at stage %d", e.InstanceID, e.RejectedAtStage)
}

func (n LogNotifier) WorkflowCancelled(e models.WorkflowCancelled) {
	n.Logger.Infof("Instance %d cancelled: %s", e.InstanceID, e.Reason)
}

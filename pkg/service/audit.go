package service

import (
	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/storage"
)

// AuditService is the read side of the audit trail. Appending is done
// exclusively by the instance engine inside its transactions; no update or
// delete surface exists anywhere, so history is structurally immutable.
type AuditService struct {
	store storage.Store
}

func NewAuditService(store storage.Store) *AuditService {
	return &AuditService{store: store}
}

// ListForInstance returns the instance-level audit events ordered by
// timestamp, with insertion order breaking ties.
func (as *AuditService) ListForInstance(instanceID int64) ([]models.AuditEvent, error) {
	return as.store.ListAuditEvents(instanceID)
}

// ListDecisions returns the immutable stage decision records for an
// instance in stage order.
func (as *AuditService) ListDecisions(instanceID int64) ([]models.StageAction, error) {
	return as.store.ListStageActions(instanceID)
}

package storage

import (
	"time"

	"github.com/ignatij/goapprove/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a uniqueness constraint.
// The engine relies on it for createInstance idempotence
// (request_type, request_id) and for the per-stage decision guard
// (instance_id, stage_order).
var ErrDuplicate = errors.New("duplicate")

// Store defines the storage operations for goapprove. Begin returns a
// transactional Store; writes performed through it become visible
// atomically on Commit.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Template operations
	SaveTemplate(t models.WorkflowTemplate) (int64, error)
	GetTemplate(id int64) (models.WorkflowTemplate, error)
	ListTemplatesByType(requestType string) ([]models.WorkflowTemplate, error)
	SetTemplateActive(id int64, active bool) error
	CountTemplatesByType(requestType string) (int, error)

	// Instance operations
	SaveInstance(wi models.WorkflowInstance) (int64, error)
	GetInstance(id int64) (models.WorkflowInstance, error)
	GetInstanceByRequest(requestType, requestID string) (models.WorkflowInstance, error)
	UpdateInstance(id int64, currentStage int, status models.InstanceStatus) error

	// Stage action operations (insert-only)
	SaveStageAction(a models.StageAction) (int64, error)
	GetStageAction(instanceID int64, stageOrder int) (models.StageAction, error)
	ListStageActions(instanceID int64) ([]models.StageAction, error)

	// Delegation operations
	SaveDelegation(d models.Delegation) (int64, error)
	GetDelegation(id int64) (models.Delegation, error)
	DeactivateDelegation(id int64) error
	ListDelegationsForDelegate(delegate string, at time.Time) ([]models.Delegation, error)
	ListDelegationsForUser(userID string) ([]models.Delegation, error)

	// Audit operations (insert-only)
	SaveAuditEvent(e models.AuditEvent) (int64, error)
	ListAuditEvents(instanceID int64) ([]models.AuditEvent, error)
}

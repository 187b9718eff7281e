package service

import (
	"time"

	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/storage"
	"github.com/pkg/errors"
)

// InstanceView is the read-only projection returned to callers: the
// instance with its snapshotted stage list, every stage decision, and the
// instance-level audit trail.
type InstanceView struct {
	Instance models.WorkflowInstance `json:"instance"`
	Actions  []models.StageAction    `json:"actions"`
	Events   []models.AuditEvent     `json:"events"`
}

// WorkflowService is the instance engine: it creates, advances, and
// terminates per-request workflow instances. Correctness under concurrent
// decisions rests on the storage layer's uniqueness constraint on
// (instance_id, stage_order), not on in-process locking, so the engine
// works across multiple processes without a distributed lock.
type WorkflowService struct {
	store       storage.Store
	roles       RoleDirectory
	delegations *DelegationService
	notifier    Notifier
	logger      Logger
	now         func() time.Time
}

func NewWorkflowService(store storage.Store, roles RoleDirectory, delegations *DelegationService, notifier Notifier, logger Logger) *WorkflowService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &WorkflowService{
		store:       store,
		roles:       roles,
		delegations: delegations,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
	}
}

// CreateInstance attaches a new workflow instance to a business request,
// snapshotting the template's stage list so later template edits cannot
// change in-flight semantics. Idempotent per (requestType, requestID):
// a second call returns the existing instance id.
func (s *WorkflowService) CreateInstance(templateID int64, requestType, requestID string) (id int64, err error) {
	if requestType == "" || requestID == "" {
		return 0, errors.New("request type and request id are required")
	}
	tmpl, err := s.store.GetTemplate(templateID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, errors.Wrapf(storage.ErrNotFound, "template %d", templateID)
		}
		return 0, err
	}
	if !tmpl.Active {
		return 0, errors.Wrapf(ErrTemplateInactive, "template %d", templateID)
	}

	now := s.now()
	txStore, err := s.store.Begin()
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
		}
	}()

	wi := models.WorkflowInstance{
		TemplateID:   tmpl.ID,
		RequestType:  requestType,
		RequestID:    requestID,
		CurrentStage: 1,
		Status:       models.PendingInstanceStatus,
		Stages:       tmpl.Stages,
		CreatedAt:    now,
	}
	id, err = txStore.SaveInstance(wi)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// Another caller (or an earlier retry) already attached an
			// instance to this request; return it instead.
			existing, getErr := s.store.GetInstanceByRequest(requestType, requestID)
			if getErr != nil {
				return 0, errors.Wrap(getErr, "load existing instance")
			}
			return existing.ID, nil
		}
		return 0, errors.Wrap(err, "save instance")
	}
	if _, err = txStore.SaveAuditEvent(models.AuditEvent{
		InstanceID: id,
		Kind:       models.InstanceCreatedEvent,
		Detail:     tmpl.Name,
		LoggedAt:   now,
	}); err != nil {
		return 0, errors.Wrap(err, "audit instance creation")
	}
	if err = txStore.Commit(); err != nil {
		return 0, err
	}
	committed = true
	s.logger.Infof("Created instance %d for %s/%s from template %d", id, requestType, requestID, templateID)
	return id, nil
}

// Decide applies one approve/reject decision to the instance's current
// stage. The actor is authorized against the union of their own roles and
// the roles of anyone currently delegating to them; the delegation window
// is evaluated against a single instant captured at the start of the call.
// Exactly one of two racing decisions at the same stage succeeds; the
// loser gets an AlreadyDecidedError naming the first decision, and the
// instance is left unchanged.
func (s *WorkflowService) Decide(instanceID int64, actor string, action models.DecisionAction, comments string) (view InstanceView, err error) {
	if action != models.ApproveAction && action != models.RejectAction {
		return InstanceView{}, errors.Errorf("invalid action %q", action)
	}
	if actor == "" {
		return InstanceView{}, errors.New("actor is required")
	}
	now := s.now()

	txStore, err := s.store.Begin()
	if err != nil {
		return InstanceView{}, err
	}
	committed := false
	defer func() {
		if !committed {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
		}
	}()

	inst, err := txStore.GetInstance(instanceID)
	if err != nil {
		return InstanceView{}, err
	}
	if inst.Status != models.PendingInstanceStatus {
		err = terminalError(txStore, inst)
		return InstanceView{}, err
	}
	stage, ok := inst.CurrentStageDef()
	if !ok {
		err = errors.Errorf("instance %d has invalid current stage %d", inst.ID, inst.CurrentStage)
		return InstanceView{}, err
	}

	actedFor, err := s.resolveActedFor(actor, stage, now)
	if err != nil {
		return InstanceView{}, err
	}

	a := models.StageAction{
		InstanceID: inst.ID,
		StageOrder: inst.CurrentStage,
		Action:     action,
		Actor:      actor,
		ActedFor:   actedFor,
		Comments:   comments,
		DecidedAt:  now,
	}
	if _, err = txStore.SaveStageAction(a); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// Race loser: the winning transaction has committed, so the
			// first decision is visible outside our aborted transaction.
			if existing, getErr := s.store.GetStageAction(inst.ID, inst.CurrentStage); getErr == nil {
				err = &AlreadyDecidedError{
					StageOrder: existing.StageOrder,
					Action:     existing.Action,
					DecidedBy:  existing.Actor,
					ActedFor:   existing.ActedFor,
					DecidedAt:  existing.DecidedAt,
				}
			} else {
				err = ErrAlreadyDecided
			}
			s.logger.Infof("Decision race on instance %d stage %d lost by %s: %v", inst.ID, inst.CurrentStage, actor, err)
			return InstanceView{}, err
		}
		err = errors.Wrap(err, "save stage action")
		return InstanceView{}, err
	}

	switch {
	case action == models.RejectAction:
		inst.Status = models.RejectedInstanceStatus
		if err = txStore.UpdateInstance(inst.ID, inst.CurrentStage, inst.Status); err != nil {
			return InstanceView{}, err
		}
		if _, err = txStore.SaveAuditEvent(models.AuditEvent{
			InstanceID: inst.ID,
			Kind:       models.InstanceRejectedEvent,
			StageOrder: inst.CurrentStage,
			Actor:      actor,
			Detail:     comments,
			LoggedAt:   now,
		}); err != nil {
			return InstanceView{}, err
		}
	case inst.CurrentStage == len(inst.Stages):
		inst.Status = models.ApprovedInstanceStatus
		if err = txStore.UpdateInstance(inst.ID, inst.CurrentStage, inst.Status); err != nil {
			return InstanceView{}, err
		}
		if _, err = txStore.SaveAuditEvent(models.AuditEvent{
			InstanceID: inst.ID,
			Kind:       models.InstanceApprovedEvent,
			StageOrder: inst.CurrentStage,
			Actor:      actor,
			LoggedAt:   now,
		}); err != nil {
			return InstanceView{}, err
		}
	default:
		inst.CurrentStage++
		if err = txStore.UpdateInstance(inst.ID, inst.CurrentStage, inst.Status); err != nil {
			return InstanceView{}, err
		}
	}
	if err = txStore.Commit(); err != nil {
		return InstanceView{}, err
	}
	committed = true

	s.logger.Infof("Instance %d stage %d %s by %s (for %s)", inst.ID, a.StageOrder, action, actor, actedFor)
	s.emit(inst, a)
	return s.buildView(inst)
}

// resolveActedFor authorizes the actor against the stage's required roles
// and returns the identity whose authority backed the decision: the actor
// when their own roles suffice, otherwise the delegator of the earliest
// qualifying delegation.
func (s *WorkflowService) resolveActedFor(actor string, stage models.Stage, at time.Time) (string, error) {
	own, err := s.roles.RolesOf(actor)
	if err != nil {
		return "", errors.Wrapf(err, "resolve roles of %s", actor)
	}
	if rolesIntersect(own, stage.RequiredRoles) {
		return actor, nil
	}
	delegators, err := s.delegations.ResolveDelegatorsFor(actor, at)
	if err != nil {
		return "", errors.Wrapf(err, "resolve delegations of %s", actor)
	}
	for _, delegator := range delegators {
		granted, err := s.roles.RolesOf(delegator)
		if err != nil {
			return "", errors.Wrapf(err, "resolve roles of delegator %s", delegator)
		}
		if rolesIntersect(granted, stage.RequiredRoles) {
			return delegator, nil
		}
	}
	return "", &UnauthorizedError{
		StageOrder:    stage.Order,
		StageName:     stage.Name,
		RequiredRoles: stage.RequiredRoles,
	}
}

// terminalError carries the closing decision along, so the caller can
// tell the user who decided without a second lookup.
func terminalError(store storage.Store, inst models.WorkflowInstance) *TerminalError {
	te := &TerminalError{Status: inst.Status, CurrentStage: inst.CurrentStage}
	if a, err := store.GetStageAction(inst.ID, inst.CurrentStage); err == nil {
		te.Decision = &a
	}
	return te
}

func (s *WorkflowService) emit(inst models.WorkflowInstance, a models.StageAction) {
	switch inst.Status {
	case models.RejectedInstanceStatus:
		s.notifier.WorkflowRejected(models.WorkflowRejected{
			InstanceID:      inst.ID,
			RejectedAtStage: a.StageOrder,
			Comments:        a.Comments,
		})
	case models.ApprovedInstanceStatus:
		s.notifier.WorkflowApproved(models.WorkflowApproved{InstanceID: inst.ID})
	default:
		if next, ok := inst.CurrentStageDef(); ok {
			s.notifier.StageAdvanced(models.StageAdvanced{
				InstanceID:     inst.ID,
				NextStageOrder: next.Order,
				NextStageName:  next.Name,
				ApproverRoles:  next.RequiredRoles,
			})
		}
	}
}

// Cancel withdraws a pending instance. Authorization to cancel is owned by
// the calling module; the engine only enforces the state machine. The
// cancellation is audit-logged as an instance-level event, not a stage
// decision.
func (s *WorkflowService) Cancel(instanceID int64, actor, reason string) (view InstanceView, err error) {
	now := s.now()
	txStore, err := s.store.Begin()
	if err != nil {
		return InstanceView{}, err
	}
	committed := false
	defer func() {
		if !committed {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
		}
	}()

	inst, err := txStore.GetInstance(instanceID)
	if err != nil {
		return InstanceView{}, err
	}
	if inst.Status != models.PendingInstanceStatus {
		err = terminalError(txStore, inst)
		return InstanceView{}, err
	}
	inst.Status = models.CancelledInstanceStatus
	if err = txStore.UpdateInstance(inst.ID, inst.CurrentStage, inst.Status); err != nil {
		return InstanceView{}, err
	}
	if _, err = txStore.SaveAuditEvent(models.AuditEvent{
		InstanceID: inst.ID,
		Kind:       models.InstanceCancelledEvent,
		Actor:      actor,
		Detail:     reason,
		LoggedAt:   now,
	}); err != nil {
		return InstanceView{}, err
	}
	if err = txStore.Commit(); err != nil {
		return InstanceView{}, err
	}
	committed = true

	s.logger.Infof("Instance %d cancelled by %s: %s", inst.ID, actor, reason)
	s.notifier.WorkflowCancelled(models.WorkflowCancelled{InstanceID: inst.ID, Reason: reason})
	return s.buildView(inst)
}

// GetInstanceView returns the approval progress for one business request.
// A decide committing mid-read must not produce a view pairing a stale
// instance with a newer StageAction, so the instance is re-read after the
// lists and the view rebuilt until both reads agree. The loop is bounded
// by the stage count: each rebuild means a decision landed, and an
// instance admits at most one decision per stage.
func (s *WorkflowService) GetInstanceView(requestType, requestID string) (InstanceView, error) {
	inst, err := s.store.GetInstanceByRequest(requestType, requestID)
	if err != nil {
		return InstanceView{}, err
	}
	for {
		view, err := s.buildView(inst)
		if err != nil {
			return InstanceView{}, err
		}
		latest, err := s.store.GetInstance(inst.ID)
		if err != nil {
			return InstanceView{}, err
		}
		if latest.CurrentStage == inst.CurrentStage && latest.Status == inst.Status {
			return view, nil
		}
		inst = latest
	}
}

func (s *WorkflowService) buildView(inst models.WorkflowInstance) (InstanceView, error) {
	actions, err := s.store.ListStageActions(inst.ID)
	if err != nil {
		return InstanceView{}, errors.Wrapf(err, "list actions for instance %d", inst.ID)
	}
	events, err := s.store.ListAuditEvents(inst.ID)
	if err != nil {
		return InstanceView{}, errors.Wrapf(err, "list audit events for instance %d", inst.ID)
	}
	return InstanceView{Instance: inst, Actions: actions, Events: events}, nil
}

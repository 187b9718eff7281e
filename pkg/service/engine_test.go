package service_test

import (
	"sync"
	"testing"
	"time"

	"github.com/ignatij/goapprove/internal/log"
	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/service"
	"github.com/ignatij/goapprove/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// spyNotifier records emitted events for assertions.
type spyNotifier struct {
	mu        sync.Mutex
	advanced  []models.StageAdvanced
	approved  []models.WorkflowApproved
	rejected  []models.WorkflowRejected
	cancelled []models.WorkflowCancelled
}

func (n *spyNotifier) StageAdvanced(e models.StageAdvanced) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.advanced = append(n.advanced, e)
}

func (n *spyNotifier) WorkflowApproved(e models.WorkflowApproved) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.approved = append(n.approved, e)
}

func (n *spyNotifier) WorkflowRejected(e models.WorkflowRejected) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejected = append(n.rejected, e)
}

func (n *spyNotifier) WorkflowCancelled(e models.WorkflowCancelled) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, e)
}

type engineFixture struct {
	store       storage.Store
	catalog     *service.CatalogService
	delegations *service.DelegationService
	engine      *service.WorkflowService
	notifier    *spyNotifier
	templateID  int64
}

// newEngineFixture wires the engine over the mock store with a two-stage
// invoice template: Finance Review (ACCOUNTANT) then Executive Sign-off
// (CEO), and a role directory where ana is the accountant, carla the CEO,
// and uri a plain employee.
func newEngineFixture(t *testing.T) *engineFixture {
	logger := log.GetLogger()
	store := storage.NewMockStore()
	roles := service.StaticRoleDirectory{
		"ana":   {"ACCOUNTANT"},
		"alex":  {"ACCOUNTANT"},
		"carla": {"CEO"},
		"dana":  {"ACCOUNTANT"},
		"uri":   {"EMPLOYEE"},
	}
	notifier := &spyNotifier{}
	catalog := service.NewCatalogService(store, logger)
	delegations := service.NewDelegationService(store, logger)
	engine := service.NewWorkflowService(store, roles, delegations, notifier, logger)

	tmpl, err := catalog.CreateTemplate(models.WorkflowTemplate{
		Name:        "Invoice Approval",
		RequestType: "INVOICE",
		Stages: models.StageList{
			{Order: 1, Name: "Finance Review", RequiredRoles: []string{"ACCOUNTANT"}},
			{Order: 2, Name: "Executive Sign-off", RequiredRoles: []string{"CEO"}},
		},
	})
	assert.NoError(t, err)

	return &engineFixture{
		store:       store,
		catalog:     catalog,
		delegations: delegations,
		engine:      engine,
		notifier:    notifier,
		templateID:  tmpl.ID,
	}
}

func TestCreateInstance(t *testing.T) {
	t.Run("SnapshotsTemplate", func(t *testing.T) {
		f := newEngineFixture(t)
		id, err := f.engine.CreateInstance(f.templateID, "INVOICE", "inv-1")
		assert.NoError(t, err)
		assert.Greater(t, id, int64(0))

		view, err := f.engine.GetInstanceView("INVOICE", "inv-1")
		assert.NoError(t, err)
		assert.Equal(t, models.PendingInstanceStatus, view.Instance.Status)
		assert.Equal(t, 1, view.Instance.CurrentStage)
		assert.Len(t, view.Instance.Stages, 2)
		assert.Len(t, view.Events, 1)
		assert.Equal(t, models.InstanceCreatedEvent, view.Events[0].Kind)
	})

	t.Run("IdempotentPerRequest", func(t *testing.T) {
		f := newEngineFixture(t)
		first, err := f.engine.CreateInstance(f.templateID, "INVOICE", "inv-1")
		assert.NoError(t, err)
		second, err := f.engine.CreateInstance(f.templateID, "INVOICE", "inv-1")
		assert.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("TemplateNotFound", func(t *testing.T) {
		f := newEngineFixture(t)
		_, err := f.engine.CreateInstance(999, "INVOICE", "inv-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("TemplateInactive", func(t *testing.T) {
		f := newEngineFixture(t)
		assert.NoError(t, f.catalog.Deactivate(f.templateID))
		_, err := f.engine.CreateInstance(f.templateID, "INVOICE", "inv-1")
		assert.ErrorIs(t, err, service.ErrTemplateInactive)
	})

	t.Run("DeactivationDoesNotAffectInFlightInstances", func(t *testing.T) {
		f := newEngineFixture(t)
		id, err := f.engine.CreateInstance(f.templateID, "INVOICE", "inv-1")
		assert.NoError(t, err)
		assert.NoError(t, f.catalog.Deactivate(f.templateID))

		view, err := f.engine.Decide(id, "ana", models.ApproveAction, "")
		assert.NoError(t, err)
		assert.Equal(t, 2, view.Instance.CurrentStage)
	})
}

func TestDecideHappyPath(t *testing.T) {
	f := newEngineFixture(t)
	id, err := f.engine.CreateInstance(f.templateID, "INVOICE", "inv-1")
	assert.NoError(t, err)

	view, err := f.engine.Decide(id, "ana", models.ApproveAction, "numbers add up")
	assert.NoError(t, err)
	assert.Equal(t, models.PendingInstanceStatus, view.Instance.Status)
	assert.Equal(t, 2, view.Instance.CurrentStage)
	assert.Len(t, view.Actions, 1)
	assert.Equal(t, "ana", view.Actions[0].Actor)
	assert.Equal(t, "ana", view.Actions[0].ActedFor)

	assert.Len(t, f.notifier.advanced, 1)
	assert.Equal(t, 2, f.notifier.advanced[0].NextStageOrder)
	assert.Equal(t, []string{"CEO"}, f.notifier.advanced[0].ApproverRoles)

	view, err = f.engine.Decide(id, "carla", models.ApproveAction, "")
	assert.NoError(t, err)
	assert.Equal(t, models.ApprovedInstanceStatus, view.Instance.Status)
	assert.Equal(t, 2, view.Instance.CurrentStage)
	assert.Len(t, view.Actions, 2)
	assert.Len(t, f.notifier.approved, 1)

	// Terminal: nothing further is allowed.
	_, err = f.engine.Decide(id, "carla", models.ApproveAction, "")
	assert.ErrorIs(t, err, service.ErrWorkflowTerminal)
	_, err = f.engine.Cancel(id, "uri", "too late")
	assert.ErrorIs(t, err, service.ErrWorkflowTerminal)
}

func TestDecideReject(t *testing.T) {
	f := newEngineFixture(t)
	id, err := f.engine.CreateInstance(f.templateID, "INVOICE", "inv-1")
	assert.NoError(t, err)

	view, err := f.engine.Decide(id, "ana", models.RejectAction, "missing receipts")
	assert.NoError(t, err)
	assert.Equal(t, models.RejectedInstanceStatus, view.Instance.Status)
	assert.Equal(t, 1, view.Instance.CurrentStage)

	assert.Len(t, f.notifier.rejected, 1)
	assert.Equal(t, 1, f.notifier.rejected[0].RejectedAtStage)
	assert.Equal(t, "missing receipts", f.notifier.rejected[0].Comments)

	_, err = f.engine.Decide(id, "carla", models.ApproveAction, "")
	assert.ErrorIs(t, err, service.ErrWorkflowTerminal)
	var terminal *service.TerminalError
	assert.ErrorAs(t, err, &terminal)
	assert.Equal(t, models.RejectedInstanceStatus, terminal.Status)
	// The error names the closing decision, sparing the caller a lookup.
	assert.Equal(t, 1, terminal.CurrentStage)
	if assert.NotNil(t, terminal.Decision) {
		assert.Equal(t, "ana", terminal.Decision.Actor)
		assert.Equal(t, models.RejectAction, terminal.Decision.Action)
	}
}

func TestDecideUnauthorized(t *testing.T) {
	f := newEngineFixture(t)
	id, err := f.engine.CreateInstance(f.templateID, "INVOICE", "inv-1")
	assert.NoError(t, err)

	_, err = f.engine.Decide(id, "uri", models.ApproveAction, "")
	assert.ErrorIs(t, err, service.ErrUnauthorized)
	var unauthorized *service.UnauthorizedError
	assert.ErrorAs(t, err, &unauthorized)
	assert.Equal(t, 1, unauthorized.StageOrder)
	assert.Equal(t, []string{"ACCOUNTANT"}, unauthorized.RequiredRoles)

	// A failed decide leaves the instance unchanged.
	view, err := f.engine.GetInstanceView("INVOICE", "inv-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, view.Instance.CurrentStage)
	assert.Empty(t, view.Actions)

	// CEO role does not help at the finance stage either.
	_, err = f.engine.Decide(id, "carla", models.ApproveAction, "")
	assert.ErrorIs(t, err, service.ErrUnauthorized)
}

func TestDecideViaDelegation(t *testing.T) {
	t.Run("ActiveWindowGrantsAuthority", func(t *testing.T) {
		f := newEngineFixture(t)
		id, err := f.engine.CreateInstance(f.templateID, "INVOICE", "inv-1")
		assert.NoError(t, err)

		_, err = f.delegations.CreateDelegation("dana", "uri",
			time.Now().Add(-time.Hour), time.Now().Add(time.Hour), "vacation")
		assert.NoError(t, err)

		view, err := f.engine.Decide(id, "uri", models.ApproveAction, "")
		assert.NoError(t, err)
		assert.Equal(t, 2, view.Instance.CurrentStage)
		assert.Equal(t, "uri", view.Actions[0].Actor)
		assert.Equal(t, "dana", view.Actions[0].ActedFor)
	})

	t.Run("ExpiredWindowDoesNot", func(t *testing.T) {
		f := newEngineFixture(t)
		id, err := f.engine.CreateInstance(f.templateID, "INVOICE", "inv-1")
		assert.NoError(t, err)

		// Ended one second ago: no residual authority.
		_, err = f.delegations.CreateDelegation("dana", "uri",
			time.Now().Add(-time.Hour), time.Now().Add(-time.Second), "vacation")
		assert.NoError(t, err)

		_, err = f.engine.Decide(id, "uri", models.ApproveAction, "")
		assert.ErrorIs(t, err, service.ErrUnauthorized)
	})

	t.Run("CancelledGrantDoesNot", func(t *testing.T) {
		f := newEngineFixture(t)
		id, err := f.engine.CreateInstance(f.templateID, "INVOICE", "inv-1")
		assert.NoError(t, err)

		d, err := f.delegations.CreateDelegation("dana", "uri",
			time.Now().Add(-time.Hour), time.Now().Add(time.Hour), "")
		assert.NoError(t, err)
		assert.NoError(t, f.delegations.CancelDelegation(d.ID))

		_, err = f.engine.Decide(id, "uri", models.ApproveAction, "")
		assert.ErrorIs(t, err, service.ErrUnauthorized)
	})

	t.Run("OwnRolesWinOverDelegation", func(t *testing.T) {
		f := newEngineFixture(t)
		id, err := f.engine.CreateInstance(f.templateID, "INVOICE", "inv-1")
		assert.NoError(t, err)

		_, err = f.delegations.CreateDelegation("dana", "ana",
			time.Now().Add(-time.Hour), time.Now().Add(time.Hour), "")
		assert.NoError(t, err)

		view, err := f.engine.Decide(id, "ana", models.ApproveAction, "")
		assert.NoError(t, err)
		assert.Equal(t, "ana", view.Actions[0].ActedFor)
	})
}

// barrierStore delays decisions after their instance read until all
// participants have read, forcing the decide calls to race at the same
// stage instead of serializing by accident.
type barrierStore struct {
	storage.Store
	barrier *sync.WaitGroup
}

func (b *barrierStore) Begin() (storage.Store, error) {
	tx, err := b.Store.Begin()
	if err != nil {
		return nil, err
	}
	return &barrierTx{Store: tx, barrier: b.barrier}, nil
}

type barrierTx struct {
	storage.Store
	barrier *sync.WaitGroup
	once    sync.Once
}

func (t *barrierTx) GetInstance(id int64) (models.WorkflowInstance, error) {
	wi, err := t.Store.GetInstance(id)
	t.once.Do(func() {
		t.barrier.Done()
		t.barrier.Wait()
	})
	return wi, err
}

func TestConcurrentDecide(t *testing.T) {
	logger := log.GetLogger()
	mock := storage.NewMockStore()
	roles := service.StaticRoleDirectory{
		"ana":   {"ACCOUNTANT"},
		"alex":  {"ACCOUNTANT"},
		"carla": {"CEO"},
	}
	catalog := service.NewCatalogService(mock, logger)
	tmpl, err := catalog.CreateTemplate(models.WorkflowTemplate{
		Name:        "Invoice Approval",
		RequestType: "INVOICE",
		Stages: models.StageList{
			{Order: 1, Name: "Finance Review", RequiredRoles: []string{"ACCOUNTANT"}},
			{Order: 2, Name: "Executive Sign-off", RequiredRoles: []string{"CEO"}},
		},
	})
	assert.NoError(t, err)

	barrier := &sync.WaitGroup{}
	store := &barrierStore{Store: mock, barrier: barrier}
	delegations := service.NewDelegationService(store, logger)
	engine := service.NewWorkflowService(store, roles, delegations, nil, logger)

	id, err := engine.CreateInstance(tmpl.ID, "INVOICE", "inv-1")
	assert.NoError(t, err)

	// Two accountants race to decide stage 1; the barrier guarantees both
	// observe the instance at stage 1 before either insert lands.
	barrier.Add(2)
	var wg sync.WaitGroup
	results := make([]error, 2)
	actors := []string{"ana", "alex"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = engine.Decide(id, actors[i], models.ApproveAction, "")
		}(i)
	}
	wg.Wait()

	var winners, losers int
	for i, err := range results {
		if err == nil {
			winners++
			continue
		}
		losers++
		assert.ErrorIs(t, err, service.ErrAlreadyDecided)
		var decided *service.AlreadyDecidedError
		if assert.ErrorAs(t, err, &decided) {
			assert.Equal(t, 1, decided.StageOrder)
			assert.NotEqual(t, actors[i], decided.DecidedBy, "loser must be told who won")
		}
	}
	assert.Equal(t, 1, winners, "exactly one decision wins")
	assert.Equal(t, 1, losers)

	view, err := engine.GetInstanceView("INVOICE", "inv-1")
	assert.NoError(t, err)
	assert.Equal(t, 2, view.Instance.CurrentStage, "stage advances exactly once")
	assert.Equal(t, models.PendingInstanceStatus, view.Instance.Status)
	assert.Len(t, view.Actions, 1)
}

func TestCancel(t *testing.T) {
	f := newEngineFixture(t)
	id, err := f.engine.CreateInstance(f.templateID, "INVOICE", "inv-1")
	assert.NoError(t, err)

	view, err := f.engine.Cancel(id, "uri", "request withdrawn")
	assert.NoError(t, err)
	assert.Equal(t, models.CancelledInstanceStatus, view.Instance.Status)
	assert.Empty(t, view.Actions, "cancellation is not a stage decision")

	var kinds []models.AuditEventKind
	for _, e := range view.Events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, models.InstanceCancelledEvent)

	assert.Len(t, f.notifier.cancelled, 1)
	assert.Equal(t, "request withdrawn", f.notifier.cancelled[0].Reason)

	_, err = f.engine.Cancel(id, "uri", "again")
	assert.ErrorIs(t, err, service.ErrWorkflowTerminal)
	var terminal *service.TerminalError
	assert.ErrorAs(t, err, &terminal)
	assert.Equal(t, models.CancelledInstanceStatus, terminal.Status)
	assert.Equal(t, 1, terminal.CurrentStage)
	assert.Nil(t, terminal.Decision, "cancellation closes without a stage decision")
}

// interceptStore runs a callback before the first action listing, standing
// in for a decide committing between the reader's instance and action
// reads.
type interceptStore struct {
	storage.Store
	once   sync.Once
	during func()
}

func (s *interceptStore) ListStageActions(instanceID int64) ([]models.StageAction, error) {
	s.once.Do(s.during)
	return s.Store.ListStageActions(instanceID)
}

func TestGetInstanceViewConsistentUnderConcurrentDecide(t *testing.T) {
	logger := log.GetLogger()
	mock := storage.NewMockStore()
	roles := service.StaticRoleDirectory{
		"ana":   {"ACCOUNTANT"},
		"carla": {"CEO"},
	}
	catalog := service.NewCatalogService(mock, logger)
	tmpl, err := catalog.CreateTemplate(models.WorkflowTemplate{
		Name:        "Invoice Approval",
		RequestType: "INVOICE",
		Stages: models.StageList{
			{Order: 1, Name: "Finance Review", RequiredRoles: []string{"ACCOUNTANT"}},
			{Order: 2, Name: "Executive Sign-off", RequiredRoles: []string{"CEO"}},
		},
	})
	assert.NoError(t, err)

	writerDelegations := service.NewDelegationService(mock, logger)
	writer := service.NewWorkflowService(mock, roles, writerDelegations, nil, logger)
	id, err := writer.CreateInstance(tmpl.ID, "INVOICE", "inv-1")
	assert.NoError(t, err)

	// The decide lands after the reader loaded the instance but before it
	// listed the actions.
	store := &interceptStore{Store: mock}
	store.during = func() {
		_, err := writer.Decide(id, "ana", models.ApproveAction, "")
		assert.NoError(t, err)
	}
	readerDelegations := service.NewDelegationService(store, logger)
	reader := service.NewWorkflowService(store, roles, readerDelegations, nil, logger)

	view, err := reader.GetInstanceView("INVOICE", "inv-1")
	assert.NoError(t, err)
	// The stage-1 action was committed, so the view must show the advanced
	// instance, never the stale pre-decision one next to the new action.
	assert.Equal(t, 2, view.Instance.CurrentStage)
	assert.Equal(t, models.PendingInstanceStatus, view.Instance.Status)
	assert.Len(t, view.Actions, 1)
}

func TestGetInstanceViewNotFound(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.GetInstanceView("INVOICE", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDecideInvalidInput(t *testing.T) {
	f := newEngineFixture(t)
	id, err := f.engine.CreateInstance(f.templateID, "INVOICE", "inv-1")
	assert.NoError(t, err)

	_, err = f.engine.Decide(id, "ana", models.DecisionAction("MAYBE"), "")
	assert.Error(t, err)
	_, err = f.engine.Decide(id, "", models.ApproveAction, "")
	assert.Error(t, err)
	_, err = f.engine.Decide(999, "ana", models.ApproveAction, "")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestPendingInvariantHolds(t *testing.T) {
	f := newEngineFixture(t)
	id, err := f.engine.CreateInstance(f.templateID, "INVOICE", "inv-1")
	assert.NoError(t, err)

	actors := []string{"ana", "carla"}
	for _, actor := range actors {
		view, err := f.engine.GetInstanceView("INVOICE", "inv-1")
		assert.NoError(t, err)
		if view.Instance.Status == models.PendingInstanceStatus {
			assert.GreaterOrEqual(t, view.Instance.CurrentStage, 1)
			assert.LessOrEqual(t, view.Instance.CurrentStage, len(view.Instance.Stages))
		}
		_, err = f.engine.Decide(id, actor, models.ApproveAction, "")
		assert.NoError(t, err)
	}

	view, err := f.engine.GetInstanceView("INVOICE", "inv-1")
	assert.NoError(t, err)
	assert.Equal(t, models.ApprovedInstanceStatus, view.Instance.Status)
	assert.Equal(t, len(view.Instance.Stages), view.Instance.CurrentStage)
}

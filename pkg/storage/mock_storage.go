package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/ignatij/goapprove/pkg/models"
	"github.com/pkg/errors"
)

// mockStore implements Store with in-memory storage. It enforces the same
// uniqueness constraints as the Postgres schema under a mutex, so the
// engine's concurrency guarantees hold against it too.
type mockStore struct {
	mu           sync.Mutex
	templates    []models.WorkflowTemplate
	instances    []models.WorkflowInstance
	stageActions []models.StageAction
	delegations  []models.Delegation
	auditEvents  []models.AuditEvent
	nextID       int64
}

// NewMockStore returns an empty in-memory store.
func NewMockStore() Store {
	return &mockStore{}
}

type mockTx struct {
	*mockStore
	done bool
}

// Begin hands out a view over the same store. Writes are applied
// immediately under the store mutex; the engine orders its writes so the
// guarded insert happens before any instance mutation, which keeps failure
// paths write-free without a real rollback.
func (m *mockStore) Begin() (Store, error) {
	return &mockTx{mockStore: m}, nil
}

func (m *mockStore) Commit() error {
	return errors.New("not a transaction")
}

func (m *mockStore) Rollback() error {
	return errors.New("not a transaction")
}

func (m *mockStore) Close() error {
	return nil
}

func (tx *mockTx) Commit() error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.done = true
	return nil
}

func (tx *mockTx) Rollback() error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.done = true
	return nil
}

func (m *mockStore) SaveTemplate(t models.WorkflowTemplate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	m.templates = append(m.templates, t)
	return t.ID, nil
}

func (m *mockStore) GetTemplate(id int64) (models.WorkflowTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.templates {
		if t.ID == id {
			return t, nil
		}
	}
	return models.WorkflowTemplate{}, ErrNotFound
}

func (m *mockStore) ListTemplatesByType(requestType string) ([]models.WorkflowTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowTemplate
	for _, t := range m.templates {
		if t.RequestType == requestType {
			out = append(out, t)
		}
	}
	// Most recent first, matching the Postgres ORDER BY.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *mockStore) SetTemplateActive(id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.templates {
		if t.ID == id {
			m.templates[i].Active = active
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) CountTemplatesByType(requestType string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, t := range m.templates {
		if t.RequestType == requestType {
			count++
		}
	}
	return count, nil
}

func (m *mockStore) SaveInstance(wi models.WorkflowInstance) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.instances {
		if existing.RequestType == wi.RequestType && existing.RequestID == wi.RequestID {
			return 0, ErrDuplicate
		}
	}
	m.nextID++
	wi.ID = m.nextID
	m.instances = append(m.instances, wi)
	return wi.ID, nil
}

func (m *mockStore) GetInstance(id int64) (models.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wi := range m.instances {
		if wi.ID == id {
			return wi, nil
		}
	}
	return models.WorkflowInstance{}, ErrNotFound
}

func (m *mockStore) GetInstanceByRequest(requestType, requestID string) (models.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wi := range m.instances {
		if wi.RequestType == requestType && wi.RequestID == requestID {
			return wi, nil
		}
	}
	return models.WorkflowInstance{}, ErrNotFound
}

func (m *mockStore) UpdateInstance(id int64, currentStage int, status models.InstanceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, wi := range m.instances {
		if wi.ID == id {
			m.instances[i].CurrentStage = currentStage
			m.instances[i].Status = status
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveStageAction(a models.StageAction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.stageActions {
		if existing.InstanceID == a.InstanceID && existing.StageOrder == a.StageOrder {
			return 0, ErrDuplicate
		}
	}
	m.nextID++
	a.ID = m.nextID
	m.stageActions = append(m.stageActions, a)
	return a.ID, nil
}

func (m *mockStore) GetStageAction(instanceID int64, stageOrder int) (models.StageAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.stageActions {
		if a.InstanceID == instanceID && a.StageOrder == stageOrder {
			return a, nil
		}
	}
	return models.StageAction{}, ErrNotFound
}

func (m *mockStore) ListStageActions(instanceID int64) ([]models.StageAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StageAction
	for _, a := range m.stageActions {
		if a.InstanceID == instanceID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StageOrder < out[j].StageOrder })
	return out, nil
}

func (m *mockStore) SaveDelegation(d models.Delegation) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	d.ID = m.nextID
	m.delegations = append(m.delegations, d)
	return d.ID, nil
}

func (m *mockStore) GetDelegation(id int64) (models.Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.delegations {
		if d.ID == id {
			return d, nil
		}
	}
	return models.Delegation{}, ErrNotFound
}

func (m *mockStore) DeactivateDelegation(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.delegations {
		if d.ID == id {
			m.delegations[i].Active = false
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) ListDelegationsForDelegate(delegate string, at time.Time) ([]models.Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Delegation
	for _, d := range m.delegations {
		if d.Delegate == delegate && d.ActiveAt(at) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) ListDelegationsForUser(userID string) ([]models.Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Delegation
	for _, d := range m.delegations {
		if d.Delegator == userID || d.Delegate == userID {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) SaveAuditEvent(e models.AuditEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	m.auditEvents = append(m.auditEvents, e)
	return e.ID, nil
}

func (m *mockStore) ListAuditEvents(instanceID int64) ([]models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEvent
	for _, e := range m.auditEvents {
		if e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LoggedAt.Equal(out[j].LoggedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LoggedAt.Before(out[j].LoggedAt)
	})
	return out, nil
}

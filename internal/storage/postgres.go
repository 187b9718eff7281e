package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// SaveTemplate creates a new template and returns its ID
func (s *PostgresStore) SaveTemplate(t models.WorkflowTemplate) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		`INSERT INTO workflow_templates (name, description, request_type, active, stages, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		t.Name, t.Description, t.RequestType, t.Active, t.Stages, t.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save template: %w", err)
	}
	return id, nil
}

// GetTemplate retrieves a template by ID
func (s *PostgresStore) GetTemplate(id int64) (models.WorkflowTemplate, error) {
	var t models.WorkflowTemplate
	err := s.db.Get(&t, "SELECT * FROM workflow_templates WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowTemplate{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowTemplate{}, fmt.Errorf("get template %d: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTemplatesByType(requestType string) ([]models.WorkflowTemplate, error) {
	templates := []models.WorkflowTemplate{}
	err := s.db.Select(&templates,
		"SELECT * FROM workflow_templates WHERE request_type = $1 ORDER BY created_at DESC, id DESC", requestType)
	if err != nil {
		return nil, err
	}
	return templates, nil
}

func (s *PostgresStore) SetTemplateActive(id int64, active bool) error {
	res, err := s.db.Exec("UPDATE workflow_templates SET active = $1 WHERE id = $2", active, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountTemplatesByType(requestType string) (int, error) {
	var count int
	err := s.db.Get(&count, "SELECT COUNT(*) FROM workflow_templates WHERE request_type = $1", requestType)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// SaveInstance creates a new workflow instance with its stage snapshot.
// The UNIQUE (request_type, request_id) constraint backs createInstance
// idempotence; violations surface as storage.ErrDuplicate.
func (s *PostgresStore) SaveInstance(wi models.WorkflowInstance) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		`INSERT INTO workflow_instances (template_id, request_type, request_id, current_stage, status, stages, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		wi.TemplateID, wi.RequestType, wi.RequestID, wi.CurrentStage, wi.Status, wi.Stages, wi.CreatedAt).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, storage.ErrDuplicate
		}
		return 0, fmt.Errorf("save instance: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetInstance(id int64) (models.WorkflowInstance, error) {
	var wi models.WorkflowInstance
	err := s.db.Get(&wi, "SELECT * FROM workflow_instances WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowInstance{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowInstance{}, fmt.Errorf("get instance %d: %w", id, err)
	}
	return wi, nil
}

func (s *PostgresStore) GetInstanceByRequest(requestType, requestID string) (models.WorkflowInstance, error) {
	var wi models.WorkflowInstance
	err := s.db.Get(&wi,
		"SELECT * FROM workflow_instances WHERE request_type = $1 AND request_id = $2", requestType, requestID)
	if err == sql.ErrNoRows {
		return models.WorkflowInstance{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowInstance{}, fmt.Errorf("get instance for %s/%s: %w", requestType, requestID, err)
	}
	return wi, nil
}

func (s *PostgresStore) UpdateInstance(id int64, currentStage int, status models.InstanceStatus) error {
	res, err := s.db.Exec(
		"UPDATE workflow_instances SET current_stage = $1, status = $2 WHERE id = $3",
		currentStage, status, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SaveStageAction appends a decision record. The UNIQUE
// (instance_id, stage_order) constraint is the engine's concurrency guard:
// of two racing inserts exactly one succeeds and the other gets
// storage.ErrDuplicate.
func (s *PostgresStore) SaveStageAction(a models.StageAction) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		`INSERT INTO stage_actions (instance_id, stage_order, action, actor, acted_for, comments, decided_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		a.InstanceID, a.StageOrder, a.Action, a.Actor, a.ActedFor, a.Comments, a.DecidedAt).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, storage.ErrDuplicate
		}
		return 0, fmt.Errorf("save stage action: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetStageAction(instanceID int64, stageOrder int) (models.StageAction, error) {
	var a models.StageAction
	err := s.db.Get(&a,
		"SELECT * FROM stage_actions WHERE instance_id = $1 AND stage_order = $2", instanceID, stageOrder)
	if err == sql.ErrNoRows {
		return models.StageAction{}, storage.ErrNotFound
	}
	if err != nil {
		return models.StageAction{}, fmt.Errorf("get stage action %d/%d: %w", instanceID, stageOrder, err)
	}
	return a, nil
}

func (s *PostgresStore) ListStageActions(instanceID int64) ([]models.StageAction, error) {
	actions := []models.StageAction{}
	err := s.db.Select(&actions,
		"SELECT * FROM stage_actions WHERE instance_id = $1 ORDER BY stage_order", instanceID)
	if err != nil {
		return nil, err
	}
	return actions, nil
}

func (s *PostgresStore) SaveDelegation(d models.Delegation) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		`INSERT INTO delegations (delegator, delegate, starts_at, ends_at, reason, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		d.Delegator, d.Delegate, d.StartsAt, d.EndsAt, d.Reason, d.Active, d.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save delegation: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetDelegation(id int64) (models.Delegation, error) {
	var d models.Delegation
	err := s.db.Get(&d, "SELECT * FROM delegations WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Delegation{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Delegation{}, fmt.Errorf("get delegation %d: %w", id, err)
	}
	return d, nil
}

func (s *PostgresStore) DeactivateDelegation(id int64) error {
	res, err := s.db.Exec("UPDATE delegations SET active = FALSE WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListDelegationsForDelegate(delegate string, at time.Time) ([]models.Delegation, error) {
	dels := []models.Delegation{}
	err := s.db.Select(&dels,
		`SELECT * FROM delegations
		 WHERE delegate = $1 AND active = TRUE AND starts_at <= $2 AND ends_at >= $2
		 ORDER BY id`, delegate, at)
	if err != nil {
		return nil, err
	}
	return dels, nil
}

func (s *PostgresStore) ListDelegationsForUser(userID string) ([]models.Delegation, error) {
	dels := []models.Delegation{}
	err := s.db.Select(&dels,
		"SELECT * FROM delegations WHERE delegator = $1 OR delegate = $1 ORDER BY id", userID)
	if err != nil {
		return nil, err
	}
	return dels, nil
}

// SaveAuditEvent appends to the audit trail. There is deliberately no
// corresponding UPDATE or DELETE statement anywhere in this package.
func (s *PostgresStore) SaveAuditEvent(e models.AuditEvent) (int64, error) {
	var id int64
	err := s.db.QueryRowx(
		`INSERT INTO audit_events (instance_id, kind, stage_order, actor, detail, logged_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		e.InstanceID, e.Kind, e.StageOrder, e.Actor, e.Detail, e.LoggedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save audit event: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListAuditEvents(instanceID int64) ([]models.AuditEvent, error) {
	events := []models.AuditEvent{}
	err := s.db.Select(&events,
		"SELECT * FROM audit_events WHERE instance_id = $1 ORDER BY logged_at, id", instanceID)
	if err != nil {
		return nil, err
	}
	return events, nil
}

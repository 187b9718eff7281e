package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Stage is one ordered step within a template. Members of any of the
// required roles may decide at this stage.
type Stage struct {
	Order         int      `json:"order"`          // 1-based position within the template
	Name          string   `json:"name"`           // Descriptive name (e.g., "Finance Review")
	RequiredRoles []string `json:"required_roles"` // Non-empty set of role names allowed to decide
}

// StageList is an ordered stage sequence stored as a single JSONB value,
// both on templates and as the per-instance snapshot.
type StageList []Stage

// Value implements driver.Valuer for JSONB storage. Returns a string so
// the driver sends it as text rather than bytea.
func (sl StageList) Value() (driver.Value, error) {
	b, err := json.Marshal(sl)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for JSONB retrieval.
func (sl *StageList) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, sl)
	case string:
		return json.Unmarshal([]byte(v), sl)
	case nil:
		*sl = nil
		return nil
	default:
		return errors.Errorf("cannot scan %T into StageList", src)
	}
}

// Validate checks that stage orders form a contiguous 1..N sequence and
// that every stage names at least one required role.
func (sl StageList) Validate() error {
	if len(sl) == 0 {
		return errors.New("template must define at least one stage")
	}
	for i, st := range sl {
		if st.Order != i+1 {
			return errors.Errorf("stage orders must be contiguous starting at 1: position %d has order %d", i+1, st.Order)
		}
		if len(st.RequiredRoles) == 0 {
			return errors.Errorf("stage %d (%s) has no required roles", st.Order, st.Name)
		}
	}
	return nil
}

// WorkflowTemplate is a named approval recipe for one request type.
// Once an instance references a template, the template's stage list is
// never edited in place; administrators create a new template instead.
type WorkflowTemplate struct {
	ID          int64     `json:"id" db:"id"`                   // Unique identifier (PostgreSQL auto-increment)
	Name        string    `json:"name" db:"name"`               // Descriptive name (e.g., "Standard Purchase Approval")
	Description string    `json:"description" db:"description"` // Free-text description
	RequestType string    `json:"request_type" db:"request_type"`
	Active      bool      `json:"active" db:"active"`           // Inactive templates cannot back new instances
	Stages      StageList `json:"stages" db:"stages"`           // Ordered stage definitions
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

package models

import "time"

// Delegation is a time-bounded grant of the delegator's approval authority
// to the delegate. The window is inclusive on both ends; a cancelled
// delegation never resolves regardless of its window.
type Delegation struct {
	ID        int64     `json:"id" db:"id"`
	Delegator string    `json:"delegator" db:"delegator"`
	Delegate  string    `json:"delegate" db:"delegate"`
	StartsAt  time.Time `json:"starts_at" db:"starts_at"`
	EndsAt    time.Time `json:"ends_at" db:"ends_at"`
	Reason    string    `json:"reason,omitempty" db:"reason"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ActiveAt reports whether the delegation grants authority at the given
// instant: active AND starts_at <= at <= ends_at.
func (d Delegation) ActiveAt(at time.Time) bool {
	return d.Active && !at.Before(d.StartsAt) && !at.After(d.EndsAt)
}

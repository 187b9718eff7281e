package service

import (
	"time"

	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/storage"
	"github.com/pkg/errors"
)

// DelegationService manages time-bounded grants of approval authority and
// the time-aware resolution used by the instance engine. Activity is
// always computed as active AND starts_at <= now <= ends_at, so
// delegations expire without an explicit cancellation.
type DelegationService struct {
	store  storage.Store
	logger Logger
	now    func() time.Time
}

func NewDelegationService(store storage.Store, logger Logger) *DelegationService {
	return &DelegationService{store: store, logger: logger, now: time.Now}
}

// CreateDelegation records a new grant. Overlapping delegations from the
// same delegator are permitted; multiple simultaneous delegates are
// allowed on purpose.
func (ds *DelegationService) CreateDelegation(delegator, delegate string, startsAt, endsAt time.Time, reason string) (models.Delegation, error) {
	if delegator == "" || delegate == "" {
		return models.Delegation{}, errors.New("delegator and delegate are required")
	}
	if delegator == delegate {
		return models.Delegation{}, ErrSelfDelegation
	}
	if startsAt.After(endsAt) {
		return models.Delegation{}, ErrInvalidRange
	}
	d := models.Delegation{
		Delegator: delegator,
		Delegate:  delegate,
		StartsAt:  startsAt,
		EndsAt:    endsAt,
		Reason:    reason,
		Active:    true,
		CreatedAt: ds.now(),
	}
	id, err := ds.store.SaveDelegation(d)
	if err != nil {
		return models.Delegation{}, errors.Wrap(err, "save delegation")
	}
	d.ID = id
	ds.logger.Infof("Created delegation %d: %s -> %s [%s, %s]",
		id, delegator, delegate, startsAt.Format(time.RFC3339), endsAt.Format(time.RFC3339))
	return d, nil
}

// CancelDelegation sets the grant inactive. Cancelling an already
// inactive delegation is a no-op.
func (ds *DelegationService) CancelDelegation(id int64) error {
	if err := ds.store.DeactivateDelegation(id); err != nil {
		return err
	}
	ds.logger.Infof("Cancelled delegation %d", id)
	return nil
}

// ResolveDelegatorsFor returns the delegators whose authority the delegate
// holds at the given instant.
func (ds *DelegationService) ResolveDelegatorsFor(delegate string, at time.Time) ([]string, error) {
	dels, err := ds.store.ListDelegationsForDelegate(delegate, at)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(dels))
	var out []string
	for _, d := range dels {
		if _, ok := seen[d.Delegator]; ok {
			continue
		}
		seen[d.Delegator] = struct{}{}
		out = append(out, d.Delegator)
	}
	return out, nil
}

// ListForUser returns delegations where the user appears on either side,
// for display.
func (ds *DelegationService) ListForUser(userID string) ([]models.Delegation, error) {
	return ds.store.ListDelegationsForUser(userID)
}

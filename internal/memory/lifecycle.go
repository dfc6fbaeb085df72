package memory

import (
	"encoding/json"
	"fmt"
	"time"
)

// LifecycleState enumerates the retention states of a stored row.
type LifecycleState uint8

const (
	StateActive LifecycleState = iota
	StateSoftDeleted
	StatePurged
)

func (s LifecycleState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSoftDeleted:
		return "soft_deleted"
	case StatePurged:
		return "purged"
	default:
		return fmt.Sprintf("LifecycleState(%d)", uint8(s))
	}
}

// Lifecycle is Active, SoftDeleted{at} or Purged{at}. The zero value is
// Active. A purged row always remembers when it was soft-deleted.
type Lifecycle struct {
	state     LifecycleState
	deletedAt time.Time
	purgedAt  time.Time
}

func Active() Lifecycle { return Lifecycle{} }

func SoftDeleted(at time.Time) Lifecycle {
	return Lifecycle{state: StateSoftDeleted, deletedAt: at.UTC()}
}

// Purge moves a soft-deleted row to Purged. Active rows cannot skip the
// soft-delete step.
func (l Lifecycle) Purge(at time.Time) (Lifecycle, error) {
	if l.state != StateSoftDeleted {
		return l, fmt.Errorf("%w: purge from %s", ErrInvalidInput, l.state)
	}
	return Lifecycle{state: StatePurged, deletedAt: l.deletedAt, purgedAt: at.UTC()}, nil
}

func (l Lifecycle) State() LifecycleState { return l.state }
func (l Lifecycle) IsActive() bool        { return l.state == StateActive }

// DeletedAt returns the soft-delete time, if any.
func (l Lifecycle) DeletedAt() (time.Time, bool) {
	return l.deletedAt, l.state != StateActive
}

// PurgedAt returns the purge time, if any.
func (l Lifecycle) PurgedAt() (time.Time, bool) {
	return l.purgedAt, l.state == StatePurged
}

// LifecycleFromColumns rebuilds a lifecycle from nullable deleted_at and
// purged_at columns. A purge without a delete is rejected.
func LifecycleFromColumns(deletedAt, purgedAt *time.Time) (Lifecycle, error) {
	switch {
	case deletedAt == nil && purgedAt == nil:
		return Active(), nil
	case deletedAt == nil:
		return Lifecycle{}, fmt.Errorf("%w: purged_at set without deleted_at", ErrInvalidInput)
	case purgedAt == nil:
		return SoftDeleted(*deletedAt), nil
	default:
		return SoftDeleted(*deletedAt).Purge(*purgedAt)
	}
}

// Columns is the inverse of LifecycleFromColumns.
func (l Lifecycle) Columns() (deletedAt, purgedAt *time.Time) {
	if d, ok := l.DeletedAt(); ok {
		deletedAt = &d
	}
	if p, ok := l.PurgedAt(); ok {
		purgedAt = &p
	}
	return deletedAt, purgedAt
}

type lifecycleJSON struct {
	State     string     `json:"state"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	PurgedAt  *time.Time `json:"purged_at,omitempty"`
}

func (l Lifecycle) MarshalJSON() ([]byte, error) {
	d, p := l.Columns()
	return json.Marshal(lifecycleJSON{State: l.state.String(), DeletedAt: d, PurgedAt: p})
}

func (l *Lifecycle) UnmarshalJSON(data []byte) error {
	var raw lifecycleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := LifecycleFromColumns(raw.DeletedAt, raw.PurgedAt)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

package inmemdb

import (
	"context"

	"github.com/vaultgrade/backend/core/audit"
)

type auditRepository struct {
	db *auditTable
}

var _ audit.Repository = (*auditRepository)(nil)

func NewAuditRepository(db *DB) audit.Repository {
	return &auditRepository{db: db.audit}
}

func (repo *auditRepository) CreateEvent(_ context.Context, ev audit.Event) (audit.Event, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	md := make(audit.Metadata, len(ev.Metadata))
	for k, v := range ev.Metadata {
		md[k] = v
	}
	ev.Metadata = md
	repo.db.rows = append(repo.db.rows, ev)
	return ev, nil
}

func (repo *auditRepository) FilterEvents(_ context.Context, filter audit.QueryFilter) ([]audit.Event, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	events := make([]audit.Event, 0)
	for i := len(repo.db.rows) - 1; i >= 0; i-- {
		ev := repo.db.rows[i]
		if !matchEvent(ev, filter) {
			continue
		}
		events = append(events, ev)
		if filter.Limit > 0 && len(events) == filter.Limit {
			break
		}
	}
	return events, nil
}

func matchEvent(ev audit.Event, filter audit.QueryFilter) bool {
	if filter.ActorID != "" && ev.ActorID != filter.ActorID {
		return false
	}
	if !filter.From.IsZero() && ev.Timestamp.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && ev.Timestamp.After(filter.To) {
		return false
	}
	if len(filter.Actions) == 0 {
		return true
	}
	for _, a := range filter.Actions {
		if a == ev.Action {
			return true
		}
	}
	return false
}

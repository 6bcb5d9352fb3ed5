package sqlxrepos

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/vaultgrade/backend/core/audit"
)

type auditRow struct {
	ID         string    `db:"id"`
	Action     string    `db:"action"`
	ActorID    string    `db:"actor_id"`
	Timestamp  time.Time `db:"timestamp"`
	SourceAddr string    `db:"source_addr"`
	Metadata   string    `db:"metadata"`
}

type auditRepository struct {
	db *sqlx.DB
}

var _ audit.Repository = (*auditRepository)(nil)

// NewAuditRepository returns an insert-only event store: there is no update or delete.
func NewAuditRepository(db *sqlx.DB) audit.Repository {
	return &auditRepository{db: db}
}

func (repo *auditRepository) CreateEvent(ctx context.Context, ev audit.Event) (audit.Event, error) {
	md, err := json.Marshal(ev.Metadata)
	if err != nil {
		return audit.Event{}, errors.Wrap(err, "encoding metadata")
	}
	row := auditRow{
		ID:         ev.ID,
		Action:     string(ev.Action),
		ActorID:    ev.ActorID,
		Timestamp:  ev.Timestamp.UTC(),
		SourceAddr: ev.SourceAddr,
		Metadata:   string(md),
	}
	q := `INSERT INTO audit_events (id, action, actor_id, timestamp, source_addr, metadata)
		VALUES (:id, :action, :actor_id, :timestamp, :source_addr, :metadata)`
	if _, err := repo.db.NamedExecContext(ctx, q, row); err != nil {
		return audit.Event{}, errors.Wrap(err, "inserting audit event")
	}
	return ev, nil
}

func (repo *auditRepository) FilterEvents(ctx context.Context, filter audit.QueryFilter) ([]audit.Event, error) {
	where := []string{"1 = 1"}
	args := make([]interface{}, 0)
	if len(filter.Actions) > 0 {
		where = append(where, "action IN (?)")
		args = append(args, filter.Actions)
	}
	if filter.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if !filter.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.To.UTC())
	}
	q := `SELECT id, action, actor_id, timestamp, source_addr, metadata FROM audit_events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY timestamp DESC`
	if filter.Limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "building audit query")
	}
	var rows []auditRow
	if err := repo.db.SelectContext(ctx, &rows, repo.db.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "selecting audit events")
	}
	events := make([]audit.Event, 0, len(rows))
	for _, row := range rows {
		ev := audit.Event{
			ID:         row.ID,
			Action:     audit.Action(row.Action),
			ActorID:    row.ActorID,
			Timestamp:  row.Timestamp.UTC(),
			SourceAddr: row.SourceAddr,
		}
		if err := json.Unmarshal([]byte(row.Metadata), &ev.Metadata); err != nil {
			return nil, errors.Wrap(err, "decoding metadata")
		}
		events = append(events, ev)
	}
	return events, nil
}

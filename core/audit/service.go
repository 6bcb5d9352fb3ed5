// Package audit keeps the append-only log of security relevant events.
//
// Record is synchronous: callers record an event before they make the
// matching state change visible, so a missing entry aborts the operation.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/access"
)

type Service struct {
	repo     Repository
	logger   core.Logger
	enforcer *access.Enforcer
	nowFunc  func() time.Time
}

var _ access.DenialRecorder = (*Service)(nil)

func NewService(repo Repository, logger core.Logger) *Service {
	svc := &Service{
		repo:    repo,
		logger:  logger,
		nowFunc: time.Now,
	}
	svc.enforcer = access.NewEnforcer(svc)
	return svc
}

// Record persists an event attributed to actorID. The source address is read from ctx.
func (svc *Service) Record(ctx context.Context, action Action, actorID string, metadata Metadata) (Event, error) {
	ev := Event{
		ID:         uuid.NewString(),
		Action:     action,
		ActorID:    actorID,
		Timestamp:  svc.nowFunc().UTC().Truncate(time.Microsecond),
		SourceAddr: core.SourceAddr(ctx),
		Metadata:   metadata,
	}
	ev, err := svc.repo.CreateEvent(ctx, ev)
	if err != nil {
		svc.logger.Error("recording audit event "+string(action), err)
		return Event{}, errors.Wrapf(err, "recording %s", action)
	}
	return ev, nil
}

// RecordDenial implements access.DenialRecorder.
func (svc *Service) RecordDenial(ctx context.Context, p access.Principal, resource access.Resource, action access.Action) error {
	_, err := svc.Record(ctx, ActionAccessDenied, p.ID, Metadata{
		"role":     string(p.Role),
		"resource": string(resource),
		"action":   string(action),
	})
	return err
}

// Recent returns the newest events matching filter. It does no access check and
// is not audited; services use it to look back at their own records.
func (svc *Service) Recent(ctx context.Context, filter QueryFilter) ([]Event, error) {
	filter.Clean()
	events, err := svc.repo.FilterEvents(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "filtering audit events")
	}
	return events, nil
}

// Query lists events for an admin. The read itself is audited.
func (svc *Service) Query(ctx context.Context, p access.Principal, filter QueryFilter) ([]Event, error) {
	if err := svc.enforcer.CheckAny(ctx, p, access.AuditLog, access.Read); err != nil {
		return nil, err
	}
	filter.Clean()
	if _, err := svc.Record(ctx, ActionAuditRead, p.ID, nil); err != nil {
		return nil, err
	}
	events, err := svc.repo.FilterEvents(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "filtering audit events")
	}
	return events, nil
}

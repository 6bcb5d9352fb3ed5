// Package access holds the fixed role/resource/action policy of the portal.
//
// The table is compiled into the binary: changing it requires a redeploy.
package access

import (
	"context"

	"github.com/vaultgrade/backend/core"
)

type (
	Role     string
	Resource string
	Action   string
	Scope    int
)

const (
	RoleStudent  Role = "student"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
)

const (
	ProjectFiles     Resource = "project_files"
	Evaluations      Resource = "evaluations"
	PublishedResults Resource = "published_results"
	AuditLog         Resource = "audit_log"
	Users            Resource = "users"
)

const (
	Read    Action = "read"
	Write   Action = "write"
	Delete  Action = "delete"
	Publish Action = "publish"
)

const (
	ScopeNone     Scope = iota
	ScopeOwn            // records owned by the principal
	ScopeAssigned       // records assigned to the principal
	ScopeAny
)

var (
	AllRoles     = []Role{RoleStudent, RoleReviewer, RoleAdmin}
	AllResources = []Resource{ProjectFiles, Evaluations, PublishedResults, AuditLog, Users}
	AllActions   = []Action{Read, Write, Delete, Publish}
)

func (s Scope) String() string {
	switch s {
	case ScopeOwn:
		return "own"
	case ScopeAssigned:
		return "assigned"
	case ScopeAny:
		return "any"
	default:
		return "none"
	}
}

func (r Role) Valid() bool {
	return r == RoleStudent || r == RoleReviewer || r == RoleAdmin
}

type rule map[Action]Scope

var policy = map[Role]map[Resource]rule{
	RoleStudent: {
		ProjectFiles:     {Read: ScopeOwn, Write: ScopeOwn},
		PublishedResults: {Read: ScopeOwn},
	},
	RoleReviewer: {
		ProjectFiles: {Read: ScopeAssigned},
		Evaluations:  {Read: ScopeOwn, Write: ScopeOwn},
	},
	RoleAdmin: {
		ProjectFiles:     {Read: ScopeAny, Write: ScopeAny, Delete: ScopeAny},
		Evaluations:      {Read: ScopeAny, Write: ScopeAny, Delete: ScopeAny},
		PublishedResults: {Read: ScopeAny, Write: ScopeAny, Delete: ScopeAny, Publish: ScopeAny},
		AuditLog:         {Read: ScopeAny},
		Users:            {Read: ScopeAny, Write: ScopeAny},
	},
}

// Decision is the outcome of a policy lookup.
type Decision struct {
	Role     Role
	Resource Resource
	Action   Action
	Scope    Scope
}

func (d Decision) Allowed() bool { return d.Scope != ScopeNone }

// Authorize looks up (role, resource, action) in the policy table.
// Unknown roles, resources or actions are denied.
func Authorize(role Role, resource Resource, action Action) Decision {
	d := Decision{Role: role, Resource: resource, Action: action}
	if rules, ok := policy[role]; ok {
		d.Scope = rules[resource][action]
	}
	return d
}

// Principal is the authenticated caller of an operation.
type Principal struct {
	ID   string
	Role Role
}

// Relation describes how the target record relates to the principal.
type Relation struct {
	OwnerID    string
	AssigneeID string
}

// Permits reports whether the decision covers a record with the given relation to p.
func (d Decision) Permits(p Principal, rel Relation) bool {
	switch d.Scope {
	case ScopeAny:
		return true
	case ScopeOwn:
		return p.ID != "" && rel.OwnerID == p.ID
	case ScopeAssigned:
		return p.ID != "" && rel.AssigneeID == p.ID
	default:
		return false
	}
}

// DenialRecorder receives every denied access check.
type DenialRecorder interface {
	RecordDenial(ctx context.Context, p Principal, resource Resource, action Action) error
}

// Enforcer turns policy decisions into AccessDenied errors and records denials.
type Enforcer struct {
	recorder DenialRecorder
}

func NewEnforcer(recorder DenialRecorder) *Enforcer {
	return &Enforcer{recorder: recorder}
}

// Check returns the decision for p when it is allowed at all, or an AccessDenied error.
func (e *Enforcer) Check(ctx context.Context, p Principal, resource Resource, action Action) (Decision, error) {
	d := Authorize(p.Role, resource, action)
	if !d.Allowed() {
		return d, e.deny(ctx, p, resource, action)
	}
	return d, nil
}

// CheckRecord is Check followed by a scope check against rel.
func (e *Enforcer) CheckRecord(ctx context.Context, p Principal, resource Resource, action Action, rel Relation) error {
	d, err := e.Check(ctx, p, resource, action)
	if err != nil {
		return err
	}
	if !d.Permits(p, rel) {
		return e.deny(ctx, p, resource, action)
	}
	return nil
}

// CheckAny requires an unscoped grant; used for admin-only operations.
func (e *Enforcer) CheckAny(ctx context.Context, p Principal, resource Resource, action Action) error {
	d := Authorize(p.Role, resource, action)
	if d.Scope != ScopeAny {
		return e.deny(ctx, p, resource, action)
	}
	return nil
}

// Deny records a denial that the policy table alone cannot express, e.g. a role gate.
func (e *Enforcer) Deny(ctx context.Context, p Principal, resource Resource, action Action) error {
	return e.deny(ctx, p, resource, action)
}

func (e *Enforcer) deny(ctx context.Context, p Principal, resource Resource, action Action) error {
	if e != nil && e.recorder != nil {
		if err := e.recorder.RecordDenial(ctx, p, resource, action); err != nil {
			return err
		}
	}
	return core.ErrAccessDenied.WithMessage("permission denied: " + string(action) + " " + string(resource))
}

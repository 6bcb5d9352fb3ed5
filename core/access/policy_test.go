package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultgrade/backend/core"
)

func TestAuthorize(t *testing.T) {
	// R W D P per resource; "-" = deny, o = own, a = assigned, * = any
	want := map[Role]map[Resource]string{
		RoleStudent: {
			ProjectFiles:     "oo--",
			Evaluations:      "----",
			PublishedResults: "o---",
			AuditLog:         "----",
			Users:            "----",
		},
		RoleReviewer: {
			ProjectFiles:     "a---",
			Evaluations:      "oo--",
			PublishedResults: "----",
			AuditLog:         "----",
			Users:            "----",
		},
		RoleAdmin: {
			ProjectFiles:     "***-",
			Evaluations:      "***-",
			PublishedResults: "****",
			AuditLog:         "*---",
			Users:            "**--",
		},
	}
	scopes := map[byte]Scope{'-': ScopeNone, 'o': ScopeOwn, 'a': ScopeAssigned, '*': ScopeAny}

	for _, role := range AllRoles {
		for _, res := range AllResources {
			for i, act := range AllActions {
				wantScope := scopes[want[role][res][i]]
				t.Run(string(role)+"/"+string(res)+"/"+string(act), func(t *testing.T) {
					d := Authorize(role, res, act)
					assert.Equal(t, wantScope, d.Scope)
					assert.Equal(t, wantScope != ScopeNone, d.Allowed())
				})
			}
		}
	}
}

func TestAuthorizeUnknown(t *testing.T) {
	assert.False(t, Authorize("janitor", ProjectFiles, Read).Allowed())
	assert.False(t, Authorize(RoleAdmin, "secrets", Read).Allowed())
	assert.False(t, Authorize(RoleAdmin, ProjectFiles, "execute").Allowed())
	assert.False(t, Authorize("", "", "").Allowed())
}

func TestDecisionPermits(t *testing.T) {
	alice := Principal{ID: "alice", Role: RoleStudent}
	roberts := Principal{ID: "roberts", Role: RoleReviewer}
	admin := Principal{ID: "root", Role: RoleAdmin}
	rel := Relation{OwnerID: "alice", AssigneeID: "roberts"}

	tests := []struct {
		name string
		p    Principal
		res  Resource
		act  Action
		rel  Relation
		want bool
	}{
		{name: "student reads own file", p: alice, res: ProjectFiles, act: Read, rel: rel, want: true},
		{name: "student reads other file", p: alice, res: ProjectFiles, act: Read, rel: Relation{OwnerID: "bob"}},
		{name: "reviewer reads assigned file", p: roberts, res: ProjectFiles, act: Read, rel: rel, want: true},
		{name: "reviewer reads unassigned file", p: roberts, res: ProjectFiles, act: Read, rel: Relation{OwnerID: "alice", AssigneeID: "williams"}},
		{name: "admin reads anything", p: admin, res: ProjectFiles, act: Read, rel: Relation{}, want: true},
		{name: "empty principal id never owns", p: Principal{Role: RoleStudent}, res: ProjectFiles, act: Read, rel: Relation{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Authorize(tt.p.Role, tt.res, tt.act)
			assert.Equal(t, tt.want, d.Permits(tt.p, tt.rel))
		})
	}
}

type denialSpy struct {
	denials []Action
	err     error
}

func (s *denialSpy) RecordDenial(_ context.Context, _ Principal, _ Resource, action Action) error {
	s.denials = append(s.denials, action)
	return s.err
}

func TestEnforcer(t *testing.T) {
	ctx := context.Background()
	spy := new(denialSpy)
	enf := NewEnforcer(spy)
	alice := Principal{ID: "alice", Role: RoleStudent}

	err := enf.CheckRecord(ctx, alice, ProjectFiles, Read, Relation{OwnerID: "alice"})
	require.NoError(t, err)

	err = enf.CheckRecord(ctx, alice, ProjectFiles, Read, Relation{OwnerID: "bob"})
	assert.True(t, errors.Is(err, core.ErrAccessDenied))

	_, err = enf.Check(ctx, alice, AuditLog, Read)
	assert.True(t, errors.Is(err, core.ErrAccessDenied))
	assert.Equal(t, []Action{Read, Read}, spy.denials)

	// a failing recorder aborts the operation with its own error
	spy.err = errors.New("disk full")
	_, err = enf.Check(ctx, alice, Evaluations, Write)
	assert.EqualError(t, err, "disk full")
}

func TestEnforcerCheckAny(t *testing.T) {
	ctx := context.Background()
	enf := NewEnforcer(nil)

	assert.NoError(t, enf.CheckAny(ctx, Principal{ID: "root", Role: RoleAdmin}, Evaluations, Write))
	// reviewers may write their own evaluations but hold no unscoped grant
	err := enf.CheckAny(ctx, Principal{ID: "roberts", Role: RoleReviewer}, Evaluations, Write)
	assert.True(t, errors.Is(err, core.ErrAccessDenied))
}

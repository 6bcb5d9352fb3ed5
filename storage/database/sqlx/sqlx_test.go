package sqlxrepos_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/audit"
	"github.com/vaultgrade/backend/core/evaluation"
	"github.com/vaultgrade/backend/core/submission"
	"github.com/vaultgrade/backend/core/user"
	"github.com/vaultgrade/backend/storage/database"
	sqlxrepos "github.com/vaultgrade/backend/storage/database/sqlx"
)

func openDB(t *testing.T) *sqlx.DB {
	conf := core.NewTestConfig()
	conf.Database.Driver = database.DriverSQLite
	conf.Database.DSN = filepath.Join(t.TempDir(), "portal.db")
	db, err := database.Open(conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(db))
	return db
}

func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

func newUser(username string, role user.Role) user.User {
	ts := now()
	return user.User{
		ID:           uuid.NewString(),
		Name:         "Test " + username,
		Username:     username,
		Email:        username + "@example.com",
		Role:         role,
		Status:       user.StatusActive,
		PasswordHash: []byte("$2a$10$hash"),
		MFASecret:    "JBSWY3DPEHPK3PXP",
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
}

func TestUserRepository(t *testing.T) {
	db := openDB(t)
	repo := sqlxrepos.NewUserRepository(db)
	ctx := context.Background()

	alice := newUser("alice", user.RoleStudent)
	roberts := newUser("roberts", user.RoleReviewer)
	roberts.PublicKey = []byte{1, 2, 3}
	roberts.SealedPrivateKey = []byte{4, 5, 6}
	_, err := repo.CreateUser(ctx, alice)
	require.NoError(t, err)
	_, err = repo.CreateUser(ctx, roberts)
	require.NoError(t, err)

	t.Run("uniqueness", func(t *testing.T) {
		err := repo.CheckUniqueness(ctx, "alice", "new@example.com")
		assert.True(t, errors.Is(err, user.ErrUsernameExists), "got %v", err)
		err = repo.CheckUniqueness(ctx, "new", "alice@example.com")
		assert.True(t, errors.Is(err, user.ErrEmailExists), "got %v", err)
		assert.NoError(t, repo.CheckUniqueness(ctx, "alice", "alice@example.com", alice.ID))

		dup := newUser("alice", user.RoleStudent)
		_, err = repo.CreateUser(ctx, dup)
		assert.True(t, errors.Is(err, core.ErrDuplicateUser), "got %v", err)
	})

	t.Run("get", func(t *testing.T) {
		usr, err := repo.GetUser(ctx, user.GetFilter{UsernameOrEmail: "roberts@example.com"})
		require.NoError(t, err)
		assert.Equal(t, roberts.ID, usr.ID)
		assert.Equal(t, roberts.PublicKey, usr.PublicKey)
		assert.Equal(t, roberts.SealedPrivateKey, usr.SealedPrivateKey)
		assert.True(t, roberts.CreatedAt.Equal(usr.CreatedAt))
		assert.True(t, usr.LastLogin.IsZero())

		_, err = repo.GetUser(ctx, user.GetFilter{ID: alice.ID, UsernameOrEmail: "roberts"})
		assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)
	})

	t.Run("filter", func(t *testing.T) {
		users, err := repo.FilterUsers(ctx, user.QueryFilter{Roles: []user.Role{user.RoleReviewer}})
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "roberts", users[0].Username)

		users, err = repo.FilterUsers(ctx, user.QueryFilter{Search: "TEST"}, core.DBOrdering{Field: "username", Ascending: false})
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "roberts", users[0].Username)
	})

	t.Run("update", func(t *testing.T) {
		alice.Status = user.StatusDisabled
		alice.LastLogin = now()
		alice.Role = user.RoleAdmin // ignored
		usr, err := repo.UpdateUser(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, user.StatusDisabled, usr.Status)
		assert.Equal(t, user.RoleStudent, usr.Role)
		assert.True(t, alice.LastLogin.Equal(usr.LastLogin))

		_, err = repo.UpdateUser(ctx, newUser("ghost", user.RoleStudent))
		assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)
	})
}

func TestSubmissionAndEvaluationRepositories(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	users := sqlxrepos.NewUserRepository(db)
	subs := sqlxrepos.NewSubmissionRepository(db)
	evals := sqlxrepos.NewEvaluationRepository(db)

	alice, err := users.CreateUser(ctx, newUser("alice", user.RoleStudent))
	require.NoError(t, err)
	roberts, err := users.CreateUser(ctx, newUser("roberts", user.RoleReviewer))
	require.NoError(t, err)

	s, err := subs.CreateSubmission(ctx, submission.Submission{
		ID:          uuid.NewString(),
		StudentID:   alice.ID,
		Title:       "Thesis",
		BlobKey:     uuid.NewString(),
		Hash:        core.Hash([]byte("x")),
		Filename:    "thesis.pdf",
		ContentType: "application/pdf",
		Size:        1,
		UploadedAt:  now(),
		Status:      submission.StatusPendingReview,
	})
	require.NoError(t, err)

	t.Run("submission compare-and-swap", func(t *testing.T) {
		exp := now().Add(time.Hour)
		s.Status = submission.StatusUnderReview
		s.ReviewerID = roberts.ID
		s.LockedBy = roberts.ID
		s.LockExpiresAt = &exp
		updated, err := subs.UpdateSubmission(ctx, s, submission.StatusPendingReview)
		require.NoError(t, err)
		assert.Equal(t, submission.StatusUnderReview, updated.Status)
		require.NotNil(t, updated.LockExpiresAt)
		assert.True(t, exp.Equal(*updated.LockExpiresAt))

		// stale status
		_, err = subs.UpdateSubmission(ctx, s, submission.StatusPendingReview)
		assert.True(t, errors.Is(err, core.ErrInvalidTransition), "got %v", err)

		_, err = subs.GetSubmission(ctx, "missing")
		assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)

		list, err := subs.FilterSubmissions(ctx, submission.QueryFilter{ReviewerID: roberts.ID, Statuses: []submission.Status{submission.StatusUnderReview}})
		require.NoError(t, err)
		assert.Len(t, list, 1)
		list, err = subs.FilterSubmissions(ctx, submission.QueryFilter{StudentID: roberts.ID})
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("one active evaluation", func(t *testing.T) {
		ev := evaluation.Evaluation{
			ID:             uuid.NewString(),
			SubmissionID:   s.ID,
			ReviewerID:     roberts.ID,
			Grade:          evaluation.GradeB,
			Feedback:       "ok",
			SubmissionHash: s.Hash,
			SignedAt:       now(),
			Status:         evaluation.StatusUnverified,
		}
		ev.Digest = evaluation.Digest(ev.SubmissionHash, ev.Grade, ev.Feedback, ev.SignedAt)
		_, err := evals.CreateEvaluation(ctx, ev)
		require.NoError(t, err)

		stored, err := evals.GetActiveEvaluation(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, ev.Digest, evaluation.Digest(stored.SubmissionHash, stored.Grade, stored.Feedback, stored.SignedAt))

		second := ev
		second.ID = uuid.NewString()
		_, err = evals.CreateEvaluation(ctx, second)
		assert.True(t, errors.Is(err, core.ErrAlreadyEvaluated), "got %v", err)

		ev.Status = evaluation.StatusRejected
		ev.RejectionReason = "redo"
		_, err = evals.UpdateEvaluation(ctx, ev, evaluation.StatusUnverified)
		require.NoError(t, err)
		_, err = evals.UpdateEvaluation(ctx, ev, evaluation.StatusUnverified)
		assert.True(t, errors.Is(err, core.ErrAlreadyProcessed), "got %v", err)

		// a rejected evaluation frees the slot
		_, err = evals.CreateEvaluation(ctx, second)
		require.NoError(t, err)

		list, err := evals.FilterEvaluations(ctx, evaluation.QueryFilter{ReviewerID: roberts.ID})
		require.NoError(t, err)
		assert.Len(t, list, 2)
		list, err = evals.FilterEvaluations(ctx, evaluation.QueryFilter{Statuses: []evaluation.Status{evaluation.StatusRejected}})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "redo", list[0].RejectionReason)
	})
}

func TestAuditRepository(t *testing.T) {
	db := openDB(t)
	repo := sqlxrepos.NewAuditRepository(db)
	ctx := context.Background()

	start := now()
	for i, action := range []audit.Action{audit.ActionUserLogin, audit.ActionProjectSubmit, audit.ActionUserLogin} {
		_, err := repo.CreateEvent(ctx, audit.Event{
			ID:         uuid.NewString(),
			Action:     action,
			ActorID:    "alice",
			Timestamp:  start.Add(time.Duration(i) * time.Second),
			SourceAddr: "10.0.0.7",
			Metadata:   audit.Metadata{"n": string(rune('a' + i))},
		})
		require.NoError(t, err)
	}

	events, err := repo.FilterEvents(ctx, audit.QueryFilter{Actions: []audit.Action{audit.ActionUserLogin}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "c", events[0].Metadata["n"], "newest first")

	events, err = repo.FilterEvents(ctx, audit.QueryFilter{From: start.Add(time.Second), Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "10.0.0.7", events[0].SourceAddr)

	events, err = repo.FilterEvents(ctx, audit.QueryFilter{ActorID: "bob"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

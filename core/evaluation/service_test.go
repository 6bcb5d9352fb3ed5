package evaluation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/access"
	"github.com/vaultgrade/backend/core/audit"
	"github.com/vaultgrade/backend/core/evaluation"
	"github.com/vaultgrade/backend/core/submission"
	"github.com/vaultgrade/backend/core/user"
	emailsvc "github.com/vaultgrade/backend/services/email"
	inmemdb "github.com/vaultgrade/backend/storage/database/inmem"
	"github.com/vaultgrade/backend/testutil"
)

type fixture struct {
	env      *testutil.Env
	admin    access.Principal
	alice    access.Principal
	bob      access.Principal
	roberts  access.Principal
	williams access.Principal
	sub      submission.Submission
}

// setup leaves alice's submission opened by roberts.
func setup(t *testing.T) fixture {
	env := testutil.NewEnv()
	ctx := context.Background()
	f := fixture{
		env:      env,
		admin:    env.CreateUser(t, "Root", "root", user.RoleAdmin).Principal(),
		alice:    env.CreateUser(t, "Alice", "alice", user.RoleStudent).Principal(),
		bob:      env.CreateUser(t, "Bob", "bob", user.RoleStudent).Principal(),
		roberts:  env.CreateUser(t, "Dr Roberts", "roberts", user.RoleReviewer).Principal(),
		williams: env.CreateUser(t, "Dr Williams", "williams", user.RoleReviewer).Principal(),
	}
	s, err := env.Submissions.Upload(ctx, f.alice, submission.NewSubmission{Title: "Thesis", Filename: "thesis.pdf", Content: []byte("chapter one")})
	require.NoError(t, err)
	_, err = env.Submissions.Assign(ctx, f.admin, s.ID, submission.Assignment{ReviewerID: f.roberts.ID})
	require.NoError(t, err)
	f.sub, err = env.Submissions.Open(ctx, f.roberts, s.ID)
	require.NoError(t, err)
	return f
}

func (f fixture) submit(t *testing.T) evaluation.Evaluation {
	ev, err := f.env.Evaluations.Submit(context.Background(), f.roberts, evaluation.NewEvaluation{
		SubmissionID: f.sub.ID,
		Grade:        evaluation.GradeAMinus,
		Feedback:     "Solid work.",
	})
	require.NoError(t, err)
	return ev
}

func (f fixture) submissionStatus(t *testing.T) submission.Submission {
	s, err := f.env.Submissions.GetByID(context.Background(), f.sub.ID)
	require.NoError(t, err)
	return s
}

func TestService_Submit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		p       access.Principal
		ne      evaluation.NewEvaluation
		wantErr error
	}{
		{name: "student", p: f.alice, ne: evaluation.NewEvaluation{SubmissionID: f.sub.ID, Grade: "A", Feedback: "x"}, wantErr: core.ErrAccessDenied},
		{name: "not assigned", p: f.williams, ne: evaluation.NewEvaluation{SubmissionID: f.sub.ID, Grade: "A", Feedback: "x"}, wantErr: core.ErrNotAssigned},
		{name: "unknown submission", p: f.roberts, ne: evaluation.NewEvaluation{SubmissionID: "missing", Grade: "A", Feedback: "x"}, wantErr: core.ErrNotFound},
		{name: "bad grade", p: f.roberts, ne: evaluation.NewEvaluation{SubmissionID: f.sub.ID, Grade: "E", Feedback: "x"}},
		{name: "no feedback", p: f.roberts, ne: evaluation.NewEvaluation{SubmissionID: f.sub.ID, Grade: "A"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.env.Evaluations.Submit(ctx, tc.p, tc.ne)
			require.Error(t, err)
			if tc.wantErr != nil {
				assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
				return
			}
			var vErr *core.ValidationError
			assert.True(t, errors.As(err, &vErr), "got %v", err)
		})
	}

	ev := f.submit(t)
	assert.Equal(t, evaluation.StatusUnverified, ev.Status)
	assert.Equal(t, f.sub.Hash, ev.SubmissionHash)
	assert.Equal(t, evaluation.Digest(ev.SubmissionHash, ev.Grade, ev.Feedback, ev.SignedAt), ev.Digest)
	assert.NotEmpty(t, ev.Signature)

	s := f.submissionStatus(t)
	assert.Equal(t, submission.StatusEvaluated, s.Status)
	assert.Empty(t, s.LockedBy)

	_, err := f.env.Evaluations.Submit(ctx, f.roberts, evaluation.NewEvaluation{SubmissionID: f.sub.ID, Grade: "B", Feedback: "again"})
	assert.True(t, errors.Is(err, core.ErrAlreadyEvaluated), "got %v", err)

	assert.Contains(t, f.env.AuditActions(t), audit.ActionEvaluationSign)
}

func TestService_SubmitRequiresLock(t *testing.T) {
	env := testutil.NewEnv()
	ctx := context.Background()
	admin := env.CreateUser(t, "Root", "root", user.RoleAdmin).Principal()
	alice := env.CreateUser(t, "Alice", "alice", user.RoleStudent).Principal()
	roberts := env.CreateUser(t, "Dr Roberts", "roberts", user.RoleReviewer).Principal()

	s, err := env.Submissions.Upload(ctx, alice, submission.NewSubmission{Title: "Thesis", Filename: "t.pdf", Content: []byte("x")})
	require.NoError(t, err)
	_, err = env.Submissions.Assign(ctx, admin, s.ID, submission.Assignment{ReviewerID: roberts.ID})
	require.NoError(t, err)

	// assigned but never opened
	_, err = env.Evaluations.Submit(ctx, roberts, evaluation.NewEvaluation{SubmissionID: s.ID, Grade: "A", Feedback: "ok"})
	assert.True(t, errors.Is(err, core.ErrInvalidTransition), "got %v", err)
}

func TestService_VerifyAndPublish(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.env.Conf.Workflow.NotifyOnPublication = true
	ev := f.submit(t)

	_, err := f.env.Evaluations.Result(ctx, f.alice, f.sub.ID)
	assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)

	_, err = f.env.Evaluations.VerifyAndPublish(ctx, f.roberts, ev.ID)
	assert.True(t, errors.Is(err, core.ErrAccessDenied), "got %v", err)

	ev, err = f.env.Evaluations.VerifyAndPublish(ctx, f.admin, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusVerified, ev.Status)
	assert.Equal(t, f.admin.ID, ev.VerifiedBy)
	require.NotNil(t, ev.VerifiedAt)

	s := f.submissionStatus(t)
	assert.True(t, s.IsPublished())
	assert.Equal(t, submission.StatusEvaluated, s.Status)

	_, err = f.env.Evaluations.VerifyAndPublish(ctx, f.admin, ev.ID)
	assert.True(t, errors.Is(err, core.ErrAlreadyProcessed), "got %v", err)

	res, err := f.env.Evaluations.Result(ctx, f.alice, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, evaluation.GradeAMinus, res.Grade)
	assert.Equal(t, ev.Signature, res.Signature)
	assert.Equal(t, "Thesis", res.Title)

	_, err = f.env.Evaluations.Result(ctx, f.bob, f.sub.ID)
	assert.True(t, errors.Is(err, core.ErrAccessDenied), "got %v", err)

	msg, ok := emailsvc.LastSentMessage()
	require.True(t, ok)
	assert.Equal(t, "result_published", msg.TemplateName)
	assert.Equal(t, "alice@example.com", msg.To[0].Address)

	// published submissions are frozen
	_, err = f.env.Submissions.Reject(ctx, f.admin, f.sub.ID, submission.Rejection{Reason: "late"})
	assert.True(t, errors.Is(err, core.ErrInvalidTransition), "got %v", err)

	assert.Contains(t, f.env.AuditActions(t), audit.ActionResultPublish)
}

func TestService_VerifyIntegrity(t *testing.T) {
	tests := []struct {
		name    string
		tamper  func(f fixture, ev evaluation.Evaluation)
		wantErr error
	}{
		{
			name:    "submission hash changed",
			tamper:  func(f fixture, _ evaluation.Evaluation) { f.env.DB.TamperSubmissionHash(f.sub.ID, core.Hash([]byte("other"))) },
			wantErr: core.ErrHashMismatch,
		},
		{
			name:    "blob changed",
			tamper:  func(f fixture, _ evaluation.Evaluation) { f.env.Blobs.Tamper(f.sub.BlobKey) },
			wantErr: core.ErrHashMismatch,
		},
		{
			name: "grade changed",
			tamper: func(f fixture, ev evaluation.Evaluation) {
				f.env.DB.TamperEvaluation(ev.ID, func(e *evaluation.Evaluation) { e.Grade = evaluation.GradeAPlus })
			},
			wantErr: core.ErrSignatureMismatch,
		},
		{
			name: "grade and digest changed",
			tamper: func(f fixture, ev evaluation.Evaluation) {
				f.env.DB.TamperEvaluation(ev.ID, func(e *evaluation.Evaluation) {
					e.Grade = evaluation.GradeAPlus
					e.Digest = evaluation.Digest(e.SubmissionHash, e.Grade, e.Feedback, e.SignedAt)
				})
			},
			wantErr: core.ErrSignatureMismatch,
		},
		{
			name: "signature replaced",
			tamper: func(f fixture, ev evaluation.Evaluation) {
				f.env.DB.TamperEvaluation(ev.ID, func(e *evaluation.Evaluation) { e.Signature = "AAAA" })
			},
			wantErr: core.ErrSignatureMismatch,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			ev := f.submit(t)
			tc.tamper(f, ev)

			_, err := f.env.Evaluations.VerifyAndPublish(ctx, f.admin, ev.ID)
			assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)

			stored, err := f.env.Evaluations.Get(ctx, f.admin, ev.ID)
			require.NoError(t, err)
			assert.Equal(t, evaluation.StatusUnverified, stored.Status)
			assert.False(t, f.submissionStatus(t).IsPublished())

			failures, _ := f.env.AuditRepo.FilterEvents(ctx, audit.QueryFilter{Actions: []audit.Action{audit.ActionIntegrityFailure}})
			require.Len(t, failures, 1)
			assert.Equal(t, ev.ID, failures[0].Metadata["evaluation_id"])
		})
	}
}

func TestService_ConcurrentVerify(t *testing.T) {
	f := setup(t)
	ev := f.submit(t)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		processed int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.env.Evaluations.VerifyAndPublish(context.Background(), f.admin, ev.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, core.ErrAlreadyProcessed):
				processed++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, processed)

	publishes, _ := f.env.AuditRepo.FilterEvents(context.Background(), audit.QueryFilter{Actions: []audit.Action{audit.ActionResultPublish}})
	assert.Len(t, publishes, 1)
}

// gatedSubmissions holds every content read until all expected readers arrived.
type gatedSubmissions struct {
	*submission.Service
	arrived *sync.WaitGroup
}

func (g gatedSubmissions) Content(ctx context.Context, s submission.Submission) ([]byte, error) {
	g.arrived.Done()
	g.arrived.Wait()
	return g.Service.Content(ctx, s)
}

type stalledBlobs struct {
	submission.BlobStore
}

func (stalledBlobs) Get(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// newInstance returns a service sharing f's storage but not its in-process locks.
func (f fixture) newInstance(conf *core.Config, subs evaluation.Submissions) *evaluation.Service {
	return evaluation.NewService(conf, inmemdb.NewEvaluationRepository(f.env.DB), subs, f.env.Users, f.env.Audit,
		emailsvc.NewConsoleServiceMock(conf), f.env.Validate, f.env.Translator)
}

func TestService_VerifyAcrossInstances(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev := f.submit(t)

	var arrived sync.WaitGroup
	arrived.Add(2)
	instances := []*evaluation.Service{
		f.newInstance(f.env.Conf, gatedSubmissions{Service: f.env.Submissions, arrived: &arrived}),
		f.newInstance(f.env.Conf, gatedSubmissions{Service: f.env.Submissions, arrived: &arrived}),
	}

	errs := make([]error, len(instances))
	var wg sync.WaitGroup
	for i, svc := range instances {
		i, svc := i, svc
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.VerifyAndPublish(ctx, f.admin, ev.ID)
		}()
	}
	wg.Wait()

	var succeeded, processed int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, core.ErrAlreadyProcessed):
			processed++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, processed)

	publishes, _ := f.env.AuditRepo.FilterEvents(ctx, audit.QueryFilter{Actions: []audit.Action{audit.ActionResultPublish}})
	assert.Len(t, publishes, 1)

	stored, err := f.env.Evaluations.Get(ctx, f.admin, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusVerified, stored.Status)
	s := f.submissionStatus(t)
	require.True(t, s.IsPublished())
	require.NotNil(t, stored.VerifiedAt)
	assert.True(t, s.PublishedAt.Equal(*stored.VerifiedAt))
}

func TestService_VerifyTimeout(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev := f.submit(t)

	conf := *f.env.Conf
	conf.Workflow.VerificationTimeout = 20 * time.Millisecond
	subs := submission.NewService(&conf, inmemdb.NewSubmissionRepository(f.env.DB), stalledBlobs{BlobStore: f.env.Blobs},
		f.env.Users, f.env.Audit, f.env.Validate, f.env.Translator)
	svc := f.newInstance(&conf, subs)

	start := time.Now()
	_, err := svc.VerifyAndPublish(ctx, f.admin, ev.ID)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)

	stored, err := f.env.Evaluations.Get(ctx, f.admin, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusUnverified, stored.Status)
	assert.False(t, f.submissionStatus(t).IsPublished())
	assert.NotContains(t, f.env.AuditActions(t), audit.ActionResultPublish)

	// the stored record is untouched, so a later attempt goes through
	_, err = f.env.Evaluations.VerifyAndPublish(ctx, f.admin, ev.ID)
	assert.NoError(t, err)
}

func TestService_Reject(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev := f.submit(t)

	_, err := f.env.Evaluations.Reject(ctx, f.roberts, ev.ID, evaluation.Rejection{Reason: "too lenient"})
	assert.True(t, errors.Is(err, core.ErrAccessDenied), "got %v", err)

	ev, err = f.env.Evaluations.Reject(ctx, f.admin, ev.ID, evaluation.Rejection{Reason: "too lenient"})
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusRejected, ev.Status)
	assert.Equal(t, "too lenient", ev.RejectionReason)
	assert.Equal(t, submission.StatusUnderReview, f.submissionStatus(t).Status)

	_, err = f.env.Evaluations.Reject(ctx, f.admin, ev.ID, evaluation.Rejection{Reason: "again"})
	assert.True(t, errors.Is(err, core.ErrAlreadyProcessed), "got %v", err)

	// the reviewer takes the lock again and signs a new evaluation
	_, err = f.env.Submissions.Open(ctx, f.roberts, f.sub.ID)
	require.NoError(t, err)
	second := f.submit(t)
	assert.NotEqual(t, ev.ID, second.ID)

	_, err = f.env.Evaluations.VerifyAndPublish(ctx, f.admin, second.ID)
	assert.NoError(t, err)
}

func TestService_RejectSubmission(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev := f.submit(t)

	_, err := f.env.Submissions.Reject(ctx, f.admin, f.sub.ID, submission.Rejection{Reason: "plagiarism"})
	require.NoError(t, err)

	stored, err := f.env.Evaluations.Get(ctx, f.admin, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusRejected, stored.Status)

	_, err = f.env.Evaluations.VerifyAndPublish(ctx, f.admin, ev.ID)
	assert.True(t, errors.Is(err, core.ErrAlreadyProcessed), "got %v", err)
}

func TestService_Query(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev := f.submit(t)

	tests := []struct {
		name    string
		p       access.Principal
		wantLen int
		canGet  bool
		wantErr error
	}{
		{name: "author", p: f.roberts, wantLen: 1, canGet: true},
		{name: "other reviewer", p: f.williams, wantLen: 0},
		{name: "admin", p: f.admin, wantLen: 1, canGet: true},
		{name: "student", p: f.alice, wantErr: core.ErrAccessDenied},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			evs, err := f.env.Evaluations.Query(ctx, tc.p, evaluation.QueryFilter{})
			if tc.wantErr != nil {
				assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, evs, tc.wantLen)

			_, err = f.env.Evaluations.Get(ctx, tc.p, ev.ID)
			if tc.canGet {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, core.ErrAccessDenied), "got %v", err)
			}
		})
	}
}

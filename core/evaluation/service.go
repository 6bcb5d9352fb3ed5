// Package evaluation signs reviewer evaluations and verifies them before publication.
package evaluation

import (
	"context"
	"crypto/ed25519"
	"net/mail"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/access"
	"github.com/vaultgrade/backend/core/audit"
	"github.com/vaultgrade/backend/core/submission"
	"github.com/vaultgrade/backend/core/user"
)

var (
	tracer = otel.Tracer("github.com/vaultgrade/backend/core/evaluation")

	ErrNotFound          = core.ErrNotFound.WithMessage("evaluation not found")
	ErrResultNotFound    = core.ErrNotFound.WithMessage("result not published")
	errSubmissionChanged = errors.New("submission is no longer under review")
)

// Submissions is the part of the submission service the workflow drives.
type Submissions interface {
	GetByID(ctx context.Context, id string) (submission.Submission, error)
	Content(ctx context.Context, s submission.Submission) ([]byte, error)
	Transition(ctx context.Context, id string, to submission.Status, mutate func(*submission.Submission) error) (submission.Submission, error)
	OnReject(hook submission.RejectHook)
	Now() time.Time
}

type Users interface {
	GetByID(ctx context.Context, id string) (user.User, error)
	SigningKey(usr user.User) (ed25519.PrivateKey, error)
}

type Service struct {
	conf       *core.Config
	repo       Repository
	subs       Submissions
	users      Users
	auditSvc   *audit.Service
	mailSvc    core.EmailService
	enforcer   *access.Enforcer
	validate   *validator.Validate
	translator ut.Translator
	locks      core.KeyedMutex
}

func NewService(
	conf *core.Config,
	repo Repository,
	subs Submissions,
	users Users,
	auditSvc *audit.Service,
	mailSvc core.EmailService,
	validate *validator.Validate,
	translator ut.Translator,
) *Service {
	svc := &Service{
		conf:       conf,
		repo:       repo,
		subs:       subs,
		users:      users,
		auditSvc:   auditSvc,
		mailSvc:    mailSvc,
		enforcer:   access.NewEnforcer(auditSvc),
		validate:   validate,
		translator: translator,
	}
	subs.OnReject(svc.rejectForSubmission)
	return svc
}

// Submit signs an evaluation of a submission the reviewer holds the lock on
// and moves the submission to evaluated.
func (svc *Service) Submit(ctx context.Context, p access.Principal, ne NewEvaluation) (Evaluation, error) {
	ctx, span := tracer.Start(ctx, "evaluation.Submit")
	defer span.End()

	if p.Role != access.RoleReviewer {
		return Evaluation{}, svc.enforcer.Deny(ctx, p, access.Evaluations, access.Write)
	}
	if err := ne.Validate(svc.validate, svc.translator); err != nil {
		return Evaluation{}, err
	}
	span.SetAttributes(attribute.String("submission.id", ne.SubmissionID))

	s, err := svc.subs.GetByID(ctx, ne.SubmissionID)
	if err != nil {
		return Evaluation{}, err
	}
	if s.ReviewerID != p.ID {
		if err := svc.auditSvc.RecordDenial(ctx, p, access.Evaluations, access.Write); err != nil {
			return Evaluation{}, err
		}
		return Evaluation{}, core.ErrNotAssigned
	}
	if _, err := svc.repo.GetActiveEvaluation(ctx, s.ID); err == nil {
		return Evaluation{}, core.ErrAlreadyEvaluated
	} else if !errors.Is(err, core.ErrNotFound) {
		return Evaluation{}, errors.Wrap(err, "finding active evaluation")
	}
	if s.Status != submission.StatusUnderReview || s.LockHolder(svc.subs.Now()) != p.ID {
		return Evaluation{}, core.ErrInvalidTransition
	}

	reviewer, err := svc.users.GetByID(ctx, p.ID)
	if err != nil {
		return Evaluation{}, errors.Wrap(err, "finding reviewer")
	}
	key, err := svc.users.SigningKey(reviewer)
	if err != nil {
		return Evaluation{}, errors.Wrap(err, "opening signing key")
	}
	ev := Evaluation{
		ID:             uuid.NewString(),
		SubmissionID:   s.ID,
		ReviewerID:     p.ID,
		Grade:          ne.Grade,
		Feedback:       ne.Feedback,
		SubmissionHash: s.Hash,
		SignedAt:       svc.now(),
		Status:         StatusUnverified,
	}
	ev.Digest = Digest(ev.SubmissionHash, ev.Grade, ev.Feedback, ev.SignedAt)
	if ev.Signature, err = sign(key, ev.Digest); err != nil {
		return Evaluation{}, err
	}

	if _, err := svc.auditSvc.Record(ctx, audit.ActionEvaluationSign, p.ID, audit.Metadata{
		"evaluation_id": ev.ID,
		"submission_id": s.ID,
		"grade":         string(ev.Grade),
		"digest":        ev.Digest,
	}); err != nil {
		return Evaluation{}, err
	}
	if ev, err = svc.repo.CreateEvaluation(ctx, ev); err != nil {
		return Evaluation{}, err
	}

	_, err = svc.subs.Transition(ctx, s.ID, submission.StatusEvaluated, func(cur *submission.Submission) error {
		if cur.ReviewerID != p.ID || cur.LockHolder(svc.subs.Now()) != p.ID {
			return core.ErrInvalidTransition
		}
		cur.ReleaseLock()
		return nil
	})
	if err != nil {
		// the submission moved on while signing; withdraw the evaluation
		ev.Status = StatusRejected
		ev.RejectionReason = errSubmissionChanged.Error()
		if _, uErr := svc.repo.UpdateEvaluation(ctx, ev, StatusUnverified); uErr != nil {
			return Evaluation{}, errors.Wrap(uErr, "withdrawing evaluation")
		}
		return Evaluation{}, err
	}
	return ev, nil
}

// VerifyAndPublish checks the reviewer signature and the submission content
// against what was signed, then publishes the result. Calls are serialized per evaluation.
func (svc *Service) VerifyAndPublish(ctx context.Context, p access.Principal, id string) (Evaluation, error) {
	ctx, span := tracer.Start(ctx, "evaluation.VerifyAndPublish", trace.WithAttributes(attribute.String("evaluation.id", id)))
	defer span.End()

	if err := svc.enforcer.CheckAny(ctx, p, access.PublishedResults, access.Publish); err != nil {
		return Evaluation{}, err
	}
	if timeout := svc.conf.Workflow.VerificationTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	unlock := svc.locks.Lock(id)
	defer unlock()

	ev, err := svc.repo.GetEvaluation(ctx, id)
	if err != nil {
		return Evaluation{}, err
	}
	if ev.Status != StatusUnverified {
		return Evaluation{}, core.ErrAlreadyProcessed
	}
	s, err := svc.subs.GetByID(ctx, ev.SubmissionID)
	if err != nil {
		return Evaluation{}, err
	}
	if s.Status != submission.StatusEvaluated || s.IsPublished() {
		return Evaluation{}, core.ErrInvalidTransition
	}
	reviewer, err := svc.users.GetByID(ctx, ev.ReviewerID)
	if err != nil {
		return Evaluation{}, errors.Wrap(err, "finding reviewer")
	}

	if err := svc.checkIntegrity(ctx, ev, s, reviewer); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "integrity check failed")
		if e, ok := core.AsError(err); ok && e.Kind == core.KindIntegrity {
			if _, aErr := svc.auditSvc.Record(ctx, audit.ActionIntegrityFailure, p.ID, audit.Metadata{
				"evaluation_id": ev.ID,
				"submission_id": s.ID,
				"reason":        string(e.Code),
			}); aErr != nil {
				return Evaluation{}, aErr
			}
		}
		return Evaluation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Evaluation{}, errors.Wrap(err, "verifying evaluation")
	}

	// the evaluation CAS decides between concurrent verifiers, across processes too
	now := svc.now()
	verified := ev
	verified.Status = StatusVerified
	verified.VerifiedBy = p.ID
	verified.VerifiedAt = &now
	if verified, err = svc.repo.UpdateEvaluation(ctx, verified, StatusUnverified); err != nil {
		return Evaluation{}, err
	}
	if s, err = svc.publish(ctx, p, verified, now); err != nil {
		if _, rErr := svc.repo.UpdateEvaluation(context.WithoutCancel(ctx), ev, StatusVerified); rErr != nil {
			return Evaluation{}, errors.Wrapf(err, "restoring evaluation %s: %v", ev.ID, rErr)
		}
		return Evaluation{}, err
	}
	ev = verified

	if svc.conf.Workflow.NotifyOnPublication {
		svc.notifyStudent(ctx, s, ev)
	}
	return ev, nil
}

// publish audits the publication before stamping the submission's published_at.
func (svc *Service) publish(ctx context.Context, p access.Principal, ev Evaluation, at time.Time) (submission.Submission, error) {
	if _, err := svc.auditSvc.Record(ctx, audit.ActionResultPublish, p.ID, audit.Metadata{
		"evaluation_id": ev.ID,
		"submission_id": ev.SubmissionID,
		"grade":         string(ev.Grade),
	}); err != nil {
		return submission.Submission{}, err
	}
	return svc.subs.Transition(ctx, ev.SubmissionID, submission.StatusEvaluated, func(cur *submission.Submission) error {
		if cur.IsPublished() {
			return core.ErrAlreadyProcessed
		}
		cur.PublishedAt = &at
		return nil
	})
}

func (svc *Service) checkIntegrity(ctx context.Context, ev Evaluation, s submission.Submission, reviewer user.User) error {
	_, span := tracer.Start(ctx, "evaluation.verifySignature")
	digest := Digest(ev.SubmissionHash, ev.Grade, ev.Feedback, ev.SignedAt)
	if digest != ev.Digest {
		span.End()
		return core.ErrSignatureMismatch.WithMessage("evaluation fields do not match the signed digest")
	}
	err := verify(reviewer.PublicKey, digest, ev.Signature)
	span.End()
	if err != nil {
		return core.ErrSignatureMismatch.WithCause(err)
	}

	ctx, span = tracer.Start(ctx, "evaluation.verifyContent")
	defer span.End()
	if s.Hash != ev.SubmissionHash {
		return core.ErrHashMismatch
	}
	content, err := svc.subs.Content(ctx, s)
	if err != nil {
		return err
	}
	if core.Hash(content) != ev.SubmissionHash {
		return core.ErrHashMismatch
	}
	return nil
}

// Reject sends an unverified evaluation back: the submission returns under review.
func (svc *Service) Reject(ctx context.Context, p access.Principal, id string, r Rejection) (Evaluation, error) {
	if err := svc.enforcer.CheckAny(ctx, p, access.Evaluations, access.Write); err != nil {
		return Evaluation{}, err
	}
	r.Reason = core.CleanString(r.Reason)
	if err := core.CheckValidation(svc.validate.Struct(r), svc.translator); err != nil {
		return Evaluation{}, err
	}

	unlock := svc.locks.Lock(id)
	defer unlock()

	ev, err := svc.repo.GetEvaluation(ctx, id)
	if err != nil {
		return Evaluation{}, err
	}
	if ev.Status != StatusUnverified {
		return Evaluation{}, core.ErrAlreadyProcessed
	}

	if _, err := svc.auditSvc.Record(ctx, audit.ActionEvaluationReject, p.ID, audit.Metadata{
		"evaluation_id": ev.ID,
		"submission_id": ev.SubmissionID,
		"reason":        r.Reason,
	}); err != nil {
		return Evaluation{}, err
	}
	if _, err := svc.subs.Transition(ctx, ev.SubmissionID, submission.StatusUnderReview, nil); err != nil {
		return Evaluation{}, err
	}
	ev.Status = StatusRejected
	ev.RejectionReason = r.Reason
	return svc.repo.UpdateEvaluation(ctx, ev, StatusUnverified)
}

// rejectForSubmission rejects the unverified evaluation of a rejected submission.
func (svc *Service) rejectForSubmission(ctx context.Context, p access.Principal, s submission.Submission, reason string) error {
	active, err := svc.repo.GetActiveEvaluation(ctx, s.ID)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	} else if err != nil {
		return errors.Wrap(err, "finding active evaluation")
	}

	unlock := svc.locks.Lock(active.ID)
	defer unlock()

	ev, err := svc.repo.GetEvaluation(ctx, active.ID)
	if err != nil {
		return err
	}
	if ev.Status != StatusUnverified {
		return nil
	}
	if _, err := svc.auditSvc.Record(ctx, audit.ActionEvaluationReject, p.ID, audit.Metadata{
		"evaluation_id": ev.ID,
		"submission_id": s.ID,
		"reason":        reason,
		"cause":         "submission_rejected",
	}); err != nil {
		return err
	}
	ev.Status = StatusRejected
	ev.RejectionReason = reason
	_, err = svc.repo.UpdateEvaluation(ctx, ev, StatusUnverified)
	return err
}

func (svc *Service) Get(ctx context.Context, p access.Principal, id string) (Evaluation, error) {
	ev, err := svc.repo.GetEvaluation(ctx, id)
	if err != nil {
		return Evaluation{}, err
	}
	if err := svc.enforcer.CheckRecord(ctx, p, access.Evaluations, access.Read, ev.Relation()); err != nil {
		return Evaluation{}, err
	}
	return ev, nil
}

// Query lists a reviewer's own evaluations, or all of them for admins.
func (svc *Service) Query(ctx context.Context, p access.Principal, filter QueryFilter) ([]Evaluation, error) {
	d, err := svc.enforcer.Check(ctx, p, access.Evaluations, access.Read)
	if err != nil {
		return nil, err
	}
	if d.Scope == access.ScopeOwn {
		filter.ReviewerID = p.ID
	}
	return svc.repo.FilterEvaluations(ctx, filter)
}

// Result returns the published result of a submission to its student or an admin.
func (svc *Service) Result(ctx context.Context, p access.Principal, submissionID string) (Result, error) {
	s, err := svc.subs.GetByID(ctx, submissionID)
	if err != nil {
		return Result{}, err
	}
	if err := svc.enforcer.CheckRecord(ctx, p, access.PublishedResults, access.Read, access.Relation{OwnerID: s.StudentID}); err != nil {
		return Result{}, err
	}
	if !s.IsPublished() {
		return Result{}, ErrResultNotFound
	}
	ev, err := svc.repo.GetActiveEvaluation(ctx, s.ID)
	if errors.Is(err, core.ErrNotFound) || (err == nil && ev.Status != StatusVerified) {
		return Result{}, ErrResultNotFound
	} else if err != nil {
		return Result{}, err
	}
	return Result{
		SubmissionID: s.ID,
		Title:        s.Title,
		Grade:        ev.Grade,
		Feedback:     ev.Feedback,
		Hash:         ev.SubmissionHash,
		Signature:    ev.Signature,
		ReviewerID:   ev.ReviewerID,
		SignedAt:     ev.SignedAt,
		VerifiedAt:   *ev.VerifiedAt,
	}, nil
}

func (svc *Service) notifyStudent(ctx context.Context, s submission.Submission, ev Evaluation) {
	student, err := svc.users.GetByID(ctx, s.StudentID)
	if err != nil {
		return
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: student.Name, Address: student.Email}},
		Subject:      "Your project result has been published",
		TemplateName: "result_published",
		TemplateData: map[string]interface{}{
			"Title":     s.Title,
			"Grade":     ev.Grade,
			"Signature": ev.Signature,
		},
	})
}

func (svc *Service) now() time.Time {
	return svc.subs.Now()
}

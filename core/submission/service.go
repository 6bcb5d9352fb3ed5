// Package submission stores encrypted project files and drives their review lifecycle.
package submission

import (
	"context"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/access"
	"github.com/vaultgrade/backend/core/audit"
	"github.com/vaultgrade/backend/core/user"
)

var (
	tracer = otel.Tracer("github.com/vaultgrade/backend/core/submission")

	// errors
	ErrNotFound        = core.ErrNotFound.WithMessage("submission not found")
	errTooLarge        = errors.New("file exceeds the maximum upload size")
	errInvalidReviewer = errors.New("not an active reviewer")
)

// Users resolves accounts without access checks.
type Users interface {
	GetByID(ctx context.Context, id string) (user.User, error)
}

// RejectHook runs after admin p rejected a submission.
type RejectHook func(ctx context.Context, p access.Principal, s Submission, reason string) error

type Service struct {
	conf        *core.Config
	repo        Repository
	blobs       BlobStore
	users       Users
	auditSvc    *audit.Service
	enforcer    *access.Enforcer
	validate    *validator.Validate
	translator  ut.Translator
	locks       core.KeyedMutex
	rejectHooks []RejectHook
	nowFunc     func() time.Time
}

func NewService(
	conf *core.Config,
	repo Repository,
	blobs BlobStore,
	users Users,
	auditSvc *audit.Service,
	validate *validator.Validate,
	translator ut.Translator,
) *Service {
	return &Service{
		conf:       conf,
		repo:       repo,
		blobs:      blobs,
		users:      users,
		auditSvc:   auditSvc,
		enforcer:   access.NewEnforcer(auditSvc),
		validate:   validate,
		translator: translator,
		nowFunc:    time.Now,
	}
}

// OnReject registers hook to run after every submission rejection.
func (svc *Service) OnReject(hook RejectHook) {
	svc.rejectHooks = append(svc.rejectHooks, hook)
}

// SetNowFunc replaces the clock used for lock expiry. For tests.
func (svc *Service) SetNowFunc(f func() time.Time) { svc.nowFunc = f }

func (svc *Service) now() time.Time {
	return svc.nowFunc().UTC().Truncate(time.Microsecond)
}

// Upload encrypts and stores a student's project file.
func (svc *Service) Upload(ctx context.Context, p access.Principal, ns NewSubmission) (Submission, error) {
	ctx, span := tracer.Start(ctx, "submission.Upload")
	defer span.End()

	if p.Role != access.RoleStudent {
		return Submission{}, svc.enforcer.Deny(ctx, p, access.ProjectFiles, access.Write)
	}
	if err := svc.enforcer.CheckRecord(ctx, p, access.ProjectFiles, access.Write, access.Relation{OwnerID: p.ID}); err != nil {
		return Submission{}, err
	}
	if err := ns.Validate(svc.validate, svc.translator); err != nil {
		return Submission{}, err
	}
	if max := svc.conf.Workflow.MaxUploadSize; max > 0 && int64(len(ns.Content)) > max {
		return Submission{}, core.NewValidationError(errTooLarge, core.FieldError{Field: "file", Error: errTooLarge.Error()})
	}

	sealed, err := core.Seal(svc.conf.MasterKey(), ns.Content)
	if err != nil {
		return Submission{}, errors.Wrap(err, "encrypting submission")
	}
	s := Submission{
		ID:          uuid.NewString(),
		StudentID:   p.ID,
		Title:       ns.Title,
		BlobKey:     uuid.NewString(),
		Hash:        core.Hash(ns.Content),
		Filename:    ns.Filename,
		ContentType: ns.ContentType,
		Size:        int64(len(ns.Content)),
		UploadedAt:  svc.now(),
		Status:      StatusPendingReview,
	}
	span.SetAttributes(attribute.String("submission.id", s.ID))

	if err := svc.blobs.Put(ctx, s.BlobKey, sealed); err != nil {
		return Submission{}, errors.Wrap(err, "storing submission blob")
	}
	if _, err := svc.auditSvc.Record(ctx, audit.ActionProjectSubmit, p.ID, audit.Metadata{
		"submission_id": s.ID,
		"hash":          s.Hash,
	}); err != nil {
		_ = svc.blobs.Delete(ctx, s.BlobKey)
		return Submission{}, err
	}
	if s, err = svc.repo.CreateSubmission(ctx, s); err != nil {
		_ = svc.blobs.Delete(ctx, s.BlobKey)
		return Submission{}, errors.Wrap(err, "creating submission")
	}
	return s, nil
}

// Get returns the submission when p owns it, is assigned to it or is an admin.
func (svc *Service) Get(ctx context.Context, p access.Principal, id string) (Submission, error) {
	s, err := svc.repo.GetSubmission(ctx, id)
	if err != nil {
		return Submission{}, err
	}
	if err := svc.enforcer.CheckRecord(ctx, p, access.ProjectFiles, access.Read, s.Relation()); err != nil {
		return Submission{}, err
	}
	return s, nil
}

// GetByID does no access check; for use by other services.
func (svc *Service) GetByID(ctx context.Context, id string) (Submission, error) {
	return svc.repo.GetSubmission(ctx, id)
}

// Query lists submissions visible to p: own for students, assigned for reviewers, all for admins.
func (svc *Service) Query(ctx context.Context, p access.Principal, filter QueryFilter, orderings ...core.DBOrdering) ([]Submission, error) {
	d, err := svc.enforcer.Check(ctx, p, access.ProjectFiles, access.Read)
	if err != nil {
		return nil, err
	}
	switch d.Scope {
	case access.ScopeOwn:
		filter.StudentID = p.ID
	case access.ScopeAssigned:
		filter.ReviewerID = p.ID
	}
	filter.Clean()
	return svc.repo.FilterSubmissions(ctx, filter, orderings...)
}

// Download decrypts the file and checks it still matches the recorded hash.
func (svc *Service) Download(ctx context.Context, p access.Principal, id string) (Submission, []byte, error) {
	ctx, span := tracer.Start(ctx, "submission.Download", trace.WithAttributes(attribute.String("submission.id", id)))
	defer span.End()

	s, err := svc.Get(ctx, p, id)
	if err != nil {
		return Submission{}, nil, err
	}
	content, err := svc.Content(ctx, s)
	if err == nil && core.Hash(content) != s.Hash {
		err = core.ErrHashMismatch
	}
	if errors.Is(err, core.ErrHashMismatch) {
		if _, aErr := svc.auditSvc.Record(ctx, audit.ActionIntegrityFailure, p.ID, audit.Metadata{
			"submission_id": s.ID,
			"reason":        string(core.CodeHashMismatch),
		}); aErr != nil {
			return Submission{}, nil, aErr
		}
	}
	if err != nil {
		return Submission{}, nil, err
	}
	return s, content, nil
}

// Content decrypts the stored file. Ciphertext that fails authentication is reported as core.ErrHashMismatch.
func (svc *Service) Content(ctx context.Context, s Submission) ([]byte, error) {
	sealed, err := svc.blobs.Get(ctx, s.BlobKey)
	if err != nil {
		return nil, errors.Wrap(err, "reading submission blob")
	}
	content, err := core.Open(svc.conf.MasterKey(), sealed)
	if err != nil {
		return nil, core.ErrHashMismatch.WithCause(err)
	}
	return content, nil
}

// Assign sets the reviewer of a submission that is not evaluated yet.
func (svc *Service) Assign(ctx context.Context, p access.Principal, id string, a Assignment) (Submission, error) {
	if err := svc.enforcer.CheckAny(ctx, p, access.ProjectFiles, access.Write); err != nil {
		return Submission{}, err
	}
	if err := core.CheckValidation(svc.validate.Struct(a), svc.translator); err != nil {
		return Submission{}, err
	}

	unlock := svc.locks.Lock(id)
	defer unlock()

	s, err := svc.repo.GetSubmission(ctx, id)
	if err != nil {
		return Submission{}, err
	}
	reviewer, err := svc.users.GetByID(ctx, a.ReviewerID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return Submission{}, errors.Wrap(err, "finding reviewer")
	}
	if err != nil || reviewer.Role != user.RoleReviewer || reviewer.IsDisabled() {
		return Submission{}, core.NewValidationError(errInvalidReviewer, core.FieldError{Field: "reviewer_id", Error: errInvalidReviewer.Error()})
	}

	if s.Status != StatusPendingReview && s.Status != StatusUnderReview {
		return Submission{}, core.ErrInvalidTransition
	}
	if holder := s.LockHolder(svc.now()); holder != "" && holder != reviewer.ID {
		return Submission{}, core.ErrLocked
	}

	if _, err := svc.auditSvc.Record(ctx, audit.ActionReviewerAssign, p.ID, audit.Metadata{
		"submission_id": s.ID,
		"reviewer_id":   reviewer.ID,
		"previous":      s.ReviewerID,
	}); err != nil {
		return Submission{}, err
	}
	from := s.Status
	s.ReviewerID = reviewer.ID
	if s.LockedBy != reviewer.ID {
		s.ReleaseLock()
	}
	return svc.repo.UpdateSubmission(ctx, s, from)
}

// Open takes the evaluating lock for the assigned reviewer, moving a pending submission under review.
func (svc *Service) Open(ctx context.Context, p access.Principal, id string) (Submission, error) {
	ctx, span := tracer.Start(ctx, "submission.Open", trace.WithAttributes(attribute.String("submission.id", id)))
	defer span.End()

	if p.Role != access.RoleReviewer {
		return Submission{}, svc.enforcer.Deny(ctx, p, access.ProjectFiles, access.Read)
	}

	unlock := svc.locks.Lock(id)
	defer unlock()

	s, err := svc.repo.GetSubmission(ctx, id)
	if err != nil {
		return Submission{}, err
	}
	if s.ReviewerID != p.ID {
		if err := svc.auditSvc.RecordDenial(ctx, p, access.ProjectFiles, access.Read); err != nil {
			return Submission{}, err
		}
		return Submission{}, core.ErrNotAssigned
	}

	now := svc.now()
	switch s.Status {
	case StatusPendingReview:
	case StatusUnderReview:
		if holder := s.LockHolder(now); holder != "" && holder != p.ID {
			return Submission{}, core.ErrLocked
		}
	default:
		return Submission{}, core.ErrInvalidTransition
	}

	expiresAt := now.Add(svc.conf.Workflow.ReviewLockDelta)
	if _, err := svc.auditSvc.Record(ctx, audit.ActionProjectOpen, p.ID, audit.Metadata{
		"submission_id":   s.ID,
		"lock_expires_at": expiresAt.Format(time.RFC3339),
	}); err != nil {
		return Submission{}, err
	}
	from := s.Status
	s.Status = StatusUnderReview
	s.LockedBy = p.ID
	s.LockExpiresAt = &expiresAt
	return svc.repo.UpdateSubmission(ctx, s, from)
}

// Reject is the admin's terminal rejection of an unpublished submission.
// Reject hooks run once the submission lock is released.
func (svc *Service) Reject(ctx context.Context, p access.Principal, id string, r Rejection) (Submission, error) {
	if err := svc.enforcer.CheckAny(ctx, p, access.ProjectFiles, access.Write); err != nil {
		return Submission{}, err
	}
	if err := core.CheckValidation(svc.validate.Struct(r), svc.translator); err != nil {
		return Submission{}, err
	}

	s, err := svc.reject(ctx, p, id, r.Reason)
	if err != nil {
		return Submission{}, err
	}
	for _, hook := range svc.rejectHooks {
		if err := hook(ctx, p, s, r.Reason); err != nil {
			return s, errors.Wrap(err, "running reject hook")
		}
	}
	return s, nil
}

func (svc *Service) reject(ctx context.Context, p access.Principal, id, reason string) (Submission, error) {
	unlock := svc.locks.Lock(id)
	defer unlock()

	s, err := svc.repo.GetSubmission(ctx, id)
	if err != nil {
		return Submission{}, err
	}
	if s.Status == StatusRejected || s.IsPublished() || !CanTransition(s.Status, StatusRejected) {
		return Submission{}, core.ErrInvalidTransition
	}

	if _, err := svc.auditSvc.Record(ctx, audit.ActionSubmissionReject, p.ID, audit.Metadata{
		"submission_id": s.ID,
		"from":          string(s.Status),
		"reason":        reason,
	}); err != nil {
		return Submission{}, err
	}
	from := s.Status
	s.Status = StatusRejected
	s.RejectionReason = reason
	s.ReleaseLock()
	return svc.repo.UpdateSubmission(ctx, s, from)
}

// Transition moves submission id to status `to` under its lock. mutate sees the
// current record and may refuse the move by returning an error.
func (svc *Service) Transition(ctx context.Context, id string, to Status, mutate func(*Submission) error) (Submission, error) {
	unlock := svc.locks.Lock(id)
	defer unlock()

	s, err := svc.repo.GetSubmission(ctx, id)
	if err != nil {
		return Submission{}, err
	}
	if !CanTransition(s.Status, to) || s.IsPublished() {
		return Submission{}, core.ErrInvalidTransition
	}
	from := s.Status
	s.Status = to
	if mutate != nil {
		if err := mutate(&s); err != nil {
			return Submission{}, err
		}
	}
	return svc.repo.UpdateSubmission(ctx, s, from)
}

// Now returns the service clock, UTC.
func (svc *Service) Now() time.Time { return svc.now() }

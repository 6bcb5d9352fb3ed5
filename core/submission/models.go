package submission

import (
	"context"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/access"
)

type Status string

const (
	StatusPendingReview Status = "pending_review"
	StatusUnderReview   Status = "under_review"
	StatusEvaluated     Status = "evaluated"
	StatusRejected      Status = "rejected"
)

// transitions lists the allowed status moves. Staying in the same status is
// allowed for assignment, lock renewal and publication.
var transitions = map[Status][]Status{
	StatusPendingReview: {StatusPendingReview, StatusUnderReview, StatusRejected},
	StatusUnderReview:   {StatusUnderReview, StatusEvaluated, StatusRejected},
	StatusEvaluated:     {StatusEvaluated, StatusUnderReview, StatusRejected},
}

// CanTransition reports whether a submission may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Submission struct {
	ID              string     `json:"id"`
	StudentID       string     `json:"student_id"`
	Title           string     `json:"title"`
	BlobKey         string     `json:"-"`
	Hash            string     `json:"hash"` // hex SHA-256 of the plaintext
	Filename        string     `json:"filename"`
	ContentType     string     `json:"content_type"`
	Size            int64      `json:"size"`
	UploadedAt      time.Time  `json:"uploaded_at"` // UTC
	Status          Status     `json:"status"`
	ReviewerID      string     `json:"reviewer_id,omitempty"`
	LockedBy        string     `json:"locked_by,omitempty"`
	LockExpiresAt   *time.Time `json:"lock_expires_at,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
}

func (s Submission) Relation() access.Relation {
	return access.Relation{OwnerID: s.StudentID, AssigneeID: s.ReviewerID}
}

func (s Submission) IsPublished() bool { return s.PublishedAt != nil }

// LockHolder returns the live lock holder at t, if any.
func (s Submission) LockHolder(t time.Time) string {
	if s.LockedBy == "" || s.LockExpiresAt == nil || !t.Before(*s.LockExpiresAt) {
		return ""
	}
	return s.LockedBy
}

func (s *Submission) ReleaseLock() {
	s.LockedBy = ""
	s.LockExpiresAt = nil
}

// NewSubmission contains information needed to upload a project.
type NewSubmission struct {
	Title       string `json:"title" form:"title" validate:"required,notblank,max=200"`
	Filename    string `json:"filename" validate:"required,max=255"`
	ContentType string `json:"content_type" validate:"max=255"`
	Content     []byte `json:"file" validate:"required"`
}

func (ns *NewSubmission) Validate(validate *validator.Validate, translator ut.Translator) error {
	ns.Title = core.CleanString(ns.Title)
	ns.Filename = core.CleanString(ns.Filename)
	ns.ContentType = core.CleanString(ns.ContentType)
	if ns.ContentType == "" {
		ns.ContentType = "application/octet-stream"
	}
	return core.CheckValidation(validate.Struct(ns), translator)
}

type Assignment struct {
	ReviewerID string `json:"reviewer_id" validate:"required"`
}

type Rejection struct {
	Reason string `json:"reason" validate:"required,notblank,max=2000"`
}

// OrderingFields are the fields FilterSubmissions can sort by.
var OrderingFields = []string{"uploaded_at", "title", "status"}

type QueryFilter struct {
	Search     string   `query:"search"`
	Statuses   []Status `query:"status"`
	StudentID  string   `query:"student_id"`
	ReviewerID string   `query:"reviewer_id"`
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
}

type Repository interface {
	CreateSubmission(ctx context.Context, s Submission) (Submission, error)
	GetSubmission(ctx context.Context, id string) (Submission, error)
	FilterSubmissions(ctx context.Context, filter QueryFilter, orderings ...core.DBOrdering) ([]Submission, error)
	// UpdateSubmission stores s only if the stored status still equals from,
	// otherwise it returns core.ErrInvalidTransition.
	UpdateSubmission(ctx context.Context, s Submission, from Status) (Submission, error)
}

// BlobStore keeps submission ciphertext.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

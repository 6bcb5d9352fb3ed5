package evaluation

import (
	"context"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/access"
)

type Grade string

const (
	GradeAPlus  Grade = "A+"
	GradeA      Grade = "A"
	GradeAMinus Grade = "A-"
	GradeBPlus  Grade = "B+"
	GradeB      Grade = "B"
	GradeBMinus Grade = "B-"
	GradeCPlus  Grade = "C+"
	GradeC      Grade = "C"
	GradeD      Grade = "D"
	GradeF      Grade = "F"
)

type Status string

const (
	StatusUnverified Status = "unverified"
	StatusVerified   Status = "verified"
	StatusRejected   Status = "rejected"
)

type Evaluation struct {
	ID              string     `json:"id"`
	SubmissionID    string     `json:"submission_id"`
	ReviewerID      string     `json:"reviewer_id"`
	Grade           Grade      `json:"grade"`
	Feedback        string     `json:"feedback"`
	SubmissionHash  string     `json:"submission_hash"` // submission hash at signing time
	Digest          string     `json:"digest"`          // hex
	Signature       string     `json:"signature"`       // base64url ed25519
	SignedAt        time.Time  `json:"signed_at"`       // UTC
	Status          Status     `json:"status"`
	VerifiedBy      string     `json:"verified_by,omitempty"`
	VerifiedAt      *time.Time `json:"verified_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
}

func (e Evaluation) Relation() access.Relation {
	return access.Relation{OwnerID: e.ReviewerID}
}

// IsActive reports whether e still counts against the one-evaluation-per-submission rule.
func (e Evaluation) IsActive() bool { return e.Status != StatusRejected }

// NewEvaluation contains information needed to sign an evaluation.
type NewEvaluation struct {
	SubmissionID string `json:"submission_id" validate:"required"`
	Grade        Grade  `json:"grade" validate:"required,oneof=A+ A A- B+ B B- C+ C D F"`
	Feedback     string `json:"feedback" validate:"required,notblank,max=10000"`
}

func (ne *NewEvaluation) Validate(validate *validator.Validate, translator ut.Translator) error {
	ne.SubmissionID = core.CleanString(ne.SubmissionID)
	ne.Grade = Grade(core.CleanString(string(ne.Grade)))
	ne.Feedback = core.CleanString(ne.Feedback)
	return core.CheckValidation(validate.Struct(ne), translator)
}

type Rejection struct {
	Reason string `json:"reason" validate:"required,notblank,max=2000"`
}

// Result is the published view of a verified evaluation.
type Result struct {
	SubmissionID string    `json:"submission_id"`
	Title        string    `json:"title"`
	Grade        Grade     `json:"grade"`
	Feedback     string    `json:"feedback"`
	Hash         string    `json:"hash"`
	Signature    string    `json:"signature"`
	ReviewerID   string    `json:"reviewer_id"`
	SignedAt     time.Time `json:"signed_at"`
	VerifiedAt   time.Time `json:"verified_at"`
}

type QueryFilter struct {
	SubmissionID string   `query:"submission_id"`
	ReviewerID   string   `query:"reviewer_id"`
	Statuses     []Status `query:"status"`
}

type Repository interface {
	// CreateEvaluation returns core.ErrAlreadyEvaluated when the submission already has an active evaluation.
	CreateEvaluation(ctx context.Context, e Evaluation) (Evaluation, error)
	GetEvaluation(ctx context.Context, id string) (Evaluation, error)
	// GetActiveEvaluation returns the unverified or verified evaluation of a submission.
	GetActiveEvaluation(ctx context.Context, submissionID string) (Evaluation, error)
	FilterEvaluations(ctx context.Context, filter QueryFilter) ([]Evaluation, error)
	// UpdateEvaluation stores e only if the stored status still equals from,
	// otherwise it returns core.ErrAlreadyProcessed.
	UpdateEvaluation(ctx context.Context, e Evaluation, from Status) (Evaluation, error)
}

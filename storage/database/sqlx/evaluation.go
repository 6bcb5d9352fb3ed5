package sqlxrepos

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/evaluation"
)

const evaluationColumns = `id, submission_id, reviewer_id, grade, feedback, submission_hash, digest, signature,
	signed_at, status, verified_by, verified_at, rejection_reason`

type evaluationRow struct {
	ID              string      `db:"id"`
	SubmissionID    string      `db:"submission_id"`
	ReviewerID      string      `db:"reviewer_id"`
	Grade           string      `db:"grade"`
	Feedback        string      `db:"feedback"`
	SubmissionHash  string      `db:"submission_hash"`
	Digest          string      `db:"digest"`
	Signature       string      `db:"signature"`
	SignedAt        time.Time   `db:"signed_at"`
	Status          string      `db:"status"`
	VerifiedBy      null.String `db:"verified_by"`
	VerifiedAt      null.Time   `db:"verified_at"`
	RejectionReason null.String `db:"rejection_reason"`
	From            string      `db:"from_status"`
}

func newEvaluationRow(e evaluation.Evaluation) evaluationRow {
	return evaluationRow{
		ID:              e.ID,
		SubmissionID:    e.SubmissionID,
		ReviewerID:      e.ReviewerID,
		Grade:           string(e.Grade),
		Feedback:        e.Feedback,
		SubmissionHash:  e.SubmissionHash,
		Digest:          e.Digest,
		Signature:       e.Signature,
		SignedAt:        e.SignedAt.UTC(),
		Status:          string(e.Status),
		VerifiedBy:      nullString(e.VerifiedBy),
		VerifiedAt:      nullTime(e.VerifiedAt),
		RejectionReason: nullString(e.RejectionReason),
	}
}

func (row evaluationRow) toEvaluation() evaluation.Evaluation {
	return evaluation.Evaluation{
		ID:              row.ID,
		SubmissionID:    row.SubmissionID,
		ReviewerID:      row.ReviewerID,
		Grade:           evaluation.Grade(row.Grade),
		Feedback:        row.Feedback,
		SubmissionHash:  row.SubmissionHash,
		Digest:          row.Digest,
		Signature:       row.Signature,
		SignedAt:        row.SignedAt.UTC(),
		Status:          evaluation.Status(row.Status),
		VerifiedBy:      row.VerifiedBy.String,
		VerifiedAt:      timePtr(row.VerifiedAt),
		RejectionReason: row.RejectionReason.String,
	}
}

type evaluationRepository struct {
	db *sqlx.DB
}

var _ evaluation.Repository = (*evaluationRepository)(nil)

func NewEvaluationRepository(db *sqlx.DB) evaluation.Repository {
	return &evaluationRepository{db: db}
}

func (repo *evaluationRepository) CreateEvaluation(ctx context.Context, e evaluation.Evaluation) (evaluation.Evaluation, error) {
	q := `INSERT INTO evaluations (` + evaluationColumns + `) VALUES (
		:id, :submission_id, :reviewer_id, :grade, :feedback, :submission_hash, :digest, :signature,
		:signed_at, :status, :verified_by, :verified_at, :rejection_reason)`
	if _, err := repo.db.NamedExecContext(ctx, q, newEvaluationRow(e)); err != nil {
		if isUniqueViolation(err) {
			return evaluation.Evaluation{}, core.ErrAlreadyEvaluated.WithCause(err)
		}
		return evaluation.Evaluation{}, errors.Wrap(err, "inserting evaluation")
	}
	return e, nil
}

func (repo *evaluationRepository) get(ctx context.Context, where string, arg string) (evaluation.Evaluation, error) {
	var row evaluationRow
	q := `SELECT ` + evaluationColumns + ` FROM evaluations WHERE ` + where
	if err := repo.db.GetContext(ctx, &row, repo.db.Rebind(q), arg); err != nil {
		if isNoRows(err) {
			return evaluation.Evaluation{}, evaluation.ErrNotFound
		}
		return evaluation.Evaluation{}, errors.Wrap(err, "selecting evaluation")
	}
	return row.toEvaluation(), nil
}

func (repo *evaluationRepository) GetEvaluation(ctx context.Context, id string) (evaluation.Evaluation, error) {
	return repo.get(ctx, "id = ?", id)
}

func (repo *evaluationRepository) GetActiveEvaluation(ctx context.Context, submissionID string) (evaluation.Evaluation, error) {
	return repo.get(ctx, "submission_id = ? AND status <> 'rejected'", submissionID)
}

func (repo *evaluationRepository) FilterEvaluations(ctx context.Context, filter evaluation.QueryFilter) ([]evaluation.Evaluation, error) {
	where := []string{"1 = 1"}
	args := make([]interface{}, 0)
	if filter.SubmissionID != "" {
		where = append(where, "submission_id = ?")
		args = append(args, filter.SubmissionID)
	}
	if filter.ReviewerID != "" {
		where = append(where, "reviewer_id = ?")
		args = append(args, filter.ReviewerID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN (?)")
		args = append(args, filter.Statuses)
	}
	q := `SELECT ` + evaluationColumns + ` FROM evaluations WHERE ` + strings.Join(where, " AND ") + ` ORDER BY signed_at DESC`

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "building evaluations query")
	}
	var rows []evaluationRow
	if err := repo.db.SelectContext(ctx, &rows, repo.db.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "selecting evaluations")
	}
	evs := make([]evaluation.Evaluation, 0, len(rows))
	for _, row := range rows {
		evs = append(evs, row.toEvaluation())
	}
	return evs, nil
}

func (repo *evaluationRepository) UpdateEvaluation(ctx context.Context, e evaluation.Evaluation, from evaluation.Status) (evaluation.Evaluation, error) {
	// signed fields never change
	q := `UPDATE evaluations SET status = :status, verified_by = :verified_by, verified_at = :verified_at,
		rejection_reason = :rejection_reason WHERE id = :id AND status = :from_status`
	row := newEvaluationRow(e)
	row.From = string(from)
	res, err := repo.db.NamedExecContext(ctx, q, row)
	if err != nil {
		return evaluation.Evaluation{}, errors.Wrap(err, "updating evaluation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return evaluation.Evaluation{}, errors.Wrap(err, "updating evaluation")
	}
	if n == 0 {
		if _, err := repo.GetEvaluation(ctx, e.ID); err != nil {
			return evaluation.Evaluation{}, err
		}
		return evaluation.Evaluation{}, core.ErrAlreadyProcessed
	}
	return repo.GetEvaluation(ctx, e.ID)
}

package sqlxrepos

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/submission"
)

const submissionColumns = `id, student_id, title, blob_key, hash, filename, content_type, size, uploaded_at,
	status, reviewer_id, locked_by, lock_expires_at, published_at, rejection_reason`

var submissionOrderings = map[string]string{
	"uploaded_at": "uploaded_at",
	"title":       "title",
	"status":      "status",
}

type submissionRow struct {
	ID              string      `db:"id"`
	StudentID       string      `db:"student_id"`
	Title           string      `db:"title"`
	BlobKey         string      `db:"blob_key"`
	Hash            string      `db:"hash"`
	Filename        string      `db:"filename"`
	ContentType     string      `db:"content_type"`
	Size            int64       `db:"size"`
	UploadedAt      time.Time   `db:"uploaded_at"`
	Status          string      `db:"status"`
	ReviewerID      null.String `db:"reviewer_id"`
	LockedBy        null.String `db:"locked_by"`
	LockExpiresAt   null.Time   `db:"lock_expires_at"`
	PublishedAt     null.Time   `db:"published_at"`
	RejectionReason null.String `db:"rejection_reason"`
	From            string      `db:"from_status"`
}

func newSubmissionRow(s submission.Submission) submissionRow {
	return submissionRow{
		ID:              s.ID,
		StudentID:       s.StudentID,
		Title:           s.Title,
		BlobKey:         s.BlobKey,
		Hash:            s.Hash,
		Filename:        s.Filename,
		ContentType:     s.ContentType,
		Size:            s.Size,
		UploadedAt:      s.UploadedAt.UTC(),
		Status:          string(s.Status),
		ReviewerID:      nullString(s.ReviewerID),
		LockedBy:        nullString(s.LockedBy),
		LockExpiresAt:   nullTime(s.LockExpiresAt),
		PublishedAt:     nullTime(s.PublishedAt),
		RejectionReason: nullString(s.RejectionReason),
	}
}

func (row submissionRow) toSubmission() submission.Submission {
	return submission.Submission{
		ID:              row.ID,
		StudentID:       row.StudentID,
		Title:           row.Title,
		BlobKey:         row.BlobKey,
		Hash:            row.Hash,
		Filename:        row.Filename,
		ContentType:     row.ContentType,
		Size:            row.Size,
		UploadedAt:      row.UploadedAt.UTC(),
		Status:          submission.Status(row.Status),
		ReviewerID:      row.ReviewerID.String,
		LockedBy:        row.LockedBy.String,
		LockExpiresAt:   timePtr(row.LockExpiresAt),
		PublishedAt:     timePtr(row.PublishedAt),
		RejectionReason: row.RejectionReason.String,
	}
}

type submissionRepository struct {
	db *sqlx.DB
}

var _ submission.Repository = (*submissionRepository)(nil)

func NewSubmissionRepository(db *sqlx.DB) submission.Repository {
	return &submissionRepository{db: db}
}

func (repo *submissionRepository) CreateSubmission(ctx context.Context, s submission.Submission) (submission.Submission, error) {
	q := `INSERT INTO submissions (` + submissionColumns + `) VALUES (
		:id, :student_id, :title, :blob_key, :hash, :filename, :content_type, :size, :uploaded_at,
		:status, :reviewer_id, :locked_by, :lock_expires_at, :published_at, :rejection_reason)`
	if _, err := repo.db.NamedExecContext(ctx, q, newSubmissionRow(s)); err != nil {
		return submission.Submission{}, errors.Wrap(err, "inserting submission")
	}
	return s, nil
}

func (repo *submissionRepository) GetSubmission(ctx context.Context, id string) (submission.Submission, error) {
	var row submissionRow
	q := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = ?`
	if err := repo.db.GetContext(ctx, &row, repo.db.Rebind(q), id); err != nil {
		if isNoRows(err) {
			return submission.Submission{}, submission.ErrNotFound
		}
		return submission.Submission{}, errors.Wrap(err, "selecting submission")
	}
	return row.toSubmission(), nil
}

func (repo *submissionRepository) FilterSubmissions(ctx context.Context, filter submission.QueryFilter, orderings ...core.DBOrdering) ([]submission.Submission, error) {
	where := []string{"1 = 1"}
	args := make([]interface{}, 0)
	if filter.Search != "" {
		where = append(where, "(LOWER(title) LIKE ? OR LOWER(filename) LIKE ?)")
		pattern := "%" + strings.ToLower(filter.Search) + "%"
		args = append(args, pattern, pattern)
	}
	if filter.StudentID != "" {
		where = append(where, "student_id = ?")
		args = append(args, filter.StudentID)
	}
	if filter.ReviewerID != "" {
		where = append(where, "reviewer_id = ?")
		args = append(args, filter.ReviewerID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN (?)")
		args = append(args, filter.Statuses)
	}
	q := `SELECT ` + submissionColumns + ` FROM submissions WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY ` + core.OrderByClause(orderings, submissionOrderings, "uploaded_at DESC")

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "building submissions query")
	}
	var rows []submissionRow
	if err := repo.db.SelectContext(ctx, &rows, repo.db.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "selecting submissions")
	}
	subs := make([]submission.Submission, 0, len(rows))
	for _, row := range rows {
		subs = append(subs, row.toSubmission())
	}
	return subs, nil
}

func (repo *submissionRepository) UpdateSubmission(ctx context.Context, s submission.Submission, from submission.Status) (submission.Submission, error) {
	// student, file and upload date never change
	q := `UPDATE submissions SET status = :status, reviewer_id = :reviewer_id, locked_by = :locked_by,
		lock_expires_at = :lock_expires_at, published_at = :published_at, rejection_reason = :rejection_reason
		WHERE id = :id AND status = :from_status`
	row := newSubmissionRow(s)
	row.From = string(from)
	res, err := repo.db.NamedExecContext(ctx, q, row)
	if err != nil {
		return submission.Submission{}, errors.Wrap(err, "updating submission")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return submission.Submission{}, errors.Wrap(err, "updating submission")
	}
	if n == 0 {
		if _, err := repo.GetSubmission(ctx, s.ID); err != nil {
			return submission.Submission{}, err
		}
		return submission.Submission{}, core.ErrInvalidTransition
	}
	return repo.GetSubmission(ctx, s.ID)
}

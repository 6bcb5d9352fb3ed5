package inmemdb

import (
	"context"
	"sort"
	"strings"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/submission"
)

type submissionRepository struct {
	db *submissionTable
}

var _ submission.Repository = (*submissionRepository)(nil)

func NewSubmissionRepository(db *DB) submission.Repository {
	return &submissionRepository{db: db.submission}
}

func (repo *submissionRepository) CreateSubmission(_ context.Context, s submission.Submission) (submission.Submission, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	repo.db.table[s.ID] = &s
	return s, nil
}

func (repo *submissionRepository) GetSubmission(_ context.Context, id string) (submission.Submission, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	s, ok := repo.db.table[id]
	if !ok {
		return submission.Submission{}, submission.ErrNotFound
	}
	return *s, nil
}

func (repo *submissionRepository) FilterSubmissions(_ context.Context, filter submission.QueryFilter, orderings ...core.DBOrdering) ([]submission.Submission, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	search := strings.ToLower(filter.Search)
	subs := make([]submission.Submission, 0)
	for _, s := range repo.db.table {
		if search != "" &&
			!strings.Contains(strings.ToLower(s.Title), search) &&
			!strings.Contains(strings.ToLower(s.Filename), search) {
			continue
		}
		if filter.StudentID != "" && s.StudentID != filter.StudentID {
			continue
		}
		if filter.ReviewerID != "" && s.ReviewerID != filter.ReviewerID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsSubmissionStatus(filter.Statuses, s.Status) {
			continue
		}
		subs = append(subs, *s)
	}

	// newest first unless asked otherwise
	asc := len(orderings) > 0 && orderings[0].Field == "uploaded_at" && orderings[0].Ascending
	sort.Slice(subs, func(i, j int) bool {
		if asc {
			return subs[i].UploadedAt.Before(subs[j].UploadedAt)
		}
		return subs[i].UploadedAt.After(subs[j].UploadedAt)
	})
	return subs, nil
}

func (repo *submissionRepository) UpdateSubmission(_ context.Context, s submission.Submission, from submission.Status) (submission.Submission, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	orig, ok := repo.db.table[s.ID]
	if !ok {
		return submission.Submission{}, submission.ErrNotFound
	}
	if orig.Status != from {
		return submission.Submission{}, core.ErrInvalidTransition
	}
	// student, file and upload date never change
	orig.Status = s.Status
	orig.ReviewerID = s.ReviewerID
	orig.LockedBy = s.LockedBy
	orig.LockExpiresAt = s.LockExpiresAt
	orig.PublishedAt = s.PublishedAt
	orig.RejectionReason = s.RejectionReason
	return *orig, nil
}

func containsSubmissionStatus(statuses []submission.Status, status submission.Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

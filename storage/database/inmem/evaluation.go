package inmemdb

import (
	"context"
	"sort"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/evaluation"
)

type evaluationRepository struct {
	db *evaluationTable
}

var _ evaluation.Repository = (*evaluationRepository)(nil)

func NewEvaluationRepository(db *DB) evaluation.Repository {
	return &evaluationRepository{db: db.evaluation}
}

func (repo *evaluationRepository) CreateEvaluation(_ context.Context, e evaluation.Evaluation) (evaluation.Evaluation, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, ev := range repo.db.table {
		if ev.SubmissionID == e.SubmissionID && ev.IsActive() {
			return evaluation.Evaluation{}, core.ErrAlreadyEvaluated
		}
	}
	repo.db.table[e.ID] = &e
	return e, nil
}

func (repo *evaluationRepository) GetEvaluation(_ context.Context, id string) (evaluation.Evaluation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	ev, ok := repo.db.table[id]
	if !ok {
		return evaluation.Evaluation{}, evaluation.ErrNotFound
	}
	return *ev, nil
}

func (repo *evaluationRepository) GetActiveEvaluation(_ context.Context, submissionID string) (evaluation.Evaluation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	for _, ev := range repo.db.table {
		if ev.SubmissionID == submissionID && ev.IsActive() {
			return *ev, nil
		}
	}
	return evaluation.Evaluation{}, evaluation.ErrNotFound
}

func (repo *evaluationRepository) FilterEvaluations(_ context.Context, filter evaluation.QueryFilter) ([]evaluation.Evaluation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	evs := make([]evaluation.Evaluation, 0)
	for _, ev := range repo.db.table {
		if filter.SubmissionID != "" && ev.SubmissionID != filter.SubmissionID {
			continue
		}
		if filter.ReviewerID != "" && ev.ReviewerID != filter.ReviewerID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsEvaluationStatus(filter.Statuses, ev.Status) {
			continue
		}
		evs = append(evs, *ev)
	}
	sort.Slice(evs, func(i, j int) bool { return evs[i].SignedAt.After(evs[j].SignedAt) })
	return evs, nil
}

func (repo *evaluationRepository) UpdateEvaluation(_ context.Context, e evaluation.Evaluation, from evaluation.Status) (evaluation.Evaluation, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	orig, ok := repo.db.table[e.ID]
	if !ok {
		return evaluation.Evaluation{}, evaluation.ErrNotFound
	}
	if orig.Status != from {
		return evaluation.Evaluation{}, core.ErrAlreadyProcessed
	}
	// signed fields never change
	orig.Status = e.Status
	orig.VerifiedBy = e.VerifiedBy
	orig.VerifiedAt = e.VerifiedAt
	orig.RejectionReason = e.RejectionReason
	return *orig, nil
}

// TamperEvaluation overwrites stored signed fields, bypassing the repository rules.
func (db *DB) TamperEvaluation(id string, f func(*evaluation.Evaluation)) {
	db.evaluation.mutex.Lock()
	defer db.evaluation.mutex.Unlock()
	if ev, ok := db.evaluation.table[id]; ok {
		f(ev)
	}
}

// TamperSubmissionHash overwrites the stored hash of a submission.
func (db *DB) TamperSubmissionHash(id, hash string) {
	db.submission.mutex.Lock()
	defer db.submission.mutex.Unlock()
	if s, ok := db.submission.table[id]; ok {
		s.Hash = hash
	}
}

func containsEvaluationStatus(statuses []evaluation.Status, status evaluation.Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

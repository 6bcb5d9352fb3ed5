// Package inmemdb holds map backed repositories for tests and local experiments.
package inmemdb

import (
	"sync"

	"github.com/vaultgrade/backend/core/audit"
	"github.com/vaultgrade/backend/core/evaluation"
	"github.com/vaultgrade/backend/core/submission"
	"github.com/vaultgrade/backend/core/user"
)

type (
	userTable struct {
		mutex sync.RWMutex
		table map[string]*user.User
	}

	submissionTable struct {
		mutex sync.RWMutex
		table map[string]*submission.Submission
	}

	evaluationTable struct {
		mutex sync.RWMutex
		table map[string]*evaluation.Evaluation
	}

	auditTable struct {
		mutex sync.RWMutex
		rows  []audit.Event
	}

	DB struct {
		user       *userTable
		submission *submissionTable
		evaluation *evaluationTable
		audit      *auditTable
	}
)

func NewDB() *DB {
	return &DB{
		user:       &userTable{table: make(map[string]*user.User)},
		submission: &submissionTable{table: make(map[string]*submission.Submission)},
		evaluation: &evaluationTable{table: make(map[string]*evaluation.Evaluation)},
		audit:      &auditTable{},
	}
}

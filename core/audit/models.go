package audit

import (
	"context"
	"time"
)

type Action string

const (
	ActionUserRegister     Action = "USER_REGISTER"
	ActionUserLogin        Action = "USER_LOGIN"
	ActionLoginFailed      Action = "LOGIN_FAILED"
	ActionOTPFailed        Action = "OTP_FAILED"
	ActionUserStatusChange Action = "USER_STATUS_CHANGE"
	ActionPasswordRotate   Action = "PASSWORD_ROTATE"
	ActionProjectSubmit    Action = "PROJECT_SUBMIT"
	ActionReviewerAssign   Action = "REVIEWER_ASSIGN"
	ActionProjectOpen      Action = "PROJECT_OPEN"
	ActionSubmissionReject Action = "SUBMISSION_REJECT"
	ActionEvaluationSign   Action = "EVALUATION_SIGN"
	ActionResultPublish    Action = "RESULT_PUBLISH"
	ActionEvaluationReject Action = "EVALUATION_REJECT"
	ActionIntegrityFailure Action = "INTEGRITY_FAILURE"
	ActionAccessDenied     Action = "ACCESS_DENIED"
	ActionAuditRead        Action = "AUDIT_READ"
)

type Metadata map[string]string

// Event is an append-only record of a security relevant action.
type Event struct {
	ID         string    `json:"id"`
	Action     Action    `json:"action"`
	ActorID    string    `json:"actor_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"` // UTC
	SourceAddr string    `json:"source_addr,omitempty"`
	Metadata   Metadata  `json:"metadata,omitempty"`
}

type QueryFilter struct {
	Actions []Action  `query:"action"`
	ActorID string    `query:"actor_id"`
	From    time.Time `query:"from"`
	To      time.Time `query:"to"`
	Limit   int       `query:"limit"`
}

// Clean bounds the page size.
func (qf *QueryFilter) Clean() {
	if qf.Limit <= 0 || qf.Limit > maxQueryLimit {
		qf.Limit = maxQueryLimit
	}
}

const maxQueryLimit = 500

// Repository persists events. Implementations must never update or delete one.
type Repository interface {
	CreateEvent(ctx context.Context, ev Event) (Event, error)
	// FilterEvents returns matching events, newest first.
	FilterEvents(ctx context.Context, filter QueryFilter) ([]Event, error)
}

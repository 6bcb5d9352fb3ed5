package core

import "github.com/pkg/errors"

// Kind groups error codes by how callers are expected to react to them.
type Kind string

const (
	KindValidation   Kind = "ValidationError"
	KindAuth         Kind = "AuthError"
	KindAccessDenied Kind = "AccessDenied"
	KindConflict     Kind = "ConflictError"
	KindIntegrity    Kind = "IntegrityError"
	KindNotFound     Kind = "NotFoundError"
)

// Code is the stable, machine-readable error identifier sent to clients.
type Code string

const (
	CodeWeakPassword       Code = "WeakPassword"
	CodeDuplicateUser      Code = "DuplicateUser"
	CodeInvalidCredentials Code = "InvalidCredentials"
	CodeInvalidOTP         Code = "InvalidOtp"
	CodeExpiredToken       Code = "ExpiredToken"
	CodeInvalidToken       Code = "InvalidToken"
	CodeAccessDenied       Code = "AccessDenied"
	CodeNotAssigned        Code = "NotAssigned"
	CodeAlreadyEvaluated   Code = "AlreadyEvaluated"
	CodeAlreadyProcessed   Code = "AlreadyProcessed"
	CodeInvalidTransition  Code = "InvalidTransition"
	CodeLocked             Code = "Locked"
	CodeSignatureMismatch  Code = "SignatureMismatch"
	CodeHashMismatch       Code = "HashMismatch"
	CodeNotFound           Code = "NotFound"
)

// Error is a domain error carrying a Kind and a Code.
// Two Errors match with errors.Is when their codes are equal.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Cause   error
}

func NewError(kind Kind, code Code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithCause returns a copy of e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	cp := *e
	cp.Message = msg
	return &cp
}

var (
	ErrInvalidCredentials = NewError(KindAuth, CodeInvalidCredentials, "invalid credentials")
	ErrInvalidOTP         = NewError(KindAuth, CodeInvalidOTP, "invalid one-time code")
	ErrExpiredToken       = NewError(KindAuth, CodeExpiredToken, "token has expired")
	ErrInvalidToken       = NewError(KindAuth, CodeInvalidToken, "invalid token")
	ErrAccessDenied       = NewError(KindAccessDenied, CodeAccessDenied, "permission denied")
	ErrNotAssigned        = NewError(KindAccessDenied, CodeNotAssigned, "reviewer is not assigned to this submission")
	ErrDuplicateUser      = NewError(KindConflict, CodeDuplicateUser, "a user with this username or email already exists")
	ErrAlreadyEvaluated   = NewError(KindConflict, CodeAlreadyEvaluated, "submission already has an active evaluation")
	ErrAlreadyProcessed   = NewError(KindConflict, CodeAlreadyProcessed, "evaluation has already been processed")
	ErrInvalidTransition  = NewError(KindConflict, CodeInvalidTransition, "invalid status transition")
	ErrLocked             = NewError(KindConflict, CodeLocked, "submission is locked by another reviewer")
	ErrSignatureMismatch  = NewError(KindIntegrity, CodeSignatureMismatch, "evaluation signature does not verify")
	ErrHashMismatch       = NewError(KindIntegrity, CodeHashMismatch, "submission content changed since signing")
	ErrNotFound           = NewError(KindNotFound, CodeNotFound, "not found")
)

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

type ValidationError struct {
	Err    error
	Code   Code
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{Err: err, Fields: flds}
}

func NewCodedValidationError(code Code, err error, flds ...FieldError) error {
	return &ValidationError{Err: err, Code: code, Fields: flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		return ""
	}
	return err.Err.Error()
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}

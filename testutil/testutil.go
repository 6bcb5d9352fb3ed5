// Package testutil wires the domain services over in-memory storage for tests.
package testutil

import (
	"context"
	"testing"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/audit"
	"github.com/vaultgrade/backend/core/evaluation"
	"github.com/vaultgrade/backend/core/session"
	"github.com/vaultgrade/backend/core/submission"
	"github.com/vaultgrade/backend/core/user"
	emailsvc "github.com/vaultgrade/backend/services/email"
	inmemdb "github.com/vaultgrade/backend/storage/database/inmem"
)

// Password satisfies the password policy for every user created by CreateUser.
const Password = "Sup3r$ecret-Pass"

type Env struct {
	Conf        *core.Config
	DB          *inmemdb.DB
	Blobs       *inmemdb.BlobStore
	AuditRepo   audit.Repository
	UserRepo    user.Repository
	Audit       *audit.Service
	Issuer      *session.Issuer
	Users       user.ServiceInterface
	Submissions *submission.Service
	Evaluations *evaluation.Service
	Validate    *validator.Validate
	Translator  ut.Translator
}

func NewValidator() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	return validate, translator
}

// NewEnv returns services sharing one fresh in-memory database.
func NewEnv() *Env {
	conf := core.NewTestConfig()
	validate, translator := NewValidator()
	db := inmemdb.NewDB()
	blobs := inmemdb.NewBlobStore()
	auditRepo := inmemdb.NewAuditRepository(db)
	userRepo := inmemdb.NewUserRepository(db)

	auditSvc := audit.NewService(auditRepo, core.NopLogger{})
	issuer := session.NewIssuer(conf)
	mailSvc := emailsvc.NewConsoleServiceMock(conf)
	usrSvc := user.NewService(conf, userRepo, auditSvc, issuer, mailSvc, validate, translator)
	subSvc := submission.NewService(conf, inmemdb.NewSubmissionRepository(db), blobs, usrSvc, auditSvc, validate, translator)
	evalSvc := evaluation.NewService(conf, inmemdb.NewEvaluationRepository(db), subSvc, usrSvc, auditSvc, mailSvc, validate, translator)

	return &Env{
		Conf:        conf,
		DB:          db,
		Blobs:       blobs,
		AuditRepo:   auditRepo,
		UserRepo:    userRepo,
		Audit:       auditSvc,
		Issuer:      issuer,
		Users:       usrSvc,
		Submissions: subSvc,
		Evaluations: evalSvc,
		Validate:    validate,
		Translator:  translator,
	}
}

// CreateUser adds an active user with the given role and Password.
func (env *Env) CreateUser(t testing.TB, name, username string, role user.Role) user.User {
	t.Helper()
	reg, err := env.Users.Create(context.Background(), user.NewUser{
		Name:            name,
		Username:        username,
		Email:           username + "@example.com",
		Password:        Password,
		PasswordConfirm: Password,
		Role:            role,
	})
	if err != nil {
		t.Fatalf("CreateUser(%s) failed: %v", username, err)
	}
	return reg.User
}

// Login runs both authentication factors for username.
func (env *Env) Login(t testing.TB, username string) user.Session {
	t.Helper()
	ctx := context.Background()
	challenge, err := env.Users.Authenticate(ctx, username, Password)
	if err != nil {
		t.Fatalf("Authenticate(%s) failed: %v", username, err)
	}
	usr, err := env.UserRepo.GetUser(ctx, user.GetFilter{UsernameOrEmail: username})
	if err != nil {
		t.Fatalf("GetUser(%s) failed: %v", username, err)
	}
	code, err := user.GenerateOTP(usr.MFASecret, time.Now())
	if err != nil {
		t.Fatalf("GenerateOTP failed: %v", err)
	}
	sess, err := env.Users.VerifyOTP(ctx, challenge.Token, code)
	if err != nil {
		t.Fatalf("VerifyOTP(%s) failed: %v", username, err)
	}
	return sess
}

// AuditActions lists recorded actions, oldest first.
func (env *Env) AuditActions(t testing.TB) []audit.Action {
	t.Helper()
	events, err := env.AuditRepo.FilterEvents(context.Background(), audit.QueryFilter{})
	if err != nil {
		t.Fatalf("FilterEvents failed: %v", err)
	}
	actions := make([]audit.Action, len(events))
	for i, ev := range events {
		actions[len(events)-1-i] = ev.Action
	}
	return actions
}

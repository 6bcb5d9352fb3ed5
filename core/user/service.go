package user

import (
	"context"
	"crypto/ed25519"
	"net/mail"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/access"
	"github.com/vaultgrade/backend/core/audit"
	"github.com/vaultgrade/backend/core/session"
)

var (
	// errors
	ErrNotFound       = core.ErrNotFound.WithMessage("user not found")
	ErrUsernameExists = core.ErrDuplicateUser.WithMessage("a user with this username already exists")
	ErrEmailExists    = core.ErrDuplicateUser.WithMessage("a user with this email already exists")

	// compared against when the username is unknown so both paths cost one bcrypt run
	dummyHash, _ = bcryptHash("vaultgrade-dummy-password")
)

type ServiceInterface interface {
	Register(ctx context.Context, nu NewUser) (Registration, error)
	Create(ctx context.Context, nu NewUser) (Registration, error)
	Authenticate(ctx context.Context, username, password string) (Challenge, error)
	VerifyOTP(ctx context.Context, challengeToken, code string) (Session, error)
	SetStatus(ctx context.Context, p access.Principal, id string, us UpdateStatus) (User, error)
	RotatePassword(ctx context.Context, p access.Principal, rp RotatePassword) error
	ResetPassword(ctx context.Context, usernameOrEmail, pwd string) error
	Get(ctx context.Context, p access.Principal, id string) (User, error)
	GetByID(ctx context.Context, id string) (User, error)
	Query(ctx context.Context, p access.Principal, filter QueryFilter, orderings ...core.DBOrdering) ([]User, error)
	SigningKey(usr User) (ed25519.PrivateKey, error)
}

type service struct {
	conf       *core.Config
	repo       Repository
	auditSvc   *audit.Service
	enforcer   *access.Enforcer
	issuer     *session.Issuer
	mailSvc    core.EmailService
	validate   *validator.Validate
	translator ut.Translator
	tokens     tokenGenerator
}

var _ ServiceInterface = (*service)(nil)

func NewService(
	conf *core.Config,
	repo Repository,
	auditSvc *audit.Service,
	issuer *session.Issuer,
	mailSvc core.EmailService,
	validate *validator.Validate,
	translator ut.Translator,
) ServiceInterface {
	return &service{
		conf:       conf,
		repo:       repo,
		auditSvc:   auditSvc,
		enforcer:   access.NewEnforcer(auditSvc),
		issuer:     issuer,
		mailSvc:    mailSvc,
		validate:   validate,
		translator: translator,
		tokens:     newTokenGenerator(conf.SecretKey, conf.Auth.ChallengeTimeoutDelta),
	}
}

// Register is the public sign-up path. Admin accounts can only be created with Create.
func (svc *service) Register(ctx context.Context, nu NewUser) (Registration, error) {
	if err := nu.Validate(svc.validate, svc.translator); err != nil {
		return Registration{}, err
	}
	if nu.Role == RoleAdmin {
		anon := access.Principal{Role: RoleAdmin}
		return Registration{}, svc.enforcer.Deny(ctx, anon, access.Users, access.Write)
	}
	return svc.create(ctx, nu, StatusPending)
}

// Create adds an already active account of any role. Used by the admin CLI.
func (svc *service) Create(ctx context.Context, nu NewUser) (Registration, error) {
	if err := nu.Validate(svc.validate, svc.translator); err != nil {
		return Registration{}, err
	}
	return svc.create(ctx, nu, StatusActive)
}

func (svc *service) create(ctx context.Context, nu NewUser, status Status) (Registration, error) {
	if err := svc.repo.CheckUniqueness(ctx, nu.Username, nu.Email); err != nil {
		return Registration{}, err
	}

	now := now()
	usr := User{
		ID:        uuid.NewString(),
		Name:      nu.Name,
		Username:  nu.Username,
		Email:     nu.Email,
		Role:      nu.Role,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := usr.SetPassword(nu.Password); err != nil {
		return Registration{}, errors.Wrap(err, "hashing password")
	}

	key, err := newOTPKey(svc.conf.AppName, usr.Username)
	if err != nil {
		return Registration{}, err
	}
	usr.MFASecret = key.Secret()

	if usr.Role == RoleReviewer {
		pub, sealed, err := newSigningKey(svc.conf.MasterKey())
		if err != nil {
			return Registration{}, err
		}
		usr.PublicKey = pub
		usr.SealedPrivateKey = sealed
	}

	if _, err := svc.auditSvc.Record(ctx, audit.ActionUserRegister, usr.ID, audit.Metadata{
		"username": usr.Username,
		"role":     string(usr.Role),
	}); err != nil {
		return Registration{}, err
	}
	usr, err = svc.repo.CreateUser(ctx, usr)
	if err != nil {
		return Registration{}, errors.Wrap(err, "creating user")
	}

	reg := Registration{User: usr, ProvisioningURI: key.URL()}
	svc.sendRegistrationMail(reg)
	return reg, nil
}

func (svc *service) Authenticate(ctx context.Context, username, password string) (Challenge, error) {
	username = core.CleanString(username, true /* lower */)
	usr, err := svc.repo.GetUser(ctx, GetFilter{UsernameOrEmail: username})
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			return Challenge{}, errors.Wrap(err, "finding user by username or email")
		}
		_ = compareDummy(password)
		return Challenge{}, svc.loginFailed(ctx, "", username, "unknown user")
	}
	if err := usr.CheckPassword(password); err != nil {
		return Challenge{}, svc.loginFailed(ctx, usr.ID, username, "bad password")
	}
	if usr.IsDisabled() {
		return Challenge{}, svc.loginFailed(ctx, usr.ID, username, "account disabled")
	}

	token, expiresAt := svc.tokens.makeToken(usr)
	return Challenge{Token: token, ExpiresAt: expiresAt}, nil
}

func (svc *service) loginFailed(ctx context.Context, id, username, reason string) error {
	if _, err := svc.auditSvc.Record(ctx, audit.ActionLoginFailed, id, audit.Metadata{
		"username": username,
		"reason":   reason,
	}); err != nil {
		return err
	}
	return core.ErrInvalidCredentials
}

func (svc *service) VerifyOTP(ctx context.Context, challengeToken, code string) (Session, error) {
	id, err := tokenUserID(challengeToken)
	if err != nil {
		return Session{}, core.ErrInvalidOTP.WithCause(err)
	}
	usr, err := svc.repo.GetUser(ctx, GetFilter{ID: id})
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return Session{}, core.ErrInvalidOTP.WithCause(errInvalidToken)
		}
		return Session{}, errors.Wrap(err, "finding user by ID")
	}

	switch err := svc.tokens.verifyToken(usr, challengeToken); err {
	case nil:
	case errTokenExpired:
		return Session{}, core.ErrExpiredToken.WithCause(err)
	default:
		return Session{}, core.ErrInvalidOTP.WithCause(err)
	}
	if usr.IsDisabled() {
		return Session{}, core.ErrInvalidCredentials
	}

	challengeID := core.Hash([]byte(challengeToken))[:16]
	if err := svc.checkOTPAttempts(ctx, usr.ID, challengeID); err != nil {
		return Session{}, err
	}
	if !validateOTP(core.CleanString(code), usr.MFASecret, NowFunc(), svc.conf.Auth.OTPSkew) {
		if _, err := svc.auditSvc.Record(ctx, audit.ActionOTPFailed, usr.ID, audit.Metadata{"challenge": challengeID}); err != nil {
			return Session{}, err
		}
		return Session{}, core.ErrInvalidOTP
	}

	md := audit.Metadata{}
	if usr.Status == StatusPending {
		usr.Status = StatusActive
		md["activated"] = "true"
	}
	usr.LastLogin = now()
	usr.UpdatedAt = usr.LastLogin
	if _, err := svc.auditSvc.Record(ctx, audit.ActionUserLogin, usr.ID, md); err != nil {
		return Session{}, err
	}
	if usr, err = svc.repo.UpdateUser(ctx, usr); err != nil {
		return Session{}, errors.Wrap(err, "setting lastLogin")
	}

	token, expiresAt, err := svc.issuer.Issue(usr.ID, usr.Username, usr.Role)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ExpiresAt: expiresAt, User: usr}, nil
}

// checkOTPAttempts burns a challenge once it collected MaxOTPAttempts wrong codes.
func (svc *service) checkOTPAttempts(ctx context.Context, userID, challengeID string) error {
	max := svc.conf.Auth.MaxOTPAttempts
	if max <= 0 {
		return nil
	}
	failures, err := svc.auditSvc.Recent(ctx, audit.QueryFilter{
		Actions: []audit.Action{audit.ActionOTPFailed},
		ActorID: userID,
		Limit:   10 * max,
	})
	if err != nil {
		return err
	}
	n := 0
	for _, ev := range failures {
		if ev.Metadata["challenge"] == challengeID {
			n++
		}
	}
	if n >= max {
		return core.ErrExpiredToken.WithMessage("too many invalid codes, sign in again")
	}
	return nil
}

func (svc *service) SetStatus(ctx context.Context, p access.Principal, id string, us UpdateStatus) (User, error) {
	if err := svc.enforcer.CheckAny(ctx, p, access.Users, access.Write); err != nil {
		return User{}, err
	}
	if err := us.Validate(svc.validate, svc.translator); err != nil {
		return User{}, err
	}
	usr, err := svc.repo.GetUser(ctx, GetFilter{ID: id})
	if err != nil {
		return User{}, err
	}
	if usr.ID == p.ID {
		// an admin locking themselves out leaves nobody to undo it
		return User{}, svc.enforcer.Deny(ctx, p, access.Users, access.Write)
	}
	if usr.Status == us.Status {
		return usr, nil
	}

	if _, err := svc.auditSvc.Record(ctx, audit.ActionUserStatusChange, p.ID, audit.Metadata{
		"user_id": usr.ID,
		"from":    string(usr.Status),
		"to":      string(us.Status),
	}); err != nil {
		return User{}, err
	}
	usr.Status = us.Status
	usr.UpdatedAt = now()
	return svc.repo.UpdateUser(ctx, usr)
}

func (svc *service) RotatePassword(ctx context.Context, p access.Principal, rp RotatePassword) error {
	usr, err := svc.repo.GetUser(ctx, GetFilter{ID: p.ID})
	if err != nil {
		return err
	}
	rp.name, rp.username, rp.email = usr.Name, usr.Username, usr.Email
	if err := rp.Validate(svc.validate, svc.translator); err != nil {
		return err
	}
	if err := usr.CheckPassword(rp.OldPassword); err != nil {
		return core.ErrInvalidCredentials
	}
	return svc.setPassword(ctx, usr, rp.Password, usr.ID)
}

// ResetPassword sets a new password without the old one. Reserved to the admin CLI.
func (svc *service) ResetPassword(ctx context.Context, usernameOrEmail, pwd string) error {
	usr, err := svc.repo.GetUser(ctx, GetFilter{UsernameOrEmail: core.CleanString(usernameOrEmail, true /* lower */)})
	if err != nil {
		return err
	}
	rp := RotatePassword{OldPassword: "-", Password: pwd, PasswordConfirm: pwd, name: usr.Name, username: usr.Username, email: usr.Email}
	if err := rp.Validate(svc.validate, svc.translator); err != nil {
		return err
	}
	return svc.setPassword(ctx, usr, pwd, "")
}

func (svc *service) setPassword(ctx context.Context, usr User, pwd, actorID string) error {
	if _, err := svc.auditSvc.Record(ctx, audit.ActionPasswordRotate, actorID, audit.Metadata{"user_id": usr.ID}); err != nil {
		return err
	}
	if err := usr.SetPassword(pwd); err != nil {
		return errors.Wrap(err, "hashing password")
	}
	usr.UpdatedAt = now()
	_, err := svc.repo.UpdateUser(ctx, usr)
	return err
}

// Get returns the principal's own account, or any account for an admin.
func (svc *service) Get(ctx context.Context, p access.Principal, id string) (User, error) {
	if id != p.ID {
		if err := svc.enforcer.CheckAny(ctx, p, access.Users, access.Read); err != nil {
			return User{}, err
		}
	}
	return svc.repo.GetUser(ctx, GetFilter{ID: id})
}

// GetByID does no access check; for use by other services.
func (svc *service) GetByID(ctx context.Context, id string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{ID: id})
}

func (svc *service) Query(ctx context.Context, p access.Principal, filter QueryFilter, orderings ...core.DBOrdering) ([]User, error) {
	if err := svc.enforcer.CheckAny(ctx, p, access.Users, access.Read); err != nil {
		return nil, err
	}
	filter.Clean()
	return svc.repo.FilterUsers(ctx, filter, orderings...)
}

// SigningKey opens a reviewer's sealed private key.
func (svc *service) SigningKey(usr User) (ed25519.PrivateKey, error) {
	return openSigningKey(svc.conf.MasterKey(), usr.SealedPrivateKey)
}

func (svc *service) sendRegistrationMail(reg Registration) {
	usr := reg.User
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: usr.Name, Address: usr.Email}},
		Subject:      "Your account has been created",
		TemplateName: "registration",
		TemplateData: map[string]interface{}{
			"Username":        usr.Username,
			"Role":            usr.Role,
			"ProvisioningURI": reg.ProvisioningURI,
		},
	})
}

func now() time.Time {
	return NowFunc().UTC().Truncate(time.Microsecond)
}

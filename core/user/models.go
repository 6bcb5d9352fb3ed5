package user

import (
	"context"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/access"
)

// Roles are mutually exclusive and fixed at creation.
type Role = access.Role

const (
	RoleStudent  = access.RoleStudent
	RoleReviewer = access.RoleReviewer
	RoleAdmin    = access.RoleAdmin
)

type Status string

const (
	StatusPending  Status = "pending_verification"
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

type User struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Username         string    `json:"username"`
	Email            string    `json:"email"`
	Role             Role      `json:"role"`
	Status           Status    `json:"status"`
	PasswordHash     []byte    `json:"-"`
	MFASecret        string    `json:"-"` // base32 TOTP seed
	PublicKey        []byte    `json:"public_key,omitempty"`
	SealedPrivateKey []byte    `json:"-"`
	CreatedAt        time.Time `json:"created_at"` // UTC
	UpdatedAt        time.Time `json:"updated_at"` // UTC
	LastLogin        time.Time `json:"last_login"` // UTC
}

func (u *User) SetPassword(pwd string) error {
	hash, err := bcryptHash(pwd)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

func (u *User) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(pwd))
}

func bcryptHash(pwd string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
}

func compareDummy(pwd string) error {
	return bcrypt.CompareHashAndPassword(dummyHash, []byte(pwd))
}

func (u User) IsDisabled() bool { return u.Status == StatusDisabled }

func (u User) Principal() access.Principal {
	return access.Principal{ID: u.ID, Role: u.Role}
}

// NewUser contains information needed to create a new User.
type NewUser struct {
	Name            string `json:"name" validate:"required,notblank,max=100"`
	Username        string `json:"username" validate:"required,min=3,max=32,alphanum_"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
	Role            Role   `json:"role" validate:"required,oneof=student reviewer admin"`
}

func (nu *NewUser) Validate(validate *validator.Validate, translator ut.Translator) error {
	nu.Name = core.CleanString(nu.Name)
	nu.Username = core.CleanString(nu.Username, true /* lower */)
	nu.Email = core.CleanString(nu.Email, true /* lower */)
	nu.Role = Role(core.CleanString(string(nu.Role), true /* lower */))
	return checkValidation(validate.Struct(nu), translator)
}

// UpdateStatus is used by admins to (de)activate an account.
type UpdateStatus struct {
	Status Status `json:"status" validate:"required,oneof=active disabled"`
}

func (us *UpdateStatus) Validate(validate *validator.Validate, translator ut.Translator) error {
	us.Status = Status(core.CleanString(string(us.Status), true /* lower */))
	return checkValidation(validate.Struct(us), translator)
}

// RotatePassword is used by a User to change their own password.
type RotatePassword struct {
	OldPassword     string `json:"old_password" validate:"required"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`

	// user attributes the new password is compared against; set by the service
	name, username, email string
}

func (rp *RotatePassword) Validate(validate *validator.Validate, translator ut.Translator) error {
	return checkValidation(validate.Struct(rp), translator)
}

// OrderingFields are the fields FilterUsers can sort by.
var OrderingFields = []string{"username", "name", "created_at", "last_login"}

type QueryFilter struct {
	Search   string   `query:"search"`
	Roles    []Role   `query:"role"`
	Statuses []Status `query:"status"`
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
}

// GetFilter selects a single User. Set fields are ANDed.
type GetFilter struct {
	ID              string
	UsernameOrEmail string
}

// Registration is the result of creating an account: the TOTP provisioning URI is only ever returned here.
type Registration struct {
	User            User   `json:"user"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// Challenge is the first-factor token; it only grants the right to submit an OTP.
type Challenge struct {
	Token     string    `json:"challenge_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Session is returned after a successful second factor.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}

type Repository interface {
	// CheckUniqueness returns ErrUsernameExists or ErrEmailExists.
	CheckUniqueness(ctx context.Context, username, email string, excludedIDs ...string) error
	CreateUser(ctx context.Context, usr User) (User, error)
	GetUser(ctx context.Context, filter GetFilter) (User, error)
	// FilterUsers applies AND operation on available QueryFilter fields.
	// QueryFilter.Search does a case-insensitive match on one of User.Name, User.Username or User.Email.
	FilterUsers(ctx context.Context, filter QueryFilter, orderings ...core.DBOrdering) ([]User, error)
	UpdateUser(ctx context.Context, usr User) (User, error)
}

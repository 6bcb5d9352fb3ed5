package sqlxrepos

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/user"
)

const userColumns = `id, name, username, email, role, status, password_hash, mfa_secret,
	public_key, sealed_private_key, created_at, updated_at, last_login`

var userOrderings = map[string]string{
	"username":   "username",
	"name":       "name",
	"created_at": "created_at",
	"last_login": "last_login",
}

type userRow struct {
	ID               string      `db:"id"`
	Name             string      `db:"name"`
	Username         string      `db:"username"`
	Email            string      `db:"email"`
	Role             string      `db:"role"`
	Status           string      `db:"status"`
	PasswordHash     string      `db:"password_hash"`
	MFASecret        string      `db:"mfa_secret"`
	PublicKey        null.String `db:"public_key"`
	SealedPrivateKey null.String `db:"sealed_private_key"`
	CreatedAt        time.Time   `db:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at"`
	LastLogin        null.Time   `db:"last_login"`
}

func newUserRow(usr user.User) userRow {
	row := userRow{
		ID:           usr.ID,
		Name:         usr.Name,
		Username:     usr.Username,
		Email:        usr.Email,
		Role:         string(usr.Role),
		Status:       string(usr.Status),
		PasswordHash: string(usr.PasswordHash),
		MFASecret:    usr.MFASecret,
		CreatedAt:    usr.CreatedAt.UTC(),
		UpdatedAt:    usr.UpdatedAt.UTC(),
	}
	if len(usr.PublicKey) > 0 {
		row.PublicKey = null.StringFrom(base64.StdEncoding.EncodeToString(usr.PublicKey))
	}
	if len(usr.SealedPrivateKey) > 0 {
		row.SealedPrivateKey = null.StringFrom(base64.StdEncoding.EncodeToString(usr.SealedPrivateKey))
	}
	if !usr.LastLogin.IsZero() {
		row.LastLogin = null.TimeFrom(usr.LastLogin.UTC())
	}
	return row
}

func (row userRow) toUser() (user.User, error) {
	usr := user.User{
		ID:           row.ID,
		Name:         row.Name,
		Username:     row.Username,
		Email:        row.Email,
		Role:         user.Role(row.Role),
		Status:       user.Status(row.Status),
		PasswordHash: []byte(row.PasswordHash),
		MFASecret:    row.MFASecret,
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}
	var err error
	if row.PublicKey.Valid {
		if usr.PublicKey, err = base64.StdEncoding.DecodeString(row.PublicKey.String); err != nil {
			return user.User{}, errors.Wrap(err, "decoding public key")
		}
	}
	if row.SealedPrivateKey.Valid {
		if usr.SealedPrivateKey, err = base64.StdEncoding.DecodeString(row.SealedPrivateKey.String); err != nil {
			return user.User{}, errors.Wrap(err, "decoding private key")
		}
	}
	if row.LastLogin.Valid {
		usr.LastLogin = row.LastLogin.Time.UTC()
	}
	return usr, nil
}

type userRepository struct {
	db *sqlx.DB
}

var _ user.Repository = (*userRepository)(nil)

func NewUserRepository(db *sqlx.DB) user.Repository {
	return &userRepository{db: db}
}

func (repo *userRepository) CheckUniqueness(ctx context.Context, username, email string, excludedIDs ...string) error {
	q := `SELECT username, email FROM users WHERE (username = ? OR email = ?)`
	args := []interface{}{username, email}
	if len(excludedIDs) > 0 {
		var err error
		if q, args, err = sqlx.In(q+` AND id NOT IN (?)`, username, email, excludedIDs); err != nil {
			return errors.Wrap(err, "building uniqueness query")
		}
	}

	var rows []struct {
		Username string `db:"username"`
		Email    string `db:"email"`
	}
	if err := repo.db.SelectContext(ctx, &rows, repo.db.Rebind(q), args...); err != nil {
		return errors.Wrap(err, "checking uniqueness")
	}
	for _, row := range rows {
		if row.Username == username {
			return user.ErrUsernameExists
		}
	}
	if len(rows) > 0 {
		return user.ErrEmailExists
	}
	return nil
}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User) (user.User, error) {
	q := `INSERT INTO users (` + userColumns + `) VALUES (
		:id, :name, :username, :email, :role, :status, :password_hash, :mfa_secret,
		:public_key, :sealed_private_key, :created_at, :updated_at, :last_login)`
	if _, err := repo.db.NamedExecContext(ctx, q, newUserRow(usr)); err != nil {
		if isUniqueViolation(err) {
			return user.User{}, core.ErrDuplicateUser.WithCause(err)
		}
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	return usr, nil
}

func (repo *userRepository) GetUser(ctx context.Context, filter user.GetFilter) (user.User, error) {
	if filter.ID == "" && filter.UsernameOrEmail == "" {
		return user.User{}, user.ErrNotFound
	}
	where := make([]string, 0, 2)
	args := make([]interface{}, 0, 3)
	if filter.ID != "" {
		where = append(where, "id = ?")
		args = append(args, filter.ID)
	}
	if filter.UsernameOrEmail != "" {
		where = append(where, "(username = ? OR email = ?)")
		args = append(args, filter.UsernameOrEmail, filter.UsernameOrEmail)
	}
	q := `SELECT ` + userColumns + ` FROM users WHERE ` + strings.Join(where, " AND ")

	var row userRow
	if err := repo.db.GetContext(ctx, &row, repo.db.Rebind(q), args...); err != nil {
		if isNoRows(err) {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, errors.Wrap(err, "selecting user")
	}
	return row.toUser()
}

func (repo *userRepository) FilterUsers(ctx context.Context, filter user.QueryFilter, orderings ...core.DBOrdering) ([]user.User, error) {
	where := []string{"1 = 1"}
	args := make([]interface{}, 0)
	if filter.Search != "" {
		where = append(where, "(LOWER(name) LIKE ? OR LOWER(username) LIKE ? OR LOWER(email) LIKE ?)")
		pattern := "%" + strings.ToLower(filter.Search) + "%"
		args = append(args, pattern, pattern, pattern)
	}
	if len(filter.Roles) > 0 {
		where = append(where, "role IN (?)")
		args = append(args, filter.Roles)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN (?)")
		args = append(args, filter.Statuses)
	}
	q := `SELECT ` + userColumns + ` FROM users WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY ` + core.OrderByClause(orderings, userOrderings, "created_at ASC")

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "building users query")
	}
	var rows []userRow
	if err := repo.db.SelectContext(ctx, &rows, repo.db.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "selecting users")
	}
	users := make([]user.User, 0, len(rows))
	for _, row := range rows {
		usr, err := row.toUser()
		if err != nil {
			return nil, err
		}
		users = append(users, usr)
	}
	return users, nil
}

func (repo *userRepository) UpdateUser(ctx context.Context, usr user.User) (user.User, error) {
	// role, keys and creation date never change
	q := `UPDATE users SET name = :name, status = :status, password_hash = :password_hash,
		last_login = :last_login, updated_at = :updated_at WHERE id = :id`
	res, err := repo.db.NamedExecContext(ctx, q, newUserRow(usr))
	if err != nil {
		return user.User{}, errors.Wrap(err, "updating user")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return user.User{}, user.ErrNotFound
	}
	return repo.GetUser(ctx, user.GetFilter{ID: usr.ID})
}

package user_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/access"
	"github.com/vaultgrade/backend/core/audit"
	"github.com/vaultgrade/backend/core/user"
	emailsvc "github.com/vaultgrade/backend/services/email"
	"github.com/vaultgrade/backend/testutil"
)

func newUser(username string, role user.Role) user.NewUser {
	return user.NewUser{
		Name:            "Test " + username,
		Username:        username,
		Email:           username + "@example.com",
		Password:        testutil.Password,
		PasswordConfirm: testutil.Password,
		Role:            role,
	}
}

func TestService_Register(t *testing.T) {
	env := testutil.NewEnv()
	ctx := context.Background()
	env.CreateUser(t, "Alice", "alice", user.RoleStudent)

	tests := []struct {
		name     string
		modify   func(nu *user.NewUser)
		wantErr  error
		wantCode core.Code
	}{
		{name: "short password", modify: func(nu *user.NewUser) { nu.Password, nu.PasswordConfirm = "Sh0rt!", "Sh0rt!" }, wantCode: core.CodeWeakPassword},
		{name: "too long for bcrypt", modify: func(nu *user.NewUser) {
			long := strings.Repeat("Ab1!", 19) // 76 bytes
			nu.Password, nu.PasswordConfirm = long, long
		}, wantCode: core.CodeWeakPassword},
		{name: "no symbol", modify: func(nu *user.NewUser) { nu.Password, nu.PasswordConfirm = "NoSymbols12345", "NoSymbols12345" }, wantCode: core.CodeWeakPassword},
		{name: "no digit", modify: func(nu *user.NewUser) { nu.Password, nu.PasswordConfirm = "No-Digits-Here!", "No-Digits-Here!" }, wantCode: core.CodeWeakPassword},
		{name: "whitespace", modify: func(nu *user.NewUser) { nu.Password, nu.PasswordConfirm = "Has Space 123!x", "Has Space 123!x" }, wantCode: core.CodeWeakPassword},
		{name: "similar to username", modify: func(nu *user.NewUser) {
			nu.Username = "quentin_tar"
			nu.Password, nu.PasswordConfirm = "Quentin_Tar1!", "Quentin_Tar1!"
		}, wantCode: core.CodeWeakPassword},
		{name: "confirmation mismatch", modify: func(nu *user.NewUser) { nu.PasswordConfirm = "other" }},
		{name: "bad role", modify: func(nu *user.NewUser) { nu.Role = "guest" }},
		{name: "duplicate username", modify: func(nu *user.NewUser) { nu.Username = "alice" }, wantErr: core.ErrDuplicateUser},
		{name: "duplicate email", modify: func(nu *user.NewUser) { nu.Email = "ALICE@example.com" }, wantErr: core.ErrDuplicateUser},
		{name: "admin self-registration", modify: func(nu *user.NewUser) { nu.Role = user.RoleAdmin }, wantErr: core.ErrAccessDenied},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			nu := newUser("bob", user.RoleStudent)
			tc.modify(&nu)
			_, err := env.Users.Register(ctx, nu)
			require.Error(t, err)
			if tc.wantErr != nil {
				assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
				return
			}
			var vErr *core.ValidationError
			require.True(t, errors.As(err, &vErr), "got %v", err)
			assert.Equal(t, tc.wantCode, vErr.Code)
			assert.NotEmpty(t, vErr.Fields)
		})
	}

	t.Run("student", func(t *testing.T) {
		reg, err := env.Users.Register(ctx, newUser("Bob", user.RoleStudent))
		require.NoError(t, err)
		assert.Equal(t, "bob", reg.User.Username)
		assert.Equal(t, user.StatusPending, reg.User.Status)
		assert.NotEmpty(t, reg.User.MFASecret)
		assert.NotEqual(t, []byte(testutil.Password), reg.User.PasswordHash)
		assert.NoError(t, reg.User.CheckPassword(testutil.Password))
		assert.Empty(t, reg.User.PublicKey)
		assert.Contains(t, reg.ProvisioningURI, "otpauth://totp/")

		msg, ok := emailsvc.LastSentMessage()
		require.True(t, ok)
		assert.Equal(t, "registration", msg.TemplateName)
		assert.Equal(t, "bob@example.com", msg.To[0].Address)
	})

	t.Run("reviewer gets a signing key", func(t *testing.T) {
		reg, err := env.Users.Register(ctx, newUser("roberts", user.RoleReviewer))
		require.NoError(t, err)
		assert.Len(t, reg.User.PublicKey, 32)
		_, err = env.Users.SigningKey(reg.User)
		assert.NoError(t, err)
	})
}

func TestService_Authenticate(t *testing.T) {
	env := testutil.NewEnv()
	ctx := context.Background()
	alice := env.CreateUser(t, "Alice", "alice", user.RoleStudent)
	mallory := env.CreateUser(t, "Mallory", "mallory", user.RoleStudent)
	mallory.Status = user.StatusDisabled
	_, err := env.UserRepo.UpdateUser(ctx, mallory)
	require.NoError(t, err)

	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{name: "unknown user", username: "nobody", password: testutil.Password, wantErr: core.ErrInvalidCredentials},
		{name: "bad password", username: "alice", password: "wrong", wantErr: core.ErrInvalidCredentials},
		{name: "disabled", username: "mallory", password: testutil.Password, wantErr: core.ErrInvalidCredentials},
		{name: "username", username: "alice", password: testutil.Password},
		{name: "email, mixed case", username: " Alice@Example.com ", password: testutil.Password},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			challenge, err := env.Users.Authenticate(ctx, tc.username, tc.password)
			if tc.wantErr != nil {
				assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
				assert.Empty(t, challenge.Token)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, challenge.Token)
			assert.True(t, challenge.ExpiresAt.After(time.Now()))
		})
	}

	failures, err := env.AuditRepo.FilterEvents(ctx, audit.QueryFilter{Actions: []audit.Action{audit.ActionLoginFailed}})
	require.NoError(t, err)
	assert.Len(t, failures, 3)
	assert.Equal(t, alice.ID, failures[1].ActorID) // bad password
}

func TestService_VerifyOTP(t *testing.T) {
	env := testutil.NewEnv()
	ctx := context.Background()
	reg, err := env.Users.Register(ctx, newUser("alice", user.RoleStudent))
	require.NoError(t, err)
	secret := reg.User.MFASecret

	challenge := func(t *testing.T) string {
		c, err := env.Users.Authenticate(ctx, "alice", testutil.Password)
		require.NoError(t, err)
		return c.Token
	}
	code := func(t *testing.T, at time.Time) string {
		c, err := user.GenerateOTP(secret, at)
		require.NoError(t, err)
		return c
	}

	t.Run("tampered challenge", func(t *testing.T) {
		_, err := env.Users.VerifyOTP(ctx, challenge(t)+"x", code(t, time.Now()))
		assert.True(t, errors.Is(err, core.ErrInvalidOTP), "got %v", err)
	})

	t.Run("wrong code", func(t *testing.T) {
		_, err := env.Users.VerifyOTP(ctx, challenge(t), code(t, time.Now().Add(-10*time.Minute)))
		assert.True(t, errors.Is(err, core.ErrInvalidOTP), "got %v", err)

		failed, _ := env.AuditRepo.FilterEvents(ctx, audit.QueryFilter{Actions: []audit.Action{audit.ActionOTPFailed}})
		assert.Len(t, failed, 1)
	})

	t.Run("challenge burnt after repeated wrong codes", func(t *testing.T) {
		// shifted clocks keep these challenges apart from the ones issued by other subtests
		shift := func(d time.Duration) { user.NowFunc = func() time.Time { return time.Now().Add(d) } }
		defer func() { user.NowFunc = time.Now }()

		shift(3 * time.Second)
		token := challenge(t)
		wrong := code(t, time.Now().Add(-10*time.Minute))
		for i := 0; i < env.Conf.Auth.MaxOTPAttempts; i++ {
			_, err := env.Users.VerifyOTP(ctx, token, wrong)
			require.True(t, errors.Is(err, core.ErrInvalidOTP), "attempt %d: got %v", i, err)
		}
		_, err := env.Users.VerifyOTP(ctx, token, code(t, time.Now()))
		assert.True(t, errors.Is(err, core.ErrExpiredToken), "got %v", err)

		shift(6 * time.Second)
		fresh := challenge(t)
		require.NotEqual(t, token, fresh)
		_, err = env.Users.VerifyOTP(ctx, fresh, code(t, time.Now()))
		assert.NoError(t, err)
	})

	t.Run("expired challenge", func(t *testing.T) {
		token := challenge(t)
		user.NowFunc = func() time.Time { return time.Now().Add(env.Conf.Auth.ChallengeTimeoutDelta + time.Minute) }
		defer func() { user.NowFunc = time.Now }()
		_, err := env.Users.VerifyOTP(ctx, token, code(t, time.Now()))
		assert.True(t, errors.Is(err, core.ErrExpiredToken), "got %v", err)
	})

	t.Run("success activates the account", func(t *testing.T) {
		token := challenge(t)
		sess, err := env.Users.VerifyOTP(ctx, token, code(t, time.Now()))
		require.NoError(t, err)
		assert.Equal(t, user.StatusActive, sess.User.Status)
		assert.False(t, sess.User.LastLogin.IsZero())

		claims, err := env.Issuer.Validate(sess.Token)
		require.NoError(t, err)
		assert.Equal(t, sess.User.Principal(), claims.Principal())

		// challenge tokens are single use
		_, err = env.Users.VerifyOTP(ctx, token, code(t, time.Now()))
		assert.True(t, errors.Is(err, core.ErrInvalidOTP), "got %v", err)
	})
}

func TestService_SetStatus(t *testing.T) {
	env := testutil.NewEnv()
	ctx := context.Background()
	admin := env.CreateUser(t, "Root", "root", user.RoleAdmin)
	alice := env.CreateUser(t, "Alice", "alice", user.RoleStudent)

	_, err := env.Users.SetStatus(ctx, alice.Principal(), alice.ID, user.UpdateStatus{Status: user.StatusDisabled})
	assert.True(t, errors.Is(err, core.ErrAccessDenied), "got %v", err)

	_, err = env.Users.SetStatus(ctx, admin.Principal(), admin.ID, user.UpdateStatus{Status: user.StatusDisabled})
	assert.True(t, errors.Is(err, core.ErrAccessDenied), "got %v", err)

	_, err = env.Users.SetStatus(ctx, admin.Principal(), alice.ID, user.UpdateStatus{Status: "banned"})
	var vErr *core.ValidationError
	assert.True(t, errors.As(err, &vErr), "got %v", err)

	usr, err := env.Users.SetStatus(ctx, admin.Principal(), alice.ID, user.UpdateStatus{Status: user.StatusDisabled})
	require.NoError(t, err)
	assert.True(t, usr.IsDisabled())

	_, err = env.Users.Authenticate(ctx, "alice", testutil.Password)
	assert.True(t, errors.Is(err, core.ErrInvalidCredentials), "got %v", err)

	changes, _ := env.AuditRepo.FilterEvents(ctx, audit.QueryFilter{Actions: []audit.Action{audit.ActionUserStatusChange}})
	require.Len(t, changes, 1)
	assert.Equal(t, admin.ID, changes[0].ActorID)
	assert.Equal(t, alice.ID, changes[0].Metadata["user_id"])
}

func TestService_RotatePassword(t *testing.T) {
	env := testutil.NewEnv()
	ctx := context.Background()
	alice := env.CreateUser(t, "Alice", "alice", user.RoleStudent)
	p := alice.Principal()
	newPwd := "An0ther#Secret!"

	err := env.Users.RotatePassword(ctx, p, user.RotatePassword{OldPassword: "wrong", Password: newPwd, PasswordConfirm: newPwd})
	assert.True(t, errors.Is(err, core.ErrInvalidCredentials), "got %v", err)

	err = env.Users.RotatePassword(ctx, p, user.RotatePassword{OldPassword: testutil.Password, Password: "weak", PasswordConfirm: "weak"})
	var vErr *core.ValidationError
	require.True(t, errors.As(err, &vErr), "got %v", err)
	assert.Equal(t, core.CodeWeakPassword, vErr.Code)

	err = env.Users.RotatePassword(ctx, p, user.RotatePassword{OldPassword: testutil.Password, Password: newPwd, PasswordConfirm: newPwd})
	require.NoError(t, err)

	_, err = env.Users.Authenticate(ctx, "alice", newPwd)
	assert.NoError(t, err)
	_, err = env.Users.Authenticate(ctx, "alice", testutil.Password)
	assert.True(t, errors.Is(err, core.ErrInvalidCredentials), "got %v", err)
}

func TestService_Query(t *testing.T) {
	env := testutil.NewEnv()
	ctx := context.Background()
	admin := env.CreateUser(t, "Root", "root", user.RoleAdmin)
	alice := env.CreateUser(t, "Alice", "alice", user.RoleStudent)
	env.CreateUser(t, "Dr Roberts", "roberts", user.RoleReviewer)

	_, err := env.Users.Query(ctx, alice.Principal(), user.QueryFilter{})
	assert.True(t, errors.Is(err, core.ErrAccessDenied), "got %v", err)

	users, err := env.Users.Query(ctx, admin.Principal(), user.QueryFilter{Roles: []user.Role{user.RoleReviewer}})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "roberts", users[0].Username)

	users, err = env.Users.Query(ctx, admin.Principal(), user.QueryFilter{Search: "ALI"}, core.DBOrdering{Field: "username", Ascending: true})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, alice.ID, users[0].ID)

	t.Run("get", func(t *testing.T) {
		_, err := env.Users.Get(ctx, alice.Principal(), admin.ID)
		assert.True(t, errors.Is(err, core.ErrAccessDenied), "got %v", err)

		usr, err := env.Users.Get(ctx, alice.Principal(), alice.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", usr.Username)

		_, err = env.Users.Get(ctx, access.Principal{ID: admin.ID, Role: access.RoleAdmin}, "missing")
		assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)
	})
}

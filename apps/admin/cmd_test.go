package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/user"
	"github.com/vaultgrade/backend/storage/database"
	"github.com/vaultgrade/backend/testutil"
)

func setup(t *testing.T) (*commandLine, *testutil.Env, *bytes.Buffer) {
	env := testutil.NewEnv()

	conf := core.NewTestConfig()
	conf.Database.Driver = database.DriverSQLite
	conf.Database.DSN = filepath.Join(t.TempDir(), "admin.db")
	db, err := database.Open(conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var out bytes.Buffer
	return &commandLine{
		db:      db,
		usrRepo: env.UserRepo,
		usrSvc:  env.Users,
		out:     &out,
	}, env, &out
}

type cliTest struct {
	name        string
	args        []string // without program name
	pwd         string
	wantErr     error
	wantErrStr  string
	wantInvalid bool
}

func runCLI(t *testing.T, cli *commandLine, tests []cliTest) {
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)
		pwd := tt.pwd

		t.Run(tt.name, func(t *testing.T) {
			readPasswordFunc = func(fd int) ([]byte, error) { return []byte(pwd), nil }

			err := cli.run(args)
			switch {
			case tt.wantInvalid:
				var vErr *core.ValidationError
				assert.True(t, errors.As(err, &vErr), "got %v, want a validation error", err)
			case tt.wantErr != nil:
				assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
			case tt.wantErrStr != "":
				require.Error(t, err)
				assert.Equal(t, tt.wantErrStr, err.Error())
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func Test_commandLine_migrate(t *testing.T) {
	cli, _, _ := setup(t)

	origRun := gooseRunFunc
	defer func() { gooseRunFunc = origRun }()
	gooseRunFunc = func(command string, db *sql.DB, dir string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to":
			if len(args) == 0 {
				return fmt.Errorf("up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	runCLI(t, cli, []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "create: no args", args: []string{"migrate", "create"}, wantErrStr: "create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-to", args: []string{"migrate", "up-to", "1"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "version", args: []string{"migrate", "version"}},
	})
}

func Test_commandLine_migrateApplies(t *testing.T) {
	cli, _, _ := setup(t)

	require.NoError(t, cli.run([]string{"admin", "migrate", "up"}))
	var n int
	require.NoError(t, cli.db.Get(&n, `SELECT COUNT(*) FROM users`))
	assert.Zero(t, n)

	require.NoError(t, cli.run([]string{"admin", "migrate", "reset"}))
	assert.Error(t, cli.db.Get(&n, `SELECT COUNT(*) FROM users`))
}

func Test_commandLine_addUser(t *testing.T) {
	cli, env, out := setup(t)

	runCLI(t, cli, []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "missing flags", args: []string{"adduser", "-username", "root"}, wantErr: errHelp},
		{name: "unknown flag", args: []string{"adduser", "-lol"}, wantErr: errHelp},
		{name: "no password", args: []string{"adduser", "-name", "Root", "-username", "root", "-email", "root@example.com"}, wantErr: errHelp},
		{
			name: "weak password", args: []string{"adduser", "-name", "Root", "-username", "root", "-email", "root@example.com"},
			pwd: "weak", wantInvalid: true,
		},
		{name: "admin", args: []string{"adduser", "-name", "Root", "-username", "root", "-email", "root@example.com"}, pwd: testutil.Password},
		{
			name: "duplicate", args: []string{"adduser", "-name", "Root", "-username", "root", "-email", "other@example.com"},
			pwd: testutil.Password, wantErr: core.ErrDuplicateUser,
		},
		{
			name: "reviewer", args: []string{"adduser", "-name", "Dr Roberts", "-username", "roberts", "-email", "roberts@example.com", "-role", "reviewer"},
			pwd: testutil.Password,
		},
	})

	root, err := env.UserRepo.GetUser(context.Background(), user.GetFilter{UsernameOrEmail: "root"})
	require.NoError(t, err)
	assert.Equal(t, user.RoleAdmin, root.Role)
	assert.Equal(t, user.StatusActive, root.Status)
	assert.Contains(t, out.String(), "otpauth://totp/")

	roberts, err := env.UserRepo.GetUser(context.Background(), user.GetFilter{UsernameOrEmail: "roberts"})
	require.NoError(t, err)
	assert.NotEmpty(t, roberts.PublicKey)
}

func Test_commandLine_resetPassword(t *testing.T) {
	cli, env, _ := setup(t)
	usr := env.CreateUser(t, "User", "awe", user.RoleStudent)
	newPwd := "Brand-New!Passw0rd"

	runCLI(t, cli, []cliTest{
		{name: "no args", args: []string{"resetpassword"}, wantErr: errHelp},
		{name: "username but no password", args: []string{"resetpassword", "-username", "lol"}, wantErr: errHelp},
		{name: "user not found", args: []string{"resetpassword", "-username", "lol"}, pwd: newPwd, wantErr: core.ErrNotFound},
		{name: "weak password", args: []string{"resetpassword", "-username", usr.Username}, pwd: "lol", wantInvalid: true},
		{name: "reset with username", args: []string{"resetpassword", "-username", usr.Username}, pwd: newPwd},
		{name: "reset with email", args: []string{"resetpassword", "-username", usr.Email}, pwd: newPwd + "2"},
	})

	refreshed, err := env.UserRepo.GetUser(context.Background(), user.GetFilter{ID: usr.ID})
	require.NoError(t, err)
	assert.NoError(t, refreshed.CheckPassword(newPwd+"2"))
}

func Test_commandLine_setStatus(t *testing.T) {
	cli, env, _ := setup(t)
	usr := env.CreateUser(t, "User", "awe", user.RoleStudent)

	runCLI(t, cli, []cliTest{
		{name: "no args", args: []string{"setstatus"}, wantErr: errHelp},
		{name: "user not found", args: []string{"setstatus", "-username", "lol", "-status", "disabled"}, wantErr: core.ErrNotFound},
		{name: "bad status", args: []string{"setstatus", "-username", "awe", "-status", "gone"}, wantInvalid: true},
		{name: "disable", args: []string{"setstatus", "-username", "awe", "-status", "disabled"}},
	})

	refreshed, err := env.UserRepo.GetUser(context.Background(), user.GetFilter{ID: usr.ID})
	require.NoError(t, err)
	assert.Equal(t, user.StatusDisabled, refreshed.Status)
}

package main

import (
	"context"
	"fmt"

	"github.com/vaultgrade/backend/core/access"
	"github.com/vaultgrade/backend/core/user"
)

func (cli *commandLine) resetPassword(uname, pwd string) error {
	if err := cli.usrSvc.ResetPassword(context.Background(), uname, pwd); err != nil {
		return err
	}
	fmt.Fprintln(cli.out, "password updated")
	return nil
}

// setStatus acts as an anonymous admin: the audit record carries no actor.
func (cli *commandLine) setStatus(uname string, status user.Status) error {
	ctx := context.Background()
	usr, err := cli.usrRepo.GetUser(ctx, user.GetFilter{UsernameOrEmail: uname})
	if err != nil {
		return err
	}
	system := access.Principal{Role: access.RoleAdmin}
	if usr, err = cli.usrSvc.SetStatus(ctx, system, usr.ID, user.UpdateStatus{Status: status}); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "%q is now %s\n", usr.Username, usr.Status)
	return nil
}

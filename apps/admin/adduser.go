package main

import (
	"context"
	"fmt"

	"github.com/vaultgrade/backend/core/user"
)

// addUser creates an active account of any role, admins included.
func (cli *commandLine) addUser(nu user.NewUser) error {
	reg, err := cli.usrSvc.Create(context.Background(), nu)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "created %s %q (%s)\n", reg.User.Role, reg.User.Username, reg.User.ID)
	fmt.Fprintf(cli.out, "authenticator key: %s\n", reg.ProvisioningURI)
	return nil
}

// Package emailsvc holds the core.EmailService backends.
package emailsvc

import "github.com/vaultgrade/backend/core"

// New returns the backend named by conf.Mail.Backend; unknown names fall back to the console.
func New(conf *core.Config, logger core.Logger) core.EmailService {
	switch conf.Mail.Backend {
	case "sendgrid":
		return NewSendgridService(conf, logger)
	case "smtp":
		return NewSMTPService(conf, logger)
	default:
		return NewConsoleService(conf, logger)
	}
}

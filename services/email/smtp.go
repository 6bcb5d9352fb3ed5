package emailsvc

import (
	"crypto/tls"
	"fmt"
	netmail "net/mail"

	mail "github.com/go-mail/mail/v2"

	"github.com/vaultgrade/backend/core"
)

type smtpService struct {
	appName    string
	from       string
	subjPrefix string
	dialer     *mail.Dialer
	logger     core.Logger
}

var _ core.EmailService = (*smtpService)(nil)

func NewSMTPService(conf *core.Config, logger core.Logger) core.EmailService {
	d := mail.NewDialer(conf.Mail.SMTPHost, conf.Mail.SMTPPort, conf.Mail.SMTPUser, conf.Mail.SMTPPassword)
	d.StartTLSPolicy = mail.OpportunisticStartTLS
	d.TLSConfig = &tls.Config{ServerName: conf.Mail.SMTPHost}
	return &smtpService{
		appName:    conf.AppName,
		from:       conf.DefaultFromEmail.String(),
		subjPrefix: "[" + conf.AppName + "] ",
		dialer:     d,
		logger:     logger,
	}
}

func (svc smtpService) SendMessages(messages ...*core.EmailMessage) {
	for _, msg := range messages {
		msg := msg
		go func() {
			if err := msg.Render(svc.appName); err != nil {
				svc.logger.Error(fmt.Sprintf("rendering email: %v", err), err)
				return
			}
			if msg.HasRecipients() && (msg.HasContent() || msg.HasAttachments()) {
				if err := svc.dialer.DialAndSend(svc.prepare(*msg)); err != nil {
					svc.logger.Error(fmt.Sprintf("sending email: %v", err), err)
				}
			}
		}()
	}
}

func (svc smtpService) prepare(msg core.EmailMessage) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", svc.from)
	m.SetHeader("To", addressList(m, msg.To)...)
	if len(msg.Cc) > 0 {
		m.SetHeader("Cc", addressList(m, msg.Cc)...)
	}
	if len(msg.Bcc) > 0 {
		m.SetHeader("Bcc", addressList(m, msg.Bcc)...)
	}
	m.SetHeader("Subject", svc.subjPrefix+msg.Subject)

	m.SetBody("text/plain", msg.TextContent)
	if msg.HTMLContent != "" {
		m.AddAlternative("text/html", msg.HTMLContent)
	}
	for _, at := range msg.Attachments {
		at := at
		m.AttachReader(at.Filename, at.Content, mail.SetHeader(map[string][]string{"Content-Type": {at.ContentType}}))
	}
	return m
}

func addressList(m *mail.Message, addrs []netmail.Address) []string {
	list := make([]string, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, m.FormatAddress(a.Address, a.Name))
	}
	return list
}

package notify

import (
	"context"
	"fmt"

	mail "github.com/wneessen/go-mail"

	"github.com/replygrid/replygrid/internal/config"
	"github.com/replygrid/replygrid/internal/quota"
	"github.com/replygrid/replygrid/internal/subscription"
)

// SMTPNotifier sends over a plain SMTP relay.
type SMTPNotifier struct {
	cfg config.NotifyConfig
}

func NewSMTPNotifier(cfg config.NotifyConfig) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg}
}

func (n *SMTPNotifier) QuotaExhausted(ctx context.Context, sub subscription.Subscription, usage quota.Decision) error {
	to := recipient(sub, n.cfg)
	if to == "" {
		return fmt.Errorf("no recipient address for subscription %s", sub.ID)
	}

	m := mail.NewMsg()
	if err := m.From(n.cfg.From); err != nil {
		return fmt.Errorf("set from: %w", err)
	}
	if err := m.To(to); err != nil {
		return fmt.Errorf("set to: %w", err)
	}
	m.Subject(quotaExhaustedSubject(sub))
	m.SetBodyString(mail.TypeTextPlain, quotaExhaustedBody(sub, usage))
	m.SetMessageID()

	opts := []mail.Option{
		mail.WithPort(n.cfg.SMTP.Port),
		mail.WithTLSPolicy(mail.TLSMandatory),
	}
	if n.cfg.SMTP.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(n.cfg.SMTP.Username),
			mail.WithPassword(n.cfg.SMTP.Password))
	}
	client, err := mail.NewClient(n.cfg.SMTP.Host, opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

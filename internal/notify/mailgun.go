package notify

import (
	"context"
	"fmt"

	mg "github.com/mailgun/mailgun-go/v5"

	"github.com/replygrid/replygrid/internal/config"
	"github.com/replygrid/replygrid/internal/quota"
	"github.com/replygrid/replygrid/internal/subscription"
)

// MailgunNotifier sends through the Mailgun API.
type MailgunNotifier struct {
	client *mg.Client
	cfg    config.NotifyConfig
}

func NewMailgunNotifier(cfg config.NotifyConfig) (*MailgunNotifier, error) {
	if cfg.Mailgun.Domain == "" || cfg.Mailgun.APIKey == "" {
		return nil, fmt.Errorf("mailgun notifier requires domain and api key")
	}
	return &MailgunNotifier{client: mg.NewMailgun(cfg.Mailgun.APIKey), cfg: cfg}, nil
}

func (n *MailgunNotifier) QuotaExhausted(ctx context.Context, sub subscription.Subscription, usage quota.Decision) error {
	to := recipient(sub, n.cfg)
	if to == "" {
		return fmt.Errorf("no recipient address for subscription %s", sub.ID)
	}
	m := mg.NewMessage(n.cfg.Mailgun.Domain, n.cfg.From,
		quotaExhaustedSubject(sub), quotaExhaustedBody(sub, usage), to)
	if _, err := n.client.Send(ctx, m); err != nil {
		return fmt.Errorf("mailgun send: %w", err)
	}
	return nil
}

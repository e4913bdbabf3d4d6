// Package notify sends the operational emails this engine owes the client:
// currently only the daily quota-exhaustion notice. Delivery failures are
// logged by callers and never block the reply path.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/replygrid/replygrid/internal/config"
	"github.com/replygrid/replygrid/internal/quota"
	"github.com/replygrid/replygrid/internal/subscription"
)

// Notifier delivers client-facing notices.
type Notifier interface {
	QuotaExhausted(ctx context.Context, sub subscription.Subscription, usage quota.Decision) error
}

// New selects the configured provider.
func New(cfg config.NotifyConfig) (Notifier, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "smtp":
		return NewSMTPNotifier(cfg), nil
	case "mailgun":
		return NewMailgunNotifier(cfg)
	default:
		return nil, fmt.Errorf("unknown notify provider: %s", cfg.Provider)
	}
}

func quotaExhaustedSubject(sub subscription.Subscription) string {
	return fmt.Sprintf("Daily reply limit reached on %s", sub.Channel)
}

func quotaExhaustedBody(sub subscription.Subscription, usage quota.Decision) string {
	var b strings.Builder
	name := strings.TrimSpace(sub.BusinessProfile.Name)
	if name == "" {
		name = "there"
	}
	fmt.Fprintf(&b, "Hi %s,\n\n", name)
	fmt.Fprintf(&b, "Your assistant on %s answered %d messages today and reached the daily limit of %d.\n",
		sub.Channel, usage.Used, usage.Limit)
	b.WriteString("Incoming messages are still being recorded; automated replies resume tomorrow.\n")
	if sub.Status == subscription.StatusTrial {
		b.WriteString("Upgrading to a paid plan raises the daily limit.\n")
	}
	b.WriteString("\nThe ReplyGrid team\n")
	return b.String()
}

// recipient resolves where the notice goes: the subscription's own contact
// address, falling back to the configured default.
func recipient(sub subscription.Subscription, cfg config.NotifyConfig) string {
	if addr := strings.TrimSpace(sub.BusinessProfile.Email); addr != "" {
		return addr
	}
	return strings.TrimSpace(cfg.DefaultRecipient)
}

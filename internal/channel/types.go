// Package channel defines the normalized inbound event model and the
// outbound sender capability implemented once per messaging channel.
package channel

import (
	"fmt"
	"strings"
	"time"
)

// Channel identifies one supported messaging channel.
type Channel string

const (
	WhatsApp  Channel = "whatsapp"
	Messenger Channel = "messenger"
	Instagram Channel = "instagram"
	Telegram  Channel = "telegram"
	WebChat   Channel = "webchat"
)

func (c Channel) String() string {
	return string(c)
}

// GraphFamily reports whether the channel is served by the Meta Graph API.
func (c Channel) GraphFamily() bool {
	switch c {
	case WhatsApp, Messenger, Instagram:
		return true
	}
	return false
}

// Parse validates and normalizes a raw channel code.
func Parse(raw string) (Channel, error) {
	normalized := Channel(strings.ToLower(strings.TrimSpace(raw)))
	switch normalized {
	case WhatsApp, Messenger, Instagram, Telegram, WebChat:
		return normalized, nil
	}
	return "", fmt.Errorf("unsupported channel: %s", raw)
}

// DeliveryStatus is the provider-reported lifecycle of an outbound message.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// InboundEvent is one contact message normalized from a provider webhook.
// SubscriptionID is resolved from the provider routing key before the event
// leaves the adapter.
type InboundEvent struct {
	Channel           Channel
	SubscriptionID    string
	ExternalContactID string
	ContactName       string
	ContactAddress    string
	Text              string
	MediaURL          string
	ProviderMessageID string
	ReceivedAt        time.Time
}

// StatusEvent is a delivery receipt normalized from a provider webhook.
// Receipts never enter the reply pipeline; they only transition message
// delivery status.
type StatusEvent struct {
	Channel           Channel
	ProviderMessageID string
	Status            DeliveryStatus
}

// Credentials carries the per-subscription secrets needed to call a
// provider's send API. Which fields are required depends on the channel.
type Credentials struct {
	AccessToken   string `json:"access_token,omitempty"`
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	PageID        string `json:"page_id,omitempty"`
	InstagramID   string `json:"instagram_id,omitempty"`
	BotToken      string `json:"bot_token,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
	WidgetKey     string `json:"widget_key,omitempty"`
}

// Validate checks that the fields the given channel's transport needs are present.
func (c Credentials) Validate(ch Channel) error {
	missing := func(field string) error {
		return fmt.Errorf("channel %s: credential %s is required", ch, field)
	}
	switch ch {
	case WhatsApp:
		if strings.TrimSpace(c.AccessToken) == "" {
			return missing("access_token")
		}
		if strings.TrimSpace(c.PhoneNumberID) == "" {
			return missing("phone_number_id")
		}
	case Messenger:
		if strings.TrimSpace(c.AccessToken) == "" {
			return missing("access_token")
		}
		if strings.TrimSpace(c.PageID) == "" {
			return missing("page_id")
		}
	case Instagram:
		if strings.TrimSpace(c.AccessToken) == "" {
			return missing("access_token")
		}
		if strings.TrimSpace(c.InstagramID) == "" {
			return missing("instagram_id")
		}
	case Telegram:
		if strings.TrimSpace(c.BotToken) == "" {
			return missing("bot_token")
		}
		if strings.TrimSpace(c.WebhookSecret) == "" {
			return missing("webhook_secret")
		}
	case WebChat:
		if strings.TrimSpace(c.WidgetKey) == "" {
			return missing("widget_key")
		}
	default:
		return fmt.Errorf("unsupported channel: %s", ch)
	}
	return nil
}

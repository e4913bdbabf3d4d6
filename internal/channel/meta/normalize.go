package meta

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/replygrid/replygrid/internal/channel"
)

// Graph webhook object discriminators.
const (
	ObjectWhatsApp  = "whatsapp_business_account"
	ObjectPage      = "page"
	ObjectInstagram = "instagram"
)

// WebhookItem is one normalized entry out of a Graph webhook batch. Exactly
// one of Inbound or Status is set. RoutingKey is the provider key the
// subscription is resolved by.
type WebhookItem struct {
	RoutingKey string
	Inbound    *channel.InboundEvent
	Status     *channel.StatusEvent
}

// VerifySignature checks the X-Hub-Signature-256 header against the raw
// request body.
func VerifySignature(appSecret string, body []byte, header string) bool {
	provided, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}

// ParseWebhook normalizes a Graph webhook batch into per-message items.
// Entries that carry nothing this engine handles (echoes, reactions,
// read-watermarks without message ids) are skipped, not errors.
func ParseWebhook(body []byte) ([]WebhookItem, error) {
	var envelope struct {
		Object string          `json:"object"`
		Entry  json.RawMessage `json:"entry"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode webhook envelope: %w", err)
	}
	switch envelope.Object {
	case ObjectWhatsApp:
		return parseWhatsApp(envelope.Entry)
	case ObjectPage:
		return parseMessaging(envelope.Entry, channel.Messenger)
	case ObjectInstagram:
		return parseMessaging(envelope.Entry, channel.Instagram)
	default:
		return nil, channel.ErrIgnored
	}
}

func parseWhatsApp(raw json.RawMessage) ([]WebhookItem, error) {
	var entries []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
				Statuses []struct {
					ID     string `json:"id"`
					Status string `json:"status"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode whatsapp entries: %w", err)
	}

	var items []WebhookItem
	for _, entry := range entries {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			value := change.Value
			names := map[string]string{}
			for _, contact := range value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, msg := range value.Messages {
				text := strings.TrimSpace(msg.Text.Body)
				if msg.Type != "text" || text == "" {
					continue
				}
				items = append(items, WebhookItem{
					RoutingKey: value.Metadata.PhoneNumberID,
					Inbound: &channel.InboundEvent{
						Channel:           channel.WhatsApp,
						ExternalContactID: msg.From,
						ContactName:       names[msg.From],
						ContactAddress:    msg.From,
						Text:              text,
						ProviderMessageID: msg.ID,
						ReceivedAt:        unixSecondsString(msg.Timestamp),
					},
				})
			}
			for _, st := range value.Statuses {
				status, ok := deliveryStatus(st.Status)
				if !ok || st.ID == "" {
					continue
				}
				items = append(items, WebhookItem{
					RoutingKey: value.Metadata.PhoneNumberID,
					Status: &channel.StatusEvent{
						Channel:           channel.WhatsApp,
						ProviderMessageID: st.ID,
						Status:            status,
					},
				})
			}
		}
	}
	return items, nil
}

func parseMessaging(raw json.RawMessage, ch channel.Channel) ([]WebhookItem, error) {
	var entries []struct {
		ID        string `json:"id"`
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Recipient struct {
				ID string `json:"id"`
			} `json:"recipient"`
			Timestamp int64 `json:"timestamp"`
			Message   *struct {
				MID    string `json:"mid"`
				Text   string `json:"text"`
				IsEcho bool   `json:"is_echo"`
			} `json:"message"`
			Delivery *struct {
				MIDs []string `json:"mids"`
			} `json:"delivery"`
			Read *struct {
				MIDs []string `json:"mids"`
			} `json:"read"`
		} `json:"messaging"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode %s entries: %w", ch, err)
	}

	var items []WebhookItem
	for _, entry := range entries {
		for _, event := range entry.Messaging {
			routingKey := entry.ID
			if routingKey == "" {
				routingKey = event.Recipient.ID
			}
			switch {
			case event.Message != nil:
				msg := event.Message
				text := strings.TrimSpace(msg.Text)
				if msg.IsEcho || text == "" {
					continue
				}
				items = append(items, WebhookItem{
					RoutingKey: routingKey,
					Inbound: &channel.InboundEvent{
						Channel:           ch,
						ExternalContactID: event.Sender.ID,
						ContactAddress:    event.Sender.ID,
						Text:              text,
						ProviderMessageID: msg.MID,
						ReceivedAt:        unixMillis(event.Timestamp),
					},
				})
			case event.Delivery != nil:
				for _, mid := range event.Delivery.MIDs {
					items = append(items, WebhookItem{
						RoutingKey: routingKey,
						Status: &channel.StatusEvent{
							Channel:           ch,
							ProviderMessageID: mid,
							Status:            channel.StatusDelivered,
						},
					})
				}
			case event.Read != nil:
				for _, mid := range event.Read.MIDs {
					items = append(items, WebhookItem{
						RoutingKey: routingKey,
						Status: &channel.StatusEvent{
							Channel:           ch,
							ProviderMessageID: mid,
							Status:            channel.StatusRead,
						},
					})
				}
			}
		}
	}
	return items, nil
}

func deliveryStatus(raw string) (channel.DeliveryStatus, bool) {
	switch raw {
	case "sent":
		return channel.StatusSent, true
	case "delivered":
		return channel.StatusDelivered, true
	case "read":
		return channel.StatusRead, true
	case "failed":
		return channel.StatusFailed, true
	default:
		return "", false
	}
}

func unixSecondsString(raw string) time.Time {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}

func unixMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

// Package webchat adapts the embedded website widget to the shared channel
// contract. There is no upstream provider: delivery means publishing on the
// in-process hub the widget's stream socket is subscribed to.
package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/replygrid/replygrid/internal/channel"
	"github.com/replygrid/replygrid/internal/fanout"
)

// VisitorTopic is the hub room one widget session listens on.
func VisitorTopic(widgetKey, visitorID string) string {
	return "webchat:" + widgetKey + ":" + visitorID
}

// InboundPayload is the body a widget posts for one visitor message.
type InboundPayload struct {
	VisitorID   string `json:"visitor_id"`
	VisitorName string `json:"visitor_name,omitempty"`
	Text        string `json:"text"`
}

// Delivery is the frame pushed to the widget for each reply.
type Delivery struct {
	ID     string `json:"id"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
	SentAt string `json:"sent_at"`
}

// Adapter bridges widget sessions and the hub.
type Adapter struct {
	hub    *fanout.Hub
	logger *slog.Logger
}

func New(log *slog.Logger, hub *fanout.Hub) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{hub: hub, logger: log.With(slog.String("adapter", "webchat"))}
}

func (a *Adapter) Channel() channel.Channel {
	return channel.WebChat
}

// SendText pushes one reply frame to the visitor's room. A visitor with no
// open socket simply misses the frame; the transcript still holds it.
func (a *Adapter) SendText(_ context.Context, creds channel.Credentials, out channel.Outbound) (string, error) {
	visitorID := strings.TrimSpace(out.To)
	if visitorID == "" {
		return "", fmt.Errorf("webchat recipient is required")
	}
	sender := out.Sender
	if sender == "" {
		sender = "bot"
	}
	providerID := "webchat-" + uuid.NewString()
	a.hub.PublishJSON(VisitorTopic(creds.WidgetKey, visitorID), fanout.TypeMessage, Delivery{
		ID:     providerID,
		Sender: sender,
		Text:   out.Body,
		SentAt: time.Now().UTC().Format(time.RFC3339),
	})
	return providerID, nil
}

// ParseInbound normalizes one posted widget message.
func (a *Adapter) ParseInbound(body []byte) (channel.InboundEvent, error) {
	var payload InboundPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return channel.InboundEvent{}, fmt.Errorf("decode webchat payload: %w", err)
	}
	visitorID := strings.TrimSpace(payload.VisitorID)
	text := strings.TrimSpace(payload.Text)
	if visitorID == "" || text == "" {
		return channel.InboundEvent{}, channel.ErrIgnored
	}
	name := strings.TrimSpace(payload.VisitorName)
	if name == "" {
		name = "Visitor " + shortID(visitorID)
	}
	return channel.InboundEvent{
		Channel:           channel.WebChat,
		ExternalContactID: visitorID,
		ContactName:       name,
		ContactAddress:    visitorID,
		Text:              text,
		ProviderMessageID: "webchat-" + uuid.NewString(),
		ReceivedAt:        time.Now().UTC(),
	}, nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

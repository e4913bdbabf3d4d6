package orchestrator

import (
	"time"

	"github.com/replygrid/replygrid/internal/channel"
	"github.com/replygrid/replygrid/internal/conversation"
	"github.com/replygrid/replygrid/internal/fanout"
	"github.com/replygrid/replygrid/internal/message"
	"github.com/replygrid/replygrid/internal/quota"
	"github.com/replygrid/replygrid/internal/subscription"
)

// MessagePayload is the frame dashboards receive for every persisted message.
type MessagePayload struct {
	ConversationID string      `json:"conversation_id"`
	Platform       string      `json:"platform"`
	SenderType     string      `json:"sender_type"`
	Message        MessageView `json:"message"`
}

// MessageView is the transcript row as dashboards see it.
type MessageView struct {
	ID             string `json:"id"`
	Body           string `json:"body"`
	Kind           string `json:"kind"`
	MediaURL       string `json:"media_url,omitempty"`
	DeliveryStatus string `json:"delivery_status"`
	CreatedAt      string `json:"created_at"`
}

// ConversationPayload is the frame for conversation lifecycle events.
type ConversationPayload struct {
	ConversationID string `json:"conversation_id"`
	Platform       string `json:"platform"`
	ContactName    string `json:"contact_name,omitempty"`
	IsBotActive    bool   `json:"is_bot_active"`
}

// QuotaPayload is the frame for daily-cap exhaustion.
type QuotaPayload struct {
	SubscriptionID string `json:"subscription_id"`
	Used           int    `json:"used"`
	Limit          int    `json:"limit"`
}

func messageView(msg message.Message) MessageView {
	return MessageView{
		ID:             msg.ID,
		Body:           msg.Body,
		Kind:           msg.Kind,
		MediaURL:       msg.MediaURL,
		DeliveryStatus: string(msg.DeliveryStatus),
		CreatedAt:      msg.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// emitMessage fans one transcript row out to the three rooms that watch it:
// the subscription's dashboard room, the conversation room, and the shared
// operator room.
func (o *Orchestrator) emitMessage(sub subscription.Subscription, conv conversation.Conversation, msg message.Message) {
	payload := MessagePayload{
		ConversationID: conv.ID,
		Platform:       sub.Channel.String(),
		SenderType:     msg.Sender,
		Message:        messageView(msg),
	}
	o.hub.PublishJSON(fanout.SubscriptionTopic(sub.ID), fanout.TypeMessage, payload)
	o.hub.PublishJSON(fanout.ConversationTopic(conv.ID), fanout.TypeMessage, payload)
	o.hub.PublishJSON(fanout.OperatorTopic(), fanout.TypeMessage, payload)
}

func (o *Orchestrator) emitConversationCreated(sub subscription.Subscription, conv conversation.Conversation) {
	payload := ConversationPayload{
		ConversationID: conv.ID,
		Platform:       sub.Channel.String(),
		ContactName:    conv.ContactName,
		IsBotActive:    conv.BotActive,
	}
	o.hub.PublishJSON(fanout.SubscriptionTopic(sub.ID), fanout.TypeConversationCreated, payload)
	o.hub.PublishJSON(fanout.OperatorTopic(), fanout.TypeConversationCreated, payload)
}

func (o *Orchestrator) emitBotToggled(conv conversation.Conversation) {
	payload := ConversationPayload{
		ConversationID: conv.ID,
		IsBotActive:    conv.BotActive,
	}
	o.hub.PublishJSON(fanout.SubscriptionTopic(conv.SubscriptionID), fanout.TypeBotToggled, payload)
	o.hub.PublishJSON(fanout.ConversationTopic(conv.ID), fanout.TypeBotToggled, payload)
}

// DeliveryPayload is the frame for provider receipts. Receipts carry no
// conversation context, so they go to the operator room only; dashboards
// match them by provider message id.
type DeliveryPayload struct {
	ProviderMessageID string `json:"provider_message_id"`
	DeliveryStatus    string `json:"delivery_status"`
}

func (o *Orchestrator) emitDeliveryStatus(st channel.StatusEvent) {
	o.hub.PublishJSON(fanout.OperatorTopic(), fanout.TypeDeliveryStatus, DeliveryPayload{
		ProviderMessageID: st.ProviderMessageID,
		DeliveryStatus:    string(st.Status),
	})
}

func (o *Orchestrator) emitQuotaExhausted(sub subscription.Subscription, usage quota.Decision) {
	payload := QuotaPayload{
		SubscriptionID: sub.ID,
		Used:           usage.Used,
		Limit:          usage.Limit,
	}
	o.hub.PublishJSON(fanout.SubscriptionTopic(sub.ID), fanout.TypeQuotaExhausted, payload)
	o.hub.PublishJSON(fanout.OperatorTopic(), fanout.TypeQuotaExhausted, payload)
}

package handlers

import (
	"context"

	"github.com/replygrid/replygrid/internal/channel"
	"github.com/replygrid/replygrid/internal/conversation"
	"github.com/replygrid/replygrid/internal/message"
	"github.com/replygrid/replygrid/internal/orchestrator"
	"github.com/replygrid/replygrid/internal/subscription"
)

// Pipeline is the slice of the orchestrator the HTTP surface drives.
type Pipeline interface {
	HandleInbound(ctx context.Context, sub subscription.Subscription, ev channel.InboundEvent) (orchestrator.Receipt, error)
	HandleStatus(ctx context.Context, st channel.StatusEvent) error
	SendManual(ctx context.Context, conversationID, body string) (message.Message, error)
	ToggleBot(ctx context.Context, conversationID string, active bool) (conversation.Conversation, error)
}

var _ Pipeline = (*orchestrator.Orchestrator)(nil)

package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/replygrid/replygrid/internal/channel"
	"github.com/replygrid/replygrid/internal/channel/telegram"
	"github.com/replygrid/replygrid/internal/subscription"
)

// TelegramSecretResolver maps webhook path secrets to subscriptions.
type TelegramSecretResolver interface {
	ResolveByWebhookSecret(ctx context.Context, secret string) (subscription.Subscription, error)
}

// TelegramWebhookHandler terminates per-subscription Telegram webhooks.
type TelegramWebhookHandler struct {
	subscriptions TelegramSecretResolver
	adapter       *telegram.Adapter
	orch          Pipeline
	logger        *slog.Logger
}

// NewTelegramWebhookHandler creates the Telegram webhook handler.
func NewTelegramWebhookHandler(log *slog.Logger, subscriptions TelegramSecretResolver, adapter *telegram.Adapter, orch Pipeline) *TelegramWebhookHandler {
	return &TelegramWebhookHandler{
		subscriptions: subscriptions,
		adapter:       adapter,
		orch:          orch,
		logger:        log.With(slog.String("handler", "telegram_webhook")),
	}
}

// Register mounts the Telegram webhook route.
func (h *TelegramWebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/telegram/:secret", h.Receive)
}

// Receive ingests one Bot API Update. Telegram redelivers on non-2xx, so
// unknown secrets and ignorable updates still ack; only a persistence
// failure refuses.
func (h *TelegramWebhookHandler) Receive(c echo.Context) error {
	ctx := c.Request().Context()
	sub, err := h.subscriptions.ResolveByWebhookSecret(ctx, c.Param("secret"))
	if err != nil {
		if errors.Is(err, channel.ErrUnmapped) {
			h.logger.Warn("unknown webhook secret", slog.String("remote_ip", c.RealIP()))
			return c.NoContent(http.StatusOK)
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "subscription lookup failed"})
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "read body failed"})
	}
	ev, err := h.adapter.ParseUpdate(body)
	if err != nil {
		if errors.Is(err, channel.ErrIgnored) {
			return c.NoContent(http.StatusOK)
		}
		h.logger.Warn("update parse failed", slog.Any("error", err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "malformed update"})
	}
	ev.SubscriptionID = sub.ID

	if _, err := h.orch.HandleInbound(ctx, sub, ev); err != nil {
		h.logger.Error("handle inbound failed", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "persistence failed"})
	}
	return c.NoContent(http.StatusOK)
}

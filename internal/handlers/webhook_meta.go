package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/replygrid/replygrid/internal/channel"
	"github.com/replygrid/replygrid/internal/channel/meta"
	"github.com/replygrid/replygrid/internal/config"
	"github.com/replygrid/replygrid/internal/subscription"
)

// SubscriptionResolver maps provider routing keys to subscriptions.
type SubscriptionResolver interface {
	ResolveByRoutingKey(ctx context.Context, ch channel.Channel, key string) (subscription.Subscription, error)
}

// MetaWebhookHandler terminates the shared Graph webhook for WhatsApp,
// Messenger, and Instagram.
type MetaWebhookHandler struct {
	cfg           config.MetaConfig
	subscriptions SubscriptionResolver
	orch          Pipeline
	logger        *slog.Logger
}

// NewMetaWebhookHandler creates the Graph webhook handler.
func NewMetaWebhookHandler(log *slog.Logger, cfg config.MetaConfig, subscriptions SubscriptionResolver, orch Pipeline) *MetaWebhookHandler {
	return &MetaWebhookHandler{
		cfg:           cfg,
		subscriptions: subscriptions,
		orch:          orch,
		logger:        log.With(slog.String("handler", "meta_webhook")),
	}
}

// Register mounts the Graph webhook routes.
func (h *MetaWebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhooks/meta", h.Verify)
	e.POST("/webhooks/meta", h.Receive)
}

// Verify answers Meta's subscription handshake.
func (h *MetaWebhookHandler) Verify(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")
	if mode != "subscribe" || token != h.cfg.VerifyToken {
		return c.NoContent(http.StatusForbidden)
	}
	return c.String(http.StatusOK, challenge)
}

// Receive ingests one Graph webhook batch. The provider retries on non-2xx,
// so only a failure to persist earns one; everything else is logged and
// acked.
func (h *MetaWebhookHandler) Receive(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "read body failed"})
	}
	if h.cfg.AppSecret != "" {
		signature := c.Request().Header.Get("X-Hub-Signature-256")
		if !meta.VerifySignature(h.cfg.AppSecret, body, signature) {
			h.logger.Warn("webhook signature mismatch", slog.String("remote_ip", c.RealIP()))
			return c.NoContent(http.StatusForbidden)
		}
	}

	items, err := meta.ParseWebhook(body)
	if err != nil {
		if errors.Is(err, channel.ErrIgnored) {
			return c.NoContent(http.StatusOK)
		}
		h.logger.Warn("webhook parse failed", slog.Any("error", err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "malformed payload"})
	}

	ctx := c.Request().Context()
	for _, item := range items {
		if err := h.handleItem(ctx, item); err != nil {
			h.logger.Error("webhook item failed", slog.Any("error", err))
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "persistence failed"})
		}
	}
	return c.NoContent(http.StatusOK)
}

func (h *MetaWebhookHandler) handleItem(ctx context.Context, item meta.WebhookItem) error {
	switch {
	case item.Inbound != nil:
		sub, err := h.subscriptions.ResolveByRoutingKey(ctx, item.Inbound.Channel, item.RoutingKey)
		if err != nil {
			if errors.Is(err, channel.ErrUnmapped) {
				h.logger.Warn("unmapped routing key",
					slog.String("channel", item.Inbound.Channel.String()),
					slog.String("routing_key", item.RoutingKey))
				return nil
			}
			return err
		}
		ev := *item.Inbound
		ev.SubscriptionID = sub.ID
		_, err = h.orch.HandleInbound(ctx, sub, ev)
		return err
	case item.Status != nil:
		return h.orch.HandleStatus(ctx, *item.Status)
	default:
		return nil
	}
}

package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/replygrid/replygrid/internal/channel"
	"github.com/replygrid/replygrid/internal/channel/webchat"
	"github.com/replygrid/replygrid/internal/fanout"
)

// WebchatHandler serves the public widget surface: inbound posts and the
// reply stream socket.
type WebchatHandler struct {
	subscriptions SubscriptionResolver
	adapter       *webchat.Adapter
	orch          Pipeline
	hub           *fanout.Hub
	upgrader      websocket.Upgrader
	logger        *slog.Logger
}

// NewWebchatHandler creates the widget handler.
func NewWebchatHandler(log *slog.Logger, subscriptions SubscriptionResolver, adapter *webchat.Adapter, orch Pipeline, hub *fanout.Hub) *WebchatHandler {
	return &WebchatHandler{
		subscriptions: subscriptions,
		adapter:       adapter,
		orch:          orch,
		hub:           hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The widget runs on arbitrary customer origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.With(slog.String("handler", "webchat")),
	}
}

// Register mounts the widget routes.
func (h *WebchatHandler) Register(e *echo.Echo) {
	e.POST("/webchat/:widget_key/messages", h.Receive)
	e.GET("/webchat/:widget_key/stream", h.Stream)
}

// Receive ingests one visitor message.
func (h *WebchatHandler) Receive(c echo.Context) error {
	ctx := c.Request().Context()
	sub, err := h.subscriptions.ResolveByRoutingKey(ctx, channel.WebChat, c.Param("widget_key"))
	if err != nil {
		if errors.Is(err, channel.ErrUnmapped) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Message: "unknown widget"})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "subscription lookup failed"})
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 64<<10))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "read body failed"})
	}
	ev, err := h.adapter.ParseInbound(body)
	if err != nil {
		if errors.Is(err, channel.ErrIgnored) {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "visitor_id and text are required"})
		}
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "malformed payload"})
	}
	ev.SubscriptionID = sub.ID

	receipt, err := h.orch.HandleInbound(ctx, sub, ev)
	if err != nil {
		h.logger.Error("handle inbound failed", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "persistence failed"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"conversation_id": receipt.ConversationID,
		"message_id":      receipt.MessageID,
	})
}

// Stream upgrades the widget socket and forwards reply frames for one
// visitor until the client goes away.
func (h *WebchatHandler) Stream(c echo.Context) error {
	visitorID := strings.TrimSpace(c.QueryParam("visitor_id"))
	if visitorID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "visitor_id is required"})
	}
	ctx := c.Request().Context()
	sub, err := h.subscriptions.ResolveByRoutingKey(ctx, channel.WebChat, c.Param("widget_key"))
	if err != nil {
		if errors.Is(err, channel.ErrUnmapped) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Message: "unknown widget"})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "subscription lookup failed"})
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	defer conn.Close()

	topic := webchat.VisitorTopic(sub.Credentials.WidgetKey, visitorID)
	_, stream, cancel := h.hub.Subscribe(topic, fanout.DefaultBufferSize)
	defer cancel()

	go func() {
		// Drain reads so close frames and pings are processed.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range stream {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			return nil
		}
	}
	return nil
}

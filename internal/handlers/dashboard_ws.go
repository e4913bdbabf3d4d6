package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/replygrid/replygrid/internal/auth"
	"github.com/replygrid/replygrid/internal/fanout"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// DashboardWSHandler streams fanout events to operator dashboards.
type DashboardWSHandler struct {
	subscriptions SubscriptionLoader
	hub           *fanout.Hub
	upgrader      websocket.Upgrader
	logger        *slog.Logger
}

// NewDashboardWSHandler creates the dashboard stream handler.
func NewDashboardWSHandler(log *slog.Logger, subscriptions SubscriptionLoader, hub *fanout.Hub) *DashboardWSHandler {
	return &DashboardWSHandler{
		subscriptions: subscriptions,
		hub:           hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: log.With(slog.String("handler", "dashboard_ws")),
	}
}

// Register mounts the dashboard socket route.
func (h *DashboardWSHandler) Register(e *echo.Echo) {
	e.GET("/ws/dashboard", h.Stream)
}

// Stream upgrades the dashboard socket. With ?subscription_id= it joins that
// subscription's room (ownership checked), otherwise the shared operator
// room. Slow dashboards miss frames rather than stall the pipeline.
func (h *DashboardWSHandler) Stream(c echo.Context) error {
	clientID, err := auth.ClientIDFromContext(c)
	if err != nil {
		return err
	}

	topic := fanout.OperatorTopic()
	if subID := strings.TrimSpace(c.QueryParam("subscription_id")); subID != "" {
		sub, err := h.subscriptions.GetByID(c.Request().Context(), subID)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
		}
		if sub.ClientID != clientID {
			return echo.NewHTTPError(http.StatusForbidden, "subscription belongs to another client")
		}
		topic = fanout.SubscriptionTopic(sub.ID)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	defer conn.Close()

	_, stream, cancel := h.hub.Subscribe(topic, fanout.DefaultBufferSize)
	defer cancel()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return nil
			}
		}
	}
}

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/replygrid/replygrid/internal/auth"
	"github.com/replygrid/replygrid/internal/conversation"
	"github.com/replygrid/replygrid/internal/message"
	"github.com/replygrid/replygrid/internal/subscription"
)

// SubscriptionLoader loads subscriptions by id for ownership checks.
type SubscriptionLoader interface {
	GetByID(ctx context.Context, id string) (subscription.Subscription, error)
}

// ConversationReader is the conversation access the operator API needs.
type ConversationReader interface {
	GetByID(ctx context.Context, id string) (conversation.Conversation, error)
	ListBySubscription(ctx context.Context, subscriptionID string, limit, offset int) ([]conversation.Conversation, error)
	MarkRead(ctx context.Context, id string) error
	Close(ctx context.Context, id string) error
	Reopen(ctx context.Context, id string) error
}

// MessageReader pages transcripts for the operator API.
type MessageReader interface {
	ListPage(ctx context.Context, conversationID string, limit, offset int) ([]message.Message, error)
}

// OperatorHandler serves the authenticated dashboard API.
type OperatorHandler struct {
	subscriptions SubscriptionLoader
	conversations ConversationReader
	messages      MessageReader
	orch          Pipeline
	logger        *slog.Logger
}

// NewOperatorHandler creates the operator API handler.
func NewOperatorHandler(log *slog.Logger, subscriptions SubscriptionLoader, conversations ConversationReader, messages MessageReader, orch Pipeline) *OperatorHandler {
	return &OperatorHandler{
		subscriptions: subscriptions,
		conversations: conversations,
		messages:      messages,
		orch:          orch,
		logger:        log.With(slog.String("handler", "operator")),
	}
}

// Register mounts the operator routes.
func (h *OperatorHandler) Register(e *echo.Echo) {
	e.GET("/subscriptions/:id/conversations", h.ListConversations)
	e.GET("/conversations/:id/messages", h.ListMessages)
	e.POST("/conversations/:id/messages", h.SendMessage)
	e.PUT("/conversations/:id/bot", h.ToggleBot)
	e.POST("/conversations/:id/read", h.MarkRead)
	e.POST("/conversations/:id/close", h.CloseConversation)
	e.POST("/conversations/:id/reopen", h.ReopenConversation)
}

// authorizeSubscription checks the JWT client owns the subscription.
func (h *OperatorHandler) authorizeSubscription(c echo.Context, subscriptionID string) (subscription.Subscription, error) {
	clientID, err := auth.ClientIDFromContext(c)
	if err != nil {
		return subscription.Subscription{}, err
	}
	sub, err := h.subscriptions.GetByID(c.Request().Context(), subscriptionID)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			return subscription.Subscription{}, echo.NewHTTPError(http.StatusNotFound, "subscription not found")
		}
		return subscription.Subscription{}, err
	}
	if sub.ClientID != clientID {
		return subscription.Subscription{}, echo.NewHTTPError(http.StatusForbidden, "subscription belongs to another client")
	}
	return sub, nil
}

// authorizeConversation resolves a conversation and checks ownership through
// its subscription.
func (h *OperatorHandler) authorizeConversation(c echo.Context, conversationID string) (conversation.Conversation, error) {
	conv, err := h.conversations.GetByID(c.Request().Context(), conversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return conversation.Conversation{}, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return conversation.Conversation{}, err
	}
	if _, err := h.authorizeSubscription(c, conv.SubscriptionID); err != nil {
		return conversation.Conversation{}, err
	}
	return conv, nil
}

// ListConversations returns a subscription's threads, most recently active
// first.
func (h *OperatorHandler) ListConversations(c echo.Context) error {
	if _, err := h.authorizeSubscription(c, c.Param("id")); err != nil {
		return err
	}
	limit, offset := pagination(c)
	items, err := h.conversations.ListBySubscription(c.Request().Context(), c.Param("id"), limit, offset)
	if err != nil {
		h.logger.Error("list conversations failed", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "list conversations failed"})
	}
	if items == nil {
		items = []conversation.Conversation{}
	}
	return c.JSON(http.StatusOK, items)
}

// ListMessages pages one thread's transcript, newest first.
func (h *OperatorHandler) ListMessages(c echo.Context) error {
	if _, err := h.authorizeConversation(c, c.Param("id")); err != nil {
		return err
	}
	limit, offset := pagination(c)
	items, err := h.messages.ListPage(c.Request().Context(), c.Param("id"), limit, offset)
	if err != nil {
		h.logger.Error("list messages failed", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "list messages failed"})
	}
	if items == nil {
		items = []message.Message{}
	}
	return c.JSON(http.StatusOK, items)
}

// SendMessageRequest is the manual-send body.
type SendMessageRequest struct {
	Body string `json:"body"`
}

// SendMessage delivers an operator reply into the contact's channel.
func (h *OperatorHandler) SendMessage(c echo.Context) error {
	if _, err := h.authorizeConversation(c, c.Param("id")); err != nil {
		return err
	}
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "invalid request body"})
	}
	if strings.TrimSpace(req.Body) == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "body is required"})
	}
	msg, err := h.orch.SendManual(c.Request().Context(), c.Param("id"), req.Body)
	if err != nil {
		h.logger.Error("manual send failed", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "send failed"})
	}
	return c.JSON(http.StatusCreated, msg)
}

// ToggleBotRequest is the bot-active toggle body.
type ToggleBotRequest struct {
	Active bool `json:"active"`
}

// ToggleBot hands a thread to a human or back to the bot.
func (h *OperatorHandler) ToggleBot(c echo.Context) error {
	if _, err := h.authorizeConversation(c, c.Param("id")); err != nil {
		return err
	}
	var req ToggleBotRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "invalid request body"})
	}
	conv, err := h.orch.ToggleBot(c.Request().Context(), c.Param("id"), req.Active)
	if err != nil {
		h.logger.Error("toggle bot failed", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "toggle failed"})
	}
	return c.JSON(http.StatusOK, conv)
}

// MarkRead zeroes the unread counter.
func (h *OperatorHandler) MarkRead(c echo.Context) error {
	if _, err := h.authorizeConversation(c, c.Param("id")); err != nil {
		return err
	}
	if err := h.conversations.MarkRead(c.Request().Context(), c.Param("id")); err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "mark read failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

// CloseConversation ends a thread; the bot stays silent until reopened.
func (h *OperatorHandler) CloseConversation(c echo.Context) error {
	if _, err := h.authorizeConversation(c, c.Param("id")); err != nil {
		return err
	}
	if err := h.conversations.Close(c.Request().Context(), c.Param("id")); err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "close failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

// ReopenConversation returns a closed thread to active.
func (h *OperatorHandler) ReopenConversation(c echo.Context) error {
	if _, err := h.authorizeConversation(c, c.Param("id")); err != nil {
		return err
	}
	if err := h.conversations.Reopen(c.Request().Context(), c.Param("id")); err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "reopen failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

func pagination(c echo.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.QueryParam("limit"))
	offset, _ = strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

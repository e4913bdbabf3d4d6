// Package telegram adapts the Telegram Bot API to the shared channel
// contract. Updates arrive over per-subscription webhooks instead of long
// polling, so normalization here is pure payload work.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/replygrid/replygrid/internal/channel"
)

// Adapter sends and normalizes Telegram traffic.
type Adapter struct {
	logger   *slog.Logger
	endpoint string
}

func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:   log.With(slog.String("adapter", "telegram")),
		endpoint: tgbotapi.APIEndpoint,
	}
}

func (a *Adapter) Channel() channel.Channel {
	return channel.Telegram
}

// SendText delivers one text message to a chat id.
func (a *Adapter) SendText(ctx context.Context, creds channel.Credentials, out channel.Outbound) (string, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(out.To), 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram recipient must be a chat id: %w", err)
	}
	client := &http.Client{}
	if deadline, ok := ctx.Deadline(); ok {
		client.Timeout = time.Until(deadline)
	}
	bot, err := tgbotapi.NewBotAPIWithClient(creds.BotToken, a.endpoint, client)
	if err != nil {
		return "", fmt.Errorf("create bot client: %w", err)
	}
	sent, err := bot.Send(tgbotapi.NewMessage(chatID, out.Body))
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// ParseUpdate normalizes one webhook Update. Edits, channel posts, and
// messages from other bots are not conversations this engine handles and
// come back as ErrIgnored.
func (a *Adapter) ParseUpdate(body []byte) (channel.InboundEvent, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return channel.InboundEvent{}, fmt.Errorf("decode update: %w", err)
	}
	msg := update.Message
	if msg == nil {
		return channel.InboundEvent{}, channel.ErrIgnored
	}
	if msg.From == nil || msg.From.IsBot {
		return channel.InboundEvent{}, channel.ErrIgnored
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return channel.InboundEvent{}, channel.ErrIgnored
	}

	name := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	if name == "" {
		name = strings.TrimSpace(msg.From.UserName)
	}
	chatID := ""
	if msg.Chat != nil {
		chatID = strconv.FormatInt(msg.Chat.ID, 10)
	}

	return channel.InboundEvent{
		Channel:           channel.Telegram,
		ExternalContactID: strconv.FormatInt(msg.From.ID, 10),
		ContactName:       name,
		ContactAddress:    chatID,
		Text:              text,
		ProviderMessageID: strconv.Itoa(msg.MessageID),
		ReceivedAt:        time.Unix(int64(msg.Date), 0).UTC(),
	}, nil
}

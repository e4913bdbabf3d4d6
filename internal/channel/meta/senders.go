package meta

import (
	"context"
	"fmt"
	"strings"

	"github.com/replygrid/replygrid/internal/channel"
)

// WhatsAppSender sends over the WhatsApp Cloud API.
type WhatsAppSender struct {
	client *Client
}

func NewWhatsAppSender(client *Client) *WhatsAppSender {
	return &WhatsAppSender{client: client}
}

func (s *WhatsAppSender) Channel() channel.Channel {
	return channel.WhatsApp
}

func (s *WhatsAppSender) SendText(ctx context.Context, creds channel.Credentials, out channel.Outbound) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                out.To,
		"type":              "text",
		"text":              map[string]string{"body": out.Body},
	}
	var resp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	err := s.client.Post(ctx, "/"+creds.PhoneNumberID+"/messages", creds.AccessToken, payload, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", fmt.Errorf("whatsapp send: empty message id in response")
	}
	return resp.Messages[0].ID, nil
}

// pageSender covers Messenger and Instagram, which share the Send API.
type pageSender struct {
	client *Client
	ch     channel.Channel
}

func (s *pageSender) Channel() channel.Channel {
	return s.ch
}

func (s *pageSender) SendText(ctx context.Context, creds channel.Credentials, out channel.Outbound) (string, error) {
	payload := map[string]any{
		"recipient":      map[string]string{"id": out.To},
		"message":        map[string]string{"text": out.Body},
		"messaging_type": "RESPONSE",
	}
	var resp struct {
		MessageID string `json:"message_id"`
	}
	err := s.client.Post(ctx, "/me/messages", creds.AccessToken, payload, &resp)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.MessageID) == "" {
		return "", fmt.Errorf("%s send: empty message id in response", s.ch)
	}
	return resp.MessageID, nil
}

// NewMessengerSender sends to Facebook page inboxes.
func NewMessengerSender(client *Client) channel.Sender {
	return &pageSender{client: client, ch: channel.Messenger}
}

// NewInstagramSender sends to Instagram professional-account inboxes.
func NewInstagramSender(client *Client) channel.Sender {
	return &pageSender{client: client, ch: channel.Instagram}
}

// Package message persists the per-conversation transcript and tracks
// outbound delivery state reported back by the providers.
package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/replygrid/replygrid/internal/channel"
	dbpkg "github.com/replygrid/replygrid/internal/db"
)

var ErrNotFound = errors.New("message not found")

const (
	SenderContact = "contact"
	SenderBot     = "bot"
	SenderHuman   = "human"
)

const (
	KindText  = "text"
	KindMedia = "media"
)

// Message is one transcript entry.
type Message struct {
	ID                string
	ConversationID    string
	Sender            string
	Body              string
	Kind              string
	MediaURL          string
	ProviderMessageID string
	DeliveryStatus    channel.DeliveryStatus
	CreatedAt         time.Time
}

// Service persists messages.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{pool: pool, logger: log.With(slog.String("service", "message"))}
}

const messageColumns = `
	id, conversation_id, sender, body, kind, media_url,
	provider_message_id, delivery_status, created_at`

// AppendInbound stores a contact message already delivered by the provider.
// Providers redeliver webhooks at least once, so the insert is keyed on
// (conversation_id, provider_message_id): on a redelivery the existing row
// comes back with created false and the caller acks without replying again.
func (s *Service) AppendInbound(ctx context.Context, conversationID string, ev channel.InboundEvent) (Message, bool, error) {
	kind := KindText
	if ev.MediaURL != "" {
		kind = KindMedia
	}
	msg := Message{
		ConversationID:    conversationID,
		Sender:            SenderContact,
		Body:              ev.Text,
		Kind:              kind,
		MediaURL:          ev.MediaURL,
		ProviderMessageID: ev.ProviderMessageID,
		DeliveryStatus:    channel.StatusDelivered,
	}
	providerID := dbpkg.ToPgText(ev.ProviderMessageID)
	if !providerID.Valid {
		// No provider id to dedup on; webchat generates its own per post.
		inserted, err := s.insert(ctx, msg)
		if err != nil {
			return Message{}, false, err
		}
		return inserted, true, nil
	}

	convID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return Message{}, false, fmt.Errorf("invalid conversation id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender, body, kind, media_url, provider_message_id, delivery_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (conversation_id, provider_message_id)
			WHERE sender = 'contact' AND provider_message_id IS NOT NULL
			DO NOTHING
		RETURNING`+messageColumns,
		convID, msg.Sender, msg.Body, msg.Kind,
		dbpkg.ToPgText(msg.MediaURL), providerID,
		string(msg.DeliveryStatus))
	inserted, err := scan(row)
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Message{}, false, err
	}

	existing := s.pool.QueryRow(ctx, `
		SELECT`+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND provider_message_id = $2 AND sender = $3`,
		convID, providerID, SenderContact)
	dup, err := scan(existing)
	if err != nil {
		return Message{}, false, fmt.Errorf("load duplicate inbound: %w", err)
	}
	return dup, false, nil
}

// AppendOutbound stores a bot or human reply in pending state. The row is
// promoted to sent once the provider confirms the dispatch.
func (s *Service) AppendOutbound(ctx context.Context, conversationID, sender, body string) (Message, error) {
	return s.insert(ctx, Message{
		ConversationID: conversationID,
		Sender:         sender,
		Body:           body,
		Kind:           KindText,
		DeliveryStatus: channel.StatusPending,
	})
}

func (s *Service) insert(ctx context.Context, msg Message) (Message, error) {
	convID, err := dbpkg.ParseUUID(msg.ConversationID)
	if err != nil {
		return Message{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender, body, kind, media_url, provider_message_id, delivery_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING`+messageColumns,
		convID, msg.Sender, msg.Body, msg.Kind,
		dbpkg.ToPgText(msg.MediaURL), dbpkg.ToPgText(msg.ProviderMessageID),
		string(msg.DeliveryStatus))
	return scan(row)
}

// MarkSent records the provider message id after a confirmed dispatch.
func (s *Service) MarkSent(ctx context.Context, id, providerMessageID string) error {
	return s.updateDelivery(ctx, id, channel.StatusSent, providerMessageID)
}

// MarkFailed records a dispatch that the provider rejected.
func (s *Service) MarkFailed(ctx context.Context, id string) error {
	return s.updateDelivery(ctx, id, channel.StatusFailed, "")
}

func (s *Service) updateDelivery(ctx context.Context, id string, status channel.DeliveryStatus, providerMessageID string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return fmt.Errorf("invalid message id: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET delivery_status = $2,
		    provider_message_id = COALESCE(NULLIF($3, ''), provider_message_id)
		WHERE id = $1`, pgID, string(status), providerMessageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatusByProviderID applies a delivery receipt. Receipts only move
// delivery state forward, a late "delivered" never demotes "read". Unknown
// provider ids are dropped silently, receipts routinely outlive transcripts.
func (s *Service) UpdateStatusByProviderID(ctx context.Context, providerMessageID string, status channel.DeliveryStatus) error {
	if providerMessageID == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET delivery_status = $2
		WHERE provider_message_id = $1
		  AND CASE delivery_status
			WHEN 'pending' THEN 0
			WHEN 'sent' THEN 1
			WHEN 'delivered' THEN 2
			WHEN 'read' THEN 3
			ELSE 4
		      END < CASE $2
			WHEN 'pending' THEN 0
			WHEN 'sent' THEN 1
			WHEN 'delivered' THEN 2
			WHEN 'read' THEN 3
			ELSE 0
		      END`, providerMessageID, string(status))
	return err
}

// ListRecent returns the last n messages in chronological order, ready to
// feed the model as conversation history.
func (s *Service) ListRecent(ctx context.Context, conversationID string, n int) ([]Message, error) {
	convID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return nil, fmt.Errorf("invalid conversation id: %w", err)
	}
	if n <= 0 {
		n = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (
			SELECT`+messageColumns+` FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent ORDER BY created_at ASC`, convID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// ListPage returns a page of the transcript, newest first.
func (s *Service) ListPage(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	convID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return nil, fmt.Errorf("invalid conversation id: %w", err)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT`+messageColumns+` FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, convID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		msg, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func scan(row pgx.Row) (Message, error) {
	var (
		id, convID pgtype.UUID
		mediaURL   pgtype.Text
		providerID pgtype.Text
		status     string
		createdAt  pgtype.Timestamptz
		msg        Message
	)
	err := row.Scan(&id, &convID, &msg.Sender, &msg.Body, &msg.Kind,
		&mediaURL, &providerID, &status, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	msg.ID = dbpkg.UUIDToString(id)
	msg.ConversationID = dbpkg.UUIDToString(convID)
	msg.MediaURL = dbpkg.TextToString(mediaURL)
	msg.ProviderMessageID = dbpkg.TextToString(providerID)
	msg.DeliveryStatus = channel.DeliveryStatus(status)
	msg.CreatedAt = dbpkg.TimeFromPg(createdAt)
	return msg, nil
}

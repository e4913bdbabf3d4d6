// Package conversation tracks one thread per external contact per
// subscription and the bot-active flag that gates automated replies.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/replygrid/replygrid/internal/db"
)

var ErrNotFound = errors.New("conversation not found")

const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// Conversation is one contact's thread inside a subscription.
type Conversation struct {
	ID                string
	SubscriptionID    string
	ExternalContactID string
	ContactName       string
	ContactAddress    string
	Status            string
	BotActive         bool
	UnreadCount       int
	LastActivityAt    time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Service persists conversations.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{pool: pool, logger: log.With(slog.String("service", "conversation"))}
}

const conversationColumns = `
	id, subscription_id, external_contact_id, contact_name, contact_address,
	status, bot_active, unread_count, last_activity_at, created_at, updated_at`

// FindOrCreate returns the thread for a contact, creating it atomically on
// first contact. Concurrent first messages race on the
// (subscription_id, external_contact_id) unique key and both land on the
// same row. The created flag is true only for the insert winner.
func (s *Service) FindOrCreate(ctx context.Context, subscriptionID, externalContactID, contactName, contactAddress string) (Conversation, bool, error) {
	subID, err := dbpkg.ParseUUID(subscriptionID)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("invalid subscription id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (subscription_id, external_contact_id, contact_name, contact_address)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subscription_id, external_contact_id) DO UPDATE
			SET contact_name = CASE
					WHEN EXCLUDED.contact_name <> '' THEN EXCLUDED.contact_name
					ELSE conversations.contact_name
				END,
			    updated_at = now()
		RETURNING`+conversationColumns+`, (xmax = 0) AS created`,
		subID, externalContactID, contactName, contactAddress)

	var conv Conversation
	var created bool
	if err := scanInto(row, &conv, &created); err != nil {
		return Conversation{}, false, err
	}
	if created {
		s.logger.Info("conversation created",
			slog.String("conversation_id", conv.ID),
			slog.String("subscription_id", conv.SubscriptionID))
	}
	return conv, created, nil
}

// GetByID loads one conversation.
func (s *Service) GetByID(ctx context.Context, id string) (Conversation, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`SELECT`+conversationColumns+` FROM conversations WHERE id = $1`, pgID)
	var conv Conversation
	if err := scan(row, &conv); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// ListBySubscription returns a subscription's threads, most recently active
// first.
func (s *Service) ListBySubscription(ctx context.Context, subscriptionID string, limit, offset int) ([]Conversation, error) {
	subID, err := dbpkg.ParseUUID(subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("invalid subscription id: %w", err)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT`+conversationColumns+` FROM conversations
		 WHERE subscription_id = $1
		 ORDER BY last_activity_at DESC
		 LIMIT $2 OFFSET $3`, subID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var conv Conversation
		if err := scan(rows, &conv); err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// RecordInbound bumps activity and the unread counter for a contact message.
func (s *Service) RecordInbound(ctx context.Context, id string) error {
	return s.touch(ctx, id, `unread_count = unread_count + 1`)
}

// RecordOutbound bumps activity for a bot or human reply.
func (s *Service) RecordOutbound(ctx context.Context, id string) error {
	return s.touch(ctx, id, `unread_count = unread_count`)
}

func (s *Service) touch(ctx context.Context, id, unreadExpr string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET `+unreadExpr+`, last_activity_at = now(), updated_at = now()
		WHERE id = $1`, pgID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBotActive flips manual-override state and returns the updated thread.
// Turning the flag off hands the thread to a human; turning it back on
// resumes automated replies.
func (s *Service) SetBotActive(ctx context.Context, id string, active bool) (Conversation, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE conversations
		SET bot_active = $2, updated_at = now()
		WHERE id = $1
		RETURNING`+conversationColumns, pgID, active)
	var conv Conversation
	if err := scan(row, &conv); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// MarkRead zeroes the unread counter.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.touch(ctx, id, `unread_count = 0`)
}

// Close ends a thread. Later inbound messages still land on the same row,
// but the bot stays silent until an operator reopens it.
func (s *Service) Close(ctx context.Context, id string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET status = $2, updated_at = now() WHERE id = $1`,
		pgID, StatusClosed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Reopen returns a closed thread to active.
func (s *Service) Reopen(ctx context.Context, id string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET status = $2, updated_at = now() WHERE id = $1`,
		pgID, StatusActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scan(row pgx.Row, conv *Conversation) error {
	var (
		id, subID               pgtype.UUID
		lastActivity, createdAt pgtype.Timestamptz
		updatedAt               pgtype.Timestamptz
	)
	err := row.Scan(&id, &subID, &conv.ExternalContactID, &conv.ContactName,
		&conv.ContactAddress, &conv.Status, &conv.BotActive, &conv.UnreadCount,
		&lastActivity, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	conv.ID = dbpkg.UUIDToString(id)
	conv.SubscriptionID = dbpkg.UUIDToString(subID)
	conv.LastActivityAt = dbpkg.TimeFromPg(lastActivity)
	conv.CreatedAt = dbpkg.TimeFromPg(createdAt)
	conv.UpdatedAt = dbpkg.TimeFromPg(updatedAt)
	return nil
}

func scanInto(row pgx.Row, conv *Conversation, created *bool) error {
	var (
		id, subID               pgtype.UUID
		lastActivity, createdAt pgtype.Timestamptz
		updatedAt               pgtype.Timestamptz
	)
	err := row.Scan(&id, &subID, &conv.ExternalContactID, &conv.ContactName,
		&conv.ContactAddress, &conv.Status, &conv.BotActive, &conv.UnreadCount,
		&lastActivity, &createdAt, &updatedAt, created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	conv.ID = dbpkg.UUIDToString(id)
	conv.SubscriptionID = dbpkg.UUIDToString(subID)
	conv.LastActivityAt = dbpkg.TimeFromPg(lastActivity)
	conv.CreatedAt = dbpkg.TimeFromPg(createdAt)
	conv.UpdatedAt = dbpkg.TimeFromPg(updatedAt)
	return nil
}

package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/replygrid/replygrid/internal/channel"
	dbpkg "github.com/replygrid/replygrid/internal/db"
)

var ErrNotFound = errors.New("subscription not found")

// Service reads subscriptions and their typed configuration from PostgreSQL.
type Service struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	validate *validator.Validate
}

// NewService creates a subscription service.
func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:     pool,
		logger:   log.With(slog.String("service", "subscription")),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

const subscriptionColumns = `
	id, client_id, channel, status, routing_key,
	credentials, bot_config, business_profile,
	trial_ends_at, period_ends_at, created_at, updated_at`

// GetByID loads one subscription.
func (s *Service) GetByID(ctx context.Context, id string) (Subscription, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Subscription{}, fmt.Errorf("invalid subscription id: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`SELECT`+subscriptionColumns+` FROM subscriptions WHERE id = $1`, pgID)
	return s.scan(row)
}

// ResolveByRoutingKey finds the subscription a provider routing key belongs
// to: the WhatsApp phone-number id, Messenger page id, Instagram account id,
// Telegram bot id, or web-chat widget key.
func (s *Service) ResolveByRoutingKey(ctx context.Context, ch channel.Channel, key string) (Subscription, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Subscription{}, channel.ErrUnmapped
	}
	row := s.pool.QueryRow(ctx,
		`SELECT`+subscriptionColumns+` FROM subscriptions WHERE channel = $1 AND routing_key = $2`,
		ch.String(), key)
	sub, err := s.scan(row)
	if errors.Is(err, ErrNotFound) {
		return Subscription{}, channel.ErrUnmapped
	}
	return sub, err
}

// ResolveByWebhookSecret finds the Telegram subscription behind a webhook
// path secret. Secrets are random per subscription, so a miss means the
// caller is not a webhook this engine registered.
func (s *Service) ResolveByWebhookSecret(ctx context.Context, secret string) (Subscription, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return Subscription{}, channel.ErrUnmapped
	}
	row := s.pool.QueryRow(ctx,
		`SELECT`+subscriptionColumns+` FROM subscriptions
		 WHERE channel = $1 AND credentials->>'webhook_secret' = $2`,
		channel.Telegram.String(), secret)
	sub, err := s.scan(row)
	if errors.Is(err, ErrNotFound) {
		return Subscription{}, channel.ErrUnmapped
	}
	return sub, err
}

// ValidateConfig checks a subscription's typed configuration the way it
// would be checked at load time: credentials complete for the channel and
// bot config well-formed.
func (s *Service) ValidateConfig(sub Subscription) error {
	if err := sub.Credentials.Validate(sub.Channel); err != nil {
		return err
	}
	if err := s.validate.Struct(sub.BotConfig); err != nil {
		return fmt.Errorf("bot config: %w", err)
	}
	return nil
}

func (s *Service) scan(row pgx.Row) (Subscription, error) {
	var (
		id, clientID    pgtype.UUID
		ch, status, key string
		credsRaw        []byte
		botRaw          []byte
		profileRaw      []byte
		trialEnds       pgtype.Timestamptz
		periodEnds      pgtype.Timestamptz
		createdAt       pgtype.Timestamptz
		updatedAt       pgtype.Timestamptz
	)
	err := row.Scan(&id, &clientID, &ch, &status, &key,
		&credsRaw, &botRaw, &profileRaw,
		&trialEnds, &periodEnds, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subscription{}, ErrNotFound
		}
		return Subscription{}, err
	}

	parsedChannel, err := channel.Parse(ch)
	if err != nil {
		return Subscription{}, err
	}

	sub := Subscription{
		ID:           dbpkg.UUIDToString(id),
		ClientID:     dbpkg.UUIDToString(clientID),
		Channel:      parsedChannel,
		Status:       ParseStatus(status),
		RoutingKey:   key,
		TrialEndsAt:  dbpkg.TimeFromPg(trialEnds),
		PeriodEndsAt: dbpkg.TimeFromPg(periodEnds),
		CreatedAt:    dbpkg.TimeFromPg(createdAt),
		UpdatedAt:    dbpkg.TimeFromPg(updatedAt),
	}
	if err := decodeJSON(credsRaw, &sub.Credentials); err != nil {
		return Subscription{}, fmt.Errorf("decode credentials: %w", err)
	}
	if err := decodeJSON(botRaw, &sub.BotConfig); err != nil {
		return Subscription{}, fmt.Errorf("decode bot config: %w", err)
	}
	if err := decodeJSON(profileRaw, &sub.BusinessProfile); err != nil {
		return Subscription{}, fmt.Errorf("decode business profile: %w", err)
	}
	if err := s.ValidateConfig(sub); err != nil {
		// A half-configured subscription still has to load: the operator API
		// is where the owner fixes it. Only the pipeline should refuse it.
		s.logger.Warn("subscription config invalid",
			slog.String("subscription_id", sub.ID),
			slog.String("channel", sub.Channel.String()),
			slog.Any("error", err))
	}
	return sub, nil
}

func decodeJSON(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

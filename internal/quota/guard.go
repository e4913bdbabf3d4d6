// Package quota enforces the two daily reply budgets: a per-subscription
// cap that varies by plan and a flat per-conversation cap. Both counters
// reset when the UTC date rolls over, by keying rows on the date rather
// than by any scheduled job.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/replygrid/replygrid/internal/config"
	dbpkg "github.com/replygrid/replygrid/internal/db"
	"github.com/replygrid/replygrid/internal/subscription"
)

// Decision is the answer to "may the bot send one more reply today".
type Decision struct {
	Allowed   bool
	Used      int
	Limit     int
	Remaining int
}

// Decide applies a limit to today's usage count. A non-positive limit means
// unlimited.
func Decide(used, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Used: used, Limit: limit, Remaining: -1}
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: used < limit, Used: used, Limit: limit, Remaining: remaining}
}

// Guard reads and advances the daily usage counters.
type Guard struct {
	pool   *pgxpool.Pool
	cfg    config.QuotaConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewGuard(log *slog.Logger, pool *pgxpool.Pool, cfg config.QuotaConfig) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{
		pool:   pool,
		cfg:    cfg,
		logger: log.With(slog.String("service", "quota")),
		now:    time.Now,
	}
}

// SubscriptionLimit returns the daily cap for a plan state.
func (g *Guard) SubscriptionLimit(status subscription.Status) int {
	if status == subscription.StatusActive {
		return g.cfg.ActiveDailyLimit
	}
	return g.cfg.TrialDailyLimit
}

func (g *Guard) today() pgtype.Date {
	return pgtype.Date{Time: g.now().UTC().Truncate(24 * time.Hour), Valid: true}
}

// CheckSubscription reads today's subscription counter without advancing it.
func (g *Guard) CheckSubscription(ctx context.Context, subscriptionID string, status subscription.Status) (Decision, error) {
	used, err := g.readCount(ctx,
		`SELECT count FROM subscription_daily_usage WHERE subscription_id = $1 AND usage_date = $2`,
		subscriptionID)
	if err != nil {
		return Decision{}, err
	}
	return Decide(used, g.SubscriptionLimit(status)), nil
}

// CheckConversation reads today's conversation counter without advancing it.
func (g *Guard) CheckConversation(ctx context.Context, conversationID string) (Decision, error) {
	used, err := g.readCount(ctx,
		`SELECT count FROM conversation_daily_usage WHERE conversation_id = $1 AND usage_date = $2`,
		conversationID)
	if err != nil {
		return Decision{}, err
	}
	return Decide(used, g.cfg.ConversationDailyLimit), nil
}

func (g *Guard) readCount(ctx context.Context, query, id string) (int, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return 0, fmt.Errorf("invalid id: %w", err)
	}
	var used int
	err = g.pool.QueryRow(ctx, `SELECT COALESCE((`+query+`), 0)`, pgID, g.today()).Scan(&used)
	if err != nil {
		return 0, err
	}
	return used, nil
}

// IncrementSubscription advances today's subscription counter by one and
// returns the new value. The upsert takes the row lock, so concurrent
// replies never lose an increment.
func (g *Guard) IncrementSubscription(ctx context.Context, subscriptionID string) (int, error) {
	return g.increment(ctx, `
		INSERT INTO subscription_daily_usage (subscription_id, usage_date, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (subscription_id, usage_date) DO UPDATE
			SET count = subscription_daily_usage.count + 1
		RETURNING count`, subscriptionID)
}

// IncrementConversation advances today's conversation counter by one.
func (g *Guard) IncrementConversation(ctx context.Context, conversationID string) (int, error) {
	return g.increment(ctx, `
		INSERT INTO conversation_daily_usage (conversation_id, usage_date, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (conversation_id, usage_date) DO UPDATE
			SET count = conversation_daily_usage.count + 1
		RETURNING count`, conversationID)
}

func (g *Guard) increment(ctx context.Context, query, id string) (int, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return 0, fmt.Errorf("invalid id: %w", err)
	}
	var count int
	if err := g.pool.QueryRow(ctx, query, pgID, g.today()).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// MarkExhaustedNotified claims the one exhaustion email allowed per
// subscription per day. It returns true for exactly one caller per day; the
// compare-and-set on exhausted_notified absorbs races between concurrent
// replies hitting the limit together.
func (g *Guard) MarkExhaustedNotified(ctx context.Context, subscriptionID string) (bool, error) {
	pgID, err := dbpkg.ParseUUID(subscriptionID)
	if err != nil {
		return false, fmt.Errorf("invalid subscription id: %w", err)
	}
	tag, err := g.pool.Exec(ctx, `
		INSERT INTO subscription_daily_usage (subscription_id, usage_date, count, exhausted_notified)
		VALUES ($1, $2, 0, true)
		ON CONFLICT (subscription_id, usage_date) DO UPDATE
			SET exhausted_notified = true
			WHERE NOT subscription_daily_usage.exhausted_notified`,
		pgID, g.today())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

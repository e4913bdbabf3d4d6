// Package responder turns an inbound contact message plus recent history
// into the bot's reply text. Generation is best effort: whatever goes wrong
// upstream, the caller always gets a sendable line back.
package responder

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/replygrid/replygrid/internal/message"
	"github.com/replygrid/replygrid/internal/subscription"
)

// ErrEmptyCompletion is returned by completers that produced no text.
var ErrEmptyCompletion = errors.New("empty completion")

// Turn is one prior exchange handed to the model as context.
type Turn struct {
	Role string // "user" or "assistant"
	Text string
}

// Request is everything the completer needs for one reply.
type Request struct {
	Model       string
	Temperature float64
	MaxTokens   int
	System      string
	History     []Turn
	UserText    string
}

// Completer produces one reply for a request. Implementations must respect
// ctx cancellation.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Responder assembles the prompt from subscription policy and falls back to
// the configured canned line when generation fails.
type Responder struct {
	completer Completer
	timeout   time.Duration
	logger    *slog.Logger
}

func New(log *slog.Logger, completer Completer, timeout time.Duration) *Responder {
	if log == nil {
		log = slog.Default()
	}
	return &Responder{
		completer: completer,
		timeout:   timeout,
		logger:    log.With(slog.String("service", "responder")),
	}
}

// Reply generates the bot's answer to text. It never returns an error:
// timeouts, provider failures, and empty completions all degrade to the
// subscription's fallback message. The second return is false when the
// fallback was used.
func (r *Responder) Reply(ctx context.Context, sub subscription.Subscription, history []message.Message, text string) (string, bool) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	req := Request{
		Model:       sub.BotConfig.Model,
		Temperature: sub.BotConfig.Temperature,
		MaxTokens:   sub.BotConfig.MaxTokens,
		System:      BuildSystemPrompt(sub),
		History:     HistoryTurns(history),
		UserText:    text,
	}

	reply, err := r.completer.Complete(ctx, req)
	if err == nil {
		reply = strings.TrimSpace(reply)
		if reply != "" {
			return reply, true
		}
		err = ErrEmptyCompletion
	}

	r.logger.Warn("completion failed, using fallback",
		slog.String("subscription_id", sub.ID),
		slog.String("model", req.Model),
		slog.Any("error", err))
	return Fallback(sub), false
}

// Fallback returns the subscription's canned line, or a generic one when the
// config never set it.
func Fallback(sub subscription.Subscription) string {
	if msg := strings.TrimSpace(sub.BotConfig.FallbackMessage); msg != "" {
		return msg
	}
	return "Thanks for your message! We'll get back to you as soon as possible."
}

// BuildSystemPrompt renders the bot's standing instructions from the
// subscription's bot config and business profile.
func BuildSystemPrompt(sub subscription.Subscription) string {
	var b strings.Builder

	name := strings.TrimSpace(sub.BusinessProfile.Name)
	if name == "" {
		name = "the business"
	}
	b.WriteString("You are a customer support assistant for ")
	b.WriteString(name)
	b.WriteString(".")

	if desc := strings.TrimSpace(sub.BusinessProfile.Description); desc != "" {
		b.WriteString("\nAbout the business: ")
		b.WriteString(desc)
	}
	if hours := strings.TrimSpace(sub.BusinessProfile.Hours); hours != "" {
		b.WriteString("\nBusiness hours: ")
		b.WriteString(hours)
	}
	if site := strings.TrimSpace(sub.BusinessProfile.Website); site != "" {
		b.WriteString("\nWebsite: ")
		b.WriteString(site)
	}
	if p := strings.TrimSpace(sub.BotConfig.Personality); p != "" {
		b.WriteString("\nTone and personality: ")
		b.WriteString(p)
	}
	if lang := strings.TrimSpace(sub.BotConfig.Language); lang != "" {
		b.WriteString("\nAlways answer in ")
		b.WriteString(lang)
		b.WriteString(".")
	}
	if len(sub.BotConfig.Knowledge) > 0 {
		b.WriteString("\nReference knowledge:")
		for _, item := range sub.BotConfig.Knowledge {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			b.WriteString("\n- ")
			b.WriteString(item)
		}
	}
	b.WriteString("\nKeep replies short and helpful. If you do not know the answer, say so and offer to connect the customer with the team.")
	return b.String()
}

// HistoryTurns converts transcript rows into model turns, oldest first.
// Contact messages become user turns, everything sent on behalf of the
// business becomes assistant turns.
func HistoryTurns(history []message.Message) []Turn {
	turns := make([]Turn, 0, len(history))
	for _, msg := range history {
		text := strings.TrimSpace(msg.Body)
		if text == "" {
			continue
		}
		role := "assistant"
		if msg.Sender == message.SenderContact {
			role = "user"
		}
		turns = append(turns, Turn{Role: role, Text: text})
	}
	return turns
}

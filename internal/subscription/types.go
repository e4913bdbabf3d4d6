// Package subscription owns the client channel activations this core routes
// inbound traffic to, including their typed bot configuration.
package subscription

import (
	"strings"
	"time"

	"github.com/replygrid/replygrid/internal/channel"
)

// Status is the subscription lifecycle state. Only trial and active
// subscriptions produce automated replies.
type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// CanAutoReply reports whether the lifecycle state admits automated replies.
func (s Status) CanAutoReply() bool {
	return s == StatusTrial || s == StatusActive
}

// Subscription is one client's activation of one messaging channel.
// Provisioning, payment, and credential exchange happen outside this core;
// here it is read-mostly routing and policy input.
type Subscription struct {
	ID              string
	ClientID        string
	Channel         channel.Channel
	Status          Status
	RoutingKey      string
	Credentials     channel.Credentials
	BotConfig       BotConfig
	BusinessProfile BusinessProfile
	TrialEndsAt     time.Time
	PeriodEndsAt    time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BotConfig is the per-subscription reply policy: personality, language,
// AI parameters, and the fallback line used when generation fails.
type BotConfig struct {
	Personality     string   `json:"personality"`
	Language        string   `json:"language" validate:"required"`
	Model           string   `json:"model" validate:"required"`
	Temperature     float64  `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens       int      `json:"max_tokens" validate:"gte=0"`
	FallbackMessage string   `json:"fallback_message" validate:"required"`
	Greeting        string   `json:"greeting,omitempty"`
	Knowledge       []string `json:"knowledge,omitempty"`
}

// BusinessProfile describes the business the bot answers for. Email is where
// operational notices for this subscription land.
type BusinessProfile struct {
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	Description string `json:"description,omitempty"`
	Hours       string `json:"hours,omitempty"`
	Website     string `json:"website,omitempty"`
}

// ParseStatus normalizes a raw lifecycle value.
func ParseStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusActive:
		return StatusActive
	case StatusExpired:
		return StatusExpired
	case StatusCancelled:
		return StatusCancelled
	default:
		return StatusTrial
	}
}

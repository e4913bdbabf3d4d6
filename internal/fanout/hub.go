// Package fanout provides the in-memory pub/sub hub behind the dashboard
// stream and web-chat delivery. Publishing is fire and forget: transcript
// persistence never waits on a dashboard socket.
package fanout

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	// DefaultBufferSize is the default per-subscriber channel buffer.
	DefaultBufferSize = 64
)

// Type identifies the event category published on a topic.
type Type string

const (
	// TypeMessage is emitted after a message is persisted, for every sender.
	TypeMessage Type = "message"
	// TypeConversationCreated is emitted once, on a contact's first message.
	TypeConversationCreated Type = "conversation_created"
	// TypeBotToggled is emitted when a thread's bot-active flag flips.
	TypeBotToggled Type = "bot_toggled"
	// TypeDeliveryStatus is emitted when a provider receipt lands.
	TypeDeliveryStatus Type = "delivery_status"
	// TypeQuotaExhausted is emitted when a subscription hits its daily cap.
	TypeQuotaExhausted Type = "quota_exhausted"
)

// Event is the payload broadcast to topic subscribers.
type Event struct {
	Type  Type            `json:"type"`
	Topic string          `json:"-"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SubscriptionTopic is the dashboard room for one subscription.
func SubscriptionTopic(subscriptionID string) string {
	return "subscription:" + subscriptionID
}

// ConversationTopic is the room a web-chat widget listens on.
func ConversationTopic(conversationID string) string {
	return "conversation:" + conversationID
}

// OperatorTopic is the shared room every dashboard session joins.
func OperatorTopic() string {
	return "operators"
}

// Publisher publishes events to subscribers.
type Publisher interface {
	Publish(event Event)
}

// Subscriber subscribes to topic-scoped events.
type Subscriber interface {
	Subscribe(topic string, buffer int) (string, <-chan Event, func())
}

// Hub is an in-process pub/sub dispatcher keyed by topic.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]map[string]chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		streams: map[string]map[string]chan Event{},
	}
}

// Publish broadcasts one event to all subscribers of its topic.
// Slow subscribers are dropped in a non-blocking way.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	topic := strings.TrimSpace(event.Topic)
	if topic == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.streams[topic] {
		select {
		case ch <- event:
		default:
			// Drop if receiver is slow to avoid blocking the inbound path.
		}
	}
}

// PublishJSON marshals data and broadcasts it on the topic. Marshal errors
// are swallowed; the hub is observability plumbing, not a delivery
// guarantee.
func (h *Hub) PublishJSON(topic string, typ Type, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	h.Publish(Event{Type: typ, Topic: topic, Data: raw})
}

// Subscribe registers one subscriber under a topic.
// It returns a stream ID, read-only event channel, and a cancel function.
func (h *Hub) Subscribe(topic string, buffer int) (string, <-chan Event, func()) {
	if h == nil {
		ch := make(chan Event)
		close(ch)
		return "", ch, func() {}
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		ch := make(chan Event)
		close(ch)
		return "", ch, func() {}
	}
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	streamID := uuid.NewString()
	ch := make(chan Event, buffer)

	h.mu.Lock()
	streams, ok := h.streams[topic]
	if !ok {
		streams = map[string]chan Event{}
		h.streams[topic] = streams
	}
	streams[streamID] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			streams := h.streams[topic]
			if streams != nil {
				if current, ok := streams[streamID]; ok {
					delete(streams, streamID)
					close(current)
				}
				if len(streams) == 0 {
					delete(h.streams, topic)
				}
			}
			h.mu.Unlock()
		})
	}

	return streamID, ch, cancel
}

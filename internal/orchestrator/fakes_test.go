package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/replygrid/replygrid/internal/channel"
	"github.com/replygrid/replygrid/internal/conversation"
	"github.com/replygrid/replygrid/internal/message"
	"github.com/replygrid/replygrid/internal/quota"
	"github.com/replygrid/replygrid/internal/subscription"
)

type fakeConversations struct {
	mu       sync.Mutex
	byKey    map[string]conversation.Conversation
	byID     map[string]conversation.Conversation
	inbound  map[string]int
	outbound map[string]int
	nextID   int
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		byKey:    map[string]conversation.Conversation{},
		byID:     map[string]conversation.Conversation{},
		inbound:  map[string]int{},
		outbound: map[string]int{},
	}
}

func (f *fakeConversations) put(conv conversation.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[conv.ID] = conv
	f.byKey[conv.SubscriptionID+"/"+conv.ExternalContactID] = conv
}

func (f *fakeConversations) FindOrCreate(_ context.Context, subID, contactID, name, address string) (conversation.Conversation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := subID + "/" + contactID
	if conv, ok := f.byKey[key]; ok {
		return conv, false, nil
	}
	f.nextID++
	conv := conversation.Conversation{
		ID:                "conv-" + strconv.Itoa(f.nextID),
		SubscriptionID:    subID,
		ExternalContactID: contactID,
		ContactName:       name,
		ContactAddress:    address,
		Status:            conversation.StatusActive,
		BotActive:         true,
	}
	f.byKey[key] = conv
	f.byID[conv.ID] = conv
	return conv, true, nil
}

func (f *fakeConversations) GetByID(_ context.Context, id string) (conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.byID[id]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return conv, nil
}

func (f *fakeConversations) RecordInbound(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound[id]++
	return nil
}

func (f *fakeConversations) RecordOutbound(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbound[id]++
	return nil
}

func (f *fakeConversations) SetBotActive(_ context.Context, id string, active bool) (conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.byID[id]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	conv.BotActive = active
	f.byID[id] = conv
	f.byKey[conv.SubscriptionID+"/"+conv.ExternalContactID] = conv
	return conv, nil
}

type fakeMessages struct {
	mu       sync.Mutex
	rows     []message.Message
	statuses map[string]channel.DeliveryStatus
	nextID   int
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{statuses: map[string]channel.DeliveryStatus{}}
}

func (f *fakeMessages) AppendInbound(_ context.Context, convID string, ev channel.InboundEvent) (message.Message, bool, error) {
	if ev.ProviderMessageID != "" {
		f.mu.Lock()
		for _, msg := range f.rows {
			if msg.ConversationID == convID && msg.Sender == message.SenderContact &&
				msg.ProviderMessageID == ev.ProviderMessageID {
				f.mu.Unlock()
				return msg, false, nil
			}
		}
		f.mu.Unlock()
	}
	msg, err := f.append(convID, message.SenderContact, ev.Text, ev.ProviderMessageID, channel.StatusDelivered)
	return msg, err == nil, err
}

func (f *fakeMessages) AppendOutbound(_ context.Context, convID, sender, body string) (message.Message, error) {
	return f.append(convID, sender, body, "", channel.StatusPending)
}

func (f *fakeMessages) append(convID, sender, body, providerID string, status channel.DeliveryStatus) (message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg := message.Message{
		ID:                "msg-" + strconv.Itoa(f.nextID),
		ConversationID:    convID,
		Sender:            sender,
		Body:              body,
		Kind:              message.KindText,
		ProviderMessageID: providerID,
		DeliveryStatus:    status,
	}
	f.rows = append(f.rows, msg)
	return msg, nil
}

func (f *fakeMessages) MarkSent(_ context.Context, id, providerMessageID string) error {
	return f.setStatus(id, channel.StatusSent, providerMessageID)
}

func (f *fakeMessages) MarkFailed(_ context.Context, id string) error {
	return f.setStatus(id, channel.StatusFailed, "")
}

func (f *fakeMessages) setStatus(id string, status channel.DeliveryStatus, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows[i].DeliveryStatus = status
			if providerID != "" {
				f.rows[i].ProviderMessageID = providerID
			}
			return nil
		}
	}
	return message.ErrNotFound
}

func (f *fakeMessages) UpdateStatusByProviderID(_ context.Context, providerMessageID string, status channel.DeliveryStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[providerMessageID] = status
	for i := range f.rows {
		if f.rows[i].ProviderMessageID == providerMessageID {
			f.rows[i].DeliveryStatus = status
		}
	}
	return nil
}

func (f *fakeMessages) ListRecent(_ context.Context, convID string, n int) ([]message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []message.Message
	for _, msg := range f.rows {
		if msg.ConversationID == convID {
			out = append(out, msg)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (f *fakeMessages) bySender(sender string) []message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []message.Message
	for _, msg := range f.rows {
		if msg.Sender == sender {
			out = append(out, msg)
		}
	}
	return out
}

type fakeSubscriptions struct {
	subs map[string]subscription.Subscription
}

func (f *fakeSubscriptions) GetByID(_ context.Context, id string) (subscription.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return subscription.Subscription{}, subscription.ErrNotFound
	}
	return sub, nil
}

type fakeGuard struct {
	mu             sync.Mutex
	subUsed        map[string]int
	convUsed       map[string]int
	subLimit       int
	convLimit      int
	notified       map[string]bool
	subIncrements  int
	convIncrements int
}

func newFakeGuard(subLimit, convLimit int) *fakeGuard {
	return &fakeGuard{
		subUsed:   map[string]int{},
		convUsed:  map[string]int{},
		subLimit:  subLimit,
		convLimit: convLimit,
		notified:  map[string]bool{},
	}
}

func (f *fakeGuard) CheckSubscription(_ context.Context, id string, _ subscription.Status) (quota.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return quota.Decide(f.subUsed[id], f.subLimit), nil
}

func (f *fakeGuard) CheckConversation(_ context.Context, id string) (quota.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return quota.Decide(f.convUsed[id], f.convLimit), nil
}

func (f *fakeGuard) IncrementSubscription(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subUsed[id]++
	f.subIncrements++
	return f.subUsed[id], nil
}

func (f *fakeGuard) IncrementConversation(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convUsed[id]++
	f.convIncrements++
	return f.convUsed[id], nil
}

func (f *fakeGuard) MarkExhaustedNotified(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notified[id] {
		return false, nil
	}
	f.notified[id] = true
	return true, nil
}

type fakeReplier struct {
	reply string
	fail  bool
}

func (f *fakeReplier) Reply(_ context.Context, sub subscription.Subscription, _ []message.Message, _ string) (string, bool) {
	if f.fail {
		return sub.BotConfig.FallbackMessage, false
	}
	return f.reply, true
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeNotifier) QuotaExhausted(context.Context, subscription.Subscription, quota.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

type stubSender struct {
	mu      sync.Mutex
	ch      channel.Channel
	sent    []string
	senders []string
	fail    bool
	next    int
}

func (s *stubSender) Channel() channel.Channel { return s.ch }

func (s *stubSender) SendText(_ context.Context, _ channel.Credentials, out channel.Outbound) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errors.New("provider rejected send")
	}
	s.next++
	s.sent = append(s.sent, out.Body)
	s.senders = append(s.senders, out.Sender)
	return "prov-" + strconv.Itoa(s.next), nil
}

func (s *stubSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

package orchestrator

import (
	"context"
	"log/slog"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replygrid/replygrid/internal/channel"
	"github.com/replygrid/replygrid/internal/config"
	"github.com/replygrid/replygrid/internal/fanout"
	"github.com/replygrid/replygrid/internal/message"
	"github.com/replygrid/replygrid/internal/subscription"
)

type fixture struct {
	orch          *Orchestrator
	conversations *fakeConversations
	messages      *fakeMessages
	guard         *fakeGuard
	sender        *stubSender
	notifier      *fakeNotifier
	hub           *fanout.Hub
	sub           subscription.Subscription
}

func newFixture(t *testing.T, opts ...func(*fixture)) *fixture {
	t.Helper()
	f := &fixture{
		conversations: newFakeConversations(),
		messages:      newFakeMessages(),
		guard:         newFakeGuard(100, 30),
		sender:        &stubSender{ch: channel.Telegram},
		notifier:      &fakeNotifier{},
		hub:           fanout.NewHub(),
		sub: subscription.Subscription{
			ID:         "sub-1",
			Channel:    channel.Telegram,
			Status:     subscription.StatusTrial,
			RoutingKey: "12345",
			BotConfig: subscription.BotConfig{
				Model:           "gpt-4o-mini",
				Language:        "en",
				FallbackMessage: "We'll get back to you.",
			},
		},
	}
	for _, opt := range opts {
		opt(f)
	}

	registry := channel.NewRegistry()
	registry.MustRegister(f.sender)

	subs := &fakeSubscriptions{subs: map[string]subscription.Subscription{f.sub.ID: f.sub}}
	// Workers: 0 runs the reply pipeline inline.
	f.orch = New(slog.Default(), subs, f.conversations, f.messages, f.guard,
		&fakeReplier{reply: "generated answer"}, registry, f.hub, f.notifier,
		config.ReplyConfig{ContextWindow: 10})
	return f
}

func inboundEvent(contactID, text string) channel.InboundEvent {
	return channel.InboundEvent{
		Channel:           channel.Telegram,
		ExternalContactID: contactID,
		ContactName:       "Contact " + contactID,
		ContactAddress:    contactID,
		Text:              text,
		ProviderMessageID: "in-" + contactID + "-" + text,
	}
}

func TestHandleInboundRepliesAndCounts(t *testing.T) {
	f := newFixture(t)

	receipt, err := f.orch.HandleInbound(context.Background(), f.sub, inboundEvent("c1", "hello"))
	require.NoError(t, err)
	assert.True(t, receipt.ConversationCreated)
	assert.NotEmpty(t, receipt.MessageID)

	require.Equal(t, 1, f.sender.sentCount())
	assert.Equal(t, "generated answer", f.sender.sent[0])

	bot := f.messages.bySender(message.SenderBot)
	require.Len(t, bot, 1)
	assert.Equal(t, channel.StatusSent, bot[0].DeliveryStatus)
	assert.Equal(t, "prov-1", bot[0].ProviderMessageID)

	assert.Equal(t, 1, f.guard.subIncrements)
	assert.Equal(t, 1, f.guard.convIncrements)
}

func TestHandleInboundReusesConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orch.HandleInbound(ctx, f.sub, inboundEvent("c1", "one"))
	require.NoError(t, err)
	second, err := f.orch.HandleInbound(ctx, f.sub, inboundEvent("c1", "two"))
	require.NoError(t, err)

	assert.True(t, first.ConversationCreated)
	assert.False(t, second.ConversationCreated)
	assert.Equal(t, first.ConversationID, second.ConversationID)
}

func TestRedeliveredInboundNotRepliedTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := inboundEvent("c1", "hello")

	first, err := f.orch.HandleInbound(ctx, f.sub, ev)
	require.NoError(t, err)
	second, err := f.orch.HandleInbound(ctx, f.sub, ev)
	require.NoError(t, err)

	assert.Equal(t, first.MessageID, second.MessageID, "redelivery resolves to the stored row")
	assert.False(t, second.ConversationCreated)

	assert.Len(t, f.messages.bySender(message.SenderContact), 1, "one contact row per provider message id")
	assert.Len(t, f.messages.bySender(message.SenderBot), 1)
	assert.Equal(t, 1, f.sender.sentCount(), "one reply per provider message id")
	assert.Equal(t, 1, f.guard.subIncrements)
	assert.Equal(t, 1, f.guard.convIncrements)
}

func TestNoReplyWhenPlanCannotAutoReply(t *testing.T) {
	for _, status := range []subscription.Status{subscription.StatusExpired, subscription.StatusCancelled} {
		f := newFixture(t, func(f *fixture) { f.sub.Status = status })

		_, err := f.orch.HandleInbound(context.Background(), f.sub, inboundEvent("c1", "hello"))
		require.NoError(t, err)

		assert.Zero(t, f.sender.sentCount(), "status %s must not reply", status)
		assert.Empty(t, f.messages.bySender(message.SenderBot))
		assert.Len(t, f.messages.bySender(message.SenderContact), 1, "inbound still recorded for %s", status)
	}
}

func TestNoReplyWhenBotInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.orch.HandleInbound(ctx, f.sub, inboundEvent("c1", "hello"))
	require.NoError(t, err)
	require.Equal(t, 1, f.sender.sentCount())

	_, err = f.orch.ToggleBot(ctx, receipt.ConversationID, false)
	require.NoError(t, err)

	_, err = f.orch.HandleInbound(ctx, f.sub, inboundEvent("c1", "anyone there?"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.sender.sentCount(), "no new reply while a human owns the thread")

	_, err = f.orch.ToggleBot(ctx, receipt.ConversationID, true)
	require.NoError(t, err)

	_, err = f.orch.HandleInbound(ctx, f.sub, inboundEvent("c1", "hello again"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.sender.sentCount(), "replies resume after handback")
}

func TestSubscriptionQuotaExhaustedNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	f.guard.subUsed["sub-1"] = 100
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.orch.HandleInbound(ctx, f.sub, inboundEvent("c1", "hello "+strconv.Itoa(i)))
		require.NoError(t, err)
	}

	assert.Zero(t, f.sender.sentCount())
	assert.Equal(t, 1, f.notifier.calls, "exactly one exhaustion email per day")
	assert.Zero(t, f.guard.subIncrements)
}

func TestConversationQuotaExhaustedNoEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.orch.HandleInbound(ctx, f.sub, inboundEvent("c1", "hello"))
	require.NoError(t, err)
	require.Equal(t, 1, f.sender.sentCount())

	f.guard.convUsed[receipt.ConversationID] = 30
	_, err = f.orch.HandleInbound(ctx, f.sub, inboundEvent("c1", "more"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.sender.sentCount())
	assert.Zero(t, f.notifier.calls, "conversation cap never emails the client")
}

func TestSendFailureMarksFailedWithoutCounting(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.sender.fail = true })

	_, err := f.orch.HandleInbound(context.Background(), f.sub, inboundEvent("c1", "hello"))
	require.NoError(t, err)

	bot := f.messages.bySender(message.SenderBot)
	require.Len(t, bot, 1)
	assert.Equal(t, channel.StatusFailed, bot[0].DeliveryStatus)
	assert.Zero(t, f.guard.subIncrements, "failed send must not consume quota")
	assert.Zero(t, f.guard.convIncrements)
}

func TestFallbackReplyStillSent(t *testing.T) {
	f := newFixture(t)
	f.orch.replier = &fakeReplier{fail: true}

	_, err := f.orch.HandleInbound(context.Background(), f.sub, inboundEvent("c1", "hello"))
	require.NoError(t, err)

	require.Equal(t, 1, f.sender.sentCount())
	assert.Equal(t, "We'll get back to you.", f.sender.sent[0])
	assert.Equal(t, 1, f.guard.subIncrements, "fallback replies count against quota too")
}

func TestSendManualBypassesGateAndQuota(t *testing.T) {
	f := newFixture(t)
	f.guard.subUsed["sub-1"] = 100
	ctx := context.Background()

	receipt, err := f.orch.HandleInbound(ctx, f.sub, inboundEvent("c1", "hello"))
	require.NoError(t, err)
	require.Zero(t, f.sender.sentCount())

	_, err = f.orch.ToggleBot(ctx, receipt.ConversationID, false)
	require.NoError(t, err)

	msg, err := f.orch.SendManual(ctx, receipt.ConversationID, "hi, this is Maria from support")
	require.NoError(t, err)
	assert.Equal(t, message.SenderHuman, msg.Sender)

	assert.Equal(t, 1, f.sender.sentCount())
	assert.Zero(t, f.guard.subIncrements, "manual sends never consume quota")
	assert.Zero(t, f.guard.convIncrements)
}

func TestSendManualReturnsSettledState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.orch.HandleInbound(ctx, f.sub, inboundEvent("c1", "hello"))
	require.NoError(t, err)

	msg, err := f.orch.SendManual(ctx, receipt.ConversationID, "done, your order shipped")
	require.NoError(t, err)
	assert.Equal(t, channel.StatusSent, msg.DeliveryStatus, "response reflects the confirmed send")
	assert.NotEmpty(t, msg.ProviderMessageID)
}

func TestSendManualFailureReturnsFailedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.orch.HandleInbound(ctx, f.sub, inboundEvent("c1", "hello"))
	require.NoError(t, err)
	f.sender.fail = true

	msg, err := f.orch.SendManual(ctx, receipt.ConversationID, "are you still there?")
	require.NoError(t, err)
	assert.Equal(t, channel.StatusFailed, msg.DeliveryStatus)
}

func TestDispatchCarriesSenderClass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.orch.HandleInbound(ctx, f.sub, inboundEvent("c1", "hello"))
	require.NoError(t, err)
	_, err = f.orch.SendManual(ctx, receipt.ConversationID, "taking over from here")
	require.NoError(t, err)

	require.Len(t, f.sender.senders, 2)
	assert.Equal(t, message.SenderBot, f.sender.senders[0])
	assert.Equal(t, message.SenderHuman, f.sender.senders[1])
}

func TestHandleStatusUpdatesDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.HandleInbound(ctx, f.sub, inboundEvent("c1", "hello"))
	require.NoError(t, err)

	_, stream, cancel := f.hub.Subscribe(fanout.OperatorTopic(), 32)
	defer cancel()

	err = f.orch.HandleStatus(ctx, channel.StatusEvent{
		Channel:           channel.Telegram,
		ProviderMessageID: "prov-1",
		Status:            channel.StatusRead,
	})
	require.NoError(t, err)

	bot := f.messages.bySender(message.SenderBot)
	require.Len(t, bot, 1)
	assert.Equal(t, channel.StatusRead, bot[0].DeliveryStatus)

	require.Len(t, stream, 1)
	assert.Equal(t, fanout.TypeDeliveryStatus, (<-stream).Type)
}

func TestEventsReachDashboardRooms(t *testing.T) {
	f := newFixture(t)
	_, stream, cancel := f.hub.Subscribe(fanout.SubscriptionTopic("sub-1"), 32)
	defer cancel()

	_, err := f.orch.HandleInbound(context.Background(), f.sub, inboundEvent("c1", "hello"))
	require.NoError(t, err)

	var types []fanout.Type
	for len(stream) > 0 {
		types = append(types, (<-stream).Type)
	}
	assert.Contains(t, types, fanout.TypeConversationCreated)
	assert.Contains(t, types, fanout.TypeMessage)
}

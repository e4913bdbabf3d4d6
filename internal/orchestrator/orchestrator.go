// Package orchestrator runs the inbound pipeline: persist, fan out, gate,
// reply. Each webhook handler hands it a normalized event and returns to the
// provider immediately; only persistence failures propagate back out.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/replygrid/replygrid/internal/channel"
	"github.com/replygrid/replygrid/internal/config"
	"github.com/replygrid/replygrid/internal/conversation"
	"github.com/replygrid/replygrid/internal/fanout"
	"github.com/replygrid/replygrid/internal/message"
	"github.com/replygrid/replygrid/internal/quota"
	"github.com/replygrid/replygrid/internal/subscription"
)

// ConversationStore is the thread persistence the pipeline needs.
type ConversationStore interface {
	FindOrCreate(ctx context.Context, subscriptionID, externalContactID, contactName, contactAddress string) (conversation.Conversation, bool, error)
	GetByID(ctx context.Context, id string) (conversation.Conversation, error)
	RecordInbound(ctx context.Context, id string) error
	RecordOutbound(ctx context.Context, id string) error
	SetBotActive(ctx context.Context, id string, active bool) (conversation.Conversation, error)
}

// MessageStore is the transcript persistence the pipeline needs.
type MessageStore interface {
	AppendInbound(ctx context.Context, conversationID string, ev channel.InboundEvent) (message.Message, bool, error)
	AppendOutbound(ctx context.Context, conversationID, sender, body string) (message.Message, error)
	MarkSent(ctx context.Context, id, providerMessageID string) error
	MarkFailed(ctx context.Context, id string) error
	UpdateStatusByProviderID(ctx context.Context, providerMessageID string, status channel.DeliveryStatus) error
	ListRecent(ctx context.Context, conversationID string, n int) ([]message.Message, error)
}

// SubscriptionStore loads subscriptions for the manual-send path.
type SubscriptionStore interface {
	GetByID(ctx context.Context, id string) (subscription.Subscription, error)
}

// QuotaGuard gates and advances the daily budgets.
type QuotaGuard interface {
	CheckSubscription(ctx context.Context, subscriptionID string, status subscription.Status) (quota.Decision, error)
	CheckConversation(ctx context.Context, conversationID string) (quota.Decision, error)
	IncrementSubscription(ctx context.Context, subscriptionID string) (int, error)
	IncrementConversation(ctx context.Context, conversationID string) (int, error)
	MarkExhaustedNotified(ctx context.Context, subscriptionID string) (bool, error)
}

// Replier produces the bot's answer; it never fails, only degrades.
type Replier interface {
	Reply(ctx context.Context, sub subscription.Subscription, history []message.Message, text string) (string, bool)
}

// Notifier delivers the daily quota-exhaustion notice.
type Notifier interface {
	QuotaExhausted(ctx context.Context, sub subscription.Subscription, usage quota.Decision) error
}

// Receipt reports what HandleInbound persisted before acking the webhook.
type Receipt struct {
	ConversationID      string
	MessageID           string
	ConversationCreated bool
}

type replyTask struct {
	ctx  context.Context
	sub  subscription.Subscription
	conv conversation.Conversation
	text string
}

// Orchestrator wires the stores, the reply generator, the channel registry,
// and the fanout hub into one inbound pipeline.
type Orchestrator struct {
	subscriptions SubscriptionStore
	conversations ConversationStore
	messages      MessageStore
	guard         QuotaGuard
	replier       Replier
	registry      *channel.Registry
	hub           *fanout.Hub
	notifier      Notifier
	cfg           config.ReplyConfig
	logger        *slog.Logger

	replyQueue chan replyTask
	workerOnce sync.Once
	workerCtx  context.Context
	workerStop context.CancelFunc
}

func New(
	log *slog.Logger,
	subscriptions SubscriptionStore,
	conversations ConversationStore,
	messages MessageStore,
	guard QuotaGuard,
	replier Replier,
	registry *channel.Registry,
	hub *fanout.Hub,
	notifier Notifier,
	cfg config.ReplyConfig,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		subscriptions: subscriptions,
		conversations: conversations,
		messages:      messages,
		guard:         guard,
		replier:       replier,
		registry:      registry,
		hub:           hub,
		notifier:      notifier,
		cfg:           cfg,
		logger:        log.With(slog.String("service", "orchestrator")),
		replyQueue:    make(chan replyTask, 256),
	}
}

// HandleInbound persists one contact message and schedules the reply.
// Persistence failure is the only error path; everything past the transcript
// write is recovered internally so the webhook can ack.
func (o *Orchestrator) HandleInbound(ctx context.Context, sub subscription.Subscription, ev channel.InboundEvent) (Receipt, error) {
	conv, created, err := o.conversations.FindOrCreate(ctx, sub.ID, ev.ExternalContactID, ev.ContactName, ev.ContactAddress)
	if err != nil {
		return Receipt{}, fmt.Errorf("find or create conversation: %w", err)
	}
	msg, appended, err := o.messages.AppendInbound(ctx, conv.ID, ev)
	if err != nil {
		return Receipt{}, fmt.Errorf("append inbound message: %w", err)
	}
	if !appended {
		// Providers redeliver webhooks until acked. The transcript already
		// holds this message, so ack again without a second reply.
		o.logger.Info("duplicate inbound dropped",
			slog.String("conversation_id", conv.ID),
			slog.String("provider_message_id", ev.ProviderMessageID))
		return Receipt{ConversationID: conv.ID, MessageID: msg.ID}, nil
	}
	if err := o.conversations.RecordInbound(ctx, conv.ID); err != nil {
		o.logger.Error("record inbound activity failed",
			slog.String("conversation_id", conv.ID), slog.Any("error", err))
	}

	if created {
		o.emitConversationCreated(sub, conv)
	}
	o.emitMessage(sub, conv, msg)

	o.scheduleReply(ctx, sub, conv, ev.Text)

	return Receipt{ConversationID: conv.ID, MessageID: msg.ID, ConversationCreated: created}, nil
}

// scheduleReply runs the gate and generation on the worker pool. With zero
// workers configured the pipeline runs inline, which tests rely on.
func (o *Orchestrator) scheduleReply(ctx context.Context, sub subscription.Subscription, conv conversation.Conversation, text string) {
	if o.cfg.Workers <= 0 {
		o.runReply(ctx, sub, conv, text)
		return
	}
	o.startWorkers()
	task := replyTask{ctx: context.WithoutCancel(ctx), sub: sub, conv: conv, text: text}
	select {
	case o.replyQueue <- task:
	default:
		o.logger.Error("reply queue full, dropping reply",
			slog.String("conversation_id", conv.ID),
			slog.String("subscription_id", sub.ID))
	}
}

func (o *Orchestrator) startWorkers() {
	o.workerOnce.Do(func() {
		o.workerCtx, o.workerStop = context.WithCancel(context.Background())
		for i := 0; i < o.cfg.Workers; i++ {
			go o.runWorker(o.workerCtx)
		}
	})
}

func (o *Orchestrator) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-o.replyQueue:
			o.runReply(task.ctx, task.sub, task.conv, task.text)
		}
	}
}

// Stop shuts the reply workers down. Queued tasks are abandoned.
func (o *Orchestrator) Stop() {
	if o.workerStop != nil {
		o.workerStop()
	}
}

func (o *Orchestrator) runReply(ctx context.Context, sub subscription.Subscription, conv conversation.Conversation, text string) {
	if o.cfg.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout())
		defer cancel()
	}
	if !o.passGate(ctx, sub, conv) {
		return
	}

	history, err := o.messages.ListRecent(ctx, conv.ID, o.cfg.ContextWindow)
	if err != nil {
		o.logger.Error("load history failed", slog.String("conversation_id", conv.ID), slog.Any("error", err))
		history = nil
	}
	reply, generated := o.replier.Reply(ctx, sub, history, text)

	botMsg, err := o.messages.AppendOutbound(ctx, conv.ID, message.SenderBot, reply)
	if err != nil {
		o.logger.Error("append bot message failed", slog.String("conversation_id", conv.ID), slog.Any("error", err))
		return
	}
	o.dispatch(ctx, sub, conv, botMsg, true)
	if !generated {
		o.logger.Info("fallback reply sent", slog.String("conversation_id", conv.ID))
	}
}

// passGate walks the reply gate in order: thread open, plan allows replies,
// bot not overridden, subscription budget, conversation budget. The first
// refusal wins and nothing after it runs.
func (o *Orchestrator) passGate(ctx context.Context, sub subscription.Subscription, conv conversation.Conversation) bool {
	if conv.Status == conversation.StatusClosed {
		return false
	}
	if !sub.Status.CanAutoReply() {
		return false
	}
	if !conv.BotActive {
		return false
	}

	subUsage, err := o.guard.CheckSubscription(ctx, sub.ID, sub.Status)
	if err != nil {
		o.logger.Error("subscription quota check failed", slog.String("subscription_id", sub.ID), slog.Any("error", err))
		return false
	}
	if !subUsage.Allowed {
		o.notifyExhausted(ctx, sub, subUsage)
		return false
	}

	convUsage, err := o.guard.CheckConversation(ctx, conv.ID)
	if err != nil {
		o.logger.Error("conversation quota check failed", slog.String("conversation_id", conv.ID), slog.Any("error", err))
		return false
	}
	return convUsage.Allowed
}

// notifyExhausted sends at most one email per subscription per day. The CAS
// in the guard decides which of the racing refusals owns the send.
func (o *Orchestrator) notifyExhausted(ctx context.Context, sub subscription.Subscription, usage quota.Decision) {
	claimed, err := o.guard.MarkExhaustedNotified(ctx, sub.ID)
	if err != nil {
		o.logger.Error("mark exhausted failed", slog.String("subscription_id", sub.ID), slog.Any("error", err))
		return
	}
	if !claimed {
		return
	}
	o.emitQuotaExhausted(sub, usage)
	if o.notifier == nil {
		return
	}
	if err := o.notifier.QuotaExhausted(ctx, sub, usage); err != nil {
		o.logger.Error("quota exhausted email failed", slog.String("subscription_id", sub.ID), slog.Any("error", err))
	}
}

// dispatch sends one outbound row through the channel registry and settles
// its delivery state, returning the settled message. Quota advances only on
// a confirmed send.
func (o *Orchestrator) dispatch(ctx context.Context, sub subscription.Subscription, conv conversation.Conversation, msg message.Message, countQuota bool) message.Message {
	sender, ok := o.registry.Get(sub.Channel)
	if !ok {
		o.logger.Error("no sender for channel", slog.String("channel", sub.Channel.String()))
		return o.markFailed(ctx, sub, conv, msg)
	}

	sendCtx := ctx
	if o.cfg.SendTimeout() > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, o.cfg.SendTimeout())
		defer cancel()
	}
	out := channel.Outbound{To: conv.ContactAddress, Body: msg.Body, Sender: msg.Sender}
	providerID, err := sender.SendText(sendCtx, sub.Credentials, out)
	if err != nil {
		o.logger.Error("send failed",
			slog.String("channel", sub.Channel.String()),
			slog.String("conversation_id", conv.ID),
			slog.Any("error", err))
		return o.markFailed(ctx, sub, conv, msg)
	}

	if err := o.messages.MarkSent(ctx, msg.ID, providerID); err != nil {
		o.logger.Error("mark sent failed", slog.String("message_id", msg.ID), slog.Any("error", err))
	}
	if err := o.conversations.RecordOutbound(ctx, conv.ID); err != nil {
		o.logger.Error("record outbound activity failed", slog.String("conversation_id", conv.ID), slog.Any("error", err))
	}
	if countQuota {
		if _, err := o.guard.IncrementSubscription(ctx, sub.ID); err != nil {
			o.logger.Error("increment subscription quota failed", slog.String("subscription_id", sub.ID), slog.Any("error", err))
		}
		if _, err := o.guard.IncrementConversation(ctx, conv.ID); err != nil {
			o.logger.Error("increment conversation quota failed", slog.String("conversation_id", conv.ID), slog.Any("error", err))
		}
	}

	msg.ProviderMessageID = providerID
	msg.DeliveryStatus = channel.StatusSent
	o.emitMessage(sub, conv, msg)
	return msg
}

func (o *Orchestrator) markFailed(ctx context.Context, sub subscription.Subscription, conv conversation.Conversation, msg message.Message) message.Message {
	if err := o.messages.MarkFailed(ctx, msg.ID); err != nil {
		o.logger.Error("mark failed failed", slog.String("message_id", msg.ID), slog.Any("error", err))
	}
	msg.DeliveryStatus = channel.StatusFailed
	o.emitMessage(sub, conv, msg)
	return msg
}

// HandleStatus applies one provider delivery receipt. Receipts never reach
// the reply pipeline; an id we no longer hold is dropped quietly.
func (o *Orchestrator) HandleStatus(ctx context.Context, st channel.StatusEvent) error {
	if err := o.messages.UpdateStatusByProviderID(ctx, st.ProviderMessageID, st.Status); err != nil {
		return fmt.Errorf("update delivery status: %w", err)
	}
	o.emitDeliveryStatus(st)
	return nil
}

// SendManual delivers an operator-typed reply. It bypasses the reply gate
// and both quotas but shares the send, record, and fanout path with
// automated replies.
func (o *Orchestrator) SendManual(ctx context.Context, conversationID, body string) (message.Message, error) {
	conv, err := o.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return message.Message{}, err
	}
	sub, err := o.subscriptions.GetByID(ctx, conv.SubscriptionID)
	if err != nil {
		return message.Message{}, err
	}
	msg, err := o.messages.AppendOutbound(ctx, conv.ID, message.SenderHuman, body)
	if err != nil {
		return message.Message{}, fmt.Errorf("append manual message: %w", err)
	}
	return o.dispatch(ctx, sub, conv, msg, false), nil
}

// ToggleBot flips a thread's bot-active flag and tells the dashboards.
func (o *Orchestrator) ToggleBot(ctx context.Context, conversationID string, active bool) (conversation.Conversation, error) {
	conv, err := o.conversations.SetBotActive(ctx, conversationID, active)
	if err != nil {
		return conversation.Conversation{}, err
	}
	o.emitBotToggled(conv)
	return conv, nil
}

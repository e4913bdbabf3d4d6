package responder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replygrid/replygrid/internal/message"
	"github.com/replygrid/replygrid/internal/subscription"
)

type fakeCompleter struct {
	reply string
	err   error
	got   Request
}

func (f *fakeCompleter) Complete(_ context.Context, req Request) (string, error) {
	f.got = req
	return f.reply, f.err
}

func testSubscription() subscription.Subscription {
	return subscription.Subscription{
		ID: "7f0b9c2e-0000-0000-0000-000000000001",
		BotConfig: subscription.BotConfig{
			Language:        "Spanish",
			Model:           "gpt-4o-mini",
			Temperature:     0.7,
			MaxTokens:       256,
			FallbackMessage: "Un momento, por favor.",
			Personality:     "warm and concise",
			Knowledge:       []string{"Free shipping over 50 EUR"},
		},
		BusinessProfile: subscription.BusinessProfile{
			Name:  "Tienda Sol",
			Hours: "Mon-Fri 9-18",
		},
	}
}

func TestReplyUsesCompletion(t *testing.T) {
	fake := &fakeCompleter{reply: "  Hola! How can I help?  "}
	r := New(nil, fake, time.Second)

	reply, generated := r.Reply(context.Background(), testSubscription(), nil, "hola")
	assert.True(t, generated)
	assert.Equal(t, "Hola! How can I help?", reply)
	assert.Equal(t, "gpt-4o-mini", fake.got.Model)
	assert.Equal(t, "hola", fake.got.UserText)
}

func TestReplyFallsBackOnError(t *testing.T) {
	fake := &fakeCompleter{err: errors.New("upstream down")}
	r := New(nil, fake, time.Second)

	reply, generated := r.Reply(context.Background(), testSubscription(), nil, "hola")
	assert.False(t, generated)
	assert.Equal(t, "Un momento, por favor.", reply)
}

func TestReplyFallsBackOnEmptyCompletion(t *testing.T) {
	fake := &fakeCompleter{reply: "   "}
	r := New(nil, fake, time.Second)

	reply, generated := r.Reply(context.Background(), testSubscription(), nil, "hola")
	assert.False(t, generated)
	assert.Equal(t, "Un momento, por favor.", reply)
}

func TestFallbackDefault(t *testing.T) {
	var sub subscription.Subscription
	assert.NotEmpty(t, Fallback(sub))
}

func TestBuildSystemPrompt(t *testing.T) {
	prompt := BuildSystemPrompt(testSubscription())
	assert.Contains(t, prompt, "Tienda Sol")
	assert.Contains(t, prompt, "Mon-Fri 9-18")
	assert.Contains(t, prompt, "warm and concise")
	assert.Contains(t, prompt, "Spanish")
	assert.Contains(t, prompt, "Free shipping over 50 EUR")
}

func TestHistoryTurns(t *testing.T) {
	turns := HistoryTurns([]message.Message{
		{Sender: message.SenderContact, Body: "hi"},
		{Sender: message.SenderBot, Body: "hello!"},
		{Sender: message.SenderHuman, Body: "agent here"},
		{Sender: message.SenderContact, Body: "   "},
	})
	require.Len(t, turns, 3)
	assert.Equal(t, Turn{Role: "user", Text: "hi"}, turns[0])
	assert.Equal(t, Turn{Role: "assistant", Text: "hello!"}, turns[1])
	assert.Equal(t, Turn{Role: "assistant", Text: "agent here"}, turns[2])
}

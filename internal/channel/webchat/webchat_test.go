package webchat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replygrid/replygrid/internal/channel"
	"github.com/replygrid/replygrid/internal/fanout"
)

func TestParseInbound(t *testing.T) {
	a := New(nil, fanout.NewHub())

	ev, err := a.ParseInbound([]byte(`{"visitor_id": "v-5f2c1b", "visitor_name": "Sam", "text": "hi there"}`))
	require.NoError(t, err)
	assert.Equal(t, channel.WebChat, ev.Channel)
	assert.Equal(t, "v-5f2c1b", ev.ExternalContactID)
	assert.Equal(t, "Sam", ev.ContactName)
	assert.Equal(t, "hi there", ev.Text)
	assert.NotEmpty(t, ev.ProviderMessageID)
}

func TestParseInboundAnonymousVisitorGetsName(t *testing.T) {
	a := New(nil, fanout.NewHub())

	ev, err := a.ParseInbound([]byte(`{"visitor_id": "v-90ac2e117d", "text": "hello"}`))
	require.NoError(t, err)
	assert.Equal(t, "Visitor v-90ac2e", ev.ContactName)
}

func TestParseInboundIgnoresEmpty(t *testing.T) {
	a := New(nil, fanout.NewHub())

	for _, body := range []string{
		`{"visitor_id": "", "text": "hi"}`,
		`{"visitor_id": "v-1", "text": "   "}`,
	} {
		_, err := a.ParseInbound([]byte(body))
		assert.True(t, errors.Is(err, channel.ErrIgnored))
	}
}

func TestSendTextDeliversToVisitorRoom(t *testing.T) {
	hub := fanout.NewHub()
	a := New(nil, hub)
	creds := channel.Credentials{WidgetKey: "wk_live_1"}

	_, stream, cancel := hub.Subscribe(VisitorTopic("wk_live_1", "v-77"), 8)
	defer cancel()

	providerID, err := a.SendText(context.Background(), creds, channel.Outbound{To: "v-77", Body: "thanks for reaching out"})
	require.NoError(t, err)
	assert.NotEmpty(t, providerID)

	select {
	case ev := <-stream:
		assert.Equal(t, fanout.TypeMessage, ev.Type)
		var delivery Delivery
		require.NoError(t, json.Unmarshal(ev.Data, &delivery))
		assert.Equal(t, providerID, delivery.ID)
		assert.Equal(t, "bot", delivery.Sender)
		assert.Equal(t, "thanks for reaching out", delivery.Text)
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected delivery frame on visitor room")
	}
}

func TestSendTextKeepsHumanSender(t *testing.T) {
	hub := fanout.NewHub()
	a := New(nil, hub)
	creds := channel.Credentials{WidgetKey: "wk_live_1"}

	_, stream, cancel := hub.Subscribe(VisitorTopic("wk_live_1", "v-77"), 8)
	defer cancel()

	_, err := a.SendText(context.Background(), creds, channel.Outbound{To: "v-77", Body: "an agent will follow up", Sender: "human"})
	require.NoError(t, err)

	select {
	case ev := <-stream:
		var delivery Delivery
		require.NoError(t, json.Unmarshal(ev.Data, &delivery))
		assert.Equal(t, "human", delivery.Sender)
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected delivery frame on visitor room")
	}
}

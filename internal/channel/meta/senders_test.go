package meta

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replygrid/replygrid/internal/channel"
)

func testCreds() channel.Credentials {
	return channel.Credentials{
		AccessToken:   "EAAG-token",
		PhoneNumberID: "106540352242922",
		PageID:        "249853121",
	}
}

func TestWhatsAppSendText(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.SENT1"}},
		})
	}))
	defer server.Close()

	sender := NewWhatsAppSender(NewClient(nil, server.URL, 100))
	providerID, err := sender.SendText(context.Background(), testCreds(), channel.Outbound{To: "16315551234", Body: "we deliver daily"})
	require.NoError(t, err)
	assert.Equal(t, "wamid.SENT1", providerID)
	assert.Equal(t, "/106540352242922/messages", gotPath)
	assert.Equal(t, "Bearer EAAG-token", gotAuth)
	assert.Equal(t, "whatsapp", gotBody["messaging_product"])
	assert.Equal(t, "16315551234", gotBody["to"])
}

func TestMessengerSendText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/messages", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "RESPONSE", body["messaging_type"])
		_ = json.NewEncoder(w).Encode(map[string]string{
			"recipient_id": "8276537129",
			"message_id":   "m_reply_1",
		})
	}))
	defer server.Close()

	sender := NewMessengerSender(NewClient(nil, server.URL, 100))
	providerID, err := sender.SendText(context.Background(), testCreds(), channel.Outbound{To: "8276537129", Body: "we open at 9"})
	require.NoError(t, err)
	assert.Equal(t, "m_reply_1", providerID)
}

func TestSendTextSurfacesGraphError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message": "(#100) Invalid parameter",
				"type":    "OAuthException",
				"code":    100,
			},
		})
	}))
	defer server.Close()

	sender := NewWhatsAppSender(NewClient(nil, server.URL, 100))
	_, err := sender.SendText(context.Background(), testCreds(), channel.Outbound{To: "16315551234", Body: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid parameter")
}

func TestIdentityCached(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/me", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "249853121"})
	}))
	defer server.Close()

	client := NewClient(nil, server.URL, 100)
	for i := 0; i < 3; i++ {
		id, err := client.Identity(context.Background(), "EAAG-token")
		require.NoError(t, err)
		assert.Equal(t, "249853121", id)
	}
	assert.Equal(t, 1, calls)
}

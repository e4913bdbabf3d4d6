package meta

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replygrid/replygrid/internal/channel"
)

func TestVerifySignature(t *testing.T) {
	secret := "app-secret"
	body := []byte(`{"object":"page","entry":[]}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	header := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifySignature(secret, body, header))
	assert.False(t, VerifySignature(secret, body, "sha256=deadbeef"))
	assert.False(t, VerifySignature(secret, body, hex.EncodeToString(mac.Sum(nil))))
	assert.False(t, VerifySignature("wrong-secret", body, header))
}

func TestParseWebhookWhatsAppMessage(t *testing.T) {
	body := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "102290129340398",
			"changes": [{
				"field": "messages",
				"value": {
					"messaging_product": "whatsapp",
					"metadata": {"display_phone_number": "15550001111", "phone_number_id": "106540352242922"},
					"contacts": [{"profile": {"name": "Kerry Fisher"}, "wa_id": "16315551234"}],
					"messages": [{
						"from": "16315551234",
						"id": "wamid.HBgLMTY=",
						"timestamp": "1716999999",
						"type": "text",
						"text": {"body": "do you deliver on sundays?"}
					}]
				}
			}]
		}]
	}`)

	items, err := ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Inbound)
	assert.Equal(t, "106540352242922", items[0].RoutingKey)

	ev := items[0].Inbound
	assert.Equal(t, channel.WhatsApp, ev.Channel)
	assert.Equal(t, "16315551234", ev.ExternalContactID)
	assert.Equal(t, "Kerry Fisher", ev.ContactName)
	assert.Equal(t, "do you deliver on sundays?", ev.Text)
	assert.Equal(t, "wamid.HBgLMTY=", ev.ProviderMessageID)
	assert.Equal(t, int64(1716999999), ev.ReceivedAt.Unix())
}

func TestParseWebhookWhatsAppStatuses(t *testing.T) {
	body := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "106540352242922"},
					"statuses": [
						{"id": "wamid.A", "status": "delivered"},
						{"id": "wamid.B", "status": "read"},
						{"id": "wamid.C", "status": "warning"}
					]
				}
			}]
		}]
	}`)

	items, err := ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.NotNil(t, items[0].Status)
	assert.Equal(t, channel.StatusDelivered, items[0].Status.Status)
	assert.Equal(t, channel.StatusRead, items[1].Status.Status)
}

func TestParseWebhookPageMessage(t *testing.T) {
	body := []byte(`{
		"object": "page",
		"entry": [{
			"id": "249853121",
			"time": 1717000000123,
			"messaging": [{
				"sender": {"id": "8276537129"},
				"recipient": {"id": "249853121"},
				"timestamp": 1717000000123,
				"message": {"mid": "m_abc123", "text": "hi, is the store open?"}
			}]
		}]
	}`)

	items, err := ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Inbound)
	assert.Equal(t, "249853121", items[0].RoutingKey)
	assert.Equal(t, channel.Messenger, items[0].Inbound.Channel)
	assert.Equal(t, "8276537129", items[0].Inbound.ExternalContactID)
	assert.Equal(t, "m_abc123", items[0].Inbound.ProviderMessageID)
}

func TestParseWebhookPageSkipsEchoes(t *testing.T) {
	body := []byte(`{
		"object": "page",
		"entry": [{
			"id": "249853121",
			"messaging": [{
				"sender": {"id": "249853121"},
				"recipient": {"id": "8276537129"},
				"message": {"mid": "m_echo", "text": "our reply", "is_echo": true}
			}]
		}]
	}`)

	items, err := ParseWebhook(body)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestParseWebhookPageDeliveryReceipts(t *testing.T) {
	body := []byte(`{
		"object": "page",
		"entry": [{
			"id": "249853121",
			"messaging": [{
				"sender": {"id": "8276537129"},
				"recipient": {"id": "249853121"},
				"delivery": {"mids": ["m_1", "m_2"]}
			}]
		}]
	}`)

	items, err := ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		require.NotNil(t, item.Status)
		assert.Equal(t, channel.StatusDelivered, item.Status.Status)
	}
}

func TestParseWebhookInstagramMessage(t *testing.T) {
	body := []byte(`{
		"object": "instagram",
		"entry": [{
			"id": "17841405793",
			"messaging": [{
				"sender": {"id": "5810291733"},
				"recipient": {"id": "17841405793"},
				"timestamp": 1717000000500,
				"message": {"mid": "aWdf_mid", "text": "love this! price?"}
			}]
		}]
	}`)

	items, err := ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, channel.Instagram, items[0].Inbound.Channel)
	assert.Equal(t, "17841405793", items[0].RoutingKey)
}

func TestParseWebhookUnknownObject(t *testing.T) {
	_, err := ParseWebhook([]byte(`{"object": "permissions", "entry": []}`))
	assert.True(t, errors.Is(err, channel.ErrIgnored))
}

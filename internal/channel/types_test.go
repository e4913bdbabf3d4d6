package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCredentialsValidate(t *testing.T) {
	tests := []struct {
		name    string
		channel Channel
		creds   Credentials
		ok      bool
	}{
		{"whatsapp complete", WhatsApp, Credentials{AccessToken: "t", PhoneNumberID: "123"}, true},
		{"whatsapp missing phone", WhatsApp, Credentials{AccessToken: "t"}, false},
		{"messenger complete", Messenger, Credentials{AccessToken: "t", PageID: "p1"}, true},
		{"instagram missing token", Instagram, Credentials{InstagramID: "ig1"}, false},
		{"telegram complete", Telegram, Credentials{BotToken: "bot:token", WebhookSecret: "s"}, true},
		{"telegram missing secret", Telegram, Credentials{BotToken: "bot:token"}, false},
		{"webchat complete", WebChat, Credentials{WidgetKey: "w1"}, true},
		{"unknown channel", Channel("fax"), Credentials{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate(tt.channel)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

package channel

import "context"

// Outbound is one message handed to a Sender for delivery. Sender names the
// author class ("bot" or "human") for channels that surface it to the
// recipient; providers that do not distinguish authors ignore it.
type Outbound struct {
	To     string
	Body   string
	Sender string
}

// Sender sends one text message through a provider on behalf of a
// subscription and returns the provider-assigned message id.
type Sender interface {
	Channel() Channel
	SendText(ctx context.Context, creds Credentials, out Outbound) (providerID string, err error)
}

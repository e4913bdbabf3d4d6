package channel

import (
	"errors"
	"fmt"
	"sync"
)

// Registry holds one Sender per channel. Adding a channel means registering
// an implementation, never adding a branch at a call site.
type Registry struct {
	mu      sync.RWMutex
	senders map[Channel]Sender
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		senders: map[Channel]Sender{},
	}
}

// Register adds a sender to the registry.
func (r *Registry) Register(sender Sender) error {
	if sender == nil {
		return errors.New("sender is nil")
	}
	ch, err := Parse(sender.Channel().String())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.senders[ch]; exists {
		return fmt.Errorf("channel already registered: %s", ch)
	}
	r.senders[ch] = sender
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(sender Sender) {
	if err := r.Register(sender); err != nil {
		panic(err)
	}
}

// Get returns the sender for the given channel.
func (r *Registry) Get(ch Channel) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sender, ok := r.senders[ch]
	return sender, ok
}

// Channels returns all registered channel codes.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Channel, 0, len(r.senders))
	for ch := range r.senders {
		items = append(items, ch)
	}
	return items
}

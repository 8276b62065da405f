package client

import (
	"sync"

	"gastro-chat/internal/identity"
)

// Factory builds an unconnected subscription for a conversation key, or for
// all conversations when key is "".
type Factory func(key string) *Subscription

// Registry holds the global subscription and at most one per-contact
// subscription. Opening a contact replaces the previous contact's
// subscription and leaves the global one alone.
type Registry struct {
	factory Factory

	mu         sync.Mutex
	global     *Subscription
	contact    *Subscription
	contactKey string
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory}
}

// Open returns the authoritative subscription for raw, connecting it if
// needed. raw == "" is the global subscription.
func (r *Registry) Open(raw string) (*Subscription, error) {
	key := identity.Normalize(raw)

	r.mu.Lock()
	var stale *Subscription
	var sub *Subscription
	switch {
	case key == "":
		if r.global == nil {
			r.global = r.factory("")
		}
		sub = r.global
	case r.contact != nil && r.contactKey == key:
		sub = r.contact
	default:
		stale = r.contact
		r.contact = r.factory(key)
		r.contactKey = key
		sub = r.contact
	}
	r.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	if err := sub.Connect(); err != nil {
		return nil, err
	}
	return sub, nil
}

// Contact returns the current per-contact subscription and its key.
func (r *Registry) Contact() (*Subscription, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contact, r.contactKey
}

func (r *Registry) Global() *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.global
}

// CloseContact drops the per-contact subscription.
func (r *Registry) CloseContact() {
	r.mu.Lock()
	sub := r.contact
	r.contact, r.contactKey = nil, ""
	r.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	subs := []*Subscription{r.global, r.contact}
	r.global, r.contact, r.contactKey = nil, nil, ""
	r.mu.Unlock()
	for _, s := range subs {
		if s != nil {
			s.Close()
		}
	}
}

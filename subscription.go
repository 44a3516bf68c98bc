package pubsub

import (
	"fmt"
	"sync"
	"time"
)

// Subscription binds a listener to an event name and version on a topic.
type Subscription struct {
	ID            string
	Topic         string
	ConsumerGroup string
	EventName     string
	Version       DomainModelVersion
	Listener      Listener
	CreatedAt     time.Time
}

// NewSubscription creates a subscription for listener.
func NewSubscription(topic, consumerGroup string, listener Listener) *Subscription {
	return &Subscription{
		ID:            NewID(),
		Topic:         topic,
		ConsumerGroup: consumerGroup,
		EventName:     listener.EventName(),
		Version:       listener.Version(),
		Listener:      listener,
		CreatedAt:     time.Now(),
	}
}

// Matches reports whether an event with the given name and version should
// be delivered to this subscription.
func (s *Subscription) Matches(eventName string, version DomainModelVersion) bool {
	return s.EventName == eventName && s.Version.Matches(version)
}

// Subscriptions is a registry of subscriptions kept in registration order.
// It is safe for concurrent use.
type Subscriptions struct {
	mu   sync.RWMutex
	subs []*Subscription
}

// NewSubscriptions returns an empty registry.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{}
}

// Add registers s. Adding a second subscription for the same listener and
// binding returns ErrDuplicateSubscription.
func (r *Subscriptions) Add(s *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.subs {
		if existing.Listener == s.Listener &&
			existing.EventName == s.EventName &&
			existing.Version == s.Version {
			return &Error{
				Kind: KindDuplicateSubscription,
				Err:  fmt.Errorf("listener already subscribed to %s %s", s.EventName, s.Version),
			}
		}
	}
	r.subs = append(r.subs, s)
	return nil
}

// Remove deletes the subscription with s.ID. It reports whether one was removed.
func (r *Subscriptions) Remove(s *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.subs {
		if existing.ID == s.ID {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Find returns the subscription held by listener.
func (r *Subscriptions) Find(listener Listener) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subs {
		if s.Listener == listener {
			return s, nil
		}
	}
	return nil, &Error{
		Kind: KindUnknownSubscription,
		Err:  fmt.Errorf("no subscription for listener %s %s", listener.EventName(), listener.Version()),
	}
}

// Matching returns, in registration order, the subscriptions that accept
// an event with the given name and version.
func (r *Subscriptions) Matching(eventName string, version DomainModelVersion) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, s := range r.subs {
		if s.Matches(eventName, version) {
			out = append(out, s)
		}
	}
	return out
}

// ByEventName returns the subscriptions bound to eventName at any version.
func (r *Subscriptions) ByEventName(eventName string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, s := range r.subs {
		if s.EventName == eventName {
			out = append(out, s)
		}
	}
	return out
}

// All returns a snapshot of every subscription.
func (r *Subscriptions) All() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, len(r.subs))
	copy(out, r.subs)
	return out
}

// Len returns the number of subscriptions.
func (r *Subscriptions) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

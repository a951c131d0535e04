package protocol

import (
	"errors"
	"sort"
	"sync"

	"github.com/zoravur/livequery/internal/notifier"
)

var (
	ErrDuplicateID = errors.New("subscription id already in use")
	ErrUnknownID   = errors.New("unknown subscription id")
)

// Subscription is one live query of a connection.
type Subscription struct {
	ID      string
	SQL     string
	Results *notifier.Results
	Token   notifier.Token
}

// Close removes the callback and releases the results.
func (s *Subscription) Close() {
	if s.Results == nil {
		return
	}
	_ = s.Results.RemoveNotificationCallback(s.Token)
	s.Results.Close()
}

// Registry holds the subscriptions of one connection by client-chosen id.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*Subscription)}
}

func (r *Registry) Add(sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.ID]; ok {
		return ErrDuplicateID
	}
	r.subs[sub.ID] = sub
	return nil
}

func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	return s, ok
}

func (r *Registry) Remove(id string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return nil, ErrUnknownID
	}
	delete(r.subs, id)
	return s, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// IDs returns the subscription ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Drain removes and returns every subscription.
func (r *Registry) Drain() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	r.subs = make(map[string]*Subscription)
	return out
}

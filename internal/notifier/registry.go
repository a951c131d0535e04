package notifier

import (
	"sync"
	"sync/atomic"

	"github.com/zoravur/livequery/pkg/changeset"
)

// Token identifies a registered callback.
type Token uint64

// Callback receives the changes since the previous call, or the error that
// ended the collection. After an error no further calls are made.
type Callback func(changes changeset.ChangeSet, err error)

type callbackEntry struct {
	fn               Callback
	token            Token
	initialDelivered bool
}

// CallbackRegistry is the list of callbacks of one collection plus the
// cursor of the delivery pass currently walking it. Every method takes the
// registry lock briefly; no callback is ever invoked with the lock held.
type CallbackRegistry struct {
	mu        sync.Mutex
	entries   []callbackEntry
	cursor    int
	iterating bool

	// have mirrors len(entries) > 0. It is written under mu and read
	// without it.
	have atomic.Bool
}

// Add appends fn under a token one past the largest live token. idle reports
// that no delivery pass is in progress.
func (r *CallbackRegistry) Add(fn Callback) (token Token, idle bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if token <= e.token {
			token = e.token + 1
		}
	}
	r.entries = append(r.entries, callbackEntry{fn: fn, token: token})
	r.have.Store(true)
	return token, !r.iterating
}

// Remove deletes the entry for token. A pass positioned at or past the
// removed entry is moved back one step so that it neither skips nor repeats
// an entry.
func (r *CallbackRegistry) Remove(token Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.token != token {
			continue
		}
		if r.iterating && r.cursor >= i {
			r.cursor--
		}
		r.entries = append(r.entries[:i], r.entries[i+1:]...)
		r.have.Store(len(r.entries) > 0)
		return true
	}
	return false
}

// NextDue advances the delivery cursor to the next entry for which due
// returns true, marks its initial delivery done and returns its callback.
// The first call starts a pass; the call that finds nothing ends it.
func (r *CallbackRegistry) NextDue(due func(initialDelivered bool) bool) (Callback, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.iterating {
		r.iterating = true
		r.cursor = -1
	}
	for r.cursor++; r.cursor < len(r.entries); r.cursor++ {
		e := &r.entries[r.cursor]
		if !due(e.initialDelivered) {
			continue
		}
		e.initialDelivered = true
		return e.fn, true
	}
	r.iterating = false
	return nil, false
}

// Clear drops every entry.
func (r *CallbackRegistry) Clear() {
	r.mu.Lock()
	r.entries = nil
	r.have.Store(false)
	r.mu.Unlock()
}

// HasEntries reports whether any callback is registered.
func (r *CallbackRegistry) HasEntries() bool { return r.have.Load() }

func (r *CallbackRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

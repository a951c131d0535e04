package coordinator

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/notifier"
	"github.com/zoravur/livequery/internal/runloop"
	"github.com/zoravur/livequery/internal/store"
)

// Session is a home for live results: a handle owned by one goroutine. With a
// runloop the worker schedules Refresh on it after every pass; without one
// the owner calls Refresh itself.
type Session struct {
	coord  *Coordinator
	handle *store.Handle
	loop   *runloop.Loop

	pending atomic.Bool
	onReady func()
}

type SessionOption func(*Session)

// WithLoop makes the session refresh on l after every worker pass.
func WithLoop(l *runloop.Loop) SessionOption { return func(s *Session) { s.loop = l } }

// WithReadyHook calls fn from the worker goroutine after every pass.
func WithReadyHook(fn func()) SessionOption { return func(s *Session) { s.onReady = fn } }

func (c *Coordinator) NewSession(opts ...SessionOption) *Session {
	s := &Session{coord: c, handle: c.db.Handle()}
	for _, o := range opts {
		o(s)
	}
	c.mu.Lock()
	c.sessions[s] = struct{}{}
	c.mu.Unlock()
	return s
}

func (s *Session) Handle() *store.Handle { return s.handle }

func (s *Session) Version() store.Version { return s.handle.Version() }

// Query creates live results at the session's handle.
func (s *Session) Query(q store.Query, opts ...notifier.Option) *notifier.Results {
	return notifier.NewResults(s.handle, s.coord, q, opts...)
}

// Refresh advances the session to the worker's last completed version and
// delivers results prepared for it.
func (s *Session) Refresh() error {
	if ready := s.coord.ReadyVersion(); ready > s.handle.Version() {
		if err := s.handle.AdvanceTo(ready, nil); err != nil {
			return err
		}
	}
	s.ProcessAsync()
	return nil
}

// ProcessAsync delivers prepared results without moving the session.
// Results prepared for another version are left for a later pass.
func (s *Session) ProcessAsync() {
	for _, n := range s.coord.deliverTo(s.handle) {
		n.CallCallbacks()
	}
}

// AdvanceToLatest moves the session to the newest commit regardless of the
// worker. Live results evaluate synchronously until the worker catches up.
func (s *Session) AdvanceToLatest() error {
	_, err := s.handle.Refresh(nil)
	return err
}

// Write commits fn and moves the session past its own commit.
func (s *Session) Write(fn func(tx *store.WriteTx) error) (store.Version, error) {
	return s.handle.Write(fn)
}

func (s *Session) notify() {
	if s.onReady != nil {
		s.onReady()
	}
	if s.loop == nil {
		return
	}
	if !s.pending.CompareAndSwap(false, true) {
		return
	}
	s.loop.Post(func() {
		s.pending.Store(false)
		if err := s.Refresh(); err != nil {
			s.coord.log.Warn("session refresh failed", zap.Error(err))
		}
	})
}

// Close detaches the session from the coordinator. Results created from it
// should be closed first.
func (s *Session) Close() {
	s.coord.mu.Lock()
	delete(s.coord.sessions, s)
	s.coord.mu.Unlock()
	s.handle.Close()
}

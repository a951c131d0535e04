package notifier

import (
	"sync/atomic"

	"github.com/zoravur/livequery/internal/store"
)

// Results is a live query result owned by the goroutine of its home handle.
// It evaluates synchronously when read at a version it has no view for, and
// is kept current in the background once a callback is registered.
type Results struct {
	home  *store.Handle
	coord Coordinator
	query store.Query
	opts  []Option

	view     *store.TableView
	notifier *ResultsNotifier
	closed   bool

	wantsBackgroundUpdates atomic.Bool
}

func NewResults(home *store.Handle, coord Coordinator, q store.Query, opts ...Option) *Results {
	return &Results{home: home, coord: coord, query: q, opts: opts}
}

func (r *Results) Query() store.Query { return r.query }

func (r *Results) Handle() *store.Handle { return r.home }

// View returns the result at the home handle's current version.
func (r *Results) View() (*store.TableView, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if r.view == nil || r.view.Version != r.home.Version() {
		tv, err := r.query.Run(r.home.Snapshot())
		if err != nil {
			return nil, err
		}
		r.view = tv
	}
	return r.view, nil
}

func (r *Results) Keys() ([]store.RowKey, error) {
	tv, err := r.View()
	if err != nil {
		return nil, err
	}
	return append([]store.RowKey(nil), tv.Keys...), nil
}

func (r *Results) Len() (int, error) {
	tv, err := r.View()
	if err != nil {
		return 0, err
	}
	return tv.Len(), nil
}

// Rows resolves the current result rows.
func (r *Results) Rows() ([]store.Row, error) {
	tv, err := r.View()
	if err != nil {
		return nil, err
	}
	return tv.Rows(r.home.Snapshot())
}

func (r *Results) setView(tv *store.TableView) { r.view = tv }

// touch records that the current view is still correct at version v.
func (r *Results) touch(v store.Version) {
	if r.view != nil {
		r.view.Version = v
	}
}

func (r *Results) ensureNotifier() (*ResultsNotifier, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if r.notifier != nil {
		return r.notifier, nil
	}
	n, err := newResultsNotifier(r, r.opts...)
	if err != nil {
		return nil, err
	}
	r.notifier = n
	r.coord.Register(n)
	return n, nil
}

// AddNotificationCallback registers fn to be called on the home goroutine
// whenever the result changes.
func (r *Results) AddNotificationCallback(fn Callback) (Token, error) {
	n, err := r.ensureNotifier()
	if err != nil {
		return 0, err
	}
	return n.AddCallback(fn), nil
}

func (r *Results) RemoveNotificationCallback(token Token) error {
	if r.notifier == nil {
		return ErrUnknownToken
	}
	return r.notifier.RemoveCallback(token)
}

// WantBackgroundUpdates keeps the result refreshed by the worker even while
// no callback is registered.
func (r *Results) WantBackgroundUpdates() error {
	r.wantsBackgroundUpdates.Store(true)
	if _, err := r.ensureNotifier(); err != nil {
		return err
	}
	r.coord.RequestBackgroundRun()
	return nil
}

// Notifier returns the background notifier, or nil if none was needed yet.
func (r *Results) Notifier() *ResultsNotifier { return r.notifier }

// Close tears down the notifier. Callbacks are not called again.
func (r *Results) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.view = nil
	if r.notifier != nil {
		r.notifier.detachTarget()
		r.notifier.Unregister()
	}
}

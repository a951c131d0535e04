// Package notifier computes change sets for live collections on a background
// worker and delivers them to callbacks on the goroutine that owns the
// collection.
//
// A collection is driven through four phases per commit. On the worker:
// AddRequiredChangeInfo, then (after the worker handle has advanced) Run and
// PrepareHandover. On the home handle's goroutine: Deliver, then
// CallCallbacks. Deliver only accepts results computed for exactly the
// version the home handle is at.
package notifier

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/store"
	"github.com/zoravur/livequery/pkg/changeset"
)

var (
	ErrUnknownToken    = errors.New("notifier: unknown callback token")
	ErrAlreadyAttached = errors.New("notifier: already attached to a worker handle")
	ErrClosed          = errors.New("notifier: results closed")
)

// Coordinator schedules the worker that drives registered notifiers.
type Coordinator interface {
	Register(n Notifier)
	RequestBackgroundRun()
}

// Notifier is what a Coordinator sees of a collection.
type Notifier interface {
	ID() string
	AddRequiredChangeInfo(info *store.TransactionChangeInfo)
	AttachTo(worker *store.Handle) error
	Detach()
	Run() error
	PrepareHandover()
	Deliver(home *store.Handle, err error) bool
	CallCallbacks()
	HaveCallbacks() bool
	IsAlive() bool
	Unregister()
	Release()
	Describe() Description
}

// Description is a point-in-time summary of a notifier, for diagnostics.
type Description struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Query     string        `json:"query"`
	Tables    []int         `json:"tables"`
	Callbacks int           `json:"callbacks"`
	Version   store.Version `json:"version"`
	Attached  bool          `json:"attached"`
	Alive     bool          `json:"alive"`
	Error     string        `json:"error,omitempty"`
}

// hooks is implemented by concrete collections.
type hooks interface {
	run() error
	doPrepareHandover(worker *store.Handle)
	doDeliver(home *store.Handle) bool
	doAddRequiredChangeInfo(info *store.TransactionChangeInfo)
	doAttachTo(worker *store.Handle) error
	doDetachFrom(worker *store.Handle)
	releaseData()
	shouldDeliverInitial() bool
	describe(d *Description)
}

// Collection holds the state shared by every kind of live collection:
// callbacks, the home handle, the worker attachment and the pending change
// sets.
type Collection struct {
	id    string
	hooks hooks
	coord Coordinator
	log   *zap.Logger

	homeMu sync.Mutex
	home   *store.Handle // nil once unregistered

	callbacks CallbackRegistry
	errored   atomic.Bool

	relevantTables []int

	// worker-side, touched only by the coordinator's worker goroutine
	worker     *store.Handle
	isAttached atomic.Bool

	// handoverMu orders PrepareHandover on the worker against Deliver on the
	// home goroutine.
	handoverMu  sync.Mutex
	version     store.Version
	accumulated changeset.ChangeSet

	// home-side
	toDeliver changeset.ChangeSet
	err       error
}

func (c *Collection) init(h hooks, home *store.Handle, coord Coordinator, log *zap.Logger) {
	c.id = uuid.NewString()
	c.hooks = h
	c.home = home
	c.coord = coord
	c.version = home.Version()
	c.log = log.With(zap.String("collection", c.id))
}

// setTable computes the relevant tables for a collection rooted at table.
func (c *Collection) setTable(snap *store.Snapshot, table string) error {
	tables, err := RelevantTables(snap, table)
	if err != nil {
		return err
	}
	c.relevantTables = tables
	return nil
}

func (c *Collection) ID() string { return c.id }

// AddCallback registers fn. A callback added while no delivery pass is
// running wakes the worker; one added from inside a callback is picked up by
// the pass already in progress.
func (c *Collection) AddCallback(fn Callback) Token {
	token, idle := c.callbacks.Add(fn)
	if idle {
		c.coord.RequestBackgroundRun()
	}
	return token
}

// RemoveCallback unregisters the callback for token. Unknown tokens are an
// error unless the collection already failed, which clears every callback.
func (c *Collection) RemoveCallback(token Token) error {
	found := c.callbacks.Remove(token)
	if !found && !c.errored.Load() {
		return ErrUnknownToken
	}
	return nil
}

func (c *Collection) HaveCallbacks() bool { return c.callbacks.HasEntries() }

// Unregister detaches the collection from its home. The coordinator drops it
// on its next pass; a Run in progress finishes harmlessly.
func (c *Collection) Unregister() {
	c.homeMu.Lock()
	c.home = nil
	c.homeMu.Unlock()
}

func (c *Collection) IsAlive() bool {
	c.homeMu.Lock()
	defer c.homeMu.Unlock()
	return c.home != nil
}

func (c *Collection) isFor(h *store.Handle) bool {
	c.homeMu.Lock()
	defer c.homeMu.Unlock()
	return c.home != nil && c.home == h
}

// AddRequiredChangeInfo marks the relevant tables as tracked in info.
func (c *Collection) AddRequiredChangeInfo(info *store.TransactionChangeInfo) {
	for _, t := range c.relevantTables {
		info.Need(t)
	}
	c.hooks.doAddRequiredChangeInfo(info)
}

// AttachTo binds the collection to the worker handle.
func (c *Collection) AttachTo(worker *store.Handle) error {
	if c.worker != nil {
		return ErrAlreadyAttached
	}
	if err := c.hooks.doAttachTo(worker); err != nil {
		return err
	}
	c.worker = worker
	c.isAttached.Store(true)
	return nil
}

// Detach releases the worker handle. Worker-side state is packaged so that
// a later AttachTo can resume from it.
func (c *Collection) Detach() {
	if c.worker == nil {
		return
	}
	c.hooks.doDetachFrom(c.worker)
	c.worker = nil
	c.isAttached.Store(false)
}

// Run recomputes the collection against the worker handle's version.
func (c *Collection) Run() error {
	if c.worker == nil {
		return nil
	}
	return c.hooks.run()
}

// PrepareHandover records the worker's version and packages the results of
// Run for delivery.
func (c *Collection) PrepareHandover() {
	if c.worker == nil {
		return
	}
	c.handoverMu.Lock()
	defer c.handoverMu.Unlock()
	c.version = c.worker.Version()
	c.hooks.doPrepareHandover(c.worker)
}

// addChanges folds changes into the set awaiting delivery. Callers hold
// handoverMu.
func (c *Collection) addChanges(changes changeset.ChangeSet) {
	c.accumulated = c.accumulated.Merge(changes)
}

// Deliver hands the latest prepared results to the home handle h. It returns
// false without doing anything when h is not the collection's home, and
// skips delivery when h is not at the prepared version; the next pass
// retries. A non-nil err is recorded instead and is final. The result
// reports whether CallCallbacks has anything to do.
func (c *Collection) Deliver(h *store.Handle, err error) bool {
	if !c.isFor(h) {
		return false
	}
	if err != nil {
		c.err = err
		c.errored.Store(true)
		return c.HaveCallbacks()
	}

	c.handoverMu.Lock()
	defer c.handoverMu.Unlock()
	if c.version != h.Version() {
		c.log.Debug("skipping delivery for version mismatch",
			zap.Uint64("prepared", uint64(c.version)),
			zap.Uint64("home", uint64(h.Version())),
		)
		return false
	}
	should := c.hooks.doDeliver(h)
	c.toDeliver = c.accumulated
	c.accumulated = changeset.ChangeSet{}
	return should && c.HaveCallbacks()
}

// CallCallbacks invokes every callback that is owed a call: all of them when
// there is an error or a non-empty change set, and new ones when the
// collection delivers an initial notification. No lock is held while a
// callback runs, so callbacks may add or remove callbacks.
func (c *Collection) CallCallbacks() {
	deliverInitial := c.hooks.shouldDeliverInitial()
	for {
		fn, ok := c.callbacks.NextDue(func(initialDelivered bool) bool {
			return c.err != nil || (!initialDelivered && deliverInitial) || !c.toDeliver.Empty()
		})
		if !ok {
			break
		}
		fn(c.toDeliver, c.err)
	}
	c.toDeliver = changeset.ChangeSet{}

	if c.err != nil {
		c.callbacks.Clear()
	}
}

// Release drops the data a dead collection holds.
func (c *Collection) Release() {
	c.Detach()
	c.hooks.releaseData()
}

func (c *Collection) Describe() Description {
	c.handoverMu.Lock()
	v := c.version
	c.handoverMu.Unlock()
	d := Description{
		ID:        c.id,
		Tables:    append([]int(nil), c.relevantTables...),
		Callbacks: c.callbacks.Len(),
		Version:   v,
		Attached:  c.isAttached.Load(),
		Alive:     c.IsAlive(),
	}
	c.hooks.describe(&d)
	return d
}

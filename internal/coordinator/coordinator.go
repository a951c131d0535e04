// Package coordinator runs the background worker of one store.DB: it keeps
// the list of live notifiers, advances a worker handle to each new version,
// runs every notifier against it and tells the sessions that results are
// ready.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/logutil"
	"github.com/zoravur/livequery/internal/metrics"
	"github.com/zoravur/livequery/internal/notifier"
	"github.com/zoravur/livequery/internal/store"
)

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.log = l } }

type Coordinator struct {
	db  *store.DB
	log *zap.Logger

	mu           sync.Mutex
	notifiers    []notifier.Notifier
	newNotifiers []notifier.Notifier
	errs         map[string]error
	sessions     map[*Session]struct{}
	readyVersion store.Version

	// passMu confines the worker handle to one pass at a time.
	passMu sync.Mutex
	worker *store.Handle

	wake chan struct{}
}

func New(db *store.DB, opts ...Option) *Coordinator {
	c := &Coordinator{
		db:       db,
		errs:     make(map[string]error),
		sessions: make(map[*Session]struct{}),
		worker:   db.Handle(),
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = zap.L()
	}
	c.log = c.log.Named("coordinator")
	c.readyVersion = c.worker.Version()
	return c
}

func (c *Coordinator) DB() *store.DB { return c.db }

// Register adds n to the worker's list. It is attached on the next pass.
func (c *Coordinator) Register(n notifier.Notifier) {
	c.mu.Lock()
	c.newNotifiers = append(c.newNotifiers, n)
	c.mu.Unlock()
}

// RequestBackgroundRun wakes the worker loop started by Start.
func (c *Coordinator) RequestBackgroundRun() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// ReadyVersion is the version of the last completed pass. Sessions at this
// version can receive every prepared result.
func (c *Coordinator) ReadyVersion() store.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyVersion
}

// Start runs passes whenever a commit lands or a run is requested, until ctx
// is done.
func (c *Coordinator) Start(ctx context.Context) error {
	commits, cancel := c.db.Subscribe()
	defer cancel()

	c.log.Info("worker started", zap.Uint64("version", uint64(c.ReadyVersion())))
	for {
		select {
		case <-ctx.Done():
			c.log.Info("worker stopping")
			return nil
		case <-commits:
		case <-c.wake:
		}
		c.RunOnce()
	}
}

// RunOnce performs one pass synchronously.
func (c *Coordinator) RunOnce() {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	start := time.Now()

	c.mu.Lock()
	var existing, dead []notifier.Notifier
	for _, n := range c.notifiers {
		if n.IsAlive() {
			existing = append(existing, n)
		} else {
			dead = append(dead, n)
		}
	}
	var fresh []notifier.Notifier
	for _, n := range c.newNotifiers {
		if n.IsAlive() {
			fresh = append(fresh, n)
		} else {
			dead = append(dead, n)
		}
	}
	c.newNotifiers = nil
	c.notifiers = existing
	for _, n := range dead {
		delete(c.errs, n.ID())
	}
	c.mu.Unlock()

	for _, n := range dead {
		n.Release()
	}

	info := &store.TransactionChangeInfo{}
	for _, n := range existing {
		n.AddRequiredChangeInfo(info)
	}
	if err := c.worker.AdvanceTo(c.db.Latest(), info); err != nil {
		c.log.Error("advancing worker", zap.Error(err))
		// fresh notifiers were never attached; retry them on the next pass
		c.mu.Lock()
		c.newNotifiers = append(fresh, c.newNotifiers...)
		c.mu.Unlock()
		return
	}

	attachErrs := make(map[string]error)
	for _, n := range fresh {
		if err := n.AttachTo(c.worker); err != nil {
			attachErrs[n.ID()] = err
		}
	}
	all := append(existing, fresh...)

	c.mu.Lock()
	for id, err := range attachErrs {
		c.errs[id] = err
	}
	failed := make(map[string]bool, len(c.errs))
	for id := range c.errs {
		failed[id] = true
	}
	c.mu.Unlock()

	runErrs := make(map[string]error)
	for _, n := range all {
		if failed[n.ID()] {
			continue
		}
		metrics.CounterNotifierRuns.Inc()
		if err := n.Run(); err != nil {
			metrics.CounterNotifierErrors.Inc()
			c.log.Warn("notifier run failed", zap.String("notifier", n.ID()), zap.Error(err))
			runErrs[n.ID()] = err
		}
	}
	for _, n := range all {
		n.PrepareHandover()
	}

	c.mu.Lock()
	for id, err := range runErrs {
		c.errs[id] = err
	}
	c.notifiers = all
	c.readyVersion = c.worker.Version()
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	elapsed := time.Since(start)
	metrics.CounterWorkerPasses.Inc()
	metrics.HistogramWorkerPass.Observe(elapsed.Seconds())
	metrics.GaugeLiveNotifiers.Set(float64(len(all)))
	c.log.Debug("worker pass",
		logutil.Group("pass",
			zap.Uint64("version", uint64(c.worker.Version())),
			zap.Int("notifiers", len(all)),
			zap.Int("fresh", len(fresh)),
			zap.Int("released", len(dead)),
			zap.Int("failed", len(runErrs)+len(attachErrs)),
			zap.Duration("elapsed", elapsed),
		),
	)

	for _, s := range sessions {
		s.notify()
	}
}

// deliverTo hands every prepared result to h and returns the notifiers whose
// callbacks are due.
func (c *Coordinator) deliverTo(h *store.Handle) []notifier.Notifier {
	c.mu.Lock()
	ns := append([]notifier.Notifier(nil), c.notifiers...)
	errs := make(map[string]error, len(c.errs))
	for id, err := range c.errs {
		errs[id] = err
	}
	c.mu.Unlock()

	var due []notifier.Notifier
	for _, n := range ns {
		if n.Deliver(h, errs[n.ID()]) {
			due = append(due, n)
		}
	}
	if len(due) > 0 {
		metrics.CounterDeliveries.Add(float64(len(due)))
	}
	return due
}

// SnapshotView lists the live notifiers, for diagnostics.
func (c *Coordinator) SnapshotView() []notifier.Description {
	c.mu.Lock()
	ns := append(append([]notifier.Notifier(nil), c.notifiers...), c.newNotifiers...)
	errs := make(map[string]error, len(c.errs))
	for id, err := range c.errs {
		errs[id] = err
	}
	c.mu.Unlock()

	out := make([]notifier.Description, 0, len(ns))
	for _, n := range ns {
		d := n.Describe()
		if err := errs[n.ID()]; err != nil {
			d.Error = err.Error()
		}
		out = append(out, d)
	}
	return out
}

// Close detaches every notifier from the worker. Call it after Start has
// returned.
func (c *Coordinator) Close() {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	c.mu.Lock()
	all := append(c.notifiers, c.newNotifiers...)
	c.notifiers, c.newNotifiers = nil, nil
	c.mu.Unlock()

	for _, n := range all {
		n.Release()
	}
	c.worker.Close()
}

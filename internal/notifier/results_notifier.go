package notifier

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/store"
	"github.com/zoravur/livequery/pkg/changeset"
)

// ResultsNotifier keeps a Results up to date. It reruns the query on the
// worker whenever a relevant table changed and diffs the row keys against the
// previous run.
type ResultsNotifier struct {
	Collection

	targetMu sync.Mutex
	target   *Results

	queryText string

	// The query is in handover form while detached from the worker.
	queryHandover *store.Handover[store.Query]
	query         *store.Query

	// view is set by run when the result changed and exported by
	// doPrepareHandover; viewHandover is guarded by handoverMu.
	view         *store.TableView
	viewHandover *store.Handover[*store.TableView]

	// max version of the relevant tables at the last run
	lastSeenVersion store.Version
	previousRows    []store.RowKey
	changes         changeset.ChangeSet
	info            *store.TransactionChangeInfo

	initialRunComplete atomic.Bool
	deliverInitial     bool
}

func newResultsNotifier(target *Results, opts ...Option) (*ResultsNotifier, error) {
	o := buildOptions(opts)
	n := &ResultsNotifier{
		target:         target,
		queryText:      target.query.String(),
		deliverInitial: o.deliverInitial,
	}
	n.init(n, target.home, target.coord, o.logger.Named("notifier"))
	if err := n.setTable(target.home.Snapshot(), target.query.Table); err != nil {
		return nil, err
	}
	n.queryHandover = store.ExportQuery(target.home, target.query)
	return n, nil
}

func (n *ResultsNotifier) currentTarget() *Results {
	n.targetMu.Lock()
	defer n.targetMu.Unlock()
	return n.target
}

// detachTarget is called when the Results goes away.
func (n *ResultsNotifier) detachTarget() {
	n.targetMu.Lock()
	n.target = nil
	n.targetMu.Unlock()
}

func (n *ResultsNotifier) doAddRequiredChangeInfo(info *store.TransactionChangeInfo) {
	n.info = info
}

// relevantVersion is the newest version among the relevant tables; ok is
// false if one of them no longer exists.
func (n *ResultsNotifier) relevantVersion(snap *store.Snapshot) (v store.Version, ok bool) {
	for _, i := range n.relevantTables {
		t, found := snap.TableByIndex(i)
		if !found {
			return 0, false
		}
		v = max(v, t.Version())
	}
	return v, true
}

func (n *ResultsNotifier) run() error {
	target := n.currentTarget()
	if target == nil {
		return nil
	}
	if !n.HaveCallbacks() && !target.wantsBackgroundUpdates.Load() {
		// Nobody consumes intermediate results. Start over from a fresh
		// initial run once someone does.
		if n.initialRunComplete.Swap(false) {
			n.previousRows = nil
			n.changes = changeset.ChangeSet{}
			n.view = nil
		}
		return nil
	}

	snap := n.worker.Snapshot()
	version, ok := n.relevantVersion(snap)
	if n.initialRunComplete.Load() && ok && version == n.lastSeenVersion {
		return nil
	}

	tv, err := n.query.Run(snap)
	if err != nil {
		return err
	}
	n.lastSeenVersion = version

	if n.initialRunComplete.Load() {
		changes := changeset.Calculate(n.previousRows, tv.Keys, func(k store.RowKey) bool {
			return n.info.RowDidChange(snap, tv.TableIndex, k)
		})
		n.previousRows = tv.Keys
		if changes.Empty() {
			return nil
		}
		n.changes = n.changes.Merge(changes)
	} else {
		if !n.deliverInitial {
			n.changes = changeset.Initial(len(tv.Keys))
		}
		n.previousRows = tv.Keys
	}

	n.view = tv
	n.initialRunComplete.Store(true)
	n.log.Debug("query rerun",
		zap.Uint64("version", uint64(snap.Version())),
		zap.Int("rows", len(tv.Keys)),
		zap.Int("inserted", len(n.changes.Insertions)),
		zap.Int("deleted", len(n.changes.Deletions)),
		zap.Int("modified", len(n.changes.Modifications)),
	)
	return nil
}

func (n *ResultsNotifier) doPrepareHandover(worker *store.Handle) {
	switch {
	case n.view != nil:
		n.viewHandover = store.ExportView(worker, n.view)
		n.view = nil
	case n.viewHandover != nil:
		// unchanged since the last export; still valid at this version
		if err := n.viewHandover.Restamp(worker.Version()); err != nil {
			n.viewHandover = nil
		}
	}
	n.addChanges(n.changes)
	n.changes = changeset.ChangeSet{}
	n.info = nil
}

func (n *ResultsNotifier) doDeliver(home *store.Handle) bool {
	n.targetMu.Lock()
	defer n.targetMu.Unlock()
	if n.target == nil || !n.initialRunComplete.Load() {
		return false
	}
	if n.viewHandover == nil {
		n.target.touch(home.Version())
		return true
	}
	tv, err := n.viewHandover.Import(home)
	n.viewHandover = nil
	if err != nil {
		n.log.Warn("importing query result", zap.Error(err))
		return false
	}
	n.target.setView(tv)
	return true
}

func (n *ResultsNotifier) doAttachTo(worker *store.Handle) error {
	if n.queryHandover == nil {
		return errors.New("notifier: no query to attach")
	}
	q, err := n.queryHandover.Import(worker)
	n.queryHandover = nil
	if err != nil {
		return err
	}
	n.query = &q
	return nil
}

func (n *ResultsNotifier) doDetachFrom(worker *store.Handle) {
	if n.query != nil {
		n.queryHandover = store.ExportQuery(worker, *n.query)
		n.query = nil
	}
	n.view = nil
	n.info = nil
}

func (n *ResultsNotifier) releaseData() {
	n.handoverMu.Lock()
	n.viewHandover = nil
	n.handoverMu.Unlock()
	n.query = nil
	n.queryHandover = nil
	n.view = nil
	n.previousRows = nil
}

func (n *ResultsNotifier) shouldDeliverInitial() bool { return n.deliverInitial }

func (n *ResultsNotifier) describe(d *Description) {
	d.Kind = "results"
	d.Query = n.queryText
}

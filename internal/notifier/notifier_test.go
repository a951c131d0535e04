package notifier

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zoravur/livequery/internal/store"
	"github.com/zoravur/livequery/pkg/changeset"
)

// stepCoordinator drives the four phases by hand, one pass per call.
type stepCoordinator struct {
	t       *testing.T
	db      *store.DB
	worker  *store.Handle
	live    []Notifier
	pending []Notifier
	errs    map[Notifier]error
	wakeups int
}

func newStepCoordinator(t *testing.T, db *store.DB) *stepCoordinator {
	return &stepCoordinator{t: t, db: db, worker: db.Handle(), errs: make(map[Notifier]error)}
}

func (c *stepCoordinator) Register(n Notifier) { c.pending = append(c.pending, n) }

func (c *stepCoordinator) RequestBackgroundRun() { c.wakeups++ }

func (c *stepCoordinator) pass() {
	c.t.Helper()
	info := &store.TransactionChangeInfo{}
	for _, n := range c.live {
		n.AddRequiredChangeInfo(info)
	}
	_, err := c.worker.Refresh(info)
	require.NoError(c.t, err)

	for _, n := range c.pending {
		if err := n.AttachTo(c.worker); err != nil {
			c.errs[n] = err
		}
		c.live = append(c.live, n)
	}
	c.pending = nil

	for _, n := range c.live {
		if c.errs[n] != nil {
			continue
		}
		if err := n.Run(); err != nil {
			c.errs[n] = err
		}
	}
	for _, n := range c.live {
		n.PrepareHandover()
	}
}

func (c *stepCoordinator) deliver(home *store.Handle) {
	var due []Notifier
	for _, n := range c.live {
		if n.Deliver(home, c.errs[n]) {
			due = append(due, n)
		}
	}
	for _, n := range due {
		n.CallCallbacks()
	}
}

// round runs a pass, moves home to the worker's version and delivers.
func (c *stepCoordinator) round(home *store.Handle) {
	c.t.Helper()
	c.pass()
	require.NoError(c.t, home.AdvanceTo(c.worker.Version(), nil))
	c.deliver(home)
}

type call struct {
	changes changeset.ChangeSet
	err     error
}

type recorder struct{ calls []call }

func (r *recorder) fn(changes changeset.ChangeSet, err error) {
	r.calls = append(r.calls, call{changes, err})
}

func (r *recorder) last(t *testing.T) call {
	t.Helper()
	require.NotEmpty(t, r.calls)
	return r.calls[len(r.calls)-1]
}

func openItems(t *testing.T) *store.DB {
	t.Helper()
	db := store.Open()
	_, err := db.Write(func(tx *store.WriteTx) error {
		if err := tx.CreateTable(store.TableSpec{Name: "owner", Columns: []store.ColumnSpec{
			{Name: "name", Type: store.TypeString},
		}}); err != nil {
			return err
		}
		if err := tx.CreateTable(store.TableSpec{Name: "item", Columns: []store.ColumnSpec{
			{Name: "name", Type: store.TypeString},
			{Name: "qty", Type: store.TypeInt},
			{Name: "owner", Type: store.TypeLink, Target: "owner"},
		}}); err != nil {
			return err
		}
		return tx.CreateTable(store.TableSpec{Name: "other", Columns: []store.ColumnSpec{
			{Name: "x", Type: store.TypeInt},
		}})
	})
	require.NoError(t, err)
	return db
}

func write(t *testing.T, db *store.DB, fn func(tx *store.WriteTx) error) store.Version {
	t.Helper()
	v, err := db.Write(fn)
	require.NoError(t, err)
	return v
}

var equateEmpty = cmpopts.EquateEmpty()

func assertChanges(t *testing.T, want, got changeset.ChangeSet) {
	t.Helper()
	if diff := cmp.Diff(want, got, equateEmpty); diff != "" {
		t.Errorf("change set mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertIntoEmptyResultNotifiesEveryListener(t *testing.T) {
	db := openItems(t)
	coord := newStepCoordinator(t, db)
	home := db.Handle()
	results := NewResults(home, coord, store.Query{Table: "item"})

	var a, b recorder
	_, err := results.AddNotificationCallback(a.fn)
	require.NoError(t, err)
	_, err = results.AddNotificationCallback(b.fn)
	require.NoError(t, err)
	assert.Equal(t, 2, coord.wakeups, "registration while idle wakes the worker")

	coord.round(home)
	require.Len(t, a.calls, 1, "initial delivery")
	require.Len(t, b.calls, 1)
	assert.True(t, a.calls[0].changes.Empty())

	write(t, db, func(tx *store.WriteTx) error {
		if err := tx.Put("item", 5, map[string]any{"name": "five"}); err != nil {
			return err
		}
		return tx.Put("item", 9, map[string]any{"name": "nine"})
	})
	coord.round(home)

	for _, r := range []*recorder{&a, &b} {
		require.Len(t, r.calls, 2)
		assertChanges(t, changeset.ChangeSet{Insertions: []int{0, 1}}, r.last(t).changes)
		assert.NoError(t, r.last(t).err)
	}
	keys, err := results.Keys()
	require.NoError(t, err)
	assert.Equal(t, []store.RowKey{5, 9}, keys)
}

func TestDeleteInsertModifyScenario(t *testing.T) {
	db := openItems(t)
	var keyA, keyB, keyC store.RowKey
	write(t, db, func(tx *store.WriteTx) error {
		var err error
		if keyA, err = tx.Insert("item", map[string]any{"name": "A"}); err != nil {
			return err
		}
		if keyB, err = tx.Insert("item", map[string]any{"name": "B"}); err != nil {
			return err
		}
		keyC, err = tx.Insert("item", map[string]any{"name": "C"})
		return err
	})

	coord := newStepCoordinator(t, db)
	home := db.Handle()
	results := NewResults(home, coord, store.Query{Table: "item"})
	var rec recorder
	_, err := results.AddNotificationCallback(rec.fn)
	require.NoError(t, err)
	coord.round(home)
	require.Len(t, rec.calls, 1)

	write(t, db, func(tx *store.WriteTx) error {
		if err := tx.Delete("item", keyB); err != nil {
			return err
		}
		if err := tx.Set("item", keyC, "qty", 3); err != nil {
			return err
		}
		_, err := tx.Insert("item", map[string]any{"name": "D"})
		return err
	})
	coord.round(home)

	require.Len(t, rec.calls, 2)
	assertChanges(t, changeset.ChangeSet{
		Deletions:     []int{1},
		Insertions:    []int{2},
		Modifications: []int{1},
	}, rec.last(t).changes)

	rows, err := results.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, keyA, rows[0].Key)
	assert.Equal(t, keyC, rows[1].Key)
}

func TestNoDeliveryForMismatchedVersion(t *testing.T) {
	db := openItems(t)
	coord := newStepCoordinator(t, db)
	home := db.Handle()
	results := NewResults(home, coord, store.Query{Table: "item"})
	var rec recorder
	_, err := results.AddNotificationCallback(rec.fn)
	require.NoError(t, err)
	coord.round(home)
	require.Len(t, rec.calls, 1)

	insert := func(tx *store.WriteTx) error {
		_, err := tx.Insert("item", map[string]any{"name": "x"})
		return err
	}

	t.Run("home behind", func(t *testing.T) {
		write(t, db, insert)
		coord.pass()
		require.Less(t, home.Version(), coord.worker.Version())
		coord.deliver(home)
		assert.Len(t, rec.calls, 1)
	})

	t.Run("home ahead", func(t *testing.T) {
		write(t, db, insert)
		_, err := home.Refresh(nil)
		require.NoError(t, err)
		require.Greater(t, home.Version(), coord.worker.Version())
		coord.deliver(home)
		assert.Len(t, rec.calls, 1)
	})

	t.Run("caught up", func(t *testing.T) {
		coord.round(home)
		require.Len(t, rec.calls, 2)
		// both undelivered inserts arrive merged
		assertChanges(t, changeset.ChangeSet{Insertions: []int{0, 1}}, rec.last(t).changes)
	})
}

func TestDeliverIgnoresForeignHandle(t *testing.T) {
	db := openItems(t)
	coord := newStepCoordinator(t, db)
	home := db.Handle()
	results := NewResults(home, coord, store.Query{Table: "item"})
	var rec recorder
	_, err := results.AddNotificationCallback(rec.fn)
	require.NoError(t, err)

	coord.pass()
	other := db.Handle()
	assert.False(t, results.Notifier().Deliver(other, nil))
	assert.False(t, results.Notifier().Deliver(other, assert.AnError))
}

func TestInitialDeliveryPolicy(t *testing.T) {
	t.Run("deliver initial", func(t *testing.T) {
		db := openItems(t)
		coord := newStepCoordinator(t, db)
		home := db.Handle()
		results := NewResults(home, coord, store.Query{Table: "item"})
		var rec recorder
		_, err := results.AddNotificationCallback(rec.fn)
		require.NoError(t, err)

		coord.round(home)
		coord.round(home)
		require.Len(t, rec.calls, 1, "exactly once without any commit")
		assert.True(t, rec.calls[0].changes.Empty())

		// a late listener gets its own initial call; the first one does not
		var late recorder
		_, err = results.AddNotificationCallback(late.fn)
		require.NoError(t, err)
		coord.round(home)
		assert.Len(t, late.calls, 1)
		assert.Len(t, rec.calls, 1)
	})

	t.Run("no initial", func(t *testing.T) {
		db := openItems(t)
		coord := newStepCoordinator(t, db)
		home := db.Handle()
		results := NewResults(home, coord, store.Query{Table: "item"}, WithInitialDelivery(false))
		var rec recorder
		_, err := results.AddNotificationCallback(rec.fn)
		require.NoError(t, err)

		coord.round(home)
		coord.round(home)
		assert.Empty(t, rec.calls)

		write(t, db, func(tx *store.WriteTx) error {
			_, err := tx.Insert("item", nil)
			return err
		})
		coord.round(home)
		require.Len(t, rec.calls, 1)
		assertChanges(t, changeset.ChangeSet{Insertions: []int{0}}, rec.calls[0].changes)
	})
}

func TestQueryErrorIsTerminal(t *testing.T) {
	db := openItems(t)
	coord := newStepCoordinator(t, db)
	home := db.Handle()
	results := NewResults(home, coord, store.Query{Table: "other"})
	var a, b recorder
	tokA, err := results.AddNotificationCallback(a.fn)
	require.NoError(t, err)
	_, err = results.AddNotificationCallback(b.fn)
	require.NoError(t, err)
	coord.round(home)

	write(t, db, func(tx *store.WriteTx) error { return tx.DropTable("other") })
	coord.round(home)

	for _, r := range []*recorder{&a, &b} {
		require.Len(t, r.calls, 2)
		assert.ErrorIs(t, r.last(t).err, store.ErrTableNotFound)
	}
	n := results.Notifier()
	assert.False(t, n.HaveCallbacks())
	assert.NoError(t, results.RemoveNotificationCallback(tokA), "old tokens are gone after an error")

	coord.round(home)
	assert.Len(t, a.calls, 2, "no calls after the error")

	var late recorder
	_, err = results.AddNotificationCallback(late.fn)
	require.NoError(t, err)
	coord.round(home)
	require.Len(t, late.calls, 1)
	assert.ErrorIs(t, late.calls[0].err, store.ErrTableNotFound)
}

func TestRemoveUnknownTokenWithoutError(t *testing.T) {
	db := openItems(t)
	coord := newStepCoordinator(t, db)
	results := NewResults(db.Handle(), coord, store.Query{Table: "item"})
	assert.ErrorIs(t, results.RemoveNotificationCallback(7), ErrUnknownToken)

	var rec recorder
	tok, err := results.AddNotificationCallback(rec.fn)
	require.NoError(t, err)
	require.NoError(t, results.RemoveNotificationCallback(tok))
	assert.ErrorIs(t, results.RemoveNotificationCallback(tok), ErrUnknownToken)
	assert.True(t, results.Notifier().IsAlive(), "removing the last callback keeps the notifier")
}

func TestModificationThroughLink(t *testing.T) {
	db := openItems(t)
	var owner store.RowKey
	write(t, db, func(tx *store.WriteTx) error {
		var err error
		if owner, err = tx.Insert("owner", map[string]any{"name": "ann"}); err != nil {
			return err
		}
		if _, err = tx.Insert("item", map[string]any{"name": "plain"}); err != nil {
			return err
		}
		_, err = tx.Insert("item", map[string]any{"name": "owned", "owner": owner})
		return err
	})

	coord := newStepCoordinator(t, db)
	home := db.Handle()
	results := NewResults(home, coord, store.Query{Table: "item"})
	var rec recorder
	_, err := results.AddNotificationCallback(rec.fn)
	require.NoError(t, err)
	coord.round(home)

	write(t, db, func(tx *store.WriteTx) error { return tx.Set("owner", owner, "name", "anne") })
	coord.round(home)
	require.Len(t, rec.calls, 2)
	assertChanges(t, changeset.ChangeSet{Modifications: []int{1}}, rec.last(t).changes)
}

func TestUnrelatedCommitDoesNotNotify(t *testing.T) {
	db := openItems(t)
	coord := newStepCoordinator(t, db)
	home := db.Handle()
	results := NewResults(home, coord, store.Query{Table: "item"})
	var rec recorder
	_, err := results.AddNotificationCallback(rec.fn)
	require.NoError(t, err)
	coord.round(home)

	write(t, db, func(tx *store.WriteTx) error {
		_, err := tx.Insert("other", map[string]any{"x": 1})
		return err
	})
	coord.round(home)
	assert.Len(t, rec.calls, 1)

	tv, err := results.View()
	require.NoError(t, err)
	assert.Equal(t, home.Version(), tv.Version)
}

func TestSortedResultsReportMoves(t *testing.T) {
	db := openItems(t)
	var low store.RowKey
	write(t, db, func(tx *store.WriteTx) error {
		var err error
		if low, err = tx.Insert("item", map[string]any{"qty": 1}); err != nil {
			return err
		}
		_, err = tx.Insert("item", map[string]any{"qty": 2})
		return err
	})

	coord := newStepCoordinator(t, db)
	home := db.Handle()
	results := NewResults(home, coord, store.Query{
		Table: "item",
		Sort:  store.SortOrder{{Column: "qty", Ascending: true}},
	})
	var rec recorder
	_, err := results.AddNotificationCallback(rec.fn)
	require.NoError(t, err)
	coord.round(home)

	write(t, db, func(tx *store.WriteTx) error { return tx.Set("item", low, "qty", 10) })
	coord.round(home)
	require.Len(t, rec.calls, 2)
	// the edited row stays put as a modification; its neighbour moves ahead of it
	assertChanges(t, changeset.ChangeSet{
		Deletions:     []int{1},
		Insertions:    []int{0},
		Modifications: []int{1},
	}, rec.last(t).changes)
}

func TestCloseStopsNotifications(t *testing.T) {
	db := openItems(t)
	coord := newStepCoordinator(t, db)
	home := db.Handle()
	results := NewResults(home, coord, store.Query{Table: "item"})
	var rec recorder
	_, err := results.AddNotificationCallback(rec.fn)
	require.NoError(t, err)
	coord.round(home)

	n := results.Notifier()
	results.Close()
	assert.False(t, n.IsAlive())

	write(t, db, func(tx *store.WriteTx) error {
		_, err := tx.Insert("item", nil)
		return err
	})
	coord.round(home)
	assert.Len(t, rec.calls, 1)

	_, err = results.View()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = results.AddNotificationCallback(rec.fn)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBackgroundUpdatesWithoutCallbacks(t *testing.T) {
	db := openItems(t)
	coord := newStepCoordinator(t, db)
	home := db.Handle()
	results := NewResults(home, coord, store.Query{Table: "item"})
	require.NoError(t, results.WantBackgroundUpdates())
	coord.round(home)

	write(t, db, func(tx *store.WriteTx) error {
		_, err := tx.Insert("item", nil)
		return err
	})
	coord.round(home)

	d := results.Notifier().Describe()
	assert.Equal(t, "results", d.Kind)
	assert.Equal(t, home.Version(), d.Version)
	assert.True(t, d.Attached)

	n, err := results.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAttachTwice(t *testing.T) {
	db := openItems(t)
	coord := newStepCoordinator(t, db)
	results := NewResults(db.Handle(), coord, store.Query{Table: "item"})
	require.NoError(t, results.WantBackgroundUpdates())
	n := results.Notifier()
	require.NoError(t, n.AttachTo(coord.worker))
	assert.ErrorIs(t, n.AttachTo(coord.worker), ErrAlreadyAttached)

	n.Detach()
	require.NoError(t, n.AttachTo(coord.worker))
}

func TestNotifierForMissingTable(t *testing.T) {
	db := openItems(t)
	results := NewResults(db.Handle(), newStepCoordinator(t, db), store.Query{Table: "nope"})
	_, err := results.AddNotificationCallback(func(changeset.ChangeSet, error) {})
	assert.ErrorIs(t, err, store.ErrTableNotFound)
}

func TestRelevantTables(t *testing.T) {
	db := store.Open()
	write(t, db, func(tx *store.WriteTx) error {
		if err := tx.CreateTable(store.TableSpec{Name: "leaf"}); err != nil {
			return err
		}
		if err := tx.CreateTable(store.TableSpec{Name: "node", Columns: []store.ColumnSpec{
			{Name: "next", Type: store.TypeLink, Target: "node"},
			{Name: "leaves", Type: store.TypeLinkList, Target: "leaf"},
		}}); err != nil {
			return err
		}
		return tx.CreateTable(store.TableSpec{Name: "root", Columns: []store.ColumnSpec{
			{Name: "head", Type: store.TypeLink, Target: "node"},
		}})
	})
	snap := db.Snapshot()

	got, err := RelevantTables(snap, "root")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1, 2}, got)

	got, err = RelevantTables(snap, "leaf")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, got)

	_, err = RelevantTables(snap, "missing")
	assert.ErrorIs(t, err, store.ErrTableNotFound)
}

func TestCallbackMayRemoveItself(t *testing.T) {
	db := openItems(t)
	coord := newStepCoordinator(t, db)
	home := db.Handle()
	results := NewResults(home, coord, store.Query{Table: "item"})

	var tok Token
	var selfCalls int
	var after recorder
	tok, err := results.AddNotificationCallback(func(changeset.ChangeSet, error) {
		selfCalls++
		require.NoError(t, results.RemoveNotificationCallback(tok))
	})
	require.NoError(t, err)
	_, err = results.AddNotificationCallback(after.fn)
	require.NoError(t, err)

	coord.round(home)
	assert.Equal(t, 1, selfCalls)
	assert.Len(t, after.calls, 1, "the next entry is not skipped")
}

type wakeCounter struct{ n atomic.Int64 }

func (w *wakeCounter) Register(Notifier)     {}
func (w *wakeCounter) RequestBackgroundRun() { w.n.Add(1) }

func TestHaveCallbacksUnderConcurrentRegistration(t *testing.T) {
	db := openItems(t)
	var coord wakeCounter
	var c Collection
	c.init(nil, db.Handle(), &coord, zaptest.NewLogger(t))
	nop := func(changeset.ChangeSet, error) {}

	const workers, rounds = 8, 500
	var lost atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				tok := c.AddCallback(nop)
				if !c.HaveCallbacks() {
					lost.Add(1)
				}
				assert.NoError(t, c.RemoveCallback(tok))
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, lost.Load(), "a registered callback was not visible")
	assert.False(t, c.HaveCallbacks())
	assert.Equal(t, int64(workers*rounds), coord.n.Load(), "every idle registration wakes the worker")

	c.AddCallback(nop)
	assert.True(t, c.HaveCallbacks())
}

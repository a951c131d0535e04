package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zoravur/livequery/internal/notifier"
	"github.com/zoravur/livequery/internal/runloop"
	"github.com/zoravur/livequery/internal/store"
	"github.com/zoravur/livequery/pkg/changeset"
)

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db := store.Open(store.WithLogger(zaptest.NewLogger(t)))
	_, err := db.Write(func(tx *store.WriteTx) error {
		if err := tx.CreateTable(store.TableSpec{Name: "task", Columns: []store.ColumnSpec{
			{Name: "title", Type: store.TypeString},
			{Name: "done", Type: store.TypeBool},
		}}); err != nil {
			return err
		}
		return tx.CreateTable(store.TableSpec{Name: "scratch", Columns: []store.ColumnSpec{
			{Name: "n", Type: store.TypeInt},
		}})
	})
	require.NoError(t, err)
	return db
}

func addTask(t *testing.T, db *store.DB, title string, done bool) store.RowKey {
	t.Helper()
	var key store.RowKey
	_, err := db.Write(func(tx *store.WriteTx) error {
		var err error
		key, err = tx.Insert("task", map[string]any{"title": title, "done": done})
		return err
	})
	require.NoError(t, err)
	return key
}

type recorder struct {
	changes []changeset.ChangeSet
	errs    []error
}

func (r *recorder) fn(c changeset.ChangeSet, err error) {
	r.changes = append(r.changes, c)
	r.errs = append(r.errs, err)
}

func TestRunOnceAndRefresh(t *testing.T) {
	db := openDB(t)
	coord := New(db, WithLogger(zaptest.NewLogger(t)))
	defer coord.Close()
	s := coord.NewSession()
	defer s.Close()

	open := s.Query(store.Query{Table: "task", Where: store.Compare{Column: "done", Op: store.OpEq, Value: false}})
	var rec recorder
	_, err := open.AddNotificationCallback(rec.fn)
	require.NoError(t, err)

	coord.RunOnce()
	require.NoError(t, s.Refresh())
	require.Len(t, rec.changes, 1)

	k := addTask(t, db, "write tests", false)
	addTask(t, db, "already done", true)
	coord.RunOnce()
	require.NoError(t, s.Refresh())

	require.Len(t, rec.changes, 2)
	assert.Equal(t, []int{0}, rec.changes[1].Insertions)
	assert.Equal(t, db.Latest(), s.Version())

	_, err = s.Write(func(tx *store.WriteTx) error { return tx.Set("task", k, "done", true) })
	require.NoError(t, err)
	coord.RunOnce()
	require.NoError(t, s.Refresh())
	require.Len(t, rec.changes, 3)
	assert.Equal(t, []int{0}, rec.changes[2].Deletions)

	n, err := open.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestErrorsAreIsolated(t *testing.T) {
	db := openDB(t)
	coord := New(db)
	defer coord.Close()
	s := coord.NewSession()

	doomed := s.Query(store.Query{Table: "scratch"})
	healthy := s.Query(store.Query{Table: "task"})
	var bad, good recorder
	_, err := doomed.AddNotificationCallback(bad.fn)
	require.NoError(t, err)
	_, err = healthy.AddNotificationCallback(good.fn)
	require.NoError(t, err)
	coord.RunOnce()
	require.NoError(t, s.Refresh())

	_, err = db.Write(func(tx *store.WriteTx) error {
		if err := tx.DropTable("scratch"); err != nil {
			return err
		}
		_, err := tx.Insert("task", map[string]any{"title": "x"})
		return err
	})
	require.NoError(t, err)
	coord.RunOnce()
	require.NoError(t, s.Refresh())

	require.Len(t, bad.errs, 2)
	assert.ErrorIs(t, bad.errs[1], store.ErrTableNotFound)
	require.Len(t, good.errs, 2)
	assert.NoError(t, good.errs[1])
	assert.Equal(t, []int{0}, good.changes[1].Insertions)

	var sawError bool
	for _, d := range coord.SnapshotView() {
		if d.Error != "" {
			sawError = true
			assert.Contains(t, d.Query, "scratch")
		}
	}
	assert.True(t, sawError)
}

func TestDeadNotifiersAreReleased(t *testing.T) {
	db := openDB(t)
	coord := New(db)
	defer coord.Close()
	s := coord.NewSession()

	r := s.Query(store.Query{Table: "task"})
	_, err := r.AddNotificationCallback(func(changeset.ChangeSet, error) {})
	require.NoError(t, err)
	coord.RunOnce()
	require.Len(t, coord.SnapshotView(), 1)

	r.Close()
	coord.RunOnce()
	assert.Empty(t, coord.SnapshotView())
}

func TestFailedAdvanceKeepsPendingNotifiers(t *testing.T) {
	db := openDB(t)
	coord := New(db, WithLogger(zaptest.NewLogger(t)))
	defer coord.Close()
	s := coord.NewSession()

	r := s.Query(store.Query{Table: "task"})
	var rec recorder
	_, err := r.AddNotificationCallback(rec.fn)
	require.NoError(t, err)

	stale := coord.worker
	stale.Close()
	coord.RunOnce()
	require.NoError(t, s.Refresh())
	assert.Empty(t, rec.changes)
	coord.mu.Lock()
	assert.Len(t, coord.newNotifiers, 1, "still waiting to be attached")
	coord.mu.Unlock()

	coord.worker = db.Handle()
	addTask(t, db, "after recovery", false)
	coord.RunOnce()
	require.NoError(t, s.Refresh())
	require.Len(t, rec.changes, 1)
	n, err := r.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNotifierOnOtherSessionIsNotDelivered(t *testing.T) {
	db := openDB(t)
	coord := New(db)
	defer coord.Close()
	home := coord.NewSession()
	other := coord.NewSession()

	r := home.Query(store.Query{Table: "task"})
	var rec recorder
	_, err := r.AddNotificationCallback(rec.fn)
	require.NoError(t, err)
	coord.RunOnce()

	require.NoError(t, other.Refresh())
	assert.Empty(t, rec.changes)
	require.NoError(t, home.Refresh())
	assert.Len(t, rec.changes, 1)
}

func TestAdvanceToLatestSkipsUntilWorkerCatchesUp(t *testing.T) {
	db := openDB(t)
	coord := New(db)
	defer coord.Close()
	s := coord.NewSession()

	r := s.Query(store.Query{Table: "task"})
	var rec recorder
	_, err := r.AddNotificationCallback(rec.fn)
	require.NoError(t, err)
	coord.RunOnce()
	require.NoError(t, s.Refresh())

	addTask(t, db, "a", false)
	coord.RunOnce()
	addTask(t, db, "b", false)
	require.NoError(t, s.AdvanceToLatest())

	s.ProcessAsync()
	assert.Len(t, rec.changes, 1, "prepared for an older version")
	keys, err := r.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 2, "read evaluates at the session's version")

	coord.RunOnce()
	require.NoError(t, s.Refresh())
	require.Len(t, rec.changes, 2)
	assert.Equal(t, []int{0, 1}, rec.changes[1].Insertions)
}

func TestStartDeliversOnLoop(t *testing.T) {
	db := openDB(t)
	coord := New(db)
	loop := runloop.New()
	defer loop.Close()
	s := coord.NewSession(WithLoop(loop))

	got := make(chan changeset.ChangeSet, 8)
	var results *notifier.Results
	require.True(t, loop.Do(func() {
		results = s.Query(store.Query{Table: "task"})
		_, err := results.AddNotificationCallback(func(c changeset.ChangeSet, err error) {
			assert.NoError(t, err)
			got <- c
		})
		require.NoError(t, err)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- coord.Start(ctx) }()

	wait := func() changeset.ChangeSet {
		t.Helper()
		select {
		case c := <-got:
			return c
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a notification")
			return changeset.ChangeSet{}
		}
	}

	// registration woke the worker
	assert.True(t, wait().Empty())

	addTask(t, db, "from another goroutine", false)
	assert.Equal(t, []int{0}, wait().Insertions)

	cancel()
	require.NoError(t, <-stopped)
	loop.Do(func() { results.Close() })
	coord.Close()
}

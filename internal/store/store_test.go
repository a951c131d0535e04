package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPeople(t *testing.T, opts ...Option) *DB {
	t.Helper()
	db := Open(opts...)
	_, err := db.Write(func(tx *WriteTx) error {
		if err := tx.CreateTable(TableSpec{
			Name: "dog",
			Columns: []ColumnSpec{
				{Name: "name", Type: TypeString},
				{Name: "age", Type: TypeInt},
			},
		}); err != nil {
			return err
		}
		return tx.CreateTable(TableSpec{
			Name: "person",
			Columns: []ColumnSpec{
				{Name: "name", Type: TypeString},
				{Name: "age", Type: TypeInt},
				{Name: "pet", Type: TypeLink, Target: "dog"},
				{Name: "friends", Type: TypeLinkList, Target: "person"},
			},
		})
	})
	require.NoError(t, err)
	return db
}

func TestWriteCommitsNewVersion(t *testing.T) {
	db := openPeople(t)
	v0 := db.Latest()

	var key RowKey
	v1, err := db.Write(func(tx *WriteTx) error {
		var err error
		key, err = tx.Insert("person", map[string]any{"name": "ann", "age": 30})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, v0+1, v1)

	row, ok := mustTable(t, db.Snapshot(), "person").Row(key)
	require.True(t, ok)
	age, err := row.Get("age")
	require.NoError(t, err)
	assert.Equal(t, int64(30), age)

	friends, err := row.Get("friends")
	require.NoError(t, err)
	assert.Equal(t, []RowKey{}, friends)
}

func TestEmptyWriteCommitsNothing(t *testing.T) {
	db := openPeople(t)
	v0 := db.Latest()
	v, err := db.Write(func(tx *WriteTx) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, v0, v)
}

func TestFailedWriteIsDiscarded(t *testing.T) {
	db := openPeople(t)
	v0 := db.Latest()
	_, err := db.Write(func(tx *WriteTx) error {
		if _, err := tx.Insert("person", map[string]any{"name": "x"}); err != nil {
			return err
		}
		_, err := tx.Insert("person", map[string]any{"age": "not a number"})
		return err
	})
	require.ErrorIs(t, err, ErrTypeMismatch)
	assert.Equal(t, v0, db.Latest())
	assert.Equal(t, 0, mustTable(t, db.Snapshot(), "person").Len())
}

func TestSnapshotIsolation(t *testing.T) {
	db := openPeople(t)
	h := db.Handle()
	before := h.Version()

	_, err := db.Write(func(tx *WriteTx) error {
		_, err := tx.Insert("dog", map[string]any{"name": "rex"})
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, before, h.Version())
	assert.Equal(t, 0, mustTable(t, h.Snapshot(), "dog").Len())

	v, err := h.Refresh(nil)
	require.NoError(t, err)
	assert.Equal(t, db.Latest(), v)
	assert.Equal(t, 1, mustTable(t, h.Snapshot(), "dog").Len())
}

func TestHandleCannotMoveBackward(t *testing.T) {
	db := openPeople(t)
	h := db.Handle()
	err := h.AdvanceTo(h.Version()-1, nil)
	require.ErrorIs(t, err, ErrVersionUnavailable)
}

func TestHistoryLimitPrunesOldVersions(t *testing.T) {
	db := openPeople(t, WithHistoryLimit(2))
	old := db.Handle()
	stale := old.Version()
	for i := 0; i < 3; i++ {
		_, err := db.Write(func(tx *WriteTx) error {
			_, err := tx.Insert("dog", map[string]any{"age": i})
			return err
		})
		require.NoError(t, err)
	}

	h := db.Handle()
	require.ErrorIs(t, h.AdvanceTo(stale, nil), ErrVersionUnavailable)

	info := &TransactionChangeInfo{}
	info.Need(0)
	_, err := old.Refresh(info)
	require.NoError(t, err)
	assert.True(t, info.Incomplete)
}

func TestDeleteNullifiesLinks(t *testing.T) {
	db := openPeople(t)
	var dog, ann, bob RowKey
	_, err := db.Write(func(tx *WriteTx) error {
		var err error
		if dog, err = tx.Insert("dog", map[string]any{"name": "rex"}); err != nil {
			return err
		}
		if bob, err = tx.Insert("person", map[string]any{"name": "bob"}); err != nil {
			return err
		}
		ann, err = tx.Insert("person", map[string]any{"name": "ann", "pet": dog, "friends": []RowKey{bob}})
		return err
	})
	require.NoError(t, err)

	h := db.Handle()
	_, err = db.Write(func(tx *WriteTx) error {
		if err := tx.Delete("dog", dog); err != nil {
			return err
		}
		return tx.Delete("person", bob)
	})
	require.NoError(t, err)

	info := &TransactionChangeInfo{}
	info.Need(0)
	info.Need(1)
	_, err = h.Refresh(info)
	require.NoError(t, err)

	row, ok := mustTable(t, h.Snapshot(), "person").Row(ann)
	require.True(t, ok)
	pet, _ := row.Get("pet")
	friends, _ := row.Get("friends")
	assert.Nil(t, pet)
	assert.Equal(t, []RowKey{}, friends)

	assert.Contains(t, info.Tables[1].Modified, ann)
	assert.Contains(t, info.Tables[1].Deleted, bob)
	assert.Contains(t, info.Tables[0].Deleted, dog)
}

func TestLinkMustReferenceExistingRow(t *testing.T) {
	db := openPeople(t)
	_, err := db.Write(func(tx *WriteTx) error {
		_, err := tx.Insert("person", map[string]any{"pet": RowKey(42)})
		return err
	})
	require.ErrorIs(t, err, ErrRowNotFound)
}

func TestDropTable(t *testing.T) {
	db := openPeople(t)
	_, err := db.Write(func(tx *WriteTx) error { return tx.DropTable("dog") })
	require.NoError(t, err)

	snap := db.Snapshot()
	_, ok := snap.Table("dog")
	assert.False(t, ok)
	_, ok = snap.TableByIndex(0)
	assert.False(t, ok)
	assert.Equal(t, []string{"person"}, snap.TableNames())

	_, err = Query{Table: "dog"}.Run(snap)
	require.ErrorIs(t, err, ErrTableNotFound)
}

func TestSubscribeReceivesCommits(t *testing.T) {
	db := openPeople(t)
	ch, cancel := db.Subscribe()
	defer cancel()

	v, err := db.Write(func(tx *WriteTx) error {
		_, err := tx.Insert("dog", nil)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, v, <-ch)
}

func TestTableIntrospection(t *testing.T) {
	db := openPeople(t)
	person := mustTable(t, db.Snapshot(), "person")

	assert.Equal(t, 1, person.Index())
	assert.Equal(t, 4, person.ColumnCount())
	assert.Equal(t, TypeLink, person.ColumnType(2))

	dog, ok := person.LinkTarget(2)
	require.True(t, ok)
	assert.Equal(t, "dog", dog.Name())

	self, ok := person.LinkTarget(3)
	require.True(t, ok)
	assert.Equal(t, person.Index(), self.Index())

	_, ok = person.LinkTarget(0)
	assert.False(t, ok)
}

func TestTableVersionTracksRowChanges(t *testing.T) {
	db := openPeople(t)
	dogBefore := mustTable(t, db.Snapshot(), "dog").Version()

	v, err := db.Write(func(tx *WriteTx) error {
		_, err := tx.Insert("person", nil)
		return err
	})
	require.NoError(t, err)

	snap := db.Snapshot()
	assert.Equal(t, dogBefore, mustTable(t, snap, "dog").Version())
	assert.Equal(t, v, mustTable(t, snap, "person").Version())
}

func mustTable(t *testing.T, snap *Snapshot, name string) *Table {
	t.Helper()
	tbl, ok := snap.Table(name)
	require.True(t, ok, "table %s", name)
	return tbl
}

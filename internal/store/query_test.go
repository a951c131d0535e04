package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedPeople(t *testing.T) (*DB, map[string]RowKey) {
	t.Helper()
	db := openPeople(t)
	keys := make(map[string]RowKey)
	_, err := db.Write(func(tx *WriteTx) error {
		for _, p := range []struct {
			name string
			age  any
		}{
			{"ann", 30}, {"bob", 17}, {"cid", nil}, {"dee", 45}, {"eve", 17},
		} {
			k, err := tx.Insert("person", map[string]any{"name": p.name, "age": p.age})
			if err != nil {
				return err
			}
			keys[p.name] = k
		}
		return nil
	})
	require.NoError(t, err)
	return db, keys
}

func names(t *testing.T, snap *Snapshot, tv *TableView) []string {
	t.Helper()
	rows, err := tv.Rows(snap)
	require.NoError(t, err)
	out := make([]string, len(rows))
	for i, r := range rows {
		v, err := r.Get("name")
		require.NoError(t, err)
		out[i], _ = v.(string)
	}
	return out
}

func TestQueryRun(t *testing.T) {
	db, _ := seedPeople(t)
	snap := db.Snapshot()

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{
			name:  "native order",
			query: Query{Table: "person"},
			want:  []string{"ann", "bob", "cid", "dee", "eve"},
		},
		{
			name:  "filter",
			query: Query{Table: "person", Where: Compare{Column: "age", Op: OpGt, Value: 18}},
			want:  []string{"ann", "dee"},
		},
		{
			name:  "null never compares true",
			query: Query{Table: "person", Where: Compare{Column: "age", Op: OpNe, Value: 30}},
			want:  []string{"bob", "dee", "eve"},
		},
		{
			name:  "not of unknown stays unknown",
			query: Query{Table: "person", Where: Not{P: Compare{Column: "age", Op: OpEq, Value: 30}}},
			want:  []string{"bob", "dee", "eve"},
		},
		{
			name:  "is null",
			query: Query{Table: "person", Where: IsNull{Column: "age"}},
			want:  []string{"cid"},
		},
		{
			name: "or with unknown branch",
			query: Query{Table: "person", Where: Or{
				Compare{Column: "age", Op: OpLt, Value: 18},
				Compare{Column: "name", Op: OpEq, Value: "cid"},
			}},
			want: []string{"bob", "cid", "eve"},
		},
		{
			name: "and",
			query: Query{Table: "person", Where: And{
				IsNull{Column: "age", Negate: true},
				Compare{Column: "name", Op: OpGe, Value: "bob"},
			}},
			want: []string{"bob", "dee", "eve"},
		},
		{
			name:  "sort is stable with nulls first",
			query: Query{Table: "person", Sort: SortOrder{{Column: "age", Ascending: true}}},
			want:  []string{"cid", "bob", "eve", "ann", "dee"},
		},
		{
			name: "multi-column sort",
			query: Query{Table: "person", Sort: SortOrder{
				{Column: "age", Ascending: false},
				{Column: "name", Ascending: false},
			}},
			want: []string{"dee", "ann", "eve", "bob", "cid"},
		},
		{
			name:  "limit",
			query: Query{Table: "person", Sort: SortOrder{{Column: "name", Ascending: false}}, Limit: 2},
			want:  []string{"eve", "dee"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tv, err := tt.query.Run(snap)
			require.NoError(t, err)
			assert.Equal(t, snap.Version(), tv.Version)
			if diff := cmp.Diff(tt.want, names(t, snap, tv)); diff != "" {
				t.Errorf("rows mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestQueryRejectsUnknownColumns(t *testing.T) {
	db, _ := seedPeople(t)
	snap := db.Snapshot()

	for _, q := range []Query{
		{Table: "person", Columns: []string{"nope"}},
		{Table: "person", Where: Compare{Column: "nope", Op: OpEq, Value: 1}},
		{Table: "person", Sort: SortOrder{{Column: "nope"}}},
	} {
		_, err := q.Run(snap)
		assert.ErrorIs(t, err, ErrColumnNotFound, q.String())
	}
}

func TestQueryString(t *testing.T) {
	q := Query{
		Table: "person",
		Where: And{Compare{Column: "age", Op: OpGe, Value: int64(18)}, IsNull{Column: "pet", Negate: true}},
		Sort:  SortOrder{{Column: "name", Ascending: true}},
		Limit: 10,
	}
	assert.Equal(t, "person WHERE (age >= 18) AND (pet IS NOT NULL) ORDER BY name ASC LIMIT 10", q.String())
}

func TestOpFlip(t *testing.T) {
	assert.Equal(t, OpGt, OpLt.Flip())
	assert.Equal(t, OpLe, OpGe.Flip())
	assert.Equal(t, OpEq, OpEq.Flip())
	assert.Equal(t, "<>", OpNe.String())
}

func TestViewRowsSkipsMissingKeys(t *testing.T) {
	db, keys := seedPeople(t)
	h := db.Handle()
	tv, err := Query{Table: "person"}.Run(h.Snapshot())
	require.NoError(t, err)

	_, err = h.Write(func(tx *WriteTx) error { return tx.Delete("person", keys["bob"]) })
	require.NoError(t, err)

	assert.Equal(t, []string{"ann", "cid", "dee", "eve"}, names(t, h.Snapshot(), tv))
}

package store

import (
	"fmt"
	"sort"
)

// table is the immutable-once-committed representation of one table. A write
// transaction clones a table before its first mutation.
type table struct {
	index   int
	name    string
	columns []ColumnSpec
	colIdx  map[string]int
	pk      []string

	order   []RowKey // native order: insertion order
	rows    map[RowKey][]any
	version Version // last version that changed rows of this table
	nextKey RowKey
}

func newTable(index int, spec TableSpec) *table {
	t := &table{
		index:   index,
		name:    spec.Name,
		columns: append([]ColumnSpec(nil), spec.Columns...),
		colIdx:  make(map[string]int, len(spec.Columns)),
		pk:      append([]string(nil), spec.PrimaryKey...),
		rows:    make(map[RowKey][]any),
		nextKey: 1,
	}
	for i, c := range spec.Columns {
		t.colIdx[c.Name] = i
	}
	return t
}

func (t *table) clone() *table {
	cp := *t
	cp.order = append([]RowKey(nil), t.order...)
	cp.rows = make(map[RowKey][]any, len(t.rows))
	for k, v := range t.rows {
		cp.rows[k] = v
	}
	return &cp
}

func (t *table) spec() TableSpec {
	return TableSpec{
		Name:       t.name,
		Columns:    append([]ColumnSpec(nil), t.columns...),
		PrimaryKey: append([]string(nil), t.pk...),
	}
}

func (t *table) column(name string) (int, error) {
	i, ok := t.colIdx[name]
	if !ok {
		return -1, fmt.Errorf("%w: %s.%s", ErrColumnNotFound, t.name, name)
	}
	return i, nil
}

func (t *table) removeFromOrder(key RowKey) {
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// state is one committed version of the whole database.
type state struct {
	version Version
	tables  []*table // by index; nil once dropped
	byName  map[string]int
}

func (s *state) clone(v Version) *state {
	cp := &state{
		version: v,
		tables:  append([]*table(nil), s.tables...),
		byName:  make(map[string]int, len(s.byName)),
	}
	for k, i := range s.byName {
		cp.byName[k] = i
	}
	return cp
}

func (s *state) lookup(name string) (*table, error) {
	i, ok := s.byName[name]
	if !ok || s.tables[i] == nil {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return s.tables[i], nil
}

// Snapshot is a read-only view of one committed version.
type Snapshot struct {
	st *state
}

func (s *Snapshot) Version() Version { return s.st.version }

// Table looks a table up by name.
func (s *Snapshot) Table(name string) (*Table, bool) {
	t, err := s.st.lookup(name)
	if err != nil {
		return nil, false
	}
	return &Table{snap: s, t: t}, true
}

// TableByIndex looks a table up by its index in the group. Indexes of dropped
// tables are never reused.
func (s *Snapshot) TableByIndex(i int) (*Table, bool) {
	if i < 0 || i >= len(s.st.tables) || s.st.tables[i] == nil {
		return nil, false
	}
	return &Table{snap: s, t: s.st.tables[i]}, true
}

// TableCount is one past the highest table index ever assigned.
func (s *Snapshot) TableCount() int { return len(s.st.tables) }

// TableNames returns the names of all live tables, sorted.
func (s *Snapshot) TableNames() []string {
	out := make([]string, 0, len(s.st.byName))
	for name, i := range s.st.byName {
		if s.st.tables[i] != nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Table is a table as seen by one Snapshot.
type Table struct {
	snap *Snapshot
	t    *table
}

func (t *Table) Name() string { return t.t.name }

// Index is the table's position in the group, stable for its lifetime.
func (t *Table) Index() int { return t.t.index }

// Version is the last version that inserted, deleted or modified a row of
// this table.
func (t *Table) Version() Version { return t.t.version }

func (t *Table) Spec() TableSpec { return t.t.spec() }

func (t *Table) ColumnCount() int { return len(t.t.columns) }

func (t *Table) ColumnName(i int) string { return t.t.columns[i].Name }

func (t *Table) ColumnType(i int) ColumnType { return t.t.columns[i].Type }

func (t *Table) ColumnIndex(name string) (int, bool) {
	i, ok := t.t.colIdx[name]
	return i, ok
}

// LinkTarget returns the table a link column points to.
func (t *Table) LinkTarget(i int) (*Table, bool) {
	c := t.t.columns[i]
	if !c.Type.IsLink() {
		return nil, false
	}
	return t.snap.Table(c.Target)
}

func (t *Table) Len() int { return len(t.t.order) }

// Keys returns row keys in native order.
func (t *Table) Keys() []RowKey { return append([]RowKey(nil), t.t.order...) }

func (t *Table) Contains(key RowKey) bool {
	_, ok := t.t.rows[key]
	return ok
}

func (t *Table) Row(key RowKey) (Row, bool) {
	vals, ok := t.t.rows[key]
	if !ok {
		return Row{}, false
	}
	return Row{Key: key, t: t.t, vals: vals}, true
}

// Row is one row of a Table.
type Row struct {
	Key  RowKey
	t    *table
	vals []any
}

// Get returns the value of the named column. Missing values are nil.
func (r Row) Get(col string) (any, error) {
	i, err := r.t.column(col)
	if err != nil {
		return nil, err
	}
	return r.vals[i], nil
}

func (r Row) Value(i int) any { return r.vals[i] }

// Values returns the row as a column-name map. Link lists are copied.
func (r Row) Values() map[string]any {
	out := make(map[string]any, len(r.vals))
	for i, c := range r.t.columns {
		v := r.vals[i]
		if l, ok := v.([]RowKey); ok {
			v = append([]RowKey(nil), l...)
		}
		out[c.Name] = v
	}
	return out
}

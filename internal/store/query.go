package store

import (
	"fmt"
	"sort"
	"strings"
)

// Query selects rows of one table. The zero Where matches every row; an empty
// Sort keeps the table's native order. Limit <= 0 means no limit.
type Query struct {
	Table   string
	Columns []string // projection hint for callers; does not affect row identity
	Where   Predicate
	Sort    SortOrder
	Limit   int
}

// SortDescriptor orders by one column.
type SortDescriptor struct {
	Column    string
	Ascending bool
}

// SortOrder is applied left to right; ties keep native order.
type SortOrder []SortDescriptor

func (s SortOrder) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		dir := "ASC"
		if !d.Ascending {
			dir = "DESC"
		}
		parts[i] = d.Column + " " + dir
	}
	return strings.Join(parts, ", ")
}

func (q Query) String() string {
	var b strings.Builder
	b.WriteString(q.Table)
	if q.Where != nil {
		b.WriteString(" WHERE ")
		b.WriteString(q.Where.String())
	}
	if len(q.Sort) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(q.Sort.String())
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String()
}

// TableView is the ordered result of running a Query at one version.
type TableView struct {
	Table      string
	TableIndex int
	Version    Version
	Keys       []RowKey
}

func (tv *TableView) Len() int { return len(tv.Keys) }

// Run evaluates the query against snap.
func (q Query) Run(snap *Snapshot) (*TableView, error) {
	t, ok := snap.Table(q.Table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, q.Table)
	}
	for _, c := range q.Columns {
		if _, err := t.t.column(c); err != nil {
			return nil, err
		}
	}
	sortCols := make([]int, len(q.Sort))
	for i, d := range q.Sort {
		ci, err := t.t.column(d.Column)
		if err != nil {
			return nil, err
		}
		sortCols[i] = ci
	}
	if q.Where != nil {
		if err := q.Where.bind(t.t); err != nil {
			return nil, err
		}
	}

	keys := make([]RowKey, 0, t.Len())
	for _, k := range t.t.order {
		row := Row{Key: k, t: t.t, vals: t.t.rows[k]}
		if q.Where != nil && q.Where.eval(row) != truthTrue {
			continue
		}
		keys = append(keys, k)
	}

	if len(sortCols) > 0 {
		sort.SliceStable(keys, func(a, b int) bool {
			ra, rb := t.t.rows[keys[a]], t.t.rows[keys[b]]
			for i, ci := range sortCols {
				c := compareForSort(ra[ci], rb[ci])
				if c == 0 {
					continue
				}
				if q.Sort[i].Ascending {
					return c < 0
				}
				return c > 0
			}
			return false
		})
	}
	if q.Limit > 0 && len(keys) > q.Limit {
		keys = keys[:q.Limit]
	}

	return &TableView{
		Table:      t.Name(),
		TableIndex: t.Index(),
		Version:    snap.Version(),
		Keys:       keys,
	}, nil
}

// Rows resolves the view's keys against snap. Keys missing from snap are
// skipped.
func (tv *TableView) Rows(snap *Snapshot) ([]Row, error) {
	t, ok := snap.TableByIndex(tv.TableIndex)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, tv.Table)
	}
	out := make([]Row, 0, len(tv.Keys))
	for _, k := range tv.Keys {
		if r, ok := t.Row(k); ok {
			out = append(out, r)
		}
	}
	return out, nil
}

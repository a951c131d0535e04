package store

import (
	"encoding/json"
	"fmt"
	"math"
)

// WriteTx is an open write transaction. It is only valid inside the function
// passed to DB.Write.
type WriteTx struct {
	st      *state
	log     *commitLog
	mutable map[int]bool
	dirty   bool
	done    bool
}

// Version is the version this transaction will commit as.
func (tx *WriteTx) Version() Version { return tx.st.version }

// Snapshot exposes the transaction's uncommitted state for reading.
func (tx *WriteTx) Snapshot() *Snapshot { return &Snapshot{st: tx.st} }

func (tx *WriteTx) check() error {
	if tx.done {
		return ErrTxDone
	}
	return nil
}

// writable returns a private copy of the named table, stamped with this
// transaction's version.
func (tx *WriteTx) writable(name string) (*table, error) {
	t, err := tx.st.lookup(name)
	if err != nil {
		return nil, err
	}
	return tx.writableAt(t.index), nil
}

func (tx *WriteTx) writableAt(i int) *table {
	if !tx.mutable[i] {
		tx.st.tables[i] = tx.st.tables[i].clone()
		tx.mutable[i] = true
	}
	t := tx.st.tables[i]
	t.version = tx.st.version
	tx.dirty = true
	return t
}

// CreateTable adds a table. Link targets must exist, or name the table itself.
func (tx *WriteTx) CreateTable(spec TableSpec) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, err := tx.st.lookup(spec.Name); err == nil {
		return fmt.Errorf("%w: %s", ErrTableExists, spec.Name)
	}
	seen := make(map[string]bool, len(spec.Columns))
	for _, c := range spec.Columns {
		if seen[c.Name] {
			return fmt.Errorf("duplicate column %s.%s", spec.Name, c.Name)
		}
		seen[c.Name] = true
		if !c.Type.IsLink() {
			continue
		}
		if c.Target == spec.Name {
			continue
		}
		if _, err := tx.st.lookup(c.Target); err != nil {
			return fmt.Errorf("link column %s.%s: %w", spec.Name, c.Name, err)
		}
	}
	for _, pk := range spec.PrimaryKey {
		if !seen[pk] {
			return fmt.Errorf("primary key %s.%s: %w", spec.Name, pk, ErrColumnNotFound)
		}
	}

	idx := len(tx.st.tables)
	t := newTable(idx, spec)
	t.version = tx.st.version
	tx.st.tables = append(tx.st.tables, t)
	tx.st.byName[spec.Name] = idx
	tx.mutable[idx] = true
	tx.log.schemaChanged = true
	tx.dirty = true
	return nil
}

// DropTable removes a table. Its index is never reused.
func (tx *WriteTx) DropTable(name string) error {
	if err := tx.check(); err != nil {
		return err
	}
	t, err := tx.st.lookup(name)
	if err != nil {
		return err
	}
	tx.st.tables[t.index] = nil
	delete(tx.st.byName, name)
	tx.log.schemaChanged = true
	tx.dirty = true
	return nil
}

// Insert adds a row under a fresh key. Columns missing from values are nil.
func (tx *WriteTx) Insert(tableName string, values map[string]any) (RowKey, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	t, err := tx.writable(tableName)
	if err != nil {
		return 0, err
	}
	key := t.nextKey
	if err := tx.put(t, key, values, true); err != nil {
		return 0, err
	}
	return key, nil
}

// Put inserts or replaces the row with the given key. Replacing overwrites
// only the columns present in values.
func (tx *WriteTx) Put(tableName string, key RowKey, values map[string]any) error {
	if err := tx.check(); err != nil {
		return err
	}
	t, err := tx.writable(tableName)
	if err != nil {
		return err
	}
	_, exists := t.rows[key]
	return tx.put(t, key, values, !exists)
}

func (tx *WriteTx) put(t *table, key RowKey, values map[string]any, fresh bool) error {
	var row []any
	if fresh {
		row = make([]any, len(t.columns))
		for i, c := range t.columns {
			if c.Type == TypeLinkList {
				row[i] = []RowKey{}
			}
		}
	} else {
		row = append([]any(nil), t.rows[key]...)
	}
	for name, v := range values {
		i, err := t.column(name)
		if err != nil {
			return err
		}
		nv, err := tx.normalize(t, t.columns[i], v)
		if err != nil {
			return err
		}
		row[i] = nv
	}

	t.rows[key] = row
	changes := tx.log.table(t.index)
	if fresh {
		t.order = append(t.order, key)
		changes.insert(key)
	} else {
		changes.modify(key)
	}
	if key >= t.nextKey {
		t.nextKey = key + 1
	}
	return nil
}

// Set updates a single column of an existing row.
func (tx *WriteTx) Set(tableName string, key RowKey, column string, v any) error {
	if err := tx.check(); err != nil {
		return err
	}
	t, err := tx.writable(tableName)
	if err != nil {
		return err
	}
	if _, ok := t.rows[key]; !ok {
		return fmt.Errorf("%w: %s[%d]", ErrRowNotFound, tableName, key)
	}
	return tx.put(t, key, map[string]any{column: v}, false)
}

// Delete removes a row. Links pointing at it are nulled, and list links drop
// it; the rows holding those links count as modified.
func (tx *WriteTx) Delete(tableName string, key RowKey) error {
	if err := tx.check(); err != nil {
		return err
	}
	t, err := tx.writable(tableName)
	if err != nil {
		return err
	}
	if _, ok := t.rows[key]; !ok {
		return fmt.Errorf("%w: %s[%d]", ErrRowNotFound, tableName, key)
	}
	delete(t.rows, key)
	t.removeFromOrder(key)
	tx.log.table(t.index).delete(key)
	tx.nullifyLinks(tableName, key)
	return nil
}

func (tx *WriteTx) nullifyLinks(target string, key RowKey) {
	for i, src := range tx.st.tables {
		if src == nil {
			continue
		}
		for ci, c := range src.columns {
			if !c.Type.IsLink() || c.Target != target {
				continue
			}
			var touched []RowKey
			for k, row := range src.rows {
				switch v := row[ci].(type) {
				case RowKey:
					if v == key {
						touched = append(touched, k)
					}
				case []RowKey:
					for _, lk := range v {
						if lk == key {
							touched = append(touched, k)
							break
						}
					}
				}
			}
			if len(touched) == 0 {
				continue
			}
			w := tx.writableAt(i)
			for _, k := range touched {
				row := append([]any(nil), w.rows[k]...)
				if c.Type == TypeLink {
					row[ci] = nil
				} else {
					old := row[ci].([]RowKey)
					kept := make([]RowKey, 0, len(old))
					for _, lk := range old {
						if lk != key {
							kept = append(kept, lk)
						}
					}
					row[ci] = kept
				}
				w.rows[k] = row
				tx.log.table(i).modify(k)
			}
			src = w
		}
	}
}

// normalize converts v to the canonical Go type for column c: int64,
// string, float64, bool, RowKey or []RowKey.
func (tx *WriteTx) normalize(t *table, c ColumnSpec, v any) (any, error) {
	if v == nil {
		if c.Type == TypeLinkList {
			return []RowKey{}, nil
		}
		return nil, nil
	}
	mismatch := func() error {
		return fmt.Errorf("%w: %s.%s is %s, got %T", ErrTypeMismatch, t.name, c.Name, c.Type, v)
	}
	switch c.Type {
	case TypeInt:
		n, ok := toInt64(v)
		if !ok {
			return nil, mismatch()
		}
		return n, nil
	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case json.Number:
			f, err := x.Float64()
			if err != nil {
				return nil, mismatch()
			}
			return f, nil
		}
		if n, ok := toInt64(v); ok {
			return float64(n), nil
		}
		return nil, mismatch()
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch()
		}
		return s, nil
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, mismatch()
		}
		return b, nil
	case TypeLink:
		k, ok := toRowKey(v)
		if !ok {
			return nil, mismatch()
		}
		if err := tx.checkLink(c, k); err != nil {
			return nil, err
		}
		return k, nil
	case TypeLinkList:
		var keys []RowKey
		switch x := v.(type) {
		case []RowKey:
			keys = append([]RowKey(nil), x...)
		case []int64:
			for _, n := range x {
				keys = append(keys, RowKey(n))
			}
		case []any:
			for _, e := range x {
				k, ok := toRowKey(e)
				if !ok {
					return nil, mismatch()
				}
				keys = append(keys, k)
			}
		default:
			return nil, mismatch()
		}
		for _, k := range keys {
			if err := tx.checkLink(c, k); err != nil {
				return nil, err
			}
		}
		if keys == nil {
			keys = []RowKey{}
		}
		return keys, nil
	}
	return nil, mismatch()
}

func (tx *WriteTx) checkLink(c ColumnSpec, k RowKey) error {
	target, err := tx.st.lookup(c.Target)
	if err != nil {
		return err
	}
	if _, ok := target.rows[k]; !ok {
		return fmt.Errorf("link %s -> %s[%d]: %w", c.Name, c.Target, k, ErrRowNotFound)
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int64(x), true
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	}
	return 0, false
}

func toRowKey(v any) (RowKey, bool) {
	if k, ok := v.(RowKey); ok {
		return k, true
	}
	n, ok := toInt64(v)
	return RowKey(n), ok
}

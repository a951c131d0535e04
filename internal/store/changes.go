package store

// TableChanges is the net effect of one or more commits on one table.
//
// A key present in both Deleted and Inserted was deleted and later put back
// with the same key.
type TableChanges struct {
	Inserted map[RowKey]struct{}
	Deleted  map[RowKey]struct{}
	Modified map[RowKey]struct{}
}

func newTableChanges() *TableChanges {
	return &TableChanges{
		Inserted: make(map[RowKey]struct{}),
		Deleted:  make(map[RowKey]struct{}),
		Modified: make(map[RowKey]struct{}),
	}
}

func (c *TableChanges) insert(k RowKey) { c.Inserted[k] = struct{}{} }

func (c *TableChanges) delete(k RowKey) {
	delete(c.Modified, k)
	if _, ok := c.Inserted[k]; ok {
		delete(c.Inserted, k)
		return
	}
	c.Deleted[k] = struct{}{}
}

func (c *TableChanges) modify(k RowKey) {
	if _, ok := c.Inserted[k]; ok {
		return
	}
	c.Modified[k] = struct{}{}
}

// merge folds a later change set into c.
func (c *TableChanges) merge(next *TableChanges) {
	for k := range next.Deleted {
		c.delete(k)
	}
	for k := range next.Inserted {
		c.insert(k)
	}
	for k := range next.Modified {
		c.modify(k)
	}
}

// Empty reports whether no row was touched.
func (c *TableChanges) Empty() bool {
	return c == nil || len(c.Inserted)+len(c.Deleted)+len(c.Modified) == 0
}

// touched reports whether the row with key k was changed in place, or
// replaced under the same key.
func (c *TableChanges) touched(k RowKey) bool {
	if c == nil {
		return false
	}
	if _, ok := c.Modified[k]; ok {
		return true
	}
	_, ins := c.Inserted[k]
	_, del := c.Deleted[k]
	return ins && del
}

// commitLog records what one commit changed.
type commitLog struct {
	tables        map[int]*TableChanges
	schemaChanged bool
}

func newCommitLog() *commitLog {
	return &commitLog{tables: make(map[int]*TableChanges)}
}

func (l *commitLog) table(i int) *TableChanges {
	c, ok := l.tables[i]
	if !ok {
		c = newTableChanges()
		l.tables[i] = c
	}
	return c
}

// TransactionChangeInfo collects per-table change information across the
// versions a Handle advances over. Callers mark the tables they care about in
// TablesNeeded before advancing; only those tables are tracked.
type TransactionChangeInfo struct {
	TablesNeeded []bool
	Tables       map[int]*TableChanges

	// SchemaChanged is set when a table was created or dropped.
	SchemaChanged bool
	// Incomplete is set when the history needed to fill Tables was pruned.
	// RowDidChange then treats every row of a needed table as changed.
	Incomplete bool
}

// Need marks table index i as tracked.
func (info *TransactionChangeInfo) Need(i int) {
	if i >= len(info.TablesNeeded) {
		grown := make([]bool, i+1)
		copy(grown, info.TablesNeeded)
		info.TablesNeeded = grown
	}
	info.TablesNeeded[i] = true
}

func (info *TransactionChangeInfo) needed(i int) bool {
	return i < len(info.TablesNeeded) && info.TablesNeeded[i]
}

func (info *TransactionChangeInfo) add(l *commitLog) {
	if l.schemaChanged {
		info.SchemaChanged = true
	}
	for i, c := range l.tables {
		if !info.needed(i) {
			continue
		}
		if info.Tables == nil {
			info.Tables = make(map[int]*TableChanges)
		}
		acc, ok := info.Tables[i]
		if !ok {
			acc = newTableChanges()
			info.Tables[i] = acc
		}
		acc.merge(c)
	}
}

// RowDidChange reports whether the row identified by (table, key) in snap was
// modified, either directly or through any row reachable over its link
// columns. Cycles in the link graph are visited once.
func (info *TransactionChangeInfo) RowDidChange(snap *Snapshot, table int, key RowKey) bool {
	if info == nil {
		return false
	}
	type node struct {
		table int
		key   RowKey
	}
	visited := make(map[node]bool)
	var check func(table int, key RowKey) bool
	check = func(table int, key RowKey) bool {
		n := node{table, key}
		if visited[n] {
			return false
		}
		visited[n] = true

		if info.Incomplete && info.needed(table) {
			return true
		}
		if info.Tables[table].touched(key) {
			return true
		}
		t, ok := snap.TableByIndex(table)
		if !ok {
			return false
		}
		row, ok := t.Row(key)
		if !ok {
			return false
		}
		for i := 0; i < t.ColumnCount(); i++ {
			if !t.ColumnType(i).IsLink() {
				continue
			}
			target, ok := t.LinkTarget(i)
			if !ok {
				continue
			}
			switch v := row.Value(i).(type) {
			case RowKey:
				if check(target.Index(), v) {
					return true
				}
			case []RowKey:
				for _, k := range v {
					if check(target.Index(), k) {
						return true
					}
				}
			}
		}
		return false
	}
	return check(table, key)
}

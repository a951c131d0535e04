package notifier

import (
	"fmt"

	"github.com/zoravur/livequery/internal/store"
)

// RelevantTables returns the index of root and of every table reachable from
// it over link and link-list columns. Each table is visited once, so cyclic
// schemas terminate; depth is not bounded.
func RelevantTables(snap *store.Snapshot, root string) ([]int, error) {
	t, ok := snap.Table(root)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrTableNotFound, root)
	}
	var out []int
	seen := make(map[int]bool)
	var visit func(t *store.Table)
	visit = func(t *store.Table) {
		if seen[t.Index()] {
			return
		}
		seen[t.Index()] = true
		out = append(out, t.Index())
		for i := 0; i < t.ColumnCount(); i++ {
			if !t.ColumnType(i).IsLink() {
				continue
			}
			if target, ok := t.LinkTarget(i); ok {
				visit(target)
			}
		}
	}
	visit(t)
	return out, nil
}

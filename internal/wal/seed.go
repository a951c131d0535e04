package wal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/store"
	"github.com/zoravur/livequery/pkg/pgcatalog"
)

// Seed copies the current contents of every catalog table into the store as
// one transaction. Run it after the replication slot exists, so no commit
// falls between the copy and the stream.
func (c *Consumer) Seed(ctx context.Context, db *sql.DB, cat *pgcatalog.Catalog) (store.Version, error) {
	type tableRows struct {
		name string
		cols []string
		rows [][]any
	}
	var all []tableRows
	total := 0
	for _, t := range cat.Tables {
		cols := make([]string, len(t.Columns))
		exprs := make([]string, len(t.Columns))
		for i, col := range t.Columns {
			cols[i] = col.Name
			exprs[i] = pq.QuoteIdentifier(col.Name) + "::text"
		}
		q := "SELECT " + strings.Join(exprs, ", ") + " FROM " +
			pq.QuoteIdentifier(t.Schema) + "." + pq.QuoteIdentifier(t.Name)

		rows, err := db.QueryContext(ctx, q)
		if err != nil {
			return 0, fmt.Errorf("seed %s: %w", t.Qualified(), err)
		}
		tr := tableRows{name: pgcatalog.StoreName(t.Schema, t.Name), cols: cols}
		for rows.Next() {
			vals := make([]sql.NullString, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				return 0, fmt.Errorf("seed %s: scan: %w", t.Qualified(), err)
			}
			row := make([]any, len(cols))
			for i, v := range vals {
				if v.Valid {
					row[i] = v.String
				}
			}
			tr.rows = append(tr.rows, row)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("seed %s: %w", t.Qualified(), err)
		}
		total += len(tr.rows)
		all = append(all, tr)
	}

	v, err := c.db.Write(func(tx *store.WriteTx) error {
		a := newApplier(tx, c.log)
		snap := tx.Snapshot()
		for _, tr := range all {
			t, ok := snap.Table(tr.name)
			if !ok {
				continue
			}
			spec := t.Spec()
			for _, r := range tr.rows {
				row := zip(tr.cols, r)
				if err := a.put(t, keyOf(spec, row), row); err != nil {
					return fmt.Errorf("seed %s: %w", tr.name, err)
				}
			}
		}
		return a.linkPass()
	})
	if err != nil {
		return v, err
	}
	c.log.Info("seeded", zap.Int("tables", len(all)), zap.Int("rows", total), zap.Uint64("version", uint64(v)))
	return v, nil
}

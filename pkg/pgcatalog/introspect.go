package pgcatalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

const columnsQuery = `
SELECT n.nspname, c.relname, a.attnum, a.attname,
       pg_catalog.format_type(a.atttypid, a.atttypmod), a.attnotnull
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
JOIN pg_catalog.pg_attribute a ON a.attrelid = c.oid AND a.attnum > 0 AND NOT a.attisdropped
WHERE c.relkind IN ('r', 'p') AND n.nspname = ANY($1)
ORDER BY 1, 2, 3`

const constraintsQuery = `
SELECT n.nspname, c.relname, con.contype::text, con.conname,
       ARRAY(SELECT a.attname::text
               FROM unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord)
               JOIN pg_catalog.pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
              ORDER BY k.ord),
       COALESCE(rn.nspname::text, ''), COALESCE(rc.relname::text, ''),
       ARRAY(SELECT a.attname::text
               FROM unnest(con.confkey) WITH ORDINALITY AS k(attnum, ord)
               JOIN pg_catalog.pg_attribute a ON a.attrelid = con.confrelid AND a.attnum = k.attnum
              ORDER BY k.ord)
FROM pg_catalog.pg_constraint con
JOIN pg_catalog.pg_class c ON c.oid = con.conrelid
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
LEFT JOIN pg_catalog.pg_class rc ON rc.oid = con.confrelid
LEFT JOIN pg_catalog.pg_namespace rn ON rn.oid = rc.relnamespace
WHERE con.contype IN ('p', 'f') AND n.nspname = ANY($1)
ORDER BY 1, 2, 4`

// Introspect loads the tables of the given schemas from a live database.
func Introspect(ctx context.Context, db *sql.DB, schemas []string) (*Catalog, error) {
	if len(schemas) == 0 {
		schemas = []string{"public"}
	}
	tables := make(map[string]*Table)
	var order []string
	get := func(schema, name string) *Table {
		key := schema + "." + name
		t, ok := tables[key]
		if !ok {
			t = &Table{Schema: schema, Name: name}
			tables[key] = t
			order = append(order, key)
		}
		return t
	}

	rows, err := db.QueryContext(ctx, columnsQuery, pq.Array(schemas))
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	for rows.Next() {
		var schema, name string
		var col Column
		if err := rows.Scan(&schema, &name, &col.Ordinal, &col.Name, &col.Type, &col.NotNull); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan column: %w", err)
		}
		t := get(schema, name)
		t.Columns = append(t.Columns, col)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("column iteration: %w", err)
	}

	rows, err = db.QueryContext(ctx, constraintsQuery, pq.Array(schemas))
	if err != nil {
		return nil, fmt.Errorf("query constraints: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var schema, name, kind, conname, refSchema, refTable string
		var cols, refCols pq.StringArray
		if err := rows.Scan(&schema, &name, &kind, &conname, &cols, &refSchema, &refTable, &refCols); err != nil {
			return nil, fmt.Errorf("scan constraint: %w", err)
		}
		t, ok := tables[schema+"."+name]
		if !ok {
			continue
		}
		switch kind {
		case "p":
			t.PrimaryKey = []string(cols)
		case "f":
			t.ForeignKeys = append(t.ForeignKeys, ForeignKey{
				Name:       conname,
				Columns:    []string(cols),
				RefSchema:  refSchema,
				RefTable:   refTable,
				RefColumns: []string(refCols),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("constraint iteration: %w", err)
	}

	list := make([]Table, 0, len(order))
	for _, k := range order {
		list = append(list, *tables[k])
	}
	return New(list), nil
}

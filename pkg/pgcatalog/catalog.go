// Package pgcatalog introspects a PostgreSQL schema and translates it into
// store table specs. Single-column foreign keys onto a single-column primary
// key become link columns, so a live query on the referencing table also
// follows changes to the referenced rows.
package pgcatalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/zoravur/livequery/internal/store"
)

var ErrUnknownTable = errors.New("pgcatalog: unknown table")

type Column struct {
	Name    string `json:"name"`
	Ordinal int    `json:"ordinal"`
	// Type is the formatted Postgres type, e.g. "integer" or "character varying(40)".
	Type    string `json:"type"`
	NotNull bool   `json:"notNull"`
}

type ForeignKey struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	RefSchema  string   `json:"refSchema"`
	RefTable   string   `json:"refTable"`
	RefColumns []string `json:"refColumns"`
}

type Table struct {
	Schema      string       `json:"schema"`
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	PrimaryKey  []string     `json:"primaryKey,omitempty"`
	ForeignKeys []ForeignKey `json:"foreignKeys,omitempty"`
}

// Qualified returns "schema.table".
func (t *Table) Qualified() string { return t.Schema + "." + t.Name }

// Catalog is an immutable description of a set of Postgres tables.
type Catalog struct {
	Tables      []Table   `json:"tables"`
	Checksum    string    `json:"checksum"`
	GeneratedAt time.Time `json:"generatedAt"`

	byName map[string]*Table
}

// New builds a catalog from tables, sorting them and their columns into a
// stable order.
func New(tables []Table) *Catalog {
	c := &Catalog{Tables: append([]Table(nil), tables...), GeneratedAt: time.Now().UTC()}
	c.index()
	return c
}

func (c *Catalog) index() {
	sort.Slice(c.Tables, func(i, j int) bool {
		if c.Tables[i].Schema == c.Tables[j].Schema {
			return c.Tables[i].Name < c.Tables[j].Name
		}
		return c.Tables[i].Schema < c.Tables[j].Schema
	})
	c.byName = make(map[string]*Table, len(c.Tables))
	for i := range c.Tables {
		t := &c.Tables[i]
		sort.SliceStable(t.Columns, func(a, b int) bool { return t.Columns[a].Ordinal < t.Columns[b].Ordinal })
		c.byName[t.Qualified()] = t
	}
	b, _ := json.Marshal(c.Tables)
	sum := sha256.Sum256(b)
	c.Checksum = hex.EncodeToString(sum[:])
}

// StoreName is the store table name for a Postgres table: bare for the
// public schema, schema-qualified otherwise.
func StoreName(schema, table string) string {
	if schema == "" || schema == "public" {
		return table
	}
	return schema + "." + table
}

func qual(s string) string {
	if strings.Contains(s, ".") {
		return s
	}
	return "public." + s
}

// Lookup finds a table by qualified or public-schema name.
func (c *Catalog) Lookup(name string) (*Table, bool) {
	t, ok := c.byName[qual(name)]
	return t, ok
}

// Resolve is Lookup for a store table name, failing with ErrUnknownTable.
func (c *Catalog) Resolve(storeName string) (*Table, error) {
	t, ok := c.Lookup(storeName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, storeName)
	}
	return t, nil
}

func (c *Catalog) Columns(qualified string) ([]string, bool) {
	t, ok := c.Lookup(qualified)
	if !ok {
		return nil, false
	}
	cols := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		cols[i] = col.Name
	}
	return cols, true
}

func (c *Catalog) PrimaryKeys(qualified string) ([]string, bool) {
	t, ok := c.Lookup(qualified)
	if !ok {
		return nil, false
	}
	return append([]string(nil), t.PrimaryKey...), true
}

// Size returns the number of tables.
func (c *Catalog) Size() int { return len(c.Tables) }

// ColumnTypeFor maps a formatted Postgres type onto a store column type.
// Anything without a natural numeric or boolean representation is kept as
// its text form.
func ColumnTypeFor(pgType string) store.ColumnType {
	t := strings.ToLower(pgType)
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	switch strings.TrimSpace(t) {
	case "smallint", "integer", "bigint", "int2", "int4", "int8", "smallserial", "serial", "bigserial":
		return store.TypeInt
	case "real", "double precision", "float4", "float8", "numeric", "decimal", "money":
		return store.TypeFloat
	case "boolean", "bool":
		return store.TypeBool
	default:
		return store.TypeString
	}
}

// linkTarget returns the referenced table if fk can be represented as a link
// column: one column, referencing the whole single-column primary key of a
// table in this catalog.
func (c *Catalog) linkTarget(fk ForeignKey) (*Table, bool) {
	if len(fk.Columns) != 1 || len(fk.RefColumns) != 1 {
		return nil, false
	}
	ref, ok := c.byName[fk.RefSchema+"."+fk.RefTable]
	if !ok || len(ref.PrimaryKey) != 1 || ref.PrimaryKey[0] != fk.RefColumns[0] {
		return nil, false
	}
	return ref, true
}

// Specs translates the catalog into store table specs, ordered so that every
// link target precedes the tables linking to it. A foreign key that would
// close a reference cycle stays a plain column.
func (c *Catalog) Specs() []store.TableSpec {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.Tables))
	demoted := make(map[string]bool) // "schema.table.column"
	var order []*Table

	var visit func(t *Table)
	visit = func(t *Table) {
		state[t.Qualified()] = visiting
		for _, fk := range t.ForeignKeys {
			ref, ok := c.linkTarget(fk)
			if !ok || ref == t {
				continue
			}
			switch state[ref.Qualified()] {
			case visiting:
				demoted[t.Qualified()+"."+fk.Columns[0]] = true
			case unvisited:
				visit(ref)
			}
		}
		state[t.Qualified()] = done
		order = append(order, t)
	}
	for i := range c.Tables {
		if state[c.Tables[i].Qualified()] == unvisited {
			visit(&c.Tables[i])
		}
	}

	specs := make([]store.TableSpec, 0, len(order))
	for _, t := range order {
		links := make(map[string]*Table)
		for _, fk := range t.ForeignKeys {
			if ref, ok := c.linkTarget(fk); ok && !demoted[t.Qualified()+"."+fk.Columns[0]] {
				links[fk.Columns[0]] = ref
			}
		}
		spec := store.TableSpec{
			Name:       StoreName(t.Schema, t.Name),
			PrimaryKey: append([]string(nil), t.PrimaryKey...),
		}
		for _, col := range t.Columns {
			cs := store.ColumnSpec{Name: col.Name, Type: ColumnTypeFor(col.Type)}
			if ref, ok := links[col.Name]; ok {
				cs.Type = store.TypeLink
				cs.Target = StoreName(ref.Schema, ref.Name)
			}
			spec.Columns = append(spec.Columns, cs)
		}
		specs = append(specs, spec)
	}
	return specs
}

// Install creates every table of the catalog in db as one transaction.
func (c *Catalog) Install(db *store.DB) (store.Version, error) {
	specs := c.Specs()
	return db.Write(func(tx *store.WriteTx) error {
		for _, spec := range specs {
			if err := tx.CreateTable(spec); err != nil {
				return fmt.Errorf("install %s: %w", spec.Name, err)
			}
		}
		return nil
	})
}

// ExportJSON writes the catalog to path atomically.
func (c *Catalog) ExportJSON(path string) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	if err := atomic.WriteFile(path, strings.NewReader(string(b)+"\n")); err != nil {
		return fmt.Errorf("write catalog %s: %w", path, err)
	}
	return nil
}

// LoadJSON reads a catalog written by ExportJSON. Comments and trailing
// commas are allowed, so the file can be edited by hand.
func LoadJSON(path string) (*Catalog, error) {
	b, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		return nil, fmt.Errorf("read catalog json: %w", err)
	}
	std, err := hujson.Standardize(b)
	if err != nil {
		return nil, fmt.Errorf("parse catalog json %s: %w", path, err)
	}
	var c Catalog
	if err := json.Unmarshal(std, &c); err != nil {
		return nil, fmt.Errorf("unmarshal catalog json: %w", err)
	}
	generated := c.GeneratedAt
	c.index()
	c.GeneratedAt = generated
	return &c, nil
}

// Package wal mirrors a PostgreSQL database into a store.DB from a wal2json
// change stream. Each replication message is applied as one write
// transaction, so every Postgres commit becomes exactly one store version.
package wal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/metrics"
	"github.com/zoravur/livequery/internal/store"
	"github.com/zoravur/livequery/pkg/pgcatalog"
)

type Keys struct {
	KeyNames  []string `json:"keynames"`
	KeyTypes  []string `json:"keytypes"`
	KeyValues []any    `json:"keyvalues"`
}

type Change struct {
	Kind         string   `json:"kind"`
	Schema       string   `json:"schema"`
	Table        string   `json:"table"`
	ColumnNames  []string `json:"columnnames"`
	ColumnTypes  []string `json:"columntypes"`
	ColumnValues []any    `json:"columnvalues"`
	OldKeys      Keys     `json:"oldkeys"`
}

type Envelope struct {
	XID    uint64   `json:"xid"`
	Change []Change `json:"change"`
}

type Consumer struct {
	db      *store.DB
	log     *zap.Logger
	backoff time.Duration
}

type Option func(*Consumer)

func WithLogger(l *zap.Logger) Option { return func(c *Consumer) { c.log = l } }

// WithReconnectDelay sets the pause between connection attempts in Listen.
func WithReconnectDelay(d time.Duration) Option { return func(c *Consumer) { c.backoff = d } }

func NewConsumer(db *store.DB, opts ...Option) *Consumer {
	c := &Consumer{db: db, log: zap.L(), backoff: 5 * time.Second}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("wal")
	return c
}

// Decode parses one wal2json message. Numbers are kept as json.Number so
// bigint keys survive intact.
func Decode(line []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("decode wal message: %w", err)
	}
	return env, nil
}

// OnMessage decodes and applies one message, returning the resulting version.
func (c *Consumer) OnMessage(line []byte) (store.Version, error) {
	env, err := Decode(line)
	if err != nil {
		metrics.CounterWALErrors.Inc()
		c.log.Warn("decode failed", zap.Int("bytes", len(line)), zap.Error(err))
		return 0, err
	}
	return c.Apply(env)
}

// Apply writes every change of env in one transaction. Changes to tables the
// store does not mirror are skipped.
func (c *Consumer) Apply(env Envelope) (store.Version, error) {
	if len(env.Change) == 0 {
		return c.db.Latest(), nil
	}
	v, err := c.db.Write(func(tx *store.WriteTx) error {
		a := newApplier(tx, c.log)
		for i, ch := range env.Change {
			if err := a.change(ch); err != nil {
				return fmt.Errorf("change %d (%s %s.%s): %w", i, ch.Kind, ch.Schema, ch.Table, err)
			}
		}
		return a.linkPass()
	})
	if err != nil {
		metrics.CounterWALErrors.Inc()
		c.log.Warn("apply failed", zap.Uint64("xid", env.XID), zap.Error(err))
		return v, err
	}
	c.log.Debug("applied",
		zap.Uint64("xid", env.XID),
		zap.Int("changes", len(env.Change)),
		zap.Uint64("version", uint64(v)),
	)
	return v, nil
}

// Listen reads newline-delimited messages from the walstream sidecar at addr
// until ctx is done, reconnecting after failures. Messages that fail to apply
// are logged and skipped.
func (c *Consumer) Listen(ctx context.Context, addr string) error {
	for {
		err := c.listenOnce(ctx, addr)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("wal stream disconnected", zap.String("addr", addr), zap.Error(err), zap.Duration("retry_in", c.backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.backoff):
		}
	}
}

func (c *Consumer) listenOnce(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.log.Info("connected to wal stream", zap.String("addr", addr))
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		_, _ = c.OnMessage(line)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return errors.New("stream closed")
}

// applier applies changes in two passes: rows are written without their
// link columns first, then links are set once every row of the transaction
// exists.
type applier struct {
	tx    *store.WriteTx
	log   *zap.Logger
	links []pendingLinks
}

type pendingLinks struct {
	table  string
	key    store.RowKey
	values map[string]any
}

func newApplier(tx *store.WriteTx, log *zap.Logger) *applier {
	return &applier{tx: tx, log: log}
}

func (a *applier) change(ch Change) error {
	name := pgcatalog.StoreName(ch.Schema, ch.Table)
	t, ok := a.tx.Snapshot().Table(name)
	if !ok {
		metrics.CounterWALMessages.WithLabelValues("skipped").Inc()
		return nil
	}
	spec := t.Spec()

	switch ch.Kind {
	case "insert", "update":
		row := zip(ch.ColumnNames, ch.ColumnValues)
		key := keyOf(spec, row)
		if ch.Kind == "update" && len(ch.OldKeys.KeyNames) > 0 {
			old := keyOf(spec, zip(ch.OldKeys.KeyNames, ch.OldKeys.KeyValues))
			if old != key {
				if err := a.tx.Delete(name, old); err != nil && !errors.Is(err, store.ErrRowNotFound) {
					return err
				}
			}
		}
		if err := a.put(t, key, row); err != nil {
			return err
		}
	case "delete":
		key := keyOf(spec, zip(ch.OldKeys.KeyNames, ch.OldKeys.KeyValues))
		if err := a.tx.Delete(name, key); err != nil && !errors.Is(err, store.ErrRowNotFound) {
			return err
		}
	default:
		metrics.CounterWALMessages.WithLabelValues("skipped").Inc()
		return nil
	}
	metrics.CounterWALMessages.WithLabelValues(ch.Kind).Inc()
	return nil
}

func (a *applier) put(t *store.Table, key store.RowKey, row map[string]any) error {
	vals := make(map[string]any, len(row))
	links := make(map[string]any)
	for col, v := range row {
		i, ok := t.ColumnIndex(col)
		if !ok {
			continue
		}
		typ := t.ColumnType(i)
		if typ.IsLink() {
			links[col] = v
			continue
		}
		cv, err := coerce(typ, v)
		if err != nil {
			return fmt.Errorf("%s: %w", col, err)
		}
		vals[col] = cv
	}
	if err := a.tx.Put(t.Name(), key, vals); err != nil {
		return err
	}
	if len(links) > 0 {
		a.links = append(a.links, pendingLinks{table: t.Name(), key: key, values: links})
	}
	return nil
}

// linkPass resolves foreign key values to row keys. References to rows the
// mirror has never seen are stored as nil.
func (a *applier) linkPass() error {
	snap := a.tx.Snapshot()
	for _, p := range a.links {
		t, ok := snap.Table(p.table)
		if !ok || !t.Contains(p.key) {
			continue
		}
		for col, v := range p.values {
			var target store.RowKey
			var val any
			if v != nil {
				i, _ := t.ColumnIndex(col)
				ref, _ := t.LinkTarget(i)
				target = RowKeyFor([]any{v})
				if ref != nil && ref.Contains(target) {
					val = target
				} else {
					a.log.Debug("dangling reference", zap.String("table", p.table), zap.String("column", col), zap.Int64("target", int64(target)))
				}
			}
			if err := a.tx.Set(p.table, p.key, col, val); err != nil {
				return err
			}
		}
	}
	return nil
}

// keyOf computes the row key from the primary key columns, or from every
// column for tables without one.
func keyOf(spec store.TableSpec, row map[string]any) store.RowKey {
	cols := spec.PrimaryKey
	if len(cols) == 0 {
		for _, c := range spec.Columns {
			cols = append(cols, c.Name)
		}
	}
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = row[c]
	}
	return RowKeyFor(vals)
}

func zip(names []string, values []any) map[string]any {
	m := make(map[string]any, len(names))
	for i, n := range names {
		if i < len(values) {
			m[n] = values[i]
		} else {
			m[n] = nil
		}
	}
	return m
}

package store

import (
	"fmt"
	"sync/atomic"
)

// Handover carries a value computed against one Handle to another Handle,
// typically owned by a different goroutine. A Handover can be imported once;
// any import attempt, successful or not, consumes it.
type Handover[T any] struct {
	version  Version
	value    T
	exact    bool
	bind     func(*Snapshot, T) (T, error)
	consumed atomic.Bool
}

// ExportQuery packages a query. A query can be imported into any handle at or
// after the exporting version whose snapshot still has the query's table.
func ExportQuery(h *Handle, q Query) *Handover[Query] {
	q.Columns = append([]string(nil), q.Columns...)
	q.Sort = append(SortOrder(nil), q.Sort...)
	return &Handover[Query]{
		version: h.Version(),
		value:   q,
		bind: func(snap *Snapshot, q Query) (Query, error) {
			if _, ok := snap.Table(q.Table); !ok {
				return Query{}, fmt.Errorf("%w: %s", ErrTableNotFound, q.Table)
			}
			return q, nil
		},
	}
}

// ExportView packages a query result. A view only makes sense at the exact
// version it was computed for, so it can only be imported into a handle at
// that version.
func ExportView(h *Handle, tv *TableView) *Handover[*TableView] {
	cp := *tv
	cp.Keys = append([]RowKey(nil), tv.Keys...)
	return &Handover[*TableView]{
		version: h.Version(),
		value:   &cp,
		exact:   true,
		bind: func(snap *Snapshot, tv *TableView) (*TableView, error) {
			if _, ok := snap.TableByIndex(tv.TableIndex); !ok {
				return nil, fmt.Errorf("%w: %s", ErrTableNotFound, tv.Table)
			}
			tv.Version = snap.Version()
			return tv, nil
		},
	}
}

// Version is the version the package is stamped with.
func (p *Handover[T]) Version() Version { return p.version }

// Consumed reports whether Import has been called.
func (p *Handover[T]) Consumed() bool { return p.consumed.Load() }

// Restamp moves an unconsumed package to version v. It is used when the
// exporter knows the value is unchanged at v.
func (p *Handover[T]) Restamp(v Version) error {
	if p.consumed.Load() {
		return ErrHandoverConsumed
	}
	p.version = v
	return nil
}

// Import binds the packaged value to h.
func (p *Handover[T]) Import(h *Handle) (T, error) {
	var zero T
	if !p.consumed.CompareAndSwap(false, true) {
		return zero, ErrHandoverConsumed
	}
	if h.Closed() {
		return zero, ErrHandleClosed
	}
	hv := h.Version()
	if hv < p.version || (p.exact && hv != p.version) {
		return zero, fmt.Errorf("%w: package at %d, handle at %d", ErrVersionUnavailable, p.version, hv)
	}
	v, err := p.bind(h.Snapshot(), p.value)
	if err != nil {
		return zero, err
	}
	p.value = zero
	return v, nil
}

package store

import "fmt"

// Handle is a snapshot session: it pins one committed version until it is
// explicitly advanced. A Handle belongs to one goroutine; it is the unit of
// thread confinement for everything imported into it.
type Handle struct {
	db     *DB
	st     *state
	closed bool
}

func (h *Handle) DB() *DB { return h.db }

// Version is the version of the handle's current transaction.
func (h *Handle) Version() Version { return h.st.version }

func (h *Handle) Snapshot() *Snapshot { return &Snapshot{st: h.st} }

func (h *Handle) Closed() bool { return h.closed }

// AdvanceTo moves the handle forward to version v. If info is non-nil it
// receives the changes of every commit in between for the tables it marks
// as needed. Moving backward is not possible.
func (h *Handle) AdvanceTo(v Version, info *TransactionChangeInfo) error {
	if h.closed {
		return ErrHandleClosed
	}
	if v < h.st.version {
		return fmt.Errorf("%w: handle at %d cannot move back to %d", ErrVersionUnavailable, h.st.version, v)
	}
	if v == h.st.version {
		return nil
	}
	st, err := h.db.stateAt(h.st.version, v, info)
	if err != nil {
		return err
	}
	h.st = st
	return nil
}

// Refresh advances the handle to the newest committed version.
func (h *Handle) Refresh(info *TransactionChangeInfo) (Version, error) {
	if err := h.AdvanceTo(h.db.Latest(), info); err != nil {
		return h.st.version, err
	}
	return h.st.version, nil
}

// Write commits fn and then advances the handle past its own commit.
func (h *Handle) Write(fn func(tx *WriteTx) error) (Version, error) {
	if h.closed {
		return h.st.version, ErrHandleClosed
	}
	if _, err := h.db.Write(fn); err != nil {
		return h.st.version, err
	}
	return h.Refresh(nil)
}

// Close releases the pinned version.
func (h *Handle) Close() {
	h.closed = true
}

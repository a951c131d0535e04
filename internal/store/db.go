package store

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultHistoryLimit is the number of committed versions a DB keeps around
// for handles that have not caught up yet.
const DefaultHistoryLimit = 1024

type config struct {
	historyLimit int
	logger       *zap.Logger
}

type Option func(*config)

// WithHistoryLimit bounds how many past versions stay reachable through
// Handle.AdvanceTo.
func WithHistoryLimit(n int) Option { return func(c *config) { c.historyLimit = n } }

func WithLogger(l *zap.Logger) Option { return func(c *config) { c.logger = l } }

// DB is one database "file": a sequence of committed states.
type DB struct {
	mu      sync.RWMutex
	writeMu sync.Mutex // serializes write transactions

	current *state
	history map[Version]*state
	logs    map[Version]*commitLog
	oldest  Version

	subMu sync.Mutex
	subs  map[chan Version]struct{}

	historyLimit int
	log          *zap.Logger
}

// Open creates an empty database at version 1.
func Open(opts ...Option) *DB {
	cfg := &config{historyLimit: DefaultHistoryLimit}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.historyLimit < 1 {
		cfg.historyLimit = 1
	}
	if cfg.logger == nil {
		cfg.logger = zap.L()
	}

	initial := &state{version: 1, byName: make(map[string]int)}
	return &DB{
		current:      initial,
		history:      map[Version]*state{1: initial},
		logs:         make(map[Version]*commitLog),
		oldest:       1,
		subs:         make(map[chan Version]struct{}),
		historyLimit: cfg.historyLimit,
		log:          cfg.logger.Named("store"),
	}
}

// Latest returns the newest committed version.
func (db *DB) Latest() Version {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.current.version
}

// Snapshot returns a view of the newest committed version.
func (db *DB) Snapshot() *Snapshot {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return &Snapshot{st: db.current}
}

// Handle opens a snapshot session pinned at the newest version.
func (db *DB) Handle() *Handle {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return &Handle{db: db, st: db.current}
}

// Subscribe returns a channel that receives the version of every commit. The
// channel is buffered and coalescing: a slow reader sees only some versions,
// and should consult Latest. The returned func cancels the subscription.
func (db *DB) Subscribe() (<-chan Version, func()) {
	ch := make(chan Version, 1)
	db.subMu.Lock()
	db.subs[ch] = struct{}{}
	db.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			db.subMu.Lock()
			delete(db.subs, ch)
			db.subMu.Unlock()
		})
	}
}

func (db *DB) publish(v Version) {
	db.subMu.Lock()
	defer db.subMu.Unlock()
	for ch := range db.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Write runs fn in a write transaction and commits it if fn returns nil. A
// transaction that changes nothing commits no version. The returned version is
// the newest version after the call.
func (db *DB) Write(fn func(tx *WriteTx) error) (Version, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	db.mu.RLock()
	base := db.current
	db.mu.RUnlock()

	tx := &WriteTx{
		st:      base.clone(base.version + 1),
		log:     newCommitLog(),
		mutable: make(map[int]bool),
	}
	if err := fn(tx); err != nil {
		tx.done = true
		return base.version, err
	}
	tx.done = true
	if !tx.dirty {
		return base.version, nil
	}

	v := tx.st.version
	db.mu.Lock()
	db.current = tx.st
	db.history[v] = tx.st
	db.logs[v] = tx.log
	for len(db.history) > db.historyLimit {
		delete(db.history, db.oldest)
		delete(db.logs, db.oldest)
		db.oldest++
	}
	db.mu.Unlock()

	db.log.Debug("commit",
		zap.Uint64("version", uint64(v)),
		zap.Int("tables_changed", len(tx.log.tables)),
		zap.Bool("schema_changed", tx.log.schemaChanged),
	)
	db.publish(v)
	return v, nil
}

// stateAt returns the state for v and fills info with the changes in (from, v].
func (db *DB) stateAt(from, v Version, info *TransactionChangeInfo) (*state, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	st, ok := db.history[v]
	if !ok {
		return nil, fmt.Errorf("%w: %d (oldest %d, latest %d)", ErrVersionUnavailable, v, db.oldest, db.current.version)
	}
	if info == nil {
		return st, nil
	}
	for w := from + 1; w <= v; w++ {
		l, ok := db.logs[w]
		if !ok {
			info.Incomplete = true
			continue
		}
		info.add(l)
	}
	return st, nil
}

// Package store is the SQLite-backed local platform: identity provider,
// data store, change feed and token persistence in one database file. It
// enforces the server-side invariants the sync core relies on.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/chatsync/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection and the bus change notifications are
// published on.
type DB struct {
	*sql.DB
	events              *bus.Bus
	clock               clock.Clock
	requireConfirmation bool
}

// Option configures a DB.
type Option func(*DB)

// WithClock sets the clock used for row timestamps.
func WithClock(c clock.Clock) Option {
	return func(db *DB) { db.clock = c }
}

// WithConfirmation makes SignUp leave new accounts unconfirmed until Confirm.
func WithConfirmation(required bool) Option {
	return func(db *DB) { db.requireConfirmation = required }
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string, opts ...Option) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection serializes writers so read-then-write transactions
	// never fail on lock upgrades.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	db := &DB{
		DB:     sqlDB,
		events: bus.New(),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

func (db *DB) now() time.Time {
	return db.clock.Now()
}

func (db *DB) emitChange(c bus.Change) {
	db.events.Emit(bus.ChangeKind(c.Table), c)
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

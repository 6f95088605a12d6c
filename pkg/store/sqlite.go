package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	// Pure Go SQLite driver.
	_ "modernc.org/sqlite"
)

// SQLiteConfig configures the SQLite provider.
type SQLiteConfig struct {
	Path string
	// BusyTimeout is how long a writer waits for the database lock.
	BusyTimeout time.Duration
	// JournalMode is passed to PRAGMA journal_mode (WAL, DELETE, ...).
	JournalMode string
}

// DefaultSQLiteConfig returns defaults for a database file at path.
func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		Path:        path,
		BusyTimeout: 5 * time.Second,
		JournalMode: "WAL",
	}
}

// SQLite is a Provider storing one row per entity in the crdt_state table,
// for hosts whose other data already lives in SQLite.
type SQLite struct {
	db    *sql.DB
	locks *Locker

	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens (and if needed creates) the database described by cfg.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path must not be empty")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(%s)",
		cfg.Path, cfg.BusyTimeout.Milliseconds(), cfg.JournalMode)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, locks: NewLocker()}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS crdt_state (
			store_id   TEXT NOT NULL,
			entity     TEXT NOT NULL,
			entity_id  TEXT NOT NULL,
			state      BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (store_id, entity, entity_id)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create crdt_state: %w", err)
	}
	return nil
}

func (s *SQLite) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var state []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM crdt_state WHERE store_id = ? AND entity = ? AND entity_id = ?`,
		key.StoreID, key.Entity, key.EntityID,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return state, nil
}

func (s *SQLite) Update(ctx context.Context, key Key, fn UpdateFunc) error {
	if err := s.check(); err != nil {
		return err
	}
	unlock := s.locks.Lock(key.String())
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var current []byte
	found := true
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM crdt_state WHERE store_id = ? AND entity = ? AND entity_id = ?`,
		key.StoreID, key.Entity, key.EntityID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}

	next, err := fn(current, found)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO crdt_state (store_id, entity, entity_id, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (store_id, entity, entity_id)
		DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		key.StoreID, key.Entity, key.EntityID, next, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return tx.Commit()
}

func (s *SQLite) Scan(ctx context.Context, storeID string, fn func(Key, []byte) error) error {
	if err := s.check(); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity, entity_id, state FROM crdt_state WHERE store_id = ? ORDER BY entity, entity_id`,
		storeID,
	)
	if err != nil {
		return fmt.Errorf("scan %s: %w", storeID, err)
	}

	type row struct {
		key   Key
		state []byte
	}
	var all []row
	for rows.Next() {
		r := row{key: Key{StoreID: storeID}}
		if err := rows.Scan(&r.key.Entity, &r.key.EntityID, &r.state); err != nil {
			rows.Close()
			return err
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	// Rows are drained first so fn may call back into the provider on the
	// single connection.
	for _, r := range all {
		if err := fn(r.key, r.state); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

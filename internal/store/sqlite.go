package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is an embedded key/value store with named collections.
//
// Every operation runs under one store-wide mutex. Read-modify-write
// sequences that must not interleave with other callers go through Atomic.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// Open opens (or creates) the store at path
func Open(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// All access is serialized by mu, a single connection is enough and keeps
	// transactions on one handle.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		kind TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS items (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		item_key TEXT NOT NULL,
		value TEXT NOT NULL,
		UNIQUE (collection, item_key)
	);

	CREATE INDEX IF NOT EXISTS idx_items_collection ON items(collection, seq);
	`

	_, err := s.db.Exec(query)
	return err
}

// Atomic runs fn with every store operation inside one lock acquisition and
// one transaction. fn must use the provided Ops, not the store itself.
func (s *SQLiteStore) Atomic(ctx context.Context, fn func(Ops) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	return s.retryOnBusy(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback() // ignored after Commit

		if err := fn(&ops{q: tx}); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// do runs a single operation under the store lock
func (s *SQLiteStore) do(fn func(*ops) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.retryOnBusy(func() error {
		return fn(&ops{q: s.db})
	})
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.do(func(o *ops) error {
		value, ok, err = o.Get(ctx, key)
		return err
	})
	return value, ok, err
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	return s.do(func(o *ops) error { return o.Set(ctx, key, value) })
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (ok bool, err error) {
	err = s.do(func(o *ops) error {
		ok, err = o.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	return s.do(func(o *ops) error { return o.Delete(ctx, key) })
}

func (s *SQLiteStore) DCreate(ctx context.Context, name string) error {
	return s.do(func(o *ops) error { return o.DCreate(ctx, name) })
}

func (s *SQLiteStore) DAdd(ctx context.Context, name, key, value string) error {
	return s.do(func(o *ops) error { return o.DAdd(ctx, name, key, value) })
}

func (s *SQLiteStore) DGet(ctx context.Context, name, key string) (value string, ok bool, err error) {
	err = s.do(func(o *ops) error {
		value, ok, err = o.DGet(ctx, name, key)
		return err
	})
	return value, ok, err
}

func (s *SQLiteStore) DPop(ctx context.Context, name, key string) (value string, ok bool, err error) {
	err = s.do(func(o *ops) error {
		value, ok, err = o.DPop(ctx, name, key)
		return err
	})
	return value, ok, err
}

func (s *SQLiteStore) DKeys(ctx context.Context, name string) (keys []string, err error) {
	err = s.do(func(o *ops) error {
		keys, err = o.DKeys(ctx, name)
		return err
	})
	return keys, err
}

func (s *SQLiteStore) DVals(ctx context.Context, name string) (vals []string, err error) {
	err = s.do(func(o *ops) error {
		vals, err = o.DVals(ctx, name)
		return err
	})
	return vals, err
}

func (s *SQLiteStore) SCreate(ctx context.Context, name string) error {
	return s.do(func(o *ops) error { return o.SCreate(ctx, name) })
}

func (s *SQLiteStore) SAdd(ctx context.Context, name, member string) error {
	return s.do(func(o *ops) error { return o.SAdd(ctx, name, member) })
}

func (s *SQLiteStore) SRem(ctx context.Context, name, member string) error {
	return s.do(func(o *ops) error { return o.SRem(ctx, name, member) })
}

func (s *SQLiteStore) SMembers(ctx context.Context, name string) (members []string, err error) {
	err = s.do(func(o *ops) error {
		members, err = o.SMembers(ctx, name)
		return err
	})
	return members, err
}

// Flush checkpoints the write-ahead log into the main database file
func (s *SQLiteStore) Flush(ctx context.Context) error {
	return s.do(func(o *ops) error {
		_, err := o.q.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
		return err
	})
}

// Reset removes every key and collection
func (s *SQLiteStore) Reset(ctx context.Context) error {
	return s.Atomic(ctx, func(o Ops) error {
		q := o.(*ops).q
		for _, table := range []string{"kv", "collections", "items"} {
			if _, err := q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// retryOnBusy retries the operation if another process holds the database lock
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}

		delay := baseDelay * time.Duration(1<<uint(attempt))
		jitter := time.Duration(attempt*10) * time.Millisecond
		time.Sleep(delay + jitter)
	}

	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil || errors.Is(err, ErrNoCollection) {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

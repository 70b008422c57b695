package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const (
	sqliteOperationTimeout = 5 * time.Second
	sqliteStateKey         = "default"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS socialhost_state (
	state_key TEXT PRIMARY KEY,
	snapshot TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

type SQLiteStateBackend struct {
	path     string
	stateKey string

	initOnce sync.Once
	initErr  error
	pool     *sqlitex.Pool
}

func NewSQLiteStateBackend(path string) (StateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStateBackend{path: path, stateKey: sqliteStateKey}, nil
}

func (b *SQLiteStateBackend) Load() (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	var payload string
	var found bool
	err := b.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT snapshot FROM socialhost_state WHERE state_key = ?", &sqlitex.ExecOptions{
			Args: []any{b.stateKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	})
	if err != nil || !found {
		return nil, err
	}
	return decodeSnapshot([]byte(payload))
}

func (b *SQLiteStateBackend) Save(state *Snapshot) error {
	if b == nil || state == nil {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return b.withConn(func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)
		return sqlitex.Execute(conn, `
			INSERT INTO socialhost_state (state_key, snapshot, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT (state_key)
			DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`, &sqlitex.ExecOptions{
			Args: []any{b.stateKey, string(payload), time.Now().UnixMilli()},
		})
	})
}

func (b *SQLiteStateBackend) Close() error {
	if b == nil || b.pool == nil {
		return nil
	}
	return b.pool.Close()
}

func (b *SQLiteStateBackend) withConn(fn func(conn *sqlite.Conn) error) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite take: %w", err)
	}
	defer b.pool.Put(conn)
	return fn(conn)
}

func (b *SQLiteStateBackend) ensureReady() error {
	b.initOnce.Do(func() {
		pool, err := sqlitex.NewPool(b.path, sqlitex.PoolOptions{
			PoolSize: 2,
			PrepareConn: func(conn *sqlite.Conn) error {
				return sqlitex.ExecuteTransient(conn, "PRAGMA busy_timeout=5000", nil)
			},
		})
		if err != nil {
			b.initErr = fmt.Errorf("open sqlite %s: %w", b.path, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()
		conn, err := pool.Take(ctx)
		if err != nil {
			_ = pool.Close()
			b.initErr = err
			return
		}
		err = sqlitex.ExecuteScript(conn, sqliteSchema, nil)
		pool.Put(conn)
		if err != nil {
			_ = pool.Close()
			b.initErr = err
			return
		}
		b.pool = pool
	})
	return b.initErr
}

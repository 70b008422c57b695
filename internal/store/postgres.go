package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/agentworkforce/socialhost/internal/manifest"
)

const (
	postgresTablePrefix      = "socialhost"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresStateBackend keeps one row per provider origin and one row per
// preference. Store mutations reach it through Apply and touch a single row.
type PostgresStateBackend struct {
	dsn         string
	tablePrefix string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		dsn:         dsn,
		tablePrefix: postgresTablePrefix,
		openDB:      sql.Open,
	}, nil
}

func (b *PostgresStateBackend) manifestsTable() string {
	return pq.QuoteIdentifier(b.tablePrefix + "_manifests")
}

func (b *PostgresStateBackend) prefsTable() string {
	return pq.QuoteIdentifier(b.tablePrefix + "_prefs")
}

// Load returns nil when both tables are empty.
func (b *PostgresStateBackend) Load() (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	snapshot := newSnapshot()
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf("SELECT origin, manifest FROM %s", b.manifestsTable()))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var origin string
		var payload []byte
		if err := rows.Scan(&origin, &payload); err != nil {
			rows.Close()
			return nil, err
		}
		var m manifest.Manifest
		if err := json.Unmarshal(payload, &m); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode manifest %s: %w", origin, err)
		}
		snapshot.Manifests[origin] = m
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = b.db.QueryContext(ctx, fmt.Sprintf("SELECT pref_key, pref_value FROM %s", b.prefsTable()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		snapshot.Prefs[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(snapshot.Manifests) == 0 && len(snapshot.Prefs) == 0 {
		return nil, nil
	}
	return snapshot, nil
}

// Save replaces the stored state with state in one transaction. Rows whose
// origin or key is absent from state are deleted.
func (b *PostgresStateBackend) Save(state *Snapshot) (err error) {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	origins := make([]string, 0, len(state.Manifests))
	for origin := range state.Manifests {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	for _, origin := range origins {
		if err = b.putManifest(ctx, tx, origin, state.Manifests[origin]); err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE NOT (origin = ANY($1))", b.manifestsTable()), pq.Array(origins)); err != nil {
		return err
	}

	keys := make([]string, 0, len(state.Prefs))
	for key := range state.Prefs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err = b.setPref(ctx, tx, key, state.Prefs[key]); err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE NOT (pref_key = ANY($1))", b.prefsTable()), pq.Array(keys)); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *PostgresStateBackend) Apply(change Change) error {
	if b == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	var err error
	switch change.Kind {
	case ChangePutManifest:
		err = b.putManifest(ctx, b.db, change.Key, change.Manifest)
	case ChangeRemoveManifest:
		_, err = b.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE origin = $1", b.manifestsTable()), change.Key)
	case ChangeSetPref:
		err = b.setPref(ctx, b.db, change.Key, change.Value)
	case ChangeDeletePref:
		_, err = b.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE pref_key = $1", b.prefsTable()), change.Key)
	default:
		return fmt.Errorf("%w: change kind %d", ErrInvalidInput, change.Kind)
	}
	return err
}

func (b *PostgresStateBackend) putManifest(ctx context.Context, exec sqlExecer, origin string, m manifest.Manifest) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (origin, manifest, builtin, enabled, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (origin)
		DO UPDATE SET manifest = EXCLUDED.manifest, builtin = EXCLUDED.builtin,
			enabled = EXCLUDED.enabled, updated_at = NOW()`, b.manifestsTable())
	_, err = exec.ExecContext(ctx, query, origin, string(payload), m.Builtin(), m.Enabled)
	return err
}

func (b *PostgresStateBackend) setPref(ctx context.Context, exec sqlExecer, key, value string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (pref_key, pref_value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (pref_key)
		DO UPDATE SET pref_value = EXCLUDED.pref_value, updated_at = NOW()`, b.prefsTable())
	_, err := exec.ExecContext(ctx, query, key, value)
	return err
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		schema := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				origin TEXT PRIMARY KEY,
				manifest JSONB NOT NULL,
				builtin BOOLEAN NOT NULL DEFAULT FALSE,
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, b.manifestsTable()),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				pref_key TEXT PRIMARY KEY,
				pref_value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, b.prefsTable()),
		}
		for _, stmt := range schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("create postgres schema: %w", err)
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

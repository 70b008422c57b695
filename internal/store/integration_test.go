package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lib/pq"
)

var integrationCounter uint64

func newPostgresIntegrationBackend(t *testing.T, dsn, prefix string) *PostgresStateBackend {
	t.Helper()
	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg := backend.(*PostgresStateBackend)
	pg.tablePrefix = prefix
	t.Cleanup(func() { _ = pg.Close() })
	return pg
}

func postgresIntegrationPrefix(t *testing.T, dsn string) string {
	t.Helper()
	prefix := fmt.Sprintf("socialhost_it_%d_%d", time.Now().UnixNano(), atomic.AddUint64(&integrationCounter, 1))
	t.Cleanup(func() {
		postgresDropTable(t, dsn, prefix+"_manifests")
		postgresDropTable(t, dsn, prefix+"_prefs")
	})
	return prefix
}

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := integrationDSN(t, "SOCIALHOST_TEST_POSTGRES_DSN")
	prefix := postgresIntegrationPrefix(t, dsn)
	roundTripBackend(t, newPostgresIntegrationBackend(t, dsn, prefix))
}

func TestPostgresIntegrationStoreWritesSingleRows(t *testing.T) {
	dsn := integrationDSN(t, "SOCIALHOST_TEST_POSTGRES_DSN")
	prefix := postgresIntegrationPrefix(t, dsn)

	st, err := Open(newPostgresIntegrationBackend(t, dsn, prefix))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Put("https://a.example", testManifest("https://a.example")); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := st.Put("https://b.example", testManifest("https://b.example")); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if err := st.Remove("https://a.example"); err != nil {
		t.Fatalf("remove a: %v", err)
	}
	if err := st.SetBool("social.enabled", true); err != nil {
		t.Fatalf("set pref: %v", err)
	}
	if err := st.SetString("social.provider.current", "https://b.example"); err != nil {
		t.Fatalf("set pref: %v", err)
	}
	if err := st.Delete("social.provider.current"); err != nil {
		t.Fatalf("delete pref: %v", err)
	}

	reopened, err := Open(newPostgresIntegrationBackend(t, dsn, prefix))
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if _, ok := reopened.Get("https://a.example"); ok {
		t.Fatalf("removed manifest came back")
	}
	if _, ok := reopened.Get("https://b.example"); !ok {
		t.Fatalf("expected manifest for b")
	}
	if !reopened.Bool("social.enabled", false) {
		t.Fatalf("expected enabled pref to persist")
	}
	if reopened.HasPref("social.provider.current") {
		t.Fatalf("deleted pref came back")
	}
}

func TestRedisIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := integrationDSN(t, "SOCIALHOST_TEST_REDIS_DSN")

	backend, err := NewRedisStateBackend(dsn)
	if err != nil {
		t.Fatalf("new redis state backend: %v", err)
	}
	rb := backend.(*RedisStateBackend)
	rb.key = fmt.Sprintf("socialhost:state:it:%d", atomic.AddUint64(&integrationCounter, 1))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rb.client.Del(ctx, rb.key).Err()
		_ = rb.Close()
	})
	roundTripBackend(t, backend)
}

func roundTripBackend(t *testing.T, backend StateBackend) {
	t.Helper()
	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}
	saved := newSnapshot()
	saved.Manifests["https://a.example"] = testManifest("https://a.example")
	saved.Prefs["social.provider.current"] = "https://a.example"
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || loaded.Prefs["social.provider.current"] != "https://a.example" {
		t.Fatalf("unexpected loaded snapshot: %+v", loaded)
	}
	if _, ok := loaded.Manifests["https://a.example"]; !ok {
		t.Fatalf("expected manifest in loaded snapshot: %+v", loaded)
	}
}

func integrationDSN(t *testing.T, env string) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv(env))
	if dsn == "" {
		t.Skipf("set %s to run this integration test", env)
	}
	return dsn
}

func postgresDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+pq.QuoteIdentifier(tableName)); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}

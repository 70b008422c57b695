package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/socialhost/internal/manifest"
)

func mapEnv(values map[string]string) func(string) string {
	return func(name string) string { return values[name] }
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := loadConfig(mapEnv(nil))
	if cfg.Addr != ":8080" {
		t.Fatalf("expected default addr :8080, got %q", cfg.Addr)
	}
	if cfg.VisitThreshold != 3 || cfg.RateLimitWindow != time.Minute || cfg.BootstrapTimeout != 10*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.DevMode || cfg.AutoAccept {
		t.Fatalf("expected dev mode and auto-accept off by default")
	}
}

func TestLoadConfigParsesValues(t *testing.T) {
	cfg := loadConfig(mapEnv(map[string]string{
		"SOCIALHOST_ADDR":                ":9090",
		"SOCIALHOST_DEV_MODE":            "true",
		"SOCIALHOST_VISIT_THRESHOLD":     "5",
		"SOCIALHOST_RATE_LIMIT_WINDOW":   "30s",
		"SOCIALHOST_MAX_BODY_BYTES":      "2048",
		"SOCIALHOST_BUILTIN_DIR":         "/srv/social/builtin/",
		"SOCIALHOST_AUTO_ACCEPT_INSTALL": "1",
	}))
	if cfg.Addr != ":9090" || !cfg.DevMode || !cfg.AutoAccept || cfg.VisitThreshold != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.RateLimitWindow != 30*time.Second || cfg.MaxBodyBytes != 2048 {
		t.Fatalf("unexpected limits: %+v", cfg)
	}
	if cfg.ResourceRoot != "/srv/social" {
		t.Fatalf("expected resource root to default to the builtin dir parent, got %q", cfg.ResourceRoot)
	}
}

func TestLoadConfigFallsBackOnInvalidValues(t *testing.T) {
	cfg := loadConfig(mapEnv(map[string]string{
		"SOCIALHOST_VISIT_THRESHOLD":   "many",
		"SOCIALHOST_DEV_MODE":          "perhaps",
		"SOCIALHOST_RATE_LIMIT_WINDOW": "soon",
	}))
	if cfg.VisitThreshold != 3 || cfg.DevMode || cfg.RateLimitWindow != time.Minute {
		t.Fatalf("expected fallbacks, got %+v", cfg)
	}
}

func TestNewLoggerHonorsLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "origin", "https://a.example.com")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %q", buf.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("expected json output: %v", err)
	}
	if record["msg"] != "shown" || record["origin"] != "https://a.example.com" {
		t.Fatalf("unexpected record: %v", record)
	}
}

func TestBuildAppInstallsBuiltinManifests(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "builtin")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifestYAML := "origin: https://a.example.com\nname: A\nworkerURL: https://a.example.com/worker.js\n"
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(manifestYAML), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	cfg := loadConfig(mapEnv(map[string]string{
		"SOCIALHOST_BUILTIN_DIR": dir,
		"SOCIALHOST_STATE_DSN":   "file://" + filepath.Join(root, "state.json"),
	}))
	a, err := buildApp(cfg, newLogger("error", "text", io.Discard))
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer a.close()
	if err := a.registry.Init(); err != nil {
		t.Fatalf("init registry: %v", err)
	}

	loaded, err := a.watcher.ScanOnce(context.Background())
	if err != nil || loaded != 1 {
		t.Fatalf("expected one builtin manifest, got %d (%v)", loaded, err)
	}
	p, err := a.registry.Provider("https://a.example.com")
	if err != nil {
		t.Fatalf("expected builtin provider: %v", err)
	}
	if !p.Manifest().Builtin() || !p.Enabled() {
		t.Fatalf("expected an enabled builtin provider, got %+v", p.Info())
	}

	rec := httptest.NewRecorder()
	a.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected health 200, got %d", rec.Code)
	}
}

func TestBuildAppRejectsMissingBlocklist(t *testing.T) {
	cfg := loadConfig(mapEnv(map[string]string{
		"SOCIALHOST_BLOCKLIST": filepath.Join(t.TempDir(), "missing.txt"),
	}))
	if _, err := buildApp(cfg, newLogger("error", "text", io.Discard)); err == nil {
		t.Fatalf("expected an error for a missing blocklist file")
	}
}

func TestInstallPrompterFollowsAutoAccept(t *testing.T) {
	logger := newLogger("error", "text", io.Discard)
	accepted, err := installPrompter(true, logger).Prompt(context.Background(), testManifest())
	if err != nil || !accepted {
		t.Fatalf("expected auto-accept, got %t (%v)", accepted, err)
	}
	accepted, err = installPrompter(false, logger).Prompt(context.Background(), testManifest())
	if err != nil || accepted {
		t.Fatalf("expected decline, got %t (%v)", accepted, err)
	}
}

func testManifest() manifest.Manifest {
	return manifest.Manifest{Origin: "https://a.example.com", Name: "A"}
}

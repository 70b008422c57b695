package builtin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/socialhost/internal/manifest"
)

type Loader interface {
	LoadManifest(ctx context.Context, rawURL string, systemInstall bool) (manifest.Manifest, error)
}

type Options struct {
	Dir string
	// Host is the resource host manifests are loaded under. Defaults to the
	// directory's base name, so the fetcher's resource root is its parent.
	Host     string
	Loader   Loader
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher installs every manifest file in a directory as a builtin provider
// and reinstalls files whose contents change. Deleting a file leaves the
// installed provider alone.
type Watcher struct {
	dir      string
	host     string
	loader   Loader
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	hashes map[string]string
}

func NewWatcher(opts Options) (*Watcher, error) {
	dirRaw := strings.TrimSpace(opts.Dir)
	if dirRaw == "" {
		return nil, fmt.Errorf("builtin manifest directory is required")
	}
	if opts.Loader == nil {
		return nil, fmt.Errorf("manifest loader is required")
	}
	dir := filepath.Clean(dirRaw)
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = filepath.Base(dir)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		host:     host,
		loader:   opts.Loader,
		debounce: debounce,
		logger:   logger,
		hashes:   map[string]string{},
	}, nil
}

// URL is the resource location a manifest file is installed from.
func (w *Watcher) URL(name string) string {
	return "resource://" + w.host + "/" + name
}

// ScanOnce loads every new or changed manifest file and reports how many
// were installed. A file that fails is retried on the next scan.
func (w *Watcher) ScanOnce(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isManifestFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	loaded := 0
	var errs []error
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(w.dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		hash := hashBytes(data)
		w.mu.Lock()
		unchanged := w.hashes[name] == hash
		w.mu.Unlock()
		if unchanged {
			continue
		}
		m, err := w.loader.LoadManifest(ctx, w.URL(name), true)
		if errors.Is(err, manifest.ErrShadowed) {
			w.mu.Lock()
			w.hashes[name] = hash
			w.mu.Unlock()
			w.logger.Info("builtin manifest shadowed", "file", name, "error", err)
			continue
		}
		if err != nil {
			w.logger.Warn("builtin manifest rejected", "file", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		w.mu.Lock()
		w.hashes[name] = hash
		w.mu.Unlock()
		loaded++
		w.logger.Info("builtin manifest loaded", "file", name, "origin", m.Origin)
	}
	return loaded, errors.Join(errs...)
}

// Run scans once, then rescans whenever the directory changes, until ctx
// is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return err
	}
	if _, err := w.ScanOnce(ctx); err != nil {
		w.logger.Warn("builtin manifest scan incomplete", "dir", w.dir, "error", err)
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !isManifestFile(event.Name) || !event.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("builtin manifest watch error", "dir", w.dir, "error", err)
		case <-timer.C:
			if _, err := w.ScanOnce(ctx); err != nil {
				w.logger.Warn("builtin manifest scan incomplete", "dir", w.dir, "error", err)
			}
		}
	}
}

func isManifestFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

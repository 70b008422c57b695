package builtin

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/socialhost/internal/fetch"
	"github.com/agentworkforce/socialhost/internal/manifest"
)

type recordingInstaller struct {
	mu        sync.Mutex
	installed []manifest.Manifest
	attempts  int
	// origins that already have a record installed from elsewhere
	owned map[string]bool
}

func (r *recordingInstaller) InstallManifest(m manifest.Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.owned[m.Origin] {
		return &manifest.ShadowedError{Origin: m.Origin, Location: m.Location}
	}
	r.installed = append(r.installed, m)
	return nil
}

func (r *recordingInstaller) snapshot() []manifest.Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]manifest.Manifest(nil), r.installed...)
}

const manifestA = `{
  "origin": "https://a.example.com",
  "name": "A",
  "workerURL": "https://a.example.com/worker.js",
  "sidebarURL": "https://a.example.com/sidebar.html",
  "contentPatchPath": "patches/a.js"
}`

const manifestB = `origin: https://b.example.com
name: B
workerURL: https://b.example.com/worker.js
`

func newTestWatcher(t *testing.T) (*Watcher, *recordingInstaller, string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "builtin")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	installer := &recordingInstaller{}
	loader := manifest.NewLoader(manifest.LoaderOptions{
		Fetcher:   fetch.New(fetch.Options{ResourceRoot: root}),
		Installer: installer,
	})
	w, err := NewWatcher(Options{Dir: dir, Loader: loader, Debounce: 10 * time.Millisecond})
	require.NoError(t, err)
	return w, installer, dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScanOnceInstallsNewAndChangedManifests(t *testing.T) {
	w, installer, dir := newTestWatcher(t)
	writeFile(t, filepath.Join(dir, "a.json"), manifestA)
	writeFile(t, filepath.Join(dir, "README.md"), "not a manifest")

	loaded, err := w.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	installed := installer.snapshot()
	require.Len(t, installed, 1)
	assert.Equal(t, "https://a.example.com", installed[0].Origin)
	assert.Equal(t, "resource://builtin/a.json", installed[0].Location)
	assert.Equal(t, "patches/a.js", installed[0].ContentPatchPath)

	loaded, err = w.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, loaded, "unchanged files are not reinstalled")

	writeFile(t, filepath.Join(dir, "a.json"), manifestA+"\n")
	loaded, err = w.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
}

func TestScanOnceReportsInvalidManifestAndKeepsGoing(t *testing.T) {
	w, installer, dir := newTestWatcher(t)
	writeFile(t, filepath.Join(dir, "a.json"), manifestA)
	writeFile(t, filepath.Join(dir, "broken.json"), `{"origin": "https://c.example.com"}`)

	loaded, err := w.ScanOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, manifest.ErrValidation)
	assert.Contains(t, err.Error(), "broken.json")
	assert.Equal(t, 1, loaded)
	assert.Len(t, installer.snapshot(), 1)

	_, err = w.ScanOnce(context.Background())
	require.Error(t, err, "a rejected file is retried on every scan")
}

func TestScanOnceSkipsShadowedManifestWithoutRetrying(t *testing.T) {
	w, installer, dir := newTestWatcher(t)
	installer.owned = map[string]bool{"https://a.example.com": true}
	writeFile(t, filepath.Join(dir, "a.json"), manifestA)
	writeFile(t, filepath.Join(dir, "b.yaml"), manifestB)

	loaded, err := w.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	require.Len(t, installer.snapshot(), 1)
	assert.Equal(t, "https://b.example.com", installer.snapshot()[0].Origin)

	loaded, err = w.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, loaded)
	installer.mu.Lock()
	attempts := installer.attempts
	installer.mu.Unlock()
	assert.Equal(t, 2, attempts, "an unchanged shadowed file is not offered again")
}

func TestRunPicksUpNewFiles(t *testing.T) {
	w, installer, dir := newTestWatcher(t)
	writeFile(t, filepath.Join(dir, "a.json"), manifestA)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool { return len(installer.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	writeFile(t, filepath.Join(dir, "b.yaml"), manifestB)
	require.Eventually(t, func() bool { return len(installer.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)

	installed := installer.snapshot()
	assert.Equal(t, "https://b.example.com", installed[1].Origin)
	assert.Equal(t, "resource://builtin/b.yaml", installed[1].Location)
}

func TestNewWatcherRequiresDirAndLoader(t *testing.T) {
	_, err := NewWatcher(Options{Loader: manifest.NewLoader(manifest.LoaderOptions{})})
	assert.Error(t, err)
	_, err = NewWatcher(Options{Dir: t.TempDir()})
	assert.Error(t, err)
}

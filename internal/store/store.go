package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/agentworkforce/socialhost/internal/manifest"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Snapshot is everything the store persists: manifests by origin plus the
// flat preference map.
type Snapshot struct {
	Manifests map[string]manifest.Manifest `json:"manifests"`
	Prefs     map[string]string            `json:"prefs"`
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		Manifests: map[string]manifest.Manifest{},
		Prefs:     map[string]string{},
	}
}

func (s *Snapshot) clone() *Snapshot {
	out := newSnapshot()
	if s == nil {
		return out
	}
	for origin, m := range s.Manifests {
		out.Manifests[origin] = m
	}
	for key, value := range s.Prefs {
		out.Prefs[key] = value
	}
	return out
}

type StateBackend interface {
	Load() (*Snapshot, error)
	Save(state *Snapshot) error
}

type ChangeKind int

const (
	ChangePutManifest ChangeKind = iota + 1
	ChangeRemoveManifest
	ChangeSetPref
	ChangeDeletePref
)

// Change is a single-record mutation. Key is the origin for manifest
// changes and the preference name otherwise.
type Change struct {
	Kind     ChangeKind
	Key      string
	Manifest manifest.Manifest
	Value    string
}

// ChangeBackend persists individual changes instead of whole snapshots.
// The Store prefers Apply when a backend offers it.
type ChangeBackend interface {
	StateBackend
	Apply(change Change) error
}

type stateBackendCloser interface {
	Close() error
}

// Store is the manifest store and preference store in one. Every mutation
// is saved through the backend before it becomes visible.
type Store struct {
	mu      sync.RWMutex
	backend StateBackend
	state   *Snapshot
}

func Open(backend StateBackend) (*Store, error) {
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	loaded, err := backend.Load()
	if err != nil {
		return nil, err
	}
	return &Store{backend: backend, state: loaded.clone()}, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	if closer, ok := s.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (s *Store) Get(origin string) (manifest.Manifest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.state.Manifests[origin]
	return m, ok
}

func (s *Store) Put(origin string, m manifest.Manifest) error {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ErrInvalidInput
	}
	change := Change{Kind: ChangePutManifest, Key: origin, Manifest: m}
	return s.mutate(change, func(next *Snapshot) error {
		next.Manifests[origin] = m
		return nil
	})
}

func (s *Store) Remove(origin string) error {
	return s.mutate(Change{Kind: ChangeRemoveManifest, Key: origin}, func(next *Snapshot) error {
		if _, ok := next.Manifests[origin]; !ok {
			return ErrNotFound
		}
		delete(next.Manifests, origin)
		return nil
	})
}

// Iterate visits manifests in origin order over a point-in-time copy, so fn
// may call back into the store.
func (s *Store) Iterate(fn func(origin string, m manifest.Manifest)) {
	s.mu.RLock()
	origins := make([]string, 0, len(s.state.Manifests))
	for origin := range s.state.Manifests {
		origins = append(origins, origin)
	}
	snapshot := make(map[string]manifest.Manifest, len(origins))
	for _, origin := range origins {
		snapshot[origin] = s.state.Manifests[origin]
	}
	s.mu.RUnlock()
	sort.Strings(origins)
	for _, origin := range origins {
		fn(origin, snapshot[origin])
	}
}

func (s *Store) Bool(key string, def bool) bool {
	s.mu.RLock()
	raw, ok := s.state.Prefs[key]
	s.mu.RUnlock()
	if !ok {
		return def
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return value
}

func (s *Store) HasPref(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.state.Prefs[key]
	return ok
}

func (s *Store) SetBool(key string, value bool) error {
	return s.SetString(key, strconv.FormatBool(value))
}

func (s *Store) String(key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if value, ok := s.state.Prefs[key]; ok {
		return value
	}
	return def
}

func (s *Store) SetString(key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidInput
	}
	return s.mutate(Change{Kind: ChangeSetPref, Key: key, Value: value}, func(next *Snapshot) error {
		next.Prefs[key] = value
		return nil
	})
}

func (s *Store) Delete(key string) error {
	return s.mutate(Change{Kind: ChangeDeletePref, Key: key}, func(next *Snapshot) error {
		delete(next.Prefs, key)
		return nil
	})
}

func (s *Store) mutate(change Change, apply func(next *Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	if err := apply(next); err != nil {
		return err
	}
	var err error
	if incremental, ok := s.backend.(ChangeBackend); ok {
		err = incremental.Apply(change)
	} else {
		err = s.backend.Save(next)
	}
	if err != nil {
		return err
	}
	s.state = next
	return nil
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *Snapshot
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return b.snapshot.clone(), nil
}

func (b *InMemoryStateBackend) Save(state *Snapshot) error {
	if b == nil || state == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = state.clone()
	return nil
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*Snapshot, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *Snapshot) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

func decodeSnapshot(payload []byte) (*Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

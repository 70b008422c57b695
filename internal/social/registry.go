package social

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/agentworkforce/socialhost/internal/frameworker"
	"github.com/agentworkforce/socialhost/internal/manifest"
	"github.com/agentworkforce/socialhost/internal/workerapi"
)

const (
	PrefEnabled = "social.provider.enabled"
	PrefCurrent = "social.provider.current"
)

func IgnorePref(origin string) string {
	return "social.provider." + origin + ".ignore"
}

// ManifestStore persists manifests by origin next to the flat preferences.
type ManifestStore interface {
	Get(origin string) (manifest.Manifest, bool)
	Put(origin string, m manifest.Manifest) error
	Remove(origin string) error
	Iterate(fn func(origin string, m manifest.Manifest))
	Bool(key string, def bool) bool
	SetBool(key string, value bool) error
	String(key, def string) string
	SetString(key, value string) error
	Delete(key string) error
}

type Broker interface {
	Connect(workerURL, label string) (*frameworker.Port, error)
	Terminate(workerURL string) bool
}

type Options struct {
	Store  ManifestStore
	Broker Broker
	Bus    *Bus
	// Bridge is handed to every provider's worker API bridge.
	Bridge workerapi.Options
	Logger *slog.Logger
}

// Registry owns the installed providers, the global browsing toggle and
// the current provider. Events for one transition are published in order
// once the registry lock is released.
type Registry struct {
	store  ManifestStore
	broker Broker
	bus    *Bus
	bridge workerapi.Options
	logger *slog.Logger

	mu        sync.Mutex
	providers map[string]*Provider
	current   *Provider
	// nil until first read from PrefEnabled
	enabled      *bool
	private      bool
	privateSaved bool
}

type txn struct {
	events []Event
	after  []func()
}

func (t *txn) emit(topic, origin string) {
	t.events = append(t.events, Event{Category: CategoryOf(topic), Topic: topic, Origin: origin})
}

// deferUnlocked queues fn to run once the registry lock is released, before the
// collected events are published.
func (t *txn) deferUnlocked(fn func()) {
	t.after = append(t.after, fn)
}

func (r *Registry) finish(tx *txn) {
	for _, fn := range tx.after {
		fn()
	}
	r.bus.Publish(tx.events...)
}

func NewRegistry(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: manifest store is required", ErrInvalidInput)
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("%w: worker broker is required", ErrInvalidInput)
	}
	bus := opts.Bus
	if bus == nil {
		bus = NewBus()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     opts.Store,
		broker:    opts.Broker,
		bus:       bus,
		bridge:    opts.Bridge,
		logger:    logger,
		providers: map[string]*Provider{},
	}, nil
}

func (r *Registry) Bus() *Bus {
	return r.bus
}

func (r *Registry) bridgeOptions() workerapi.Options {
	opts := r.bridge
	if opts.Logger == nil {
		opts.Logger = r.logger.With("component", "workerapi")
	}
	return opts
}

func (r *Registry) transact(fn func(tx *txn) error) error {
	var tx txn
	r.mu.Lock()
	err := fn(&tx)
	r.mu.Unlock()
	r.finish(&tx)
	return err
}

// Init loads every stored manifest and restores browsing from the persisted
// preference. It should run before any other call.
func (r *Registry) Init() error {
	return r.transact(func(tx *txn) error {
		loaded := 0
		r.store.Iterate(func(origin string, m manifest.Manifest) {
			if _, ok := r.providers[origin]; ok {
				return
			}
			m.Origin = origin
			r.providers[origin] = newProvider(r, m)
			loaded++
		})
		enabled := r.enabledLocked(tx)
		r.logger.Info("social registry initialized", "providers", loaded, "enabled", enabled)
		return nil
	})
}

// Shutdown deactivates every provider. Enabled flags and the current
// selection are kept.
func (r *Registry) Shutdown() {
	_ = r.transact(func(tx *txn) error {
		for _, p := range r.sortedLocked() {
			p.deactivate(tx)
		}
		return nil
	})
}

func (r *Registry) enabledLocked(tx *txn) bool {
	if r.enabled == nil {
		r.enabled = new(bool)
		if r.store.Bool(PrefEnabled, false) {
			r.enableBrowsingLocked(tx, false)
		}
	}
	return *r.enabled
}

func (r *Registry) sortedLocked() []*Provider {
	origins := make([]string, 0, len(r.providers))
	for origin := range r.providers {
		origins = append(origins, origin)
	}
	slices.Sort(origins)
	out := make([]*Provider, 0, len(origins))
	for _, origin := range origins {
		out = append(out, r.providers[origin])
	}
	return out
}

func (r *Registry) enabledProvidersLocked() []*Provider {
	var out []*Provider
	for _, p := range r.sortedLocked() {
		if p.Enabled() {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) lookupLocked(origin string) (*Provider, error) {
	p, ok := r.providers[strings.TrimSpace(origin)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, origin)
	}
	return p, nil
}

func (r *Registry) enableBrowsingLocked(tx *txn, persist bool) bool {
	if r.private {
		return false
	}
	if *r.enabled {
		return true
	}
	enabled := r.enabledProvidersLocked()
	if len(enabled) == 0 {
		r.logger.Debug("browsing not enabled: no enabled providers")
		return false
	}
	for _, p := range enabled {
		if err := p.activate(tx); err != nil {
			r.logger.Warn("provider activation failed", "origin", p.origin, "error", err)
		}
	}
	current := enabled[0]
	if preferred := r.store.String(PrefCurrent, ""); preferred != "" {
		if p, ok := r.providers[preferred]; ok && p.Enabled() {
			current = p
		}
	}
	*r.enabled = true
	r.current = current
	tx.emit(TopicBrowsingEnabled, "")
	tx.emit(TopicCurrentServiceChanged, current.origin)
	if persist {
		r.persistPref(PrefEnabled, true)
	}
	return true
}

func (r *Registry) disableBrowsingLocked(tx *txn, persist bool) {
	if !*r.enabled {
		return
	}
	for _, p := range r.sortedLocked() {
		p.shutdown(tx)
	}
	*r.enabled = false
	r.current = nil
	tx.emit(TopicBrowsingDisabled, "")
	if persist {
		r.persistPref(PrefEnabled, false)
	}
}

func (r *Registry) persistPref(key string, value bool) {
	if err := r.store.SetBool(key, value); err != nil {
		r.logger.Error("persist preference failed", "key", key, "error", err)
	}
}

func (r *Registry) persistEnabledLocked(p *Provider, enabled bool) error {
	m := p.Manifest()
	m.Enabled = enabled
	if err := r.store.Put(p.origin, m); err != nil {
		return fmt.Errorf("persist %s: %w", p.origin, err)
	}
	p.setManifest(m)
	return nil
}

func (r *Registry) Enabled() bool {
	var enabled bool
	_ = r.transact(func(tx *txn) error {
		enabled = r.enabledLocked(tx)
		return nil
	})
	return enabled
}

// SetEnabled toggles social browsing and reports the resulting state.
// Enabling without an enabled provider, or while private browsing, is
// ignored without an error; callers compare the result to what they asked for.
func (r *Registry) SetEnabled(enabled bool) bool {
	var result bool
	_ = r.transact(func(tx *txn) error {
		r.enabledLocked(tx)
		if enabled {
			result = r.enableBrowsingLocked(tx, true)
			return nil
		}
		if r.private {
			r.privateSaved = false
		}
		r.disableBrowsingLocked(tx, true)
		return nil
	})
	return result
}

func (r *Registry) CurrentProvider() *Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Registry) SetCurrentProvider(origin string) error {
	return r.transact(func(tx *txn) error {
		p, err := r.lookupLocked(origin)
		if err != nil {
			return err
		}
		if !p.Enabled() {
			return &InvalidStateError{Op: "set current provider", Origin: p.origin, Reason: "provider is disabled"}
		}
		if !r.enabledLocked(tx) {
			return &InvalidStateError{Op: "set current provider", Origin: p.origin, Reason: "social browsing is disabled"}
		}
		if err := r.store.SetString(PrefCurrent, p.origin); err != nil {
			return fmt.Errorf("persist current provider: %w", err)
		}
		r.current = p
		tx.emit(TopicCurrentServiceChanged, p.origin)
		return nil
	})
}

func (r *Registry) Providers() []*Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

func (r *Registry) Provider(origin string) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(origin)
}

// Register adds a provider from an already validated manifest. It stays
// inactive until enabled or until browsing is next enabled.
func (r *Registry) Register(m manifest.Manifest) error {
	m.Origin = strings.TrimSpace(m.Origin)
	if m.Origin == "" {
		return fmt.Errorf("%w: manifest origin is required", ErrInvalidInput)
	}
	return r.transact(func(tx *txn) error {
		if _, ok := r.providers[m.Origin]; ok {
			return &InvalidStateError{Op: "register", Origin: m.Origin, Reason: "provider already registered"}
		}
		if err := r.store.Put(m.Origin, m); err != nil {
			return fmt.Errorf("persist %s: %w", m.Origin, err)
		}
		r.providers[m.Origin] = newProvider(r, m)
		tx.emit(TopicManifestChanged, m.Origin)
		return nil
	})
}

// InstallManifest stores m and registers or refreshes its provider. A
// builtin manifest never replaces a record installed from anywhere else;
// that case returns a *manifest.ShadowedError and changes nothing.
// The enabled flag survives re-import and defaults to true on first install.
func (r *Registry) InstallManifest(m manifest.Manifest) error {
	m.Origin = strings.TrimSpace(m.Origin)
	if m.Origin == "" {
		return fmt.Errorf("%w: manifest origin is required", ErrInvalidInput)
	}
	return r.transact(func(tx *txn) error {
		browsing := r.enabledLocked(tx)
		existing, ok := r.store.Get(m.Origin)
		if ok && m.Builtin() && !existing.Builtin() {
			return &manifest.ShadowedError{Origin: m.Origin, Location: m.Location}
		}
		m.Enabled = true
		if ok {
			m.Enabled = existing.Enabled
		}
		if err := r.store.Put(m.Origin, m); err != nil {
			return fmt.Errorf("persist %s: %w", m.Origin, err)
		}
		p, exists := r.providers[m.Origin]
		if exists {
			p.refresh(tx, m)
		} else {
			p = newProvider(r, m)
			r.providers[m.Origin] = p
		}
		tx.emit(TopicManifestChanged, m.Origin)
		if m.Enabled && browsing {
			if err := p.activate(tx); err != nil {
				r.logger.Warn("provider activation failed", "origin", m.Origin, "error", err)
			}
		}
		return nil
	})
}

func (r *Registry) EnableProvider(origin string) error {
	return r.transact(func(tx *txn) error {
		p, err := r.lookupLocked(origin)
		if err != nil {
			return err
		}
		browsing := r.enabledLocked(tx)
		if p.Enabled() {
			return nil
		}
		if err := r.persistEnabledLocked(p, true); err != nil {
			return err
		}
		tx.emit(TopicManifestChanged, p.origin)
		if browsing {
			if err := p.activate(tx); err != nil {
				r.logger.Warn("provider activation failed", "origin", p.origin, "error", err)
			}
		}
		return nil
	})
}

func (r *Registry) DisableProvider(origin string) error {
	return r.transact(func(tx *txn) error {
		p, err := r.lookupLocked(origin)
		if err != nil {
			return err
		}
		r.enabledLocked(tx)
		return r.disableProviderLocked(tx, p)
	})
}

func (r *Registry) disableProviderLocked(tx *txn, p *Provider) error {
	if !p.Enabled() {
		return nil
	}
	if err := r.persistEnabledLocked(p, false); err != nil {
		return err
	}
	p.shutdown(tx)
	if r.current != p {
		tx.emit(TopicManifestChanged, p.origin)
		return nil
	}

	r.current = nil
	remaining := r.enabledProvidersLocked()
	if len(remaining) == 0 {
		r.disableBrowsingLocked(tx, true)
		tx.emit(TopicManifestChanged, p.origin)
		return nil
	}
	tx.emit(TopicManifestChanged, p.origin)
	next := remaining[0]
	r.current = next
	if err := r.store.SetString(PrefCurrent, next.origin); err != nil {
		r.logger.Error("persist current provider failed", "origin", next.origin, "error", err)
	}
	tx.emit(TopicCurrentServiceChanged, next.origin)
	return nil
}

// Remove disables the provider if needed, then forgets it together with its
// stored manifest and preferences.
func (r *Registry) Remove(origin string) error {
	return r.transact(func(tx *txn) error {
		p, err := r.lookupLocked(origin)
		if err != nil {
			return err
		}
		r.enabledLocked(tx)
		if err := r.disableProviderLocked(tx, p); err != nil {
			return err
		}
		p.shutdown(tx)
		if err := r.store.Remove(p.origin); err != nil {
			return fmt.Errorf("remove %s: %w", p.origin, err)
		}
		delete(r.providers, p.origin)
		if err := r.store.Delete(IgnorePref(p.origin)); err != nil {
			r.logger.Warn("clear ignore preference failed", "origin", p.origin, "error", err)
		}
		if r.store.String(PrefCurrent, "") == p.origin {
			if err := r.store.Delete(PrefCurrent); err != nil {
				r.logger.Warn("clear current provider preference failed", "origin", p.origin, "error", err)
			}
		}
		tx.emit(TopicManifestChanged, p.origin)
		return nil
	})
}

// EnterPrivateBrowsing turns browsing off without touching the persisted
// preference. ExitPrivateBrowsing restores what was there before.
func (r *Registry) EnterPrivateBrowsing() {
	_ = r.transact(func(tx *txn) error {
		if r.private {
			return nil
		}
		r.privateSaved = r.enabledLocked(tx)
		r.private = true
		r.disableBrowsingLocked(tx, false)
		return nil
	})
}

func (r *Registry) ExitPrivateBrowsing() {
	_ = r.transact(func(tx *txn) error {
		if !r.private {
			return nil
		}
		r.private = false
		if r.privateSaved {
			r.enableBrowsingLocked(tx, false)
		}
		r.privateSaved = false
		return nil
	})
}

func (r *Registry) Private() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.private
}

func (r *Registry) IgnoreProvider(origin string, ignore bool) error {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return fmt.Errorf("%w: origin is required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !ignore {
		return r.store.Delete(IgnorePref(origin))
	}
	return r.store.SetBool(IgnorePref(origin), true)
}

func (r *Registry) Ignored(origin string) bool {
	return r.store.Bool(IgnorePref(strings.TrimSpace(origin)), false)
}

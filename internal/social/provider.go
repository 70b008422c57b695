package social

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/socialhost/internal/frameworker"
	"github.com/agentworkforce/socialhost/internal/manifest"
	"github.com/agentworkforce/socialhost/internal/workerapi"
)

// Provider is one installed social service and its runtime state.
type Provider struct {
	origin   string
	registry *Registry

	mu        sync.Mutex
	manifest  manifest.Manifest
	active    bool
	activeURL string
	port      *frameworker.Port
	bridge    *workerapi.Bridge
	ambient   AmbientState
	// worker urls connected through MakeWorker since the last shutdown
	spawned map[string]struct{}
}

type ProviderInfo struct {
	Origin           string       `json:"origin"`
	Name             string       `json:"name"`
	IconURL          string       `json:"iconURL,omitempty"`
	WorkerURL        string       `json:"workerURL,omitempty"`
	SidebarURL       string       `json:"sidebarURL,omitempty"`
	URLPrefix        string       `json:"urlPrefix"`
	ContentPatchPath string       `json:"contentPatchPath,omitempty"`
	Location         string       `json:"location"`
	Builtin          bool         `json:"builtin"`
	Enabled          bool         `json:"enabled"`
	Active           bool         `json:"active"`
	Ambient          AmbientState `json:"ambient"`
}

func newProvider(r *Registry, m manifest.Manifest) *Provider {
	return &Provider{origin: m.Origin, registry: r, manifest: m}
}

func (p *Provider) Origin() string {
	return p.origin
}

func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manifest.Name
}

func (p *Provider) Manifest() manifest.Manifest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manifest
}

func (p *Provider) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manifest.Enabled
}

func (p *Provider) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Provider) Info() ProviderInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.manifest
	return ProviderInfo{
		Origin:           p.origin,
		Name:             m.Name,
		IconURL:          m.IconURL,
		WorkerURL:        m.WorkerURL,
		SidebarURL:       m.SidebarURL,
		URLPrefix:        m.URLPrefix(),
		ContentPatchPath: m.ContentPatchPath,
		Location:         m.Location,
		Builtin:          m.Builtin(),
		Enabled:          m.Enabled,
		Active:           p.active,
		Ambient:          p.ambient.clone(),
	}
}

func (p *Provider) String() string {
	return p.origin
}

func (p *Provider) setManifest(m manifest.Manifest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manifest = m
}

// Activate starts the provider's worker and binds its API bridge.
func (p *Provider) Activate() error {
	var tx txn
	err := p.activate(&tx)
	p.registry.finish(&tx)
	return err
}

// Deactivate releases the API bridge but leaves the worker process running.
func (p *Provider) Deactivate() {
	var tx txn
	p.deactivate(&tx)
	p.registry.finish(&tx)
}

// Shutdown releases the API bridge, terminates the worker process and
// forgets ambient notification state.
func (p *Provider) Shutdown() {
	var tx txn
	p.shutdown(&tx)
	p.registry.finish(&tx)
}

// activate connects the API port right away and attaches the bridge once the
// registry lock is released, since attaching drains queued worker messages
// that call back into the registry.
func (p *Provider) activate(tx *txn) error {
	m := p.Manifest()
	if !m.Enabled {
		return &InvalidStateError{Op: "activate", Origin: p.origin, Reason: "provider is disabled"}
	}
	if p.Active() {
		return nil
	}

	var port *frameworker.Port
	if m.WorkerURL != "" {
		var err error
		port, err = p.registry.broker.Connect(m.WorkerURL, "social-api:"+p.origin)
		if err != nil {
			return fmt.Errorf("activate %s: %w", p.origin, err)
		}
	}

	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		port.Close()
		return nil
	}
	p.active = true
	p.activeURL = m.WorkerURL
	p.port = port
	p.mu.Unlock()

	if port != nil {
		tx.deferUnlocked(func() { p.attachBridge(port) })
	}
	p.registry.logger.Debug("provider activated", "origin", p.origin, "worker", m.WorkerURL)
	tx.emit(TopicServiceActivated, p.origin)
	return nil
}

func (p *Provider) attachBridge(port *frameworker.Port) {
	bridge := workerapi.NewBridge(p, port, p.registry.bridgeOptions())
	p.mu.Lock()
	if !p.active || p.port != port || p.bridge != nil {
		p.mu.Unlock()
		bridge.Shutdown()
		return
	}
	p.bridge = bridge
	p.mu.Unlock()
}

// detach clears the running state under p.mu and returns what the caller
// must release.
func (p *Provider) detach() (wasActive bool, port *frameworker.Port, bridge *workerapi.Bridge, workerURL string) {
	wasActive = p.active
	port, bridge, workerURL = p.port, p.bridge, p.activeURL
	p.active = false
	p.activeURL = ""
	p.port = nil
	p.bridge = nil
	return wasActive, port, bridge, workerURL
}

func releaseAPI(port *frameworker.Port, bridge *workerapi.Bridge) {
	if bridge != nil {
		bridge.Shutdown()
		return
	}
	port.Close()
}

func (p *Provider) deactivate(tx *txn) {
	p.mu.Lock()
	wasActive, port, bridge, _ := p.detach()
	p.mu.Unlock()
	if !wasActive {
		return
	}
	releaseAPI(port, bridge)
	tx.emit(TopicServiceDeactivated, p.origin)
}

// shutdown terminates every worker process the provider started, including
// ones reached only through MakeWorker while the provider was inactive.
func (p *Provider) shutdown(tx *txn) {
	p.mu.Lock()
	wasActive, port, bridge, activeURL := p.detach()
	urls := make([]string, 0, len(p.spawned)+1)
	if activeURL != "" {
		urls = append(urls, activeURL)
	}
	for u := range p.spawned {
		if u != activeURL {
			urls = append(urls, u)
		}
	}
	p.spawned = nil
	p.ambient = AmbientState{}
	p.mu.Unlock()

	sort.Strings(urls)
	if wasActive {
		releaseAPI(port, bridge)
	}
	for _, u := range urls {
		p.registry.broker.Terminate(u)
	}
	if !wasActive {
		return
	}
	p.registry.logger.Debug("provider shut down", "origin", p.origin)
	tx.emit(TopicServiceShutdown, p.origin)
}

// refresh swaps in a re-imported manifest. A running provider whose worker
// moved is restarted on the new worker.
func (p *Provider) refresh(tx *txn, m manifest.Manifest) {
	p.mu.Lock()
	moved := p.active && p.activeURL != m.WorkerURL
	p.manifest = m
	p.mu.Unlock()
	if !moved {
		return
	}
	p.shutdown(tx)
	if err := p.activate(tx); err != nil {
		p.registry.logger.Warn("provider restart failed", "origin", p.origin, "error", err)
	}
}

// MakeWorker returns a fresh port onto the provider's worker for a UI
// surface. window may be nil for surfaces without a content origin.
func (p *Provider) MakeWorker(window Window) (*WorkerHandle, error) {
	m := p.Manifest()
	if !m.Enabled {
		return nil, &InvalidStateError{Op: "make worker", Origin: p.origin, Reason: "provider is disabled"}
	}
	if m.WorkerURL == "" {
		return nil, &InvalidStateError{Op: "make worker", Origin: p.origin, Reason: "provider has no worker"}
	}
	label := "social-worker:" + p.origin
	if window != nil {
		label += "@" + window.Origin()
	}
	port, err := p.registry.broker.Connect(m.WorkerURL, label)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.spawned == nil {
		p.spawned = make(map[string]struct{})
	}
	p.spawned[m.WorkerURL] = struct{}{}
	p.mu.Unlock()
	return &WorkerHandle{Port: port, workerURL: m.WorkerURL, broker: p.registry.broker}, nil
}

// AttachToWindow gives a content window of the provider's own origin the
// getWorker capability.
func (p *Provider) AttachToWindow(window Window) error {
	if window == nil {
		return fmt.Errorf("%w: window is required", ErrInvalidInput)
	}
	windowOrigin, err := manifest.Origin(window.Origin())
	if err != nil || !strings.EqualFold(windowOrigin, p.origin) {
		return fmt.Errorf("%w: window %q is not %s", ErrOriginMismatch, window.Origin(), p.origin)
	}
	if !p.Enabled() {
		return &InvalidStateError{Op: "attach", Origin: p.origin, Reason: "provider is disabled"}
	}
	return window.Install(GetWorkerCapability, func() (*WorkerHandle, error) {
		return p.MakeWorker(window)
	})
}

const GetWorkerCapability = "getWorker"

// Window is a content or chrome surface that can receive provider
// capabilities.
type Window interface {
	Origin() string
	Install(name string, capability func() (*WorkerHandle, error)) error
}

type WorkerHandle struct {
	Port *frameworker.Port

	workerURL string
	broker    Broker
}

// Terminate closes the handle's port and stops the worker process behind
// it, which disconnects every other port onto the same worker.
func (h *WorkerHandle) Terminate() {
	if h == nil {
		return
	}
	h.Port.Close()
	h.broker.Terminate(h.workerURL)
}

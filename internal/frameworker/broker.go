package frameworker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

type ProcessState int

const (
	ProcessLoading ProcessState = iota
	ProcessLoaded
	ProcessFailed
)

func (s ProcessState) String() string {
	switch s {
	case ProcessLoading:
		return "loading"
	case ProcessLoaded:
		return "loaded"
	case ProcessFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Options struct {
	Runtime      Runtime
	Scripts      ScriptLoader
	Capabilities Capabilities
	LoadTimeout  time.Duration
	Logger       *slog.Logger
	// OnBootstrapError is called once per failed process, off the broker lock.
	OnBootstrapError func(workerURL string, err error)
}

// Broker hands out client ports connected to one shared worker process per
// script URL, starting the process on first use.
type Broker struct {
	runtime          Runtime
	scripts          ScriptLoader
	caps             Capabilities
	loadTimeout      time.Duration
	logger           *slog.Logger
	onBootstrapError func(string, error)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	processes map[string]*process
	closed    bool
}

type process struct {
	url    string
	broker *Broker
	loop   *eventLoop

	// guarded by broker.mu
	loaded     bool
	pending    []*Port
	err        error
	terminated bool

	// touched only on loop
	sandbox Sandbox
	ports   map[uint64]*Port
}

func NewBroker(opts Options) *Broker {
	runtime := opts.Runtime
	if runtime == nil {
		runtime = NewGoRuntime()
	}
	loadTimeout := opts.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		runtime:          runtime,
		scripts:          opts.Scripts,
		caps:             opts.Capabilities,
		loadTimeout:      loadTimeout,
		logger:           logger,
		onBootstrapError: opts.OnBootstrapError,
		ctx:              ctx,
		cancel:           cancel,
		processes:        map[string]*process{},
	}
}

// Connect returns a client port for the worker serving workerURL. The port
// accepts messages right away; they queue until the worker attaches.
func (b *Broker) Connect(workerURL, label string) (*Port, error) {
	workerURL = strings.TrimSpace(workerURL)
	if workerURL == "" {
		return nil, fmt.Errorf("%w: worker url is required", ErrInvalidInput)
	}
	if strings.TrimSpace(label) == "" {
		label = workerURL
	}
	client, worker := NewPair(label)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	proc, ok := b.processes[workerURL]
	if !ok {
		proc = &process{
			url:    workerURL,
			broker: b,
			loop:   newEventLoop(b.logger.With("worker", workerURL)),
			ports:  map[uint64]*Port{},
		}
		b.processes[workerURL] = proc
		worker.bind(proc)
		proc.pending = append(proc.pending, worker)
		b.mu.Unlock()
		b.logger.Debug("starting worker process", "url", workerURL)
		go b.bootstrap(proc)
		return client, nil
	}
	worker.bind(proc)
	if !proc.loaded {
		proc.pending = append(proc.pending, worker)
		b.mu.Unlock()
		return client, nil
	}
	// queued under b.mu so a concurrent Terminate's release runs after it
	accepted := proc.loop.submit(func() { proc.connect(worker) })
	b.mu.Unlock()
	if !accepted {
		worker.release()
	}
	return client, nil
}

func (b *Broker) bootstrap(proc *process) {
	source := ""
	if b.scripts != nil {
		ctx, cancel := context.WithTimeout(b.ctx, b.loadTimeout)
		loaded, err := b.scripts.LoadScript(ctx, proc.url)
		cancel()
		if err != nil {
			b.bootstrapFailed(proc, err)
			return
		}
		source = loaded
	}
	proc.loop.Execute(func() { b.evaluate(proc, source) })
}

func (b *Broker) evaluate(proc *process, source string) {
	sandbox, err := b.runtime.NewSandbox(proc.url, b.caps)
	if err == nil {
		err = sandbox.Evaluate(source)
	}
	// the sandbox is kept even when evaluation fails so Terminate can release it
	proc.sandbox = sandbox

	b.mu.Lock()
	if proc.terminated {
		b.mu.Unlock()
		proc.release()
		return
	}
	if err != nil {
		b.mu.Unlock()
		b.bootstrapFailed(proc, err)
		return
	}
	proc.loaded = true
	pending := proc.pending
	proc.pending = nil
	b.mu.Unlock()

	b.logger.Debug("worker process loaded", "url", proc.url, "pending", len(pending))
	for _, port := range pending {
		proc.connect(port)
	}
}

func (b *Broker) bootstrapFailed(proc *process, cause error) {
	err := &WorkerBootstrapError{URL: proc.url, Err: cause}
	b.mu.Lock()
	if proc.terminated {
		b.mu.Unlock()
		return
	}
	proc.err = err
	b.mu.Unlock()
	b.logger.Error("worker bootstrap failed", "url", proc.url, "error", cause)
	if b.onBootstrapError != nil {
		b.onBootstrapError(proc.url, err)
	}
}

// Terminate tears down the process for workerURL. Its ports are closed and
// the record is removed, so the next Connect starts a fresh process.
func (b *Broker) Terminate(workerURL string) bool {
	b.mu.Lock()
	proc, ok := b.processes[strings.TrimSpace(workerURL)]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.processes, proc.url)
	b.mu.Unlock()
	b.terminate(proc)
	return true
}

func (b *Broker) terminate(proc *process) {
	b.mu.Lock()
	proc.terminated = true
	pending := proc.pending
	proc.pending = nil
	b.mu.Unlock()
	for _, port := range pending {
		port.release()
	}
	proc.loop.Execute(func() {
		proc.release()
		proc.loop.stop()
	})
	b.logger.Debug("worker process terminated", "url", proc.url)
}

func (b *Broker) State(workerURL string) (ProcessState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	proc, ok := b.processes[strings.TrimSpace(workerURL)]
	if !ok {
		return 0, ErrNotFound
	}
	switch {
	case proc.err != nil:
		return ProcessFailed, nil
	case proc.loaded:
		return ProcessLoaded, nil
	default:
		return ProcessLoading, nil
	}
}

func (b *Broker) Err(workerURL string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	proc, ok := b.processes[strings.TrimSpace(workerURL)]
	if !ok {
		return nil
	}
	return proc.err
}

func (b *Broker) URLs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	urls := make([]string, 0, len(b.processes))
	for url := range b.processes {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// Close terminates every process and waits for their loops to exit.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	procs := make([]*process, 0, len(b.processes))
	for _, proc := range b.processes {
		procs = append(procs, proc)
	}
	b.processes = map[string]*process{}
	b.mu.Unlock()

	b.cancel()
	for _, proc := range procs {
		b.terminate(proc)
	}
	for _, proc := range procs {
		<-proc.loop.done
	}
}

func (p *process) connect(port *Port) {
	if port.Closed() {
		return
	}
	p.broker.mu.Lock()
	terminated := p.terminated
	p.broker.mu.Unlock()
	if terminated {
		port.release()
		return
	}
	p.ports[port.id] = port
	if err := p.sandbox.Connect(port); err != nil {
		p.broker.logger.Warn("worker connect failed", "url", p.url, "port", port.String(), "error", err)
		delete(p.ports, port.id)
		port.release()
	}
}

func (p *process) portClosed(port *Port) {
	p.broker.mu.Lock()
	for i, queued := range p.pending {
		if queued == port {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			break
		}
	}
	p.broker.mu.Unlock()
	p.loop.Execute(func() {
		if _, ok := p.ports[port.id]; !ok {
			return
		}
		delete(p.ports, port.id)
		if p.sandbox != nil {
			p.sandbox.Disconnect(port)
		}
	})
}

// release closes connected ports and terminates the sandbox. Runs on loop.
func (p *process) release() {
	ids := make([]uint64, 0, len(p.ports))
	for id := range p.ports {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		p.ports[id].release()
	}
	p.ports = map[uint64]*Port{}
	if p.sandbox != nil {
		p.sandbox.Terminate()
		p.sandbox = nil
	}
}

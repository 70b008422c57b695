package frameworker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Capability is a host function exposed to a worker. Arguments and the
// result cross the sandbox boundary as plain JSON-compatible values.
type Capability func(args ...any) (any, error)

// Capabilities is the allowlist handed to a sandbox at creation time.
type Capabilities map[string]Capability

func (c Capabilities) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Runtime interface {
	NewSandbox(workerURL string, caps Capabilities) (Sandbox, error)
}

// Sandbox is the isolated execution context of one worker process. The
// broker calls every method on the process event loop.
type Sandbox interface {
	Evaluate(source string) error
	Connect(port *Port) error
	Disconnect(port *Port)
	Terminate()
}

type ScriptLoader interface {
	LoadScript(ctx context.Context, workerURL string) (string, error)
}

type ScriptLoaderFunc func(ctx context.Context, workerURL string) (string, error)

func (f ScriptLoaderFunc) LoadScript(ctx context.Context, workerURL string) (string, error) {
	return f(ctx, workerURL)
}

// Worker is a worker implemented in Go and hosted by GoRuntime.
type Worker interface {
	OnConnect(port *Port)
}

type DisconnectHandler interface {
	OnDisconnect(port *Port)
}

type TerminateHandler interface {
	OnTerminate()
}

type WorkerFunc func(port *Port)

func (f WorkerFunc) OnConnect(port *Port) {
	f(port)
}

type WorkerFactory func(caps Capabilities) (Worker, error)

type GoRuntime struct {
	mu        sync.RWMutex
	factories map[string]WorkerFactory
}

func NewGoRuntime() *GoRuntime {
	return &GoRuntime{factories: map[string]WorkerFactory{}}
}

func (r *GoRuntime) Register(workerURL string, factory WorkerFactory) {
	workerURL = strings.TrimSpace(workerURL)
	if workerURL == "" || factory == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[workerURL] = factory
}

func (r *GoRuntime) NewSandbox(workerURL string, caps Capabilities) (Sandbox, error) {
	r.mu.RLock()
	factory, ok := r.factories[workerURL]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no worker registered for %s", ErrNotFound, workerURL)
	}
	return &goSandbox{factory: factory, caps: caps}, nil
}

type goSandbox struct {
	factory WorkerFactory
	caps    Capabilities
	worker  Worker
}

func (s *goSandbox) Evaluate(string) (err error) {
	if s.worker != nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panicked: %v", r)
		}
	}()
	worker, err := s.factory(s.caps)
	if err != nil {
		return err
	}
	if worker == nil {
		return fmt.Errorf("%w: worker factory returned nil", ErrInvalidInput)
	}
	s.worker = worker
	return nil
}

func (s *goSandbox) Connect(port *Port) error {
	if s.worker == nil {
		return fmt.Errorf("%w: worker not evaluated", ErrInvalidInput)
	}
	s.worker.OnConnect(port)
	return nil
}

func (s *goSandbox) Disconnect(port *Port) {
	if h, ok := s.worker.(DisconnectHandler); ok {
		h.OnDisconnect(port)
	}
}

func (s *goSandbox) Terminate() {
	if h, ok := s.worker.(TerminateHandler); ok {
		h.OnTerminate()
	}
	s.worker = nil
}

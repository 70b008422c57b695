package frameworker

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type Handler func(msg Message)

var portSeq atomic.Uint64

// Port is one end of an entangled pair. Messages posted before the peer
// attaches a handler wait in the peer's queue; attaching drains the queue
// in order before any live delivery.
type Port struct {
	id    uint64
	label string

	mu      sync.Mutex
	peer    *Port
	handler Handler
	pending []Message
	closed  bool
	owner   *process
	exec    Executor
	done    chan struct{}

	// held for the whole of a drain or a live delivery so the two never interleave
	deliverMu sync.Mutex
}

// NewPair returns a client port and a worker port entangled with each other.
func NewPair(label string) (*Port, *Port) {
	client := newPort(label)
	worker := newPort(label)
	client.peer = worker
	worker.peer = client
	return client, worker
}

func newPort(label string) *Port {
	return &Port{
		id:    portSeq.Add(1),
		label: label,
		exec:  newMailbox(),
		done:  make(chan struct{}),
	}
}

func (p *Port) ID() uint64 {
	if p == nil {
		return 0
	}
	return p.id
}

func (p *Port) Label() string {
	if p == nil {
		return ""
	}
	return p.label
}

func (p *Port) String() string {
	return fmt.Sprintf("%s#%d", p.Label(), p.ID())
}

func (p *Port) Closed() bool {
	if p == nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Done is closed once the port is closed from either side.
func (p *Port) Done() <-chan struct{} {
	return p.done
}

func (p *Port) PostMessage(msg Message) error {
	if p == nil {
		return &PortClosedError{}
	}
	p.mu.Lock()
	peer := p.peer
	p.mu.Unlock()
	if peer == nil || !peer.receive(msg) {
		return &PortClosedError{PortID: p.id, Label: p.label}
	}
	return nil
}

// Post is a convenience wrapper around NewMessage and PostMessage.
func (p *Port) Post(topic string, data any) error {
	msg, err := NewMessage(topic, data)
	if err != nil {
		return err
	}
	return p.PostMessage(msg)
}

func (p *Port) receive(msg Message) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	if p.handler == nil {
		p.pending = append(p.pending, msg)
		p.mu.Unlock()
		return true
	}
	exec := p.exec
	p.mu.Unlock()
	exec.Execute(func() { p.dispatch(msg) })
	return true
}

func (p *Port) dispatch(msg Message) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

// SetOnMessage installs the delivery target. The first call drains every
// queued message into h before returning; later calls only swap the target.
func (p *Port) SetOnMessage(h Handler) {
	if p == nil || h == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.handler != nil {
		p.handler = h
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	p.mu.Lock()
	if p.handler != nil {
		p.handler = h
		p.mu.Unlock()
		return
	}
	p.handler = h
	queued := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, msg := range queued {
		h(msg)
	}
}

// Close is idempotent. It closes the peer as well and, for a worker-side
// port, tells the owning process the port is gone.
func (p *Port) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	peer := p.peer
	p.peer = nil
	p.pending = nil
	owner := p.owner
	p.mu.Unlock()

	if owner != nil {
		owner.portClosed(p)
	}
	if peer != nil {
		peer.Close()
	}
}

func (p *Port) bind(proc *process) {
	p.mu.Lock()
	p.owner = proc
	p.exec = proc.loop
	p.mu.Unlock()
}

// release closes the port without notifying its owner. Used while the owner
// itself is tearing down.
func (p *Port) release() {
	p.mu.Lock()
	p.owner = nil
	p.mu.Unlock()
	p.Close()
}

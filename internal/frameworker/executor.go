package frameworker

import (
	"log/slog"
	"runtime"
	"sync"
)

// Executor runs tasks one at a time in submission order.
type Executor interface {
	Execute(fn func())
}

// mailbox is the executor used by client ports. Its goroutine is started
// on demand and exits once the queue is empty.
type mailbox struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func newMailbox() *mailbox {
	return &mailbox{}
}

func (m *mailbox) Execute(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()
	go m.run()
}

func (m *mailbox) run() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.running = false
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()
		runTask(slog.Default(), fn)
	}
}

// eventLoop owns one worker process. Every sandbox call and every delivery
// to a worker-side port happens on its goroutine, which stays on one OS
// thread for the lifetime of the process.
type eventLoop struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newEventLoop(logger *slog.Logger) *eventLoop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &eventLoop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *eventLoop) Execute(fn func()) {
	l.submit(fn)
}

// submit queues fn and reports whether it will run. A stopped loop accepts
// nothing.
func (l *eventLoop) submit(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
	return true
}

// stop drops everything still queued. Safe to call from a task.
func (l *eventLoop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()
	l.signal()
}

func (l *eventLoop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *eventLoop) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)
	for {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			<-l.wake
			continue
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		runTask(l.logger, fn)
	}
}

func runTask(logger *slog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("port task panicked", "panic", r)
		}
	}()
	fn()
}

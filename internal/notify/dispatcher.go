package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/socialhost/internal/workerapi"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("notification dispatcher closed")
)

// Sink delivers one notification somewhere a user will see it.
type Sink interface {
	Deliver(ctx context.Context, n workerapi.Notification) error
}

type SinkFunc func(ctx context.Context, n workerapi.Notification) error

func (f SinkFunc) Deliver(ctx context.Context, n workerapi.Notification) error {
	return f(ctx, n)
}

type DispatcherOptions struct {
	Sinks     []Sink
	QueueSize int
	Workers   int
	// Timeout bounds one delivery to one sink.
	Timeout time.Duration
	Logger  *slog.Logger
}

type Stats struct {
	Queued    int    `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

var _ workerapi.Notifier = (*Dispatcher)(nil)

// Dispatcher queues worker notifications and hands them to every sink from
// a fixed pool of goroutines, so a slow sink never blocks a worker port.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan workerapi.Notification
	wg     sync.WaitGroup

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 128
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sinks:   append([]Sink(nil), opts.Sinks...),
		timeout: timeout,
		logger:  logger,
		queue:   make(chan workerapi.Notification, queueSize),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer d.wg.Done()
			d.worker()
		}()
	}
	return d
}

// Notify enqueues n without blocking.
func (d *Dispatcher) Notify(_ context.Context, n workerapi.Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- n:
		return nil
	default:
		d.dropped.Add(1)
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	for n := range d.queue {
		for _, sink := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			err := sink.Deliver(ctx, n)
			cancel()
			if err != nil {
				d.failed.Add(1)
				d.logger.Warn("notification delivery failed", "origin", n.Origin, "id", n.ID, "error", err)
				continue
			}
			d.delivered.Add(1)
		}
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    len(d.queue),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}

// Close stops accepting notifications and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(ctx context.Context, n workerapi.Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "social notification",
		"origin", n.Origin,
		"id", n.ID,
		"title", n.Title,
		"body", n.Body,
		"icon", n.Icon,
	)
	return nil
}

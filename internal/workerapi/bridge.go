package workerapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/agentworkforce/socialhost/internal/frameworker"
)

const defaultCookieDebounce = time.Millisecond

type Options struct {
	Cookies  CookieSource
	Notifier Notifier
	Clock    clock.Clock
	// Debounce is the window cookie changes are coalesced over.
	Debounce time.Duration
	Logger   *slog.Logger
	// OnError receives handler failures and unknown topics. They are logged either way.
	OnError func(error)
}

type handlerFunc func(msg frameworker.Message) error

// Bridge translates messages from one provider's worker port into provider
// operations and pushes cookie changes back to the worker.
type Bridge struct {
	target   Target
	port     *frameworker.Port
	cookies  CookieSource
	notifier Notifier
	clock    clock.Clock
	debounce time.Duration
	logger   *slog.Logger
	onError  func(error)
	handlers map[string]handlerFunc

	mu          sync.Mutex
	initialized bool
	closed      bool
	unsubscribe func()
	timer       *clock.Timer
}

func NewBridge(target Target, port *frameworker.Port, opts Options) *Bridge {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultCookieDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		target:   target,
		port:     port,
		cookies:  opts.Cookies,
		notifier: opts.Notifier,
		clock:    clk,
		debounce: debounce,
		logger:   logger.With("origin", target.Origin()),
		onError:  opts.OnError,
	}
	b.handlers = map[string]handlerFunc{
		TopicInitialize:          b.handleInitialize,
		TopicNotificationCreate:  b.handleNotificationCreate,
		TopicAmbientNotification: b.handleAmbientNotification,
		TopicAmbientArea:         b.handleAmbientArea,
	}
	port.SetOnMessage(b.handle)
	return b
}

func (b *Bridge) Port() *frameworker.Port {
	return b.port
}

func (b *Bridge) Initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

func (b *Bridge) handle(msg frameworker.Message) {
	handler, ok := b.handlers[msg.Topic]
	if !ok {
		b.report(&UnknownTopicError{Origin: b.target.Origin(), Topic: msg.Topic})
		return
	}
	if err := handler(msg); err != nil {
		b.report(fmt.Errorf("%s: %w", msg.Topic, err))
	}
}

func (b *Bridge) report(err error) {
	b.logger.Error("worker api message failed", "error", err)
	if b.onError != nil {
		b.onError(err)
	}
}

func (b *Bridge) handleInitialize(frameworker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.initialized {
		return nil
	}
	b.initialized = true
	if b.cookies == nil {
		return nil
	}
	host := providerHost(b.target.Origin())
	b.unsubscribe = b.cookies.Subscribe(func(c Cookie) {
		if cookieMatchesHost(c.Host, host) {
			b.cookieChanged()
		}
	})
	return nil
}

func (b *Bridge) cookieChanged() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.timer != nil {
		return
	}
	b.timer = b.clock.AfterFunc(b.debounce, b.flushCookies)
}

func (b *Bridge) flushCookies() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.mu.Unlock()
	if err := b.port.Post(TopicCookieChanged, nil); err != nil {
		b.logger.Warn("push cookie change failed", "error", err)
	}
}

func (b *Bridge) handleNotificationCreate(msg frameworker.Message) error {
	var n Notification
	if err := msg.Decode(&n); err != nil {
		return err
	}
	n.Origin = b.target.Origin()
	if b.notifier == nil {
		b.logger.Info("worker notification", "title", n.Title, "id", n.ID)
		return nil
	}
	return b.notifier.Notify(context.Background(), n)
}

func (b *Bridge) handleAmbientNotification(msg frameworker.Message) error {
	var payload iconPayload
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	counter, err := counterText(payload.Counter)
	if err != nil {
		return err
	}
	return b.target.SetAmbientNotification(IconUpdate{
		Name:         payload.Name,
		Background:   payload.Background,
		Counter:      counter,
		ContentPanel: payload.ContentPanel,
	})
}

func (b *Bridge) handleAmbientArea(msg frameworker.Message) error {
	var payload areaPayload
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	return b.target.UpdateAmbientArea(AreaUpdate{
		Background: payload.Background,
		Portrait:   payload.Portrait,
	})
}

// Shutdown stops cookie observation, cancels a pending push, tells the
// worker the port is going away and closes it. Safe to call twice.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	_ = b.port.Post(TopicPortClosing, nil)
	b.port.Close()
}

func providerHost(origin string) string {
	parsed, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

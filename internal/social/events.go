package social

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

type Category string

const (
	CategoryBrowsing Category = "browsing"
	CategoryService  Category = "service"
)

const (
	TopicManifestChanged            = "social-service-manifest-changed"
	TopicBrowsingEnabled            = "social-browsing-enabled"
	TopicBrowsingDisabled           = "social-browsing-disabled"
	TopicCurrentServiceChanged      = "social-browsing-current-service-changed"
	TopicAmbientNotificationChanged = "social-browsing-ambient-notification-changed"
	TopicServiceActivated           = "social-service-activated"
	TopicServiceDeactivated         = "social-service-deactivated"
	TopicServiceShutdown            = "social-service-shutdown"
)

// Event is one registry notification. Origin is empty for the global
// browsing toggles.
type Event struct {
	Seq      uint64   `json:"seq"`
	Category Category `json:"category"`
	Topic    string   `json:"topic"`
	Origin   string   `json:"origin,omitempty"`
}

func CategoryOf(topic string) Category {
	switch topic {
	case TopicServiceActivated, TopicServiceDeactivated, TopicServiceShutdown:
		return CategoryService
	default:
		return CategoryBrowsing
	}
}

// Subscription receives the events of one category on C. A subscriber that
// falls behind loses events rather than stalling the registry.
type Subscription struct {
	C <-chan Event

	bus      *Bus
	id       uint64
	category Category
	ch       chan Event
	dropped  atomic.Uint64
}

func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus fans registry events out per category. Hooks run synchronously in
// publish order and must not publish themselves.
type Bus struct {
	seq atomic.Uint64

	// held across a whole batch so batches from different transitions never interleave
	publishMu sync.Mutex

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
	hooks  map[uint64]func(Event)
}

func NewBus() *Bus {
	return &Bus{
		subs:  map[uint64]*Subscription{},
		hooks: map[uint64]func(Event){},
	}
}

// Subscribe returns a buffered stream of events in category, or of every
// category when it is empty.
func (b *Bus) Subscribe(category Category, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{C: ch, bus: b, id: b.nextID, category: category, ch: ch}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Hook registers fn for every event of every category.
func (b *Bus) Hook(fn func(Event)) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.hooks[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.hooks, id)
	}
}

// Publish delivers events in the order given.
func (b *Bus) Publish(events ...Event) {
	if b == nil || len(events) == 0 {
		return
	}
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	for _, event := range events {
		event.Seq = b.seq.Add(1)
		if event.Category == "" {
			event.Category = CategoryOf(event.Topic)
		}
		hooks, subs := b.targets(event.Category)
		for _, hook := range hooks {
			hook(event)
		}
		for _, sub := range subs {
			select {
			case sub.ch <- event:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

func (b *Bus) targets(category Category) ([]func(Event), []*Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hookIDs := sortedKeys(b.hooks)
	hooks := make([]func(Event), 0, len(hookIDs))
	for _, id := range hookIDs {
		hooks = append(hooks, b.hooks[id])
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, id := range sortedKeys(b.subs) {
		if sub := b.subs[id]; sub.category == "" || sub.category == category {
			subs = append(subs, sub)
		}
	}
	return hooks, subs
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	return slices.Sorted(maps.Keys(m))
}

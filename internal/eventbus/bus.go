package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/mgdocker/core"
	"pkt.systems/mgdocker/schema"
	"pkt.systems/pslog"
)

// DefaultDepth is the number of pending events buffered per subscriber.
const DefaultDepth = 1000

// Observer receives bus accounting callbacks.
type Observer interface {
	EventPublished(event schema.Event)
	EventsDropped(count int)
}

// Option configures a Bus.
type Option func(*Bus)

// WithDepth sets the per-subscriber buffer size.
func WithDepth(depth int) Option {
	return func(b *Bus) {
		if depth > 0 {
			b.depth = depth
		}
	}
}

// WithObserver registers an accounting observer.
func WithObserver(observer Observer) Option {
	return func(b *Bus) { b.observer = observer }
}

// Bus broadcasts every event to every subscriber. It is not partitioned by
// key; subscribers filter for the keys they care about.
type Bus struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	closed   bool
	log      pslog.Logger
	depth    int
	observer Observer
}

// New constructs a Bus.
func New(logger pslog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	b := &Bus{
		subs:  make(map[*Subscription]struct{}),
		log:   logger,
		depth: DefaultDepth,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber that observes events published after this call.
func (b *Bus) Subscribe(_ context.Context) (core.Subscription, error) {
	sub := &Subscription{ch: make(chan schema.Event, b.depth), bus: b}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, schema.ErrBusClosed
	}
	b.subs[sub] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.Debug("eventbus subscribe", "subs", count)
	}
	return sub, nil
}

// Publish stamps and fans out the event without waiting on slow subscribers.
// Subscribers with a full buffer miss the event.
func (b *Bus) Publish(_ context.Context, event schema.Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return schema.ErrBusClosed
	}
	dropped := 0
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			dropped++
		}
	}
	b.mu.Unlock()
	if b.observer != nil {
		b.observer.EventPublished(event)
		if dropped > 0 {
			b.observer.EventsDropped(dropped)
		}
	}
	if dropped > 0 && b.log != nil {
		b.log.With("resource", event.Key).Trace("eventbus dropped", "count", dropped)
	}
	return nil
}

// Close ends every subscription. Further publishes fail with ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	for sub := range subs {
		close(sub.ch)
	}
	b.mu.Unlock()
	if b.log != nil {
		b.log.Debug("eventbus closed", "subs", len(subs))
	}
	return nil
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
	remaining := len(b.subs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.Debug("eventbus unsubscribe", "subs", remaining, "dropped", sub.dropped.Load())
	}
}

// Subscription is a single-reader handle on the bus.
type Subscription struct {
	ch      chan schema.Event
	bus     *Bus
	once    sync.Once
	dropped atomic.Int64
}

// Next blocks for the next event. It returns ErrBusClosed once the bus (or the
// subscription) has been closed.
func (s *Subscription) Next(ctx context.Context) (schema.Event, error) {
	select {
	case <-ctx.Done():
		return schema.Event{}, ctx.Err()
	case event, ok := <-s.ch:
		if !ok {
			return schema.Event{}, schema.ErrBusClosed
		}
		return event, nil
	}
}

// Dropped returns how many events this subscriber missed because its buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() error {
	s.once.Do(func() { s.bus.unsubscribe(s) })
	return nil
}

// Package redisbus carries bus events over Redis pub/sub so several server
// processes can observe each other's runs. Nothing is stored.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"pkt.systems/mgdocker/core"
	"pkt.systems/mgdocker/internal/eventbus"
	"pkt.systems/mgdocker/schema"
	"pkt.systems/pslog"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "mgdocker:events"

// Config describes the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Depth    int
}

// Bus publishes events to a Redis channel and subscribes to it.
type Bus struct {
	client   *redis.Client
	channel  string
	depth    int
	log      pslog.Logger
	observer eventbus.Observer

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger pslog.Logger, observer eventbus.Observer) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if logger != nil {
		logger.Info("eventbus connected to redis", "addr", cfg.Addr, "channel", channelOrDefault(cfg.Channel))
	}
	return NewFromClient(client, cfg, logger, observer), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, cfg Config, logger pslog.Logger, observer eventbus.Observer) *Bus {
	depth := cfg.Depth
	if depth <= 0 {
		depth = eventbus.DefaultDepth
	}
	return &Bus{
		client:   client,
		channel:  channelOrDefault(cfg.Channel),
		depth:    depth,
		log:      logger,
		observer: observer,
		subs:     make(map[*Subscription]struct{}),
	}
}

func channelOrDefault(channel string) string {
	if channel == "" {
		return DefaultChannel
	}
	return channel
}

// Publish sends the event to every subscribed process.
func (b *Bus) Publish(ctx context.Context, event schema.Event) error {
	if b.isClosed() {
		return schema.ErrBusClosed
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	payload, err := encode(event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if b.observer != nil {
		b.observer.EventPublished(event)
	}
	return nil
}

// Subscribe confirms the subscription with Redis before returning so events
// published afterwards are not missed.
func (b *Bus) Subscribe(ctx context.Context) (core.Subscription, error) {
	if b.isClosed() {
		return nil, schema.ErrBusClosed
	}
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	sub := &Subscription{
		ps:   ps,
		msgs: ps.Channel(redis.WithChannelSize(b.depth)),
		bus:  b,
		done: make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil, schema.ErrBusClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	if b.log != nil {
		b.log.Debug("eventbus redis subscribe", "channel", b.channel)
	}
	return sub, nil
}

// Close ends every subscription and the client.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()
	for sub := range subs {
		_ = sub.Close()
	}
	return b.client.Close()
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Subscription receives events from the Redis channel.
type Subscription struct {
	ps   *redis.PubSub
	msgs <-chan *redis.Message
	bus  *Bus
	once sync.Once
	done chan struct{}
}

// Next returns the next decodable event. Malformed payloads are skipped.
func (s *Subscription) Next(ctx context.Context) (schema.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return schema.Event{}, ctx.Err()
		case <-s.done:
			return schema.Event{}, schema.ErrBusClosed
		case msg, ok := <-s.msgs:
			if !ok {
				return schema.Event{}, schema.ErrBusClosed
			}
			event, err := decode(msg.Payload)
			if err != nil {
				if s.bus.log != nil {
					s.bus.log.Debug("eventbus redis payload skipped", "err", err)
				}
				continue
			}
			return event, nil
		}
	}
}

// Close unsubscribes.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.bus.unsubscribe(s)
		err = s.ps.Close()
	})
	return err
}

func encode(event schema.Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return payload, nil
}

func decode(payload string) (schema.Event, error) {
	var event schema.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return schema.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if event.Key == "" || event.Type == "" {
		return schema.Event{}, errors.New("decode event: missing key or type")
	}
	return event, nil
}

// Package eventbus carries gateway lifecycle and frame events from the
// connection handler, registry and speech sessions to the metrics
// collector and tests.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Observer sees every envelope before it is delivered.
type Observer interface {
	OnPublish(env Envelope)
}

// Metrics is a snapshot of bus counters.
type Metrics struct {
	PublishTotal uint64
	DroppedTotal uint64
}

// Bus routes envelopes to per-topic subscribers. A nil *Bus is valid and
// drops everything.
type Bus struct {
	mu        sync.RWMutex
	routes    map[Topic]Route
	subs      map[Topic]map[uint64]*Subscription
	observers []Observer

	nextID    atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
}

// Option customises a Bus.
type Option func(*Bus)

// WithRoute replaces the delivery configuration for topic.
func WithRoute(topic Topic, route Route) Option {
	return func(b *Bus) {
		b.routes[topic] = route.normalized()
	}
}

// WithTopicBuffer changes only the subscriber buffer size for topic.
func WithTopicBuffer(topic Topic, size int) Option {
	return func(b *Bus) {
		r := b.routeFor(topic)
		r.Buffer = size
		b.routes[topic] = r.normalized()
	}
}

// WithObserver registers an observer at construction time.
func WithObserver(observer Observer) Option {
	return func(b *Bus) {
		if observer != nil {
			b.observers = append(b.observers, observer)
		}
	}
}

// New builds a bus with the gateway's default routes.
func New(opts ...Option) *Bus {
	b := &Bus{
		routes: defaultRoutes(),
		subs:   make(map[Topic]map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) routeFor(topic Topic) Route {
	if r, ok := b.routes[topic]; ok {
		return r
	}
	return fallbackRoute
}

// AddObserver registers an observer after construction.
func (b *Bus) AddObserver(observer Observer) {
	if b == nil || observer == nil {
		return
	}
	b.mu.Lock()
	b.observers = append(b.observers, observer)
	b.mu.Unlock()
}

// Metrics returns the current counters.
func (b *Bus) Metrics() Metrics {
	if b == nil {
		return Metrics{}
	}
	return Metrics{
		PublishTotal: b.published.Load(),
		DroppedTotal: b.dropped.Load(),
	}
}

// Publish delivers a raw envelope. Prefer the typed Publish helper.
func (b *Bus) Publish(ctx context.Context, env Envelope) {
	if b == nil || env.Topic == "" {
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Source == "" {
		env.Source = SourceUnknown
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.observers {
		o.OnPublish(env)
	}
	for _, sub := range b.subs[env.Topic] {
		sub.deliver(ctx, env)
	}
}

// Subscribe registers a raw subscriber for topic. On a nil bus the returned
// subscription is already closed.
func (b *Bus) Subscribe(topic Topic, opts ...SubscriptionOption) *Subscription {
	if b == nil {
		sub := &Subscription{topic: topic, ch: make(chan Envelope)}
		sub.closed.Store(true)
		close(sub.ch)
		return sub
	}

	route := b.routeFor(topic)
	cfg := subscriptionConfig{buffer: route.Buffer}
	for _, opt := range opts {
		opt(&cfg)
	}

	sub := &Subscription{
		topic: topic,
		id:    b.nextID.Add(1),
		name:  cfg.name,
		route: route,
		ch:    make(chan Envelope, cfg.buffer),
		bus:   b,
	}
	if route.Strategy == Spill {
		ctx, cancel := context.WithCancel(context.Background())
		sub.spill = newSpillQueue(route.SpillCap)
		sub.stopSpill = cancel
		go sub.spill.run(ctx, sub.ch)
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*Subscription)
	}
	b.subs[topic][sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Shutdown closes every subscription.
func (b *Bus) Shutdown() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subs {
		for _, sub := range subs {
			if sub.closed.CompareAndSwap(false, true) {
				sub.finish()
			}
		}
		delete(b.subs, topic)
	}
}

package eventbus

import (
	"context"
	"log"
	"sync/atomic"
)

// SubscriptionOption customises one subscription.
type SubscriptionOption func(*subscriptionConfig)

type subscriptionConfig struct {
	buffer int
	name   string
}

// WithSubscriptionBuffer overrides the topic's channel buffer.
func WithSubscriptionBuffer(size int) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if size > 0 {
			cfg.buffer = size
		}
	}
}

// WithSubscriptionName labels drop warnings.
func WithSubscriptionName(name string) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		cfg.name = name
	}
}

// Subscription is a raw consumer of one topic.
type Subscription struct {
	topic Topic
	id    uint64
	name  string
	route Route
	ch    chan Envelope
	bus   *Bus

	closed  atomic.Bool
	dropped atomic.Uint64

	spill     *spillQueue
	stopSpill context.CancelFunc
}

// C exposes the event channel. It is closed by Close or Bus.Shutdown.
func (s *Subscription) C() <-chan Envelope {
	return s.ch
}

// Dropped returns how many events this subscriber lost.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.bus == nil {
		s.finish()
		return
	}
	s.bus.mu.Lock()
	delete(s.bus.subs[s.topic], s.id)
	s.finish()
	s.bus.mu.Unlock()
}

// finish stops the spill goroutine and closes the channel. Callers hold the
// bus write lock so no publisher is mid-delivery.
func (s *Subscription) finish() {
	if s.stopSpill != nil {
		s.stopSpill()
		<-s.spill.stopped
	}
	close(s.ch)
}

func (s *Subscription) deliver(ctx context.Context, env Envelope) {
	if s.closed.Load() {
		return
	}
	if ctx != nil && ctx.Err() != nil {
		return
	}

	if s.spill != nil {
		if !s.spill.offer(env) {
			s.replaceOldest(env)
		}
		return
	}

	select {
	case s.ch <- env:
		return
	default:
	}
	if s.route.Strategy == DropNewest {
		s.recordDrop("newest")
		return
	}
	s.replaceOldest(env)
}

func (s *Subscription) replaceOldest(env Envelope) {
	select {
	case <-s.ch:
		s.recordDrop("oldest")
	default:
	}
	select {
	case s.ch <- env:
	default:
		s.recordDrop("current")
	}
}

func (s *Subscription) recordDrop(which string) {
	n := s.dropped.Add(1)
	if s.bus != nil {
		s.bus.dropped.Add(1)
	}
	name := s.name
	if name == "" {
		name = "subscriber"
	}
	log.Printf("[EventBus] %s dropped %s event on %s (total %d)", name, which, s.topic, n)
}

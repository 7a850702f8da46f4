package eventbus

import (
	"sync"
	"time"
)

// TypedEnvelope is an Envelope whose payload has been asserted to T.
type TypedEnvelope[T any] struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       T
}

// TypedSubscription forwards payloads of type T from a raw subscription.
// Payloads of any other type are skipped.
type TypedSubscription[T any] struct {
	raw    *Subscription
	out    chan TypedEnvelope[T]
	stop   chan struct{}
	exited chan struct{}
	once   sync.Once
}

// Subscribe opens a typed subscription on topic. On a nil bus the channel
// is already closed. The typed channel is unbuffered; buffering and drop
// policy belong to the raw subscription.
func Subscribe[T any](bus *Bus, topic Topic, opts ...SubscriptionOption) *TypedSubscription[T] {
	ts := &TypedSubscription[T]{
		out:    make(chan TypedEnvelope[T]),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	if bus == nil {
		close(ts.out)
		close(ts.exited)
		return ts
	}
	ts.raw = bus.Subscribe(topic, opts...)
	go ts.forward()
	return ts
}

// C returns the typed event channel.
func (ts *TypedSubscription[T]) C() <-chan TypedEnvelope[T] {
	return ts.out
}

// Close stops forwarding and closes the raw subscription. Safe to call
// more than once.
func (ts *TypedSubscription[T]) Close() {
	ts.once.Do(func() {
		close(ts.stop)
		if ts.raw != nil {
			ts.raw.Close()
		}
		<-ts.exited
	})
}

func (ts *TypedSubscription[T]) forward() {
	defer close(ts.exited)
	defer close(ts.out)

	for env := range ts.raw.C() {
		payload, ok := env.Payload.(T)
		if !ok {
			continue
		}
		select {
		case ts.out <- TypedEnvelope[T]{
			Topic:         env.Topic,
			Timestamp:     env.Timestamp,
			Source:        env.Source,
			CorrelationID: env.CorrelationID,
			Payload:       payload,
		}:
		case <-ts.stop:
			return
		}
	}
}

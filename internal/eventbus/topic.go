package eventbus

import "context"

// TopicDef binds a topic to its payload type so publishers and
// subscribers cannot disagree about it.
type TopicDef[T any] struct{ topic Topic }

// NewTopicDef declares a typed topic.
func NewTopicDef[T any](topic Topic) TopicDef[T] { return TopicDef[T]{topic: topic} }

// Topic returns the underlying topic name.
func (d TopicDef[T]) Topic() Topic { return d.topic }

// PublishOption adjusts the envelope built by PublishWithOpts.
type PublishOption func(*Envelope)

// WithCorrelationID tags the envelope, usually with a connection id.
func WithCorrelationID(id string) PublishOption {
	return func(env *Envelope) {
		env.CorrelationID = id
	}
}

// Publish sends payload on td. A nil bus is a no-op.
func Publish[T any](ctx context.Context, bus *Bus, td TopicDef[T], source Source, payload T) {
	PublishWithOpts(ctx, bus, td, source, payload)
}

// PublishWithOpts is Publish with envelope options.
func PublishWithOpts[T any](ctx context.Context, bus *Bus, td TopicDef[T], source Source, payload T, opts ...PublishOption) {
	if bus == nil {
		return
	}
	env := Envelope{Topic: td.topic, Source: source, Payload: payload}
	for _, opt := range opts {
		opt(&env)
	}
	bus.Publish(ctx, env)
}

// SubscribeTo opens a typed subscription on td.
func SubscribeTo[T any](bus *Bus, td TopicDef[T], opts ...SubscriptionOption) *TypedSubscription[T] {
	return Subscribe[T](bus, td.topic, opts...)
}

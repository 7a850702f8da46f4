package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func receive[T any](t *testing.T, sub *TypedSubscription[T]) TypedEnvelope[T] {
	t.Helper()
	select {
	case env, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return TypedEnvelope[T]{}
}

func TestTypedPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Shutdown()

	sub := SubscribeTo(bus, Devices.Lifecycle)
	defer sub.Close()

	PublishWithOpts(context.Background(), bus, Devices.Lifecycle, SourceGateway,
		DeviceLifecycleEvent{ConnectionID: "c1", DeviceID: "dev-1", State: DeviceStateConnected},
		WithCorrelationID("c1"))

	env := receive(t, sub)
	if env.Payload.DeviceID != "dev-1" || env.Payload.State != DeviceStateConnected {
		t.Fatalf("unexpected payload %+v", env.Payload)
	}
	if env.Source != SourceGateway || env.CorrelationID != "c1" || env.Topic != TopicDevicesLifecycle {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if env.Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}
}

func TestTypedSubscriptionSkipsOtherPayloads(t *testing.T) {
	bus := New()
	defer bus.Shutdown()

	sub := Subscribe[FrameEvent](bus, TopicGatewayFrames)
	defer sub.Close()

	ctx := context.Background()
	bus.Publish(ctx, Envelope{Topic: TopicGatewayFrames, Payload: "not a frame"})
	Publish(ctx, bus, Gateway.Frames, SourceGateway, FrameEvent{Kind: "audioInput", Outcome: FrameAccepted})

	env := receive(t, sub)
	if env.Payload.Kind != "audioInput" {
		t.Fatalf("unexpected payload %+v", env.Payload)
	}
}

func TestRawPublishDefaults(t *testing.T) {
	bus := New()
	defer bus.Shutdown()

	sub := bus.Subscribe(TopicToolsReloaded)
	bus.Publish(context.Background(), Envelope{Topic: TopicToolsReloaded, Payload: 1})
	bus.Publish(context.Background(), Envelope{Payload: 2})

	env := <-sub.C()
	if env.Source != SourceUnknown {
		t.Fatalf("source = %q", env.Source)
	}
	if got := bus.Metrics().PublishTotal; got != 1 {
		t.Fatalf("envelopes without a topic should be ignored, published = %d", got)
	}
}

func TestNilBusIsNoop(t *testing.T) {
	var bus *Bus
	Publish(context.Background(), bus, Speech.Lifecycle, SourceSpeech, SpeechLifecycleEvent{})
	bus.Publish(context.Background(), Envelope{Topic: TopicSpeechLifecycle})
	bus.AddObserver(nil)
	bus.Shutdown()

	sub := SubscribeTo(bus, Speech.Lifecycle)
	if _, ok := <-sub.C(); ok {
		t.Fatal("nil bus subscription should be closed")
	}
	sub.Close()
	if m := bus.Metrics(); m.PublishTotal != 0 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestDropNewestKeepsBufferedFrames(t *testing.T) {
	bus := New(WithTopicBuffer(TopicGatewayFrames, 2))
	defer bus.Shutdown()

	sub := bus.Subscribe(TopicGatewayFrames, WithSubscriptionName("test"))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		bus.Publish(ctx, Envelope{Topic: TopicGatewayFrames, Payload: i})
	}

	if got := sub.Dropped(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
	if first := (<-sub.C()).Payload; first != 0 {
		t.Fatalf("first = %v, want 0", first)
	}
	if second := (<-sub.C()).Payload; second != 1 {
		t.Fatalf("second = %v, want 1", second)
	}
	if got := bus.Metrics().DroppedTotal; got != 2 {
		t.Fatalf("bus dropped = %d", got)
	}
}

func TestDropOldestKeepsLatest(t *testing.T) {
	bus := New(WithRoute(TopicToolsReloaded, Route{Buffer: 2, Strategy: DropOldest}))
	defer bus.Shutdown()

	sub := bus.Subscribe(TopicToolsReloaded)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		bus.Publish(ctx, Envelope{Topic: TopicToolsReloaded, Payload: i})
	}

	if a, b := (<-sub.C()).Payload, (<-sub.C()).Payload; a != 2 || b != 3 {
		t.Fatalf("got %v, %v; want 2, 3", a, b)
	}
}

func TestSpillPreservesOrderUnderBurst(t *testing.T) {
	bus := New(WithRoute(TopicSpeechLifecycle, Route{Buffer: 1, Strategy: Spill, SpillCap: 100}))
	defer bus.Shutdown()

	sub := bus.Subscribe(TopicSpeechLifecycle)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		bus.Publish(ctx, Envelope{Topic: TopicSpeechLifecycle, Payload: i})
	}

	for want := 0; want < 50; want++ {
		select {
		case env := <-sub.C():
			if env.Payload != want {
				t.Fatalf("got %v, want %d", env.Payload, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out at %d", want)
		}
	}
	if sub.Dropped() != 0 {
		t.Fatalf("spill route dropped %d events", sub.Dropped())
	}
}

func TestSpillQueueLimit(t *testing.T) {
	q := newSpillQueue(2)
	if !q.offer(Envelope{Payload: 1}) || !q.offer(Envelope{Payload: 2}) {
		t.Fatal("offers under the limit should succeed")
	}
	if q.offer(Envelope{Payload: 3}) {
		t.Fatal("offer over the limit should fail")
	}
	if env, _ := q.take(); env.Payload != 1 {
		t.Fatalf("take = %v", env.Payload)
	}
	if q.pending() != 1 {
		t.Fatalf("pending = %d", q.pending())
	}
}

type countingObserver struct {
	mu     sync.Mutex
	topics []Topic
}

func (o *countingObserver) OnPublish(env Envelope) {
	o.mu.Lock()
	o.topics = append(o.topics, env.Topic)
	o.mu.Unlock()
}

func TestObserversSeeEveryPublish(t *testing.T) {
	early := &countingObserver{}
	late := &countingObserver{}
	bus := New(WithObserver(early))
	defer bus.Shutdown()
	bus.AddObserver(late)

	ctx := context.Background()
	Publish(ctx, bus, Tools.Reloaded, SourceTools, ToolsReloadedEvent{DeviceID: "dev-1"})
	Publish(ctx, bus, Gateway.Frames, SourceGateway, FrameEvent{Kind: "auth"})

	for _, o := range []*countingObserver{early, late} {
		o.mu.Lock()
		n := len(o.topics)
		o.mu.Unlock()
		if n != 2 {
			t.Fatalf("observer saw %d events, want 2", n)
		}
	}
	if got := bus.Metrics().PublishTotal; got != 2 {
		t.Fatalf("publish total = %d", got)
	}
}

func TestCloseUnregisters(t *testing.T) {
	bus := New()
	defer bus.Shutdown()

	sub := SubscribeTo(bus, Speech.Lifecycle)
	sub.Close()
	sub.Close()

	if _, ok := <-sub.C(); ok {
		t.Fatal("channel should be closed")
	}
	bus.mu.RLock()
	n := len(bus.subs[TopicSpeechLifecycle])
	bus.mu.RUnlock()
	if n != 0 {
		t.Fatalf("%d subscribers left registered", n)
	}
	Publish(context.Background(), bus, Speech.Lifecycle, SourceSpeech, SpeechLifecycleEvent{})
}

func TestShutdownClosesSubscriptions(t *testing.T) {
	bus := New()
	devices := bus.Subscribe(TopicDevicesLifecycle)
	frames := bus.Subscribe(TopicGatewayFrames)

	bus.Shutdown()

	for _, sub := range []*Subscription{devices, frames} {
		if _, ok := <-sub.C(); ok {
			t.Fatalf("subscription on %s still open", sub.topic)
		}
		sub.Close()
	}
}

func TestCancelledContextSkipsDelivery(t *testing.T) {
	bus := New()
	defer bus.Shutdown()

	sub := bus.Subscribe(TopicToolsReloaded)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Publish(ctx, Envelope{Topic: TopicToolsReloaded, Payload: 1})

	select {
	case env := <-sub.C():
		t.Fatalf("unexpected delivery %+v", env)
	default:
	}
}

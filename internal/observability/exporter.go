package observability

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nupi-ai/voxgate/internal/eventbus"
)

const namespace = "voxgate"

// Exporter maintains the gateway's Prometheus metrics by consuming bus events.
type Exporter struct {
	bus      *eventbus.Bus
	registry *prometheus.Registry
	counter  *EventCounter

	devicesConnected prometheus.Gauge
	sessionsActive   prometheus.Gauge
	framesTotal      *prometheus.CounterVec
	sessionsTotal    *prometheus.CounterVec
	toolBackends     *prometheus.GaugeVec

	mu    sync.Mutex
	tools map[string]eventbus.ToolsReloadedEvent

	lifecycle eventbus.ServiceLifecycle
}

// NewExporter registers the gateway metrics and attaches an event counter to bus.
func NewExporter(bus *eventbus.Bus) *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		bus:      bus,
		registry: registry,
		counter:  NewEventCounter(),
		devicesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_connected",
			Help:      "Number of open device connections",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "speech_sessions_active",
			Help:      "Number of live speech sessions",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound device frames by kind and outcome",
		}, []string{"kind", "outcome"}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_sessions_total",
			Help:      "Speech session transitions by state",
		}, []string{"state"}),
		toolBackends: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tool_backends",
			Help:      "Tool backends across devices by connection state",
		}, []string{"state"}),
		tools: make(map[string]eventbus.ToolsReloadedEvent),
	}

	registry.MustRegister(
		e.devicesConnected,
		e.sessionsActive,
		e.framesTotal,
		e.sessionsTotal,
		e.toolBackends,
		e.counter,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_publish_total",
			Help:      "Total number of events published on the bus",
		}, func() float64 { return float64(bus.Metrics().PublishTotal) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Total number of events dropped by the bus",
		}, func() float64 { return float64(bus.Metrics().DroppedTotal) }),
		prometheus.NewGoCollector(),
	)
	bus.AddObserver(e.counter)

	return e
}

// Registry exposes the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

// Start subscribes to the gateway topics.
func (e *Exporter) Start(ctx context.Context) error {
	e.lifecycle.Start(ctx)

	devices := eventbus.SubscribeTo(e.bus, eventbus.Devices.Lifecycle, eventbus.WithSubscriptionName("metrics_devices"))
	speech := eventbus.SubscribeTo(e.bus, eventbus.Speech.Lifecycle, eventbus.WithSubscriptionName("metrics_speech"))
	tools := eventbus.SubscribeTo(e.bus, eventbus.Tools.Reloaded, eventbus.WithSubscriptionName("metrics_tools"))
	frames := eventbus.SubscribeTo(e.bus, eventbus.Gateway.Frames, eventbus.WithSubscriptionName("metrics_frames"))
	e.lifecycle.AddSubscriptions(devices, speech, tools, frames)

	e.lifecycle.Go(func(ctx context.Context) { eventbus.Consume(ctx, devices, nil, e.onDevice) })
	e.lifecycle.Go(func(ctx context.Context) { eventbus.Consume(ctx, speech, nil, e.onSpeech) })
	e.lifecycle.Go(func(ctx context.Context) { eventbus.Consume(ctx, tools, nil, e.onTools) })
	e.lifecycle.Go(func(ctx context.Context) { eventbus.Consume(ctx, frames, nil, e.onFrame) })
	return nil
}

// Shutdown stops consuming and waits for the workers.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.lifecycle.Shutdown(ctx)
}

func (e *Exporter) onDevice(evt eventbus.DeviceLifecycleEvent) {
	switch evt.State {
	case eventbus.DeviceStateConnected:
		e.devicesConnected.Inc()
	case eventbus.DeviceStateDisconnected:
		e.devicesConnected.Dec()
		if evt.DeviceID != "" {
			e.mu.Lock()
			delete(e.tools, evt.DeviceID)
			e.refreshToolsLocked()
			e.mu.Unlock()
		}
	}
}

func (e *Exporter) onSpeech(evt eventbus.SpeechLifecycleEvent) {
	e.sessionsTotal.WithLabelValues(string(evt.State)).Inc()
	switch evt.State {
	case eventbus.SpeechStateOpened:
		e.sessionsActive.Inc()
	case eventbus.SpeechStateClosed, eventbus.SpeechStateFailed, eventbus.SpeechStateRestarted:
		e.sessionsActive.Dec()
	}
}

func (e *Exporter) onTools(evt eventbus.ToolsReloadedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(evt.Connected) == 0 && len(evt.Failed) == 0 {
		delete(e.tools, evt.DeviceID)
	} else {
		e.tools[evt.DeviceID] = evt
	}
	e.refreshToolsLocked()
}

func (e *Exporter) refreshToolsLocked() {
	var connected, failed int
	for _, evt := range e.tools {
		connected += len(evt.Connected)
		failed += len(evt.Failed)
	}
	e.toolBackends.WithLabelValues("connected").Set(float64(connected))
	e.toolBackends.WithLabelValues("failed").Set(float64(failed))
}

func (e *Exporter) onFrame(evt eventbus.FrameEvent) {
	kind := evt.Kind
	if kind == "" {
		kind = "unknown"
	}
	e.framesTotal.WithLabelValues(kind, evt.Outcome).Inc()
}

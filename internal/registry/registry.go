// Package registry owns the live state of every connected device: its
// speech session, its tool manager and the task forwarding model output to
// the device.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nupi-ai/voxgate/internal/constants"
	"github.com/nupi-ai/voxgate/internal/device"
	"github.com/nupi-ai/voxgate/internal/eventbus"
	"github.com/nupi-ai/voxgate/internal/speech"
	"github.com/nupi-ai/voxgate/internal/tools"
	"github.com/nupi-ai/voxgate/internal/upstream"
)

var (
	// ErrNotAttached is returned for devices without an authenticated connection.
	ErrNotAttached = errors.New("registry: device not attached")
	// ErrSuperseded is returned when a restart or disconnect raced a session build.
	ErrSuperseded = errors.New("registry: session build superseded")
	// ErrReplaced is returned to a connection whose device attached again
	// over a newer connection.
	ErrReplaced = errors.New("registry: connection replaced")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("registry: closed")
)

// Sink writes frames to a device transport.
type Sink interface {
	WriteFrame(ctx context.Context, data []byte) error
}

// ConfigStore is the slice of the config store the registry needs.
type ConfigStore interface {
	GetDeviceConfig(ctx context.Context, deviceID string) (device.Config, error)
	UnregisterDevice(ctx context.Context, deviceID string) error
}

// Options configures a Registry.
type Options struct {
	Store    ConfigStore
	Dialer   upstream.Dialer
	Recorder speech.Recorder
	Bus      *eventbus.Bus
	// NewTools builds the tool manager of a device. Defaults to tools.NewManager.
	NewTools func(deviceID string) *tools.Manager
	NewID    func() string
}

// Status describes the live state of one device.
type Status struct {
	DeviceID    string   `json:"device_id"`
	SessionID   string   `json:"session_id,omitempty"`
	Phase       string   `json:"phase,omitempty"`
	ToolServers []string `json:"tool_servers"`
}

type liveSession struct {
	session *speech.Session
	cancel  context.CancelFunc
	done    chan struct{}
}

type deviceEntry struct {
	deviceID string

	mu      sync.Mutex
	sink    Sink
	gen     uint64
	live    *liveSession
	tools   *tools.Manager
	removed bool
}

// Registry maps device ids to their live state. Mutations of one device are
// serialised by that device's lock; no lock is held across network calls.
type Registry struct {
	store    ConfigStore
	dialer   upstream.Dialer
	recorder speech.Recorder
	bus      *eventbus.Bus
	newTools func(string) *tools.Manager
	newID    func() string

	builds singleflight.Group

	mu      sync.Mutex
	entries map[string]*deviceEntry
	closed  bool
}

// New constructs an empty registry.
func New(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("registry: config store required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("registry: upstream dialer required")
	}
	if opts.NewTools == nil {
		opts.NewTools = func(deviceID string) *tools.Manager { return tools.NewManager(deviceID) }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Registry{
		store:    opts.Store,
		dialer:   opts.Dialer,
		recorder: opts.Recorder,
		bus:      opts.Bus,
		newTools: opts.NewTools,
		newID:    opts.NewID,
		entries:  make(map[string]*deviceEntry),
	}, nil
}

// Attach binds deviceID to the transport sink of an authenticated
// connection. A previous connection of the same device loses its session.
func (r *Registry) Attach(ctx context.Context, deviceID string, sink Sink) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	prev := r.entries[deviceID]
	r.entries[deviceID] = &deviceEntry{deviceID: deviceID, sink: sink}
	r.mu.Unlock()

	if prev != nil {
		log.Printf("[Registry] device %s: new connection replaces previous one", deviceID)
		r.teardownEntry(ctx, prev, speech.ReasonDisconnect)
	}
	return nil
}

// EnsureSession returns the live session of deviceID, building one when
// none exists. sink must be the transport the device is attached with.
// fresh reports whether this call built the session.
func (r *Registry) EnsureSession(ctx context.Context, deviceID string, sink Sink) (sess *speech.Session, fresh bool, err error) {
	entry := r.lookup(deviceID)
	if entry == nil {
		return nil, false, ErrNotAttached
	}

	entry.mu.Lock()
	if entry.sink != sink {
		entry.mu.Unlock()
		return nil, false, ErrReplaced
	}
	if sess := entry.liveSessionLocked(); sess != nil {
		entry.mu.Unlock()
		return sess, false, nil
	}
	gen := entry.gen
	entry.mu.Unlock()

	// Keyed per entry so a replaced connection never shares a build with
	// its successor.
	key := fmt.Sprintf("%s@%p", deviceID, entry)
	v, err, shared := r.builds.Do(key, func() (any, error) {
		return r.build(ctx, entry, gen)
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*speech.Session), !shared, nil
}

func (r *Registry) build(ctx context.Context, entry *deviceEntry, gen uint64) (*speech.Session, error) {
	deviceID := entry.deviceID

	entry.mu.Lock()
	if entry.removed {
		entry.mu.Unlock()
		return nil, ErrSuperseded
	}
	mgr := entry.tools
	entry.mu.Unlock()

	cfg, err := r.store.GetDeviceConfig(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("registry: load config for %s: %w", deviceID, err)
	}

	if mgr == nil {
		if mgr, err = r.loadTools(ctx, entry, cfg.ToolBackends); err != nil {
			return nil, err
		}
	}

	sessionID := r.newID()
	dialCtx, cancel := context.WithTimeout(ctx, constants.UpstreamDialTimeout)
	channel, err := r.dialer.Dial(dialCtx, upstream.DialRequest{DeviceID: deviceID, SessionID: sessionID})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("registry: dial upstream for %s: %w", deviceID, err)
	}

	sess, err := speech.New(speech.Options{
		ID:           sessionID,
		DeviceID:     deviceID,
		Config:       cfg,
		ConfigSource: r.store.GetDeviceConfig,
		Channel:      channel,
		Tools:        mgr,
		Recorder:     r.recorder,
		OnEnd:        r.sessionEnded(entry),
	})
	if err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("registry: build session for %s: %w", deviceID, err)
	}

	entry.mu.Lock()
	if entry.removed || entry.gen != gen {
		entry.mu.Unlock()
		_ = sess.CloseWithReason(context.Background(), speech.ReasonRestart)
		return nil, ErrSuperseded
	}
	fwdCtx, fwdCancel := context.WithCancel(context.Background())
	live := &liveSession{session: sess, cancel: fwdCancel, done: make(chan struct{})}
	entry.live = live
	sink := entry.sink
	entry.mu.Unlock()

	go r.forward(fwdCtx, deviceID, sink, live)

	log.Printf("[Registry] device %s: speech session %s started", deviceID, sess.ID())
	eventbus.Publish(ctx, r.bus, eventbus.Speech.Lifecycle, eventbus.SourceRegistry, eventbus.SpeechLifecycleEvent{
		DeviceID:  deviceID,
		SessionID: sess.ID(),
		State:     eventbus.SpeechStateOpened,
	})
	return sess, nil
}

// loadTools connects the device's backends and publishes the manager on
// entry once loaded. A build that never got this far leaves entry.tools
// nil, so the next build retries.
func (r *Registry) loadTools(ctx context.Context, entry *deviceEntry, descs []device.ToolBackend) (*tools.Manager, error) {
	mgr := r.newTools(entry.deviceID)
	r.publishTools(ctx, entry.deviceID, mgr.Load(ctx, descs))

	entry.mu.Lock()
	switch {
	case entry.removed:
		entry.mu.Unlock()
		_ = mgr.Close()
		return nil, ErrSuperseded
	case entry.tools != nil:
		current := entry.tools
		entry.mu.Unlock()
		_ = mgr.Close()
		return current, nil
	}
	entry.tools = mgr
	entry.mu.Unlock()
	return mgr, nil
}

// forward drains the session output into the device sink. Write errors
// are logged and the item dropped.
func (r *Registry) forward(ctx context.Context, deviceID string, sink Sink, live *liveSession) {
	defer close(live.done)

	queue := live.session.Output()
	for {
		item, ok := queue.Next(ctx)
		if !ok {
			return
		}
		frame, err := item.Frame(deviceID)
		if err != nil {
			log.Printf("[Registry] device %s: encode output: %v", deviceID, err)
			continue
		}
		if sink == nil {
			continue
		}
		if err := sink.WriteFrame(ctx, frame); err != nil && ctx.Err() == nil {
			log.Printf("[Registry] device %s: forward output: %v", deviceID, err)
		}
	}
}

func (r *Registry) sessionEnded(entry *deviceEntry) func(*speech.Session, string, error) {
	return func(sess *speech.Session, reason string, cause error) {
		entry.mu.Lock()
		if entry.live != nil && entry.live.session == sess {
			// The forwarder exits on its own once the closed queue drains.
			entry.live = nil
		}
		entry.mu.Unlock()

		evt := eventbus.SpeechLifecycleEvent{
			DeviceID:  entry.deviceID,
			SessionID: sess.ID(),
			State:     eventbus.SpeechStateClosed,
			Reason:    reason,
		}
		switch reason {
		case speech.ReasonRestart:
			evt.State = eventbus.SpeechStateRestarted
		case speech.ReasonUpstreamError:
			evt.State = eventbus.SpeechStateFailed
		}
		if cause != nil {
			evt.Error = cause.Error()
		}
		log.Printf("[Registry] device %s: speech session %s ended (%s)", entry.deviceID, sess.ID(), reason)
		eventbus.Publish(context.Background(), r.bus, eventbus.Speech.Lifecycle, eventbus.SourceRegistry, evt)
	}
}

// ForceRestart closes the live session of deviceID without touching its
// transport. The next protocol event builds a new one.
func (r *Registry) ForceRestart(ctx context.Context, deviceID string) bool {
	entry := r.lookup(deviceID)
	if entry == nil {
		return false
	}

	entry.mu.Lock()
	entry.gen++
	live := entry.live
	entry.live = nil
	entry.mu.Unlock()

	if live == nil {
		return false
	}
	r.stopSession(ctx, live, speech.ReasonRestart)
	log.Printf("[Registry] device %s: speech session restarted", deviceID)
	return true
}

// ReloadTools reconnects the tool backends of an attached device. Devices
// whose manager was never built pick the descriptors up on the next
// session build.
func (r *Registry) ReloadTools(ctx context.Context, deviceID string, descs []device.ToolBackend) (tools.LoadReport, bool) {
	entry := r.lookup(deviceID)
	if entry == nil {
		return tools.LoadReport{}, false
	}
	entry.mu.Lock()
	mgr := entry.tools
	entry.mu.Unlock()
	if mgr == nil {
		return tools.LoadReport{}, false
	}

	report := mgr.Load(ctx, descs)
	r.publishTools(ctx, deviceID, report)
	return report, true
}

// ApplyConfigUpdate restarts the session and reloads tools according to
// which fields an update touched. It reports whether a restart was due.
func (r *Registry) ApplyConfigUpdate(ctx context.Context, deviceID string, touched []string) (bool, error) {
	restart := device.NeedsRestart(touched)
	reload := device.NeedsToolReload(touched)

	var err error
	if restart {
		r.ForceRestart(ctx, deviceID)
		if reload {
			var cfg device.Config
			cfg, err = r.store.GetDeviceConfig(ctx, deviceID)
			if err == nil {
				r.ReloadTools(ctx, deviceID, cfg.ToolBackends)
			} else {
				err = fmt.Errorf("registry: reload tools for %s: %w", deviceID, err)
			}
		}
	}

	eventbus.Publish(ctx, r.bus, eventbus.Devices.Config, eventbus.SourceRegistry, eventbus.DeviceConfigEvent{
		DeviceID:       deviceID,
		Fields:         touched,
		SessionRestart: restart,
		ToolsReloaded:  restart && reload && err == nil,
	})
	return restart, err
}

// Remove tears down deviceID if sink is still its transport and marks the
// device offline.
func (r *Registry) Remove(ctx context.Context, deviceID string, sink Sink) {
	entry := r.lookup(deviceID)
	if entry == nil {
		return
	}
	entry.mu.Lock()
	owned := entry.sink == sink
	entry.mu.Unlock()
	if !owned {
		return
	}

	r.teardownEntry(ctx, entry, speech.ReasonDisconnect)
	r.markOffline(deviceID)
}

// teardownEntry cancels the forwarder, closes the session, closes the tool
// manager and only then releases the map slot.
func (r *Registry) teardownEntry(ctx context.Context, entry *deviceEntry, reason string) {
	entry.mu.Lock()
	entry.removed = true
	entry.gen++
	live, mgr := entry.live, entry.tools
	entry.live, entry.tools = nil, nil
	entry.mu.Unlock()

	if live != nil {
		r.stopSession(ctx, live, reason)
	}
	if mgr != nil {
		if err := mgr.Close(); err != nil {
			log.Printf("[Registry] device %s: close tools: %v", entry.deviceID, err)
		}
	}

	r.mu.Lock()
	if r.entries[entry.deviceID] == entry {
		delete(r.entries, entry.deviceID)
	}
	r.mu.Unlock()
}

func (r *Registry) stopSession(ctx context.Context, live *liveSession, reason string) {
	live.cancel()
	<-live.done
	if err := live.session.CloseWithReason(ctx, reason); err != nil {
		log.Printf("[Registry] device %s: close session: %v", live.session.DeviceID(), err)
	}
}

// markOffline is best-effort: failures are logged and not retried.
func (r *Registry) markOffline(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DeviceOfflineMarkTimeout)
	defer cancel()
	if err := r.store.UnregisterDevice(ctx, deviceID); err != nil {
		log.Printf("[Registry] device %s: mark offline: %v", deviceID, err)
	}
}

// Status returns the live state of deviceID.
func (r *Registry) Status(deviceID string) (Status, bool) {
	entry := r.lookup(deviceID)
	if entry == nil {
		return Status{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	status := Status{DeviceID: deviceID}
	if sess := entry.liveSessionLocked(); sess != nil {
		status.SessionID = sess.ID()
		status.Phase = sess.Phase().String()
	}
	if entry.tools != nil {
		status.ToolServers = entry.tools.Names()
	}
	return status, true
}

// Devices lists attached device ids.
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown tears down every device concurrently and rejects new attachments.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := make([]*deviceEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, entry := range entries {
		g.Go(func() error {
			r.teardownEntry(ctx, entry, speech.ReasonShutdown)
			r.markOffline(entry.deviceID)
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) lookup(deviceID string) *deviceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[deviceID]
}

func (r *Registry) publishTools(ctx context.Context, deviceID string, report tools.LoadReport) {
	failed := make(map[string]string, len(report.Failed))
	for name, err := range report.Failed {
		failed[name] = err.Error()
	}
	eventbus.Publish(ctx, r.bus, eventbus.Tools.Reloaded, eventbus.SourceRegistry, eventbus.ToolsReloadedEvent{
		DeviceID:  deviceID,
		Connected: report.Connected,
		Failed:    failed,
	})
}

func (e *deviceEntry) liveSessionLocked() *speech.Session {
	if e.live == nil {
		return nil
	}
	select {
	case <-e.live.session.Done():
		return nil
	default:
		return e.live.session
	}
}

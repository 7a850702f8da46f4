// Package speech drives one device's inference session: the phase state
// machine, per-device configuration injection and the tool-use loop.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nupi-ai/voxgate/internal/constants"
	"github.com/nupi-ai/voxgate/internal/device"
	"github.com/nupi-ai/voxgate/internal/protocol"
	"github.com/nupi-ai/voxgate/internal/upstream"
)

// Reasons recorded when a session ends.
const (
	ReasonClosed        = "closed"
	ReasonSessionEnd    = "session_end"
	ReasonDisconnect    = "disconnect"
	ReasonRestart       = "restart"
	ReasonShutdown      = "shutdown"
	ReasonUpstreamError = "upstream_error"
)

// ToolCaller invokes a tool on a named backend.
type ToolCaller interface {
	Call(ctx context.Context, server, tool string, input any) []string
}

// Recorder persists session start and end. Failures are logged only.
type Recorder interface {
	RecordSessionStart(ctx context.Context, sessionID, deviceID string, startedAt time.Time) error
	RecordSessionEnd(ctx context.Context, sessionID, reason string, eventCount int) error
}

// ConfigSource returns the current configuration of a device.
type ConfigSource func(ctx context.Context, deviceID string) (device.Config, error)

// Options configures a Session.
type Options struct {
	// ID is the session id; generated with NewID when empty.
	ID       string
	DeviceID string
	// Config is the snapshot the session was built from.
	Config device.Config
	// ConfigSource, when set, is consulted again for every promptStart.
	ConfigSource ConfigSource
	Channel      upstream.Channel
	Tools        ToolCaller
	Recorder     Recorder
	// OnEnd runs on its own goroutine once the session released its
	// resources. err is non-nil when the upstream channel failed.
	OnEnd func(s *Session, reason string, err error)
	Now   func() time.Time
	NewID func() string
}

// Session is one device's inference session.
type Session struct {
	id       string
	deviceID string

	channel  upstream.Channel
	tools    ToolCaller
	recorder Recorder
	source   ConfigSource
	onEnd    func(*Session, string, error)
	now      func() time.Time
	newID    func() string

	promptName  string
	textContent string
	audioName   string

	output *Queue

	mu          sync.Mutex
	phase       Phase
	cfg         device.Config
	openBlock   string
	promptOpen  bool
	sessionOpen bool
	closing     bool
	reason      string

	sent atomic.Int64

	toolCtx    context.Context
	toolCancel context.CancelFunc
	toolWG     sync.WaitGroup

	pumpDone    chan struct{}
	releaseOnce sync.Once
	done        chan struct{}
}

// New builds a session over an open upstream channel and starts reading
// its output.
func New(opts Options) (*Session, error) {
	if opts.DeviceID == "" {
		return nil, errors.New("speech: device id required")
	}
	if opts.Channel == nil {
		return nil, errors.New("speech: upstream channel required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}

	if opts.ID == "" {
		opts.ID = opts.NewID()
	}

	toolCtx, toolCancel := context.WithCancel(context.Background())
	s := &Session{
		id:         opts.ID,
		deviceID:   opts.DeviceID,
		channel:    opts.Channel,
		tools:      opts.Tools,
		recorder:   opts.Recorder,
		source:     opts.ConfigSource,
		onEnd:      opts.OnEnd,
		now:        opts.Now,
		newID:      opts.NewID,
		output:     NewQueue(),
		phase:      PhaseIdle,
		cfg:        opts.Config.Clone(),
		toolCtx:    toolCtx,
		toolCancel: toolCancel,
		pumpDone:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.promptName = s.newID()
	s.textContent = s.newID()
	s.audioName = s.newID()

	go s.pump()
	return s, nil
}

func (s *Session) ID() string       { return s.id }
func (s *Session) DeviceID() string { return s.deviceID }

// PromptName is the prompt correlation id used upstream.
func (s *Session) PromptName() string { return s.promptName }

// TextContentName is the system text block correlation id.
func (s *Session) TextContentName() string { return s.textContent }

// AudioContentName is the audio block correlation id.
func (s *Session) AudioContentName() string { return s.audioName }

// Output is the queue the forwarding task drains.
func (s *Session) Output() *Queue { return s.output }

// Done is closed once the session released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// EventsSent counts events written upstream.
func (s *Session) EventsSent() int { return int(s.sent.Load()) }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Config returns the configuration applied by the latest promptStart.
func (s *Session) Config() device.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// Open runs the whole prologue on the device's behalf: session start,
// prompt start, the system prompt block and the audio block.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseIdle {
		return violationf("open in phase %s", s.phase)
	}

	steps := []*protocol.Event{
		protocol.NewEvent(protocol.EventSessionStart, nil),
		protocol.NewEvent(protocol.EventPromptStart, map[string]any{
			"textOutputConfiguration":  map[string]any{"mediaType": "text/plain"},
			protocol.KeyAudioOutputCfg: map[string]any{
				"mediaType":       constants.AudioMediaType,
				"sampleRateHertz": constants.AudioOutputSampleRate,
				"sampleSizeBits":  constants.AudioSampleSizeBits,
				"channelCount":    constants.AudioChannelCount,
				"encoding":        constants.AudioEncoding,
				"audioType":       constants.AudioOutputType,
			},
			"toolUseOutputConfiguration": map[string]any{"mediaType": "application/json"},
		}),
		protocol.NewEvent(protocol.EventContentStart, map[string]any{
			protocol.KeyType:         protocol.ContentText,
			"interactive":            true,
			protocol.KeyRole:         protocol.RoleSystem,
			"textInputConfiguration": map[string]any{"mediaType": "text/plain"},
		}),
		protocol.NewEvent(protocol.EventTextInput, map[string]any{
			protocol.KeyContent: constants.SystemPromptPlaceholder,
		}),
		protocol.NewEvent(protocol.EventContentEnd, nil),
		protocol.NewEvent(protocol.EventContentStart, map[string]any{
			protocol.KeyType:          protocol.ContentAudio,
			"interactive":             true,
			protocol.KeyRole:          protocol.RoleUser,
			"audioInputConfiguration": map[string]any{
				"mediaType":       constants.AudioMediaType,
				"sampleRateHertz": constants.AudioInputSampleRate,
				"sampleSizeBits":  constants.AudioSampleSizeBits,
				"channelCount":    constants.AudioChannelCount,
				"audioType":       constants.AudioOutputType,
				"encoding":        constants.AudioEncoding,
			},
		}),
	}
	for _, evt := range steps {
		if err := s.dispatchLocked(ctx, evt); err != nil {
			return fmt.Errorf("speech: open %s: %w", evt.Name, err)
		}
	}
	return nil
}

// Dispatch applies one device event. Events that do not fit the current
// phase return a *protocol.ViolationError and are not sent.
func (s *Session) Dispatch(ctx context.Context, evt *protocol.Event) error {
	if evt == nil {
		return violationf("nil event")
	}
	switch evt.Name {
	case protocol.EventAudioInput:
		return s.FeedAudio(ctx, evt.Str(protocol.KeyContent))
	case protocol.EventSessionEnd:
		return s.CloseWithReason(ctx, ReasonSessionEnd)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchLocked(ctx, evt.Clone())
}

func (s *Session) dispatchLocked(ctx context.Context, evt *protocol.Event) error {
	if s.closing || s.phase == PhaseClosed {
		return violationf("%s after session end", evt.Name)
	}

	switch evt.Name {
	case protocol.EventSessionStart:
		if s.phase != PhaseIdle {
			return violationf("sessionStart in phase %s", s.phase)
		}
		evt.Set(protocol.KeyInferenceCfg, map[string]any{
			"maxTokens":   s.cfg.MaxTokens,
			"topP":        s.cfg.TopP,
			"temperature": s.cfg.Temperature,
		})
		if err := s.send(ctx, evt); err != nil {
			return err
		}
		s.sessionOpen = true
		s.phase = PhaseSessionOpen
		s.recordStart(ctx)
		return nil

	case protocol.EventPromptStart:
		if s.phase != PhaseSessionOpen {
			return violationf("promptStart in phase %s", s.phase)
		}
		s.refreshConfig(ctx)
		evt.Set(protocol.KeyPromptName, s.promptName)
		if audio := evt.Object(protocol.KeyAudioOutputCfg); audio != nil {
			audio[protocol.KeyVoiceID] = s.cfg.VoiceID
		}
		evt.Set(protocol.KeyToolCfg, BuildManifest(s.cfg))
		if err := s.send(ctx, evt); err != nil {
			return err
		}
		s.promptOpen = true
		s.phase = PhasePromptOpen
		return nil

	case protocol.EventContentStart:
		switch evt.ContentType() {
		case protocol.ContentText:
			if s.phase != PhasePromptOpen {
				return violationf("text contentStart in phase %s", s.phase)
			}
			s.stamp(evt, s.textContent)
			if err := s.send(ctx, evt); err != nil {
				return err
			}
			s.openBlock = protocol.ContentText
			s.phase = PhaseSystemTextOpen
			return nil
		case protocol.ContentAudio:
			if s.phase != PhasePromptOpen && s.phase != PhaseSystemTextSent {
				return violationf("audio contentStart in phase %s", s.phase)
			}
			s.stamp(evt, s.audioName)
			if err := s.send(ctx, evt); err != nil {
				return err
			}
			s.openBlock = protocol.ContentAudio
			s.phase = PhaseAudioOpen
			return nil
		default:
			return violationf("contentStart of type %q", evt.ContentType())
		}

	case protocol.EventTextInput:
		if s.phase != PhaseSystemTextOpen {
			return violationf("textInput in phase %s", s.phase)
		}
		s.stamp(evt, s.textContent)
		if content := evt.Str(protocol.KeyContent); content == "" || content == constants.SystemPromptPlaceholder {
			evt.Set(protocol.KeyContent, s.cfg.SystemPrompt)
		}
		return s.send(ctx, evt)

	case protocol.EventContentEnd:
		switch s.phase {
		case PhaseSystemTextOpen:
			s.stamp(evt, s.textContent)
			if err := s.send(ctx, evt); err != nil {
				return err
			}
			s.openBlock = ""
			s.phase = PhaseSystemTextSent
			return nil
		case PhaseAudioOpen:
			s.stamp(evt, s.audioName)
			if err := s.send(ctx, evt); err != nil {
				return err
			}
			s.openBlock = ""
			s.phase = PhaseClosing
			return nil
		default:
			return violationf("contentEnd in phase %s", s.phase)
		}

	case protocol.EventPromptEnd:
		if !s.promptOpen {
			return violationf("promptEnd without open prompt (phase %s)", s.phase)
		}
		if err := s.endOpenBlock(ctx); err != nil {
			return err
		}
		evt.Set(protocol.KeyPromptName, s.promptName)
		if err := s.send(ctx, evt); err != nil {
			return err
		}
		s.promptOpen = false
		s.phase = PhaseClosing
		return nil

	case protocol.EventToolResult:
		if !s.promptOpen {
			return violationf("toolResult without open prompt (phase %s)", s.phase)
		}
		evt.Set(protocol.KeyPromptName, s.promptName)
		return s.send(ctx, evt)
	}

	return violationf("unsupported event %q", evt.Name)
}

// FeedAudio sends one base64 audio chunk. Audio arriving outside
// AUDIO_OPEN is dropped without error.
func (s *Session) FeedAudio(ctx context.Context, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseAudioOpen || s.closing {
		return nil
	}
	return s.send(ctx, protocol.NewEvent(protocol.EventAudioInput, map[string]any{
		protocol.KeyPromptName:  s.promptName,
		protocol.KeyContentName: s.audioName,
		protocol.KeyContent:     content,
	}))
}

// Close ends the session with ReasonClosed.
func (s *Session) Close(ctx context.Context) error {
	return s.CloseWithReason(ctx, ReasonClosed)
}

// CloseWithReason ends the open content block, the prompt and the session
// upstream, then releases the channel. Later calls are no-ops.
func (s *Session) CloseWithReason(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.closing || s.phase == PhaseClosed {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.reason = reason
	if s.phase != PhaseIdle {
		s.phase = PhaseClosing
	}

	var errs []error
	if err := s.endOpenBlock(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.promptOpen {
		if err := s.send(ctx, protocol.NewEvent(protocol.EventPromptEnd, map[string]any{
			protocol.KeyPromptName: s.promptName,
		})); err != nil {
			errs = append(errs, err)
		}
		s.promptOpen = false
	}
	if s.sessionOpen {
		if err := s.send(ctx, protocol.NewEvent(protocol.EventSessionEnd, nil)); err != nil {
			errs = append(errs, err)
		}
		s.sessionOpen = false
	}
	s.phase = PhaseClosed
	s.mu.Unlock()

	for _, err := range errs {
		log.Printf("[Speech] device %s: session %s close: %v", s.deviceID, s.id, err)
	}

	s.release(reason, nil)
	return nil
}

func (s *Session) endOpenBlock(ctx context.Context) error {
	var name string
	switch s.openBlock {
	case protocol.ContentText:
		name = s.textContent
	case protocol.ContentAudio:
		name = s.audioName
	default:
		return nil
	}
	s.openBlock = ""
	return s.send(ctx, protocol.NewEvent(protocol.EventContentEnd, map[string]any{
		protocol.KeyPromptName:  s.promptName,
		protocol.KeyContentName: name,
	}))
}

func (s *Session) stamp(evt *protocol.Event, contentName string) {
	evt.Set(protocol.KeyPromptName, s.promptName)
	evt.Set(protocol.KeyContentName, contentName)
}

func (s *Session) send(ctx context.Context, evt *protocol.Event) error {
	if err := s.channel.Send(ctx, evt); err != nil {
		return fmt.Errorf("speech: send %s: %w", evt.Name, err)
	}
	s.sent.Add(1)
	return nil
}

func (s *Session) refreshConfig(ctx context.Context) {
	if s.source == nil {
		return
	}
	cfg, err := s.source(ctx, s.deviceID)
	if err != nil {
		log.Printf("[Speech] device %s: using cached config, refresh failed: %v", s.deviceID, err)
		return
	}
	s.cfg = cfg.Clone()
}

func (s *Session) recordStart(ctx context.Context) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordSessionStart(ctx, s.id, s.deviceID, s.now()); err != nil {
		log.Printf("[Speech] device %s: record session start: %v", s.deviceID, err)
	}
}

// pump moves upstream output into the queue until the channel ends.
func (s *Session) pump() {
	defer close(s.pumpDone)
	defer s.output.Close()

	for evt := range s.channel.Events() {
		s.output.Push(Output{Event: evt})
		if evt.Name == protocol.EventToolUse {
			s.startToolUse(evt)
		}
	}

	err := s.channel.Err()
	s.mu.Lock()
	expected := s.closing || s.phase == PhaseClosed
	if !expected {
		s.closing = true
		s.reason = ReasonUpstreamError
		s.phase = PhaseClosed
		s.openBlock = ""
		s.promptOpen = false
		s.sessionOpen = false
	}
	s.mu.Unlock()
	if expected {
		return
	}

	if err == nil {
		err = upstream.ErrChannelClosed
	}
	log.Printf("[Speech] device %s: upstream channel failed: %v", s.deviceID, err)
	s.output.Push(Output{Failure: err.Error()})
	go s.release(ReasonUpstreamError, err)
}

func (s *Session) release(reason string, cause error) {
	s.releaseOnce.Do(func() {
		s.toolCancel()
		if err := s.channel.Close(); err != nil {
			log.Printf("[Speech] device %s: close upstream channel: %v", s.deviceID, err)
		}
		<-s.pumpDone
		s.toolWG.Wait()

		if s.recorder != nil && s.EventsSent() > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), constants.DeviceOfflineMarkTimeout)
			err := s.recorder.RecordSessionEnd(ctx, s.id, reason, s.EventsSent())
			cancel()
			if err != nil {
				log.Printf("[Speech] device %s: record session end: %v", s.deviceID, err)
			}
		}
		close(s.done)

		if s.onEnd != nil {
			go s.onEnd(s, reason, cause)
		}
	})
}

func violationf(format string, args ...any) error {
	return &protocol.ViolationError{Reason: fmt.Sprintf(format, args...)}
}

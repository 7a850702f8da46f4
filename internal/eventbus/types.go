package eventbus

import "time"

// Topic identifies a logical channel on the bus.
type Topic string

// Gateway topics.
const (
	TopicDevicesLifecycle Topic = "devices.lifecycle"
	TopicDevicesConfig    Topic = "devices.config"
	TopicSpeechLifecycle  Topic = "speech.lifecycle"
	TopicToolsReloaded    Topic = "tools.reloaded"
	TopicGatewayFrames    Topic = "gateway.frames"
)

// Source describes which component produced an event.
type Source string

const (
	SourceGateway  Source = "gateway"
	SourceRegistry Source = "registry"
	SourceSpeech   Source = "speech"
	SourceTools    Source = "tools"
	SourceAdmin    Source = "admin"
	SourceUnknown  Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       any
}

// DeviceState summarises a device connection change.
type DeviceState string

const (
	DeviceStateConnected     DeviceState = "connected"
	DeviceStateAuthenticated DeviceState = "authenticated"
	DeviceStateDisconnected  DeviceState = "disconnected"
)

// Authentication modes reported with DeviceStateAuthenticated.
const (
	AuthModeCredentials = "credentials"
	AuthModeLegacy      = "legacy"
)

// DeviceLifecycleEvent is published on TopicDevicesLifecycle.
// DeviceID is empty for connections that never authenticated.
type DeviceLifecycleEvent struct {
	ConnectionID string
	DeviceID     string
	State        DeviceState
	AuthMode     string
	RemoteAddr   string
}

// DeviceConfigEvent is published after an administrative config update.
type DeviceConfigEvent struct {
	DeviceID       string
	Fields         []string
	SessionRestart bool
	ToolsReloaded  bool
}

// SpeechState summarises a speech session change.
type SpeechState string

const (
	SpeechStateOpened    SpeechState = "opened"
	SpeechStateClosed    SpeechState = "closed"
	SpeechStateRestarted SpeechState = "restarted"
	SpeechStateFailed    SpeechState = "failed"
)

// SpeechLifecycleEvent is published on TopicSpeechLifecycle.
type SpeechLifecycleEvent struct {
	DeviceID  string
	SessionID string
	State     SpeechState
	Reason    string
	Error     string
}

// ToolsReloadedEvent reports the outcome of a tool manager load.
type ToolsReloadedEvent struct {
	DeviceID  string
	Connected []string
	Failed    map[string]string
}

// Frame outcomes reported on TopicGatewayFrames.
const (
	FrameAccepted = "accepted"
	FrameRejected = "rejected"
	FrameDropped  = "dropped"
	FrameFailed   = "failed"
)

// FrameEvent records how one inbound device frame was handled.
type FrameEvent struct {
	DeviceID string
	Kind     string
	Outcome  string
}

// Topic descriptors for type-safe publish and subscribe.
var Devices = struct {
	Lifecycle TopicDef[DeviceLifecycleEvent]
	Config    TopicDef[DeviceConfigEvent]
}{
	Lifecycle: NewTopicDef[DeviceLifecycleEvent](TopicDevicesLifecycle),
	Config:    NewTopicDef[DeviceConfigEvent](TopicDevicesConfig),
}

var Speech = struct {
	Lifecycle TopicDef[SpeechLifecycleEvent]
}{
	Lifecycle: NewTopicDef[SpeechLifecycleEvent](TopicSpeechLifecycle),
}

var Tools = struct {
	Reloaded TopicDef[ToolsReloadedEvent]
}{
	Reloaded: NewTopicDef[ToolsReloadedEvent](TopicToolsReloaded),
}

var Gateway = struct {
	Frames TopicDef[FrameEvent]
}{
	Frames: NewTopicDef[FrameEvent](TopicGatewayFrames),
}

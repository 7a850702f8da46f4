package protocol

import (
	"encoding/json"
	"fmt"
)

// Event names exchanged with the inference service.
const (
	EventSessionStart = "sessionStart"
	EventPromptStart  = "promptStart"
	EventContentStart = "contentStart"
	EventTextInput    = "textInput"
	EventContentEnd   = "contentEnd"
	EventAudioInput   = "audioInput"
	EventToolResult   = "toolResult"
	EventPromptEnd    = "promptEnd"
	EventSessionEnd   = "sessionEnd"

	EventAudioOutput     = "audioOutput"
	EventTextOutput      = "textOutput"
	EventToolUse         = "toolUse"
	EventCompletionStart = "completionStart"
	EventCompletionEnd   = "completionEnd"
	EventUsage           = "usageEvent"
)

// Content block types and roles.
const (
	ContentAudio = "AUDIO"
	ContentText  = "TEXT"
	ContentTool  = "TOOL"

	RoleSystem = "SYSTEM"
	RoleUser   = "USER"
	RoleTool   = "TOOL"
)

// Body keys used by the gateway.
const (
	KeyPromptName     = "promptName"
	KeyContentName    = "contentName"
	KeyContent        = "content"
	KeyType           = "type"
	KeyRole           = "role"
	KeyToolName       = "toolName"
	KeyToolUseID      = "toolUseId"
	KeyInferenceCfg   = "inferenceConfiguration"
	KeyAudioOutputCfg = "audioOutputConfiguration"
	KeyToolCfg        = "toolConfiguration"
	KeyVoiceID        = "voiceId"
)

var inboundEvents = map[string]struct{}{
	EventSessionStart: {},
	EventPromptStart:  {},
	EventContentStart: {},
	EventTextInput:    {},
	EventContentEnd:   {},
	EventAudioInput:   {},
	EventToolResult:   {},
	EventPromptEnd:    {},
	EventSessionEnd:   {},
}

// IsInboundEvent reports whether devices may send an event with this name.
func IsInboundEvent(name string) bool {
	_, ok := inboundEvents[name]
	return ok
}

// Event is one named protocol event. Body keeps every field the sender
// supplied so the gateway only rewrites what it owns.
type Event struct {
	Name string
	Body map[string]any
}

// NewEvent builds an event with a non-nil body.
func NewEvent(name string, body map[string]any) *Event {
	if body == nil {
		body = map[string]any{}
	}
	return &Event{Name: name, Body: body}
}

// Str returns a string field or "".
func (e *Event) Str(key string) string {
	if e == nil {
		return ""
	}
	s, _ := e.Body[key].(string)
	return s
}

// Set assigns a body field.
func (e *Event) Set(key string, value any) {
	if e.Body == nil {
		e.Body = map[string]any{}
	}
	e.Body[key] = value
}

// Object returns a nested object field, or nil if absent or not an object.
func (e *Event) Object(key string) map[string]any {
	if e == nil {
		return nil
	}
	obj, _ := e.Body[key].(map[string]any)
	return obj
}

// ContentType returns the block type of a contentStart event.
func (e *Event) ContentType() string {
	return e.Str(KeyType)
}

// MarshalJSON renders the wire envelope {"event": {name: body}}.
func (e *Event) MarshalJSON() ([]byte, error) {
	if e == nil || e.Name == "" {
		return nil, fmt.Errorf("protocol: event without name")
	}
	return json.Marshal(map[string]any{"event": map[string]any{e.Name: e.Body}})
}

// Clone copies the event with a shallow copy of the body.
func (e *Event) Clone() *Event {
	body := make(map[string]any, len(e.Body))
	for k, v := range e.Body {
		body[k] = v
	}
	return &Event{Name: e.Name, Body: body}
}

// ForwardFrame renders an output event for a device, tagged with its id.
func ForwardFrame(e *Event, deviceID string) ([]byte, error) {
	if e == nil || e.Name == "" {
		return nil, fmt.Errorf("protocol: event without name")
	}
	return json.Marshal(map[string]any{
		"event":     map[string]any{e.Name: e.Body},
		"device_id": deviceID,
	})
}

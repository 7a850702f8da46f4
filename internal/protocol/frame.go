// Package protocol decodes device frames into a closed set of kinds and
// encodes the gateway's replies.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FrameKind enumerates inbound device frames.
type FrameKind int

const (
	FrameAuth FrameKind = iota + 1
	FrameUserAction
	FrameLegacy
	FrameEvent
)

func (k FrameKind) String() string {
	switch k {
	case FrameAuth:
		return "auth"
	case FrameUserAction:
		return "user_action"
	case FrameLegacy:
		return "legacy"
	case FrameEvent:
		return "event"
	default:
		return "unknown"
	}
}

// AuthRequest carries device credentials.
type AuthRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// User actions accepted without device authentication.
const (
	ActionRegister       = "register"
	ActionChangePassword = "change_password"
)

// UserAction is an account management request.
type UserAction struct {
	Action      string `json:"action"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// LegacyRegistration is the credential-less registration frame kept for
// older device firmware.
type LegacyRegistration struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// Frame is a decoded inbound frame. Exactly one pointer matching Kind is set.
type Frame struct {
	Kind       FrameKind
	Auth       *AuthRequest
	UserAction *UserAction
	Legacy     *LegacyRegistration
	Event      *Event
}

// ViolationError reports a frame that does not match any known shape or
// arrives in a state where it is not allowed.
type ViolationError struct {
	Reason string
}

func (e *ViolationError) Error() string {
	return "protocol violation: " + e.Reason
}

func violation(format string, args ...any) error {
	return &ViolationError{Reason: fmt.Sprintf(format, args...)}
}

// DecodeFrame classifies a raw device frame.
func DecodeFrame(data []byte) (Frame, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, violation("invalid JSON: %v", err)
	}
	if raw == nil {
		return Frame{}, violation("frame is not an object")
	}

	switch {
	case has(raw, "auth"):
		var req AuthRequest
		if err := decodeObject(raw["auth"], &req); err != nil {
			return Frame{}, violation("auth: %v", err)
		}
		return Frame{Kind: FrameAuth, Auth: &req}, nil

	case has(raw, "user_action"):
		var action UserAction
		if err := decodeObject(raw["user_action"], &action); err != nil {
			return Frame{}, violation("user_action: %v", err)
		}
		return Frame{Kind: FrameUserAction, UserAction: &action}, nil

	case has(raw, "event"):
		evt, err := decodeEventBody(raw["event"])
		if err != nil {
			return Frame{}, err
		}
		if !IsInboundEvent(evt.Name) {
			return Frame{}, violation("unknown event %q", evt.Name)
		}
		return Frame{Kind: FrameEvent, Event: evt}, nil

	case has(raw, "device_id"):
		var legacy LegacyRegistration
		if err := json.Unmarshal(data, &legacy); err != nil {
			return Frame{}, violation("legacy registration: %v", err)
		}
		if legacy.DeviceID == "" {
			return Frame{}, violation("legacy registration without device_id")
		}
		return Frame{Kind: FrameLegacy, Legacy: &legacy}, nil
	}

	return Frame{}, violation("unrecognised frame")
}

// DecodeOutput parses an upstream output frame ({"event": {...}}).
func DecodeOutput(data []byte) (*Event, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, violation("invalid JSON: %v", err)
	}
	body, ok := raw["event"]
	if !ok {
		return nil, violation("output frame without event")
	}
	return decodeEventBody(body)
}

func decodeEventBody(data json.RawMessage) (*Event, error) {
	var named map[string]map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&named); err != nil {
		return nil, violation("event: %v", err)
	}
	if len(named) != 1 {
		return nil, violation("event must carry exactly one body, got %d", len(named))
	}
	for name, body := range named {
		if body == nil {
			body = map[string]any{}
		}
		return &Event{Name: name, Body: body}, nil
	}
	return nil, violation("empty event")
}

func has(raw map[string]json.RawMessage, key string) bool {
	v, ok := raw[key]
	return ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func decodeObject(data json.RawMessage, out any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("expected object")
	}
	return json.Unmarshal(trimmed, out)
}

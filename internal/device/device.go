// Package device holds the per-device identity and configuration types
// shared by the store, the registry and the speech session.
package device

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/nupi-ai/voxgate/internal/constants"
)

// Identity names a device for the lifetime of one connection.
type Identity struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// DefaultName derives a display name from the device id.
func DefaultName(deviceID string) string {
	short := deviceID
	if len(short) > 8 {
		short = short[:8]
	}
	return constants.DeviceNamePrefix + short
}

// BackendKind selects the transport used to reach a tool backend.
type BackendKind string

const (
	BackendStdio BackendKind = "stdio"
	BackendSSE   BackendKind = "sse"
	BackendHTTP  BackendKind = "http"
)

// Valid reports whether k names a supported transport.
func (k BackendKind) Valid() bool {
	switch k {
	case BackendStdio, BackendSSE, BackendHTTP:
		return true
	}
	return false
}

// ToolBackend describes one configured tool backend.
type ToolBackend struct {
	Name            string            `json:"name"`
	Kind            BackendKind       `json:"connection_type"`
	Command         string            `json:"command,omitempty"`
	Args            []string          `json:"args,omitempty"`
	Env             map[string]string `json:"env_vars,omitempty"`
	URL             string            `json:"url,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Description     string            `json:"description,omitempty"`
	ToolName        string            `json:"tool_name,omitempty"`
	ToolDescription string            `json:"tool_description,omitempty"`
}

// Config is the snapshot used to build one speech session.
type Config struct {
	DeviceID      string          `json:"device_id"`
	DeviceName    string          `json:"device_name,omitempty"`
	VoiceID       string          `json:"voice_id"`
	SystemPrompt  string          `json:"system_prompt"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   float64         `json:"temperature"`
	TopP          float64         `json:"top_p"`
	EnableMCP     bool            `json:"enable_mcp"`
	EnableStrands bool            `json:"enable_strands"`
	EnableKB      bool            `json:"enable_kb"`
	EnableAgents  bool            `json:"enable_agents"`
	KBID          string          `json:"kb_id,omitempty"`
	LambdaARN     string          `json:"lambda_arn,omitempty"`
	ToolBackends  []ToolBackend   `json:"tool_backends"`
	ChatHistory   json.RawMessage `json:"chat_history,omitempty"`
	Online        bool            `json:"online"`
	LastSeen      time.Time       `json:"last_seen,omitempty"`
}

// DefaultConfig returns the configuration assigned to a newly registered device.
func DefaultConfig(deviceID string) Config {
	return Config{
		DeviceID:     deviceID,
		VoiceID:      constants.DefaultVoiceID,
		SystemPrompt: constants.DefaultSystemPrompt,
		MaxTokens:    constants.DefaultMaxTokens,
		Temperature:  constants.DefaultTemperature,
		TopP:         constants.DefaultTopP,
		ToolBackends: []ToolBackend{},
	}
}

// Clone returns a deep copy so callers can hold a snapshot while the
// stored configuration keeps changing.
func (c Config) Clone() Config {
	out := c
	if c.ToolBackends != nil {
		out.ToolBackends = make([]ToolBackend, len(c.ToolBackends))
		for i, b := range c.ToolBackends {
			b.Args = slices.Clone(b.Args)
			b.Env = cloneMap(b.Env)
			b.Headers = cloneMap(b.Headers)
			out.ToolBackends[i] = b
		}
	}
	out.ChatHistory = slices.Clone(c.ChatHistory)
	return out
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

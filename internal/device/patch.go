package device

import (
	"encoding/json"

	"github.com/nupi-ai/voxgate/internal/constants"
	"github.com/nupi-ai/voxgate/internal/sanitize"
)

// Configuration field names as they appear on the wire and in change sets.
const (
	FieldVoiceID       = "voice_id"
	FieldSystemPrompt  = "system_prompt"
	FieldMaxTokens     = "max_tokens"
	FieldTemperature   = "temperature"
	FieldTopP          = "top_p"
	FieldEnableMCP     = "enable_mcp"
	FieldEnableStrands = "enable_strands"
	FieldEnableKB      = "enable_kb"
	FieldEnableAgents  = "enable_agents"
	FieldKBID          = "kb_id"
	FieldLambdaARN     = "lambda_arn"
	FieldToolBackends  = "tool_backends"
	FieldChatHistory   = "chat_history"
	FieldDeviceName    = "device_name"
)

// RestartTriggers lists fields whose update forces the live speech session
// to be rebuilt.
var RestartTriggers = []string{
	FieldSystemPrompt,
	FieldVoiceID,
	FieldEnableMCP,
	FieldToolBackends,
	FieldEnableStrands,
	FieldEnableKB,
	FieldEnableAgents,
}

// ToolTriggers lists fields whose update forces the tool manager to reload.
var ToolTriggers = []string{
	FieldToolBackends,
	FieldEnableMCP,
}

// NeedsRestart reports whether any touched field is a restart trigger.
func NeedsRestart(touched []string) bool {
	return touchesAny(touched, RestartTriggers)
}

// NeedsToolReload reports whether any touched field affects tool backends.
func NeedsToolReload(touched []string) bool {
	return touchesAny(touched, ToolTriggers)
}

func touchesAny(touched, triggers []string) bool {
	for _, f := range touched {
		for _, t := range triggers {
			if f == t {
				return true
			}
		}
	}
	return false
}

// Patch is a partial configuration update. Nil fields are left untouched.
type Patch struct {
	DeviceName    *string          `json:"device_name,omitempty"`
	VoiceID       *string          `json:"voice_id,omitempty"`
	SystemPrompt  *string          `json:"system_prompt,omitempty"`
	MaxTokens     *int             `json:"max_tokens,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	EnableMCP     *bool            `json:"enable_mcp,omitempty"`
	EnableStrands *bool            `json:"enable_strands,omitempty"`
	EnableKB      *bool            `json:"enable_kb,omitempty"`
	EnableAgents  *bool            `json:"enable_agents,omitempty"`
	KBID          *string          `json:"kb_id,omitempty"`
	LambdaARN     *string          `json:"lambda_arn,omitempty"`
	ToolBackends  *[]ToolBackend   `json:"tool_backends,omitempty"`
	ChatHistory   *json.RawMessage `json:"chat_history,omitempty"`
}

// Apply writes the set fields into cfg and returns the touched field names
// in declaration order.
func (p Patch) Apply(cfg *Config) []string {
	var touched []string
	if p.DeviceName != nil {
		if name := sanitize.DisplayName(*p.DeviceName, constants.MaxDeviceNameRunes); name != "" {
			cfg.DeviceName = name
		}
		touched = append(touched, FieldDeviceName)
	}
	if p.VoiceID != nil {
		cfg.VoiceID = *p.VoiceID
		touched = append(touched, FieldVoiceID)
	}
	if p.SystemPrompt != nil {
		cfg.SystemPrompt = *p.SystemPrompt
		touched = append(touched, FieldSystemPrompt)
	}
	if p.MaxTokens != nil {
		cfg.MaxTokens = *p.MaxTokens
		touched = append(touched, FieldMaxTokens)
	}
	if p.Temperature != nil {
		cfg.Temperature = *p.Temperature
		touched = append(touched, FieldTemperature)
	}
	if p.TopP != nil {
		cfg.TopP = *p.TopP
		touched = append(touched, FieldTopP)
	}
	if p.EnableMCP != nil {
		cfg.EnableMCP = *p.EnableMCP
		touched = append(touched, FieldEnableMCP)
	}
	if p.EnableStrands != nil {
		cfg.EnableStrands = *p.EnableStrands
		touched = append(touched, FieldEnableStrands)
	}
	if p.EnableKB != nil {
		cfg.EnableKB = *p.EnableKB
		touched = append(touched, FieldEnableKB)
	}
	if p.EnableAgents != nil {
		cfg.EnableAgents = *p.EnableAgents
		touched = append(touched, FieldEnableAgents)
	}
	if p.KBID != nil {
		cfg.KBID = *p.KBID
		touched = append(touched, FieldKBID)
	}
	if p.LambdaARN != nil {
		cfg.LambdaARN = *p.LambdaARN
		touched = append(touched, FieldLambdaARN)
	}
	if p.ToolBackends != nil {
		cfg.ToolBackends = append([]ToolBackend(nil), (*p.ToolBackends)...)
		touched = append(touched, FieldToolBackends)
	}
	if p.ChatHistory != nil {
		cfg.ChatHistory = append(json.RawMessage(nil), (*p.ChatHistory)...)
		touched = append(touched, FieldChatHistory)
	}
	return touched
}

// Empty reports whether the patch carries no fields.
func (p Patch) Empty() bool {
	return len(p.Apply(&Config{})) == 0
}

package constants

// Per-device session defaults applied when no stored value is present.
const (
	DefaultVoiceID      = "matthew"
	DefaultSystemPrompt = "You are a friendly assistant."
	DefaultMaxTokens    = 1024
	DefaultTemperature  = 0.7
	DefaultTopP         = 0.95

	// SystemPromptPlaceholder is the text devices send in the system
	// content block. It is always replaced before leaving the gateway.
	SystemPromptPlaceholder = "SYSTEM_PROMPT"

	// DeviceNamePrefix builds default names for devices that register
	// without one ("Device-" + first 8 characters of the id).
	DeviceNamePrefix = "Device-"

	// MaxDeviceNameRunes caps stored display names.
	MaxDeviceNameRunes = 64
)

// Audio formats exchanged with the inference service.
const (
	AudioOutputSampleRate = 24000
	AudioInputSampleRate  = 16000
	AudioSampleSizeBits   = 16
	AudioChannelCount     = 1
	AudioMediaType        = "audio/lpcm"
	AudioEncoding         = "base64"
	AudioOutputType       = "SPEECH"
)

// Frame size limits.
const (
	DeviceWSReadLimit = 512 * 1024
)

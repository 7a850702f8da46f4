package speech

// Phase is a step of the inference event protocol.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSessionOpen
	PhasePromptOpen
	PhaseSystemTextOpen
	PhaseSystemTextSent
	PhaseAudioOpen
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseSessionOpen:
		return "SESSION_OPEN"
	case PhasePromptOpen:
		return "PROMPT_OPEN"
	case PhaseSystemTextOpen:
		return "SYSTEM_TEXT_OPEN"
	case PhaseSystemTextSent:
		return "SYSTEM_TEXT_SENT"
	case PhaseAudioOpen:
		return "AUDIO_OPEN"
	case PhaseClosing:
		return "CLOSING"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further events may be sent.
func (p Phase) Terminal() bool {
	return p == PhaseClosing || p == PhaseClosed
}

package session

import "fmt"

// State is a conversational phase of a [Session].
type State int

const (
	// Stopped is the initial state. Nothing is armed or listening.
	Stopped State = iota

	// WakeWord waits for the wake word.
	WakeWord

	// Listening captures the user's utterance.
	Listening

	// AiProcessing waits for the first fragment of the AI answer.
	AiProcessing

	// AiResponding receives the answer and speaks ready sentences.
	AiResponding

	// TtsSpeaking speaks what remains after the answer stream completed.
	TtsSpeaking

	// ContinuousDialog pauses briefly before listening again without a wake
	// word.
	ContinuousDialog
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case WakeWord:
		return "WakeWord"
	case Listening:
		return "Listening"
	case AiProcessing:
		return "AiProcessing"
	case AiResponding:
		return "AiResponding"
	case TtsSpeaking:
		return "TtsSpeaking"
	case ContinuousDialog:
		return "ContinuousDialog"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Description returns the user-facing status text for s.
func (s State) Description() string {
	switch s {
	case Stopped:
		return "服务已停止"
	case WakeWord:
		return "正在等待唤醒词"
	case Listening:
		return "正在聆听..."
	case AiProcessing:
		return "正在处理请求..."
	case AiResponding, TtsSpeaking:
		return "正在回答..."
	case ContinuousDialog:
		return "连续对话模式"
	default:
		return s.String()
	}
}

// MarshalText implements [encoding.TextMarshaler] so states render by name
// in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *State) UnmarshalText(text []byte) error {
	for st := Stopped; st <= ContinuousDialog; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", text)
}

// bargeable reports whether a barge-in is accepted in s.
func (s State) bargeable() bool {
	switch s {
	case Listening, AiProcessing, AiResponding, TtsSpeaking, ContinuousDialog:
		return true
	}
	return false
}

// Snapshot is a point-in-time copy of a session's externally visible state.
type Snapshot struct {
	ID                      string `json:"id"`
	State                   State  `json:"state"`
	Description             string `json:"description"`
	ContinuousDialogEnabled bool   `json:"continuous_dialog_enabled"`
	ContinuousDialogMode    bool   `json:"continuous_dialog_mode"`
	Generation              uint64 `json:"generation"`
	PendingUtterances       int    `json:"pending_utterances"`
}

// Package vad defines voice activity detection over PCM frames.
//
// The recognizer uses it to tell "the user has not said anything yet" apart
// from "the user is talking but the transcript is not final yet", which is
// what the speech timeout is measured against.
package vad

// Config holds the parameters for one detection session.
type Config struct {
	// SampleRate of the frames passed to ProcessFrame, in Hz.
	SampleRate int

	// FrameSizeMs is the expected frame duration. Zero accepts any size.
	FrameSizeMs int

	// SpeechThreshold is the probability above which a frame counts as
	// speech.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which ongoing speech ends.
	// Keeping it below SpeechThreshold gives hysteresis.
	SilenceThreshold float64
}

// EventType classifies a processed frame.
type EventType int

const (
	// SpeechStart marks the first speech frame after silence.
	SpeechStart EventType = iota
	// SpeechContinue marks a speech frame while speaking.
	SpeechContinue
	// SpeechEnd marks the first silent frame after speech.
	SpeechEnd
	// Silence marks a silent frame while not speaking.
	Silence
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech-start"
	case SpeechContinue:
		return "speech-continue"
	case SpeechEnd:
		return "speech-end"
	case Silence:
		return "silence"
	default:
		return "unknown"
	}
}

// IsSpeech reports whether the frame contained speech.
func (t EventType) IsSpeech() bool { return t == SpeechStart || t == SpeechContinue }

// Event is the result of processing one frame.
type Event struct {
	Type        EventType
	Probability float64
}

// SessionHandle is a stateful detector for one audio stream. It is not safe
// for concurrent use.
type SessionHandle interface {
	ProcessFrame(frame []byte) (Event, error)
	Reset()
	Close() error
}

// Engine creates detection sessions. Implementations must be safe for
// concurrent use.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}

// Package tts defines the speech output contracts.
//
// Two layers are modelled:
//
//   - [Engine] is what the session core talks to: speak one utterance, stop,
//     and tune rate and pitch. Speak blocks until the utterance has finished
//     playing (or was cancelled), which gives callers an explicit completion
//     signal instead of having to poll an "is speaking" flag.
//   - [Provider] is a streaming synthesis backend (e.g., ElevenLabs) that
//     turns text fragments into raw PCM. Engines that render audio locally are
//     built on top of a Provider.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable reports that the synthesis engine could not be initialised
// or has been shut down.
var ErrUnavailable = errors.New("tts: engine unavailable")

// Engine is the speech output contract consumed by the playback queue.
type Engine interface {
	// Speak synthesises and plays text. It returns nil once playback finished
	// naturally, ctx.Err() when ctx was cancelled mid-utterance, or a
	// [*SynthesisError] when the engine failed. Speak must return promptly
	// without producing sound when ctx is already cancelled.
	Speak(ctx context.Context, text string) error

	// Stop aborts any in-flight utterance. It is safe to call when nothing is
	// playing.
	Stop() error

	// SetRate sets the speaking rate multiplier (1.0 = normal). Passed through
	// to the backend; takes effect from the next utterance.
	SetRate(rate float64)

	// SetPitch sets the pitch multiplier (1.0 = normal). Passed through to the
	// backend; takes effect from the next utterance.
	SetPitch(pitch float64)

	// Close releases the engine. Speak calls after Close return ErrUnavailable.
	Close() error
}

// Provider is the abstraction over a streaming synthesis backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and returns
	// a channel that emits raw PCM audio as it is synthesised. The returned
	// channel is closed when all text has been synthesised or ctx is cancelled.
	// The caller must drain the audio channel.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// VoiceProfile selects and tunes a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Pitch is the pitch multiplier, 1.0 = default.
	Pitch float64

	// Rate is the speaking rate multiplier, 1.0 = default.
	Rate float64

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}

// SynthesisError wraps a failure of the synthesis engine.
type SynthesisError struct {
	// Op names the failing operation, e.g. "init", "synthesize", "play".
	Op  string
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("tts: %s: %v", e.Op, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

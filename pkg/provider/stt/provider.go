// Package stt defines the speech-to-text contracts.
//
// Two layers are modelled:
//
//   - [Provider] wraps a real-time transcription service (e.g., Deepgram) and
//     exposes a uniform streaming interface. Once opened, a [SessionHandle]
//     accepts raw PCM audio frames and emits low-latency partials and
//     authoritative finals.
//   - [Recognizer] is the listening engine the session core drives: start a
//     listen, receive a final result or a coded [RecognitionError], stop.
//     Every result carries the ID of the listen that produced it, so results
//     from a superseded listen can be told apart and dropped.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 is the common choice for
	// speech recognition.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most STT
	// providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "zh-CN").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for the given words, such as wake phrases.
	Keywords []string
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider. Calling
	// SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a channel of interim transcripts. It is closed when the
	// session ends.
	Partials() <-chan Transcript

	// Finals returns a channel of committed transcripts. It is closed when the
	// session ends.
	Finals() <-chan Transcript

	// Close terminates the session and releases all associated resources.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately. The caller owns the
	// handle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// Recognizer is the speech-capture engine used by the session core. It is a
// single-instance resource: at most one listen is active at a time.
type Recognizer interface {
	// StartListening begins a new listen and returns its ID. Any listen still
	// active is stopped first. The listen ends with exactly one Final or Error
	// result on the Results channel unless StopListening is called.
	StartListening(ctx context.Context) (uint64, error)

	// StopListening aborts the active listen. No further results are produced
	// for it. Safe to call when nothing is active.
	StopListening() error

	// Results returns the channel on which partial, final and error results are
	// delivered. The channel is closed by Close.
	Results() <-chan Result

	// Close stops any listen and releases the recognizer.
	Close() error
}

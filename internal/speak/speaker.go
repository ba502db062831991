// Package speak provides the [tts.Engine] implementations the session speaks
// through: [Speaker] renders a streaming synthesis backend to the local
// audio sink, [TextOnly] prints instead of speaking. It also provides
// [TonePlayer], the generated cue tones.
package speak

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/hark/internal/observe"
	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/tts"
)

// DefaultSourceFormat is the PCM format synthesis backends are asked for.
var DefaultSourceFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Option configures a [Speaker].
type Option func(*Speaker)

// WithVoice sets the voice passed to the backend.
func WithVoice(v tts.VoiceProfile) Option {
	return func(s *Speaker) { s.voice = v }
}

// WithSourceFormat declares the PCM format the backend produces.
func WithSourceFormat(f audio.Format) Option {
	return func(s *Speaker) {
		if f.Validate() == nil {
			s.source = f
		}
	}
}

// WithMetrics records synthesis requests on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Speaker) { s.metrics = m }
}

// WithName sets the backend name used in metrics.
func WithName(name string) Option {
	return func(s *Speaker) {
		if name != "" {
			s.name = name
		}
	}
}

// Speaker implements [tts.Engine] over a [tts.Provider] and an [audio.Sink].
// One utterance plays at a time; Stop cancels it.
type Speaker struct {
	provider tts.Provider
	sink     audio.Sink
	voice    tts.VoiceProfile
	source   audio.Format
	metrics  *observe.Metrics
	name     string

	mu     sync.Mutex
	rate   float64
	pitch  float64
	cancel context.CancelFunc
	closed bool
}

var _ tts.Engine = (*Speaker)(nil)

// NewSpeaker returns a Speaker. Rate and pitch start at 1.
func NewSpeaker(provider tts.Provider, sink audio.Sink, opts ...Option) (*Speaker, error) {
	if provider == nil {
		return nil, &tts.SynthesisError{Op: "init", Err: errors.New("no synthesis backend")}
	}
	if sink == nil {
		return nil, &tts.SynthesisError{Op: "init", Err: errors.New("no audio output")}
	}
	s := &Speaker{
		provider: provider,
		sink:     sink,
		source:   DefaultSourceFormat,
		name:     "tts",
		rate:     1,
		pitch:    1,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Speak implements [tts.Engine].
func (s *Speaker) Speak(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return tts.ErrUnavailable
	}
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	voice := s.voice
	voice.Rate = s.rate
	voice.Pitch = s.pitch
	s.mu.Unlock()
	defer cancel()

	start := time.Now()
	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	chunks, err := s.provider.SynthesizeStream(ctx, textCh, voice)
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, s.name, "tts", "error")
		return &tts.SynthesisError{Op: "synthesize", Err: err}
	}
	s.metrics.RecordProviderRequest(ctx, s.name, "tts", "ok")

	conv := audio.FormatConverter{Target: s.sink.Format()}
	var carry []byte
	for chunk := range chunks {
		pcm := append(carry, chunk...)
		even := len(pcm) &^ 1
		carry = append([]byte(nil), pcm[even:]...)
		if even == 0 {
			continue
		}
		frame := conv.Convert(audio.Frame{Data: pcm[:even], SampleRate: s.source.SampleRate, Channels: s.source.Channels})
		if err := s.sink.Play(ctx, frame.Data); err != nil {
			go audio.Drain(chunks)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &tts.SynthesisError{Op: "play", Err: err}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.Debug("speak: utterance played", "provider", s.name, "runes", len([]rune(text)), "duration", time.Since(start))
	return nil
}

// Stop implements [tts.Engine].
func (s *Speaker) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

// SetRate implements [tts.Engine].
func (s *Speaker) SetRate(rate float64) {
	s.mu.Lock()
	s.rate = rate
	s.mu.Unlock()
}

// SetPitch implements [tts.Engine].
func (s *Speaker) SetPitch(pitch float64) {
	s.mu.Lock()
	s.pitch = pitch
	s.mu.Unlock()
}

// Close implements [tts.Engine].
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

// Package energy is a dependency-free [vad.Engine] that classifies frames
// by their RMS level. It is good enough for a close-talking microphone and is
// the default when no model-based detector is configured.
package energy

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/MrWong99/hark/pkg/provider/vad"
)

// Default thresholds as normalised RMS (full scale = 1).
const (
	DefaultSpeechThreshold  = 0.02
	DefaultSilenceThreshold = 0.01
)

// Engine implements [vad.Engine].
type Engine struct{}

var _ vad.Engine = Engine{}

// NewSession returns a detector using cfg's thresholds, with defaults for
// zero values.
func (Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = DefaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = min(DefaultSilenceThreshold, cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %v above speech threshold %v", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	expect := 0
	if cfg.SampleRate > 0 && cfg.FrameSizeMs > 0 {
		expect = cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	}
	return &session{cfg: cfg, frameBytes: expect}, nil
}

type session struct {
	cfg        vad.Config
	frameBytes int
	speaking   bool
}

func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	if s.frameBytes > 0 && len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy: frame has %d bytes, want %d", len(frame), s.frameBytes)
	}
	level := RMS(frame)

	var typ vad.EventType
	switch {
	case !s.speaking && level >= s.cfg.SpeechThreshold:
		s.speaking = true
		typ = vad.SpeechStart
	case s.speaking && level < s.cfg.SilenceThreshold:
		s.speaking = false
		typ = vad.SpeechEnd
	case s.speaking:
		typ = vad.SpeechContinue
	default:
		typ = vad.Silence
	}
	return vad.Event{Type: typ, Probability: min(level/s.cfg.SpeechThreshold/2, 1)}, nil
}

func (s *session) Reset() { s.speaking = false }

func (s *session) Close() error { return nil }

// RMS returns the root mean square of 16-bit little-endian PCM, normalised
// to full scale.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

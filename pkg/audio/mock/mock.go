// Package mock provides an in-memory [audio.Sink] for unit tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/hark/pkg/audio"
)

// Sink records every Play call. Set Gate to block Play until a value is
// received or ctx is done.
type Sink struct {
	// Fmt is returned by Format. Defaults to 16 kHz mono.
	Fmt audio.Format

	// Gate, if non-nil, blocks each Play until it receives.
	Gate chan struct{}

	// PlayErr is returned by Play after recording the call.
	PlayErr error

	mu    sync.Mutex
	plays [][]byte
}

var _ audio.Sink = (*Sink)(nil)

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format {
	if s.Fmt.SampleRate == 0 {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return s.Fmt
}

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.plays = append(s.plays, append([]byte(nil), pcm...))
	s.mu.Unlock()

	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.PlayErr
}

// Plays returns a copy of the recorded PCM buffers.
func (s *Sink) Plays() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.plays))
	copy(out, s.plays)
	return out
}

// Bytes returns the total number of bytes played.
func (s *Sink) Bytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.plays {
		n += len(p)
	}
	return n
}

// Reset clears the recorded calls.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays = nil
}

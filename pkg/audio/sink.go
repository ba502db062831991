package audio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Sink plays PCM. Play blocks until the audio was played or ctx is done and
// serialises concurrent callers.
type Sink interface {
	Format() Format
	Play(ctx context.Context, pcm []byte) error
}

// DefaultChunk is the write granularity of a WriterSink.
const DefaultChunk = 20 * time.Millisecond

// SinkOption configures a [WriterSink].
type SinkOption func(*WriterSink)

// WithChunk sets how much audio is written per write call.
func WithChunk(d time.Duration) SinkOption {
	return func(s *WriterSink) {
		if d > 0 {
			s.chunk = d
		}
	}
}

// WithoutPacing writes as fast as the writer accepts. Useful when the writer
// is a device that blocks on its own, or in tests.
func WithoutPacing() SinkOption {
	return func(s *WriterSink) { s.pace = false }
}

// WriterSink writes PCM to an io.Writer (a sound device pipe, a file, or
// io.Discard) and, unless disabled, paces the writes to real time.
type WriterSink struct {
	w     io.Writer
	f     Format
	chunk time.Duration
	pace  bool

	mu sync.Mutex
}

var _ Sink = (*WriterSink)(nil)

// NewWriterSink returns a paced sink writing f-formatted PCM to w.
func NewWriterSink(w io.Writer, f Format, opts ...SinkOption) *WriterSink {
	s := &WriterSink{w: w, f: f, chunk: DefaultChunk, pace: true}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Format returns the sink format.
func (s *WriterSink) Format() Format { return s.f }

// Play writes pcm chunk by chunk. With pacing, it returns once the written
// audio's duration has elapsed. Cancellation stops at the next chunk
// boundary and returns ctx.Err().
func (s *WriterSink) Play(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := max(s.f.FrameBytes(s.chunk), bytesPerSample*max(s.f.Channels, 1))
	start := time.Now()
	written := 0
	for written < len(pcm) {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(written+size, len(pcm))
		if _, err := s.w.Write(pcm[written:end]); err != nil {
			return fmt.Errorf("audio: write output: %w", err)
		}
		written = end
		if s.pace {
			if err := sleepUntil(ctx, start.Add(s.f.Duration(written))); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

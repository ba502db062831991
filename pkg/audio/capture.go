package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNoInput is returned by NewCapture when no input stream is configured.
	ErrNoInput = errors.New("audio: no input stream")

	// ErrInputClosed is returned by Capture.Run when the input stream ended.
	ErrInputClosed = errors.New("audio: input stream closed")
)

// DefaultFrameDuration is the capture frame length used when none is given.
const DefaultFrameDuration = 20 * time.Millisecond

// Capture reads PCM from an input stream in fixed-size frames and delivers
// them to the current subscriber. There is at most one subscriber: a new
// subscription closes the previous one, which is how the microphone is handed
// between the wake-word spotter and the recognizer. Frames read while nobody
// is subscribed are discarded.
type Capture struct {
	r         io.Reader
	format    Format
	frameSize int
	frameDur  time.Duration

	mu      sync.Mutex
	sub     chan Frame
	subID   uint64
	dropped int
	done    bool
}

// NewCapture returns a Capture reading f-formatted PCM from r in frames of
// frame length (DefaultFrameDuration if zero).
func NewCapture(r io.Reader, f Format, frame time.Duration) (*Capture, error) {
	if r == nil {
		return nil, ErrNoInput
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if frame <= 0 {
		frame = DefaultFrameDuration
	}
	size := f.FrameBytes(frame)
	if size == 0 {
		return nil, fmt.Errorf("audio: frame duration %s is shorter than one sample", frame)
	}
	return &Capture{r: r, format: f, frameSize: size, frameDur: frame}, nil
}

// Format returns the capture format.
func (c *Capture) Format() Format { return c.format }

// Subscribe makes the caller the only receiver of captured frames. buffer is
// the channel capacity; frames that do not fit are dropped. The returned
// cancel func ends the subscription and closes the channel; it is safe to
// call more than once and after a newer subscription took over.
func (c *Capture) Subscribe(buffer int) (<-chan Frame, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Frame, buffer)

	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.closeSubLocked()
	c.subID++
	id := c.subID
	c.sub = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.subID == id && c.sub != nil {
			c.closeSubLocked()
		}
	}
}

// Subscribed reports whether a subscriber is attached.
func (c *Capture) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub != nil
}

func (c *Capture) closeSubLocked() {
	if c.sub == nil {
		return
	}
	if c.dropped > 0 {
		slog.Warn("audio: subscriber too slow, frames dropped", "frames", c.dropped)
	}
	close(c.sub)
	c.sub = nil
	c.dropped = 0
}

// Run reads frames until ctx is done or the input ends. If the input
// implements io.Closer it is closed when ctx is done to unblock the read.
// Run returns nil on cancellation and ErrInputClosed at end of input. The
// current subscription is closed in both cases.
func (c *Capture) Run(ctx context.Context) error {
	defer func() {
		c.mu.Lock()
		c.done = true
		c.closeSubLocked()
		c.mu.Unlock()
	}()

	if closer, ok := c.r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = closer.Close() })
		defer stop()
	}

	var offset time.Duration
	for {
		buf := make([]byte, c.frameSize)
		_, err := io.ReadFull(c.r, buf)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return ErrInputClosed
			}
			return fmt.Errorf("audio: read input: %w", err)
		}
		c.deliver(Frame{Data: buf, SampleRate: c.format.SampleRate, Channels: c.format.Channels, Timestamp: offset})
		offset += c.frameDur
	}
}

func (c *Capture) deliver(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil {
		return
	}
	select {
	case c.sub <- f:
	default:
		c.dropped++
	}
}

package speak

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/hark/pkg/provider/tts"
)

// TextOnly is the fallback [tts.Engine] used when no synthesis backend is
// available. It writes each utterance as a line to w and, if perRune is set,
// blocks for about as long as reading it out would take.
type TextOnly struct {
	w       io.Writer
	perRune time.Duration

	mu     sync.Mutex
	rate   float64
	cancel context.CancelFunc
	closed bool
}

var _ tts.Engine = (*TextOnly)(nil)

// NewTextOnly returns a TextOnly engine writing to w (io.Discard if nil).
func NewTextOnly(w io.Writer, perRune time.Duration) *TextOnly {
	if w == nil {
		w = io.Discard
	}
	return &TextOnly{w: w, perRune: perRune, rate: 1}
}

// Speak implements [tts.Engine].
func (t *TextOnly) Speak(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return tts.ErrUnavailable
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	rate := t.rate
	if _, err := fmt.Fprintln(t.w, text); err != nil {
		t.mu.Unlock()
		cancel()
		return &tts.SynthesisError{Op: "play", Err: err}
	}
	t.mu.Unlock()
	defer cancel()

	slog.Info("speak (text only)", "text", text)
	if t.perRune <= 0 {
		return nil
	}
	if rate <= 0 {
		rate = 1
	}
	d := time.Duration(float64(t.perRune) * float64(utf8.RuneCountInString(text)) / rate)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Stop implements [tts.Engine].
func (t *TextOnly) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	return nil
}

// SetRate implements [tts.Engine]. It scales the reading time.
func (t *TextOnly) SetRate(rate float64) {
	t.mu.Lock()
	t.rate = rate
	t.mu.Unlock()
}

// SetPitch implements [tts.Engine]. Text has no pitch.
func (t *TextOnly) SetPitch(float64) {}

// Close implements [tts.Engine].
func (t *TextOnly) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

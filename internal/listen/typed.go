package listen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/hark/pkg/provider/stt"
)

// ErrNotListening is returned by [Typed.Submit] when no listen is active.
var ErrNotListening = errors.New("listen: not listening")

// Typed is an [stt.Recognizer] fed with text instead of audio, for running
// without a transcription backend. Each listen waits for one Submit and
// fails with speech-timeout after the timeout.
type Typed struct {
	timeout time.Duration
	results chan stt.Result

	mu     sync.Mutex
	nextID uint64
	active uint64
	timer  *time.Timer
	closed bool
}

var _ stt.Recognizer = (*Typed)(nil)

// NewTyped returns a Typed recognizer. A non-positive timeout means
// DefaultMaxDuration.
func NewTyped(timeout time.Duration) *Typed {
	if timeout <= 0 {
		timeout = DefaultMaxDuration
	}
	return &Typed{timeout: timeout, results: make(chan stt.Result, 8)}
}

// StartListening implements [stt.Recognizer].
func (t *Typed) StartListening(context.Context) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, &stt.RecognitionError{Code: stt.CodeClient, Err: ErrClosed}
	}
	t.stopLocked()
	t.nextID++
	id := t.nextID
	t.active = id
	t.timer = time.AfterFunc(t.timeout, func() {
		t.finish(id, stt.Result{Kind: stt.ResultError, Err: &stt.RecognitionError{
			Code: stt.CodeSpeechTimeout,
			Err:  fmt.Errorf("listen: no input within %s", t.timeout),
		}})
	})
	return id, nil
}

// Listening reports whether a Submit would be accepted.
func (t *Typed) Listening() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active != 0
}

// Submit ends the active listen with text as its final transcript. Blank
// text ends it with no-match.
func (t *Typed) Submit(text string) error {
	t.mu.Lock()
	id := t.active
	t.mu.Unlock()
	if id == 0 {
		return ErrNotListening
	}
	res := stt.Result{Kind: stt.ResultFinal, Text: strings.TrimSpace(text), Confidence: 1}
	if res.Text == "" {
		res = stt.Result{Kind: stt.ResultError, Err: &stt.RecognitionError{Code: stt.CodeNoMatch}}
	}
	if !t.finish(id, res) {
		return ErrNotListening
	}
	return nil
}

// finish delivers res if id is still the active listen.
func (t *Typed) finish(id uint64, res stt.Result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.active != id {
		return false
	}
	t.stopLocked()
	res.ListenID = id
	select {
	case t.results <- res:
	default:
		// The consumer is gone or far behind; a dropped result leaves the
		// session waiting for its own timeouts.
	}
	return true
}

// StopListening implements [stt.Recognizer].
func (t *Typed) StopListening() error {
	t.mu.Lock()
	t.stopLocked()
	t.mu.Unlock()
	return nil
}

func (t *Typed) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.active = 0
}

// Results implements [stt.Recognizer].
func (t *Typed) Results() <-chan stt.Result { return t.results }

// Close implements [stt.Recognizer].
func (t *Typed) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.stopLocked()
		close(t.results)
	}
	return nil
}

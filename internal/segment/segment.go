// Package segment converts an incrementally arriving text stream into
// speakable sentence units.
//
// A [Segmenter] accumulates fragments (typically AI response deltas) and
// releases an utterance as soon as one of three rules fires:
//
//  1. the buffer ends with terminal punctuation (half-width or full-width
//     ". ! ? ; :" or an ellipsis),
//  2. the buffer reaches the configured maximum length in code points, in
//     which case exactly that many code points are released and the rest
//     keeps accumulating,
//  3. the configured timeout has elapsed since the last append and the buffer
//     is non-empty (evaluated by [Segmenter.Tick]).
//
// Released text is trimmed of surrounding whitespace. Whitespace-only
// remainders are discarded, so an utterance is never empty. Every non-space
// character appended ends up in exactly one utterance, in append order.
//
// All methods are safe for concurrent use.
package segment

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxRunes is the default maximum utterance length in code points.
	DefaultMaxRunes = 40

	// DefaultTimeout is the default idle time after which a non-empty buffer
	// is released by [Segmenter.Tick].
	DefaultTimeout = 500 * time.Millisecond
)

// IsTerminal reports whether r ends a sentence. The set covers the
// half-width and full-width variants of ". ! ? ; :" plus the ellipsis
// character. A three-dot ellipsis ends in '.' and is therefore covered too.
func IsTerminal(r rune) bool {
	switch r {
	case '.', '。', '!', '！', '?', '？', ';', '；', ':', '：', '…':
		return true
	}
	return false
}

// Option configures a [Segmenter].
type Option func(*Segmenter)

// WithMaxRunes sets the length rule threshold. Values below 1 are ignored.
func WithMaxRunes(n int) Option {
	return func(s *Segmenter) {
		if n > 0 {
			s.maxRunes = n
		}
	}
}

// WithTimeout sets the idle timeout used by [Segmenter.Tick]. Zero or
// negative values disable the timeout rule.
func WithTimeout(d time.Duration) Option {
	return func(s *Segmenter) {
		s.timeout = d
	}
}

// WithClock replaces the wall clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Segmenter) {
		if now != nil {
			s.now = now
		}
	}
}

// Segmenter is a stateful sentence accumulator.
type Segmenter struct {
	maxRunes int
	timeout  time.Duration
	now      func() time.Time

	mu         sync.Mutex
	buf        []rune
	lastAppend time.Time
}

// New returns a Segmenter with the default rules, adjusted by opts.
func New(opts ...Option) *Segmenter {
	s := &Segmenter{
		maxRunes: DefaultMaxRunes,
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append adds fragment to the buffer and returns the utterances that became
// ready because of it, in order. The append and the rule evaluation happen
// under one lock, so concurrent appends never interleave inside a check.
func (s *Segmenter) Append(fragment string) []string {
	if fragment == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, []rune(fragment)...)
	s.lastAppend = s.now()

	var out []string
	for len(s.buf) >= s.maxRunes {
		if text, ok := s.takeLocked(s.maxRunes); ok {
			out = append(out, text)
		}
	}
	if n := len(s.buf); n > 0 && IsTerminal(s.buf[n-1]) {
		if text, ok := s.takeLocked(n); ok {
			out = append(out, text)
		}
	}
	return out
}

// Tick applies the timeout rule: if the buffer is non-empty and more than
// the configured timeout has passed since the last append, the whole buffer
// is released.
func (s *Segmenter) Tick() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timeout <= 0 || len(s.buf) == 0 {
		return "", false
	}
	if s.now().Sub(s.lastAppend) <= s.timeout {
		return "", false
	}
	return s.takeLocked(len(s.buf))
}

// Flush releases whatever is buffered regardless of the rules. It is called
// when the upstream stream completes. ok is false when nothing speakable
// remained.
func (s *Segmenter) Flush() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeLocked(len(s.buf))
}

// Reset discards the buffer without releasing it.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
	s.lastAppend = time.Time{}
}

// Len returns the number of buffered code points.
func (s *Segmenter) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// takeLocked removes the first n runes from the buffer and returns them
// trimmed. Must be called with s.mu held.
func (s *Segmenter) takeLocked(n int) (string, bool) {
	if n <= 0 {
		return "", false
	}
	head := string(s.buf[:n])
	rest := s.buf[n:]
	if len(rest) == 0 {
		s.buf = nil
	} else {
		s.buf = append(make([]rune, 0, len(rest)), rest...)
	}

	text := strings.TrimSpace(head)
	if text == "" {
		return "", false
	}
	return text, true
}

// Package mock provides scripted doubles for the vad interfaces.
package mock

import (
	"sync"

	"github.com/MrWong99/hark/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine hands out Session (or a fresh silent [Session] when nil) and
// remembers the configs it was asked for.
type Engine struct {
	Session vad.SessionHandle
	Err     error

	mu      sync.Mutex
	configs []vad.Config
}

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	switch {
	case e.Err != nil:
		return nil, e.Err
	case e.Session != nil:
		return e.Session, nil
	}
	return &Session{Fallback: vad.Event{Type: vad.Silence}}, nil
}

// Configs returns the configs passed to NewSession so far.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session answers frames from Script in order, then with Fallback.
type Session struct {
	Script   []vad.Event
	Fallback vad.Event
	Err      error

	mu     sync.Mutex
	frames int
	bytes  int
	resets int
	closed bool
}

func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	s.bytes += len(frame)
	if s.Err != nil {
		return vad.Event{}, s.Err
	}
	if len(s.Script) == 0 {
		return s.Fallback, nil
	}
	ev := s.Script[0]
	s.Script = s.Script[1:]
	return ev, nil
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// FrameCount is the number of ProcessFrame calls.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// ByteCount is the total size of all processed frames.
func (s *Session) ByteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Resets is the number of Reset calls.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

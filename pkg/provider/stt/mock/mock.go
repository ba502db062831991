// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider and Session to feed controlled Transcript values to code built
// on stt.Provider. Use Recognizer to drive a session core directly: every
// StartListening hands out a fresh listen ID, and Final/Fail push results
// tagged with the active one.
//
// Example:
//
//	r := mock.NewRecognizer()
//	id, _ := r.StartListening(ctx)
//	r.Final("今天天气怎么样") // delivered with ListenID == id
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/hark/pkg/provider/stt"
)

// ─── Provider / Session ──────────────────────────────────────────────────────

// ErrDial is returned by the calls Provider.FailFirst makes fail.
var ErrDial = errors.New("mock: dial failed")

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new session from NewSession and records it in Sessions.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// FailFirst makes the first FailFirst calls fail with ErrDial, for
	// exercising reconnects.
	FailFirst int

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	// Sessions records the sessions created by StartStream when Session is nil.
	Sessions []*Session
}

// StartStream records the call and returns a session or StartStreamErr.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if len(p.StartStreamCalls) <= p.FailFirst {
		return nil, ErrDial
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// LastSession returns the most recently created session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Calls returns the number of StartStream calls. Thread-safe.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.Sessions = nil
}

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	// PartialsCh is the channel returned by Partials().
	PartialsCh chan stt.Transcript

	// FinalsCh is the channel returned by Finals().
	FinalsCh chan stt.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	ownsChannels bool
}

// NewSession returns a Session with buffered channels that Close closes.
func NewSession() *Session {
	return &Session{
		PartialsCh:   make(chan stt.Transcript, 16),
		FinalsCh:     make(chan stt.Transcript, 16),
		ownsChannels: true,
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CloseCallCount > 0 {
		return errors.New("mock: session closed")
	}
	s.SendAudioCalls = append(s.SendAudioCalls, append([]byte(nil), chunk...))
	return s.SendAudioErr
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

// Close records the call. Sessions built by NewSession close their channels
// on the first call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.CloseCallCount == 1 && s.ownsChannels {
		close(s.PartialsCh)
		close(s.FinalsCh)
	}
	return nil
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Closed reports whether Close has been called. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

// ─── Recognizer ──────────────────────────────────────────────────────────────

// Recognizer is a mock implementation of stt.Recognizer.
type Recognizer struct {
	// StartErr, if non-nil, is returned by StartListening.
	StartErr error

	// Started receives the ID of every successful StartListening call. It is
	// buffered; sends that would block are dropped.
	Started chan uint64

	mu        sync.Mutex
	results   chan stt.Result
	nextID    uint64
	active    uint64
	starts    int
	stops     int
	closed    bool
	closeOnce sync.Once
}

// NewRecognizer returns a Recognizer with buffered result and start channels.
func NewRecognizer() *Recognizer {
	return &Recognizer{
		Started: make(chan uint64, 64),
		results: make(chan stt.Result, 64),
	}
}

// StartListening records the call and returns a new listen ID.
func (r *Recognizer) StartListening(_ context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if r.StartErr != nil {
		return 0, r.StartErr
	}
	r.nextID++
	r.active = r.nextID
	select {
	case r.Started <- r.active:
	default:
	}
	return r.active, nil
}

// StopListening records the call and clears the active listen.
func (r *Recognizer) StopListening() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	r.active = 0
	return nil
}

// Results returns the result channel.
func (r *Recognizer) Results() <-chan stt.Result { return r.results }

// Close closes the result channel.
func (r *Recognizer) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.results)
	})
	return nil
}

// Active returns the active listen ID, or 0 when not listening.
func (r *Recognizer) Active() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Final pushes a final result for the active listen.
func (r *Recognizer) Final(text string) {
	r.Emit(stt.Result{ListenID: r.Active(), Kind: stt.ResultFinal, Text: text})
}

// Fail pushes an error result with the given code for the active listen.
func (r *Recognizer) Fail(code stt.ErrorCode) {
	r.Emit(stt.Result{ListenID: r.Active(), Kind: stt.ResultError, Err: &stt.RecognitionError{Code: code}})
}

// Emit pushes r verbatim, e.g. with a stale ListenID.
func (r *Recognizer) Emit(res stt.Result) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if !closed {
		r.results <- res
	}
}

// Starts returns the number of StartListening calls. Thread-safe.
func (r *Recognizer) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// Stops returns the number of StopListening calls. Thread-safe.
func (r *Recognizer) Stops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

// Reset clears the call counters. Thread-safe.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = 0
	r.stops = 0
}

// Ensure the mocks implement the stt interfaces at compile time.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
	_ stt.Recognizer    = (*Recognizer)(nil)
)

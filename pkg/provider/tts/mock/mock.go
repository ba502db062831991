// Package mock provides test doubles for the tts.Engine and tts.Provider
// interfaces.
//
// Engine blocks inside Speak until the test releases it (when Gate is set),
// which makes the ordering of utterances and the effect of cancellation
// observable without sleeping:
//
//	e := &mock.Engine{Gate: make(chan struct{}), Started: make(chan string, 8)}
//	go e.Speak(ctx, "hello")
//	<-e.Started      // "hello" is now in flight
//	e.Gate <- struct{}{} // let it finish
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/hark/pkg/provider/tts"
)

// Engine is a mock implementation of tts.Engine.
type Engine struct {
	// --- Configurable behaviour (set before use) ---

	// Gate, when non-nil, makes every Speak call wait for one receive from
	// Gate (or ctx cancellation) before returning.
	Gate chan struct{}

	// Started, when non-nil, receives the text of every Speak call as soon as
	// it begins. The send is abandoned when ctx is cancelled.
	Started chan string

	// SpeakErr, if non-nil, is returned by every Speak call that is not
	// cancelled.
	SpeakErr error

	mu sync.Mutex

	// --- Call records ---

	// SpeakCalls records the text of every Speak call in order.
	SpeakCalls []string

	// Completed records the text of every Speak call that returned nil.
	Completed []string

	// StopCalls counts calls to Stop.
	StopCalls int

	// Rate and Pitch hold the last values passed to SetRate and SetPitch.
	Rate, Pitch float64

	// Closed reports whether Close was called.
	Closed bool

	inFlight    int
	maxInFlight int
}

// Speak records the call and blocks according to Gate.
func (e *Engine) Speak(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.Closed {
		e.mu.Unlock()
		return tts.ErrUnavailable
	}
	e.SpeakCalls = append(e.SpeakCalls, text)
	e.inFlight++
	if e.inFlight > e.maxInFlight {
		e.maxInFlight = e.inFlight
	}
	speakErr := e.SpeakErr
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
	}()

	if e.Started != nil {
		select {
		case e.Started <- text:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.Gate != nil {
		select {
		case <-e.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if speakErr != nil {
		return speakErr
	}

	e.mu.Lock()
	e.Completed = append(e.Completed, text)
	e.mu.Unlock()
	return nil
}

// Stop records the call.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StopCalls++
	return nil
}

// SetRate records rate.
func (e *Engine) SetRate(rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Rate = rate
}

// SetPitch records pitch.
func (e *Engine) SetPitch(pitch float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Pitch = pitch
}

// Close marks the engine closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Closed = true
	return nil
}

// Spoken returns a copy of SpeakCalls. Thread-safe.
func (e *Engine) Spoken() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.SpeakCalls...)
}

// Finished returns a copy of Completed. Thread-safe.
func (e *Engine) Finished() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.Completed...)
}

// Voice returns the last rate and pitch. Thread-safe.
func (e *Engine) Voice() (rate, pitch float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Rate, e.Pitch
}

// Stops returns StopCalls. Thread-safe.
func (e *Engine) Stops() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.StopCalls
}

// MaxConcurrent returns the highest number of Speak calls observed in flight
// at the same time.
func (e *Engine) MaxConcurrent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxInFlight
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SpeakCalls = nil
	e.Completed = nil
	e.StopCalls = 0
	e.maxInFlight = 0
}

// ─── Provider ────────────────────────────────────────────────────────────────

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
	// Text holds every fragment read from the text channel. It is complete
	// once the returned audio channel has been closed.
	Text []string
}

// Provider is a mock implementation of tts.Provider.
//
// SynthesizeStream reads the whole text channel before emitting
// SynthesizeChunks, so the recorded text is final when the audio channel
// closes.
type Provider struct {
	mu sync.Mutex

	// SynthesizeChunks is the sequence of audio byte slices emitted per call.
	SynthesizeChunks [][]byte

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned from ListVoices.
	ListVoicesErr error

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// ListVoicesCalls counts calls to ListVoices.
	ListVoicesCalls int
}

// SynthesizeStream records the call and, if SynthesizeErr is nil, returns a
// channel that emits SynthesizeChunks then closes.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	idx := len(p.SynthesizeStreamCalls)
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	p.mu.Unlock()

	ch := make(chan []byte, len(chunks))
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case frag, ok := <-text:
				if !ok {
					goto emit
				}
				p.mu.Lock()
				p.SynthesizeStreamCalls[idx].Text = append(p.SynthesizeStreamCalls[idx].Text, frag)
				p.mu.Unlock()
			}
		}
	emit:
		for _, audio := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- audio:
			}
		}
	}()
	return ch, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Calls returns a copy of SynthesizeStreamCalls. Thread-safe.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeStreamCall, len(p.SynthesizeStreamCalls))
	for i, c := range p.SynthesizeStreamCalls {
		out[i] = SynthesizeStreamCall{Voice: c.Voice, Text: append([]string(nil), c.Text...)}
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.ListVoicesCalls = 0
}

// Ensure the mocks implement the tts interfaces at compile time.
var (
	_ tts.Engine   = (*Engine)(nil)
	_ tts.Provider = (*Provider)(nil)
)

// Package listen implements [stt.Recognizer] on top of a streaming
// [stt.Provider] and the local microphone.
//
// Each listen opens a fresh provider stream, feeds it captured frames and
// ends with exactly one result: the first non-empty final transcript, or a
// coded error. Streams are opened on the listen's own goroutine, so
// StartListening never blocks on the network; dial failures arrive as an
// error result instead.
package listen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/hark/internal/observe"
	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/stt"
	"github.com/MrWong99/hark/pkg/provider/vad"
)

// Default limits of a single listen.
const (
	DefaultSilenceTimeout = 5 * time.Second
	DefaultMaxDuration    = 30 * time.Second
)

// ErrClosed is returned by StartListening after Close.
var ErrClosed = errors.New("listen: recognizer closed")

// Source is the microphone. [audio.Capture] implements it.
type Source interface {
	Format() audio.Format
	Subscribe(buffer int) (<-chan audio.Frame, func())
}

var _ Source = (*audio.Capture)(nil)

// Config tunes a [Recognizer].
type Config struct {
	// Language and Keywords are passed to the provider.
	Language string
	Keywords []string

	// SilenceTimeout ends a listen with speech-timeout when no speech was
	// detected for this long after it started.
	SilenceTimeout time.Duration

	// MaxDuration bounds a listen. The last partial transcript is returned
	// as final when it is hit, or speech-timeout if there is none.
	MaxDuration time.Duration

	// VAD detects speech for the silence timeout. Without it, the first
	// partial transcript counts as speech.
	VAD vad.Engine
}

// Option configures a [Recognizer].
type Option func(*Recognizer)

// WithMetrics records provider requests and errors on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Recognizer) { r.metrics = m }
}

// WithName sets the provider name used in metrics and logs.
func WithName(name string) Option {
	return func(r *Recognizer) {
		if name != "" {
			r.name = name
		}
	}
}

// Recognizer implements [stt.Recognizer].
type Recognizer struct {
	provider stt.Provider
	source   Source
	cfg      Config
	metrics  *observe.Metrics
	name     string

	results chan stt.Result
	quit    chan struct{}

	mu     sync.Mutex
	nextID uint64
	active *listenRun
	closed bool
	wg     sync.WaitGroup
}

var _ stt.Recognizer = (*Recognizer)(nil)

type listenRun struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a Recognizer streaming audio from source to provider. source
// may be nil, in which case every listen fails with the audio code.
func New(provider stt.Provider, source Source, cfg Config, opts ...Option) (*Recognizer, error) {
	if provider == nil {
		return nil, errors.New("listen: provider is required")
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	r := &Recognizer{
		provider: provider,
		source:   source,
		cfg:      cfg,
		name:     "stt",
		results:  make(chan stt.Result, 64),
		quit:     make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Results implements [stt.Recognizer].
func (r *Recognizer) Results() <-chan stt.Result { return r.results }

// StartListening implements [stt.Recognizer]. It fails synchronously only
// when there is no audio input or the recognizer is closed.
func (r *Recognizer) StartListening(ctx context.Context) (uint64, error) {
	if r.source == nil {
		return 0, &stt.RecognitionError{Code: stt.CodeAudio, Err: audio.ErrNoInput}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, &stt.RecognitionError{Code: stt.CodeClient, Err: ErrClosed}
	}
	r.stopLocked()

	r.nextID++
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &listenRun{id: r.nextID, ctx: lctx, cancel: cancel}
	r.active = run

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.run(run)
	}()
	return run.id, nil
}

// StopListening implements [stt.Recognizer].
func (r *Recognizer) StopListening() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	return nil
}

func (r *Recognizer) stopLocked() {
	if r.active == nil {
		return
	}
	r.active.cancel()
	r.active = nil
}

// Close implements [stt.Recognizer]. It waits for the running listen to
// wind down and then closes the results channel.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.stopLocked()
	close(r.quit)
	r.mu.Unlock()

	r.wg.Wait()
	close(r.results)
	return nil
}

// current reports whether run is still the active listen.
func (r *Recognizer) current(run *listenRun) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active == run
}

// partial forwards an interim transcript; it is dropped when the consumer
// lags behind.
func (r *Recognizer) partial(run *listenRun, t stt.Transcript) {
	if !r.current(run) {
		return
	}
	select {
	case r.results <- stt.Result{ListenID: run.id, Kind: stt.ResultPartial, Text: t.Text, Confidence: t.Confidence}:
	default:
	}
}

// finish delivers the terminal result of run unless it was superseded.
func (r *Recognizer) finish(run *listenRun, res stt.Result) {
	r.mu.Lock()
	if r.active != run {
		r.mu.Unlock()
		return
	}
	r.active = nil
	r.mu.Unlock()

	res.ListenID = run.id
	if res.Kind == stt.ResultError {
		r.metrics.RecordProviderError(run.ctx, r.name, "stt")
		slog.Debug("listen: failed", "listen_id", run.id, "code", res.Err.Code, "err", res.Err.Err)
	}
	select {
	case r.results <- res:
	case <-r.quit:
	}
}

func (r *Recognizer) fail(run *listenRun, code stt.ErrorCode, err error) {
	r.finish(run, stt.Result{Kind: stt.ResultError, Err: &stt.RecognitionError{Code: code, Err: err}})
}

func (r *Recognizer) run(run *listenRun) {
	ctx := run.ctx
	format := r.source.Format()

	handle, err := r.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Language:   r.cfg.Language,
		Keywords:   r.cfg.Keywords,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.metrics.RecordProviderRequest(ctx, r.name, "stt", "error")
		code := stt.CodeNetwork
		var rerr *stt.RecognitionError
		if errors.As(err, &rerr) {
			code = rerr.Code
		}
		r.fail(run, code, err)
		return
	}
	r.metrics.RecordProviderRequest(ctx, r.name, "stt", "ok")
	defer handle.Close()

	frames, unsubscribe := r.source.Subscribe(64)
	defer unsubscribe()

	var detector vad.SessionHandle
	if r.cfg.VAD != nil {
		detector, err = r.cfg.VAD.NewSession(vad.Config{SampleRate: format.SampleRate})
		if err != nil {
			slog.Warn("listen: voice activity detection unavailable", "err", err)
			detector = nil
		} else {
			defer detector.Close()
		}
	}

	silence := time.NewTimer(r.cfg.SilenceTimeout)
	defer silence.Stop()
	limit := time.NewTimer(r.cfg.MaxDuration)
	defer limit.Stop()

	var (
		heard       bool
		lastPartial string
		partials    = handle.Partials()
		finals      = handle.Finals()
	)
	speech := func() {
		if !heard {
			heard = true
			silence.Stop()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case f, ok := <-frames:
			if !ok {
				if r.current(run) {
					r.fail(run, stt.CodeAudio, errors.New("listen: audio capture ended"))
				}
				return
			}
			if err := handle.SendAudio(f.Data); err != nil {
				if ctx.Err() == nil {
					r.fail(run, stt.CodeNetwork, fmt.Errorf("listen: send audio: %w", err))
				}
				return
			}
			if detector != nil {
				if ev, err := detector.ProcessFrame(f.Data); err == nil && ev.Type.IsSpeech() {
					speech()
				}
			}

		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if text := strings.TrimSpace(t.Text); text != "" {
				lastPartial = text
				speech()
				r.partial(run, t)
			}

		case t, ok := <-finals:
			if !ok {
				if lastPartial != "" {
					r.finish(run, stt.Result{Kind: stt.ResultFinal, Text: lastPartial})
				} else if ctx.Err() == nil {
					r.fail(run, stt.CodeNetwork, errors.New("listen: transcription stream closed"))
				}
				return
			}
			text := strings.TrimSpace(t.Text)
			if text == "" {
				// Providers finalise silent stretches too; only an empty
				// final after speech is a failed recognition.
				if heard {
					r.fail(run, stt.CodeNoMatch, nil)
					return
				}
				continue
			}
			r.finish(run, stt.Result{Kind: stt.ResultFinal, Text: text, Confidence: t.Confidence})
			return

		case <-silence.C:
			r.fail(run, stt.CodeSpeechTimeout, nil)
			return

		case <-limit.C:
			if lastPartial != "" {
				r.finish(run, stt.Result{Kind: stt.ResultFinal, Text: lastPartial})
			} else {
				r.fail(run, stt.CodeSpeechTimeout, fmt.Errorf("listen: no transcript within %s", r.cfg.MaxDuration))
			}
			return
		}
	}
}

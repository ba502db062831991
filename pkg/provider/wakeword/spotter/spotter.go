// Package spotter implements [wakeword.Engine] by transcribing the
// microphone continuously and matching the transcript against the wake
// phrases.
//
// While armed, a Spotter holds one streaming [stt.Provider] session. Each
// partial and final transcript is checked with the phonetic matcher of
// [phrase.Matcher]; the first hit is delivered and ends the arm. When the
// stream drops, it is re-established with exponential backoff.
package spotter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/hark/internal/observe"
	"github.com/MrWong99/hark/internal/phrase"
	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/stt"
	"github.com/MrWong99/hark/pkg/provider/wakeword"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

var errStreamClosed = errors.New("transcription stream closed")

// Source is the microphone. [audio.Capture] implements it.
type Source interface {
	Format() audio.Format
	Subscribe(buffer int) (<-chan audio.Frame, func())
}

// Config configures a [Spotter].
type Config struct {
	// Phrases are the wake phrases. At least one is required.
	Phrases []string

	// Threshold is the minimum phonetic similarity of a match. Zero keeps
	// [phrase.DefaultPhoneticThreshold].
	Threshold float64

	// Language is passed to the transcription provider.
	Language string

	// MaxRetries is the number of connection attempts after a drop before
	// the arm gives up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial delay between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 500ms if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

// Option configures a [Spotter].
type Option func(*Spotter)

// WithMetrics records provider requests and errors on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Spotter) { s.metrics = m }
}

// WithName sets the provider name used in metrics and logs.
func WithName(name string) Option {
	return func(s *Spotter) {
		if name != "" {
			s.name = name
		}
	}
}

// Spotter implements [wakeword.Engine]. Every arm yields at most one
// detection; the session re-arms after each conversation turn.
//
// All methods are safe for concurrent use.
type Spotter struct {
	provider stt.Provider
	source   Source
	cfg      Config
	matcher  *phrase.Matcher
	metrics  *observe.Metrics
	name     string

	det  chan wakeword.Detection
	quit chan struct{}

	mu     sync.Mutex
	nextID uint64
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

var _ wakeword.Engine = (*Spotter)(nil)

// New returns a disarmed Spotter.
func New(provider stt.Provider, source Source, cfg Config, opts ...Option) (*Spotter, error) {
	var errs []error
	if provider == nil {
		errs = append(errs, errors.New("provider is required"))
	}
	if source == nil {
		errs = append(errs, audio.ErrNoInput)
	}
	if len(cfg.Phrases) == 0 {
		errs = append(errs, errors.New("at least one wake phrase is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("wakeword: %w", err)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	var mopts []phrase.Option
	if cfg.Threshold > 0 {
		mopts = append(mopts, phrase.WithPhoneticThreshold(cfg.Threshold))
	}
	s := &Spotter{
		provider: provider,
		source:   source,
		cfg:      cfg,
		matcher:  phrase.New(mopts...),
		name:     "wakeword",
		det:      make(chan wakeword.Detection, 16),
		quit:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Arm implements [wakeword.Engine]. The stream is opened in the background.
func (s *Spotter) Arm(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, wakeword.ErrClosed
	}
	s.disarmLocked()

	s.nextID++
	id := s.nextID
	actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(actx, id)
	}()
	return id, nil
}

// Disarm implements [wakeword.Engine].
func (s *Spotter) Disarm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked()
	return nil
}

func (s *Spotter) disarmLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Detections implements [wakeword.Engine].
func (s *Spotter) Detections() <-chan wakeword.Detection { return s.det }

// Close implements [wakeword.Engine].
func (s *Spotter) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.disarmLocked()
	close(s.quit)
	s.mu.Unlock()

	s.wg.Wait()
	close(s.det)
	return nil
}

// run keeps a transcription stream open for one arm until a phrase is
// heard, the arm is cancelled or reconnection gives up.
func (s *Spotter) run(ctx context.Context, armID uint64) {
	frames, unsubscribe := s.source.Subscribe(64)
	defer unsubscribe()

	for attempt := 0; ; attempt++ {
		handle, err := s.connect(ctx, armID, attempt > 0)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("wakeword: reconnection failed after max retries",
					"arm_id", armID,
					"max_retries", s.cfg.MaxRetries,
					"err", err,
				)
			}
			return
		}
		done, err := s.listen(ctx, armID, handle, frames)
		_ = handle.Close()
		if done {
			return
		}
		s.metrics.RecordProviderError(ctx, s.name, "wakeword")
		slog.Warn("wakeword: stream dropped", "arm_id", armID, "err", err)
	}
}

// connect opens a stream, retrying with exponential backoff. After a drop
// the first attempt is delayed too, so a stream that fails right away
// cannot spin.
func (s *Spotter) connect(ctx context.Context, armID uint64, reconnect bool) (stt.SessionHandle, error) {
	format := s.source.Format()
	cfg := stt.StreamConfig{
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Language:   s.cfg.Language,
		Keywords:   s.cfg.Phrases,
	}
	backoff := s.cfg.Backoff
	wait := func() bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.cfg.MaxBackoff)
		return true
	}

	if reconnect && !wait() {
		return nil, ctx.Err()
	}
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		handle, err := s.provider.StartStream(ctx, cfg)
		if err == nil {
			s.metrics.RecordProviderRequest(ctx, s.name, "wakeword", "ok")
			if reconnect || attempt > 1 {
				slog.Info("wakeword: stream connected", "arm_id", armID, "attempt", attempt)
			}
			return handle, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.metrics.RecordProviderRequest(ctx, s.name, "wakeword", "error")
		lastErr = err
		slog.Warn("wakeword: stream attempt failed",
			"arm_id", armID,
			"attempt", attempt,
			"max_retries", s.cfg.MaxRetries,
			"backoff", backoff,
			"err", err,
		)
		if attempt < s.cfg.MaxRetries && !wait() {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("wakeword: connect: %w", lastErr)
}

// listen feeds frames to handle and checks transcripts. done is true when
// the arm is over; otherwise err says why the stream dropped.
func (s *Spotter) listen(ctx context.Context, armID uint64, handle stt.SessionHandle, frames <-chan audio.Frame) (done bool, err error) {
	partials, finals := handle.Partials(), handle.Finals()
	for {
		select {
		case <-ctx.Done():
			return true, nil

		case f, ok := <-frames:
			if !ok {
				slog.Warn("wakeword: audio capture ended", "arm_id", armID)
				return true, nil
			}
			if err := handle.SendAudio(f.Data); err != nil {
				return false, err
			}

		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if s.check(ctx, armID, t) {
				return true, nil
			}

		case t, ok := <-finals:
			if !ok {
				return false, errStreamClosed
			}
			if s.check(ctx, armID, t) {
				return true, nil
			}
		}
	}
}

// check delivers a detection if t contains a wake phrase.
func (s *Spotter) check(ctx context.Context, armID uint64, t stt.Transcript) bool {
	m, ok := s.matcher.Find(t.Text, s.cfg.Phrases)
	if !ok {
		return false
	}
	d := wakeword.Detection{
		ArmID:  armID,
		Phrase: m.Phrase,
		Heard:  m.Heard,
		Score:  m.Score,
		At:     time.Now(),
	}
	slog.Debug("wakeword: detected", "arm_id", armID, "phrase", d.Phrase, "heard", d.Heard, "score", d.Score)
	select {
	case s.det <- d:
	case <-ctx.Done():
	case <-s.quit:
	}
	return true
}

// Package app wires the hark subsystems into a running assistant.
//
// The App owns the full lifecycle: New builds the audio plumbing, the
// speech engines and the session from the config, Run executes the session
// loop, audio capture, the control API and the config watcher, and Shutdown
// releases everything in order.
//
// For testing, inject doubles through the functional options (WithWakeWord,
// WithRecognizer, WithSpeech, ...). When an option is not given, New builds
// the real implementation from the config and the providers.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hark/internal/config"
	"github.com/MrWong99/hark/internal/health"
	"github.com/MrWong99/hark/internal/listen"
	"github.com/MrWong99/hark/internal/notify"
	"github.com/MrWong99/hark/internal/observe"
	"github.com/MrWong99/hark/internal/session"
	"github.com/MrWong99/hark/internal/speak"
	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/ai"
	"github.com/MrWong99/hark/pkg/provider/cue"
	"github.com/MrWong99/hark/pkg/provider/stt"
	"github.com/MrWong99/hark/pkg/provider/tts"
	"github.com/MrWong99/hark/pkg/provider/vad"
	"github.com/MrWong99/hark/pkg/provider/wakeword"
	"github.com/MrWong99/hark/pkg/provider/wakeword/spotter"
)

// shutdownGrace bounds the HTTP server shutdown.
const shutdownGrace = 5 * time.Second

// Providers holds the backends built from the provider registry. AI is
// required. A nil STT makes the session typed (text submitted through the
// API) with a push-to-talk wake word; a nil TTS speaks text-only.
type Providers struct {
	AI ai.Client

	STT     stt.Provider
	STTName string

	TTS     tts.Provider
	TTSName string

	VAD vad.Engine
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar
	watcher   *config.Watcher
	startBy   string

	input   io.Reader
	output  io.Writer
	textOut io.Writer

	// Subsystems, initialised in New.
	capture    *audio.Capture
	sink       audio.Sink
	speech     tts.Engine
	cues       cue.Player
	recognizer stt.Recognizer
	typed      *listen.Typed
	wake       wakeword.Engine
	manual     *wakeword.Manual
	sess       *session.Session
	manager    *SessionManager
	hub        *notify.Hub
	health     *health.Handler
	handler    http.Handler

	mu sync.Mutex // guards cfg after New

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records metrics on m. Without it nothing is recorded.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets Reload change the log level through lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithWatcher runs w in Run. Its change callback should call Reload.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithAutoStart starts the session when Run begins, recording by as the
// starter.
func WithAutoStart(by string) Option {
	return func(a *App) { a.startBy = by }
}

// WithInput reads microphone PCM from r instead of audio.input.
func WithInput(r io.Reader) Option {
	return func(a *App) { a.input = r }
}

// WithOutput writes speaker PCM to w instead of audio.output.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.output = w }
}

// WithTextOutput sets where the text-only engine prints. Default: stdout,
// or stderr when stdout carries audio.
func WithTextOutput(w io.Writer) Option {
	return func(a *App) { a.textOut = w }
}

// WithWakeWord injects a wake word engine.
func WithWakeWord(e wakeword.Engine) Option {
	return func(a *App) { a.wake = e }
}

// WithRecognizer injects a speech recognizer.
func WithRecognizer(r stt.Recognizer) Option {
	return func(a *App) { a.recognizer = r }
}

// WithSpeech injects a speech engine.
func WithSpeech(e tts.Engine) Option {
	return func(a *App) { a.speech = e }
}

// WithCues injects a cue player.
func WithCues(p cue.Player) Option {
	return func(a *App) { a.cues = p }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. cfg must have passed [config.Validate].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.AI == nil {
		return nil, errors.New("app: an AI client is required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Audio ─────────────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 2. Speech output and cues ────────────────────────────────────────
	if err := a.initSpeech(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init speech: %w", err)
	}

	// ── 3. Recognition and wake word ─────────────────────────────────────
	if err := a.initListening(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init listening: %w", err)
	}

	// ── 4. Session, notifications, health ────────────────────────────────
	if err := a.initSession(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	a.handler = a.routes()
	slog.Debug("app initialised", "session_id", a.sess.ID())
	return a, nil
}

func (a *App) audioFormat() audio.Format {
	return audio.Format{SampleRate: a.cfg.Audio.SampleRate, Channels: a.cfg.Audio.Channels}
}

func (a *App) initAudio() error {
	if a.input == nil && a.cfg.Audio.Input != "" {
		r, err := openInput(a.cfg.Audio.Input)
		if err != nil {
			return err
		}
		a.input = r
		if f, ok := r.(*os.File); ok && f != os.Stdin {
			// Capture.Run closes it on cancellation already.
			a.closers = append(a.closers, func() error {
				if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
					return err
				}
				return nil
			})
		}
	}
	if a.input != nil {
		frame := time.Duration(a.cfg.Audio.FrameMS) * time.Millisecond
		c, err := audio.NewCapture(a.input, a.audioFormat(), frame)
		if err != nil {
			return err
		}
		a.capture = c
	}

	if a.output == nil && a.cfg.Audio.Output != "" {
		w, err := openOutput(a.cfg.Audio.Output)
		if err != nil {
			return err
		}
		a.output = w
		if c, ok := w.(io.Closer); ok && w != io.Writer(os.Stdout) {
			a.closers = append(a.closers, c.Close)
		}
	}
	if a.output != nil {
		a.sink = audio.NewWriterSink(a.output, a.audioFormat())
	}
	return nil
}

func (a *App) initSpeech() error {
	if a.speech == nil {
		if a.providers.TTS != nil && a.sink != nil {
			sp, err := speak.NewSpeaker(a.providers.TTS, a.sink,
				speak.WithVoice(tts.VoiceProfile{ID: a.cfg.TTS.VoiceID, Provider: a.providers.TTSName}),
				speak.WithSourceFormat(audio.Format{SampleRate: a.cfg.TTS.SampleRate, Channels: 1}),
				speak.WithMetrics(a.metrics),
				speak.WithName(a.providers.TTSName),
			)
			if err != nil {
				return err
			}
			a.speech = sp
		} else {
			out := a.textOut
			if out == nil {
				out = os.Stdout
				if a.cfg.Audio.Output == "-" {
					out = os.Stderr
				}
			}
			slog.Info("speaking text-only", "tts", a.providers.TTSName, "audio_output", a.cfg.Audio.Output != "")
			a.speech = speak.NewTextOnly(out, a.cfg.TTS.TextDelay)
		}
	}
	a.closers = append(a.closers, a.speech.Close)

	if a.cues == nil && a.sink != nil && a.cfg.Session.Cues != nil && *a.cfg.Session.Cues {
		a.cues = speak.NewTonePlayer(a.sink, 0)
	}
	return nil
}

func (a *App) initListening() error {
	// The capture is shared between the spotter and the recognizer; only
	// one of them is subscribed at a time.
	var source listen.Source
	if a.capture != nil {
		source = a.capture
	}

	if a.recognizer == nil {
		if a.providers.STT != nil {
			r, err := listen.New(a.providers.STT, source, listen.Config{
				Language:       a.cfg.Speech.Language,
				Keywords:       a.cfg.Speech.Keywords,
				SilenceTimeout: a.cfg.Speech.SilenceTimeout,
				MaxDuration:    a.cfg.Speech.MaxDuration,
				VAD:            a.providers.VAD,
			}, listen.WithMetrics(a.metrics), listen.WithName(a.providers.STTName))
			if err != nil {
				return err
			}
			a.recognizer = r
		} else {
			a.typed = listen.NewTyped(a.cfg.Speech.MaxDuration)
			a.recognizer = a.typed
			slog.Info("no speech recognition backend; utterances are submitted through the API")
		}
	}
	a.closers = append(a.closers, a.recognizer.Close)

	if a.wake == nil {
		if a.providers.STT != nil && a.capture != nil {
			sp, err := spotter.New(a.providers.STT, a.capture, spotter.Config{
				Phrases:    a.cfg.WakeWord.Phrases,
				Threshold:  a.cfg.WakeWord.Threshold,
				Language:   a.cfg.Speech.Language,
				MaxRetries: a.cfg.WakeWord.MaxRetries,
				Backoff:    a.cfg.WakeWord.Backoff,
				MaxBackoff: a.cfg.WakeWord.MaxBackoff,
			}, spotter.WithMetrics(a.metrics), spotter.WithName(a.providers.STTName))
			if err != nil {
				return err
			}
			a.wake = sp
		} else {
			a.manual = wakeword.NewManual()
			a.wake = a.manual
			slog.Info("no wake word spotter; wake the session through the API")
		}
	}
	a.closers = append(a.closers, a.wake.Close)
	return nil
}

func (a *App) initSession() error {
	scfg, err := SessionConfig(a.cfg)
	if err != nil {
		return err
	}

	a.hub = notify.NewHub(func() session.Snapshot { return a.sess.Snapshot() },
		notify.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
	)
	sess, err := session.New(session.Deps{
		WakeWord:   a.wake,
		Recognizer: a.recognizer,
		Speech:     a.speech,
		AI:         a.providers.AI,
		Cues:       a.cues,
	}, scfg,
		session.WithObserver(notify.LogObserver{}),
		session.WithObserver(a.hub),
		session.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.sess = sess
	a.manager = NewSessionManager(sess)

	a.health = health.New(
		health.Condition("session", "session control loop is not running", func() bool {
			select {
			case <-sess.Done():
				return false
			default:
				return true
			}
		}),
	)
	if h, ok := a.providers.AI.(interface{ Healthy() bool }); ok {
		a.health.Add(health.Condition("ai", "every AI backend circuit is open", h.Healthy))
	}
	if h, ok := a.providers.STT.(interface{ Healthy() bool }); ok {
		a.health.Add(health.Condition("stt", "every STT backend circuit is open", h.Healthy))
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the control API.
func (a *App) Handler() http.Handler { return a.handler }

// Session returns the session.
func (a *App) Session() *session.Session { return a.sess }

// Manager returns the session manager.
func (a *App) Manager() *SessionManager { return a.manager }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run executes all subsystems until ctx is done or one of them fails. When
// serve is true the control API listens on server.listen_addr.
func (a *App) Run(ctx context.Context, serve bool) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.sess.Run(ctx) })

	if a.capture != nil {
		g.Go(func() error {
			err := a.capture.Run(ctx)
			if errors.Is(err, audio.ErrInputClosed) {
				slog.Warn("audio input ended; listening is unavailable until restart")
				return nil
			}
			return err
		})
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}

	if serve {
		g.Go(func() error { return a.serve(ctx) })
	}

	if a.startBy != "" {
		g.Go(func() error {
			// Commands need the control loop; wait until it accepts them.
			for {
				err := a.manager.Start(a.startBy)
				if !errors.Is(err, session.ErrNotRunning) {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(10 * time.Millisecond):
				}
			}
		})
	}

	return g.Wait()
}

func (a *App) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("control API listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: control API: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("control API shutdown", "err", err)
	}
	return nil
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of next: the log level, the
// session settings (timings, prompts, exit phrases, segmenter, speech rate
// and pitch, system prompt). Changes to other sections are logged and take
// effect after a restart.
func (a *App) Reload(next *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := config.Diff(a.cfg, next)
	if !d.Changed() && len(d.RestartRequired) == 0 {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged || d.ExitChanged || d.VoiceChanged {
		scfg, err := SessionConfig(next)
		if err != nil {
			slog.Error("config reload: invalid session settings, keeping the old ones", "err", err)
			return
		}
		if err := a.sess.Reconfigure(scfg); err != nil && !errors.Is(err, session.ErrNotRunning) {
			slog.Error("config reload: reconfigure session", "err", err)
			return
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes require a restart", "sections", d.RestartRequired)
	}
	a.cfg = next
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases all subsystems. Call it after Run returned. If ctx
// expires first, the remaining closers are skipped and the context error
// is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = err
				return
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func openInput(path string) (io.Reader, error) {
	if path == "-" {
		return os.Stdin, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio input: %w", err)
	}
	return f, nil
}

func openOutput(path string) (io.Writer, error) {
	if path == "-" {
		return os.Stdout, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audio output: %w", err)
	}
	return f, nil
}

// Package session implements the conversational state machine of one voice
// assistant.
//
// A [Session] sequences wake-word detection, speech recognition, a streamed
// AI answer and spoken playback into a loop, optionally staying in a
// continuous dialog that skips the wake word between turns.
//
// All state is owned by a single control loop ([Session.Run]). Collaborators
// never touch it: commands (Start, Stop, BargeIn, ...) and collaborator
// callbacks are turned into events on one channel. Delayed transitions are
// timers that post an event tagged with the generation current at schedule
// time; every transition bumps the generation, so a timer that outlived its
// state is ignored. Collaborator events carry their own tags (arm ID, listen
// ID, turn number, queue epoch) and stale ones are dropped the same way.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/hark/internal/observe"
	"github.com/MrWong99/hark/internal/playback"
	"github.com/MrWong99/hark/internal/segment"
	"github.com/MrWong99/hark/internal/stream"
	"github.com/MrWong99/hark/pkg/provider/ai"
	"github.com/MrWong99/hark/pkg/provider/cue"
	"github.com/MrWong99/hark/pkg/provider/stt"
	"github.com/MrWong99/hark/pkg/provider/tts"
	"github.com/MrWong99/hark/pkg/provider/wakeword"
)

var (
	// ErrNotRunning is returned by commands when the control loop is not
	// running.
	ErrNotRunning = errors.New("session: control loop not running")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("session: already running")

	// ErrContinuousLocked is returned by SetContinuousDialog(true) once
	// continuous dialog was turned off for this session.
	ErrContinuousLocked = errors.New("session: continuous dialog was disabled for this session")
)

// eventBuffer is the capacity of the control loop's event channel.
const eventBuffer = 64

// Deps are the collaborators a Session drives. Cues may be nil.
type Deps struct {
	WakeWord   wakeword.Engine
	Recognizer stt.Recognizer
	Speech     tts.Engine
	AI         ai.Client
	Cues       cue.Player
}

func (d Deps) validate() error {
	var errs []error
	if d.WakeWord == nil {
		errs = append(errs, errors.New("wake word engine is required"))
	}
	if d.Recognizer == nil {
		errs = append(errs, errors.New("speech recognizer is required"))
	}
	if d.Speech == nil {
		errs = append(errs, errors.New("speech engine is required"))
	}
	if d.AI == nil {
		errs = append(errs, errors.New("ai client is required"))
	}
	return errors.Join(errs...)
}

// Option configures a [Session].
type Option func(*Session)

// WithID sets the session identifier used in logs, traces and snapshots.
// A random UUID is used otherwise.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithObserver registers o. May be given several times.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithMetrics records transitions, recognition and stream metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// Session is one voice assistant conversation loop.
type Session struct {
	id        string
	deps      Deps
	observers []Observer
	metrics   *observe.Metrics
	queue     *playback.Queue

	events   chan any
	quit     chan struct{} // closed when the loop starts tearing down
	done     chan struct{} // closed when Run returned
	running  atomic.Bool
	quitOnce sync.Once

	// Owned by the control loop.
	ctx               context.Context
	log               *slog.Logger
	cfg               Config
	state             State
	gen               uint64
	timers            []*time.Timer
	continuousEnabled bool
	continuousLocked  bool
	continuousMode    bool
	armID             uint64
	listenID          uint64
	listenStart       time.Time
	awaitingPrompt    bool
	promptEpoch       uint64
	relistens         int
	backoff           cooldown
	turn              uint64
	turnEpoch         uint64
	turnCancel        context.CancelFunc
	turnSpan          trace.Span
	turnStart         time.Time
	consumer          *stream.Consumer

	mu   sync.Mutex
	snap Snapshot
}

// New creates a stopped Session. Call [Session.Run] to start its control
// loop and [Session.Start] to arm the wake word.
func New(deps Deps, cfg Config, opts ...Option) (*Session, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if deps.Cues == nil {
		deps.Cues = cue.Nop{}
	}

	s := &Session{
		id:     uuid.NewString(),
		deps:   deps,
		events: make(chan any, eventBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		cfg:    cfg.withDefaults(),
		state:  Stopped,
	}
	for _, o := range opts {
		o(s)
	}
	s.continuousEnabled = s.cfg.ContinuousDialog
	s.backoff.max = s.cfg.MaxCooldown
	s.log = slog.Default().With("session_id", s.id)
	s.queue = playback.New(deps.Speech, s.onDrained,
		playback.WithMetrics(s.metrics),
		playback.WithLogger(s.log),
	)
	deps.Speech.SetRate(s.cfg.SpeechRate)
	deps.Speech.SetPitch(s.cfg.SpeechPitch)
	s.publish()
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns the externally visible state. It is safe to call at any
// time, including before Run and after it returned.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := s.snap
	s.mu.Unlock()
	snap.PendingUtterances = s.queue.Len()
	return snap
}

// Speak speaks text outside of any turn, e.g. a notification. ModeFlush
// interrupts current speech first. While the control loop runs it handles
// the request and moves a waiting turn or prompt onto the flushed epoch.
func (s *Session) Speak(text string, mode playback.Mode) bool {
	err := s.do(command{kind: cmdSpeak, text: text, mode: mode})
	if errors.Is(err, ErrNotRunning) {
		_, ok := s.queue.Say(text, mode)
		return ok
	}
	return err == nil
}

// ─── Commands ────────────────────────────────────────────────────────────────

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdBargeIn
	cmdContinuous
	cmdConfigure
	cmdSpeak
)

type command struct {
	kind    cmdKind
	enabled bool
	cfg     Config
	text    string
	mode    playback.Mode
	reply   chan error
}

// errNotQueued is returned by cmdSpeak when the queue rejected the text.
var errNotQueued = errors.New("session: text not queued")

// Start arms the wake word. It is a no-op when the session is not Stopped.
func (s *Session) Start() error { return s.do(command{kind: cmdStart}) }

// Stop cancels all activity and returns to Stopped.
func (s *Session) Stop() error { return s.do(command{kind: cmdStop}) }

// BargeIn interrupts the current answer (or listen) and listens again. It is
// ignored in Stopped and WakeWord.
func (s *Session) BargeIn() error { return s.do(command{kind: cmdBargeIn}) }

// SetContinuousDialog toggles continuous dialog. Disabling is permanent for
// the session: a later attempt to enable it returns [ErrContinuousLocked].
func (s *Session) SetContinuousDialog(enabled bool) error {
	return s.do(command{kind: cmdContinuous, enabled: enabled})
}

// Reconfigure replaces timing, prompt, exit and segmenter settings. Running
// turns keep their segmenter; the continuous dialog toggle is not touched.
func (s *Session) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return s.do(command{kind: cmdConfigure, cfg: cfg.withDefaults()})
}

func (s *Session) do(cmd command) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	cmd.reply = make(chan error, 1)
	select {
	case s.events <- cmd:
	case <-s.quit:
		return ErrNotRunning
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.quit:
		return ErrNotRunning
	}
}

// ─── Events ──────────────────────────────────────────────────────────────────

type timerAction int

const (
	actArmWake timerAction = iota
	actStartListening
	actEnterListening
	actRelisten
)

func (a timerAction) String() string {
	switch a {
	case actArmWake:
		return "arm-wake-word"
	case actStartListening:
		return "start-listening"
	case actEnterListening:
		return "enter-listening"
	case actRelisten:
		return "relisten"
	default:
		return fmt.Sprintf("timerAction(%d)", int(a))
	}
}

type timerFired struct {
	gen    uint64
	action timerAction
}

type aiFirstDelta struct{ turn uint64 }

type aiComplete struct{ turn uint64 }

type aiFailed struct {
	turn uint64
	err  error
}

type queueDrained struct{ playback.Drained }

// post delivers ev to the control loop unless it is shutting down.
func (s *Session) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *Session) onDrained(d playback.Drained) {
	s.post(queueDrained{d})
}

// ─── Control loop ────────────────────────────────────────────────────────────

// Run executes the control loop until ctx is done. On return every
// collaborator is stopped and the playback queue is closed; the collaborators
// themselves are not closed. Run may only be called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	s.ctx = observe.WithSessionID(ctx, s.id)
	s.log.Info("session control loop started")

	detections := s.deps.WakeWord.Detections()
	results := s.deps.Recognizer.Results()

	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return nil

		case ev := <-s.events:
			s.handle(ev)

		case d, ok := <-detections:
			if !ok {
				s.log.Warn("wake word detections closed")
				detections = nil
				continue
			}
			s.handleDetection(d)

		case r, ok := <-results:
			if !ok {
				s.log.Warn("recognizer results closed")
				results = nil
				continue
			}
			s.handleResult(r)
		}
	}
}

func (s *Session) teardown() {
	s.quitOnce.Do(func() { close(s.quit) })
	s.running.Store(false)
	if s.state != Stopped {
		s.stop()
	}
	s.stopTimers()
	if err := s.queue.Close(); err != nil {
		s.log.Warn("failed to close playback queue", "err", err)
	}
	s.log.Info("session control loop stopped")
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case command:
		ev.reply <- s.handleCommand(ev)
	case timerFired:
		if ev.gen != s.gen {
			s.log.Debug("dropping stale timer", "action", ev.action, "gen", ev.gen, "current", s.gen)
			return
		}
		s.handleTimer(ev.action)
	case aiFirstDelta:
		if ev.turn == s.turn && s.state == AiProcessing {
			s.setState(AiResponding)
		}
	case aiComplete:
		if ev.turn == s.turn && (s.state == AiProcessing || s.state == AiResponding) {
			s.onStreamComplete()
		}
	case aiFailed:
		if ev.turn == s.turn && (s.state == AiProcessing || s.state == AiResponding) {
			s.onStreamFailed(ev.err)
		}
	case queueDrained:
		s.handleDrained(ev.Drained)
	default:
		s.log.Error("unknown control event", "type", fmt.Sprintf("%T", ev))
	}
}

func (s *Session) handleCommand(cmd command) error {
	switch cmd.kind {
	case cmdStart:
		if s.state != Stopped {
			s.log.Debug("start ignored", "state", s.state)
			return nil
		}
		s.enterWakeWord(0)
		return nil

	case cmdStop:
		if s.state != Stopped {
			s.stop()
		}
		return nil

	case cmdBargeIn:
		if !s.state.bargeable() {
			s.log.Debug("barge-in ignored", "state", s.state)
			return nil
		}
		s.bargeIn()
		return nil

	case cmdContinuous:
		if cmd.enabled {
			if s.continuousLocked {
				s.log.Warn("continuous dialog stays disabled for this session")
				return ErrContinuousLocked
			}
			s.continuousEnabled = true
			s.publish()
			return nil
		}
		s.lockContinuous()
		if s.state == ContinuousDialog {
			s.enterWakeWord(0)
		}
		s.publish()
		return nil

	case cmdSpeak:
		if cmd.mode == playback.ModeFlush {
			s.rebase(s.queue.CancelAll())
		}
		if _, ok := s.queue.Enqueue(cmd.text); !ok {
			return errNotQueued
		}
		return nil

	case cmdConfigure:
		s.cfg = cmd.cfg
		s.backoff.max = s.cfg.MaxCooldown
		s.deps.Speech.SetRate(s.cfg.SpeechRate)
		s.deps.Speech.SetPitch(s.cfg.SpeechPitch)
		s.log.Info("session reconfigured")
		return nil
	}
	return fmt.Errorf("session: unknown command %d", cmd.kind)
}

func (s *Session) handleTimer(action timerAction) {
	switch action {
	case actArmWake:
		if s.state == WakeWord {
			s.armWakeWord()
		}
	case actStartListening:
		if s.state == Listening {
			s.startRecognizer()
		}
	case actEnterListening:
		if s.state == ContinuousDialog {
			s.beginListening()
		}
	case actRelisten:
		if s.state == Listening {
			s.beginListening()
		}
	}
}

// ─── Transitions ─────────────────────────────────────────────────────────────

// setState moves to next, invalidating every pending timer, and notifies
// observers. Re-entering the current state is a transition too.
func (s *Session) setState(next State) {
	prev := s.state
	s.stopTimers()
	s.gen++
	s.state = next
	s.publish()

	s.log.Debug("state changed", "from", prev, "to", next, "gen", s.gen)
	s.metrics.RecordTransition(s.ctx, prev.String(), next.String())
	for _, o := range s.observers {
		o.OnStateChanged(next)
	}
}

func (s *Session) schedule(d time.Duration, action timerAction) {
	gen := s.gen
	if d <= 0 {
		s.handleTimer(action)
		return
	}
	s.timers = append(s.timers, time.AfterFunc(d, func() {
		s.post(timerFired{gen: gen, action: action})
	}))
}

func (s *Session) stopTimers() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = s.timers[:0]
}

func (s *Session) publish() {
	s.mu.Lock()
	s.snap = Snapshot{
		ID:                      s.id,
		State:                   s.state,
		Description:             s.state.Description(),
		ContinuousDialogEnabled: s.continuousEnabled,
		ContinuousDialogMode:    s.continuousMode,
		Generation:              s.gen,
	}
	s.mu.Unlock()
}

func (s *Session) lockContinuous() {
	s.continuousEnabled = false
	s.continuousLocked = true
	s.continuousMode = false
}

// enterWakeWord moves to WakeWord and arms the detector after delay.
func (s *Session) enterWakeWord(delay time.Duration) {
	s.continuousMode = false
	s.relistens = 0
	s.stopRecognizer()
	s.setState(WakeWord)
	s.schedule(delay, actArmWake)
}

func (s *Session) armWakeWord() {
	s.stopRecognizer()
	if s.armID != 0 {
		s.disarmWakeWord()
	}
	id, err := s.deps.WakeWord.Arm(s.ctx)
	if err != nil {
		delay := s.backoff.next(s.cfg.RecognitionCooldown)
		s.surface(fmt.Errorf("session: arm wake word: %w", err))
		if !errors.Is(err, wakeword.ErrClosed) {
			s.schedule(delay, actArmWake)
		}
		return
	}
	s.armID = id
	s.log.Debug("wake word armed", "arm_id", id)
}

func (s *Session) disarmWakeWord() {
	s.armID = 0
	if err := s.deps.WakeWord.Disarm(); err != nil {
		s.log.Warn("failed to disarm wake word", "err", err)
	}
}

func (s *Session) handleDetection(d wakeword.Detection) {
	if d.ArmID == 0 || d.ArmID != s.armID {
		s.log.Debug("dropping stale wake word detection", "arm_id", d.ArmID, "current", s.armID)
		return
	}
	s.log.Info("wake word detected", "phrase", d.Phrase, "heard", d.Heard, "score", d.Score)

	switch {
	case s.state == WakeWord:
		s.continuousMode = false
		s.beginListening()
	case s.cfg.BargeIn && s.state.bargeable():
		s.bargeIn()
	}
}

// beginListening enters Listening: the wake word is disarmed, playback is
// cancelled, the wake cue and the listen prompt are played and recognition
// starts once the prompt finished and the cue delay elapsed.
func (s *Session) beginListening() {
	if s.armID != 0 {
		s.disarmWakeWord()
	}
	s.stopRecognizer()
	s.queue.CancelAll()
	s.setState(Listening)
	s.playCue(cue.ToneWake)

	s.awaitingPrompt = false
	if u, ok := s.queue.Enqueue(s.cfg.ListenPrompt); ok {
		s.awaitingPrompt = true
		s.promptEpoch = u.Epoch
		return
	}
	s.schedule(s.cfg.CueDelay, actStartListening)
}

func (s *Session) startRecognizer() {
	id, err := s.deps.Recognizer.StartListening(s.ctx)
	if err != nil {
		s.onRecognitionError(&stt.RecognitionError{Code: stt.CodeOf(err), Err: err})
		return
	}
	s.listenID = id
	s.listenStart = time.Now()
	s.log.Debug("listening", "listen_id", id)
}

func (s *Session) stopRecognizer() {
	if s.listenID == 0 {
		return
	}
	s.listenID = 0
	if err := s.deps.Recognizer.StopListening(); err != nil {
		s.log.Warn("failed to stop recognizer", "err", err)
	}
}

func (s *Session) handleResult(r stt.Result) {
	if r.ListenID == 0 || r.ListenID != s.listenID || s.state != Listening {
		s.log.Debug("dropping stale recognition result", "listen_id", r.ListenID, "current", s.listenID)
		return
	}

	switch r.Kind {
	case stt.ResultPartial:
		s.log.Debug("partial transcript", "text", r.Text)

	case stt.ResultFinal:
		s.metrics.RecordSTT(s.ctx, time.Since(s.listenStart))
		s.stopRecognizer()
		text := strings.TrimSpace(r.Text)
		if text == "" {
			s.onRecognitionError(&stt.RecognitionError{Code: stt.CodeNoMatch})
			return
		}
		s.log.Info("recognised utterance", "text", text)
		if s.cfg.Exit.IsExit(text) {
			s.exitDialog()
			return
		}
		s.relistens = 0
		s.startTurn(text)

	case stt.ResultError:
		s.stopRecognizer()
		rerr := r.Err
		if rerr == nil {
			rerr = &stt.RecognitionError{Code: stt.CodeClient}
		}
		s.onRecognitionError(rerr)
	}
}

// onRecognitionError applies the per-code recovery policy.
func (s *Session) onRecognitionError(err *stt.RecognitionError) {
	s.metrics.RecordRecognitionError(s.ctx, string(err.Code))
	s.log.Info("recognition failed", "code", err.Code, "err", err.Err)

	switch err.Code {
	case stt.CodeBusy:
		s.schedule(s.backoff.next(s.cfg.RecognitionCooldown), actRelisten)

	case stt.CodeAudio, stt.CodePermission, stt.CodeServer:
		s.surface(err)
		s.enterWakeWord(s.backoff.next(s.cfg.RecognitionCooldown))

	default:
		if s.continuousMode && s.relistens < s.cfg.MaxRelistens {
			s.relistens++
			s.beginListening()
			return
		}
		s.enterWakeWord(s.backoff.next(s.cfg.RecognitionCooldown))
	}
}

func (s *Session) exitDialog() {
	s.log.Info("exit phrase recognised")
	s.cancelTurn()
	s.queue.CancelAll()
	s.lockContinuous()
	s.playCue(cue.ToneExit)
	s.queue.Enqueue(s.cfg.ExitNotice)
	s.enterWakeWord(s.cfg.ExitCooldown)
}

// ─── Turns ───────────────────────────────────────────────────────────────────

func (s *Session) startTurn(prompt string) {
	s.cancelTurn()
	s.turn++
	turn := s.turn
	s.turnEpoch = s.queue.Epoch()
	s.turnStart = time.Now()

	ctx, cancel := context.WithCancel(s.ctx)
	ctx, span := observe.StartSpan(ctx, "session.turn",
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.Int64("session.turn", int64(turn)),
		),
	)
	s.turnCancel = cancel
	s.turnSpan = span

	s.setState(AiProcessing)
	s.playCue(cue.ToneAck)
	if s.cfg.BargeIn {
		s.armWakeWord()
	}

	req := ai.Request{ID: uuid.NewString(), Prompt: prompt, SystemPrompt: s.cfg.SystemPrompt}
	qctx, qspan := observe.StartSpan(ctx, "ai.query", trace.WithAttributes(attribute.String("ai.request_id", req.ID)))
	events, err := s.deps.AI.Query(qctx, req)
	if err != nil {
		observe.EndSpan(qspan, err)
		s.onStreamFailed(&ai.StreamError{Op: "request", Err: err})
		return
	}

	s.consumer = stream.New(s.queue, s.turnEpoch, stream.Callbacks{
		OnFirstDelta: func() { s.post(aiFirstDelta{turn: turn}) },
		OnComplete:   func() { s.post(aiComplete{turn: turn}) },
		OnError:      func(err error) { s.post(aiFailed{turn: turn, err: err}) },
	},
		stream.WithTick(s.cfg.SegmenterTick),
		stream.WithMetrics(s.metrics),
		stream.WithSegmenterOptions(
			segment.WithMaxRunes(s.cfg.SegmenterMaxRunes),
			segment.WithTimeout(s.cfg.SegmenterTimeout),
		),
	)
	consumer := s.consumer
	go func() {
		observe.EndSpan(qspan, consumer.Run(qctx, events))
	}()
}

// cancelTurn aborts the running turn, if any: the query context is
// cancelled and buffered text is discarded. Queue cancellation is left to
// the caller.
func (s *Session) cancelTurn() {
	if s.turnCancel == nil {
		return
	}
	s.turnCancel()
	s.turnCancel = nil
	if s.consumer != nil {
		s.consumer.Discard()
		s.consumer = nil
	}
	s.endTurnSpan(context.Canceled)
	s.turn++
}

func (s *Session) endTurnSpan(err error) {
	if s.turnSpan == nil {
		return
	}
	observe.EndSpan(s.turnSpan, err)
	s.turnSpan = nil
}

func (s *Session) onStreamComplete() {
	s.setState(TtsSpeaking)
	if s.queue.Idle() {
		s.finishTurn()
	}
}

func (s *Session) onStreamFailed(err error) {
	if s.consumer != nil {
		s.consumer.Discard()
	}
	s.queue.CancelAll()
	s.surface(err)
	s.endTurnSpan(err)
	s.cancelTurn()
	s.continuousMode = false
	s.enterWakeWord(s.backoff.next(s.cfg.AICooldown))
}

// handleDrained advances on the drain of the epoch the turn or prompt is
// waiting for, or of any later one. Epochs only grow, so a later drain means
// the awaited speech was flushed and the queue is idle again.
func (s *Session) handleDrained(d playback.Drained) {
	switch s.state {
	case Listening:
		if s.awaitingPrompt && d.Epoch >= s.promptEpoch && s.queue.Idle() {
			s.awaitingPrompt = false
			s.schedule(s.cfg.CueDelay, actStartListening)
		}
	case TtsSpeaking:
		if d.Epoch >= s.turnEpoch && s.queue.Idle() {
			s.finishTurn()
		}
	}
}

// rebase moves whatever waits for a drain onto epoch after the queue was
// flushed from outside a turn. The running stream keeps its old epoch, so
// the rest of an interrupted answer is not spoken.
func (s *Session) rebase(epoch uint64) {
	switch s.state {
	case AiProcessing, AiResponding, TtsSpeaking:
		s.turnEpoch = epoch
	}
	if s.awaitingPrompt {
		s.promptEpoch = epoch
	}
}

// finishTurn runs once the answer was fully spoken.
func (s *Session) finishTurn() {
	s.log.Info("turn finished", "turn", s.turn, "duration", time.Since(s.turnStart))
	s.backoff.reset()
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.consumer = nil
	s.endTurnSpan(nil)
	s.playCue(cue.ToneTurnEnd)

	if s.continuousEnabled {
		s.continuousMode = true
		s.relistens = 0
		s.setState(ContinuousDialog)
		s.schedule(s.cfg.TurnDelay, actEnterListening)
		return
	}
	s.enterWakeWord(s.cfg.TurnDelay)
}

// bargeIn cancels everything and listens again.
func (s *Session) bargeIn() {
	s.log.Info("barge-in", "state", s.state)
	s.metrics.RecordBargeIn(s.ctx)
	s.cancelTurn()
	s.queue.CancelAll()
	s.continuousMode = false
	s.beginListening()
}

// stop returns to Stopped in cancellation order: turn, segmenter, queue,
// recognizer, wake word.
func (s *Session) stop() {
	s.cancelTurn()
	s.queue.CancelAll()
	s.stopRecognizer()
	s.disarmWakeWord()
	s.continuousMode = false
	s.awaitingPrompt = false
	s.relistens = 0
	s.setState(Stopped)
}

// ─── Side effects ────────────────────────────────────────────────────────────

func (s *Session) playCue(t cue.Tone) {
	player := s.deps.Cues
	ctx := s.ctx
	go func() {
		if err := player.Play(ctx, t); err != nil && ctx.Err() == nil {
			slog.Debug("failed to play cue", "tone", t, "err", err)
		}
	}()
}

// surface reports err to error observers. It never stops the session.
func (s *Session) surface(err error) {
	s.log.Warn("session error", "state", s.state, "err", err)
	for _, o := range s.observers {
		if eo, ok := o.(ErrorObserver); ok {
			eo.OnError(err)
		}
	}
}

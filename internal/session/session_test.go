package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/hark/internal/playback"
	"github.com/MrWong99/hark/internal/session"
	"github.com/MrWong99/hark/pkg/provider/ai"
	aimock "github.com/MrWong99/hark/pkg/provider/ai/mock"
	"github.com/MrWong99/hark/pkg/provider/cue"
	cuemock "github.com/MrWong99/hark/pkg/provider/cue/mock"
	"github.com/MrWong99/hark/pkg/provider/stt"
	sttmock "github.com/MrWong99/hark/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/hark/pkg/provider/tts/mock"
	"github.com/MrWong99/hark/pkg/provider/wakeword"
	wwmock "github.com/MrWong99/hark/pkg/provider/wakeword/mock"
)

const waitTimeout = 2 * time.Second

// recorder is an Observer and ErrorObserver feeding channels.
type recorder struct {
	states chan session.State
	errs   chan error
}

func (r *recorder) OnStateChanged(s session.State) { r.states <- s }
func (r *recorder) OnError(err error)              { r.errs <- err }

type harness struct {
	wake *wwmock.Engine
	rec  *sttmock.Recognizer
	tts  *ttsmock.Engine
	ai   *aimock.Client
	cues *cuemock.Player
	obs  *recorder
	s    *session.Session
}

// fastConfig keeps every delay short so tests run quickly.
func fastConfig() session.Config {
	return session.Config{
		CueDelay:            time.Millisecond,
		TurnDelay:           time.Millisecond,
		RecognitionCooldown: time.Millisecond,
		AICooldown:          time.Millisecond,
		ExitCooldown:        time.Millisecond,
		MaxCooldown:         10 * time.Millisecond,
		ExitNotice:          "已退出",
		SegmenterTick:       5 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg session.Config, engine *ttsmock.Engine) *harness {
	t.Helper()
	if engine == nil {
		engine = &ttsmock.Engine{}
	}
	h := &harness{
		wake: wwmock.NewEngine(),
		rec:  sttmock.NewRecognizer(),
		tts:  engine,
		ai:   aimock.NewClient(),
		cues: &cuemock.Player{},
		obs: &recorder{
			states: make(chan session.State, 256),
			errs:   make(chan error, 64),
		},
	}
	s, err := session.New(session.Deps{
		WakeWord:   h.wake,
		Recognizer: h.rec,
		Speech:     h.tts,
		AI:         h.ai,
		Cues:       h.cues,
	}, cfg, session.WithID("test"), session.WithObserver(h.obs))
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	h.s = s

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-s.Done():
		case <-time.After(waitTimeout):
			t.Error("session did not stop")
		}
	})

	// Commands need the loop to be running.
	deadline := time.Now().Add(waitTimeout)
	for s.Start() != nil {
		if time.Now().After(deadline) {
			t.Fatal("control loop never started")
		}
		time.Sleep(time.Millisecond)
	}
	h.waitState(t, session.WakeWord)
	h.waitArmed(t)
	return h
}

func (h *harness) waitState(t *testing.T, want session.State) {
	t.Helper()
	timeout := time.After(waitTimeout)
	var seen []session.State
	for {
		select {
		case got := <-h.obs.states:
			if got == want {
				return
			}
			seen = append(seen, got)
		case <-timeout:
			t.Fatalf("timed out waiting for state %s; saw %v", want, seen)
		}
	}
}

// nextState returns the next transition.
func (h *harness) nextState(t *testing.T) session.State {
	t.Helper()
	select {
	case got := <-h.obs.states:
		return got
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a transition")
		return 0
	}
}

func (h *harness) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case got := <-h.obs.states:
		t.Fatalf("unexpected transition to %s", got)
	case <-time.After(d):
	}
}

func (h *harness) waitArmed(t *testing.T) uint64 {
	t.Helper()
	select {
	case id := <-h.wake.Armed:
		return id
	case <-time.After(waitTimeout):
		t.Fatal("wake word was not armed")
		return 0
	}
}

func (h *harness) waitListening(t *testing.T) uint64 {
	t.Helper()
	select {
	case id := <-h.rec.Started:
		return id
	case <-time.After(waitTimeout):
		t.Fatal("recognizer was not started")
		return 0
	}
}

func (h *harness) waitStream(t *testing.T) *aimock.Stream {
	t.Helper()
	select {
	case s := <-h.ai.Streams:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("no AI query issued")
		return nil
	}
}

func (h *harness) waitErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.obs.errs:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("no error surfaced")
		return nil
	}
}

// wake triggers the wake word and waits until the recognizer runs.
func (h *harness) wakeUp(t *testing.T) {
	t.Helper()
	h.wake.Trigger("computer")
	h.waitState(t, session.Listening)
	h.waitListening(t)
}

// ask recognises prompt and returns the opened stream.
func (h *harness) ask(t *testing.T, prompt string) *aimock.Stream {
	t.Helper()
	h.rec.Final(prompt)
	h.waitState(t, session.AiProcessing)
	return h.waitStream(t)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// ─── Happy paths ─────────────────────────────────────────────────────────────

func TestSession_TurnReturnsToWakeWord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(), nil)
	h.wakeUp(t)

	st := h.ask(t, "今天天气怎么样")
	if st.Req.Prompt != "今天天气怎么样" || st.Req.ID == "" {
		t.Errorf("request = %+v", st.Req)
	}

	st.Delta("今天")
	h.waitState(t, session.AiResponding)
	st.Delta("晴。")
	st.Delta("明天有雨")
	st.Complete()

	h.waitState(t, session.TtsSpeaking)
	h.waitState(t, session.WakeWord)
	h.waitArmed(t)

	if got := h.tts.Spoken(); !slices.Equal(got, []string{"今天晴。", "明天有雨"}) {
		t.Errorf("spoken = %q", got)
	}
	if h.rec.Stops() == 0 {
		t.Error("recognizer was not stopped after the final result")
	}
	eventually(t, "cue tones", func() bool {
		played := h.cues.Played()
		return slices.Contains(played, cue.ToneWake) &&
			slices.Contains(played, cue.ToneAck) &&
			slices.Contains(played, cue.ToneTurnEnd)
	})

	snap := h.s.Snapshot()
	if snap.State != session.WakeWord || snap.ContinuousDialogMode {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSession_ContinuousDialogSkipsWakeWord(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.ContinuousDialog = true
	h := newHarness(t, cfg, nil)
	h.wakeUp(t)

	st := h.ask(t, "讲个笑话")
	st.Delta("好的。")
	st.Complete()

	h.waitState(t, session.TtsSpeaking)
	h.waitState(t, session.ContinuousDialog)
	if !h.s.Snapshot().ContinuousDialogMode {
		t.Error("continuous mode flag not set")
	}
	h.waitState(t, session.Listening)
	h.waitListening(t)

	if got := h.wake.Arms(); got != 1 {
		t.Errorf("wake word armed %d times, want 1 (only at start)", got)
	}
}

func TestSession_StreamClosedWithoutTerminalEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(), nil)
	h.wakeUp(t)
	st := h.ask(t, "hello")
	st.Delta("Hi.")
	st.Close()

	h.waitState(t, session.TtsSpeaking)
	h.waitState(t, session.WakeWord)
}

func TestSession_WaitsForSpeechBeforeFinishing(t *testing.T) {
	t.Parallel()

	engine := &ttsmock.Engine{Gate: make(chan struct{}), Started: make(chan string, 16)}
	h := newHarness(t, fastConfig(), engine)
	h.wakeUp(t)

	st := h.ask(t, "hello")
	st.Delta("One.")
	st.Delta(" Two.")
	st.Complete()
	h.waitState(t, session.TtsSpeaking)

	for _, want := range []string{"One.", "Two."} {
		select {
		case got := <-engine.Started:
			if got != want {
				t.Fatalf("speaking %q, want %q", got, want)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("never started speaking %q", want)
		}
		h.expectQuiet(t, 20*time.Millisecond)
		engine.Gate <- struct{}{}
	}
	h.waitState(t, session.WakeWord)
}

func TestSession_ListenPromptPrecedesRecognition(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.ListenPrompt = "您请说"
	engine := &ttsmock.Engine{Gate: make(chan struct{}), Started: make(chan string, 16)}
	h := newHarness(t, cfg, engine)

	h.wake.Trigger("computer")
	h.waitState(t, session.Listening)

	select {
	case got := <-engine.Started:
		if got != "您请说" {
			t.Fatalf("prompt = %q", got)
		}
	case <-time.After(waitTimeout):
		t.Fatal("prompt not spoken")
	}
	time.Sleep(20 * time.Millisecond)
	if n := h.rec.Starts(); n != 0 {
		t.Fatalf("recognizer started %d times while the prompt was playing", n)
	}

	engine.Gate <- struct{}{}
	h.waitListening(t)
	if h.wake.Active() != 0 {
		t.Error("wake word still armed while listening")
	}
}

// ─── Exit phrase ─────────────────────────────────────────────────────────────

func TestSession_ExitPhrase(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.ContinuousDialog = true
	h := newHarness(t, cfg, nil)
	h.wakeUp(t)

	h.rec.Final("退出。")
	h.waitState(t, session.WakeWord)
	h.waitArmed(t)

	snap := h.s.Snapshot()
	if snap.ContinuousDialogEnabled || snap.ContinuousDialogMode {
		t.Errorf("continuous flags not cleared: %+v", snap)
	}
	eventually(t, "exit notice", func() bool { return slices.Contains(h.tts.Spoken(), "已退出") })
	if n := len(h.ai.Requests()); n != 0 {
		t.Errorf("exit phrase issued %d AI queries", n)
	}

	if err := h.s.SetContinuousDialog(true); !errors.Is(err, session.ErrContinuousLocked) {
		t.Errorf("SetContinuousDialog(true) = %v, want ErrContinuousLocked", err)
	}
	if h.s.Snapshot().ContinuousDialogEnabled {
		t.Error("continuous dialog re-enabled after exit")
	}
}

func TestSession_LongUtteranceWithExitWordIsAQuestion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(), nil)
	h.wakeUp(t)

	st := h.ask(t, "怎么退出这个程序呢")
	if st.Req.Prompt != "怎么退出这个程序呢" {
		t.Errorf("prompt = %q", st.Req.Prompt)
	}
}

// ─── Recognition errors ──────────────────────────────────────────────────────

func TestSession_RecognitionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code     stt.ErrorCode
		surfaced bool
	}{
		{stt.CodeNetwork, false},
		{stt.CodeNetworkTimeout, false},
		{stt.CodeNoMatch, false},
		{stt.CodeClient, false},
		{stt.CodeSpeechTimeout, false},
		{stt.CodeAudio, true},
		{stt.CodePermission, true},
		{stt.CodeServer, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, fastConfig(), nil)
			h.wakeUp(t)

			h.rec.Fail(tt.code)
			h.waitState(t, session.WakeWord)
			h.waitArmed(t)

			if tt.surfaced {
				err := h.waitErr(t)
				var rerr *stt.RecognitionError
				if !errors.As(err, &rerr) || rerr.Code != tt.code {
					t.Errorf("surfaced %v, want RecognitionError{%s}", err, tt.code)
				}
			}
		})
	}
}

func TestSession_BusyRecognizerRetriesListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(), nil)
	h.wakeUp(t)

	h.rec.Fail(stt.CodeBusy)
	if got := h.nextState(t); got != session.Listening {
		t.Fatalf("after busy: state %s, want Listening", got)
	}
	h.waitListening(t)
	if h.wake.Arms() != 1 {
		t.Error("busy recognizer fell back to the wake word")
	}
}

func TestSession_ContinuousModeRelistensOnNoMatch(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.ContinuousDialog = true
	cfg.MaxRelistens = 2
	h := newHarness(t, cfg, nil)
	h.wakeUp(t)

	st := h.ask(t, "hi")
	st.Delta("Hello.")
	st.Complete()
	h.waitState(t, session.ContinuousDialog)
	h.waitState(t, session.Listening)
	h.waitListening(t)

	for range 2 {
		h.rec.Fail(stt.CodeNoMatch)
		if got := h.nextState(t); got != session.Listening {
			t.Fatalf("state %s, want Listening again", got)
		}
		h.waitListening(t)
	}

	// Relisten budget exhausted.
	h.rec.Fail(stt.CodeNoMatch)
	h.waitState(t, session.WakeWord)
	h.waitArmed(t)
}

func TestSession_NoRelistenFallsBackAtOnce(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.ContinuousDialog = true
	cfg.MaxRelistens = session.NoRelisten
	h := newHarness(t, cfg, nil)
	h.wakeUp(t)

	st := h.ask(t, "hi")
	st.Delta("Hello.")
	st.Complete()
	h.waitState(t, session.ContinuousDialog)
	h.waitState(t, session.Listening)
	h.waitListening(t)

	h.rec.Fail(stt.CodeNoMatch)
	if got := h.nextState(t); got != session.WakeWord {
		t.Fatalf("state %s, want WakeWord", got)
	}
	h.waitArmed(t)
}

func TestSession_StartListeningFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(), nil)
	h.rec.StartErr = &stt.RecognitionError{Code: stt.CodePermission, Err: errors.New("microphone denied")}

	h.wake.Trigger("computer")
	h.waitState(t, session.Listening)
	h.waitState(t, session.WakeWord)

	var rerr *stt.RecognitionError
	if err := h.waitErr(t); !errors.As(err, &rerr) || rerr.Code != stt.CodePermission {
		t.Errorf("surfaced %v", err)
	}
}

// ─── AI failures ─────────────────────────────────────────────────────────────

func TestSession_StreamErrorReturnsToWakeWord(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.ContinuousDialog = true
	h := newHarness(t, cfg, nil)
	h.wakeUp(t)

	st := h.ask(t, "hello")
	st.Delta("Partial answer without end")
	st.Fail(errors.New("connection reset"))

	h.waitState(t, session.WakeWord)
	h.waitArmed(t)

	var se *ai.StreamError
	if err := h.waitErr(t); !errors.As(err, &se) {
		t.Errorf("surfaced %v, want StreamError", err)
	}
	if slices.Contains(h.tts.Spoken(), "Partial answer without end") {
		t.Error("buffered text of a failed stream was spoken")
	}
	snap := h.s.Snapshot()
	if snap.ContinuousDialogMode {
		t.Error("continuous mode survived a stream error")
	}
	if !snap.ContinuousDialogEnabled {
		t.Error("stream error must not disable the continuous dialog toggle")
	}
}

func TestSession_StreamErrorEndsContinuousMode(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.ContinuousDialog = true
	engine := &ttsmock.Engine{Gate: make(chan struct{}), Started: make(chan string, 16)}
	h := newHarness(t, cfg, engine)
	h.wakeUp(t)

	st := h.ask(t, "hi")
	st.Delta("Hello.")
	st.Complete()
	waitSpeaking(t, engine, "Hello.")
	engine.Gate <- struct{}{}
	h.waitState(t, session.ContinuousDialog)
	h.waitState(t, session.Listening)
	h.waitListening(t)

	st = h.ask(t, "and then?")
	st.Delta("One.")
	h.waitState(t, session.AiResponding)
	st.Delta(" Two.")
	waitSpeaking(t, engine, "One.")
	eventually(t, "queued answer", func() bool { return h.s.Snapshot().PendingUtterances == 2 })
	if !h.s.Snapshot().ContinuousDialogMode {
		t.Fatal("continuous mode not active on the second turn")
	}

	st.Fail(errors.New("connection reset"))
	h.waitState(t, session.WakeWord)
	h.waitArmed(t)

	var se *ai.StreamError
	if err := h.waitErr(t); !errors.As(err, &se) {
		t.Errorf("surfaced %v, want StreamError", err)
	}
	snap := h.s.Snapshot()
	if snap.ContinuousDialogMode {
		t.Error("continuous mode survived a stream error")
	}
	if snap.PendingUtterances != 0 {
		t.Errorf("pending utterances = %d after a stream error, want 0", snap.PendingUtterances)
	}
	if slices.Contains(engine.Spoken(), "Two.") {
		t.Error("queued text of a failed stream was spoken")
	}
}

func TestSession_QueryRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(), nil)
	h.ai.QueryErr = ai.ErrEmptyPrompt
	h.wakeUp(t)

	h.rec.Final("hello")
	h.waitState(t, session.AiProcessing)
	h.waitState(t, session.WakeWord)

	var se *ai.StreamError
	if err := h.waitErr(t); !errors.As(err, &se) || se.Op != "request" || !errors.Is(err, ai.ErrEmptyPrompt) {
		t.Errorf("surfaced %v", err)
	}
}

// ─── Out-of-turn speech ──────────────────────────────────────────────────────

// waitSpeaking waits until engine starts speaking want.
func waitSpeaking(t *testing.T, engine *ttsmock.Engine, want string) {
	t.Helper()
	select {
	case got := <-engine.Started:
		if got != want {
			t.Fatalf("speaking %q, want %q", got, want)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("never started speaking %q", want)
	}
}

func TestSession_FlushedSayFinishesTurn(t *testing.T) {
	t.Parallel()

	engine := &ttsmock.Engine{Gate: make(chan struct{}), Started: make(chan string, 16)}
	h := newHarness(t, fastConfig(), engine)
	h.wakeUp(t)

	st := h.ask(t, "hello")
	st.Delta("One.")
	st.Complete()
	h.waitState(t, session.TtsSpeaking)
	waitSpeaking(t, engine, "One.")

	if !h.s.Speak("notice", playback.ModeFlush) {
		t.Fatal("Speak(flush) rejected")
	}
	waitSpeaking(t, engine, "notice")
	engine.Gate <- struct{}{}

	h.waitState(t, session.WakeWord)
	h.waitArmed(t)
	if n := h.s.Snapshot().PendingUtterances; n != 0 {
		t.Errorf("pending utterances = %d, want 0", n)
	}
}

func TestSession_FlushedSayDuringPromptStartsListening(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.ListenPrompt = "您请说"
	engine := &ttsmock.Engine{Gate: make(chan struct{}), Started: make(chan string, 16)}
	h := newHarness(t, cfg, engine)

	h.wake.Trigger("computer")
	h.waitState(t, session.Listening)
	waitSpeaking(t, engine, "您请说")

	if !h.s.Speak("稍等", playback.ModeFlush) {
		t.Fatal("Speak(flush) rejected")
	}
	waitSpeaking(t, engine, "稍等")
	if n := h.rec.Starts(); n != 0 {
		t.Fatalf("recognizer started %d times while speaking", n)
	}
	engine.Gate <- struct{}{}
	h.waitListening(t)
}

func TestSession_SpeakAddKeepsTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(), nil)
	if !h.s.Speak("提醒", playback.ModeAdd) {
		t.Fatal("Speak(add) rejected")
	}
	if h.s.Speak("   ", playback.ModeAdd) {
		t.Error("blank text accepted")
	}
	eventually(t, "reminder", func() bool { return slices.Contains(h.tts.Spoken(), "提醒") })
	if got := h.s.Snapshot().State; got != session.WakeWord {
		t.Errorf("state = %s, want WakeWord", got)
	}
}

// ─── Interruptions ───────────────────────────────────────────────────────────

func TestSession_BargeInCommand(t *testing.T) {
	t.Parallel()

	engine := &ttsmock.Engine{Gate: make(chan struct{}), Started: make(chan string, 16)}
	h := newHarness(t, fastConfig(), engine)
	h.wakeUp(t)

	st := h.ask(t, "tell me a story")
	st.Delta("Once upon a time.")
	h.waitState(t, session.AiResponding)
	select {
	case <-engine.Started:
	case <-time.After(waitTimeout):
		t.Fatal("answer never spoken")
	}

	if err := h.s.BargeIn(); err != nil {
		t.Fatalf("BargeIn: %v", err)
	}
	h.waitState(t, session.Listening)
	h.waitListening(t)

	select {
	case <-st.Done():
	case <-time.After(waitTimeout):
		t.Fatal("AI query not cancelled by barge-in")
	}
	if engine.Stops() == 0 {
		t.Error("speech engine not stopped")
	}

	st.Delta("The end.")
	time.Sleep(30 * time.Millisecond)
	if slices.Contains(engine.Spoken(), "The end.") {
		t.Error("fragment of a cancelled turn was spoken")
	}
}

func TestSession_BargeInIgnoredWhileWaitingForWakeWord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(), nil)
	if err := h.s.BargeIn(); err != nil {
		t.Fatalf("BargeIn: %v", err)
	}
	h.expectQuiet(t, 30*time.Millisecond)
}

func TestSession_WakeWordBargeIn(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.BargeIn = true
	h := newHarness(t, cfg, nil)
	h.wakeUp(t)

	st := h.ask(t, "hello")
	h.waitArmed(t) // re-armed for barge-in once recognition stopped

	h.wake.Trigger("computer")
	h.waitState(t, session.Listening)
	h.waitListening(t)

	select {
	case <-st.Done():
	case <-time.After(waitTimeout):
		t.Fatal("AI query not cancelled")
	}
}

// ─── Staleness ───────────────────────────────────────────────────────────────

func TestSession_StaleEventsAreDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(), nil)

	h.wake.Emit(wakeword.Detection{ArmID: 999, Phrase: "computer"})
	h.expectQuiet(t, 30*time.Millisecond)

	h.wakeUp(t)
	h.rec.Emit(stt.Result{ListenID: 999, Kind: stt.ResultFinal, Text: "ghost"})
	h.expectQuiet(t, 30*time.Millisecond)

	st := h.ask(t, "real")
	if st.Req.Prompt != "real" {
		t.Errorf("prompt = %q", st.Req.Prompt)
	}
}

// ─── Commands ────────────────────────────────────────────────────────────────

func TestSession_Stop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(), nil)
	h.wakeUp(t)
	st := h.ask(t, "hello")

	if err := h.s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.waitState(t, session.Stopped)

	select {
	case <-st.Done():
	case <-time.After(waitTimeout):
		t.Fatal("AI query not cancelled by Stop")
	}
	if h.wake.Active() != 0 {
		t.Error("wake word still armed")
	}
	if h.rec.Active() != 0 {
		t.Error("recognizer still active")
	}

	// Stop again is a no-op; Start re-arms.
	if err := h.s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := h.s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, session.WakeWord)
	h.waitArmed(t)
}

func TestSession_DisableContinuousDialog(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.ContinuousDialog = true
	h := newHarness(t, cfg, nil)

	if err := h.s.SetContinuousDialog(false); err != nil {
		t.Fatalf("SetContinuousDialog(false): %v", err)
	}
	if err := h.s.SetContinuousDialog(true); !errors.Is(err, session.ErrContinuousLocked) {
		t.Errorf("re-enable = %v, want ErrContinuousLocked", err)
	}

	h.wakeUp(t)
	st := h.ask(t, "hello")
	st.Delta("Hi.")
	st.Complete()
	h.waitState(t, session.TtsSpeaking)
	if got := h.nextState(t); got != session.WakeWord {
		t.Errorf("after turn: %s, want WakeWord", got)
	}
}

func TestSession_Reconfigure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(), nil)

	cfg := fastConfig()
	cfg.SpeechRate = 1.5
	cfg.Exit = session.ExactMatcher{Phrases: []string{"bye"}}
	if err := h.s.Reconfigure(cfg); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if h.tts.Rate != 1.5 {
		t.Errorf("speech rate = %v, want 1.5", h.tts.Rate)
	}

	h.wakeUp(t)
	h.rec.Final("Bye!")
	h.waitState(t, session.WakeWord)

	bad := fastConfig()
	bad.CueDelay = -time.Second
	if err := h.s.Reconfigure(bad); err == nil {
		t.Error("Reconfigure accepted a negative delay")
	}
}

func TestSession_CommandsRequireRunningLoop(t *testing.T) {
	t.Parallel()

	s, err := session.New(session.Deps{
		WakeWord:   wwmock.NewEngine(),
		Recognizer: sttmock.NewRecognizer(),
		Speech:     &ttsmock.Engine{},
		AI:         aimock.NewClient(),
	}, fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); !errors.Is(err, session.ErrNotRunning) {
		t.Errorf("Start before Run = %v, want ErrNotRunning", err)
	}
	if got := s.Snapshot().State; got != session.Stopped {
		t.Errorf("initial state = %s", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	eventually(t, "loop start", func() bool { return s.Start() == nil })

	if err := s.Run(ctx); !errors.Is(err, session.ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v, want nil after cancel", err)
	}
	if err := s.Stop(); !errors.Is(err, session.ErrNotRunning) {
		t.Errorf("Stop after Run = %v, want ErrNotRunning", err)
	}
	if s.Speak("hello", playback.ModeAdd) {
		t.Error("Speak accepted after the queue was closed")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := session.New(session.Deps{}, session.Config{}); err == nil {
		t.Error("New accepted missing collaborators")
	}

	deps := session.Deps{
		WakeWord:   wwmock.NewEngine(),
		Recognizer: sttmock.NewRecognizer(),
		Speech:     &ttsmock.Engine{},
		AI:         aimock.NewClient(),
	}
	if _, err := session.New(deps, session.Config{TurnDelay: -1}); err == nil {
		t.Error("New accepted a negative delay")
	}
}

func TestSnapshot_JSON(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(), nil)
	raw, err := json.Marshal(h.s.Snapshot())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["state"] != "WakeWord" || got["id"] != "test" {
		t.Errorf("snapshot JSON = %s", raw)
	}
}

// ─── Concurrency ─────────────────────────────────────────────────────────────

func TestSession_ConcurrentCommands(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fastConfig(), nil)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch i % 4 {
			case 0:
				_ = h.s.Start()
			case 1:
				_ = h.s.BargeIn()
			case 2:
				_ = h.s.Stop()
			default:
				_ = h.s.Snapshot()
			}
		}()
	}
	wg.Wait()

	if err := h.s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	eventually(t, "stopped", func() bool { return h.s.Snapshot().State == session.Stopped })
}

package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/hark/internal/app"
	"github.com/MrWong99/hark/internal/config"
	"github.com/MrWong99/hark/internal/session"
	aimock "github.com/MrWong99/hark/pkg/provider/ai/mock"
	sttmock "github.com/MrWong99/hark/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/hark/pkg/provider/tts/mock"
	wwmock "github.com/MrWong99/hark/pkg/provider/wakeword/mock"
)

const baseYAML = `
session:
  cue_delay: 1ms
  turn_delay: 1ms
  recognition_cooldown: 5ms
  ai_cooldown: 5ms
  exit_cooldown: 5ms
  listen_prompt: ""
providers:
  ai: { name: envelope, base_url: "http://127.0.0.1:1/v1/answer" }
`

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(baseYAML + extra))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// run starts a in the background and stops it on cleanup.
func run(t *testing.T, a *app.App) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx, false) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("Run did not return")
		}
		_ = a.Shutdown(context.Background())
	})
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, app.Status) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Requested-By", "tester")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var st app.Status
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusOK && strings.HasPrefix(path, "/v1/") {
		if err := json.Unmarshal(raw, &st); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, raw)
		}
	}
	return resp.StatusCode, st
}

func stateOf(t *testing.T, srv *httptest.Server) session.State {
	_, st := do(t, srv, http.MethodGet, "/v1/session", "")
	return st.Session.State
}

func TestNew_RequiresAI(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(t, ""), &app.Providers{})
	if err == nil {
		t.Fatal("New without an AI client succeeded")
	}
}

func TestApp_ControlAPI(t *testing.T) {
	t.Parallel()

	wake := wwmock.NewEngine()
	speech := &ttsmock.Engine{}
	a, err := app.New(context.Background(), testConfig(t, ""),
		&app.Providers{AI: aimock.NewClient()},
		app.WithWakeWord(wake),
		app.WithRecognizer(sttmock.NewRecognizer()),
		app.WithSpeech(speech),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	if code, _ := do(t, srv, http.MethodPost, "/v1/session/start", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("start before Run = %d, want 503", code)
	}
	if code, _ := do(t, srv, http.MethodGet, "/readyz", ""); code != http.StatusOK {
		t.Errorf("readyz = %d, want 200", code)
	}

	run(t, a)
	waitFor(t, "control loop", func() bool {
		code, _ := do(t, srv, http.MethodPost, "/v1/session/start", "")
		return code == http.StatusOK
	})

	_, st := do(t, srv, http.MethodGet, "/v1/session", "")
	if st.Session.State != session.WakeWord || st.Info == nil || st.Info.StartedBy != "tester" {
		t.Fatalf("status = %+v", st)
	}
	waitFor(t, "wake word armed", func() bool { return wake.Active() != 0 })

	if code, _ := do(t, srv, http.MethodPut, "/v1/session/continuous", `{"enabled": false}`); code != http.StatusOK {
		t.Errorf("disable continuous = %d", code)
	}
	if code, _ := do(t, srv, http.MethodPut, "/v1/session/continuous", `{"enabled": true}`); code != http.StatusConflict {
		t.Errorf("re-enable continuous = %d, want 409", code)
	}
	if code, _ := do(t, srv, http.MethodPut, "/v1/session/continuous", `{"on": true}`); code != http.StatusBadRequest {
		t.Errorf("bad body = %d, want 400", code)
	}

	if code, _ := do(t, srv, http.MethodPost, "/v1/session/say", `{"text": "提醒：喝水"}`); code != http.StatusAccepted {
		t.Errorf("say = %d, want 202", code)
	}
	waitFor(t, "announcement", func() bool { return slices.Contains(speech.Spoken(), "提醒：喝水") })

	// Push-to-talk and typed input only exist without real engines.
	if code, _ := do(t, srv, http.MethodPost, "/v1/session/wake", ""); code != http.StatusNotFound {
		t.Errorf("wake = %d, want 404", code)
	}

	if code, st := do(t, srv, http.MethodPost, "/v1/session/stop", ""); code != http.StatusOK || st.Session.State != session.Stopped || st.Info != nil {
		t.Errorf("stop = %d, %+v", code, st)
	}
	if code, _ := do(t, srv, http.MethodGet, "/healthz", ""); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}
	if code, _ := do(t, srv, http.MethodGet, "/metrics", ""); code != http.StatusOK {
		t.Errorf("metrics = %d", code)
	}
}

func TestApp_TypedConversation(t *testing.T) {
	t.Parallel()

	ai := aimock.NewClient()
	out := &syncBuffer{}
	a, err := app.New(context.Background(), testConfig(t, ""),
		&app.Providers{AI: ai},
		app.WithTextOutput(out),
		app.WithAutoStart("startup"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	run(t, a)

	waitFor(t, "wake word", func() bool { return stateOf(t, srv) == session.WakeWord })
	waitFor(t, "push-to-talk accepted", func() bool {
		code, _ := do(t, srv, http.MethodPost, "/v1/session/wake", "")
		return code == http.StatusAccepted
	})
	waitFor(t, "typed listen", func() bool {
		code, _ := do(t, srv, http.MethodPost, "/v1/session/utterance", `{"text": "今天天气怎么样"}`)
		return code == http.StatusAccepted
	})

	var s *aimock.Stream
	select {
	case s = <-ai.Streams:
	case <-time.After(3 * time.Second):
		t.Fatal("no AI query")
	}
	if s.Req.Prompt != "今天天气怎么样" {
		t.Errorf("prompt = %q", s.Req.Prompt)
	}
	s.Delta("今天晴，")
	s.Delta("二十度。")
	s.Complete()

	waitFor(t, "spoken answer", func() bool {
		printed := out.String()
		return strings.Contains(printed, "今天晴") && strings.Contains(printed, "二十度。")
	})

	_, st := do(t, srv, http.MethodGet, "/v1/session", "")
	if st.Info == nil || st.Info.StartedBy != "startup" {
		t.Errorf("info = %+v", st.Info)
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()

	lv := new(slog.LevelVar)
	speech := &ttsmock.Engine{}
	cfg := testConfig(t, "")
	a, err := app.New(context.Background(), cfg,
		&app.Providers{AI: aimock.NewClient()},
		app.WithWakeWord(wwmock.NewEngine()),
		app.WithRecognizer(sttmock.NewRecognizer()),
		app.WithSpeech(speech),
		app.WithLevelVar(lv),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	run(t, a)
	waitFor(t, "control loop", func() bool {
		return !errors.Is(a.Session().BargeIn(), session.ErrNotRunning)
	})

	next := testConfig(t, "server: { log_level: debug }\ntts: { rate: 1.5 }\naudio: { sample_rate: 48000 }\n")
	a.Reload(next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	if rate, _ := speech.Voice(); rate != 1.5 {
		t.Errorf("rate = %v, want 1.5", rate)
	}

	// An invalid exit mode cannot be built; the old settings stay.
	bad := testConfig(t, "tts: { rate: 1.5 }\nserver: { log_level: debug }\n")
	bad.Session.Exit.Mode = "regex"
	bad.TTS.Rate = 2
	a.Reload(bad)
	if rate, _ := speech.Voice(); rate != 1.5 {
		t.Errorf("rate after invalid reload = %v, want 1.5", rate)
	}
}

func TestSessionConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(`
session:
  barge_in: true
  exit: { mode: fuzzy, phrases: ["退出", "再见"], fuzzy_threshold: 0.9 }
segmenter: { max_runes: 30 }
ai: { system_prompt: "简短回答" }
providers:
  ai: { name: openai }
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	sc, err := app.SessionConfig(cfg)
	if err != nil {
		t.Fatalf("SessionConfig: %v", err)
	}
	if !sc.BargeIn || !sc.ContinuousDialog || sc.SegmenterMaxRunes != 30 || sc.SystemPrompt != "简短回答" {
		t.Errorf("config = %+v", sc)
	}
	if sc.ListenPrompt != config.DefaultListenText || sc.ExitNotice != config.DefaultExitText {
		t.Errorf("prompts = %q, %q", sc.ListenPrompt, sc.ExitNotice)
	}
	if _, ok := sc.Exit.(session.FuzzyMatcher); !ok {
		t.Errorf("exit matcher = %T, want FuzzyMatcher", sc.Exit)
	}
	if sc.SpeechRate != config.DefaultTTSRate {
		t.Errorf("rate = %v", sc.SpeechRate)
	}
}

func TestSessionConfig_ExplicitZero(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		yaml     string
		delay    time.Duration
		relisten int
	}{
		{"unset uses defaults", "session: {}\n", 0, 0},
		{"explicit zero", "session: { cue_delay: 0s, max_relistens: 0 }\n", session.NoDelay, session.NoRelisten},
		{"explicit values", "session: { cue_delay: 80ms, max_relistens: 1 }\n", 80 * time.Millisecond, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := config.LoadFromReader(strings.NewReader(tt.yaml + "providers:\n  ai: { name: openai }\n"))
			if err != nil {
				t.Fatalf("load config: %v", err)
			}
			sc, err := app.SessionConfig(cfg)
			if err != nil {
				t.Fatalf("SessionConfig: %v", err)
			}
			if sc.CueDelay != tt.delay || sc.MaxRelistens != tt.relisten {
				t.Errorf("cue delay %s, relistens %d; want %s, %d", sc.CueDelay, sc.MaxRelistens, tt.delay, tt.relisten)
			}
		})
	}
}

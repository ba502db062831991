package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/hark/pkg/provider/stt"
	"github.com/MrWong99/hark/pkg/provider/stt/whisper"
)

type inference struct {
	wav    []byte
	fields map[string]string
}

// fakeServer answers /inference with text and records each upload.
type fakeServer struct {
	text  string
	calls atomic.Int32

	mu   sync.Mutex
	reqs []inference
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.NotFound(w, r)
			return
		}
		f.calls.Add(1)
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Errorf("content type: %v", err)
			return
		}
		in := inference{fields: map[string]string{}}
		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			data, _ := io.ReadAll(part)
			if part.FormName() == "file" {
				in.wav = data
			} else {
				in.fields[part.FormName()] = string(data)
			}
		}
		f.mu.Lock()
		f.reqs = append(f.reqs, in)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"text": f.text})
	})
}

func (f *fakeServer) requests() []inference {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]inference(nil), f.reqs...)
}

// tone is n samples of a loud 440 Hz sine at 16 kHz.
func tone(n int) []byte {
	buf := make([]byte, n*2)
	for i := range n {
		v := int16(10000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func silence(n int) []byte { return make([]byte, n*2) }

func start(t *testing.T, p *whisper.Provider, cfg stt.StreamConfig) stt.SessionHandle {
	t.Helper()
	h, err := p.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	return h
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := whisper.New(""); err == nil {
		t.Error("New(\"\") succeeded")
	}
	if _, err := whisper.New("http://localhost:8081"); err != nil {
		t.Errorf("New: %v", err)
	}
}

func TestStartStream_CancelledContext(t *testing.T) {
	t.Parallel()

	p, _ := whisper.New("http://localhost:8081")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.StartStream(ctx, stt.StreamConfig{}); err == nil {
		t.Error("expected error")
	}
}

func TestSession_SilenceCutsUtterance(t *testing.T) {
	t.Parallel()

	fs := &fakeServer{text: " 今天天气怎么样 "}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithSilence(100*time.Millisecond), whisper.WithModel("small"))
	h := start(t, p, stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "zh", Keywords: []string{"小助手"}})
	defer h.Close()

	// 20 ms frames: leading silence, speech, then 120 ms of silence.
	frames := [][]byte{silence(320), tone(320), tone(320)}
	for range 6 {
		frames = append(frames, silence(320))
	}
	for _, f := range frames {
		if err := h.SendAudio(f); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}

	select {
	case tr := <-h.Finals():
		if tr.Text != "今天天气怎么样" || !tr.IsFinal {
			t.Errorf("final = %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no final transcript")
	}
	select {
	case tr := <-h.Partials():
		if tr.Text != "今天天气怎么样" || tr.IsFinal {
			t.Errorf("partial = %+v", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("no partial transcript")
	}

	reqs := fs.requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	in := reqs[0]
	if in.fields["language"] != "zh" || in.fields["model"] != "small" || in.fields["prompt"] != "小助手" {
		t.Errorf("fields = %v", in.fields)
	}
	// Leading silence is dropped; the fifth silent frame cuts the utterance.
	if want := 44 + 7*640; len(in.wav) != want {
		t.Errorf("wav = %d bytes, want %d", len(in.wav), want)
	}
	if string(in.wav[:4]) != "RIFF" || binary.LittleEndian.Uint32(in.wav[24:28]) != 16000 {
		t.Errorf("bad WAV header % x", in.wav[:44])
	}
}

func TestSession_SilenceOnlyMakesNoRequest(t *testing.T) {
	t.Parallel()

	fs := &fakeServer{text: "x"}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	h := start(t, p, stt.StreamConfig{})
	for range 10 {
		_ = h.SendAudio(silence(320))
	}
	_ = h.Close()
	for range h.Finals() {
		t.Error("unexpected final")
	}
	if n := fs.calls.Load(); n != 0 {
		t.Errorf("got %d requests", n)
	}
}

func TestSession_CloseFlushesSpeech(t *testing.T) {
	t.Parallel()

	fs := &fakeServer{text: "退出"}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	h := start(t, p, stt.StreamConfig{SampleRate: 16000})
	_ = h.SendAudio(tone(1600))
	// Let the loop pick up the frame before closing.
	time.Sleep(50 * time.Millisecond)
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	var got []string
	for tr := range h.Finals() {
		got = append(got, tr.Text)
	}
	if len(got) != 1 || got[0] != "退出" {
		t.Errorf("finals = %v", got)
	}
	if err := h.SendAudio(tone(10)); err == nil {
		t.Error("SendAudio after Close succeeded")
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSession_MaxBufferForcesFlush(t *testing.T) {
	t.Parallel()

	fs := &fakeServer{text: "长句"}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithMaxBuffer(100*time.Millisecond))
	h := start(t, p, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	defer h.Close()
	for range 6 {
		_ = h.SendAudio(tone(320))
	}
	select {
	case tr := <-h.Finals():
		if tr.Text != "长句" {
			t.Errorf("final = %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("buffer limit did not flush")
	}
}

func TestSession_ServerErrorIsDropped(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithSilence(20*time.Millisecond))
	h := start(t, p, stt.StreamConfig{SampleRate: 16000})
	_ = h.SendAudio(tone(320))
	_ = h.SendAudio(silence(640))
	time.Sleep(50 * time.Millisecond)
	_ = h.Close()
	for tr := range h.Finals() {
		t.Errorf("unexpected final %+v", tr)
	}
}

package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/hark/pkg/provider/tts"
)

// buildWAV returns a 16-bit PCM WAV file holding pcm.
func buildWAV(pcm []byte, rate, channels int) []byte {
	le := binary.LittleEndian
	buf := []byte("RIFF")
	buf = le.AppendUint32(buf, uint32(36+len(pcm)))
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = le.AppendUint32(buf, 16)
	buf = le.AppendUint16(buf, 1)
	buf = le.AppendUint16(buf, uint16(channels))
	buf = le.AppendUint32(buf, uint32(rate))
	buf = le.AppendUint32(buf, uint32(rate*channels*2))
	buf = le.AppendUint16(buf, uint16(channels*2))
	buf = le.AppendUint16(buf, 16)
	buf = append(buf, "data"...)
	buf = le.AppendUint32(buf, uint32(len(pcm)))
	return append(buf, pcm...)
}

func fragments(texts ...string) <-chan string {
	ch := make(chan string, len(texts))
	for _, s := range texts {
		ch <- s
	}
	close(ch)
	return ch
}

func drainAudio(ch <-chan []byte) []byte {
	var out []byte
	for chunk := range ch {
		out = append(out, chunk...)
	}
	return out
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("New(\"\") succeeded")
	}
	p, err := New("http://localhost:5002/", WithLanguage("en"), WithAPIMode("bogus"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.serverURL != "http://localhost:5002" || p.language != "en" || p.apiMode != APIModeStandard {
		t.Errorf("provider = %+v", p)
	}
	if p.httpClient.Timeout != defaultTimeout {
		t.Errorf("timeout = %s", p.httpClient.Timeout)
	}
}

func TestSynthesizeStream_Standard(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != apiTTSEndpoint || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if q.Get("speaker_id") != "p225" || q.Get("language_id") != defaultLanguage {
			t.Errorf("query = %v", q)
		}
		// The first fragment answers last.
		text := q.Get("text")
		if text == "一。" {
			time.Sleep(20 * time.Millisecond)
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(buildWAV([]byte(text), 16000, 1))
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	ch, err := p.SynthesizeStream(context.Background(), fragments("一。", "  ", "二。"), tts.VoiceProfile{ID: "p225"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if got := string(drainAudio(ch)); got != "一。二。" {
		t.Errorf("audio = %q, want fragments in order", got)
	}
}

func TestSynthesizeStream_XTTS(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if r.URL.Path != xttsEndpoint || body["speaker_wav"] != "Ana" || body["text"] != "你好" {
			t.Errorf("request %s %v", r.URL.Path, body)
		}
		// 2 samples at 8 kHz become 4 at 16 kHz.
		_, _ = w.Write(buildWAV([]byte{1, 0, 2, 0}, 8000, 1))
	}))
	defer srv.Close()

	p, _ := New(srv.URL, WithAPIMode(APIModeXTTS), WithOutputSampleRate(16000))
	if _, err := p.SynthesizeStream(context.Background(), fragments("x"), tts.VoiceProfile{}); err == nil {
		t.Error("xtts without voice succeeded")
	}
	ch, err := p.SynthesizeStream(context.Background(), fragments("你好"), tts.VoiceProfile{ID: "Ana"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if got := len(drainAudio(ch)); got != 8 {
		t.Errorf("got %d bytes, want 8", got)
	}
}

func TestSynthesizeStream_ErrorEndsStream(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(buildWAV([]byte{1, 0}, 16000, 1))
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	ch, err := p.SynthesizeStream(context.Background(), fragments("a"), tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if got := drainAudio(ch); len(got) != 0 {
		t.Errorf("got %d bytes after a failed request", len(got))
	}
}

func TestSynthesizeStream_Cancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, _ := New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	text := make(chan string, 1)
	text <- "long"
	ch, err := p.SynthesizeStream(ctx, text, tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		drainAudio(ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("audio channel not closed after cancel")
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mode APIMode
		path string
		body string
		want []string
	}{
		{"xtts speakers", APIModeXTTS, speakersEndpoint, `{"Ana":{},"Claribel":{}}`, []string{"Ana", "Claribel"}},
		{"multi speaker", APIModeStandard, detailsEndpoint, `{"model_name":"vits","speakers":["p300","p225"]}`, []string{"p225", "p300"}},
		{"single speaker", APIModeStandard, detailsEndpoint, `{"model_name":"tacotron2"}`, []string{"tacotron2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tt.path {
					http.NotFound(w, r)
					return
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p, _ := New(srv.URL, WithAPIMode(tt.mode))
			voices, err := p.ListVoices(context.Background())
			if err != nil {
				t.Fatalf("ListVoices: %v", err)
			}
			var ids []string
			for _, v := range voices {
				ids = append(ids, v.ID)
				if v.Provider != "coqui" {
					t.Errorf("provider = %q", v.Provider)
				}
			}
			if !slices.Equal(ids, tt.want) {
				t.Errorf("voices = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestListVoices_BadStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	p, _ := New(srv.URL)
	if _, err := p.ListVoices(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestParseWAV(t *testing.T) {
	t.Parallel()

	info, err := parseWAV(buildWAV([]byte{1, 2, 3, 4}, 24000, 2))
	if err != nil {
		t.Fatalf("parseWAV: %v", err)
	}
	if info.dataOffset != 44 || info.sampleRate != 24000 || info.channels != 2 {
		t.Errorf("info = %+v", info)
	}

	// A LIST chunk before data is skipped.
	wav := buildWAV(nil, 16000, 1)
	list := append([]byte("LIST"), 3, 0, 0, 0, 'a', 'b', 'c', 0)
	wav = append(append(append([]byte(nil), wav[:36]...), list...), wav[36:]...)
	if info, err := parseWAV(wav); err != nil || info.dataOffset != 36+len(list)+8 {
		t.Errorf("parseWAV with LIST = %+v, %v", info, err)
	}

	for _, bad := range [][]byte{nil, []byte("RIFF0000WAVX"), []byte("RIFF0000WAVEjunk")} {
		if _, err := parseWAV(bad); err == nil {
			t.Errorf("parseWAV(%q) succeeded", bad)
		}
	}
}

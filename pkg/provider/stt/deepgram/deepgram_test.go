package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/hark/pkg/provider/stt"
)

func TestStreamURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []Option
		cfg  stt.StreamConfig
		want map[string]string
	}{
		{
			name: "defaults",
			cfg:  stt.StreamConfig{SampleRate: 16000, Channels: 1},
			want: map[string]string{
				"model":           "nova-3",
				"language":        "zh-CN",
				"punctuate":       "true",
				"interim_results": "true",
				"encoding":        "linear16",
				"sample_rate":     "16000",
				"channels":        "1",
			},
		},
		{
			name: "provider options",
			opts: []Option{WithModel("base"), WithLanguage("de-DE"), WithSampleRate(48000), WithEndpointing(300)},
			want: map[string]string{
				"model":       "base",
				"language":    "de-DE",
				"sample_rate": "48000",
				"endpointing": "300",
			},
		},
		{
			name: "config language wins",
			opts: []Option{WithLanguage("en")},
			cfg:  stt.StreamConfig{Language: "fr-FR"},
			want: map[string]string{"language": "fr-FR"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New("key", tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			raw, err := p.streamURL(tt.cfg)
			if err != nil {
				t.Fatalf("streamURL: %v", err)
			}
			u, err := url.Parse(raw)
			if err != nil {
				t.Fatalf("parse URL: %v", err)
			}
			q := u.Query()
			for k, want := range tt.want {
				if got := q.Get(k); got != want {
					t.Errorf("%s = %q, want %q", k, got, want)
				}
			}
		})
	}
}

func TestStreamURL_Keyterms(t *testing.T) {
	t.Parallel()

	p, _ := New("key")
	raw, err := p.streamURL(stt.StreamConfig{Keywords: []string{"退出", "computer"}})
	if err != nil {
		t.Fatalf("streamURL: %v", err)
	}
	u, _ := url.Parse(raw)
	got := u.Query()["keyterm"]
	if strings.Join(got, ",") != "退出,computer" {
		t.Errorf("keyterm = %v, want [退出 computer]", got)
	}

	raw, _ = p.streamURL(stt.StreamConfig{})
	u, _ = url.Parse(raw)
	if _, ok := u.Query()["keyterm"]; ok {
		t.Error("expected no keyterm param when none provided")
	}
}

func TestDecodeResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		raw    string
		ok     bool
		text   string
		final  bool
		confid float64
	}{
		{
			name:   "final",
			raw:    `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"今天天气怎么样","confidence":0.95}]}}`,
			ok:     true,
			text:   "今天天气怎么样",
			final:  true,
			confid: 0.95,
		},
		{
			name:   "partial",
			raw:    `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"今天","confidence":0.7}]}}`,
			ok:     true,
			text:   "今天",
			confid: 0.7,
		},
		{name: "metadata", raw: `{"type":"Metadata","request_id":"abc"}`},
		{name: "no alternatives", raw: `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{name: "invalid json", raw: `{invalid`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, ok := decodeResult([]byte(tt.raw))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if tr.Text != tt.text || tr.IsFinal != tt.final || tr.Confidence != tt.confid {
				t.Errorf("transcript = %+v", tr)
			}
		})
	}
}

func TestHandshakeCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   stt.ErrorCode
	}{
		{http.StatusUnauthorized, stt.CodePermission},
		{http.StatusForbidden, stt.CodePermission},
		{http.StatusTooManyRequests, stt.CodeBusy},
		{http.StatusGatewayTimeout, stt.CodeNetworkTimeout},
		{http.StatusBadGateway, stt.CodeServer},
		{http.StatusBadRequest, stt.CodeClient},
	}
	for _, tt := range tests {
		if got := handshakeCode(tt.status); got != tt.want {
			t.Errorf("handshakeCode(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestStartStream_RoundTrip(t *testing.T) {
	t.Parallel()

	gotAuth := make(chan string, 1)
	gotAudio := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		typ, data, err := conn.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			return
		}
		gotAudio <- data

		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"你好"}]}}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"你好世界","confidence":0.9}]}}`))
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	p, _ := New("dg-key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/listen"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	if err := sess.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if auth := <-gotAuth; auth != "Token dg-key" {
		t.Errorf("Authorization = %q", auth)
	}
	if audio := <-gotAudio; len(audio) != 4 {
		t.Errorf("server received %d bytes, want 4", len(audio))
	}

	select {
	case tr := <-sess.Partials():
		if tr.Text != "你好" || tr.IsFinal {
			t.Errorf("partial = %+v", tr)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for partial")
	}
	select {
	case tr := <-sess.Finals():
		if tr.Text != "你好世界" || !tr.IsFinal {
			t.Errorf("final = %+v", tr)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for final")
	}

	if err := sess.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := sess.SendAudio([]byte{0}); !errors.Is(err, ErrClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrClosed", err)
	}
}

func TestStartStream_HandshakeRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	p, _ := New("bad", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	_, err := p.StartStream(context.Background(), stt.StreamConfig{})

	var re *stt.RecognitionError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *stt.RecognitionError", err)
	}
	if re.Code != stt.CodePermission {
		t.Errorf("code = %q, want permission", re.Code)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel || p.language != defaultLanguage || p.sampleRate != defaultSampleRate || p.keepAlive != defaultKeepAlive {
		t.Errorf("defaults = %q/%q/%d/%s", p.model, p.language, p.sampleRate, p.keepAlive)
	}
}

func TestSession_KeepAliveWhileIdle(t *testing.T) {
	t.Parallel()

	texts := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if typ == websocket.MessageText {
				texts <- string(data)
			}
		}
	}))
	t.Cleanup(srv.Close)

	p, _ := New("k", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")), WithKeepAlive(20*time.Millisecond))
	sess, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	select {
	case msg := <-texts:
		if msg != `{"type":"KeepAlive"}` {
			t.Errorf("first text message = %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive sent")
	}
	_ = sess.Close()
	for range sess.Finals() {
	}
}

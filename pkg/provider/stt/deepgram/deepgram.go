// Package deepgram implements [stt.Provider] on Deepgram's live transcription
// websocket (wss://api.deepgram.com/v1/listen).
//
// Audio is sent as binary linear16 frames. While the recognizer sends nothing
// (during playback, for instance) a KeepAlive message holds the socket open;
// Deepgram drops idle streams after about ten seconds.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/hark/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "zh-CN"
	defaultSampleRate = 16000
	defaultKeepAlive  = 5 * time.Second
)

var (
	// ErrClosed is returned by SendAudio once the session is closed.
	ErrClosed = errors.New("deepgram: session closed")

	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the model, e.g. "nova-3" or "nova-2".
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithLanguage sets the BCP-47 language used when the stream config has none.
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithSampleRate sets the rate assumed when the stream config has none.
func WithSampleRate(hz int) Option { return func(p *Provider) { p.sampleRate = hz } }

// WithEndpointing sets the trailing silence, in milliseconds, after which
// Deepgram finalises a phrase. Zero keeps the server default.
func WithEndpointing(ms int) Option { return func(p *Provider) { p.endpointingMS = ms } }

// WithEndpoint replaces the websocket URL, for self-hosted deployments.
func WithEndpoint(endpoint string) Option { return func(p *Provider) { p.endpoint = endpoint } }

// WithKeepAlive sets the idle interval after which a KeepAlive is sent.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.keepAlive = d
		}
	}
}

// Provider opens Deepgram live transcription sessions.
type Provider struct {
	apiKey        string
	endpoint      string
	model         string
	language      string
	sampleRate    int
	endpointingMS int
	keepAlive     time.Duration
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: API key must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		keepAlive:  defaultKeepAlive,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream implements [stt.Provider]. A failed handshake is returned as a
// *[stt.RecognitionError] coded from the HTTP status, or network when no
// response arrived.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	target, err := p.streamURL(cfg)
	if err != nil {
		return nil, &stt.RecognitionError{Code: stt.CodeClient, Err: fmt.Errorf("deepgram: %w", err)}
	}
	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		code := stt.CodeNetwork
		if resp != nil {
			code = handshakeCode(resp.StatusCode)
		}
		return nil, &stt.RecognitionError{Code: code, Err: fmt.Errorf("deepgram: dial: %w", err)}
	}

	s := &session{
		conn:      conn,
		keepAlive: p.keepAlive,
		audio:     make(chan []byte, 256),
		partials:  make(chan stt.Transcript, 64),
		finals:    make(chan stt.Transcript, 64),
		done:      make(chan struct{}),
	}
	s.wg.Add(2)
	go s.send(ctx)
	go s.receive(ctx)
	return s, nil
}

func handshakeCode(status int) stt.ErrorCode {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return stt.CodePermission
	case status == http.StatusTooManyRequests:
		return stt.CodeBusy
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return stt.CodeNetworkTimeout
	case status >= 500:
		return stt.CodeServer
	case status >= 400:
		return stt.CodeClient
	}
	return stt.CodeNetwork
}

func (p *Provider) streamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	lang, rate := cfg.Language, cfg.SampleRate
	if lang == "" {
		lang = p.language
	}
	if rate <= 0 {
		rate = p.sampleRate
	}
	q := url.Values{
		"model":           {p.model},
		"language":        {lang},
		"encoding":        {"linear16"},
		"sample_rate":     {strconv.Itoa(rate)},
		"punctuate":       {"true"},
		"interim_results": {"true"},
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if p.endpointingMS > 0 {
		q.Set("endpointing", strconv.Itoa(p.endpointingMS))
	}
	q["keyterm"] = append([]string(nil), cfg.Keywords...)
	if len(cfg.Keywords) == 0 {
		delete(q, "keyterm")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// result is the subset of a Deepgram "Results" message hark reads.
type result struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// decodeResult turns a server message into a transcript. Metadata, speech
// started and utterance end messages report ok == false.
func decodeResult(msg []byte) (t stt.Transcript, ok bool) {
	var r result
	if json.Unmarshal(msg, &r) != nil || r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}
	best := r.Channel.Alternatives[0]
	return stt.Transcript{Text: best.Transcript, IsFinal: r.IsFinal, Confidence: best.Confidence}, true
}

type session struct {
	conn      *websocket.Conn
	keepAlive time.Duration

	audio    chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

// Close asks Deepgram to flush the stream and closes the socket.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		wctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.conn.Write(wctx, websocket.MessageText, msgCloseStream)
		cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
		s.wg.Wait()
	})
	return nil
}

// send forwards audio and keeps the socket alive while no audio flows.
func (s *session) send(ctx context.Context) {
	defer s.wg.Done()
	idle := time.NewTimer(s.keepAlive)
	defer idle.Stop()
	for {
		var (
			typ = websocket.MessageBinary
			msg []byte
		)
		select {
		case msg = <-s.audio:
		case <-idle.C:
			typ, msg = websocket.MessageText, msgKeepAlive
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
		if err := s.conn.Write(ctx, typ, msg); err != nil {
			return
		}
		idle.Reset(s.keepAlive)
	}
}

// receive routes transcripts until the socket closes.
func (s *session) receive(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				if ctx.Err() == nil {
					slog.Warn("deepgram: stream ended", "err", err)
				}
			}
			return
		}
		t, ok := decodeResult(msg)
		if !ok {
			continue
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.done:
			return
		}
	}
}

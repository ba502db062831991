// Package whisper implements [stt.Provider] on top of a local whisper.cpp
// server (POST /inference).
//
// whisper.cpp transcribes whole clips, so a session buffers PCM, cuts an
// utterance once speech is followed by enough silence (or the buffer is
// full) and posts it as a WAV file. Each transcribed utterance is emitted as
// a partial and a final with the same text.
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/stt"
	"github.com/MrWong99/hark/pkg/provider/vad/energy"
)

var _ stt.Provider = (*Provider)(nil)

const (
	defaultSampleRate = 16000
	defaultSilence    = 500 * time.Millisecond
	defaultMaxBuffer  = 10 * time.Second
	flushTimeout      = 30 * time.Second
)

// ErrClosed is returned by SendAudio after Close.
var ErrClosed = errors.New("whisper: session closed")

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the model name forwarded to the server. Empty uses the
// model the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language when the stream config has none.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSilence sets how much trailing silence ends an utterance.
func WithSilence(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.silence = d
		}
	}
}

// WithMaxBuffer bounds the audio buffered for one utterance.
func WithMaxBuffer(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.maxBuffer = d
		}
	}
}

// WithThreshold sets the normalised RMS level below which audio is silence.
func WithThreshold(rms float64) Option {
	return func(p *Provider) {
		if rms > 0 {
			p.threshold = rms
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider is a whisper.cpp server client.
type Provider struct {
	serverURL  string
	model      string
	language   string
	silence    time.Duration
	maxBuffer  time.Duration
	threshold  float64
	httpClient *http.Client
}

// New returns a Provider for the server at serverURL, e.g.
// "http://localhost:8081".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: server URL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		silence:    defaultSilence,
		maxBuffer:  defaultMaxBuffer,
		threshold:  energy.DefaultSilenceThreshold,
		httpClient: &http.Client{Timeout: flushTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream implements [stt.Provider]. No request is made until the first
// utterance is cut. Keywords are sent as the decoding prompt.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if format.SampleRate <= 0 {
		format.SampleRate = defaultSampleRate
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	s := &session{
		p:        p,
		format:   format,
		language: lang,
		prompt:   strings.Join(cfg.Keywords, ", "),
		audio:    make(chan []byte, 256),
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop(ctx)
	return s, nil
}

type session struct {
	p        *Provider
	format   audio.Format
	language string
	prompt   string

	audio    chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio implements [stt.SessionHandle].
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

// Close implements [stt.SessionHandle]. Buffered speech is transcribed
// before the channels close.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// loop owns the utterance buffer.
func (s *session) loop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buf     []byte
		speech  bool
		silence time.Duration
		maxLen  = s.format.FrameBytes(s.p.maxBuffer)
	)
	flush := func(ctx context.Context) {
		pcm, had := buf, speech
		buf, speech, silence = nil, false, 0
		if !had || len(pcm) == 0 {
			return
		}
		text, err := s.infer(ctx, pcm)
		if err != nil {
			slog.Warn("whisper: inference failed", "err", err)
			return
		}
		if text = strings.TrimSpace(text); text == "" {
			return
		}
		select {
		case s.partials <- stt.Transcript{Text: text}:
		default:
		}
		select {
		case s.finals <- stt.Transcript{Text: text, IsFinal: true}:
		default:
		}
	}
	final := func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
		flush(fctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			final()
			return
		case chunk := <-s.audio:
			if energy.RMS(chunk) < s.p.threshold {
				// Leading silence is dropped.
				if !speech {
					continue
				}
				buf = append(buf, chunk...)
				silence += s.format.Duration(len(chunk))
				if silence >= s.p.silence {
					flush(ctx)
				}
				continue
			}
			speech, silence = true, 0
			buf = append(buf, chunk...)
			if maxLen > 0 && len(buf) >= maxLen {
				flush(ctx)
			}
		}
	}
}

// infer posts pcm as a WAV file and returns the transcript.
func (s *session) infer(ctx context.Context, pcm []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(encodeWAV(pcm, s.format)); err != nil {
		return "", err
	}
	fields := map[string]string{
		"response_format": "json",
		"language":        s.language,
		"model":           s.p.model,
		"prompt":          s.prompt,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := s.p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: inference: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return result.Text, nil
}

// encodeWAV wraps 16-bit PCM in a RIFF/WAVE container.
func encodeWAV(pcm []byte, f audio.Format) []byte {
	le := binary.LittleEndian
	buf := make([]byte, 0, 44+len(pcm))
	buf = append(buf, "RIFF"...)
	buf = le.AppendUint32(buf, uint32(36+len(pcm)))
	buf = append(buf, "WAVEfmt "...)
	buf = le.AppendUint32(buf, 16)
	buf = le.AppendUint16(buf, 1)
	buf = le.AppendUint16(buf, uint16(f.Channels))
	buf = le.AppendUint32(buf, uint32(f.SampleRate))
	buf = le.AppendUint32(buf, uint32(f.BytesPerSecond()))
	buf = le.AppendUint16(buf, uint16(f.Channels*2))
	buf = le.AppendUint16(buf, 16)
	buf = append(buf, "data"...)
	buf = le.AppendUint32(buf, uint32(len(pcm)))
	return append(buf, pcm...)
}

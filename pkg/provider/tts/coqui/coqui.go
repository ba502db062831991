// Package coqui implements [tts.Provider] against a locally running Coqui TTS
// server, for setups that keep speech synthesis on the device.
//
// Two server flavours are supported:
//
//   - [APIModeStandard] (default) targets the stock Coqui TTS server:
//     GET /api/tts with query parameters, voices from GET /details.
//   - [APIModeXTTS] targets the XTTS v2 API server: POST /tts_to_audio/ with
//     a JSON body, voices from GET /studio_speakers.
//
// Both servers answer one WAV file per request. Each text fragment received
// by SynthesizeStream becomes one request; up to [lookahead] requests run
// concurrently and their PCM is emitted in fragment order.
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage = "zh-cn"
	defaultTimeout  = 30 * time.Second

	xttsEndpoint     = "/tts_to_audio/"
	speakersEndpoint = "/studio_speakers"
	apiTTSEndpoint   = "/api/tts"
	detailsEndpoint  = "/details"

	lookahead    = 4
	audioChanBuf = 64
	chunkSize    = 4096
)

// APIMode selects the server API.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the language code sent to the server.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		if lang != "" {
			p.language = lang
		}
	}
}

// WithAPIMode selects the server API. Unknown modes fall back to standard.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		if mode == APIModeXTTS {
			p.apiMode = mode
		}
	}
}

// WithOutputSampleRate resamples synthesised PCM to rate. Zero keeps the
// model's native rate.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.outputRate = rate }
}

// WithHTTPClient replaces the HTTP client. Its timeout applies per request.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider is a Coqui TTS client. It is safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	apiMode    APIMode
	outputRate int
	httpClient *http.Client
}

// New returns a Provider for the server at serverURL, e.g.
// "http://localhost:5002".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: server URL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type result struct {
	pcm []byte
	err error
}

// SynthesizeStream implements [tts.Provider]. A failed request ends the
// stream; the audio channel is closed early.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" && p.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice ID is required in xtts mode")
	}

	out := make(chan []byte, audioChanBuf)
	pending := make(chan chan result, lookahead)

	// Dispatcher: one request per non-blank fragment, ordered through pending.
	go func() {
		defer close(pending)
		for {
			var fragment string
			select {
			case f, ok := <-text:
				if !ok {
					return
				}
				fragment = strings.TrimSpace(f)
			case <-ctx.Done():
				return
			}
			if fragment == "" {
				continue
			}
			ch := make(chan result, 1)
			select {
			case pending <- ch:
			case <-ctx.Done():
				return
			}
			go func() {
				pcm, err := p.synthesize(ctx, fragment, voice)
				ch <- result{pcm: pcm, err: err}
			}()
		}
	}()

	// Collector.
	go func() {
		defer close(out)
		for ch := range pending {
			var res result
			select {
			case res = <-ch:
			case <-ctx.Done():
				go drain(pending)
				return
			}
			if res.err != nil {
				if ctx.Err() == nil {
					slog.Warn("coqui: synthesis failed", "err", res.err)
				}
				go drain(pending)
				return
			}
			for pcm := res.pcm; len(pcm) > 0; {
				n := min(chunkSize, len(pcm))
				select {
				case out <- pcm[:n]:
				case <-ctx.Done():
					go drain(pending)
					return
				}
				pcm = pcm[n:]
			}
		}
	}()

	return out, nil
}

func drain(pending <-chan chan result) {
	for range pending {
	}
}

func (p *Provider) synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	var (
		req *http.Request
		err error
	)
	if p.apiMode == APIModeXTTS {
		body, merr := json.Marshal(map[string]string{
			"text":        text,
			"speaker_wav": voice.ID,
			"language":    p.language,
		})
		if merr != nil {
			return nil, fmt.Errorf("coqui: marshal request: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+xttsEndpoint, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		q := url.Values{"text": {text}}
		if voice.ID != "" {
			q.Set("speaker_id", voice.ID)
		}
		q.Set("language_id", p.language)
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+q.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: create request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	wav, err := p.do(req)
	if err != nil {
		return nil, err
	}
	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}
	pcm := wav[info.dataOffset:]
	if p.outputRate > 0 {
		pcm = audio.Resample(pcm, info.channels, info.sampleRate, p.outputRate)
	}
	return pcm, nil
}

func (p *Provider) do(req *http.Request) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read response: %w", err)
	}
	return body, nil
}

// ListVoices implements [tts.Provider]. Single speaker models on the standard
// server are reported as one voice named after the model.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	endpoint := detailsEndpoint
	if p.apiMode == APIModeXTTS {
		endpoint = speakersEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	body, err := p.do(req)
	if err != nil {
		return nil, err
	}

	if p.apiMode == APIModeXTTS {
		var speakers map[string]json.RawMessage
		if err := json.Unmarshal(body, &speakers); err != nil {
			return nil, fmt.Errorf("coqui: decode speakers: %w", err)
		}
		names := make([]string, 0, len(speakers))
		for name := range speakers {
			names = append(names, name)
		}
		return profiles(names, map[string]string{"type": "studio"}), nil
	}

	var details struct {
		ModelName string   `json:"model_name"`
		Speakers  []string `json:"speakers"`
	}
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, fmt.Errorf("coqui: decode details: %w", err)
	}
	if len(details.Speakers) > 0 {
		return profiles(details.Speakers, map[string]string{"type": "speaker", "model_name": details.ModelName}), nil
	}
	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return profiles([]string{name}, map[string]string{"type": "single-speaker", "model_name": name}), nil
}

// profiles returns one voice per name, sorted by name.
func profiles(names []string, meta map[string]string) []tts.VoiceProfile {
	names = slices.Clone(names)
	slices.Sort(names)
	out := make([]tts.VoiceProfile, 0, len(names))
	for _, name := range names {
		out = append(out, tts.VoiceProfile{ID: name, Name: name, Provider: "coqui", Metadata: meta})
	}
	return out
}

type wavInfo struct {
	dataOffset int
	sampleRate int
	channels   int
}

// parseWAV walks the RIFF chunks of wav up to the data chunk. A missing fmt
// chunk is read as 22.05 kHz mono, the Coqui default.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: response is not a RIFF/WAVE file")
	}
	info := wavInfo{sampleRate: 22050, channels: 1}
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		switch id {
		case "fmt ":
			if size >= 16 && off+8+16 <= len(wav) {
				f := wav[off+8:]
				info.channels = int(binary.LittleEndian.Uint16(f[2:4]))
				info.sampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			}
		case "data":
			info.dataOffset = off + 8
			return info, nil
		}
		off += 8 + size + size%2
	}
	return wavInfo{}, errors.New("coqui: WAV data chunk missing")
}

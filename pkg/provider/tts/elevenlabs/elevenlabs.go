// Package elevenlabs implements [tts.Provider] on the ElevenLabs stream-input
// websocket, which turns text sent in pieces into one continuous PCM stream.
//
// A profile's Rate maps to the speed voice setting, clamped to the range the
// API accepts. ElevenLabs has no pitch control; Pitch is ignored.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hark/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultWSBase    = "wss://api.elevenlabs.io"
	defaultHTTPBase  = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	minSpeed = 0.7
	maxSpeed = 1.2
)

// errFinished ends the stream once the server sent its last chunk.
var errFinished = errors.New("elevenlabs: final chunk received")

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the model, e.g. "eleven_flash_v2_5" or
// "eleven_multilingual_v2".
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithOutputFormat selects the audio format, e.g. "pcm_16000" or "pcm_24000".
// Only pcm_* formats produce data the sink can play.
func WithOutputFormat(format string) Option { return func(p *Provider) { p.outputFormat = format } }

// WithBaseURL replaces the API host. REST calls use base as given; the
// websocket uses its ws(s) counterpart.
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		base = strings.TrimRight(base, "/")
		p.httpBase, p.wsBase = base, base
		if rest, ok := strings.CutPrefix(base, "http"); ok {
			p.wsBase = "ws" + rest
		}
	}
}

// WithHTTPClient replaces the client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider is an ElevenLabs client.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	wsBase       string
	httpBase     string
	httpClient   *http.Client
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: API key must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		wsBase:       defaultWSBase,
		httpBase:     defaultHTTPBase,
		httpClient:   http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// textMessage is one client message on the stream-input socket.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is one server message; Audio is base64 PCM.
type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

func settingsFor(voice tts.VoiceProfile) *voiceSettings {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.Rate > 0 {
		vs.Speed = min(max(voice.Rate, minSpeed), maxSpeed)
	}
	return vs
}

func (p *Provider) streamURL(voiceID string) string {
	q := url.Values{"model_id": {p.model}, "output_format": {p.outputFormat}}
	return p.wsBase + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

// SynthesizeStream implements [tts.Provider]. Fragments are forwarded as they
// arrive; closing text flushes the remaining audio. The audio channel closes
// after the final chunk, on a connection error or when ctx ends.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice ID must not be empty")
	}
	conn, _, err := websocket.Dial(ctx, p.streamURL(voice.ID), &websocket.DialOptions{
		HTTPHeader: http.Header{"Xi-Api-Key": {p.apiKey}},
	})
	if err != nil {
		return nil, &tts.SynthesisError{Op: "dial", Err: err}
	}

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		defer conn.CloseNow()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return sendText(gctx, conn, text, voice) })
		g.Go(func() error { return receiveAudio(gctx, conn, out) })
		err := g.Wait()
		if err != nil && !errors.Is(err, errFinished) && ctx.Err() == nil {
			slog.Warn("elevenlabs: stream ended early", "voice", voice.ID, "err", err)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()
	return out, nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, msg textMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// sendText opens the stream with a single space carrying the voice settings,
// forwards each non-blank fragment with the trailing space the API needs to
// start generating, and ends input with an empty text.
func sendText(ctx context.Context, conn *websocket.Conn, text <-chan string, voice tts.VoiceProfile) error {
	if err := writeJSON(ctx, conn, textMessage{Text: " ", VoiceSettings: settingsFor(voice)}); err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fragment, ok := <-text:
			if !ok {
				return writeJSON(ctx, conn, textMessage{Text: ""})
			}
			if strings.TrimSpace(fragment) == "" {
				continue
			}
			if err := writeJSON(ctx, conn, textMessage{Text: fragment + " "}); err != nil {
				return err
			}
		}
	}
}

func receiveAudio(ctx context.Context, conn *websocket.Conn, out chan<- []byte) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var resp audioResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			slog.Debug("elevenlabs: undecodable message", "err", err)
			continue
		}
		if resp.Audio == "" && resp.Message != "" {
			slog.Warn("elevenlabs: server message", "message", resp.Message)
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				slog.Debug("elevenlabs: bad audio payload", "err", err)
				continue
			}
			select {
			case out <- pcm:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if resp.IsFinal {
			return errFinished
		}
	}
}

type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices implements [tts.Provider] with GET /v1/voices. Voice labels and
// the category become profile metadata.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.httpBase+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: HTTP %d", resp.StatusCode)
	}
	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode voices: %w", err)
	}
	return toProfiles(vr), nil
}

func toProfiles(vr voicesResponse) []tts.VoiceProfile {
	out := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := maps.Clone(v.Labels)
		if meta == nil {
			meta = map[string]string{}
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		out = append(out, tts.VoiceProfile{ID: v.VoiceID, Name: v.Name, Provider: "elevenlabs", Metadata: meta})
	}
	return out
}

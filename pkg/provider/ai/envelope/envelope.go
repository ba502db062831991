// Package envelope implements ai.Client for HTTP endpoints that answer a JSON
// query with a line-delimited stream of {type, msg} envelopes.
//
// Each response line that contains "data:" carries one JSON envelope after
// that marker. Only envelopes with type "text" and a non-empty msg produce
// deltas; other types are ignored. Lines that cannot be decoded are skipped
// and reported through the malformed hook, they never abort the stream. The
// end of the response body completes the stream.
package envelope

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/hark/pkg/provider/ai"
)

const (
	// DefaultConnectTimeout bounds dialing the endpoint.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultReadTimeout bounds the silence between two response lines.
	DefaultReadTimeout = 30 * time.Second

	dataMarker = "data:"
	typeText   = "text"

	// maxLineBytes caps a single envelope line.
	maxLineBytes = 1 << 20
)

// ErrReadTimeout is the cause reported when no line arrived within the read
// timeout.
var ErrReadTimeout = errors.New("envelope: read timeout")

// Option configures a Client.
type Option func(*Client)

// WithModel sets the model field of the request body.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithHeaders adds static request headers (e.g., authorization cookies).
func WithHeaders(h map[string]string) Option {
	return func(c *Client) { maps.Copy(c.headers, h) }
}

// WithExtra merges additional fields into every request body. The model and
// prompt fields always win.
func WithExtra(fields map[string]any) Option {
	return func(c *Client) { maps.Copy(c.extra, fields) }
}

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithReadTimeout overrides DefaultReadTimeout.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.readTimeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client. The connect timeout option has no
// effect on a replaced client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMalformedHook registers fn to be called for every undecodable line.
func WithMalformedHook(fn func(line string, err error)) Option {
	return func(c *Client) { c.onMalformed = fn }
}

// Client is an envelope-protocol ai.Client.
type Client struct {
	endpoint       string
	model          string
	headers        map[string]string
	extra          map[string]any
	connectTimeout time.Duration
	readTimeout    time.Duration
	httpClient     *http.Client
	onMalformed    func(line string, err error)
}

// New returns a Client posting queries to endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("envelope: endpoint must not be empty")
	}
	c := &Client{
		endpoint:       endpoint,
		headers:        make(map[string]string),
		extra:          make(map[string]any),
		connectTimeout: DefaultConnectTimeout,
		readTimeout:    DefaultReadTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.DialContext = (&net.Dialer{Timeout: c.connectTimeout}).DialContext
		tr.ResponseHeaderTimeout = c.readTimeout
		c.httpClient = &http.Client{Transport: tr}
	}
	return c, nil
}

// envelope is one decoded response line.
type envelope struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

// body builds the JSON request body for prompt.
func (c *Client) body(prompt string) ([]byte, error) {
	fields := make(map[string]any, len(c.extra)+2)
	maps.Copy(fields, c.extra)
	if c.model != "" {
		fields["model"] = c.model
	}
	fields["prompt"] = prompt
	return json.Marshal(fields)
}

// Query implements ai.Client.
func (c *Client) Query(ctx context.Context, req ai.Request) (<-chan ai.Event, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ai.ErrEmptyPrompt
	}
	body, err := c.body(req.Prompt)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode request: %w", err)
	}

	out := make(chan ai.Event, 32)
	go func() {
		defer close(out)
		if err := c.stream(ctx, body, out); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("envelope: stream failed", "query_id", req.ID, "err", err)
			select {
			case out <- ai.Failed(err):
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- ai.Complete():
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// stream performs the request and forwards text envelopes until EOF.
func (c *Client) stream(ctx context.Context, body []byte, out chan<- ai.Event) error {
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return &ai.StreamError{Op: "request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &ai.StreamError{Op: "connect", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ai.StreamError{Op: "status", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	idle := time.AfterFunc(c.readTimeout, func() { cancel(ErrReadTimeout) })
	defer idle.Stop()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		idle.Reset(c.readTimeout)

		text, ok := c.decodeLine(sc.Text())
		if !ok {
			continue
		}
		select {
		case out <- ai.Delta(text):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		if errors.Is(context.Cause(reqCtx), ErrReadTimeout) {
			return &ai.StreamError{Op: "read", Err: ErrReadTimeout}
		}
		return &ai.StreamError{Op: "read", Err: err}
	}
	if errors.Is(context.Cause(reqCtx), ErrReadTimeout) {
		return &ai.StreamError{Op: "read", Err: ErrReadTimeout}
	}
	return nil
}

// decodeLine extracts the text of one envelope line. ok is false for lines
// without an envelope, for non-text envelopes and for malformed ones.
func (c *Client) decodeLine(line string) (string, bool) {
	i := strings.Index(line, dataMarker)
	if i < 0 {
		return "", false
	}
	payload := strings.TrimSpace(line[i+len(dataMarker):])

	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		slog.Debug("envelope: skipping malformed line", "line", payload, "err", err)
		if c.onMalformed != nil {
			c.onMalformed(payload, err)
		}
		return "", false
	}
	if env.Type != typeText || env.Msg == "" {
		return "", false
	}
	return env.Msg, true
}

var _ ai.Client = (*Client)(nil)

// Package chat adapts any llm.Provider into an ai.Client, so chat-model
// backends (OpenAI, Anthropic, Ollama, ...) can answer voice queries.
package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/hark/pkg/provider/ai"
	"github.com/MrWong99/hark/pkg/provider/llm"
)

// Option configures a Client.
type Option func(*Client)

// WithSystemPrompt sets the default system prompt used when a request does
// not carry its own.
func WithSystemPrompt(prompt string) Option {
	return func(c *Client) { c.systemPrompt = prompt }
}

// WithMaxTokens caps the answer length.
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// Client is an ai.Client backed by an llm.Provider.
type Client struct {
	provider     llm.Provider
	systemPrompt string
	maxTokens    int
	temperature  float64
}

// New returns a Client that streams answers from p.
func New(p llm.Provider, opts ...Option) *Client {
	c := &Client{provider: p}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Query implements ai.Client.
func (c *Client) Query(ctx context.Context, req ai.Request) (<-chan ai.Event, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ai.ErrEmptyPrompt
	}
	system := req.SystemPrompt
	if system == "" {
		system = c.systemPrompt
	}
	creq := llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: req.Prompt}},
		MaxTokens:    c.maxTokens,
		Temperature:  c.temperature,
	}

	out := make(chan ai.Event, 32)
	go func() {
		defer close(out)

		send := func(ev ai.Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		chunks, err := c.provider.StreamCompletion(ctx, creq)
		if err != nil {
			if ctx.Err() == nil {
				send(ai.Failed(&ai.StreamError{Op: "connect", Err: err}))
			}
			return
		}
		for chunk := range chunks {
			if chunk.Err != nil {
				if ctx.Err() == nil {
					send(ai.Failed(&ai.StreamError{Op: "read", Err: chunk.Err}))
				}
				// Drain so the provider goroutine can exit.
				for range chunks {
				}
				return
			}
			if chunk.Text != "" && !send(ai.Delta(chunk.Text)) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		send(ai.Complete())
	}()
	return out, nil
}

// errNoProvider is reported when the client was built without a provider.
var errNoProvider = errors.New("chat: no llm provider")

// Validate reports whether the client is usable.
func (c *Client) Validate() error {
	if c.provider == nil {
		return errNoProvider
	}
	return nil
}

var _ ai.Client = (*Client)(nil)

// Package anyllm reaches the chat backends supported by
// github.com/mozilla-ai/any-llm-go through one [llm.Provider].
//
// Hosted backends read their API key from the usual environment variable
// (ANTHROPIC_API_KEY, GEMINI_API_KEY, ...) unless one is passed with
// anyllmlib.WithAPIKey. Local servers take only a base URL.
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/hark/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

type backend struct {
	open  func(...anyllmlib.Option) (anyllmlib.Provider, error)
	local bool
}

var backends = map[string]backend{
	"openai":    {open: wrap(anyllmoai.New)},
	"anthropic": {open: wrap(anthropic.New)},
	"gemini":    {open: wrap(gemini.New)},
	"deepseek":  {open: wrap(deepseek.New)},
	"mistral":   {open: wrap(mistral.New)},
	"groq":      {open: wrap(groq.New)},
	"ollama":    {open: wrap(ollama.New), local: true},
	"llamacpp":  {open: wrap(llamacpp.New), local: true},
	"llamafile": {open: wrap(llamafile.New), local: true},
}

// wrap erases the concrete provider type returned by a backend constructor.
func wrap[P anyllmlib.Provider](fn func(...anyllmlib.Option) (P, error)) func(...anyllmlib.Option) (anyllmlib.Provider, error) {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		p, err := fn(opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Backends returns the supported backend names, sorted.
func Backends() []string {
	return slices.Sorted(maps.Keys(backends))
}

// Local reports whether name is a self-hosted server that takes no API key.
func Local(name string) bool {
	return backends[strings.ToLower(name)].local
}

// Provider streams completions from one any-llm-go backend and model.
type Provider struct {
	name    string
	model   string
	backend anyllmlib.Provider
}

// New opens backend name (see [Backends]) for model.
func New(name, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	name = strings.ToLower(name)
	b, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unknown backend %q (have %s)", name, strings.Join(Backends(), ", "))
	}
	be, err := b.open(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: open %s: %w", name, err)
	}
	return &Provider{name: name, model: model, backend: be}, nil
}

// Name returns the backend name.
func (p *Provider) Name() string { return p.name }

// StreamCompletion implements [llm.Provider]. Choice deltas with neither text
// nor a finish reason are dropped. A backend error is delivered as the last
// chunk unless ctx was cancelled.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anyllm: request has no messages")
	}
	chunks, errs := p.backend.CompletionStream(ctx, p.params(req))

	out := make(chan llm.Chunk, 32)
	go func() {
		defer close(out)
		send := func(c llm.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content == "" && c.FinishReason == "" {
				continue
			}
			if !send(llm.Chunk{Text: c.Delta.Content, FinishReason: c.FinishReason}) {
				return
			}
		}
		if err := <-errs; err != nil && ctx.Err() == nil {
			send(llm.Chunk{Err: fmt.Errorf("anyllm: %s: %w", p.name, err)})
		}
	}()
	return out, nil
}

func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}
	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params
}

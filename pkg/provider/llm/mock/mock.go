// Package mock provides a scripted [llm.Provider].
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/hark/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider replays StreamChunks for every completion. With StreamErr set the
// call fails before a stream opens. A non-nil Hold blocks the stream until it
// is closed, which lets tests cancel a completion mid-flight.
type Provider struct {
	StreamChunks []llm.Chunk
	StreamErr    error
	Hold         chan struct{}

	mu   sync.Mutex
	reqs []llm.CompletionRequest
}

func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}

	chunks := slices.Clone(p.StreamChunks)
	out := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(out)
		if p.Hold != nil {
			select {
			case <-p.Hold:
			case <-ctx.Done():
				return
			}
		}
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Requests returns every request received so far.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.reqs)
}

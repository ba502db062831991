package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/hark/pkg/provider/ai"
)

// errStreamClosed is recorded when a backend closes its stream without a
// terminal event.
var errStreamClosed = errors.New("stream closed without terminal event")

// AIFallback is an [ai.Client] that fails over between AI backends.
//
// A backend is abandoned when Query fails or when its stream fails before
// the first delta. Once text has been forwarded the backend is kept for the
// rest of the answer and a later error ends the stream as usual.
type AIFallback struct {
	group *FallbackGroup[ai.Client]
}

var _ ai.Client = (*AIFallback)(nil)

// NewAIFallback returns an AIFallback preferring primary.
func NewAIFallback(primary ai.Client, primaryName string, cfg FallbackConfig) *AIFallback {
	return &AIFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *AIFallback) AddFallback(name string, client ai.Client) {
	f.group.AddFallback(name, client)
}

// Names returns the backends in failover order.
func (f *AIFallback) Names() []string { return f.group.Names() }

// Healthy reports whether any backend is admitting calls.
func (f *AIFallback) Healthy() bool { return f.group.Healthy() }

// Query implements [ai.Client].
func (f *AIFallback) Query(ctx context.Context, req ai.Request) (<-chan ai.Event, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ai.ErrEmptyPrompt
	}
	out := make(chan ai.Event, 16)
	go func() {
		defer close(out)
		f.run(ctx, req, out)
	}()
	return out, nil
}

func (f *AIFallback) run(ctx context.Context, req ai.Request, out chan<- ai.Event) {
	var lastErr error
	for i := range f.group.entries {
		if ctx.Err() != nil {
			return
		}
		entry := &f.group.entries[i]
		done, err := entry.breaker.Allow()
		if err != nil {
			lastErr = err
			f.group.logSkip(entry.name, err)
			continue
		}

		events, err := entry.value.Query(ctx, req)
		if err != nil {
			done(err)
			lastErr = err
			f.group.logSkip(entry.name, err)
			continue
		}

		committed, err := relay(ctx, events, out)
		if ctx.Err() != nil {
			done(context.Canceled)
			return
		}
		done(err)
		if err == nil || committed {
			return
		}
		lastErr = err
		f.group.logSkip(entry.name, err)
	}
	send(ctx, out, ai.Failed(fmt.Errorf("%w: %w", ErrAllFailed, lastErr)))
}

// relay forwards events until the stream ends. committed reports whether
// anything reached out; a failure before that is left to the caller.
func relay(ctx context.Context, events <-chan ai.Event, out chan<- ai.Event) (committed bool, err error) {
	for {
		var (
			ev ai.Event
			ok bool
		)
		select {
		case <-ctx.Done():
			return committed, ctx.Err()
		case ev, ok = <-events:
		}
		if !ok {
			if committed {
				send(ctx, out, ai.Failed(&ai.StreamError{Op: "read", Err: errStreamClosed}))
			}
			return committed, errStreamClosed
		}

		switch ev.Kind {
		case ai.EventError:
			if committed {
				send(ctx, out, ev)
			}
			return committed, ev.Err
		case ai.EventComplete:
			send(ctx, out, ev)
			return true, nil
		default:
			committed = true
			if !send(ctx, out, ev) {
				return true, ctx.Err()
			}
		}
	}
}

func send(ctx context.Context, out chan<- ai.Event, ev ai.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

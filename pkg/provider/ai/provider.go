// Package ai defines the streamed AI response contract consumed by the
// session core.
//
// A [Client] answers one [Request] with a lazy, finite, non-restartable
// stream of [Event] values: zero or more deltas followed by exactly one
// terminal event (complete or error). The stream is cancelled through the
// context given to Query; the channel is closed after the terminal event or
// once the context is done.
package ai

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyPrompt is returned by Query when the request carries no prompt.
var ErrEmptyPrompt = errors.New("ai: empty prompt")

// EventKind distinguishes stream events.
type EventKind int

const (
	// EventDelta carries the next text fragment in Text.
	EventDelta EventKind = iota
	// EventComplete is the terminal event of a successful stream.
	EventComplete
	// EventError is the terminal event of a failed stream; Err is set.
	EventError
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one element of a response stream.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Delta returns a delta event.
func Delta(text string) Event { return Event{Kind: EventDelta, Text: text} }

// Complete returns the success terminal event.
func Complete() Event { return Event{Kind: EventComplete} }

// Failed returns the error terminal event.
func Failed(err error) Event { return Event{Kind: EventError, Err: err} }

// Request is one query issued by the session.
type Request struct {
	// ID identifies the query in logs and traces.
	ID string

	// Prompt is the recognised user utterance.
	Prompt string

	// SystemPrompt optionally steers the answer. Clients that have no notion
	// of a system prompt ignore it.
	SystemPrompt string
}

// Client is a streaming AI backend.
type Client interface {
	// Query starts answering req. It does not block on the network: transport
	// failures are delivered as an EventError on the returned channel. The
	// error return is reserved for requests that cannot be issued at all.
	Query(ctx context.Context, req Request) (<-chan Event, error)
}

// StreamError wraps a transport or protocol failure of a response stream.
type StreamError struct {
	// Op names the failing step, e.g. "connect", "status", "read".
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("ai: %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

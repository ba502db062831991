// Package mock provides a scripted test double for the ai.Client interface.
//
// Every Query opens a [Stream] that the test drives by hand:
//
//	c := mock.NewClient()
//	ch, _ := c.Query(ctx, ai.Request{Prompt: "你好"})
//	s := <-c.Streams
//	s.Delta("你好，")
//	s.Delta("世界。")
//	s.Complete()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/hark/pkg/provider/ai"
)

// Stream is the server side of one scripted response.
type Stream struct {
	// Req is the request that opened the stream.
	Req ai.Request

	ctx    context.Context
	mu     sync.Mutex
	ch     chan ai.Event
	closed bool
}

// Delta sends a text fragment. It is a no-op once the stream is closed.
func (s *Stream) Delta(text string) { s.send(ai.Delta(text), false) }

// Complete sends the success terminal event and closes the stream.
func (s *Stream) Complete() { s.send(ai.Complete(), true) }

// Fail sends an error terminal event and closes the stream.
func (s *Stream) Fail(err error) { s.send(ai.Failed(err), true) }

// Close closes the stream without a terminal event.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// Cancelled reports whether the query context is done.
func (s *Stream) Cancelled() bool { return s.ctx.Err() != nil }

// Done returns the query context's done channel.
func (s *Stream) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Stream) send(ev ai.Event, terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	case <-s.ctx.Done():
		s.closeLocked()
		return
	}
	if terminal {
		s.closeLocked()
	}
}

func (s *Stream) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Client is a mock implementation of ai.Client.
type Client struct {
	// QueryErr, if non-nil, is returned by Query.
	QueryErr error

	// Streams receives every stream opened by Query. Buffered.
	Streams chan *Stream

	mu       sync.Mutex
	requests []ai.Request
}

// NewClient returns a Client with a buffered Streams channel.
func NewClient() *Client {
	return &Client{Streams: make(chan *Stream, 64)}
}

// Query records req and opens a new Stream.
func (c *Client) Query(ctx context.Context, req ai.Request) (<-chan ai.Event, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	err := c.QueryErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s := &Stream{Req: req, ctx: ctx, ch: make(chan ai.Event, 64)}
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	c.Streams <- s
	return s.ch, nil
}

// Requests returns a copy of the recorded requests. Thread-safe.
func (c *Client) Requests() []ai.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ai.Request(nil), c.requests...)
}

// Reset clears the recorded requests. Thread-safe.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = nil
}

var _ ai.Client = (*Client)(nil)

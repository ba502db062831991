// Package playback serialises spoken output.
//
// A [Queue] owns the speech engine for one session. Utterances are spoken one
// at a time, in enqueue order, by a single consumer goroutine that is started
// on demand and exits once nothing is pending or in flight. Every exit is
// reported through the drained callback together with the epoch of the last
// utterance it handled.
//
// [Queue.CancelAll] starts a new epoch: pending utterances are discarded, the
// in-flight utterance is cancelled, and enqueues tagged with an older epoch
// are rejected from then on. A stream consumer that captured the epoch when
// its turn began therefore cannot leak speech into a later turn.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/hark/internal/observe"
	"github.com/MrWong99/hark/pkg/provider/tts"
)

// Mode selects how [Queue.Say] treats already queued speech.
type Mode int

const (
	// ModeAdd appends to the pending utterances.
	ModeAdd Mode = iota

	// ModeFlush cancels everything queued or playing before enqueueing.
	ModeFlush
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeAdd:
		return "add"
	case ModeFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// Utterance is one unit of speech. It is immutable once enqueued.
type Utterance struct {
	ID    uuid.UUID
	Text  string
	Epoch uint64
}

// Drained is delivered when the consumer goroutine exits. Epoch is the epoch
// of the last utterance it dequeued (or of the enqueue that started it), so
// a drain caused by [Queue.CancelAll] carries the superseded epoch.
type Drained struct {
	Epoch uint64
}

// Option configures a [Queue].
type Option func(*Queue)

// WithMetrics records utterance outcomes and the pending gauge on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// Queue is a FIFO of utterances in front of a [tts.Engine].
//
// All exported methods are safe for concurrent use.
type Queue struct {
	engine    tts.Engine
	onDrained func(Drained)
	metrics   *observe.Metrics
	log       *slog.Logger

	mu       sync.Mutex
	pending  []Utterance
	epoch    uint64
	running  bool
	inFlight bool
	cancel   context.CancelFunc // cancels the in-flight Speak
	closed   bool

	wg sync.WaitGroup
}

// New creates a Queue speaking through engine. onDrained may be nil; it is
// called from the consumer goroutine and must not block. engine.Stop is
// called with the queue locked and must not call back into the queue.
func New(engine tts.Engine, onDrained func(Drained), opts ...Option) *Queue {
	q := &Queue{
		engine:    engine,
		onDrained: onDrained,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(q)
	}
	q.log = q.log.With("component", "playback")
	return q
}

// Enqueue appends text to the current epoch. ok is false for whitespace-only
// text and after [Queue.Close].
func (q *Queue) Enqueue(text string) (Utterance, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(q.epoch, text)
}

// EnqueueEpoch appends text only if epoch is still current. Stream consumers
// use it with the epoch captured at turn start.
func (q *Queue) EnqueueEpoch(epoch uint64, text string) (Utterance, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if epoch != q.epoch {
		q.log.Debug("dropping utterance from stale epoch", "epoch", epoch, "current", q.epoch)
		return Utterance{}, false
	}
	return q.enqueueLocked(epoch, text)
}

// Say speaks text according to mode. ModeFlush is CancelAll followed by
// Enqueue.
func (q *Queue) Say(text string, mode Mode) (Utterance, bool) {
	if mode == ModeFlush {
		q.CancelAll()
	}
	return q.Enqueue(text)
}

func (q *Queue) enqueueLocked(epoch uint64, text string) (Utterance, bool) {
	text = strings.TrimSpace(text)
	if q.closed || text == "" {
		return Utterance{}, false
	}

	u := Utterance{ID: uuid.New(), Text: text, Epoch: epoch}
	q.pending = append(q.pending, u)
	q.metrics.AddPending(context.Background(), 1)

	if !q.running {
		q.running = true
		q.wg.Add(1)
		go q.run(epoch)
	}
	return u, true
}

// CancelAll discards pending utterances, interrupts the one being spoken,
// and starts a new epoch, which it returns.
//
// The engine is stopped only when an utterance was in flight, and before
// q.mu is released: an utterance enqueued concurrently cannot start
// speaking until the stop has happened.
func (q *Queue) CancelAll() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	speaking := q.inFlight
	epoch := q.cancelLocked()
	if speaking {
		if err := q.engine.Stop(); err != nil {
			q.log.Warn("failed to stop speech engine", "err", err)
		}
	}
	return epoch
}

// cancelLocked must be called with q.mu held.
func (q *Queue) cancelLocked() uint64 {
	q.epoch++
	if n := len(q.pending); n > 0 {
		q.metrics.AddPending(context.Background(), -int64(n))
		q.pending = nil
	}
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	return q.epoch
}

// Epoch returns the current epoch.
func (q *Queue) Epoch() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch
}

// Idle reports whether nothing is pending and no consumer is running.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.running && len(q.pending) == 0
}

// Len returns the number of pending utterances plus the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if q.inFlight {
		n++
	}
	return n
}

// Close cancels all speech, waits for the consumer goroutine to exit and
// rejects further enqueues. No Drained is delivered for the final exit.
// The engine itself is not closed. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.cancelLocked()
	q.mu.Unlock()

	err := q.engine.Stop()
	q.wg.Wait()
	return err
}

// run is the consumer goroutine. It exits when the queue is empty.
func (q *Queue) run(epoch uint64) {
	defer q.wg.Done()

	last := epoch
	for {
		u, ctx, cancel, ok := q.dequeue()
		if !ok {
			break
		}
		last = u.Epoch
		q.speak(ctx, u)
		cancel()

		q.mu.Lock()
		q.inFlight = false
		q.cancel = nil
		q.mu.Unlock()
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if !closed && q.onDrained != nil {
		q.onDrained(Drained{Epoch: last})
	}
}

// dequeue pops the next utterance and marks it in flight. When nothing is
// pending it clears the running flag, so the decision to exit and a
// concurrent enqueue are serialised by q.mu.
func (q *Queue) dequeue() (Utterance, context.Context, context.CancelFunc, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		q.running = false
		return Utterance{}, nil, nil, false
	}
	u := q.pending[0]
	q.pending[0] = Utterance{}
	q.pending = q.pending[1:]
	q.metrics.AddPending(context.Background(), -1)

	ctx, cancel := context.WithCancel(context.Background())
	q.inFlight = true
	q.cancel = cancel
	return u, ctx, cancel, true
}

func (q *Queue) speak(ctx context.Context, u Utterance) {
	ctx, span := observe.StartSpan(ctx, "playback.speak")

	start := time.Now()
	err := q.engine.Speak(ctx, u.Text)
	observe.EndSpan(span, err)
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		status = "cancelled"
	default:
		status = "error"
		q.log.Error("failed to speak utterance", "id", u.ID, "epoch", u.Epoch, "err", err)
	}
	q.metrics.RecordUtterance(ctx, status, time.Since(start))
}

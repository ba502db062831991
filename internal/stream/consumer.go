// Package stream turns one AI response stream into queued speech.
//
// A [Consumer] handles exactly one turn. Deltas are fed to the turn's
// [segment.Segmenter] in arrival order and every ready sentence is enqueued
// with the playback epoch captured when the turn began. Once the queue has
// moved to a newer epoch (barge-in, stop, exit phrase) the turn can no longer
// add speech, even if fragments are still in flight.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/hark/internal/observe"
	"github.com/MrWong99/hark/internal/playback"
	"github.com/MrWong99/hark/internal/segment"
	"github.com/MrWong99/hark/pkg/provider/ai"
)

// DefaultTick is how often the segmenter's timeout rule is evaluated.
const DefaultTick = 100 * time.Millisecond

// Queue is the part of [playback.Queue] a Consumer needs.
type Queue interface {
	EnqueueEpoch(epoch uint64, text string) (playback.Utterance, bool)
	CancelAll() uint64
}

var _ Queue = (*playback.Queue)(nil)

// Callbacks are invoked from the goroutine running [Consumer.Run]. Any of
// them may be nil.
type Callbacks struct {
	// OnFirstDelta fires once, on the first delta of the stream.
	OnFirstDelta func()

	// OnComplete fires after the final flush of a successful stream.
	OnComplete func()

	// OnError fires after the segmenter and the queue were cleared.
	OnError func(err error)
}

// Option configures a [Consumer].
type Option func(*Consumer)

// WithSegmenterOptions configures the per-turn segmenter.
func WithSegmenterOptions(opts ...segment.Option) Option {
	return func(c *Consumer) {
		c.segOpts = append(c.segOpts, opts...)
	}
}

// WithTick sets the timeout-rule evaluation interval. Zero or negative
// values disable the ticker.
func WithTick(d time.Duration) Option {
	return func(c *Consumer) {
		c.tick = d
	}
}

// WithMetrics records first-delta latency and stream outcome on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// Consumer drives one turn's response stream into a playback queue.
type Consumer struct {
	queue   Queue
	epoch   uint64
	cb      Callbacks
	tick    time.Duration
	metrics *observe.Metrics
	segOpts []segment.Option

	seg *segment.Segmenter
}

// New creates a Consumer that enqueues into queue under epoch.
func New(queue Queue, epoch uint64, cb Callbacks, opts ...Option) *Consumer {
	c := &Consumer{
		queue: queue,
		epoch: epoch,
		cb:    cb,
		tick:  DefaultTick,
	}
	for _, o := range opts {
		o(c)
	}
	c.seg = segment.New(c.segOpts...)
	return c
}

// Epoch returns the playback epoch this turn speaks into.
func (c *Consumer) Epoch() uint64 { return c.epoch }

// Discard drops any buffered text without speaking it.
func (c *Consumer) Discard() {
	c.seg.Reset()
}

// Run consumes events until the stream terminates or ctx is done.
//
// It returns nil after a successful stream, the stream's error (as an
// [*ai.StreamError]) after a failed one, and ctx.Err() when cancelled. A
// channel closed without a terminal event counts as success unless ctx is
// done. After cancellation no further delta is processed and no callback
// fires.
func (c *Consumer) Run(ctx context.Context, events <-chan ai.Event) error {
	log := observe.Logger(ctx).With("epoch", c.epoch)
	start := time.Now()
	first := true

	var tickC <-chan time.Time
	if c.tick > 0 {
		ticker := time.NewTicker(c.tick)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-tickC:
			if text, ok := c.seg.Tick(); ok {
				c.enqueue(log, text)
			}

		case ev, ok := <-events:
			if err := ctx.Err(); err != nil {
				return err
			}
			if !ok {
				log.Debug("stream closed without terminal event")
				return c.complete(ctx, log, start)
			}

			switch ev.Kind {
			case ai.EventDelta:
				if ev.Text == "" {
					continue
				}
				if first {
					first = false
					c.metrics.RecordFirstDelta(ctx, time.Since(start))
					if c.cb.OnFirstDelta != nil {
						c.cb.OnFirstDelta()
					}
				}
				for _, text := range c.seg.Append(ev.Text) {
					c.enqueue(log, text)
				}

			case ai.EventComplete:
				return c.complete(ctx, log, start)

			case ai.EventError:
				return c.fail(ctx, log, start, ev.Err)

			default:
				log.Warn("ignoring unknown stream event", "kind", ev.Kind)
			}
		}
	}
}

func (c *Consumer) enqueue(log *slog.Logger, text string) {
	if _, ok := c.queue.EnqueueEpoch(c.epoch, text); !ok {
		log.Debug("utterance rejected by playback queue", "text", text)
	}
}

func (c *Consumer) complete(ctx context.Context, log *slog.Logger, start time.Time) error {
	if text, ok := c.seg.Flush(); ok {
		c.enqueue(log, text)
	}
	c.metrics.RecordStreamEnd(ctx, time.Since(start), false)
	if c.cb.OnComplete != nil {
		c.cb.OnComplete()
	}
	return nil
}

func (c *Consumer) fail(ctx context.Context, log *slog.Logger, start time.Time, err error) error {
	if err == nil {
		err = errors.New("stream failed without cause")
	}
	var se *ai.StreamError
	if !errors.As(err, &se) {
		err = &ai.StreamError{Op: "read", Err: err}
	}

	c.seg.Reset()
	c.queue.CancelAll()
	c.metrics.RecordStreamEnd(ctx, time.Since(start), true)
	log.Warn("ai response stream failed", "err", err)

	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
	return err
}

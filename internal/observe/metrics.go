// Package observe holds hark's telemetry: OpenTelemetry metrics exported for
// Prometheus, spans around turns, listens and utterances, session-aware
// loggers and the control API instrumentation.
//
// Components take a *[Metrics] and may be given nil. Tests build their own
// with [NewMetrics] on a manual reader rather than touching [DefaultMetrics].
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/hark"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use. A nil *Metrics is valid and records
// nothing, so components can take one optionally.
type Metrics struct {
	// AIFirstDelta tracks the time from query to the first response fragment.
	AIFirstDelta metric.Float64Histogram

	// AIDuration tracks the time from query to the end of the response stream.
	AIDuration metric.Float64Histogram

	// STTDuration tracks the time from listen start to a recognition result.
	STTDuration metric.Float64Histogram

	// TTSDuration tracks how long one utterance took to speak.
	TTSDuration metric.Float64Histogram

	// StateTransitions counts session transitions. Attributes: from, to.
	StateTransitions metric.Int64Counter

	// Utterances counts utterances handed to the speech engine. Attribute:
	// status ("ok", "cancelled", "error").
	Utterances metric.Int64Counter

	// RecognitionErrors counts recognition failures. Attribute: code.
	RecognitionErrors metric.Int64Counter

	// StreamErrors counts failed AI response streams.
	StreamErrors metric.Int64Counter

	// MalformedLines counts undecodable AI stream lines.
	MalformedLines metric.Int64Counter

	// BargeIns counts user interruptions of a response.
	BargeIns metric.Int64Counter

	// ProviderRequests counts provider API calls. Attributes: provider, kind,
	// status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// PlaybackPending tracks utterances waiting in the playback queue.
	PlaybackPending metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, from a fast partial
// transcript up to a long spoken answer.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// NewMetrics creates every instrument on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var errs []error

	latency := func(dst *metric.Float64Histogram, name, desc string) {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...))
		*dst = h
		errs = append(errs, err)
	}
	counter := func(dst *metric.Int64Counter, name, desc string) {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		*dst = c
		errs = append(errs, err)
	}

	latency(&m.AIFirstDelta, "hark.ai.first_delta", "Time from an AI query to its first response fragment.")
	latency(&m.AIDuration, "hark.ai.duration", "Time from an AI query to the end of its response stream.")
	latency(&m.STTDuration, "hark.stt.duration", "Time from the start of a listen to its result.")
	latency(&m.TTSDuration, "hark.tts.duration", "Time spent speaking one utterance.")

	counter(&m.StateTransitions, "hark.state.transitions", "Session state transitions by from and to state.")
	counter(&m.Utterances, "hark.utterances", "Utterances handed to the speech engine by outcome.")
	counter(&m.RecognitionErrors, "hark.recognition.errors", "Recognition failures by error code.")
	counter(&m.StreamErrors, "hark.stream.errors", "AI response streams that ended in an error.")
	counter(&m.MalformedLines, "hark.stream.malformed_lines", "Undecodable AI stream lines that were skipped.")
	counter(&m.BargeIns, "hark.barge_ins", "Spoken responses interrupted by the user.")
	counter(&m.ProviderRequests, "hark.provider.requests", "Provider calls by provider, kind and status.")
	counter(&m.ProviderErrors, "hark.provider.errors", "Provider errors by provider and kind.")

	var err error
	m.PlaybackPending, err = meter.Int64UpDownCounter("hark.playback.pending",
		metric.WithDescription("Utterances waiting in the playback queue."))
	errs = append(errs, err)
	m.HTTPRequestDuration, err = meter.Float64Histogram("hark.http.request.duration",
		metric.WithDescription("Control API request latency by method, route and status."), metric.WithUnit("s"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] on the global meter
// provider, created on first use. Call it after [InitProvider].
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTransition records one session state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(Attr("from", from), Attr("to", to)))
}

// RecordUtterance records one spoken utterance and its duration.
func (m *Metrics) RecordUtterance(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Utterances.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
	m.TTSDuration.Record(ctx, d.Seconds())
}

// RecordRecognitionError records one recognition failure.
func (m *Metrics) RecordRecognitionError(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.RecognitionErrors.Add(ctx, 1, metric.WithAttributes(Attr("code", code)))
}

// RecordSTT records the latency of one recognition.
func (m *Metrics) RecordSTT(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.STTDuration.Record(ctx, d.Seconds())
}

// RecordFirstDelta records the time to the first AI response fragment.
func (m *Metrics) RecordFirstDelta(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.AIFirstDelta.Record(ctx, d.Seconds())
}

// RecordStreamEnd records the end of an AI response stream. failed also
// counts a stream error.
func (m *Metrics) RecordStreamEnd(ctx context.Context, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.AIDuration.Record(ctx, d.Seconds())
	if failed {
		m.StreamErrors.Add(ctx, 1)
	}
}

// RecordMalformedLine counts one skipped stream line.
func (m *Metrics) RecordMalformedLine(ctx context.Context) {
	if m == nil {
		return
	}
	m.MalformedLines.Add(ctx, 1)
}

// RecordBargeIn counts one user interruption.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	if m == nil {
		return
	}
	m.BargeIns.Add(ctx, 1)
}

// AddPending adjusts the playback queue gauge by delta.
func (m *Metrics) AddPending(ctx context.Context, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.PlaybackPending.Add(ctx, delta)
}

// RecordProviderRequest counts one provider call. kind is the pipeline stage
// ("stt", "tts", "wakeword", "ai").
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	if m == nil {
		return
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind), Attr("status", status)))
}

// RecordProviderError counts one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}

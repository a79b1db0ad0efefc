// Package observe provides application-wide observability primitives for
// orbvoice: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware for the status server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// through the Prometheus bridge set up by [InitProvider]. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all orbvoice metrics.
const meterName = "github.com/MrWong99/orbvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Turns ---

	// TurnDuration tracks turn length. Attributes: kind (user, agent),
	// outcome.
	TurnDuration metric.Float64Histogram

	// FirstContentLatency tracks the delay between the end of a user turn and
	// the first agent audio or text.
	FirstContentLatency metric.Float64Histogram

	// Turns counts completed turns. Attributes: kind, outcome.
	Turns metric.Int64Counter

	// --- Audio ---

	// FramesSent counts user audio frames written to the connection,
	// including end-of-turn silence. Attribute: synthetic (true, false).
	FramesSent metric.Int64Counter

	// FramesPlayed counts agent audio frames submitted to the speaker.
	FramesPlayed metric.Int64Counter

	// --- Connection ---

	// Connects counts connection attempts. Attribute: result (ok, error,
	// fatal).
	Connects metric.Int64Counter

	// Pongs counts answered liveness probes. Attribute: owner.
	Pongs metric.Int64Counter

	// MalformedMessages counts inbound frames that failed to decode.
	MalformedMessages metric.Int64Counter

	// ActiveSessions is 1 while a conversation session is connected.
	ActiveSessions metric.Int64UpDownCounter

	// --- Hardware ---

	// HardwareEvents counts debounced events. Attribute: source (button, tag).
	HardwareEvents metric.Int64Counter

	// InboxDrops counts events dropped because the inbox was full.
	InboxDrops metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks status server request time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for turn
// and response latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("orbvoice.turn.duration",
		metric.WithDescription("Duration of user and agent turns."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstContentLatency, err = m.Float64Histogram("orbvoice.agent.first_content",
		metric.WithDescription("Delay from end of user turn to first agent content."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("orbvoice.turns",
		metric.WithDescription("Completed turns by kind and outcome."),
	); err != nil {
		return nil, err
	}

	if met.FramesSent, err = m.Int64Counter("orbvoice.audio.frames_sent",
		metric.WithDescription("User audio frames sent to the agent."),
	); err != nil {
		return nil, err
	}
	if met.FramesPlayed, err = m.Int64Counter("orbvoice.audio.frames_played",
		metric.WithDescription("Agent audio frames submitted for playback."),
	); err != nil {
		return nil, err
	}

	if met.Connects, err = m.Int64Counter("orbvoice.connects",
		metric.WithDescription("Connection attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.Pongs, err = m.Int64Counter("orbvoice.pongs",
		metric.WithDescription("Liveness probes answered."),
	); err != nil {
		return nil, err
	}
	if met.MalformedMessages, err = m.Int64Counter("orbvoice.messages.malformed",
		metric.WithDescription("Inbound frames that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("orbvoice.active_sessions",
		metric.WithDescription("Connected conversation sessions."),
	); err != nil {
		return nil, err
	}

	if met.HardwareEvents, err = m.Int64Counter("orbvoice.hardware.events",
		metric.WithDescription("Debounced hardware events by source."),
	); err != nil {
		return nil, err
	}
	if met.InboxDrops, err = m.Int64Counter("orbvoice.hardware.inbox_drops",
		metric.WithDescription("Hardware events dropped from a full inbox."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("orbvoice.http.request.duration",
		metric.WithDescription("Status server request duration."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurn records one completed turn.
func (m *Metrics) RecordTurn(ctx context.Context, kind, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordConnect records one connection attempt.
func (m *Metrics) RecordConnect(ctx context.Context, result string) {
	m.Connects.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordHardwareEvent records one debounced hardware event.
func (m *Metrics) RecordHardwareEvent(ctx context.Context, source string) {
	m.HardwareEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordFramesSent records sent user frames.
func (m *Metrics) RecordFramesSent(ctx context.Context, n int, synthetic bool) {
	if n <= 0 {
		return
	}
	m.FramesSent.Add(ctx, int64(n), metric.WithAttributes(attribute.Bool("synthetic", synthetic)))
}

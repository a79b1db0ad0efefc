package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/orbvoice/internal/observe"
)

// LogSink writes one structured line per turn.
type LogSink struct {
	Logger *slog.Logger
}

// Write implements [Sink].
func (s LogSink) Write(ctx context.Context, rec TurnRecord) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelInfo
	if rec.Outcome == OutcomeFailed || rec.Outcome == OutcomeAborted {
		level = slog.LevelWarn
	}
	l.LogAttrs(ctx, level, "turn finished",
		slog.String("session_id", rec.SessionID),
		slog.Int("turn", rec.Turn),
		slog.String("kind", string(rec.Kind)),
		slog.String("outcome", string(rec.Outcome)),
		slog.String("reason", rec.Reason),
		slog.Duration("duration", rec.Duration),
		slog.Int("frames_sent", rec.FramesSent),
		slog.Int("frames_played", rec.FramesPlayed),
		slog.Int("text_parts", rec.TextParts),
		slog.Duration("first_content", rec.FirstContent),
		slog.Int("stale_content", rec.StaleContent),
		slog.String("trace_id", rec.TraceID),
	)
	return nil
}

// MetricsSink records turns into OpenTelemetry instruments.
type MetricsSink struct {
	Metrics *observe.Metrics
}

// Write implements [Sink].
func (s MetricsSink) Write(ctx context.Context, rec TurnRecord) error {
	m := s.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	m.RecordTurn(ctx, string(rec.Kind), string(rec.Outcome), rec.Duration)
	m.RecordFramesSent(ctx, rec.FramesSent, false)
	m.RecordFramesSent(ctx, rec.SilenceFrames, true)
	if rec.FramesPlayed > 0 {
		m.FramesPlayed.Add(ctx, int64(rec.FramesPlayed))
	}
	if rec.Kind == KindAgent && rec.FirstContent > 0 {
		m.FirstContentLatency.Record(ctx, rec.FirstContent.Seconds(),
			metric.WithAttributes(attribute.String("mode", rec.Mode)))
	}
	return nil
}

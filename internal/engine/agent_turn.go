package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/orbvoice/internal/channel"
	"github.com/MrWong99/orbvoice/internal/display"
	"github.com/MrWong99/orbvoice/internal/observe"
	"github.com/MrWong99/orbvoice/internal/protocol"
	"github.com/MrWong99/orbvoice/internal/telemetry"
)

// agentDrain collects the agent's reply for one turn.
type agentDrain struct {
	s     *session
	start time.Time

	firstContent time.Time
	lastContent  time.Time
	chunks       int
	texts        int
	skipped      int
	stale        int

	interrupted bool
	// Audio with an event id at or below voidThrough belongs to an
	// interrupted response and is not played.
	voidThrough int64
}

// agentTurn receives and plays the agent's reply. The caller holds receive
// ownership for the whole turn. The turn ends once content has arrived and
// then stopped for ContentIdle plus GraceDrain, or when no content has
// arrived within FirstContentMax.
func (s *session) agentTurn(ctx context.Context, n int) error {
	e := s.e
	e.setState(StateAgentTurnActive)
	e.show(display.StatusLoading)

	ctx, span := turnSpan(ctx, "engine.agent_turn", n, s.mode)
	defer span.End()

	d := &agentDrain{s: s, start: time.Now(), voidThrough: -1}
	playedBefore := e.clock.FramesPlayed()

	outcome, reason, err := d.settleDeferred(ctx)
	if err == nil {
		outcome, reason, err = d.run(ctx)
	}
	switch {
	case err != nil:
		// Partial audio from an aborted turn is not worth finishing.
		e.clock.DropPlayback()
	case d.interrupted:
		e.clock.DropPlayback()
	default:
		if ferr := e.clock.FlushPlayback(ctx); ferr != nil {
			err = deviceErr(ctx, ferr)
			outcome, reason = telemetry.OutcomeAborted, abortReason(err)
		}
	}

	rec := telemetry.TurnRecord{
		SessionID:      s.id,
		ConversationID: s.conversationID,
		TraceID:        observe.CorrelationID(ctx),
		Turn:           n,
		Kind:           telemetry.KindAgent,
		Mode:           s.mode.String(),
		Started:        d.start,
		Duration:       time.Since(d.start),
		AudioChunks:    d.chunks,
		FramesPlayed:   e.clock.FramesPlayed() - playedBefore,
		TextParts:      d.texts,
		StaleContent:   d.stale,
		Outcome:        outcome,
		Reason:         reason,
	}
	if !d.firstContent.IsZero() {
		rec.FirstContent = d.firstContent.Sub(d.start)
	}
	e.record(rec)

	span.SetAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.Int("audio_chunks", d.chunks),
		attribute.Int("text_parts", d.texts),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		return err
	}

	switch outcome {
	case telemetry.OutcomeFailed:
		slog.Warn("engine: agent turn failed", "turn", n, "reason", reason)
	default:
		slog.Info("engine: agent turn finished",
			"turn", n,
			"outcome", string(outcome),
			"audio_chunks", d.chunks,
			"frames_played", rec.FramesPlayed,
			"first_content", rec.FirstContent,
			"skipped", d.skipped,
			"stale", d.stale,
		)
	}
	return nil
}

// settleDeferred consumes what the keepalive guard set aside since the last
// turn. That traffic predates the current request, so leftover content and
// interruptions belong to the previous response: they are counted, never
// played. Everything else is handled as usual.
func (d *agentDrain) settleDeferred(ctx context.Context) (telemetry.Outcome, string, error) {
	msgs, err := d.s.gate.TakeDeferred(channel.OwnerTurn)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrOwnership, err)
		return telemetry.OutcomeAborted, abortReason(err), err
	}
	for _, m := range msgs {
		if _, ok := m.(protocol.Interruption); ok || protocol.IsContent(m) {
			d.stale++
			continue
		}
		if _, err := d.handle(ctx, m); err != nil {
			return telemetry.OutcomeAborted, abortReason(err), err
		}
	}
	if d.stale > 0 {
		slog.Info("engine: stale agent content discarded", "messages", d.stale)
	}
	return "", "", nil
}

func (d *agentDrain) run(ctx context.Context) (telemetry.Outcome, string, error) {
	t := d.s.e.cfg.Timings
	for {
		var timeout time.Duration
		if d.firstContent.IsZero() {
			left := t.FirstContentMax - time.Since(d.start)
			if left <= 0 {
				// Give anything already in flight one last chance.
				got, err := d.grace(ctx)
				if err != nil {
					return telemetry.OutcomeAborted, abortReason(err), err
				}
				if !got {
					return telemetry.OutcomeFailed, "no_content", nil
				}
				continue
			}
			timeout = min(left, t.ReceivePoll)
		} else {
			left := t.ContentIdle - time.Since(d.lastContent)
			if left <= 0 {
				got, err := d.grace(ctx)
				if err != nil {
					return telemetry.OutcomeAborted, abortReason(err), err
				}
				if !got {
					o, r := d.outcome()
					return o, r, nil
				}
				continue
			}
			timeout = left
		}

		m, err := d.s.gate.Receive(ctx, channel.OwnerTurn, timeout)
		if errors.Is(err, channel.ErrTimeout) {
			continue
		}
		if err != nil {
			return telemetry.OutcomeAborted, abortReason(err), err
		}
		if _, err := d.handle(ctx, m); err != nil {
			return telemetry.OutcomeAborted, abortReason(err), err
		}
	}
}

// grace keeps receiving for GraceDrain and reports whether new content
// arrived. It returns as soon as it does.
func (d *agentDrain) grace(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(d.s.e.cfg.Timings.GraceDrain)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return false, nil
		}
		m, err := d.s.gate.Receive(ctx, channel.OwnerTurn, left)
		if errors.Is(err, channel.ErrTimeout) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		content, err := d.handle(ctx, m)
		if err != nil {
			return false, err
		}
		if content {
			return true, nil
		}
	}
}

func (d *agentDrain) outcome() (telemetry.Outcome, string) {
	switch {
	case d.interrupted:
		return telemetry.OutcomeInterrupted, "interruption"
	case d.texts == 0:
		return telemetry.OutcomeFailed, "no_text"
	default:
		return telemetry.OutcomeComplete, ""
	}
}

func (d *agentDrain) markContent() {
	now := time.Now()
	if d.firstContent.IsZero() {
		d.firstContent = now
		d.s.e.show(display.StatusAgentSpeaking)
	}
	d.lastContent = now
}

// handle processes one inbound message and reports whether it was content.
func (d *agentDrain) handle(ctx context.Context, m protocol.Inbound) (bool, error) {
	s, e := d.s, d.s.e
	switch v := m.(type) {
	case protocol.Audio:
		if v.EventID <= d.voidThrough {
			d.skipped++
			return false, nil
		}
		if !protocol.IsContent(v) {
			return false, nil
		}
		d.markContent()
		d.chunks++
		if _, err := e.clock.Play(ctx, v.PCM); err != nil {
			return true, deviceErr(ctx, err)
		}
		return true, nil

	case protocol.AgentResponse:
		if !protocol.IsContent(v) {
			return false, nil
		}
		d.markContent()
		d.texts++
		slog.Info("engine: agent said", "text", v.Text)
		display.Caption(e.display, "agent", v.Text)
		return true, nil

	case protocol.AgentResponseCorrection:
		slog.Debug("engine: agent response corrected", "corrected", v.Corrected)
		display.Caption(e.display, "agent", v.Corrected)

	case protocol.UserTranscript:
		slog.Info("engine: user said", "text", v.Text)
		display.Caption(e.display, "user", v.Text)

	case protocol.Ping:
		if err := s.gate.Send(ctx, protocol.Pong{EventID: v.EventID}); err != nil {
			return false, fmt.Errorf("engine: pong: %w", err)
		}
		if e.metrics != nil {
			e.metrics.Pongs.Add(ctx, 1)
		}

	case protocol.Interruption:
		d.interrupted = true
		d.voidThrough = max(d.voidThrough, v.EventID)
		dropped := e.clock.DropPlayback()
		slog.Info("engine: agent interrupted", "event_id", v.EventID, "dropped_bytes", dropped)

	case protocol.Metadata:
		s.conversationID = v.ConversationID
		slog.Info("engine: conversation started",
			"conversation_id", v.ConversationID,
			"output_format", v.OutputFormat,
			"input_format", v.InputFormat,
		)
		if v.OutputFormat != "" && v.OutputFormat != protocol.PCMFormat {
			slog.Warn("engine: unexpected agent audio format", "format", v.OutputFormat)
		}

	default:
		slog.Debug("engine: message ignored", "type", m.Kind())
	}
	return false, nil
}

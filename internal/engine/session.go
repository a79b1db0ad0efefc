package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/orbvoice/internal/channel"
	"github.com/MrWong99/orbvoice/internal/display"
	"github.com/MrWong99/orbvoice/internal/hardware"
	"github.com/MrWong99/orbvoice/internal/keepalive"
	"github.com/MrWong99/orbvoice/internal/observe"
	"github.com/MrWong99/orbvoice/internal/protocol"
	"github.com/MrWong99/orbvoice/internal/segmenter"
	"github.com/MrWong99/orbvoice/internal/tags"
	"github.com/MrWong99/orbvoice/internal/telemetry"
	"github.com/MrWong99/orbvoice/pkg/audio"
)

// SessionOptions configures one connected session.
type SessionOptions struct {
	// ID identifies the session in logs and turn records.
	ID string

	// Greeting lets the agent speak first. Reconnects within one activation
	// pass false so the agent does not greet twice.
	Greeting bool
}

type session struct {
	e     *Engine
	id    string
	mode  Mode
	gate  *channel.Gate
	guard *keepalive.Guard

	conversationID string
}

// RunSession drives turns over conn until ctx is cancelled, the connection
// fails, or a reload tag is read ([ErrReload]). The caller owns conn and
// closes it afterwards. On return the engine is Idle.
func (e *Engine) RunSession(ctx context.Context, conn channel.Conn, opts SessionOptions) error {
	e.applyPending()
	gate := channel.NewGate(conn)
	s := &session{
		e:     e,
		id:    opts.ID,
		mode:  e.Mode(),
		gate:  gate,
		guard: keepalive.New(gate, e.cfg.Keepalive),
	}
	defer s.close()
	if e.button != nil {
		e.button.SetProfile(buttonProfile(s.mode))
	}

	slog.Info("engine: session started", "session_id", s.id, "mode", s.mode.String(), "greeting", opts.Greeting)

	if err := gate.Send(ctx, protocol.Initiation{SuppressGreeting: !opts.Greeting}); err != nil {
		return fmt.Errorf("engine: initiation: %w", err)
	}
	if opts.Greeting {
		if err := s.greet(ctx); err != nil {
			return err
		}
	}

	for {
		if err := s.guard.Start(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrOwnership, err)
		}
		t, err := s.awaitUser(ctx)
		if err != nil {
			return err
		}
		if err := s.turn(ctx, t); err != nil {
			return err
		}
	}
}

func (s *session) close() {
	if err := s.guard.Revoke(); err != nil {
		slog.Warn("engine: keepalive did not stop", "err", err)
	}
	if s.gate.Holder() == channel.OwnerTurn {
		_ = s.gate.Release(channel.OwnerTurn)
	}
	if n := s.gate.Dropped(); n > 0 {
		slog.Warn("engine: deferred messages lost to a full queue", "session_id", s.id, "count", n)
	}
	s.e.clock.DropPlayback()
	s.e.setState(StateIdle)
}

// acquire moves receive ownership from the keepalive guard to the engine.
// When it returns nil the guard has provably stopped reading.
func (s *session) acquire() error {
	if err := s.guard.Err(); err != nil {
		return err
	}
	if err := s.guard.Revoke(); err != nil {
		return fmt.Errorf("%w: %w", ErrOwnership, err)
	}
	if err := s.gate.Acquire(channel.OwnerTurn); err != nil {
		return fmt.Errorf("%w: %w", ErrOwnership, err)
	}
	return nil
}

func (s *session) release() error {
	if err := s.gate.Release(channel.OwnerTurn); err != nil {
		return fmt.Errorf("%w: %w", ErrOwnership, err)
	}
	return nil
}

func (s *session) greet(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		return err
	}
	if err := s.gate.Send(ctx, protocol.UserActivity{}); err != nil {
		return fmt.Errorf("engine: greeting: %w", err)
	}
	if err := s.agentTurn(ctx, 0); err != nil {
		return err
	}
	return s.release()
}

// ── Awaiting user speech ─────────────────────────────────────────────────────

type triggerKind int

const (
	trigSpeech triggerKind = iota
	trigPress
	trigPhrase
	trigReload
)

type trigger struct {
	kind   triggerKind
	at     time.Time
	frames []audio.Frame
	phrase string
	uid    string
}

func (s *session) showReady() {
	switch {
	case s.mode == ModeManual, s.e.muted:
		s.e.show(display.StatusMuted)
	default:
		s.e.show(display.StatusListening)
	}
}

// awaitUser is the listening state. The keepalive guard owns the receive
// side throughout; the engine reads the microphone and the inbox.
func (s *session) awaitUser(ctx context.Context) (trigger, error) {
	e := s.e
	e.setState(StateAwaitingUserSpeech)
	s.showReady()
	e.clock.DiscardCaptured()
	if s.mode == ModeVoice {
		e.seg.Reset()
		e.vad.Reset()
	}

	for {
		if err := ctx.Err(); err != nil {
			return trigger{}, err
		}
		if err := s.guard.Err(); err != nil {
			return trigger{}, err
		}
		if ev, ok := e.inbox.TryNext(); ok {
			e.countEvent(ctx, ev)
			if t, ok := s.onAwaitEvent(ctx, ev); ok {
				return t, nil
			}
			continue
		}

		f, err := e.clock.NextCaptureFrame(ctx)
		if err != nil {
			return trigger{}, deviceErr(ctx, err)
		}
		if s.mode != ModeVoice {
			continue
		}
		r := s.segment(f)
		if r.Discarded {
			slog.Debug("engine: speech too short, discarded",
				"speech_frames", r.Segment.SpeechFrames, "spoken", r.Segment.Spoken())
		}
		if r.Started {
			return trigger{kind: trigSpeech, at: time.Now(), frames: r.Frames}, nil
		}
	}
}

func (s *session) onAwaitEvent(ctx context.Context, ev hardware.Event) (trigger, bool) {
	switch ev := ev.(type) {
	case hardware.ButtonEdge:
		if !ev.Pressed {
			return trigger{}, false
		}
		if s.mode == ModeManual {
			return trigger{kind: trigPress, at: ev.At}, true
		}
		s.toggleMute()

	case hardware.TagRead:
		res := s.e.resolve(ev.ID)
		switch res.Kind {
		case tags.KindPhrase:
			s.e.show(display.StatusTag)
			s.e.playCue(ctx)
			return trigger{kind: trigPhrase, at: ev.At, phrase: res.Phrase, uid: res.UID}, true
		case tags.KindReload:
			s.e.show(display.StatusLoading)
			s.e.playCue(ctx)
			return trigger{kind: trigReload, at: ev.At, uid: res.UID}, true
		case tags.KindBegin:
			slog.Debug("engine: begin tag ignored, session already active")
		default:
			slog.Debug("engine: unknown tag", "uid", ev.ID)
		}
	}
	return trigger{}, false
}

func (s *session) toggleMute() {
	e := s.e
	e.muted = !e.muted
	slog.Info("engine: mute toggled", "muted", e.muted)
	switch {
	case e.muted:
		e.show(display.StatusMuted)
	case e.State() == StateUserTurnActive:
		e.show(display.StatusUserSpeaking)
	default:
		e.show(display.StatusListening)
	}
}

// segment classifies f and runs it through the segmenter. Muted frames are
// still read from the device but enter the segmenter as silence, so they are
// never transmitted.
func (s *session) segment(f audio.Frame) segmenter.Result {
	e := s.e
	if e.muted {
		clear(f.Data)
		return e.seg.Push(f, false)
	}
	ev, err := e.vad.ProcessFrame(f.Data)
	if err != nil {
		slog.Debug("engine: classifier failed, treating frame as silence", "seq", f.Seq, "err", err)
		return e.seg.Push(f, false)
	}
	return e.seg.Push(f, ev.Speech)
}

// ── Turns ────────────────────────────────────────────────────────────────────

func (s *session) turn(ctx context.Context, t trigger) error {
	e := s.e
	switch t.kind {
	case trigReload:
		e.runReload(ctx)
		return ErrReload

	case trigPhrase:
		if age := time.Since(t.at); age > e.cfg.Timings.PhraseMaxWait {
			slog.Warn("engine: tag phrase abandoned", "uid", t.uid, "age", age)
			return nil
		}
		if err := s.acquire(); err != nil {
			return err
		}
		n := int(e.turns.Add(1))
		start := time.Now()
		err := s.inject(ctx, t.phrase)
		s.recordUser(ctx, n, start, userResult{end: endPhrase, phrase: t.phrase}, err)
		if err != nil {
			return err
		}
		if err := s.agentTurn(ctx, n); err != nil {
			return err
		}
		return s.release()
	}

	if err := s.acquire(); err != nil {
		return err
	}
	start := t.at
	res, err := s.userTurn(ctx, t)
	n := e.Turns()
	if err == nil && res.end != endDiscarded && res.end != endReload {
		n = int(e.turns.Add(1))
	}
	if err != nil {
		s.recordUser(ctx, n, start, res, err)
		return err
	}

	switch res.end {
	case endDiscarded:
		slog.Debug("engine: user turn discarded", "reason", res.reason)
		s.recordUser(ctx, n, start, res, nil)
		return s.release()

	case endReload:
		if err := s.release(); err != nil {
			return err
		}
		e.runReload(ctx)
		return ErrReload

	case endPhrase:
		err = s.inject(ctx, res.phrase)

	default:
		res.silence, err = s.silenceGate(ctx)
	}
	s.recordUser(ctx, n, start, res, err)
	if err != nil {
		return err
	}
	if err := s.agentTurn(ctx, n); err != nil {
		return err
	}
	return s.release()
}

// inject sends a tag phrase as if the user had said it. The caller holds
// receive ownership so the reply cannot reach the keepalive guard.
func (s *session) inject(ctx context.Context, phrase string) error {
	slog.Info("engine: injecting tag phrase", "text", phrase)
	if err := s.gate.Send(ctx, protocol.UserMessage{Text: phrase}); err != nil {
		return fmt.Errorf("engine: send phrase: %w", err)
	}
	return nil
}

// silenceGate sends the end-of-turn marker the remote side expects.
func (s *session) silenceGate(ctx context.Context) (int, error) {
	e := s.e
	e.setState(StateSilenceGate)
	e.show(display.StatusLoading)
	t := e.cfg.Timings

	var pace *time.Ticker
	if t.SilencePacing > 0 {
		pace = time.NewTicker(t.SilencePacing)
		defer pace.Stop()
	}
	for i := range t.EndSilenceFrames {
		if err := s.gate.Send(ctx, protocol.AudioChunk{PCM: audio.SilenceFrame()}); err != nil {
			return i, fmt.Errorf("engine: send silence: %w", err)
		}
		if pace == nil || i == t.EndSilenceFrames-1 {
			continue
		}
		select {
		case <-ctx.Done():
			return i + 1, ctx.Err()
		case <-pace.C:
		}
	}
	return t.EndSilenceFrames, nil
}

func (s *session) sendFrames(ctx context.Context, frames []audio.Frame) (int, error) {
	for i, f := range frames {
		if err := s.gate.Send(ctx, protocol.AudioChunk{PCM: f.Data}); err != nil {
			return i, fmt.Errorf("engine: send audio: %w", err)
		}
	}
	return len(frames), nil
}

func (s *session) recordUser(ctx context.Context, n int, start time.Time, res userResult, err error) {
	rec := telemetry.TurnRecord{
		SessionID:      s.id,
		ConversationID: s.conversationID,
		TraceID:        observe.CorrelationID(ctx),
		Turn:           n,
		Kind:           telemetry.KindUser,
		Mode:           s.mode.String(),
		Started:        start,
		Duration:       time.Since(start),
		FramesSent:     res.framesSent,
		SilenceFrames:  res.silence,
		Injected:       res.end == endPhrase,
		Outcome:        telemetry.OutcomeComplete,
		Reason:         res.reason,
	}
	switch {
	case err != nil:
		rec.Outcome, rec.Reason = telemetry.OutcomeAborted, abortReason(err)
	case res.end == endDiscarded:
		rec.Outcome = telemetry.OutcomeDiscarded
	case res.end == endPhrase && rec.Reason == "":
		rec.Reason = "tag_phrase"
	}
	s.e.record(rec)
}

func abortReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "stopped"
	case errors.Is(err, channel.ErrClosed):
		return "connection_closed"
	case errors.Is(err, ErrDevice):
		return "device"
	case errors.Is(err, ErrOwnership):
		return "ownership"
	default:
		return "error"
	}
}

func deviceErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %w", ErrDevice, err)
}

func turnSpan(ctx context.Context, name string, n int, mode Mode) (context.Context, trace.Span) {
	return observe.StartSpan(ctx, name, trace.WithAttributes(
		attribute.Int("turn", n),
		attribute.String("mode", mode.String()),
	))
}

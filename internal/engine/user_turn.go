package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/orbvoice/internal/display"
	"github.com/MrWong99/orbvoice/internal/hardware"
	"github.com/MrWong99/orbvoice/internal/tags"
	"github.com/MrWong99/orbvoice/pkg/audio"
)

type userEnd int

const (
	endComplete userEnd = iota
	endDiscarded
	endPhrase
	endReload
)

type userResult struct {
	end        userEnd
	phrase     string
	reason     string
	framesSent int
	silence    int
}

// userTurn streams captured audio until the turn ends. The caller holds
// receive ownership.
func (s *session) userTurn(ctx context.Context, t trigger) (userResult, error) {
	e := s.e
	e.setState(StateUserTurnActive)
	if !e.muted {
		e.show(display.StatusUserSpeaking)
	}
	ctx, span := turnSpan(ctx, "engine.user_turn", e.Turns()+1, s.mode)
	defer span.End()

	if s.mode == ModeManual {
		return s.manualTurn(ctx, t.at)
	}
	return s.voiceTurn(ctx, t.frames)
}

// manualTurn runs a push-to-talk turn opened by a press at pressAt; the next
// button edge ends it. Audio is held back until the button has been down for
// MinHold and a shorter hold sends nothing. Hold time is measured between
// edge timestamps, so queued edges are judged by when they happened rather
// than when they were read.
func (s *session) manualTurn(ctx context.Context, pressAt time.Time) (userResult, error) {
	e := s.e
	minHold := e.cfg.Timings.MinHold
	var (
		held []audio.Frame
		live bool
		sent int
	)
	for {
		if ev, ok := e.inbox.TryNext(); ok {
			e.countEvent(ctx, ev)
			switch ev := ev.(type) {
			case hardware.ButtonEdge:
				// A press while held means the release was lost; end the
				// turn there rather than stream forever.
				if ev.Pressed {
					slog.Debug("engine: press during manual turn, ending turn")
				}
				if !live && ev.At.Sub(pressAt) < minHold {
					return userResult{end: endDiscarded, reason: "short_hold"}, nil
				}
				if !live {
					n, err := s.sendFrames(ctx, held)
					sent += n
					if err != nil {
						return userResult{framesSent: sent}, err
					}
				}
				if sent == 0 {
					return userResult{end: endDiscarded, reason: "no_audio"}, nil
				}
				return userResult{end: endComplete, framesSent: sent}, nil

			case hardware.TagRead:
				if r, stop := s.tagDuringTurn(ctx, ev); stop {
					r.framesSent = sent
					return r, nil
				}
			}
			continue
		}

		f, err := e.clock.NextCaptureFrame(ctx)
		if err != nil {
			return userResult{framesSent: sent}, deviceErr(ctx, err)
		}
		held = append(held, f)
		if !live {
			if time.Since(pressAt) < minHold {
				continue
			}
			live = true
		}
		n, err := s.sendFrames(ctx, held)
		sent += n
		held = held[:0]
		if err != nil {
			return userResult{framesSent: sent}, err
		}
	}
}

// voiceTurn streams segmenter output until the segmenter reports the end of
// speech. initial holds the frames released when the turn was validated.
func (s *session) voiceTurn(ctx context.Context, initial []audio.Frame) (userResult, error) {
	e := s.e
	sent, err := s.sendFrames(ctx, initial)
	if err != nil {
		return userResult{framesSent: sent}, err
	}
	for {
		if ev, ok := e.inbox.TryNext(); ok {
			e.countEvent(ctx, ev)
			switch ev := ev.(type) {
			case hardware.ButtonEdge:
				if ev.Pressed {
					s.toggleMute()
				}
			case hardware.TagRead:
				if r, stop := s.tagDuringTurn(ctx, ev); stop {
					e.seg.End()
					r.framesSent = sent
					return r, nil
				}
			}
			continue
		}

		f, err := e.clock.NextCaptureFrame(ctx)
		if err != nil {
			return userResult{framesSent: sent}, deviceErr(ctx, err)
		}
		r := s.segment(f)
		n, err := s.sendFrames(ctx, r.Frames)
		sent += n
		if err != nil {
			return userResult{framesSent: sent}, err
		}
		if r.Ended {
			slog.Debug("engine: speech ended",
				"spoken", r.Segment.Spoken(), "frames_sent", sent)
			return userResult{end: endComplete, framesSent: sent}, nil
		}
	}
}

// tagDuringTurn handles a tag read while the user is speaking. A phrase tag
// replaces the spoken turn; a reload tag aborts it.
func (s *session) tagDuringTurn(ctx context.Context, ev hardware.TagRead) (userResult, bool) {
	res := s.e.resolve(ev.ID)
	switch res.Kind {
	case tags.KindPhrase:
		s.e.show(display.StatusTag)
		s.e.playCue(ctx)
		return userResult{end: endPhrase, phrase: res.Phrase, reason: "tag"}, true
	case tags.KindReload:
		s.e.show(display.StatusLoading)
		s.e.playCue(ctx)
		return userResult{end: endReload, reason: "reload"}, true
	default:
		slog.Debug("engine: tag ignored during user turn", "uid", ev.ID, "kind", res.Kind.String())
		return userResult{}, false
	}
}

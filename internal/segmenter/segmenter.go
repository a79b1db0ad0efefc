// Package segmenter turns a stream of classified audio frames into validated
// user turns for voice-activated input.
//
// The [Segmenter] applies temporal policy on top of a per-frame speech/silence
// classification:
//
//   - idle → gating on the first speech frame. The last PrerollFrames frames
//     before it are kept so speech onset is not clipped.
//   - gating → speaking after StartGateFrames consecutive speech frames.
//     A silence frame while gating falls back to idle.
//   - speaking → idle once EndSilenceFrames consecutive silence frames have
//     been seen.
//
// A turn is only released once its accumulated speech reaches MinSpoken. Until
// then all frames of the attempt are held, so an attempt that ends too early is
// discarded without a single frame having left the device. Once validated,
// frames are released as they arrive, except silence: a pause is held until
// speech resumes, and the trailing silence that ends the turn is dropped
// because the engine sends its own end-of-turn marker.
package segmenter

import (
	"time"

	"github.com/MrWong99/orbvoice/pkg/audio"
)

// State is the segmenter's position in the idle → gating → speaking cycle.
type State int

const (
	StateIdle State = iota
	StateGating
	StateSpeaking
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGating:
		return "gating"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Config holds the segmentation policy.
type Config struct {
	// PrerollFrames is the number of frames before speech onset included at
	// the start of a turn. Default: 5. Negative disables preroll.
	PrerollFrames int

	// StartGateFrames is the number of consecutive speech frames that confirm
	// speech onset. Default: 8 (240 ms).
	StartGateFrames int

	// EndSilenceFrames is the number of consecutive silence frames that end a
	// turn. Default: 50 (1.5 s).
	EndSilenceFrames int

	// MinSpoken is the minimum accumulated speech for a turn to be valid.
	// Default: 600 ms.
	MinSpoken time.Duration
}

// DefaultConfig returns the device defaults.
func DefaultConfig() Config {
	return Config{
		PrerollFrames:    5,
		StartGateFrames:  8,
		EndSilenceFrames: 50,
		MinSpoken:        600 * time.Millisecond,
	}
}

// Segment summarises the current or last turn attempt.
type Segment struct {
	SpeechFrames  int
	SilenceFrames int
	PrerollFrames int
}

// Spoken returns the accumulated speech duration.
func (s Segment) Spoken() time.Duration {
	return time.Duration(s.SpeechFrames) * audio.FrameDuration
}

// Result reports what a single [Segmenter.Push] produced.
type Result struct {
	// Frames are released for transmission, in capture order.
	Frames []audio.Frame

	// Started is set on the push that validated a turn. Frames then begins
	// with the preroll.
	Started bool

	// Ended is set on the push that ended a validated turn.
	Ended bool

	// Discarded is set when an attempt ended before reaching MinSpoken.
	Discarded bool

	// Segment is a snapshot of the attempt after this push.
	Segment Segment
}

// Segmenter implements the voice segmentation policy. It is not safe for
// concurrent use.
type Segmenter struct {
	cfg       Config
	minFrames int

	state      State
	preroll    []audio.Frame
	held       []audio.Frame
	validated  bool
	gateRun    int
	silenceRun int
	seg        Segment
}

// New creates a Segmenter. Zero fields in cfg take their defaults.
func New(cfg Config) *Segmenter {
	def := DefaultConfig()
	if cfg.PrerollFrames < 0 {
		cfg.PrerollFrames = 0
	} else if cfg.PrerollFrames == 0 {
		cfg.PrerollFrames = def.PrerollFrames
	}
	if cfg.StartGateFrames <= 0 {
		cfg.StartGateFrames = def.StartGateFrames
	}
	if cfg.EndSilenceFrames <= 0 {
		cfg.EndSilenceFrames = def.EndSilenceFrames
	}
	if cfg.MinSpoken <= 0 {
		cfg.MinSpoken = def.MinSpoken
	}
	return &Segmenter{
		cfg:       cfg,
		minFrames: audio.FramesFor(cfg.MinSpoken),
		preroll:   make([]audio.Frame, 0, cfg.PrerollFrames),
	}
}

// State returns the current state.
func (s *Segmenter) State() State { return s.state }

// Segment returns the current attempt's counters.
func (s *Segmenter) Segment() Segment { return s.seg }

// Push feeds one classified frame through the policy.
func (s *Segmenter) Push(f audio.Frame, speech bool) Result {
	var res Result
	switch s.state {
	case StateIdle:
		if !speech {
			s.remember(f)
			break
		}
		s.state = StateGating
		s.gateRun = 1
		s.seg = Segment{SpeechFrames: 1, PrerollFrames: len(s.preroll)}
		s.held = append(s.held[:0], s.preroll...)
		s.held = append(s.held, f)
		s.preroll = s.preroll[:0]
		if s.gateRun >= s.cfg.StartGateFrames {
			s.state = StateSpeaking
			s.validate(&res)
		}

	case StateGating:
		if !speech {
			for _, h := range s.held {
				s.remember(h)
			}
			s.remember(f)
			s.clearAttempt()
			break
		}
		s.gateRun++
		s.seg.SpeechFrames++
		s.held = append(s.held, f)
		if s.gateRun >= s.cfg.StartGateFrames {
			s.state = StateSpeaking
			s.validate(&res)
		}

	case StateSpeaking:
		s.held = append(s.held, f)
		if speech {
			s.silenceRun = 0
			s.seg.SpeechFrames++
			if s.validated {
				res.Frames = s.release()
			} else {
				s.validate(&res)
			}
			break
		}
		s.silenceRun++
		s.seg.SilenceFrames++
		if s.silenceRun < s.cfg.EndSilenceFrames {
			break
		}
		if s.validated {
			res.Ended = true
		} else {
			res.Discarded = true
		}
		// Trailing silence seeds the preroll of the next attempt.
		for _, h := range s.held[max(0, len(s.held)-s.cfg.PrerollFrames):] {
			s.remember(h)
		}
		res.Segment = s.seg
		s.clearAttempt()
		return res
	}
	res.Segment = s.seg
	return res
}

// End force-ends the attempt in progress, for example when a tag phrase
// replaces the spoken turn. It reports whether a validated turn was open.
// Held frames are dropped.
func (s *Segmenter) End() (Segment, bool) {
	seg, ok := s.seg, s.validated
	s.clearAttempt()
	s.preroll = s.preroll[:0]
	return seg, ok
}

// Reset returns to idle and forgets the preroll.
func (s *Segmenter) Reset() {
	s.clearAttempt()
	s.preroll = s.preroll[:0]
}

func (s *Segmenter) validate(res *Result) {
	if s.seg.SpeechFrames < s.minFrames {
		return
	}
	s.validated = true
	res.Started = true
	res.Frames = s.release()
}

func (s *Segmenter) release() []audio.Frame {
	out := make([]audio.Frame, len(s.held))
	copy(out, s.held)
	s.held = s.held[:0]
	return out
}

func (s *Segmenter) remember(f audio.Frame) {
	if s.cfg.PrerollFrames == 0 {
		return
	}
	if len(s.preroll) == s.cfg.PrerollFrames {
		n := copy(s.preroll, s.preroll[1:])
		s.preroll = s.preroll[:n]
	}
	s.preroll = append(s.preroll, f)
}

func (s *Segmenter) clearAttempt() {
	s.state = StateIdle
	s.held = s.held[:0]
	s.validated = false
	s.gateRun = 0
	s.silenceRun = 0
	s.seg = Segment{}
}

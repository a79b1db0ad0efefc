package engine

import (
	"fmt"
	"strings"
	"time"
)

// State is the engine's turn state. Exactly one value holds at any instant and
// only the control loop changes it.
type State int32

const (
	StateIdle State = iota
	StateAwaitingUserSpeech
	StateUserTurnActive
	StateSilenceGate
	StateAgentTurnActive
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingUserSpeech:
		return "awaiting_user_speech"
	case StateUserTurnActive:
		return "user_turn_active"
	case StateSilenceGate:
		return "silence_gate"
	case StateAgentTurnActive:
		return "agent_turn_active"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Mode selects how user turn boundaries are detected.
type Mode int

const (
	// ModeManual drives turns with the button: press starts, release ends.
	ModeManual Mode = iota

	// ModeVoice drives turns with voice activity detection. The button
	// toggles mute.
	ModeVoice
)

// String returns the configuration name of m.
func (m Mode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModeVoice:
		return "voice"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts "manual" (alias "ptt") and "voice" (alias "vad").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manual", "ptt":
		return ModeManual, nil
	case "voice", "vad":
		return ModeVoice, nil
	default:
		return 0, fmt.Errorf("engine: unknown mode %q", s)
	}
}

// Timings holds the engine's protocol and policy durations.
type Timings struct {
	// FirstContentMax bounds the wait for the first agent audio or text.
	FirstContentMax time.Duration

	// ContentIdle ends an agent turn once no content arrived for this long
	// (followed by one grace drain).
	ContentIdle time.Duration

	// GraceDrain is the final sweep for stragglers.
	GraceDrain time.Duration

	// ReceivePoll bounds each receive while waiting for first content, so
	// stop requests are noticed.
	ReceivePoll time.Duration

	// MinHold is the shortest button press that counts as a turn.
	MinHold time.Duration

	// PhraseMaxWait is how old a tag phrase may be when it is processed.
	PhraseMaxWait time.Duration

	// EndSilenceFrames is the length of the end-of-turn silence marker.
	EndSilenceFrames int

	// SilencePacing is the gap between marker frames. Zero sends them
	// back to back.
	SilencePacing time.Duration
}

// DefaultTimings returns the device defaults.
func DefaultTimings() Timings {
	return Timings{
		FirstContentMax:  15 * time.Second,
		ContentIdle:      150 * time.Millisecond,
		GraceDrain:       150 * time.Millisecond,
		ReceivePoll:      250 * time.Millisecond,
		MinHold:          time.Second,
		PhraseMaxWait:    2 * time.Second,
		EndSilenceFrames: 50,
		SilencePacing:    30 * time.Millisecond,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t == (Timings{}) {
		return d
	}
	if t.FirstContentMax <= 0 {
		t.FirstContentMax = d.FirstContentMax
	}
	if t.ContentIdle <= 0 {
		t.ContentIdle = d.ContentIdle
	}
	if t.GraceDrain <= 0 {
		t.GraceDrain = d.GraceDrain
	}
	if t.ReceivePoll <= 0 {
		t.ReceivePoll = d.ReceivePoll
	}
	if t.MinHold <= 0 {
		t.MinHold = d.MinHold
	}
	if t.PhraseMaxWait <= 0 {
		t.PhraseMaxWait = d.PhraseMaxWait
	}
	if t.EndSilenceFrames <= 0 {
		t.EndSilenceFrames = d.EndSilenceFrames
	}
	if t.SilencePacing < 0 {
		t.SilencePacing = 0
	}
	return t
}

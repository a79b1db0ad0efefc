// Package telemetry delivers turn outcome records to logs, metrics and
// optional durable storage without ever blocking the turn engine.
package telemetry

import "time"

// Kind distinguishes user and agent turns.
type Kind string

const (
	KindUser  Kind = "user"
	KindAgent Kind = "agent"
)

// Outcome is how a turn ended.
type Outcome string

const (
	// OutcomeComplete is a turn that ran to its normal end.
	OutcomeComplete Outcome = "complete"

	// OutcomeDiscarded is a user turn dropped by validation (too short).
	OutcomeDiscarded Outcome = "discarded"

	// OutcomeFailed is an agent turn that produced no usable content.
	OutcomeFailed Outcome = "failed"

	// OutcomeInterrupted is an agent turn the remote side cut short.
	OutcomeInterrupted Outcome = "interrupted"

	// OutcomeAborted is a turn cut off by stop, disconnect or error.
	OutcomeAborted Outcome = "aborted"
)

// TurnRecord summarises one turn.
type TurnRecord struct {
	SessionID      string
	ConversationID string
	TraceID        string

	Turn    int
	Kind    Kind
	Mode    string
	Started time.Time

	// Duration is wall time from turn start to turn end.
	Duration time.Duration

	// FramesSent counts captured frames sent during a user turn.
	FramesSent int

	// SilenceFrames counts synthetic end-of-turn frames sent.
	SilenceFrames int

	// Injected is set when the turn carried a tag phrase instead of speech.
	Injected bool

	// AudioChunks and FramesPlayed count agent audio received and played.
	AudioChunks  int
	FramesPlayed int

	// TextParts counts agent text messages.
	TextParts int

	// StaleContent counts leftover content from the previous response that
	// was discarded at the start of an agent turn.
	StaleContent int

	// FirstContent is the delay until the first agent content, zero if none.
	FirstContent time.Duration

	Outcome Outcome
	Reason  string
}

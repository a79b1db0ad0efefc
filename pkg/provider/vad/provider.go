// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech classifier (Silero VAD, a plain RMS
// energy detector, or a custom model) and surfaces it as a stateful session.
// The session only answers "is this frame speech"; temporal policy such as
// start gating, preroll and end-of-turn silence lives in the voice segmenter
// that consumes it.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// classification, making it suitable for the real-time capture loop.
//
// A single SessionHandle must not be shared across goroutines.
package vad

import "errors"

// ErrFrameSize is returned by ProcessFrame when the frame does not match the
// configured frame size.
var ErrFrameSize = errors.New("vad: unexpected frame size")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. The device uses 16000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns [ErrFrameSize] if a frame does not match.
	FrameSizeMs int

	// SpeechThreshold is the score at or above which a frame is classified as
	// speech. For model-based engines this is a probability in [0, 1]; for the
	// energy engine it is a normalised RMS level in [0, 1].
	SpeechThreshold float64

	// SilenceThreshold is the score below which a frame that follows speech is
	// classified as silence again. Must be <= SpeechThreshold. Zero means equal
	// to SpeechThreshold (no hysteresis).
	SilenceThreshold float64
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("vad: sample rate must be positive"))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, errors.New("vad: frame size must be positive"))
	}
	if c.SpeechThreshold <= 0 || c.SpeechThreshold > 1 {
		errs = append(errs, errors.New("vad: speech threshold must be in (0, 1]"))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, errors.New("vad: silence threshold must be in [0, speech threshold]"))
	}
	return errors.Join(errs...)
}

// FrameBytes returns the expected byte length of one 16-bit mono frame.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// SessionHandle represents an active VAD session for a single audio stream.
// Reset clears the detection state without closing the session.
type SessionHandle interface {
	// ProcessFrame classifies a single frame of raw little-endian 16-bit PCM.
	// It must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears accumulated detection state. Called at the start of every
	// listening period so state from a previous turn does not leak.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions, implemented by each backend.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}

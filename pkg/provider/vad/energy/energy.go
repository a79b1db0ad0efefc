// Package energy provides a pure-Go [vad.Engine] based on RMS energy with
// hysteresis. It needs no model files and is the default classifier.
package energy

import (
	"fmt"
	"math"

	"github.com/MrWong99/orbvoice/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine creates energy-based sessions.
type Engine struct{}

// New returns an energy Engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	silence := cfg.SilenceThreshold
	if silence == 0 {
		silence = cfg.SpeechThreshold
	}
	return &Session{
		frameBytes: cfg.FrameBytes(),
		speech:     cfg.SpeechThreshold,
		silence:    silence,
	}, nil
}

// Session classifies frames by normalised RMS level. Once a frame crossed the
// speech threshold, following frames stay speech until they drop below the
// silence threshold.
type Session struct {
	frameBytes int
	speech     float64
	silence    float64
	inSpeech   bool
	closed     bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, fmt.Errorf("energy vad: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("%w: got %d bytes, want %d", vad.ErrFrameSize, len(frame), s.frameBytes)
	}
	level := RMS(frame)
	if s.inSpeech {
		s.inSpeech = level >= s.silence
	} else {
		s.inSpeech = level >= s.speech
	}
	return vad.VADEvent{Speech: s.inSpeech, Probability: min(level, 1)}, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() { s.inSpeech = false }

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.closed = true
	return nil
}

// RMS returns the root-mean-square level of 16-bit little-endian PCM,
// normalised to [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(pcm[2*i])|int16(pcm[2*i+1])<<8) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

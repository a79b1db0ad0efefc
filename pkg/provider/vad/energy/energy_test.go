package energy_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/orbvoice/pkg/provider/vad"
	"github.com/MrWong99/orbvoice/pkg/provider/vad/energy"
)

func constFrame(v int16) []byte {
	b := make([]byte, 960)
	for i := 0; i < len(b); i += 2 {
		b[i] = byte(v)
		b[i+1] = byte(v >> 8)
	}
	return b
}

func newSession(t *testing.T) vad.SessionHandle {
	t.Helper()
	sess, err := energy.New().NewSession(vad.Config{
		SampleRate:       16000,
		FrameSizeMs:      30,
		SpeechThreshold:  0.05,
		SilenceThreshold: 0.02,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess
}

func TestSession_Hysteresis(t *testing.T) {
	sess := newSession(t)

	tests := []struct {
		name   string
		level  int16
		speech bool
	}{
		{"quiet", 100, false},
		{"between thresholds before speech", 1000, false},
		{"loud", 3000, true},
		{"between thresholds after speech", 1000, true},
		{"quiet again", 100, false},
	}
	for _, tt := range tests {
		ev, err := sess.ProcessFrame(constFrame(tt.level))
		if err != nil {
			t.Fatalf("%s: ProcessFrame: %v", tt.name, err)
		}
		if ev.Speech != tt.speech {
			t.Errorf("%s: speech = %v, want %v (p=%.3f)", tt.name, ev.Speech, tt.speech, ev.Probability)
		}
	}
}

func TestSession_Reset(t *testing.T) {
	sess := newSession(t)
	if _, err := sess.ProcessFrame(constFrame(3000)); err != nil {
		t.Fatal(err)
	}
	sess.Reset()
	ev, err := sess.ProcessFrame(constFrame(1000))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Speech {
		t.Error("Reset did not clear the speech state")
	}
}

func TestSession_FrameSize(t *testing.T) {
	sess := newSession(t)
	if _, err := sess.ProcessFrame(make([]byte, 100)); !errors.Is(err, vad.ErrFrameSize) {
		t.Errorf("err = %v, want ErrFrameSize", err)
	}
}

func TestNewSession_InvalidConfig(t *testing.T) {
	_, err := energy.New().NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 30, SpeechThreshold: 0.1, SilenceThreshold: 0.2})
	if err == nil {
		t.Error("expected error when silence threshold exceeds speech threshold")
	}
}

func TestRMS(t *testing.T) {
	if got := energy.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	got := energy.RMS(constFrame(16384))
	if got < 0.49 || got > 0.51 {
		t.Errorf("RMS(half scale) = %v, want ~0.5", got)
	}
}

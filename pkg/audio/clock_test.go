package audio_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/orbvoice/pkg/audio"
	"github.com/MrWong99/orbvoice/pkg/audio/mock"
)

func TestFrameClock_NextCaptureFrame(t *testing.T) {
	t.Run("reassembles partial reads", func(t *testing.T) {
		first := make([]byte, 700)
		second := make([]byte, 700)
		for i := range first {
			first[i] = 1
			second[i] = 2
		}
		capture := &mock.Capture{Script: [][]byte{first, second}}
		clock := audio.NewFrameClock(capture, &mock.Playback{})

		f1, err := clock.NextCaptureFrame(t.Context())
		if err != nil {
			t.Fatalf("NextCaptureFrame: %v", err)
		}
		if len(f1.Data) != audio.FrameBytes {
			t.Fatalf("frame length = %d, want %d", len(f1.Data), audio.FrameBytes)
		}
		if f1.Data[699] != 1 || f1.Data[700] != 2 {
			t.Error("frame does not join the two reads in order")
		}

		f2, err := clock.NextCaptureFrame(t.Context())
		if err != nil {
			t.Fatalf("NextCaptureFrame: %v", err)
		}
		if f2.Seq != f1.Seq+1 {
			t.Errorf("seq = %d, want %d", f2.Seq, f1.Seq+1)
		}
		// 440 bytes of the second read remained, the rest is generated silence.
		if f2.Data[439] != 2 || f2.Data[440] != 0 {
			t.Error("tail bytes of the previous read were not carried over")
		}
	})

	t.Run("device error", func(t *testing.T) {
		boom := errors.New("boom")
		clock := audio.NewFrameClock(&mock.Capture{ReadErr: boom}, &mock.Playback{})
		if _, err := clock.NextCaptureFrame(t.Context()); !errors.Is(err, boom) {
			t.Errorf("err = %v, want %v", err, boom)
		}
	})
}

func TestFrameClock_Play(t *testing.T) {
	playback := &mock.Playback{}
	clock := audio.NewFrameClock(&mock.Capture{}, playback)

	n, err := clock.Play(t.Context(), make([]byte, 2500))
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if n != 2 {
		t.Errorf("frames played = %d, want 2", n)
	}
	if clock.Resident() != 2500-2*audio.FrameBytes {
		t.Errorf("resident = %d, want %d", clock.Resident(), 2500-2*audio.FrameBytes)
	}

	if err := clock.FlushPlayback(t.Context()); err != nil {
		t.Fatalf("FlushPlayback: %v", err)
	}
	if playback.FrameCount() != 3 {
		t.Errorf("device frames = %d, want 3", playback.FrameCount())
	}
	if clock.Resident() != 0 {
		t.Errorf("resident after flush = %d, want 0", clock.Resident())
	}
}

func TestFrameClock_SubmitRejectsPartialFrame(t *testing.T) {
	clock := audio.NewFrameClock(&mock.Capture{}, &mock.Playback{})
	err := clock.SubmitPlaybackFrame(t.Context(), make([]byte, 100))
	if !errors.Is(err, audio.ErrShortFrame) {
		t.Errorf("err = %v, want ErrShortFrame", err)
	}
}

func TestBeep(t *testing.T) {
	cue := audio.Beep(880, 100*time.Millisecond, 0.5)
	if want := 1600 * audio.BytesPerSample; len(cue.PCM) != want {
		t.Fatalf("beep length = %d, want %d", len(cue.PCM), want)
	}

	playback := &mock.Playback{}
	clock := audio.NewFrameClock(&mock.Capture{}, playback)
	if err := clock.PlayCue(t.Context(), cue); err != nil {
		t.Fatalf("PlayCue: %v", err)
	}
	// 3200 bytes = 3 full frames plus one padded frame.
	if playback.FrameCount() != 4 {
		t.Errorf("frames = %d, want 4", playback.FrameCount())
	}
}

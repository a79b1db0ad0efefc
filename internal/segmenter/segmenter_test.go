package segmenter_test

import (
	"testing"
	"time"

	"github.com/MrWong99/orbvoice/internal/segmenter"
	"github.com/MrWong99/orbvoice/pkg/audio"
)

// feed pushes a pattern of speech (true) and silence (false) frames and
// collects every released frame and the number of started, ended and
// discarded turns.
type outcome struct {
	frames    []audio.Frame
	started   int
	ended     int
	discarded int
	last      segmenter.Result
}

func feed(s *segmenter.Segmenter, seq *uint64, pattern ...[2]int) outcome {
	var out outcome
	for _, p := range pattern {
		speech := p[0] == 1
		for range p[1] {
			*seq++
			res := s.Push(audio.Frame{Seq: *seq, Data: audio.SilenceFrame()}, speech)
			out.frames = append(out.frames, res.Frames...)
			if res.Started {
				out.started++
			}
			if res.Ended {
				out.ended++
				out.last = res
			}
			if res.Discarded {
				out.discarded++
				out.last = res
			}
		}
	}
	return out
}

func speech(n int) [2]int  { return [2]int{1, n} }
func silence(n int) [2]int { return [2]int{0, n} }

func TestSegmenter_ValidTurn(t *testing.T) {
	tests := []struct {
		name        string
		leading     int
		speech      int
		wantPreroll int
	}{
		{name: "no leading silence", leading: 0, speech: 25, wantPreroll: 0},
		{name: "short leading silence", leading: 3, speech: 20, wantPreroll: 3},
		{name: "long leading silence", leading: 40, speech: 30, wantPreroll: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := segmenter.New(segmenter.DefaultConfig())
			var seq uint64
			out := feed(s, &seq, silence(tt.leading), speech(tt.speech), silence(50))

			if out.started != 1 || out.ended != 1 || out.discarded != 0 {
				t.Fatalf("started=%d ended=%d discarded=%d, want 1/1/0", out.started, out.ended, out.discarded)
			}
			if want := tt.speech + tt.wantPreroll; len(out.frames) != want {
				t.Errorf("released %d frames, want %d", len(out.frames), want)
			}
			if got := out.last.Segment.PrerollFrames; got != tt.wantPreroll {
				t.Errorf("preroll = %d, want %d", got, tt.wantPreroll)
			}
			for i := 1; i < len(out.frames); i++ {
				if out.frames[i].Seq != out.frames[i-1].Seq+1 {
					t.Fatalf("frames out of order at %d: %d after %d", i, out.frames[i].Seq, out.frames[i-1].Seq)
				}
			}
			if s.State() != segmenter.StateIdle {
				t.Errorf("state = %v, want idle", s.State())
			}
		})
	}
}

func TestSegmenter_SubMinimumSpeechDiscarded(t *testing.T) {
	tests := []struct {
		name   string
		speech int
	}{
		{name: "below gate", speech: 5},
		{name: "past gate below minimum", speech: 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := segmenter.New(segmenter.DefaultConfig())
			var seq uint64
			out := feed(s, &seq, silence(10), speech(tt.speech), silence(60))
			if out.started != 0 || out.ended != 0 {
				t.Errorf("started=%d ended=%d, want no turn", out.started, out.ended)
			}
			if len(out.frames) != 0 {
				t.Errorf("released %d frames for a discarded attempt", len(out.frames))
			}
		})
	}
}

func TestSegmenter_PauseInsideTurnIsReleased(t *testing.T) {
	s := segmenter.New(segmenter.DefaultConfig())
	var seq uint64
	out := feed(s, &seq, speech(25), silence(20), speech(5), silence(50))
	if out.started != 1 || out.ended != 1 {
		t.Fatalf("started=%d ended=%d, want one turn", out.started, out.ended)
	}
	if want := 25 + 20 + 5; len(out.frames) != want {
		t.Errorf("released %d frames, want %d", len(out.frames), want)
	}
	if got := out.last.Segment.Spoken(); got != 30*audio.FrameDuration {
		t.Errorf("spoken = %v, want %v", got, 30*audio.FrameDuration)
	}
}

func TestSegmenter_GateBrokenBySilence(t *testing.T) {
	s := segmenter.New(segmenter.DefaultConfig())
	var seq uint64
	feed(s, &seq, speech(6), silence(1))
	if s.State() != segmenter.StateIdle {
		t.Fatalf("state = %v, want idle after broken gate", s.State())
	}
	out := feed(s, &seq, speech(20), silence(50))
	if out.started != 1 {
		t.Fatalf("started = %d, want 1", out.started)
	}
	// Preroll holds the last five frames before the new onset.
	if want := 20 + 5; len(out.frames) != want {
		t.Errorf("released %d frames, want %d", len(out.frames), want)
	}
}

func TestSegmenter_Restartable(t *testing.T) {
	s := segmenter.New(segmenter.Config{MinSpoken: 300 * time.Millisecond, PrerollFrames: -1})
	var seq uint64
	for i := range 3 {
		out := feed(s, &seq, speech(12), silence(50))
		if out.started != 1 || out.ended != 1 {
			t.Fatalf("round %d: started=%d ended=%d", i, out.started, out.ended)
		}
		if len(out.frames) != 12 {
			t.Errorf("round %d: released %d frames, want 12", i, len(out.frames))
		}
	}
}

func TestSegmenter_End(t *testing.T) {
	s := segmenter.New(segmenter.DefaultConfig())
	var seq uint64
	feed(s, &seq, speech(25))
	seg, ok := s.End()
	if !ok {
		t.Error("End reported no validated turn")
	}
	if seg.SpeechFrames != 25 {
		t.Errorf("speech frames = %d, want 25", seg.SpeechFrames)
	}
	if s.State() != segmenter.StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}

	feed(s, &seq, speech(3))
	if _, ok := s.End(); ok {
		t.Error("End reported a validated turn for a gating attempt")
	}
}

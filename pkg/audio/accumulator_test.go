package audio_test

import (
	"bytes"
	"testing"

	"github.com/MrWong99/orbvoice/pkg/audio"
)

func TestAccumulator_ResidentBelowOneFrame(t *testing.T) {
	sizes := []int{1, 959, 960, 961, 100, 3000, 7, 480, 1919, 0, 2}

	var acc audio.Accumulator
	var in, out int
	for _, n := range sizes {
		acc.Append(make([]byte, n))
		in += n
		for {
			frame, ok := acc.Next()
			if !ok {
				break
			}
			if len(frame) != audio.FrameBytes {
				t.Fatalf("frame length = %d, want %d", len(frame), audio.FrameBytes)
			}
			out += len(frame)
		}
		if l := acc.Len(); l < 0 || l >= audio.FrameBytes {
			t.Fatalf("after chunk of %d bytes: resident = %d, want [0, %d)", n, l, audio.FrameBytes)
		}
	}
	if in != out+acc.Len() {
		t.Errorf("bytes lost: in=%d out=%d resident=%d", in, out, acc.Len())
	}
}

func TestAccumulator_PreservesOrder(t *testing.T) {
	src := make([]byte, 3*audio.FrameBytes)
	for i := range src {
		src[i] = byte(i % 251)
	}

	var acc audio.Accumulator
	acc.Append(src[:500])
	acc.Append(src[500:2000])
	acc.Append(src[2000:])

	var got []byte
	for {
		frame, ok := acc.Next()
		if !ok {
			break
		}
		got = append(got, frame...)
	}
	if !bytes.Equal(got, src) {
		t.Error("frames do not reproduce the appended bytes in order")
	}
}

func TestAccumulator_PadAndReset(t *testing.T) {
	var acc audio.Accumulator
	if _, ok := acc.Pad(); ok {
		t.Fatal("Pad on empty accumulator returned a frame")
	}

	acc.Append([]byte{1, 2, 3})
	frame, ok := acc.Pad()
	if !ok {
		t.Fatal("Pad returned no frame")
	}
	if len(frame) != audio.FrameBytes {
		t.Fatalf("padded length = %d, want %d", len(frame), audio.FrameBytes)
	}
	if frame[0] != 1 || frame[2] != 3 || frame[3] != 0 || frame[audio.FrameBytes-1] != 0 {
		t.Error("padded frame content wrong")
	}
	if acc.Len() != 0 {
		t.Errorf("Len after Pad = %d, want 0", acc.Len())
	}

	acc.Append(make([]byte, 10))
	if n := acc.Reset(); n != 10 {
		t.Errorf("Reset dropped %d bytes, want 10", n)
	}
}

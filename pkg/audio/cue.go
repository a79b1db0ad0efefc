package audio

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-audio/wav"
)

// Cue is a short prompt sound in device format, played on tag scans and at
// session start.
type Cue struct {
	Name string
	PCM  []byte
}

// LoadCue decodes a 16-bit PCM WAV file and converts it to device format.
func LoadCue(path string) (Cue, error) {
	f, err := os.Open(path)
	if err != nil {
		return Cue{}, fmt.Errorf("audio: open cue %q: %w", path, err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return Cue{}, fmt.Errorf("audio: cue %q is not a valid wav file", path)
	}
	if d.BitDepth != 16 {
		return Cue{}, fmt.Errorf("audio: cue %q has %d-bit samples, want 16", path, d.BitDepth)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return Cue{}, fmt.Errorf("audio: decode cue %q: %w", path, err)
	}

	pcm := make([]byte, len(buf.Data)*BytesPerSample)
	for i, s := range buf.Data {
		pcm[2*i] = byte(s)
		pcm[2*i+1] = byte(s >> 8)
	}
	pcm, err = ToDevice(pcm, buf.Format.SampleRate, buf.Format.NumChannels)
	if err != nil {
		return Cue{}, fmt.Errorf("audio: convert cue %q: %w", path, err)
	}
	return Cue{Name: path, PCM: pcm}, nil
}

// Beep synthesises a sine tone with short linear fades at both ends.
func Beep(freq float64, dur time.Duration, amplitude float64) Cue {
	n := int(dur.Seconds() * SampleRate)
	fade := min(n/10, SampleRate/200)
	pcm := make([]byte, n*BytesPerSample)
	for i := range n {
		env := 1.0
		if fade > 0 {
			if i < fade {
				env = float64(i) / float64(fade)
			} else if n-i <= fade {
				env = float64(n-i-1) / float64(fade)
			}
		}
		v := int16(amplitude * env * 32767 * math.Sin(2*math.Pi*freq*float64(i)/SampleRate))
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}
	return Cue{Name: fmt.Sprintf("beep-%.0fhz", freq), PCM: pcm}
}

// PlayCue plays cue to completion, padding the final frame with silence.
// Any resident playback bytes from an earlier utterance are dropped first.
func (c *FrameClock) PlayCue(ctx context.Context, cue Cue) error {
	c.acc.Reset()
	if _, err := c.Play(ctx, cue.PCM); err != nil {
		return err
	}
	return c.FlushPlayback(ctx)
}

//go:build portaudio

// Package portaudio implements [audio.CaptureDevice] and [audio.PlaybackDevice]
// on top of blocking PortAudio streams sized to one frame.
//
// Build with -tags portaudio; the package needs cgo and the PortAudio library.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/orbvoice/pkg/audio"
)

var (
	_ audio.CaptureDevice  = (*Capture)(nil)
	_ audio.PlaybackDevice = (*Playback)(nil)
)

var (
	initMu   sync.Mutex
	initRefs int
)

func acquire() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	initRefs++
	return nil
}

func release() {
	initMu.Lock()
	defer initMu.Unlock()
	initRefs--
	if initRefs == 0 {
		portaudio.Terminate()
	}
}

// Capture reads one frame per call from the default input device.
type Capture struct {
	stream *portaudio.Stream
	in     []int16
	once   sync.Once
}

// OpenCapture opens and starts a mono 16 kHz input stream on the default device.
func OpenCapture() (*Capture, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	in := make([]int16, audio.FrameSamples)
	stream, err := portaudio.OpenDefaultStream(audio.Channels, 0, audio.SampleRate, audio.FrameSamples, in)
	if err != nil {
		release()
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		release()
		return nil, fmt.Errorf("portaudio: start input stream: %w", err)
	}
	return &Capture{stream: stream, in: in}, nil
}

// Read implements [audio.CaptureDevice]. It blocks for one hardware period.
// Input overflows, which happen while the engine is not listening, are logged
// at debug level and the (partially stale) buffer is returned anyway.
func (c *Capture) Read(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.stream.Read(); err != nil {
		if !errors.Is(err, portaudio.InputOverflowed) {
			return 0, fmt.Errorf("portaudio: read: %w", err)
		}
		slog.Debug("portaudio: input overflowed")
	}
	n := 0
	for _, s := range c.in {
		if n+2 > len(p) {
			break
		}
		p[n] = byte(s)
		p[n+1] = byte(s >> 8)
		n += 2
	}
	return n, nil
}

// Close implements [audio.CaptureDevice].
func (c *Capture) Close() error {
	var err error
	c.once.Do(func() {
		err = errors.Join(c.stream.Stop(), c.stream.Close())
		release()
	})
	return err
}

// Playback writes one frame per call to the default output device.
type Playback struct {
	stream *portaudio.Stream
	out    []int16
	gain   float64
	once   sync.Once
}

// OpenPlayback opens and starts a mono 16 kHz output stream on the default
// device. gain scales every frame before it is written.
func OpenPlayback(gain float64) (*Playback, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	out := make([]int16, audio.FrameSamples)
	stream, err := portaudio.OpenDefaultStream(0, audio.Channels, audio.SampleRate, audio.FrameSamples, out)
	if err != nil {
		release()
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		release()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	return &Playback{stream: stream, out: out, gain: gain}, nil
}

// Write implements [audio.PlaybackDevice]. PortAudio blocks until the device
// buffer has room.
func (p *Playback) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.gain != 0 && p.gain != 1 {
		frame = append([]byte(nil), frame...)
		audio.Gain(frame, p.gain)
	}
	for i := range p.out {
		p.out[i] = int16(frame[2*i]) | int16(frame[2*i+1])<<8
	}
	if err := p.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
		return fmt.Errorf("portaudio: write: %w", err)
	}
	return nil
}

// Close implements [audio.PlaybackDevice].
func (p *Playback) Close() error {
	var err error
	p.once.Do(func() {
		err = errors.Join(p.stream.Stop(), p.stream.Close())
		release()
	})
	return err
}

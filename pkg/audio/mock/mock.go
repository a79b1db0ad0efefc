// Package mock provides in-memory implementations of [audio.CaptureDevice] and
// [audio.PlaybackDevice] for use in unit tests.
//
// Both mocks are safe for concurrent use. They record every call so tests can
// assert on what the engine read and played, and expose exported fields to
// control behaviour.
//
// Typical usage:
//
//	capture := &mock.Capture{Script: [][]byte{speech, speech, silence}}
//	playback := &mock.Playback{}
//	clock := audio.NewFrameClock(capture, playback)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/orbvoice/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock [audio.CaptureDevice]. Each Read returns the next chunk
// from Script; once Script is exhausted it returns Fill (zeros by default)
// chunks of ChunkSize bytes.
type Capture struct {
	mu sync.Mutex

	// Script holds chunks returned in order by Read.
	Script [][]byte

	// ChunkSize is the size of generated chunks after Script is exhausted.
	// Defaults to [audio.FrameBytes].
	ChunkSize int

	// Fill, when non-nil, generates the content of chunks after Script is
	// exhausted. It receives the zero-based index of the generated chunk.
	Fill func(i int, p []byte)

	// Delay is slept before every Read to emulate device pacing.
	Delay time.Duration

	// ReadErr, when non-nil, is returned by every Read.
	ReadErr error

	// Reads counts calls to Read.
	Reads int

	// Closed reports whether Close was called.
	Closed bool

	generated int
}

// Read implements [audio.CaptureDevice].
func (c *Capture) Read(ctx context.Context, p []byte) (int, error) {
	c.mu.Lock()
	delay := c.Delay
	c.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Reads++
	if c.ReadErr != nil {
		return 0, c.ReadErr
	}
	if len(c.Script) > 0 {
		n := copy(p, c.Script[0])
		if n < len(c.Script[0]) {
			c.Script[0] = c.Script[0][n:]
		} else {
			c.Script = c.Script[1:]
		}
		return n, nil
	}
	size := c.ChunkSize
	if size <= 0 {
		size = audio.FrameBytes
	}
	size = min(size, len(p))
	clear(p[:size])
	if c.Fill != nil {
		c.Fill(c.generated, p[:size])
	}
	c.generated++
	return size, nil
}

// Close implements [audio.CaptureDevice].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

// SetFill replaces the generator used after Script is exhausted.
func (c *Capture) SetFill(fill func(i int, p []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Fill = fill
	c.generated = 0
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// Playback is a mock [audio.PlaybackDevice] that records every frame written.
type Playback struct {
	mu sync.Mutex

	// WriteErr, when non-nil, is returned by every Write.
	WriteErr error

	// Frames holds a copy of every frame written, in order.
	Frames [][]byte

	// Closed reports whether Close was called.
	Closed bool
}

// Write implements [audio.PlaybackDevice].
func (p *Playback) Write(_ context.Context, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.WriteErr != nil {
		return p.WriteErr
	}
	p.Frames = append(p.Frames, append([]byte(nil), frame...))
	return nil
}

// Close implements [audio.PlaybackDevice].
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// FrameCount returns the number of frames written so far.
func (p *Playback) FrameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Frames)
}

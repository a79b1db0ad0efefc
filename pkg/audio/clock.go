package audio

import (
	"context"
	"errors"
	"fmt"
)

// ErrShortFrame is returned by [FrameClock.SubmitPlaybackFrame] when the buffer
// is not exactly one frame long.
var ErrShortFrame = errors.New("audio: playback buffer is not one frame")

// FrameClock owns the capture and playback devices and enforces frame
// boundaries on both. It is driven by a single goroutine (the turn engine) and
// is not safe for concurrent use.
type FrameClock struct {
	capture  CaptureDevice
	playback PlaybackDevice

	seq     uint64
	pending []byte
	scratch []byte
	acc     Accumulator

	framesPlayed int
}

// NewFrameClock creates a FrameClock over the given devices.
func NewFrameClock(capture CaptureDevice, playback PlaybackDevice) *FrameClock {
	return &FrameClock{
		capture:  capture,
		playback: playback,
		pending:  make([]byte, 0, 2*FrameBytes),
		scratch:  make([]byte, FrameBytes),
	}
}

// NextCaptureFrame blocks until one full frame has been read from the capture
// device. Partial reads are buffered; the returned frame is always
// [FrameBytes] long.
func (c *FrameClock) NextCaptureFrame(ctx context.Context) (Frame, error) {
	for len(c.pending) < FrameBytes {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		n, err := c.capture.Read(ctx, c.scratch)
		if n > 0 {
			c.pending = append(c.pending, c.scratch[:n]...)
		}
		if err != nil {
			return Frame{}, fmt.Errorf("audio: capture: %w", err)
		}
	}
	data := make([]byte, FrameBytes)
	copy(data, c.pending)
	n := copy(c.pending, c.pending[FrameBytes:])
	c.pending = c.pending[:n]
	c.seq++
	return Frame{Seq: c.seq, Data: data}, nil
}

// DiscardCaptured drops any buffered partial capture bytes. Called when the
// engine starts listening so stale audio from the previous turn is not reused.
func (c *FrameClock) DiscardCaptured() {
	c.pending = c.pending[:0]
}

// SubmitPlaybackFrame writes exactly one frame to the playback device.
func (c *FrameClock) SubmitPlaybackFrame(ctx context.Context, frame []byte) error {
	if len(frame) != FrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	if err := c.playback.Write(ctx, frame); err != nil {
		return fmt.Errorf("audio: playback: %w", err)
	}
	c.framesPlayed++
	return nil
}

// Play appends chunk to the playback accumulator and submits every complete
// frame, leaving less than one frame resident. It returns the number of frames
// submitted.
func (c *FrameClock) Play(ctx context.Context, chunk []byte) (int, error) {
	c.acc.Append(chunk)
	played := 0
	for {
		frame, ok := c.acc.Next()
		if !ok {
			return played, nil
		}
		if err := c.SubmitPlaybackFrame(ctx, frame); err != nil {
			return played, err
		}
		played++
	}
}

// FlushPlayback pads and submits the resident partial frame, if any.
func (c *FrameClock) FlushPlayback(ctx context.Context) error {
	frame, ok := c.acc.Pad()
	if !ok {
		return nil
	}
	return c.SubmitPlaybackFrame(ctx, frame)
}

// DropPlayback discards the resident partial frame without playing it and
// returns the number of bytes dropped.
func (c *FrameClock) DropPlayback() int {
	return c.acc.Reset()
}

// Resident returns the number of playback bytes waiting for a full frame.
func (c *FrameClock) Resident() int { return c.acc.Len() }

// FramesPlayed returns the total number of frames submitted for playback.
func (c *FrameClock) FramesPlayed() int { return c.framesPlayed }

// Close closes both devices.
func (c *FrameClock) Close() error {
	return errors.Join(c.capture.Close(), c.playback.Close())
}

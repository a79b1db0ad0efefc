package audio

import (
	"context"
	"time"
)

// NullCapture is a [CaptureDevice] that produces silence at real-time pace.
// It stands in for a microphone on development hosts.
type NullCapture struct {
	last time.Time
}

// Read implements [CaptureDevice]. It returns one frame of silence per
// [FrameDuration].
func (n *NullCapture) Read(ctx context.Context, p []byte) (int, error) {
	if wait := FrameDuration - time.Since(n.last); !n.last.IsZero() && wait > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(wait):
		}
	}
	n.last = time.Now()
	size := min(len(p), FrameBytes)
	clear(p[:size])
	return size, nil
}

// Close implements [CaptureDevice].
func (n *NullCapture) Close() error { return nil }

// NullPlayback is a [PlaybackDevice] that discards frames at real-time pace.
type NullPlayback struct{}

// Write implements [PlaybackDevice].
func (NullPlayback) Write(ctx context.Context, _ []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(FrameDuration):
		return nil
	}
}

// Close implements [PlaybackDevice].
func (NullPlayback) Close() error { return nil }

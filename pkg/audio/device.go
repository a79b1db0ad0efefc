package audio

import "context"

// CaptureDevice is an input stream of raw PCM in the device format.
//
// Read may return fewer bytes than len(p); the [FrameClock] reassembles full
// frames. Implementations must return within a bounded time even when ctx has
// no deadline (a hardware period is typical).
type CaptureDevice interface {
	Read(ctx context.Context, p []byte) (int, error)
	Close() error
}

// PlaybackDevice is an output stream of raw PCM in the device format.
//
// Write receives exactly one frame and blocks until the device buffer has room
// for it, which gives the playback path its natural backpressure.
type PlaybackDevice interface {
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// Package audio provides the fixed-size PCM framing shared by the capture and
// playback paths of the device.
//
// All audio handled by the engine is 16 kHz, mono, signed 16-bit little-endian
// PCM cut into 30 ms frames of exactly [FrameBytes] bytes. Partial frames are
// never handed between capture and transport: the [FrameClock] buffers any tail
// bytes until a full frame is available, and the [Accumulator] keeps fewer than
// [FrameBytes] bytes of inbound playback audio resident at any time.
package audio

import "time"

const (
	// SampleRate is the PCM sample rate in Hz used on the wire and on the devices.
	SampleRate = 16000

	// Channels is the channel count. The device is mono.
	Channels = 1

	// BytesPerSample is the width of one signed 16-bit sample.
	BytesPerSample = 2

	// FrameDuration is the length of one frame.
	FrameDuration = 30 * time.Millisecond

	// FrameSamples is the number of samples per frame (480).
	FrameSamples = SampleRate * int(FrameDuration/time.Millisecond) / 1000

	// FrameBytes is the number of bytes per frame (960).
	FrameBytes = FrameSamples * BytesPerSample * Channels
)

// Frame is one captured frame of audio. Data is always exactly [FrameBytes]
// long. Seq increases by one for every frame produced by a [FrameClock].
type Frame struct {
	Seq  uint64
	Data []byte
}

// SilenceFrame returns a new zero-filled frame buffer.
func SilenceFrame() []byte {
	return make([]byte, FrameBytes)
}

// FramesFor returns the number of whole frames covering d, rounded up.
func FramesFor(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + FrameDuration - 1) / FrameDuration)
}

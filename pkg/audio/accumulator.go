package audio

// Accumulator collects arbitrarily sized inbound PCM chunks and hands them out
// again as whole frames. After every call to [Accumulator.Next] that returns
// false, fewer than [FrameBytes] bytes are resident.
//
// An Accumulator is not safe for concurrent use.
type Accumulator struct {
	buf []byte
}

// Append adds chunk to the resident bytes.
func (a *Accumulator) Append(chunk []byte) {
	a.buf = append(a.buf, chunk...)
}

// Next removes and returns one full frame. It returns false when fewer than
// [FrameBytes] bytes are resident.
func (a *Accumulator) Next() ([]byte, bool) {
	if len(a.buf) < FrameBytes {
		return nil, false
	}
	frame := make([]byte, FrameBytes)
	copy(frame, a.buf)
	n := copy(a.buf, a.buf[FrameBytes:])
	a.buf = a.buf[:n]
	return frame, true
}

// Pad removes the resident partial frame and returns it zero-padded to a full
// frame. It returns false when nothing is resident.
func (a *Accumulator) Pad() ([]byte, bool) {
	if len(a.buf) == 0 {
		return nil, false
	}
	frame := make([]byte, FrameBytes)
	copy(frame, a.buf)
	a.buf = a.buf[:0]
	return frame, true
}

// Reset drops the resident bytes and returns how many were dropped.
func (a *Accumulator) Reset() int {
	n := len(a.buf)
	a.buf = a.buf[:0]
	return n
}

// Len returns the number of resident bytes.
func (a *Accumulator) Len() int { return len(a.buf) }

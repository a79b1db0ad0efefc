// Package hardware polls the device's physical inputs and hands their events
// to the turn engine.
//
// Two sources run on their own goroutines: a [ButtonSource] sampling a GPIO pin
// and a [TagSource] polling a proximity-tag reader. Both are debounced and both
// only ever write to the shared [Inbox]; they never touch the connection or the
// audio devices. The engine is the inbox's only consumer.
package hardware

import "time"

// Event is a discrete hardware input. It is a closed set: [ButtonEdge] and
// [TagRead].
type Event interface {
	// Time returns when the event was observed.
	Time() time.Time

	isEvent()
}

// ButtonEdge is a debounced change of the control button.
type ButtonEdge struct {
	Pressed bool
	At      time.Time
}

// Time implements [Event].
func (e ButtonEdge) Time() time.Time { return e.At }
func (ButtonEdge) isEvent()          {}

// TagRead is a debounced proximity-tag read. ID is the raw UID as reported by
// the reader.
type TagRead struct {
	ID string
	At time.Time
}

// Time implements [Event].
func (e TagRead) Time() time.Time { return e.At }
func (TagRead) isEvent()          {}

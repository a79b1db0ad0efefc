// Package display notifies the device's status indicator of engine state
// changes.
//
// The indicator is driven by a companion microcontroller that understands one
// ASCII character per state. [Serial] speaks that protocol; [Log] is used when
// no indicator is attached.
package display

import (
	"fmt"
	"log/slog"
	"sync"
)

// Status is one indicator state.
type Status int

const (
	StatusIdle Status = iota
	StatusListening
	StatusMuted
	StatusLoading
	StatusUserSpeaking
	StatusAgentSpeaking
	StatusTag
	StatusError
	StatusBye
)

var names = [...]string{
	StatusIdle:          "idle",
	StatusListening:     "listening",
	StatusMuted:         "muted",
	StatusLoading:       "loading",
	StatusUserSpeaking:  "user-speaking",
	StatusAgentSpeaking: "agent-speaking",
	StatusTag:           "tag",
	StatusError:         "error",
	StatusBye:           "bye",
}

// Wire codes understood by the indicator firmware. Listening and user
// speaking share the same animation.
var codes = [...]byte{
	StatusIdle:          'S',
	StatusListening:     'U',
	StatusMuted:         'M',
	StatusLoading:       'L',
	StatusUserSpeaking:  'U',
	StatusAgentSpeaking: 'O',
	StatusTag:           'N',
	StatusError:         'E',
	StatusBye:           'B',
}

// String returns the status name.
func (s Status) String() string {
	if s < 0 || int(s) >= len(names) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return names[s]
}

// Code returns the indicator byte for s.
func (s Status) Code() byte {
	if s < 0 || int(s) >= len(codes) {
		return 'E'
	}
	return codes[s]
}

// Display receives status notifications. Show must not block the caller.
type Display interface {
	Show(s Status)
}

// Func adapts a function to [Display].
type Func func(Status)

// Show implements [Display].
func (f Func) Show(s Status) { f(s) }

// Log writes every status change to the default logger at debug level.
type Log struct{}

// Show implements [Display].
func (Log) Show(s Status) { slog.Debug("display", "status", s.String()) }

// Caption implements [Captioner].
func (Log) Caption(role, text string) { slog.Info("caption", "role", role, "text", text) }

// Captioner is implemented by displays that can show conversation text as
// well as a status.
type Captioner interface {
	Caption(role, text string)
}

// Caption passes text to d if it implements [Captioner].
func Caption(d Display, role, text string) {
	if c, ok := d.(Captioner); ok {
		c.Caption(role, text)
	}
}

// Multi fans a notification out to several displays.
type Multi []Display

// Show implements [Display].
func (m Multi) Show(s Status) {
	for _, d := range m {
		d.Show(s)
	}
}

// Caption implements [Captioner].
func (m Multi) Caption(role, text string) {
	for _, d := range m {
		Caption(d, role, text)
	}
}

// Recorder keeps every status it is shown. It is meant for tests.
type Recorder struct {
	mu       sync.Mutex
	got      []Status
	captions []string
}

// Caption implements [Captioner]. Captions are kept as "role: text".
func (r *Recorder) Caption(role, text string) {
	r.mu.Lock()
	r.captions = append(r.captions, role+": "+text)
	r.mu.Unlock()
}

// Captions returns a copy of every caption shown so far.
func (r *Recorder) Captions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.captions...)
}

// Show implements [Display].
func (r *Recorder) Show(s Status) {
	r.mu.Lock()
	r.got = append(r.got, s)
	r.mu.Unlock()
}

// Statuses returns a copy of everything shown so far.
func (r *Recorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.got))
	copy(out, r.got)
	return out
}

// Last returns the most recent status and whether there was one.
func (r *Recorder) Last() (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.got) == 0 {
		return 0, false
	}
	return r.got[len(r.got)-1], true
}

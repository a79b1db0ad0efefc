package hardware

import (
	"context"
	"sync"
)

// DefaultInboxCapacity bounds the number of pending events.
const DefaultInboxCapacity = 16

// Inbox is a bounded FIFO of hardware events with many producers and a single
// consumer. When full, the oldest pending event is dropped to make room, so a
// burst of tag scans never blocks a polling goroutine.
type Inbox struct {
	mu      sync.Mutex
	buf     []Event
	head    int
	size    int
	dropped uint64
	notify  chan struct{}
	onDrop  func(Event)
}

// NewInbox creates an Inbox holding at most capacity events. A capacity <= 0
// uses [DefaultInboxCapacity]. onDrop, when non-nil, is called for every
// evicted event outside the lock.
func NewInbox(capacity int, onDrop func(Event)) *Inbox {
	if capacity <= 0 {
		capacity = DefaultInboxCapacity
	}
	return &Inbox{
		buf:    make([]Event, capacity),
		notify: make(chan struct{}, 1),
		onDrop: onDrop,
	}
}

// Push appends ev. It never blocks. It reports whether an older event had to
// be dropped.
func (in *Inbox) Push(ev Event) bool {
	in.mu.Lock()
	var evicted Event
	if in.size == len(in.buf) {
		evicted = in.buf[in.head]
		in.buf[in.head] = nil
		in.head = (in.head + 1) % len(in.buf)
		in.size--
		in.dropped++
	}
	in.buf[(in.head+in.size)%len(in.buf)] = ev
	in.size++
	in.mu.Unlock()

	select {
	case in.notify <- struct{}{}:
	default:
	}
	if evicted != nil && in.onDrop != nil {
		in.onDrop(evicted)
	}
	return evicted != nil
}

// TryNext removes and returns the oldest event without blocking.
func (in *Inbox) TryNext() (Event, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.size == 0 {
		return nil, false
	}
	ev := in.buf[in.head]
	in.buf[in.head] = nil
	in.head = (in.head + 1) % len(in.buf)
	in.size--
	return ev, true
}

// Next blocks until an event is available or ctx is done.
func (in *Inbox) Next(ctx context.Context) (Event, error) {
	for {
		if ev, ok := in.TryNext(); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-in.notify:
		}
	}
}

// Len returns the number of pending events.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.size
}

// Dropped returns the number of events evicted so far.
func (in *Inbox) Dropped() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.dropped
}

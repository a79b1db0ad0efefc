// Package mock provides an in-memory channel.Conn for tests.
//
// Inbound messages are scripted with Push; everything sent is recorded and
// can be inspected with Sent or SentOf. OnSend lets a test react to outbound
// traffic, for example by answering the end of a user turn with agent audio.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/orbvoice/internal/channel"
	"github.com/MrWong99/orbvoice/internal/protocol"
)

// Conn is a scripted channel.Conn. The zero value is not usable; use New.
type Conn struct {
	// SendErr, when set, is returned by every Send.
	SendErr error

	// OnSend is called after every successful Send, outside the lock.
	OnSend func(m protocol.Outbound)

	queue chan protocol.Inbound
	done  chan struct{}

	mu        sync.Mutex
	sent      []protocol.Outbound
	closed    bool
	remoteErr error
}

var _ channel.Conn = (*Conn)(nil)

// New returns a Conn whose inbound queue holds up to 1024 messages.
func New() *Conn {
	return &Conn{
		queue: make(chan protocol.Inbound, 1024),
		done:  make(chan struct{}),
	}
}

// Push enqueues inbound messages in order.
func (c *Conn) Push(msgs ...protocol.Inbound) {
	for _, m := range msgs {
		c.queue <- m
	}
}

// CloseRemote simulates the peer closing the connection with err.
func (c *Conn) CloseRemote(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.remoteErr = err
	close(c.done)
}

// Send implements channel.Conn.
func (c *Conn) Send(ctx context.Context, m protocol.Outbound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return channel.ErrClosed
	}
	if c.SendErr != nil {
		c.mu.Unlock()
		return c.SendErr
	}
	c.sent = append(c.sent, m)
	hook := c.OnSend
	c.mu.Unlock()
	if hook != nil {
		hook(m)
	}
	return nil
}

// Receive implements channel.Conn.
func (c *Conn) Receive(ctx context.Context, timeout time.Duration) (protocol.Inbound, error) {
	select {
	case m := <-c.queue:
		return m, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case m := <-c.queue:
		return m, nil
	case <-c.done:
		select {
		case m := <-c.queue:
			return m, nil
		default:
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.remoteErr != nil {
			return nil, fmt.Errorf("%w: %w", channel.ErrClosed, c.remoteErr)
		}
		return nil, channel.ErrClosed
	case <-t.C:
		return nil, channel.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements channel.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Closed reports whether Close or CloseRemote has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent returns a copy of every message sent so far.
func (c *Conn) Sent() []protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Outbound, len(c.sent))
	copy(out, c.sent)
	return out
}

// Pending returns how many pushed messages have not been received.
func (c *Conn) Pending() int { return len(c.queue) }

// SentOf returns the sent messages of type T, in order.
func SentOf[T protocol.Outbound](c *Conn) []T {
	var out []T
	for _, m := range c.Sent() {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/orbvoice/internal/protocol"
)

// Owner identifies a party that may hold receive ownership.
type Owner int

const (
	OwnerNone Owner = iota
	OwnerKeepalive
	OwnerTurn
)

// String implements fmt.Stringer.
func (o Owner) String() string {
	switch o {
	case OwnerNone:
		return "none"
	case OwnerKeepalive:
		return "keepalive"
	case OwnerTurn:
		return "turn"
	default:
		return fmt.Sprintf("owner(%d)", int(o))
	}
}

var (
	// ErrNotOwner is returned when a party receives or releases without
	// holding ownership.
	ErrNotOwner = errors.New("channel: caller does not hold receive ownership")

	// ErrHeld is returned by Acquire while another party holds ownership or
	// a receive is still in flight.
	ErrHeld = errors.New("channel: receive ownership is held")
)

// DefaultDeferredCapacity bounds the deferred queue of a [Gate].
const DefaultDeferredCapacity = 64

// Gate guards the receive side of a [Conn]. At most one [Owner] holds it at
// a time; transfer is Release by the old owner followed by Acquire by the new
// one, and Acquire fails while the old owner still has a Receive in flight.
//
// Messages the keepalive owner reads but cannot handle are deferred and
// handed to the next turn owner ahead of anything still on the wire, so
// arrival order is preserved across the transfer.
type Gate struct {
	conn Conn

	mu       sync.Mutex
	holder   Owner
	inFlight bool
	deferred []protocol.Inbound
	capacity int
	dropped  int
}

// NewGate wraps conn. The gate starts unowned.
func NewGate(conn Conn) *Gate {
	return &Gate{conn: conn, capacity: DefaultDeferredCapacity}
}

// Conn returns the guarded connection.
func (g *Gate) Conn() Conn { return g.conn }

// Holder returns the current owner.
func (g *Gate) Holder() Owner {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}

// Acquire makes o the owner. It fails with [ErrHeld] unless the gate is
// unowned and no receive is in flight. Re-acquiring by the current owner is a
// no-op.
func (g *Gate) Acquire(o Owner) error {
	if o == OwnerNone {
		return fmt.Errorf("channel: cannot acquire as %s", o)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder == o {
		return nil
	}
	if g.holder != OwnerNone || g.inFlight {
		return fmt.Errorf("%w by %s", ErrHeld, g.holder)
	}
	g.holder = o
	return nil
}

// Release gives up ownership held by o.
func (g *Gate) Release(o Owner) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder != o {
		return fmt.Errorf("%w: %s releasing, %s holds", ErrNotOwner, o, g.holder)
	}
	if g.inFlight {
		return fmt.Errorf("%w: receive in flight", ErrHeld)
	}
	g.holder = OwnerNone
	return nil
}

// Receive reads the next message on behalf of o. The turn owner first gets
// any deferred messages, oldest first.
func (g *Gate) Receive(ctx context.Context, o Owner, timeout time.Duration) (protocol.Inbound, error) {
	g.mu.Lock()
	if g.holder != o || o == OwnerNone {
		holder := g.holder
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s receiving, %s holds", ErrNotOwner, o, holder)
	}
	if o == OwnerTurn && len(g.deferred) > 0 {
		m := g.deferred[0]
		g.deferred[0] = nil
		g.deferred = g.deferred[1:]
		g.mu.Unlock()
		return m, nil
	}
	g.inFlight = true
	g.mu.Unlock()

	m, err := g.conn.Receive(ctx, timeout)

	g.mu.Lock()
	g.inFlight = false
	g.mu.Unlock()
	return m, err
}

// Defer queues m for the next turn owner. Only the keepalive owner defers.
// When the queue is full the oldest entry is dropped and logged.
func (g *Gate) Defer(o Owner, m protocol.Inbound) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder != o || o != OwnerKeepalive {
		return fmt.Errorf("%w: %s deferring, %s holds", ErrNotOwner, o, g.holder)
	}
	if len(g.deferred) >= g.capacity {
		slog.Warn("channel: deferred queue full, dropping oldest", "kind", g.deferred[0].Kind())
		g.deferred[0] = nil
		g.deferred = g.deferred[1:]
		g.dropped++
	}
	g.deferred = append(g.deferred, m)
	return nil
}

// TakeDeferred hands every deferred message to the turn owner, oldest first,
// and empties the queue.
func (g *Gate) TakeDeferred(o Owner) ([]protocol.Inbound, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder != o || o != OwnerTurn {
		return nil, fmt.Errorf("%w: %s taking deferred, %s holds", ErrNotOwner, o, g.holder)
	}
	out := g.deferred
	g.deferred = nil
	return out, nil
}

// Dropped returns how many deferred messages were lost to a full queue.
func (g *Gate) Dropped() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dropped
}

// Deferred returns how many messages wait for the next turn owner.
func (g *Gate) Deferred() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.deferred)
}

// Send writes m. Sending is not subject to receive ownership.
func (g *Gate) Send(ctx context.Context, m protocol.Outbound) error {
	return g.conn.Send(ctx, m)
}

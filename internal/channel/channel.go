// Package channel provides the single duplex message stream to the remote
// agent and the receive-ownership discipline layered on top of it.
//
// A [Conn] is a dumb transport: it sends and receives [protocol] messages and
// does no liveness handling of its own. Exactly one logical owner may call
// Receive at a time; [Gate] enforces that.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/orbvoice/internal/protocol"
)

var (
	// ErrTimeout is returned by Receive when no message arrived in time.
	ErrTimeout = errors.New("channel: receive timeout")

	// ErrClosed is returned once the connection is closed and every message
	// received before closure has been consumed.
	ErrClosed = errors.New("channel: closed")

	// ErrAuth is returned by Dial when the remote rejects the credentials.
	ErrAuth = errors.New("channel: authentication rejected")

	// ErrRejected is returned by Dial when the remote refuses the handshake
	// for a reason retrying will not fix (unknown agent, bad request).
	ErrRejected = errors.New("channel: handshake rejected")

	// ErrInvalidConfig is returned by Dial for an empty endpoint or key.
	ErrInvalidConfig = errors.New("channel: invalid configuration")
)

// Conn is a duplex connection to the remote agent.
//
// Send may be called from any goroutine. Receive must only be called by the
// current holder of receive ownership.
type Conn interface {
	// Send writes one message.
	Send(ctx context.Context, m protocol.Outbound) error

	// Receive returns the next inbound message in arrival order. It returns
	// [ErrTimeout] if none arrives within timeout, [ErrClosed] if the
	// connection is gone, or ctx.Err() if ctx is cancelled first. A cancelled
	// or timed-out Receive never consumes a message.
	Receive(ctx context.Context, timeout time.Duration) (protocol.Inbound, error)

	// Close closes the connection. It is safe to call more than once.
	Close() error
}

// IsFatal reports whether a Dial error must not be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrRejected) || errors.Is(err, ErrInvalidConfig)
}

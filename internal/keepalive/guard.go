// Package keepalive answers liveness probes while no turn owns the receive
// side of the connection.
//
// A [Guard] holds [channel.OwnerKeepalive] between turns. It replies to every
// ping with a pong carrying the same event ID, defers every other message to
// the next turn owner, and periodically tells the remote side the user is
// still present. Revoke is a synchronous rendezvous: when it returns nil the
// guard's receive loop has exited and ownership is free.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/orbvoice/internal/channel"
	"github.com/MrWong99/orbvoice/internal/protocol"
)

// ErrRevokeTimeout is returned by Revoke when the receive loop did not
// confirm its exit in time. The single-owner guarantee is lost, so callers
// treat it as fatal to the session.
var ErrRevokeTimeout = errors.New("keepalive: revoke timed out")

// Config tunes a Guard. Zero fields take the defaults below.
type Config struct {
	// PollTimeout bounds each receive. Default 250 ms.
	PollTimeout time.Duration

	// RevokeTimeout bounds how long Revoke waits for the loop to exit.
	// Default 2 s.
	RevokeTimeout time.Duration

	// SendTimeout bounds pong and activity sends. Default 5 s.
	SendTimeout time.Duration

	// ActivityInterval is the period of user_activity nudges. Default 60 s;
	// negative disables them.
	ActivityInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 250 * time.Millisecond
	}
	if c.RevokeTimeout <= 0 {
		c.RevokeTimeout = 2 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.ActivityInterval == 0 {
		c.ActivityInterval = 60 * time.Second
	}
	return c
}

// Guard is the between-turns receive owner. Start and Revoke must be called
// from the same goroutine (the engine's control loop).
type Guard struct {
	gate *channel.Gate
	cfg  Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	pongs    atomic.Uint64
	deferred atomic.Uint64
}

// New returns a stopped Guard for gate.
func New(gate *channel.Gate, cfg Config) *Guard {
	g := &Guard{gate: gate, cfg: cfg.withDefaults()}
	return g
}

// Start acquires keepalive ownership and begins answering probes. The
// ownership is taken before Start returns. Starting a running guard is a
// no-op.
func (g *Guard) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done != nil {
		select {
		case <-g.done:
		default:
			return nil
		}
	}
	if err := g.gate.Acquire(channel.OwnerKeepalive); err != nil {
		return fmt.Errorf("keepalive: start: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	g.cancel, g.done, g.err = cancel, done, nil
	go g.run(runCtx, done)
	return nil
}

// Revoke stops the loop, waits for it to confirm, and releases ownership.
// Revoking a stopped guard only releases ownership if it is still held.
func (g *Guard) Revoke() error {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.mu.Unlock()

	if cancel != nil {
		cancel()
		t := time.NewTimer(g.cfg.RevokeTimeout)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			return ErrRevokeTimeout
		}
	}
	if g.gate.Holder() == channel.OwnerKeepalive {
		if err := g.gate.Release(channel.OwnerKeepalive); err != nil {
			return fmt.Errorf("keepalive: revoke: %w", err)
		}
	}
	return nil
}

// Done is closed when the current loop exits, whether revoked or because
// the connection failed. It is nil before the first Start.
func (g *Guard) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// Err returns the error that ended the loop, or nil if it is running or was
// revoked.
func (g *Guard) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Pongs returns how many probes have been answered.
func (g *Guard) Pongs() uint64 { return g.pongs.Load() }

// DeferredCount returns how many messages were handed to the next turn.
func (g *Guard) DeferredCount() uint64 { return g.deferred.Load() }

func (g *Guard) fail(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

func (g *Guard) send(ctx context.Context, m protocol.Outbound) error {
	// Writes must not be torn by revocation.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.SendTimeout)
	defer cancel()
	return g.gate.Send(sendCtx, m)
}

func (g *Guard) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	var nudge <-chan time.Time
	if g.cfg.ActivityInterval > 0 {
		t := time.NewTicker(g.cfg.ActivityInterval)
		defer t.Stop()
		nudge = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-nudge:
			if err := g.send(ctx, protocol.UserActivity{}); err != nil {
				g.fail(fmt.Errorf("keepalive: user activity: %w", err))
				return
			}
			slog.Debug("keepalive: user activity sent")
		default:
		}

		m, err := g.gate.Receive(ctx, channel.OwnerKeepalive, g.cfg.PollTimeout)
		switch {
		case errors.Is(err, channel.ErrTimeout):
			continue
		case ctx.Err() != nil:
			if m != nil {
				// Received just before revocation; keep it for the turn.
				g.deferMsg(m)
			}
			return
		case err != nil:
			g.fail(fmt.Errorf("keepalive: receive: %w", err))
			return
		}

		if p, ok := m.(protocol.Ping); ok {
			if err := g.send(ctx, protocol.Pong{EventID: p.EventID}); err != nil {
				g.fail(fmt.Errorf("keepalive: pong: %w", err))
				return
			}
			g.pongs.Add(1)
			slog.Debug("keepalive: pong", "event_id", p.EventID, "ping_ms", p.PingMs)
			continue
		}
		g.deferMsg(m)
	}
}

func (g *Guard) deferMsg(m protocol.Inbound) {
	if err := g.gate.Defer(channel.OwnerKeepalive, m); err != nil {
		slog.Error("keepalive: cannot defer message", "kind", m.Kind(), "err", err)
		return
	}
	g.deferred.Add(1)
	slog.Debug("keepalive: deferred message for next turn", "kind", m.Kind())
}

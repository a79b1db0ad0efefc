// Package session supervises conversations: it connects to the remote agent,
// hands the connection to the turn engine and reconnects with exponential
// backoff when the connection drops.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/MrWong99/orbvoice/internal/channel"
	"github.com/MrWong99/orbvoice/internal/display"
	"github.com/MrWong99/orbvoice/internal/engine"
	"github.com/MrWong99/orbvoice/internal/observe"
	"github.com/MrWong99/orbvoice/internal/resilience"
)

// Default reconnection parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 10 * time.Second
	defaultMultiplier = 2
)

// ErrFatal marks failures that retrying cannot fix, such as a rejected API
// key. [Supervisor.Run] returns them to the caller.
var ErrFatal = errors.New("session: fatal")

// Fatal wraps err so that errors.Is(err, ErrFatal) holds.
func Fatal(err error) error {
	if err == nil || errors.Is(err, ErrFatal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// Dialer opens a new connection to the remote agent.
type Dialer func(ctx context.Context) (channel.Conn, error)

// Engine is the part of the turn engine the supervisor drives.
type Engine interface {
	WaitForStart(ctx context.Context) error
	RunSession(ctx context.Context, conn channel.Conn, opts engine.SessionOptions) error
}

// Config configures a [Supervisor].
type Config struct {
	// Backoff is the delay before the first reconnection attempt. Doubles
	// each attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 10s if zero.
	MaxBackoff time.Duration

	// AutoStart skips waiting for the begin tag on the first activation.
	AutoStart bool
}

// Option is a functional option for configuring a [Supervisor].
type Option func(*Supervisor)

// WithSleep replaces the function used to wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Supervisor) { s.sleep = fn }
}

// WithDisplay sets the indicator used to report connection trouble.
func WithDisplay(d display.Display) Option {
	return func(s *Supervisor) { s.display = d }
}

// WithMetrics sets the metrics used for connects and active sessions.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithIDs replaces the session id generator. Default: random UUIDs.
func WithIDs(fn func() string) Option {
	return func(s *Supervisor) { s.newID = fn }
}

// Supervisor owns the connect/retry loop around the turn engine.
//
// An activation starts when the engine reports a begin tag (or immediately
// with AutoStart) and lasts until the context is cancelled, a reload tag is
// read or a fatal error occurs. Within an activation the agent greets the
// user only on the first connection; reconnects resume silently.
type Supervisor struct {
	dial    Dialer
	eng     Engine
	cfg     Config
	sleep   func(ctx context.Context, d time.Duration) error
	display display.Display
	metrics *observe.Metrics
	newID   func() string

	sessions atomic.Int64
}

// New creates a [Supervisor].
func New(dial Dialer, eng Engine, cfg Config, opts ...Option) *Supervisor {
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	s := &Supervisor{
		dial:    dial,
		eng:     eng,
		cfg:     cfg,
		sleep:   sleepCtx,
		display: display.Log{},
		metrics: observe.DefaultMetrics(),
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run alternates between waiting for a begin tag and running activations
// until ctx is cancelled or an activation fails fatally.
func (s *Supervisor) Run(ctx context.Context) error {
	auto := s.cfg.AutoStart
	for {
		if !auto {
			if err := s.eng.WaitForStart(ctx); err != nil {
				return err
			}
		}
		auto = false

		err := s.Activate(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrFatal):
			s.display.Show(display.StatusError)
			return err
		case errors.Is(err, engine.ErrReload):
			slog.Info("session: reload requested, returning to idle")
		case err != nil:
			slog.Error("session: activation ended", "err", err)
			s.display.Show(display.StatusError)
		}
	}
}

// Activate connects and runs sessions until ctx is cancelled, a reload is
// requested or a fatal error occurs. Transient failures are retried with
// exponential backoff, reset after every successful connect.
func (s *Supervisor) Activate(ctx context.Context) error {
	b := s.backoff()
	greeting := true
	for attempt := 1; ; attempt++ {
		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if channel.IsFatal(err) {
				return Fatal(err)
			}
			delay := b.NextBackOff()
			slog.Warn("session: connect failed",
				"attempt", attempt,
				"backoff", delay,
				"err", err,
			)
			s.display.Show(display.StatusLoading)
			if err := s.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		b.Reset()
		attempt = 0

		err = s.runSession(ctx, conn, greeting)
		greeting = false
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, engine.ErrReload):
			return err
		case channel.IsFatal(err):
			return Fatal(err)
		case errors.Is(err, engine.ErrDevice):
			// Reconnecting does not bring back a dead sound card.
			return err
		}

		delay := b.NextBackOff()
		slog.Warn("session: connection lost, reconnecting", "backoff", delay, "err", err)
		s.display.Show(display.StatusLoading)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) (channel.Conn, error) {
	conn, err := s.dial(ctx)
	switch {
	case err == nil:
		s.metrics.RecordConnect(ctx, "ok")
	case channel.IsFatal(err):
		s.metrics.RecordConnect(ctx, "fatal")
	default:
		s.metrics.RecordConnect(ctx, "error")
	}
	return conn, err
}

func (s *Supervisor) runSession(ctx context.Context, conn channel.Conn, greeting bool) error {
	id := s.newID()
	s.sessions.Add(1)
	ctx, span := observe.StartSpan(ctx, "session")
	defer span.End()

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	slog.Info("session: connected", "session_id", id, "greeting", greeting)
	err := s.eng.RunSession(ctx, conn, engine.SessionOptions{ID: id, Greeting: greeting})
	if cerr := conn.Close(); cerr != nil {
		slog.Debug("session: close connection", "session_id", id, "err", cerr)
	}
	slog.Info("session: ended", "session_id", id, "err", err)
	return err
}

// Sessions returns how many connections have been established.
func (s *Supervisor) Sessions() int64 { return s.sessions.Load() }

func (s *Supervisor) backoff() *backoff.ExponentialBackOff {
	return resilience.RetryPolicy{
		Name:       "connect",
		Initial:    s.cfg.Backoff,
		Multiplier: defaultMultiplier,
		Max:        s.cfg.MaxBackoff,
	}.BackOff()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

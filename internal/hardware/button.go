package hardware

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/orbvoice/internal/resilience"
)

// Pin reads the current level of the control button. true means pressed; the
// driver resolves active-low wiring.
type Pin interface {
	Read() (bool, error)
}

// Profile selects which button edges are emitted.
type Profile int32

const (
	// ProfileMomentary emits both press and release edges (manual-control mode).
	ProfileMomentary Profile = iota

	// ProfileToggle emits presses only; each press toggles mute in the engine
	// (voice-activated mode).
	ProfileToggle
)

// String returns the profile name.
func (p Profile) String() string {
	switch p {
	case ProfileMomentary:
		return "momentary"
	case ProfileToggle:
		return "toggle"
	default:
		return "unknown"
	}
}

// ButtonConfig configures a [ButtonSource].
type ButtonConfig struct {
	// Poll is the sampling interval. Default: 10ms.
	Poll time.Duration

	// Debounce is how long a new level must persist before it is accepted.
	// Default: 50ms.
	Debounce time.Duration

	// Profile selects the emitted edges.
	Profile Profile

	// Retry bounds the attempts for a single failing read.
	Retry resilience.RetryPolicy

	// Breaker degrades the source after persistent read failures.
	Breaker resilience.CircuitBreakerConfig
}

// ButtonSource samples a [Pin] and pushes debounced [ButtonEdge] events.
type ButtonSource struct {
	pin     Pin
	inbox   *Inbox
	cfg     ButtonConfig
	breaker *resilience.CircuitBreaker
	profile atomic.Int32
	now     func() time.Time
}

// NewButtonSource creates a ButtonSource. Zero config fields take defaults.
func NewButtonSource(pin Pin, inbox *Inbox, cfg ButtonConfig) *ButtonSource {
	if cfg.Poll <= 0 {
		cfg.Poll = 10 * time.Millisecond
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 50 * time.Millisecond
	}
	if cfg.Retry.Name == "" {
		cfg.Retry.Name = "button read"
	}
	if cfg.Retry.Initial <= 0 {
		cfg.Retry.Initial = time.Millisecond
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "button"
	}
	b := &ButtonSource{
		pin:     pin,
		inbox:   inbox,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
		now:     time.Now,
	}
	b.profile.Store(int32(cfg.Profile))
	return b
}

// SetProfile switches the emitted edges; it takes effect on the next edge.
func (b *ButtonSource) SetProfile(p Profile) { b.profile.Store(int32(p)) }

// Degraded reports whether the source stopped emitting because of read
// failures.
func (b *ButtonSource) Degraded() bool { return b.breaker.State() != resilience.StateClosed }

// Run polls until ctx is done. It always returns nil after ctx is done; read
// failures never end the loop.
func (b *ButtonSource) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.Poll)
	defer ticker.Stop()

	var (
		stable      bool
		candidate   bool
		candidateAt time.Time
		pending     bool
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		level, err := b.read(ctx)
		if err != nil {
			if !errors.Is(err, resilience.ErrCircuitOpen) && ctx.Err() == nil {
				slog.Debug("button read failed", "err", err)
			}
			continue
		}

		now := b.now()
		if level == stable {
			pending = false
			continue
		}
		if !pending || candidate != level {
			pending, candidate, candidateAt = true, level, now
			continue
		}
		if now.Sub(candidateAt) < b.cfg.Debounce {
			continue
		}
		stable, pending = level, false
		if !level && Profile(b.profile.Load()) == ProfileToggle {
			continue
		}
		b.inbox.Push(ButtonEdge{Pressed: level, At: now})
	}
}

func (b *ButtonSource) read(ctx context.Context) (bool, error) {
	var level bool
	err := b.breaker.Execute(func() error {
		var err error
		level, err = resilience.Retry(ctx, b.cfg.Retry, b.pin.Read)
		return err
	})
	return level, err
}

package hardware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/orbvoice/internal/resilience"
)

// TagReader polls a proximity-tag reader. ReadUID returns the UID of a tag in
// range, or "" when none was seen within timeout.
type TagReader interface {
	ReadUID(ctx context.Context, timeout time.Duration) (string, error)
}

// TagConfig configures a [TagSource].
type TagConfig struct {
	// ReadTimeout bounds a single poll. Default: 200ms.
	ReadTimeout time.Duration

	// Debounce discards repeated reads of the same UID. Default: 1.5s.
	Debounce time.Duration

	// Retry bounds the attempts for a single failing read.
	Retry resilience.RetryPolicy

	// Breaker degrades the source after persistent read failures.
	Breaker resilience.CircuitBreakerConfig
}

// TagSource polls a [TagReader] and pushes debounced [TagRead] events.
type TagSource struct {
	reader  TagReader
	inbox   *Inbox
	cfg     TagConfig
	breaker *resilience.CircuitBreaker
	now     func() time.Time
}

// NewTagSource creates a TagSource. Zero config fields take defaults.
func NewTagSource(reader TagReader, inbox *Inbox, cfg TagConfig) *TagSource {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 200 * time.Millisecond
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 1500 * time.Millisecond
	}
	if cfg.Retry.Name == "" {
		cfg.Retry.Name = "tag read"
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "tag-reader"
	}
	return &TagSource{
		reader:  reader,
		inbox:   inbox,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
		now:     time.Now,
	}
}

// Degraded reports whether the source stopped emitting because of read
// failures.
func (s *TagSource) Degraded() bool { return s.breaker.State() != resilience.StateClosed }

// Run polls until ctx is done. Read failures never end the loop; while the
// breaker is open the source idles for one read timeout per iteration.
func (s *TagSource) Run(ctx context.Context) error {
	var (
		lastUID string
		lastAt  time.Time
	)
	for ctx.Err() == nil {
		var uid string
		err := s.breaker.Execute(func() error {
			var err error
			uid, err = resilience.Retry(ctx, s.cfg.Retry, func() (string, error) {
				return s.reader.ReadUID(ctx, s.cfg.ReadTimeout)
			})
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if !errors.Is(err, resilience.ErrCircuitOpen) {
				slog.Debug("tag read failed", "err", err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.ReadTimeout):
			}
			continue
		}
		if uid == "" {
			continue
		}

		now := s.now()
		if uid == lastUID && now.Sub(lastAt) < s.cfg.Debounce {
			continue
		}
		lastUID, lastAt = uid, now
		slog.Debug("tag read", "uid", uid)
		s.inbox.Push(TagRead{ID: uid, At: now})
	}
	return nil
}

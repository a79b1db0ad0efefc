package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy parameterises [Retry].
type RetryPolicy struct {
	// Name labels log messages.
	Name string

	// Attempts is the total number of tries including the first. Default: 3.
	Attempts int

	// Initial is the delay before the second try. Default: 100ms.
	Initial time.Duration

	// Multiplier grows the delay between tries. 1 gives a constant delay.
	// Default: 2.
	Multiplier float64

	// Max caps the delay. Zero means no cap beyond what Attempts implies.
	Max time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	return p
}

// BackOff returns a deterministic exponential backoff for p.
func (p RetryPolicy) BackOff() *backoff.ExponentialBackOff {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = p.Max
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(float64(p.Initial) * pow(p.Multiplier, p.Attempts))
	}
	b.Reset()
	return b
}

// Permanent wraps err so [Retry] stops immediately and returns err.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry calls op until it succeeds, returns a [Permanent] error, ctx is done
// or attempts run out. The last error is returned.
func Retry[T any](ctx context.Context, p RetryPolicy, op func() (T, error)) (T, error) {
	p = p.withDefaults()
	attempt := 0
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		return op()
	},
		backoff.WithBackOff(p.BackOff()),
		backoff.WithMaxTries(uint(p.Attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("retrying",
				"name", p.Name,
				"attempt", attempt,
				"next_in", next,
				"err", err)
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return v, err
}

func pow(x float64, n int) float64 {
	r := 1.0
	for range n {
		r *= x
	}
	return r
}

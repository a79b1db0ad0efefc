package hardware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/orbvoice/internal/resilience"
)

// scriptedPin returns levels from a function of elapsed time.
type scriptedPin struct {
	start time.Time
	level func(elapsed time.Duration) bool
	err   error
}

func (p *scriptedPin) Read() (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	return p.level(time.Since(p.start)), nil
}

func collect(in *Inbox) []Event {
	var out []Event
	for {
		ev, ok := in.TryNext()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func runFor(t *testing.T, d time.Duration, run func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), d)
	defer cancel()
	if err := run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestButtonSource_Debounce(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		level   func(time.Duration) bool
		want    []bool
	}{
		{
			name:    "bounce shorter than debounce is ignored",
			profile: ProfileMomentary,
			level: func(e time.Duration) bool {
				return e > 50*time.Millisecond && e < 70*time.Millisecond
			},
			want: nil,
		},
		{
			name:    "momentary press and release",
			profile: ProfileMomentary,
			level: func(e time.Duration) bool {
				return e > 50*time.Millisecond && e < 250*time.Millisecond
			},
			want: []bool{true, false},
		},
		{
			name:    "toggle emits presses only",
			profile: ProfileToggle,
			level: func(e time.Duration) bool {
				return e > 50*time.Millisecond && e < 250*time.Millisecond
			},
			want: []bool{true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := NewInbox(0, nil)
			pin := &scriptedPin{start: time.Now(), level: tt.level}
			src := NewButtonSource(pin, in, ButtonConfig{Profile: tt.profile})
			runFor(t, 450*time.Millisecond, src.Run)

			events := collect(in)
			if len(events) != len(tt.want) {
				t.Fatalf("got %d events %v, want %v", len(events), events, tt.want)
			}
			for i, w := range tt.want {
				if e := events[i].(ButtonEdge); e.Pressed != w {
					t.Errorf("edge %d pressed = %v, want %v", i, e.Pressed, w)
				}
			}
		})
	}
}

func TestButtonSource_DegradesOnPersistentFailure(t *testing.T) {
	in := NewInbox(0, nil)
	pin := &scriptedPin{err: errors.New("i/o error")}
	src := NewButtonSource(pin, in, ButtonConfig{
		Retry:   resilience.RetryPolicy{Attempts: 2, Initial: time.Millisecond},
		Breaker: resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	runFor(t, 100*time.Millisecond, src.Run)
	if !src.Degraded() {
		t.Error("source not degraded after persistent failures")
	}
	if in.Len() != 0 {
		t.Errorf("degraded source emitted %d events", in.Len())
	}
}

// fakeReader replays UIDs, one per call, then reports no tag.
type fakeReader struct {
	mu   sync.Mutex
	uids []string
	err  error
}

func (r *fakeReader) ReadUID(ctx context.Context, timeout time.Duration) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	if len(r.uids) == 0 {
		r.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
		}
		r.mu.Lock()
		return "", nil
	}
	uid := r.uids[0]
	r.uids = r.uids[1:]
	return uid, nil
}

func TestTagSource_Debounce(t *testing.T) {
	in := NewInbox(0, nil)
	reader := &fakeReader{uids: []string{"04:AA", "04:AA", "04:AA", "04:BB", "04:AA"}}
	src := NewTagSource(reader, in, TagConfig{ReadTimeout: 5 * time.Millisecond})
	runFor(t, 50*time.Millisecond, src.Run)

	var got []string
	for _, ev := range collect(in) {
		got = append(got, ev.(TagRead).ID)
	}
	want := []string{"04:AA", "04:BB", "04:AA"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("read %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTagSource_FailureDoesNotAffectButton(t *testing.T) {
	in := NewInbox(0, nil)
	tags := NewTagSource(&fakeReader{err: errors.New("nack")}, in, TagConfig{
		ReadTimeout: 5 * time.Millisecond,
		Retry:       resilience.RetryPolicy{Attempts: 1},
		Breaker:     resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	pin := &scriptedPin{start: time.Now(), level: func(e time.Duration) bool { return e > 20*time.Millisecond }}
	button := NewButtonSource(pin, in, ButtonConfig{})

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = tags.Run(ctx) }()
	go func() { defer wg.Done(); _ = button.Run(ctx) }()
	wg.Wait()

	if !tags.Degraded() {
		t.Error("tag source not degraded")
	}
	if button.Degraded() {
		t.Error("button source degraded by tag failures")
	}
	events := collect(in)
	if len(events) != 1 {
		t.Fatalf("got %d events, want one button press", len(events))
	}
	if e, ok := events[0].(ButtonEdge); !ok || !e.Pressed {
		t.Errorf("event = %#v, want press", events[0])
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/orbvoice/internal/channel"
	chmock "github.com/MrWong99/orbvoice/internal/channel/mock"
	"github.com/MrWong99/orbvoice/internal/engine"
	"github.com/MrWong99/orbvoice/internal/keepalive"
)

// scriptedDialer returns the scripted results in order. nil entries yield a
// fresh mock connection.
type scriptedDialer struct {
	mu      sync.Mutex
	results []error
	conns   []*chmock.Conn
	calls   int
}

func (d *scriptedDialer) dial(ctx context.Context) (channel.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.results) == 0 {
		return nil, errors.New("script exhausted")
	}
	err := d.results[0]
	d.results = d.results[1:]
	if err != nil {
		return nil, err
	}
	c := chmock.New()
	d.conns = append(d.conns, c)
	return c, nil
}

// fakeEngine returns the scripted session results in order.
type fakeEngine struct {
	mu       sync.Mutex
	sessions []error
	opts     []engine.SessionOptions
	starts   int
	startErr error
}

func (e *fakeEngine) WaitForStart(ctx context.Context) error {
	e.mu.Lock()
	e.starts++
	err := e.startErr
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (e *fakeEngine) RunSession(ctx context.Context, _ channel.Conn, opts engine.SessionOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts = append(e.opts, opts)
	if len(e.sessions) == 0 {
		return channel.ErrClosed
	}
	err := e.sessions[0]
	e.sessions = e.sessions[1:]
	return err
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func seconds(ns ...int) []time.Duration {
	out := make([]time.Duration, len(ns))
	for i, n := range ns {
		out[i] = time.Duration(n) * time.Second
	}
	return out
}

var errNetwork = errors.New("connection refused")

func TestActivate_BackoffSequence(t *testing.T) {
	t.Parallel()
	dialer := &scriptedDialer{results: []error{
		errNetwork, errNetwork, errNetwork, errNetwork, errNetwork, errNetwork,
		channel.ErrAuth,
	}}
	sleeps := &sleepRecorder{}
	s := New(dialer.dial, &fakeEngine{}, Config{}, WithSleep(sleeps.sleep))

	err := s.Activate(t.Context())
	if !errors.Is(err, ErrFatal) || !errors.Is(err, channel.ErrAuth) {
		t.Fatalf("Activate = %v, want fatal auth error", err)
	}
	if want := seconds(1, 2, 4, 8, 10, 10); !slices.Equal(sleeps.delays, want) {
		t.Errorf("delays = %v, want %v", sleeps.delays, want)
	}
}

func TestActivate_BackoffResetsAfterConnect(t *testing.T) {
	t.Parallel()
	dialer := &scriptedDialer{results: []error{
		errNetwork, errNetwork, nil, errNetwork, channel.ErrRejected,
	}}
	eng := &fakeEngine{sessions: []error{channel.ErrClosed}}
	sleeps := &sleepRecorder{}
	s := New(dialer.dial, eng, Config{}, WithSleep(sleeps.sleep))

	if err := s.Activate(t.Context()); !errors.Is(err, ErrFatal) {
		t.Fatalf("Activate = %v, want fatal", err)
	}
	if want := seconds(1, 2, 1, 2); !slices.Equal(sleeps.delays, want) {
		t.Errorf("delays = %v, want %v", sleeps.delays, want)
	}
	if !dialer.conns[0].Closed() {
		t.Error("connection was not closed after the session")
	}
}

func TestActivate_GreetsOnlyOnFirstConnect(t *testing.T) {
	t.Parallel()
	dialer := &scriptedDialer{results: []error{nil, nil, nil}}
	eng := &fakeEngine{sessions: []error{channel.ErrClosed, channel.ErrTimeout, engine.ErrReload}}
	s := New(dialer.dial, eng, Config{}, WithSleep((&sleepRecorder{}).sleep), WithIDs(func() string { return "id" }))

	if err := s.Activate(t.Context()); !errors.Is(err, engine.ErrReload) {
		t.Fatalf("Activate = %v, want ErrReload", err)
	}
	var greetings []bool
	for _, o := range eng.opts {
		greetings = append(greetings, o.Greeting)
	}
	if want := []bool{true, false, false}; !slices.Equal(greetings, want) {
		t.Errorf("greetings = %v, want %v", greetings, want)
	}
}

func TestActivate_Fatal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		dial       []error
		sessions   []error
		wantFatal  bool
		wantSleeps int
	}{
		{name: "auth at connect", dial: []error{channel.ErrAuth}, wantFatal: true},
		{name: "bad config at connect", dial: []error{channel.ErrInvalidConfig}, wantFatal: true},
		{name: "rejected mid session", dial: []error{nil}, sessions: []error{channel.ErrRejected}, wantFatal: true},
		{name: "device failure", dial: []error{nil}, sessions: []error{engine.ErrDevice}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sleeps := &sleepRecorder{}
			s := New((&scriptedDialer{results: tt.dial}).dial, &fakeEngine{sessions: tt.sessions}, Config{},
				WithSleep(sleeps.sleep))
			err := s.Activate(t.Context())
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := errors.Is(err, ErrFatal); got != tt.wantFatal {
				t.Errorf("fatal = %v, want %v (err %v)", got, tt.wantFatal, err)
			}
			if len(sleeps.delays) != tt.wantSleeps {
				t.Errorf("slept %d times, want %d", len(sleeps.delays), tt.wantSleeps)
			}
		})
	}
}

func TestActivate_StopsWhileWaiting(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	dialer := &scriptedDialer{results: []error{errNetwork}}
	s := New(dialer.dial, &fakeEngine{}, Config{}, WithSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))
	if err := s.Activate(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Activate = %v, want context.Canceled", err)
	}
}

func TestRun_ReloadReturnsToIdle(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	dialer := &scriptedDialer{results: []error{nil, nil}}
	eng := &fakeEngine{sessions: []error{engine.ErrReload}}
	// The second activation's session ends the test.
	s := New(dialer.dial, &cancelOnSecond{fakeEngine: eng, cancel: cancel}, Config{AutoStart: true},
		WithSleep((&sleepRecorder{}).sleep))

	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	// AutoStart skips the first wait; the reload leads to exactly one.
	if eng.starts != 1 {
		t.Errorf("WaitForStart called %d times, want 1", eng.starts)
	}
	if len(eng.opts) != 2 || !eng.opts[1].Greeting {
		t.Errorf("sessions = %+v, want a greeting after the reload", eng.opts)
	}
}

func TestRun_FatalIsReturned(t *testing.T) {
	t.Parallel()
	s := New((&scriptedDialer{results: []error{channel.ErrAuth}}).dial, &fakeEngine{}, Config{AutoStart: true})
	if err := s.Run(t.Context()); !errors.Is(err, ErrFatal) {
		t.Fatalf("Run = %v, want ErrFatal", err)
	}
}

func TestFatal(t *testing.T) {
	t.Parallel()
	if Fatal(nil) != nil {
		t.Error("Fatal(nil) != nil")
	}
	err := Fatal(Fatal(channel.ErrAuth))
	if !errors.Is(err, ErrFatal) || !errors.Is(err, channel.ErrAuth) {
		t.Errorf("Fatal lost its chain: %v", err)
	}
}

type cancelOnSecond struct {
	*fakeEngine
	cancel context.CancelFunc
}

func (c *cancelOnSecond) RunSession(ctx context.Context, conn channel.Conn, opts engine.SessionOptions) error {
	err := c.fakeEngine.RunSession(ctx, conn, opts)
	c.mu.Lock()
	n := len(c.opts)
	c.mu.Unlock()
	if n == 2 {
		c.cancel()
		return context.Canceled
	}
	return err
}

func TestActivate_OwnershipLossReconnects(t *testing.T) {
	t.Parallel()
	lost := fmt.Errorf("%w: %w", engine.ErrOwnership, keepalive.ErrRevokeTimeout)
	dialer := &scriptedDialer{results: []error{nil, nil}}
	eng := &fakeEngine{sessions: []error{lost, engine.ErrReload}}
	sleeps := &sleepRecorder{}
	s := New(dialer.dial, eng, Config{}, WithSleep(sleeps.sleep))

	if err := s.Activate(t.Context()); !errors.Is(err, engine.ErrReload) {
		t.Fatalf("Activate = %v, want ErrReload after reconnecting", err)
	}
	if dialer.calls != 2 {
		t.Errorf("dialed %d times, want 2", dialer.calls)
	}
	if !dialer.conns[0].Closed() {
		t.Error("connection with lost ownership was not closed")
	}
	if want := seconds(1); !slices.Equal(sleeps.delays, want) {
		t.Errorf("delays = %v, want %v", sleeps.delays, want)
	}
	if len(eng.opts) != 2 || eng.opts[1].Greeting {
		t.Errorf("session options = %+v, want a second session without greeting", eng.opts)
	}
}

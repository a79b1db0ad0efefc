// Package app wires the orbvoice subsystems into a running device.
//
// The App owns the full lifecycle: New opens every device named by the
// config, Run executes the conversation loop next to the hardware pollers and
// the power watcher, and Stop cancels Run, waits for it and releases the
// devices in reverse order.
//
// For testing, inject doubles via functional options (WithRegistry,
// WithDialer). When an option is not provided, New builds the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/orbvoice/internal/channel"
	"github.com/MrWong99/orbvoice/internal/config"
	"github.com/MrWong99/orbvoice/internal/display"
	"github.com/MrWong99/orbvoice/internal/engine"
	"github.com/MrWong99/orbvoice/internal/hardware"
	"github.com/MrWong99/orbvoice/internal/health"
	"github.com/MrWong99/orbvoice/internal/keepalive"
	"github.com/MrWong99/orbvoice/internal/observe"
	"github.com/MrWong99/orbvoice/internal/resilience"
	"github.com/MrWong99/orbvoice/internal/segmenter"
	"github.com/MrWong99/orbvoice/internal/session"
	"github.com/MrWong99/orbvoice/internal/tags"
	"github.com/MrWong99/orbvoice/internal/telemetry"
	"github.com/MrWong99/orbvoice/pkg/audio"
	"github.com/MrWong99/orbvoice/pkg/provider/vad"
)

// ErrStopped is returned by Run after Stop or the power flag ended it.
var ErrStopped = errors.New("app: stopped")

// cueBeep is played for accepted tags when no cue file is configured.
var cueBeep = audio.Beep(880, 120*time.Millisecond, 0.3)

// App owns all subsystem lifetimes.
type App struct {
	registry   *config.Registry
	configPath string
	watcher    *config.Watcher
	level      *slog.LevelVar
	metrics    *observe.Metrics
	dial       session.Dialer

	cfg atomic.Pointer[config.Config]
	lib atomic.Pointer[tags.Library]

	clock      *audio.FrameClock
	inbox      *hardware.Inbox
	button     *hardware.ButtonSource
	tagSource  *hardware.TagSource
	display    display.Display
	recorder   *telemetry.Recorder
	pg         *telemetry.PostgresSink
	engine     *engine.Engine
	supervisor *session.Supervisor

	// closers are called in order during Stop.
	closers []func() error

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry replaces [config.DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithConfigFile names the file cfg was loaded from. Reload tags re-read
// it, and it is polled every server.watch_interval when that is set.
func WithConfigFile(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithLevelVar sets the log level variable adjusted on config reload.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d session.Dialer) Option {
	return func(a *App) { a.dial = d }
}

// New creates an App from cfg. Devices are opened synchronously; any failure
// closes what was already opened.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		registry: config.DefaultRegistry(),
		level:    new(slog.LevelVar),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.dial == nil {
		a.dial = a.dialAgent
	}
	a.cfg.Store(cfg)
	a.level.Set(slogLevel(cfg.Server.LogLevel))

	if err := a.init(ctx, cfg); err != nil {
		a.closeAll()
		return nil, err
	}
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.OnConfigChange,
			config.WithInterval(cfg.Server.WatchInterval))
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
	}
	return a, nil
}

func (a *App) init(ctx context.Context, cfg *config.Config) error {
	// ── 1. Audio ─────────────────────────────────────────────────────────
	devs, err := a.registry.CreateAudio(cfg.Audio)
	if err != nil {
		return fmt.Errorf("app: audio: %w", err)
	}
	a.clock = audio.NewFrameClock(devs.Capture, devs.Playback)
	a.closers = append(a.closers, a.clock.Close)

	// ── 2. Display ───────────────────────────────────────────────────────
	d, err := a.registry.CreateDisplay(cfg.Display)
	if err != nil {
		return fmt.Errorf("app: display: %w", err)
	}
	if c, ok := d.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.display = d

	// ── 3. Hardware inputs ───────────────────────────────────────────────
	a.inbox = hardware.NewInbox(cfg.Input.InboxSize, func(ev hardware.Event) {
		a.metrics.InboxDrops.Add(context.Background(), 1)
	})
	if err := a.initInputs(ctx, cfg); err != nil {
		return err
	}

	// ── 4. Tag library ───────────────────────────────────────────────────
	lib, err := tags.Load(cfg.Tags.Library)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.lib.Store(lib)
	slog.Info("tag library loaded", "path", cfg.Tags.Library, "entries", lib.Len())

	// ── 5. Turn records ──────────────────────────────────────────────────
	sinks := []telemetry.Sink{telemetry.LogSink{}, telemetry.MetricsSink{Metrics: a.metrics}}
	if cfg.Telemetry.PostgresDSN != "" {
		pg, err := telemetry.NewPostgresSink(ctx, cfg.Telemetry.PostgresDSN)
		if err != nil {
			return fmt.Errorf("app: telemetry: %w", err)
		}
		a.pg = pg
		sinks = append(sinks, pg)
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
	}
	a.recorder = telemetry.NewRecorder(cfg.Telemetry.QueueSize, sinks...)
	// Closed before the postgres pool so pending records still reach it.
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return a.recorder.Close(ctx)
	})

	// ── 6. Engine ────────────────────────────────────────────────────────
	if err := a.initEngine(cfg); err != nil {
		return err
	}

	// ── 7. Supervisor ────────────────────────────────────────────────────
	a.supervisor = session.New(a.dial, a.engine, session.Config{
		Backoff:    cfg.Agent.Backoff,
		MaxBackoff: cfg.Agent.MaxBackoff,
		AutoStart:  cfg.Agent.AutoStart,
	}, session.WithDisplay(a.display), session.WithMetrics(a.metrics))
	return nil
}

func (a *App) initInputs(ctx context.Context, cfg *config.Config) error {
	pin, err := a.registry.CreateButton(cfg.Input.Button)
	if err != nil {
		return fmt.Errorf("app: button: %w", err)
	}
	if pin != nil {
		a.button = hardware.NewButtonSource(pin, a.inbox, hardware.ButtonConfig{
			Profile: buttonProfile(cfg.Input.Mode),
		})
		if c, ok := pin.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}

	// Serial adapters enumerate late after boot; give them a few tries.
	reader, err := resilience.Retry(ctx, resilience.RetryPolicy{
		Name:     "tag reader open",
		Attempts: 5,
		Initial:  500 * time.Millisecond,
	}, func() (hardware.TagReader, error) {
		r, err := a.registry.CreateTagReader(cfg.Input.TagReader)
		if errors.Is(err, config.ErrBackendNotRegistered) {
			return nil, resilience.Permanent(err)
		}
		return r, err
	})
	if err != nil {
		return fmt.Errorf("app: tag reader: %w", err)
	}
	if reader != nil {
		a.tagSource = hardware.NewTagSource(reader, a.inbox, hardware.TagConfig{})
		if c, ok := reader.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}
	return nil
}

func (a *App) initEngine(cfg *config.Config) error {
	opts := []engine.Option{
		engine.WithDisplay(a.display),
		engine.WithRecorder(a.recorder),
		engine.WithResolver(a),
		engine.WithReload(a.reload),
		engine.WithMetrics(a.metrics),
		engine.WithCue(a.tagCue(cfg.Audio.TagCue)),
	}
	if a.button != nil {
		opts = append(opts, engine.WithButton(a.button))
	}

	classifier, err := a.classifier(cfg.VAD)
	if err != nil {
		// Manual mode works without a classifier; voice mode does not.
		if config.NormalizeMode(cfg.Input.Mode) == config.ModeVoice {
			return fmt.Errorf("app: vad: %w", err)
		}
		slog.Warn("voice activity classifier unavailable", "classifier", cfg.VAD.Classifier, "err", err)
	} else {
		opts = append(opts, engine.WithClassifier(classifier))
		a.closers = append(a.closers, classifier.Close)
	}

	mode, err := engine.ParseMode(string(cfg.Input.Mode))
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	eng, err := engine.New(a.clock, a.inbox, engine.Config{
		Mode:      mode,
		Timings:   timings(cfg.Turn),
		Segmenter: segmenterConfig(cfg.Turn),
		Keepalive: keepalive.Config{ActivityInterval: cfg.Agent.ActivityInterval},
	}, opts...)
	if err != nil {
		return fmt.Errorf("app: engine: %w", err)
	}
	a.engine = eng
	return nil
}

func (a *App) classifier(c config.VADConfig) (vad.SessionHandle, error) {
	e, err := a.registry.CreateVAD(c)
	if err != nil {
		return nil, err
	}
	return e.NewSession(vad.Config{
		SampleRate:       audio.SampleRate,
		FrameSizeMs:      int(audio.FrameDuration / time.Millisecond),
		SpeechThreshold:  c.Threshold,
		SilenceThreshold: c.SilenceThreshold,
	})
}

func (a *App) tagCue(path string) audio.Cue {
	if path == "" {
		return cueBeep
	}
	cue, err := audio.LoadCue(path)
	if err != nil {
		slog.Warn("tag cue unreadable, using beep", "path", path, "err", err)
		return cueBeep
	}
	return cue
}

// ─── Run / Stop ──────────────────────────────────────────────────────────────

// Run plays the start cue and runs the conversation loop until ctx is
// cancelled, Stop is called, the power flag appears or the supervisor fails
// fatally. The indicator shows Bye when Run returns. Call it at most once.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	defer close(a.done)
	defer cancel()

	cfg := a.cfg.Load()
	g, gctx := errgroup.WithContext(ctx)
	if a.button != nil {
		g.Go(func() error { return a.button.Run(gctx) })
	}
	if a.tagSource != nil {
		g.Go(func() error { return a.tagSource.Run(gctx) })
	}
	if cfg.Power.ShutdownFlag != "" {
		g.Go(func() error { return a.watchPower(gctx, cfg.Power.ShutdownFlag, cfg.Power.Poll) })
	}
	g.Go(func() error {
		a.playStartCue(gctx, cfg.Audio.StartCue)
		err := a.supervisor.Run(gctx)
		if gctx.Err() == nil {
			return err
		}
		return nil
	})

	err := g.Wait()
	a.display.Show(display.StatusBye)
	if err == nil && ctx.Err() != nil {
		return ErrStopped
	}
	return err
}

// Stop cancels Run and waits for it to return, then releases the devices in
// reverse order. It respects the ctx deadline: if ctx expires first the
// remaining closers are skipped and ctx's error is returned.
func (a *App) Stop(ctx context.Context) error {
	var stopErr error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		cancel := a.cancel
		a.mu.Unlock()
		if cancel != nil {
			cancel()
			select {
			case <-a.done:
			case <-ctx.Done():
				slog.Warn("stop deadline exceeded while waiting for the conversation loop")
				stopErr = ctx.Err()
				return
			}
		}
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				stopErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return stopErr
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}

func (a *App) playStartCue(ctx context.Context, path string) {
	if path == "" {
		return
	}
	cue, err := audio.LoadCue(path)
	if err != nil {
		slog.Warn("start cue unreadable", "path", path, "err", err)
		return
	}
	if err := a.clock.PlayCue(ctx, cue); err != nil {
		slog.Warn("start cue failed", "err", err)
	}
}

// watchPower stops the app once the flag file exists. The battery monitor
// creates it shortly before cutting power.
func (a *App) watchPower(ctx context.Context, flag string, poll time.Duration) error {
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if _, err := os.Stat(flag); err == nil {
			slog.Info("power: shutdown flag present, stopping", "flag", flag)
			a.mu.Lock()
			cancel := a.cancel
			a.mu.Unlock()
			cancel()
			return nil
		}
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Resolve implements [engine.Resolver] against the current tag library.
func (a *App) Resolve(uid string) tags.Resolution {
	return a.lib.Load().Resolve(uid)
}

// reload runs on the engine goroutine when a reload tag is read.
func (a *App) reload(ctx context.Context) error {
	var errs []error
	if a.watcher != nil {
		if _, err := a.watcher.Reload(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.lib.Load().Reload(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// OnConfigChange applies a new configuration; it is the config watcher's
// callback. Values take effect from the next session; sections whose devices
// are opened at boot are logged and ignored until restart.
func (a *App) OnConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	a.cfg.Store(new)

	if d.LogLevelChanged {
		a.level.Set(slogLevel(d.NewLogLevel))
		slog.Info("config: log level changed", "level", d.NewLogLevel)
	}
	if d.ModeChanged {
		mode, err := engine.ParseMode(string(d.NewMode))
		if err == nil {
			err = a.engine.SetMode(mode)
		}
		if err != nil {
			slog.Error("config: cannot switch mode", "mode", d.NewMode, "err", err)
		} else {
			slog.Info("config: mode changed, applies at the next session", "mode", d.NewMode)
		}
	}
	if d.TurnChanged {
		a.engine.SetTimings(timings(new.Turn))
	}
	if d.TagsChanged {
		lib, err := tags.Load(new.Tags.Library)
		if err != nil {
			slog.Error("config: tag library not swapped", "path", new.Tags.Library, "err", err)
		} else {
			a.lib.Store(lib)
			slog.Info("config: tag library swapped", "path", new.Tags.Library, "entries", lib.Len())
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config: some changes apply after restart", "sections", d.RestartRequired)
	}
}

// dialAgent connects with the agent settings current at the time of the call.
func (a *App) dialAgent(ctx context.Context) (channel.Conn, error) {
	ac := a.cfg.Load().Agent
	u, err := ac.URL()
	if err != nil {
		return nil, session.Fatal(err)
	}
	conn, err := channel.Dial(ctx, u, ac.APIKey, channel.WithDialTimeout(ac.DialTimeout))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ─── Status ──────────────────────────────────────────────────────────────────

// Snapshot reports the device state for /statusz.
func (a *App) Snapshot() health.Snapshot {
	return health.Snapshot{
		State:    a.engine.State().String(),
		Mode:     a.engine.Mode().String(),
		Display:  a.engine.Status().String(),
		Turns:    a.engine.Turns(),
		Sessions: a.supervisor.Sessions(),
	}
}

// Checkers returns the readiness checks for the status server.
func (a *App) Checkers() []health.Checker {
	cs := []health.Checker{{
		Name: "inputs",
		Check: func(context.Context) error {
			if a.button != nil && a.button.Degraded() {
				return errors.New("button degraded")
			}
			if a.tagSource != nil && a.tagSource.Degraded() {
				return errors.New("tag reader degraded")
			}
			return nil
		},
	}}
	if a.pg != nil {
		cs = append(cs, health.Checker{Name: "postgres", Check: a.pg.Ping})
	}
	return cs
}

// LevelVar returns the log level variable adjusted on reload.
func (a *App) LevelVar() *slog.LevelVar { return a.level }

// ─── Helpers ─────────────────────────────────────────────────────────────────

func timings(t config.TurnConfig) engine.Timings {
	return engine.Timings{
		FirstContentMax:  t.FirstContentMax,
		ContentIdle:      t.ContentIdle,
		GraceDrain:       t.GraceDrain,
		ReceivePoll:      t.ReceivePoll,
		MinHold:          t.MinHold,
		PhraseMaxWait:    t.PhraseMaxWait,
		EndSilenceFrames: t.EndMarkerFrames,
		SilencePacing:    t.MarkerPacing,
	}
}

func segmenterConfig(t config.TurnConfig) segmenter.Config {
	return segmenter.Config{
		PrerollFrames:    t.PrerollFrames,
		StartGateFrames:  t.StartGateFrames,
		EndSilenceFrames: t.EndSilenceFrames,
		MinSpoken:        t.MinSpoken,
	}
}

func buttonProfile(m config.Mode) hardware.Profile {
	if config.NormalizeMode(m) == config.ModeVoice {
		return hardware.ProfileToggle
	}
	return hardware.ProfileMomentary
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

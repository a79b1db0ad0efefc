// Package engine implements the turn engine: the state machine that takes the
// device from idle through user and agent turns over a single connection to
// the remote agent.
//
// The engine runs on one goroutine, the control loop. Hardware polling
// goroutines reach it only through the [hardware.Inbox]; the audio devices are
// touched only by the control loop. Receive ownership of the connection moves
// between the [keepalive.Guard] (between turns) and the engine (during turns)
// through a [channel.Gate]; every transfer is a synchronous rendezvous.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/orbvoice/internal/display"
	"github.com/MrWong99/orbvoice/internal/hardware"
	"github.com/MrWong99/orbvoice/internal/keepalive"
	"github.com/MrWong99/orbvoice/internal/observe"
	"github.com/MrWong99/orbvoice/internal/segmenter"
	"github.com/MrWong99/orbvoice/internal/tags"
	"github.com/MrWong99/orbvoice/internal/telemetry"
	"github.com/MrWong99/orbvoice/pkg/audio"
	"github.com/MrWong99/orbvoice/pkg/provider/vad"
)

var (
	// ErrReload is returned by RunSession when a reload tag ended the
	// activation. The caller returns to idle.
	ErrReload = errors.New("engine: reload requested")

	// ErrOwnership is returned when receive ownership could not be
	// transferred. The session cannot continue safely.
	ErrOwnership = errors.New("engine: receive ownership transfer failed")

	// ErrDevice wraps audio device failures.
	ErrDevice = errors.New("engine: audio device failure")
)

// Resolver maps tag UIDs to control signals or phrases.
type Resolver interface {
	Resolve(uid string) tags.Resolution
}

// ButtonProfiler switches which button edges reach the inbox.
type ButtonProfiler interface {
	SetProfile(p hardware.Profile)
}

// Recorder receives turn records. Record must not block.
type Recorder interface {
	Record(rec telemetry.TurnRecord)
}

// Config configures an [Engine].
type Config struct {
	Mode      Mode
	Timings   Timings
	Segmenter segmenter.Config
	Keepalive keepalive.Config
}

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithDisplay sets the status indicator. Default: [display.Log].
func WithDisplay(d display.Display) Option {
	return func(e *Engine) { e.display = d }
}

// WithRecorder sets the turn record consumer.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithResolver sets the tag library. Without one every tag is unknown.
func WithResolver(r Resolver) Option {
	return func(e *Engine) { e.tags = r }
}

// WithClassifier sets the voice activity classifier. Required in
// [ModeVoice].
func WithClassifier(c vad.SessionHandle) Option {
	return func(e *Engine) { e.vad = c }
}

// WithCue sets the sound played when a known tag is read.
func WithCue(c audio.Cue) Option {
	return func(e *Engine) { e.cue = &c }
}

// WithReload sets the hook run for reload tags. It typically refreshes the
// configuration and the tag library.
func WithReload(fn func(ctx context.Context) error) Option {
	return func(e *Engine) { e.reload = fn }
}

// WithButton sets the button whose profile follows the session mode.
func WithButton(b ButtonProfiler) Option {
	return func(e *Engine) { e.button = b }
}

// WithMetrics sets the metrics used for hardware events.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine is the turn engine. WaitForStart and RunSession must be called from
// the same goroutine; State, Turns and Mode may be read from anywhere.
type Engine struct {
	clock *audio.FrameClock
	inbox *hardware.Inbox
	cfg   Config

	display  display.Display
	recorder Recorder
	tags     Resolver
	vad      vad.SessionHandle
	cue      *audio.Cue
	reload   func(ctx context.Context) error
	metrics  *observe.Metrics
	button   ButtonProfiler

	seg   *segmenter.Segmenter
	muted bool

	state   atomic.Int32
	turns   atomic.Int64
	mode    atomic.Int32
	pending atomic.Pointer[Timings]

	statusMu sync.Mutex
	status   display.Status
}

// New creates an Engine over clock, consuming hardware events from inbox.
func New(clock *audio.FrameClock, inbox *hardware.Inbox, cfg Config, opts ...Option) (*Engine, error) {
	cfg.Timings = cfg.Timings.withDefaults()
	e := &Engine{
		clock:   clock,
		inbox:   inbox,
		cfg:     cfg,
		display: display.Log{},
		seg:     segmenter.New(cfg.Segmenter),
		status:  -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.SetMode(cfg.Mode); err != nil {
		return nil, err
	}
	return e, nil
}

// SetMode changes the input mode. It takes effect at the next session,
// together with the button profile, so it may be called from any goroutine.
func (e *Engine) SetMode(m Mode) error {
	if m != ModeManual && m != ModeVoice {
		return fmt.Errorf("engine: invalid mode %d", int(m))
	}
	if m == ModeVoice && e.vad == nil {
		return errors.New("engine: voice mode needs a classifier")
	}
	e.mode.Store(int32(m))
	return nil
}

// SetTimings replaces the turn timings. Like SetMode it takes effect at the
// next session, so it may be called from any goroutine.
func (e *Engine) SetTimings(t Timings) {
	t = t.withDefaults()
	e.pending.Store(&t)
}

// buttonProfile returns the edges mode m consumes.
func buttonProfile(m Mode) hardware.Profile {
	if m == ModeVoice {
		return hardware.ProfileToggle
	}
	return hardware.ProfileMomentary
}

func (e *Engine) applyPending() {
	if t := e.pending.Swap(nil); t != nil {
		e.cfg.Timings = *t
		slog.Info("engine: timings updated")
	}
}

// Mode returns the configured input mode.
func (e *Engine) Mode() Mode { return Mode(e.mode.Load()) }

// State returns the current turn state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Turns returns the number of user turns taken since the engine was created.
func (e *Engine) Turns() int { return int(e.turns.Load()) }

// Status returns the last status shown on the indicator.
func (e *Engine) Status() display.Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status
}

func (e *Engine) setState(s State) {
	if old := State(e.state.Swap(int32(s))); old != s {
		slog.Debug("engine: state", "from", old.String(), "to", s.String())
	}
}

func (e *Engine) show(s display.Status) {
	e.statusMu.Lock()
	e.status = s
	e.statusMu.Unlock()
	e.display.Show(s)
}

func (e *Engine) record(rec telemetry.TurnRecord) {
	if e.recorder != nil {
		e.recorder.Record(rec)
	}
}

func (e *Engine) resolve(uid string) tags.Resolution {
	if e.tags == nil {
		return tags.Resolution{UID: uid}
	}
	return e.tags.Resolve(uid)
}

func (e *Engine) countEvent(ctx context.Context, ev hardware.Event) {
	if e.metrics == nil {
		return
	}
	switch ev.(type) {
	case hardware.ButtonEdge:
		e.metrics.RecordHardwareEvent(ctx, "button")
	case hardware.TagRead:
		e.metrics.RecordHardwareEvent(ctx, "tag")
	}
}

// playCue gives audible feedback for a tag read. Failures are logged only.
func (e *Engine) playCue(ctx context.Context) {
	if e.cue == nil {
		return
	}
	if err := e.clock.PlayCue(ctx, *e.cue); err != nil {
		slog.Warn("engine: tag cue failed", "err", err)
	}
}

func (e *Engine) runReload(ctx context.Context) {
	if e.reload == nil {
		slog.Info("engine: reload tag read, no reload hook configured")
		return
	}
	if err := e.reload(ctx); err != nil {
		slog.Error("engine: reload failed", "err", err)
		e.show(display.StatusError)
		return
	}
	slog.Info("engine: configuration reloaded")
}

// WaitForStart holds the engine in Idle until a begin tag is read. Only tags
// are honoured here: reload tags run the reload hook, phrases and button
// edges are ignored.
func (e *Engine) WaitForStart(ctx context.Context) error {
	e.setState(StateIdle)
	e.show(display.StatusIdle)
	for {
		ev, err := e.inbox.Next(ctx)
		if err != nil {
			return err
		}
		e.countEvent(ctx, ev)
		tr, ok := ev.(hardware.TagRead)
		if !ok {
			continue
		}
		res := e.resolve(tr.ID)
		switch res.Kind {
		case tags.KindBegin:
			slog.Info("engine: begin tag read", "uid", res.UID)
			e.show(display.StatusLoading)
			e.playCue(ctx)
			e.muted = false
			return nil
		case tags.KindReload:
			e.show(display.StatusLoading)
			e.playCue(ctx)
			e.runReload(ctx)
			e.show(display.StatusIdle)
		case tags.KindPhrase:
			slog.Debug("engine: phrase tag ignored while idle", "uid", res.UID)
		default:
			slog.Debug("engine: unknown tag", "uid", tr.ID)
		}
	}
}

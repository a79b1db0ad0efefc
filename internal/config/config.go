// Package config provides the configuration schema, loader, and backend
// registry for the orbvoice device.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode selects how user turns are delimited.
type Mode string

const (
	// ModeManual is push-to-talk: the button delimits the turn.
	ModeManual Mode = "manual"

	// ModeVoice segments turns with the voice activity classifier; the
	// button toggles mute.
	ModeVoice Mode = "voice"
)

// IsValid reports whether m is a recognised mode. The aliases "ptt" and "vad"
// are accepted.
func (m Mode) IsValid() bool {
	switch m {
	case ModeManual, ModeVoice, "ptt", "vad":
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Agent     AgentConfig     `yaml:"agent"`
	Input     InputConfig     `yaml:"input"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Turn      TurnConfig      `yaml:"turn"`
	Tags      TagsConfig      `yaml:"tags"`
	Display   DisplayConfig   `yaml:"display"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Power     PowerConfig     `yaml:"power"`
}

// ServerConfig holds logging and the local status server.
type ServerConfig struct {
	// ListenAddr is the status server address (e.g. "127.0.0.1:8080").
	// Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// WatchInterval polls the config file for edits. Zero disables polling;
	// the reload tag still works.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// AgentConfig describes the remote conversational agent.
type AgentConfig struct {
	// Endpoint is the conversation WebSocket URL without query parameters.
	Endpoint string `yaml:"endpoint"`

	AgentID string `yaml:"agent_id"`

	// APIKey is sent as the xi-api-key header. Public agents need none.
	APIKey string `yaml:"api_key"`

	// InactivityTimeout asks the agent to keep an idle conversation open
	// this long. Zero leaves the server default.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`

	// AutoStart begins a conversation at boot without waiting for the
	// begin tag.
	AutoStart bool `yaml:"auto_start"`

	// ActivityInterval is the user_activity nudge period between turns.
	// Negative disables it.
	ActivityInterval time.Duration `yaml:"activity_interval"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// URL returns the endpoint with the agent id and inactivity timeout applied.
func (a AgentConfig) URL() (string, error) {
	u, err := url.Parse(a.Endpoint)
	if err != nil {
		return "", fmt.Errorf("config: agent.endpoint: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", a.AgentID)
	if a.InactivityTimeout > 0 {
		q.Set("inactivity_timeout", strconv.Itoa(int(a.InactivityTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// InputConfig selects the input mode and hardware.
type InputConfig struct {
	Mode      Mode            `yaml:"mode"`
	Button    ButtonConfig    `yaml:"button"`
	TagReader TagReaderConfig `yaml:"tag_reader"`

	// InboxSize bounds queued hardware events.
	InboxSize int `yaml:"inbox_size"`
}

// ButtonConfig configures the push button.
type ButtonConfig struct {
	// Backend selects the registered pin driver ("gpio", "none").
	Backend    string `yaml:"backend"`
	Pin        string `yaml:"pin"`
	ActiveHigh bool   `yaml:"active_high"`
}

// TagReaderConfig configures the tag reader.
type TagReaderConfig struct {
	// Backend selects the registered reader ("serial", "none").
	Backend string `yaml:"backend"`
	Port    string `yaml:"port"`
	Baud    int    `yaml:"baud"`
}

// AudioConfig selects the audio devices and cues.
type AudioConfig struct {
	// Backend selects the registered device pair ("portaudio", "null").
	Backend string `yaml:"backend"`

	// Gain scales playback. Default 1.
	Gain float64 `yaml:"gain"`

	// StartCue is played at boot; TagCue when a tag is accepted. Empty
	// TagCue plays a short beep.
	StartCue string `yaml:"start_cue"`
	TagCue   string `yaml:"tag_cue"`
}

// VADConfig configures the voice activity classifier used in voice mode.
type VADConfig struct {
	// Classifier selects the registered engine ("energy", "silero").
	Classifier       string  `yaml:"classifier"`
	Threshold        float64 `yaml:"threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// ModelPath and LibraryPath are used by the silero classifier.
	ModelPath   string `yaml:"model_path"`
	LibraryPath string `yaml:"library_path"`
}

// TurnConfig holds the turn timing constants.
type TurnConfig struct {
	FirstContentMax  time.Duration `yaml:"first_content_max"`
	ContentIdle      time.Duration `yaml:"content_idle"`
	GraceDrain       time.Duration `yaml:"grace_drain"`
	ReceivePoll      time.Duration `yaml:"receive_poll"`
	MinHold          time.Duration `yaml:"min_hold"`
	PhraseMaxWait    time.Duration `yaml:"phrase_max_wait"`
	EndMarkerFrames  int           `yaml:"end_marker_frames"`
	MarkerPacing     time.Duration `yaml:"marker_pacing"`
	PrerollFrames    int           `yaml:"preroll_frames"`
	StartGateFrames  int           `yaml:"start_gate_frames"`
	EndSilenceFrames int           `yaml:"end_silence_frames"`
	MinSpoken        time.Duration `yaml:"min_spoken"`
}

// TagsConfig points at the tag library.
type TagsConfig struct {
	Library string `yaml:"library"`
}

// DisplayConfig selects the status indicator.
type DisplayConfig struct {
	// Backend selects the registered display ("serial", "log").
	Backend string `yaml:"backend"`
	Port    string `yaml:"port"`
	Baud    int    `yaml:"baud"`
}

// TelemetryConfig configures turn records and tracing.
type TelemetryConfig struct {
	// PostgresDSN enables the Postgres turn record sink.
	PostgresDSN string `yaml:"postgres_dsn"`

	// QueueSize bounds records waiting for the sinks.
	QueueSize int `yaml:"queue_size"`

	// TraceSampleRatio samples session traces. Zero keeps all of them.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// PowerConfig configures the battery stop signal.
type PowerConfig struct {
	// ShutdownFlag is a file whose appearance stops the device. Empty
	// disables the watcher.
	ShutdownFlag string        `yaml:"shutdown_flag"`
	Poll         time.Duration `yaml:"poll"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields of cfg.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.LogLevel, LogInfo)

	a := &cfg.Agent
	setDefault(&a.Endpoint, "wss://api.elevenlabs.io/v1/convai/conversation")
	setDefault(&a.InactivityTimeout, 600*time.Second)
	setDefault(&a.ActivityInterval, 60*time.Second)
	setDefault(&a.DialTimeout, 10*time.Second)
	setDefault(&a.Backoff, time.Second)
	setDefault(&a.MaxBackoff, 10*time.Second)

	in := &cfg.Input
	setDefault(&in.Mode, ModeManual)
	setDefault(&in.InboxSize, 16)
	setDefault(&in.Button.Backend, "none")
	setDefault(&in.TagReader.Backend, "none")
	setDefault(&in.TagReader.Baud, 115200)

	setDefault(&cfg.Audio.Backend, "null")
	setDefault(&cfg.Audio.Gain, 1.0)

	setDefault(&cfg.VAD.Classifier, "energy")
	setDefault(&cfg.VAD.Threshold, 0.5)

	t := &cfg.Turn
	setDefault(&t.FirstContentMax, 15*time.Second)
	setDefault(&t.ContentIdle, 150*time.Millisecond)
	setDefault(&t.GraceDrain, 150*time.Millisecond)
	setDefault(&t.ReceivePoll, 250*time.Millisecond)
	setDefault(&t.MinHold, time.Second)
	setDefault(&t.PhraseMaxWait, 2*time.Second)
	setDefault(&t.EndMarkerFrames, 50)
	setDefault(&t.MarkerPacing, 30*time.Millisecond)
	setDefault(&t.PrerollFrames, 5)
	setDefault(&t.StartGateFrames, 8)
	setDefault(&t.EndSilenceFrames, 50)
	setDefault(&t.MinSpoken, 600*time.Millisecond)

	setDefault(&cfg.Display.Backend, "log")
	setDefault(&cfg.Display.Baud, 115200)

	setDefault(&cfg.Telemetry.QueueSize, 64)
	setDefault(&cfg.Power.Poll, 5*time.Second)
}

func setDefault[T comparable](p *T, v T) {
	var zero T
	if *p == zero {
		*p = v
	}
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists the built-in backend names per kind. Used by
// [Validate] to warn about unrecognised names; build-tagged backends
// register themselves in the [Registry].
var ValidBackendNames = map[string][]string{
	"audio":      {"null", "portaudio"},
	"vad":        {"energy", "silero"},
	"display":    {"log", "serial"},
	"button":     {"none", "gpio"},
	"tag_reader": {"none", "serial"},
}

// Environment variables that override the file.
const (
	EnvAPIKey      = "ORBVOICE_API_KEY"
	EnvAgentID     = "ORBVOICE_AGENT_ID"
	EnvMode        = "ORBVOICE_MODE"
	EnvLogLevel    = "ORBVOICE_LOG_LEVEL"
	EnvPostgresDSN = "ORBVOICE_POSTGRES_DSN"
)

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyEnv overrides secrets and a few operational settings from the
// environment. lookup is usually [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok {
		cfg.Agent.APIKey = v
	}
	if v, ok := lookup(EnvAgentID); ok {
		cfg.Agent.AgentID = v
	}
	if v, ok := lookup(EnvMode); ok {
		cfg.Input.Mode = Mode(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := lookup(EnvLogLevel); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := lookup(EnvPostgresDSN); ok {
		cfg.Telemetry.PostgresDSN = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.WatchInterval < 0 {
		errs = append(errs, errors.New("server.watch_interval must not be negative"))
	}

	// Agent
	if cfg.Agent.AgentID == "" {
		errs = append(errs, fmt.Errorf("agent.agent_id is required (or set %s)", EnvAgentID))
	}
	if u, err := url.Parse(cfg.Agent.Endpoint); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("agent.endpoint %q must be a ws:// or wss:// URL", cfg.Agent.Endpoint))
	}
	if cfg.Agent.MaxBackoff < cfg.Agent.Backoff {
		errs = append(errs, fmt.Errorf("agent.max_backoff %v is below agent.backoff %v", cfg.Agent.MaxBackoff, cfg.Agent.Backoff))
	}

	// Input
	if !cfg.Input.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("input.mode %q is invalid; valid values: manual, voice", cfg.Input.Mode))
	}
	if cfg.Input.InboxSize < 1 {
		errs = append(errs, errors.New("input.inbox_size must be at least 1"))
	}
	if cfg.Input.Button.Backend == "gpio" && cfg.Input.Button.Pin == "" {
		errs = append(errs, errors.New("input.button.pin is required for the gpio backend"))
	}
	if cfg.Input.TagReader.Backend == "serial" && cfg.Input.TagReader.Port == "" {
		errs = append(errs, errors.New("input.tag_reader.port is required for the serial backend"))
	}
	validateBackendName("button", cfg.Input.Button.Backend)
	validateBackendName("tag_reader", cfg.Input.TagReader.Backend)

	// Audio
	validateBackendName("audio", cfg.Audio.Backend)
	if cfg.Audio.Gain < 0 || cfg.Audio.Gain > 4 {
		errs = append(errs, fmt.Errorf("audio.gain %.2f is out of range [0, 4]", cfg.Audio.Gain))
	}

	// VAD
	validateBackendName("vad", cfg.VAD.Classifier)
	if cfg.VAD.Threshold <= 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range (0, 1]", cfg.VAD.Threshold))
	}
	if cfg.VAD.SilenceThreshold < 0 || cfg.VAD.SilenceThreshold > cfg.VAD.Threshold {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.2f must be in [0, threshold]", cfg.VAD.SilenceThreshold))
	}
	if cfg.VAD.Classifier == "silero" && cfg.VAD.ModelPath == "" {
		errs = append(errs, errors.New("vad.model_path is required for the silero classifier"))
	}

	// Turn
	t := cfg.Turn
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"first_content_max", t.FirstContentMax},
		{"content_idle", t.ContentIdle},
		{"grace_drain", t.GraceDrain},
		{"receive_poll", t.ReceivePoll},
		{"min_hold", t.MinHold},
		{"phrase_max_wait", t.PhraseMaxWait},
		{"marker_pacing", t.MarkerPacing},
		{"min_spoken", t.MinSpoken},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("turn.%s must not be negative", d.name))
		}
	}
	if t.ReceivePoll > t.FirstContentMax {
		errs = append(errs, fmt.Errorf("turn.receive_poll %v exceeds turn.first_content_max %v", t.ReceivePoll, t.FirstContentMax))
	}
	if t.EndMarkerFrames < 0 || t.PrerollFrames < 0 || t.StartGateFrames < 0 || t.EndSilenceFrames < 0 {
		errs = append(errs, errors.New("turn frame counts must not be negative"))
	}

	// Display
	validateBackendName("display", cfg.Display.Backend)
	if cfg.Display.Backend == "serial" && cfg.Display.Port == "" {
		errs = append(errs, errors.New("display.port is required for the serial backend"))
	}

	// Telemetry
	if cfg.Telemetry.QueueSize < 0 {
		errs = append(errs, errors.New("telemetry.queue_size must not be negative"))
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	// Power
	if cfg.Power.ShutdownFlag != "" && cfg.Power.Poll <= 0 {
		errs = append(errs, errors.New("power.poll must be positive when power.shutdown_flag is set"))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is not one of the built-in
// backends for kind. Third-party backends may still be registered.
func validateBackendName(kind, name string) {
	known, ok := ValidBackendNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, possibly a typo",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

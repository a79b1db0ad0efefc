package config

// ConfigDiff describes what changed between two configs. Fields marked as
// live are applied without touching the session; RestartRequired lists the
// sections that only take effect after the device restarts.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ModeChanged is applied at the next turn boundary.
	ModeChanged bool
	NewMode     Mode

	// TurnChanged covers the timing constants, applied at the next session.
	TurnChanged bool

	// AgentChanged covers endpoint, id and key; applied at the next connect.
	AgentChanged bool

	// TagsChanged means the library path moved.
	TagsChanged bool

	// RestartRequired names sections whose devices are opened once at boot.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ModeChanged || d.TurnChanged ||
		d.AgentChanged || d.TagsChanged || len(d.RestartRequired) > 0
}

// NormalizeMode maps the "ptt" and "vad" aliases to their canonical modes.
func NormalizeMode(m Mode) Mode {
	switch m {
	case "ptt":
		return ModeManual
	case "vad":
		return ModeVoice
	}
	return m
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if NormalizeMode(old.Input.Mode) != NormalizeMode(new.Input.Mode) {
		d.ModeChanged = true
		d.NewMode = NormalizeMode(new.Input.Mode)
	}
	d.TurnChanged = old.Turn != new.Turn
	d.AgentChanged = old.Agent != new.Agent
	d.TagsChanged = old.Tags != new.Tags

	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.VAD != new.VAD {
		d.RestartRequired = append(d.RestartRequired, "vad")
	}
	if old.Input.Button != new.Input.Button || old.Input.TagReader != new.Input.TagReader ||
		old.Input.InboxSize != new.Input.InboxSize {
		d.RestartRequired = append(d.RestartRequired, "input")
	}
	if old.Display != new.Display {
		d.RestartRequired = append(d.RestartRequired, "display")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	return d
}

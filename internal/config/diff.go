package config

// ConfigDiff describes what changed between two configuration snapshots.
type ConfigDiff struct {
	// LogLevelChanged is set when server.log_level differs. The log level is
	// the only setting applied to a running relay.
	LogLevelChanged bool
	LogLevel        LogLevel

	// RestartRequired lists the changed sections that only take effect on
	// the next run, e.g. "recording" or "relay".
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new. Either may be nil, in which case it is treated
// as the zero configuration.
func Diff(old, new *Config) ConfigDiff {
	if old == nil {
		old = &Config{}
	}
	if new == nil {
		new = &Config{}
	}

	var d ConfigDiff
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.LogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Source != new.Source {
		d.RestartRequired = append(d.RestartRequired, "source")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.Recording != new.Recording {
		d.RestartRequired = append(d.RestartRequired, "recording")
	}
	if old.Relay != new.Relay {
		d.RestartRequired = append(d.RestartRequired, "relay")
	}
	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}
	return d
}

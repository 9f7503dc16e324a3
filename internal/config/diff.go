package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is applied immediately.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is set when instructions, model or voice differ. The
	// change takes effect on the next session start.
	SessionChanged bool

	// RestartRequired lists changed settings that are only read at startup.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Live.Instructions != new.Live.Instructions ||
		old.Live.Model != new.Live.Model ||
		old.Live.Voice != new.Live.Voice {
		d.SessionChanged = true
	}

	restart := []struct {
		field   string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"live.provider", old.Live.Provider != new.Live.Provider},
		{"live.base_url", old.Live.BaseURL != new.Live.BaseURL},
		{"live.api_key_env", old.Live.APIKeyEnv != new.Live.APIKeyEnv},
		{"audio", old.Audio != new.Audio},
		{"tools", old.Tools != new.Tools},
		{"mcp", !reflect.DeepEqual(old.MCP, new.MCP)},
		{"board", old.Board != new.Board},
		{"assets", old.Assets != new.Assets},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.field)
		}
	}
	return d
}

// IsEmpty reports whether the diff carries no changes.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

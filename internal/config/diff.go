package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is set when server.log_level differs. Hot-reloadable.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TextChanged is set when any text normalization rule differs.
	// Hot-reloadable.
	TextChanged bool

	// RestartRequired lists the dotted paths of changed settings that only
	// take effect after a restart, in a stable order.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TextChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Text.PunctuationSensitiveLanguages, new.Text.PunctuationSensitiveLanguages) ||
		!slices.Equal(old.Text.Abbreviations, new.Text.Abbreviations) {
		d.TextChanged = true
	}

	// Everything else is bound at startup.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	sections := []struct {
		path     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"engine", old.Engine, new.Engine},
		{"voices", old.Voices, new.Voices},
		{"audio", old.Audio, new.Audio},
		{"telemetry", old.Telemetry, new.Telemetry},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.path)
		}
	}

	return d
}

package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. The *Changed flags
// cover settings that can be applied without a restart; RestartRequired lists
// the sections that changed but only take effect on the next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PersonaChanged    bool
	VoiceChanged      bool
	ChatChanged       bool
	VisualizerChanged bool
	PropertiesChanged bool
	TelephonyChanged  bool

	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PersonaChanged && !d.VoiceChanged &&
		!d.ChatChanged && !d.VisualizerChanged && !d.PropertiesChanged &&
		!d.TelephonyChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.PersonaChanged = old.Persona != new.Persona
	d.VoiceChanged = !reflect.DeepEqual(old.Voice, new.Voice)
	d.ChatChanged = !reflect.DeepEqual(old.Chat, new.Chat)
	d.VisualizerChanged = old.Visualizer != new.Visualizer
	d.PropertiesChanged = !slices.Equal(old.Properties, new.Properties)
	d.TelephonyChanged = old.Telephony != new.Telephony

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Leads != new.Leads {
		d.RestartRequired = append(d.RestartRequired, "leads")
	}
	return d
}

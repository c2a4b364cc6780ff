package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only the log level can be applied to a running process; every other
// changed section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the top-level sections ("service",
	// "translation", "audio", "recorder", "server.listen_addr") whose
	// changes take effect on the next run.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !serviceEqual(old.Service, new.Service) {
		d.RestartRequired = append(d.RestartRequired, "service")
	}
	if !translationEqual(old.Translation, new.Translation) {
		d.RestartRequired = append(d.RestartRequired, "translation")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Recorder != new.Recorder {
		d.RestartRequired = append(d.RestartRequired, "recorder")
	}
	return d
}

func serviceEqual(a, b ServiceConfig) bool {
	return a.SubscriptionKey == b.SubscriptionKey &&
		a.ServiceRegion == b.ServiceRegion &&
		a.Endpoint == b.Endpoint &&
		a.EndpointTemplate == b.EndpointTemplate &&
		a.Credential == b.Credential &&
		slices.Equal(a.FallbackEndpoints, b.FallbackEndpoints) &&
		a.Connect == b.Connect
}

func translationEqual(a, b TranslationConfig) bool {
	return a.SourceLanguage == b.SourceLanguage &&
		a.VoiceName == b.VoiceName &&
		slices.Equal(a.TargetLanguages, b.TargetLanguages)
}

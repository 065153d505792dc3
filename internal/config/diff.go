package config

import "time"

// Changes describes what differs between two configs. Only the log level and
// the guard margin can be applied to a running process; every other changed
// section is listed in RestartRequired.
type Changes struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GuardMarginChanged bool
	NewGuardMargin     time.Duration

	// RestartRequired names the changed settings that only take effect on the
	// next start, e.g. "remote" or "server.diagnostics_addr".
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return !c.LogLevelChanged && !c.GuardMarginChanged && len(c.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) Changes {
	var c Changes

	if old.Server.LogLevel != new.Server.LogLevel {
		c.LogLevelChanged = true
		c.NewLogLevel = new.Server.LogLevel
	}
	if og, ng := old.Playback.Guard(), new.Playback.Guard(); og != ng {
		c.GuardMarginChanged = true
		c.NewGuardMargin = ng
	}

	if old.Server.LogFormat != new.Server.LogFormat {
		c.RestartRequired = append(c.RestartRequired, "server.log_format")
	}
	if old.Server.DiagnosticsAddr != new.Server.DiagnosticsAddr {
		c.RestartRequired = append(c.RestartRequired, "server.diagnostics_addr")
	}
	if old.Remote != new.Remote {
		c.RestartRequired = append(c.RestartRequired, "remote")
	}
	if !sameCapture(old.Capture, new.Capture) {
		c.RestartRequired = append(c.RestartRequired, "capture")
	}
	if old.Playback.SampleRate != new.Playback.SampleRate {
		c.RestartRequired = append(c.RestartRequired, "playback.sample_rate")
	}
	if old.Reconnect != new.Reconnect {
		c.RestartRequired = append(c.RestartRequired, "reconnect")
	}
	if old.Telemetry != new.Telemetry {
		c.RestartRequired = append(c.RestartRequired, "telemetry")
	}
	return c
}

func sameCapture(a, b CaptureConfig) bool {
	aec, ans, aagc := a.Processing()
	bec, bns, bagc := b.Processing()
	return a.SampleRate == b.SampleRate && a.FrameSize == b.FrameSize &&
		aec == bec && ans == bns && aagc == bagc
}

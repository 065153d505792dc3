// Package config provides the configuration schema, loader and hot-reload
// watcher for the voicebridge CLI.
package config

import (
	"log/slog"
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

// Level converts l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Remote    RemoteConfig    `yaml:"remote"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds logging and diagnostics settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat is "text" (default) or "json".
	LogFormat LogFormat `yaml:"log_format"`

	// DiagnosticsAddr is the listen address for /healthz, /readyz and
	// /metrics (e.g. ":9090"). Empty disables the diagnostics server.
	DiagnosticsAddr string `yaml:"diagnostics_addr"`
}

// RemoteConfig describes the conversational endpoint.
type RemoteConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string `yaml:"url"`

	// Token is the capability token. Overridden by $VOICEBRIDGE_TOKEN.
	Token string `yaml:"token"`

	// TokenParam is the query parameter carrying the token. Default: "token".
	TokenParam string `yaml:"token_param"`

	// DialTimeout bounds the opening handshake. Default: 10s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// KeepaliveInterval is the ping period. Default: 20s. Negative disables.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// CaptureConfig configures microphone capture.
type CaptureConfig struct {
	// SampleRate is the transmission rate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of hardware-rate samples per frame. Must be a
	// power of two between 256 and 16384. Default: 4096.
	FrameSize int `yaml:"frame_size"`

	// Device processing requests. Each defaults to true when omitted.
	EchoCancellation *bool `yaml:"echo_cancellation"`
	NoiseSuppression *bool `yaml:"noise_suppression"`
	AutoGainControl  *bool `yaml:"auto_gain_control"`
}

// Processing returns the effective processing flags.
func (c CaptureConfig) Processing() (echoCancellation, noiseSuppression, autoGainControl bool) {
	return enabled(c.EchoCancellation), enabled(c.NoiseSuppression), enabled(c.AutoGainControl)
}

func enabled(b *bool) bool { return b == nil || *b }

// PlaybackConfig configures speaker playback.
type PlaybackConfig struct {
	// SampleRate is the rate of inbound PCM in Hz. Default: 24000.
	SampleRate int `yaml:"sample_rate"`

	// GuardMargin holds the gate engaged after the last buffer ends.
	// Default: 100ms. Hot-reloadable.
	GuardMargin *time.Duration `yaml:"guard_margin"`
}

// Guard returns the effective guard margin.
func (p PlaybackConfig) Guard() time.Duration {
	if p.GuardMargin == nil {
		return DefaultGuardMargin
	}
	return *p.GuardMargin
}

// ReconnectConfig configures the CLI's redial policy after an abnormal
// disconnect. The session itself never retries.
type ReconnectConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxAttempts caps consecutive redials. Zero means unlimited.
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff is the first delay, doubled after each failure. Default: 1s.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps the delay. Default: 30s.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// TripAfter pauses redialling for Cooldown after this many consecutive
	// failed attempts. Zero disables the pause.
	TripAfter int `yaml:"trip_after"`

	// Cooldown is the pause once TripAfter is reached. Default: 2m.
	Cooldown time.Duration `yaml:"cooldown"`
}

// TelemetryConfig configures the OpenTelemetry resource.
type TelemetryConfig struct {
	// ServiceName defaults to "voicebridge".
	ServiceName string `yaml:"service_name"`
}

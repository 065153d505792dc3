package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvToken = "VOICEBRIDGE_TOKEN"
	EnvURL   = "VOICEBRIDGE_URL"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultLogLevel          = LogInfo
	DefaultLogFormat         = LogFormatText
	DefaultTokenParam        = "token"
	DefaultDialTimeout       = 10 * time.Second
	DefaultKeepaliveInterval = 20 * time.Second
	DefaultCaptureRate       = 16000
	DefaultFrameSize         = 4096
	DefaultPlaybackRate      = 24000
	DefaultGuardMargin       = 100 * time.Millisecond
	DefaultBackoff           = time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultCooldown          = 2 * time.Minute
	DefaultServiceName       = "voicebridge"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document is allowed.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides file values with environment variables looked up through
// lookup, normally [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvToken); ok && v != "" {
		cfg.Remote.Token = v
	}
	if v, ok := lookup(EnvURL); ok && v != "" {
		cfg.Remote.URL = v
	}
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = DefaultLogFormat
	}
	if cfg.Remote.TokenParam == "" {
		cfg.Remote.TokenParam = DefaultTokenParam
	}
	if cfg.Remote.DialTimeout == 0 {
		cfg.Remote.DialTimeout = DefaultDialTimeout
	}
	if cfg.Remote.KeepaliveInterval == 0 {
		cfg.Remote.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = DefaultCaptureRate
	}
	if cfg.Capture.FrameSize == 0 {
		cfg.Capture.FrameSize = DefaultFrameSize
	}
	if cfg.Playback.SampleRate == 0 {
		cfg.Playback.SampleRate = DefaultPlaybackRate
	}
	if cfg.Playback.GuardMargin == nil {
		g := DefaultGuardMargin
		cfg.Playback.GuardMargin = &g
	}
	if cfg.Reconnect.Backoff == 0 {
		cfg.Reconnect.Backoff = DefaultBackoff
	}
	if cfg.Reconnect.MaxBackoff == 0 {
		cfg.Reconnect.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Reconnect.TripAfter > 0 && cfg.Reconnect.Cooldown == 0 {
		cfg.Reconnect.Cooldown = DefaultCooldown
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Remote
	if cfg.Remote.URL == "" {
		errs = append(errs, errors.New("remote.url is required"))
	} else if u, err := url.Parse(cfg.Remote.URL); err != nil {
		errs = append(errs, fmt.Errorf("remote.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("remote.url scheme %q is invalid; valid values: ws, wss", u.Scheme))
	}
	if cfg.Remote.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("remote.dial_timeout %s must not be negative", cfg.Remote.DialTimeout))
	}
	if cfg.Remote.Token == "" {
		slog.Warn("remote.token is empty; set it in the file or via " + EnvToken)
	}

	// Capture
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", cfg.Capture.SampleRate))
	}
	if n := cfg.Capture.FrameSize; n != 0 && (n < 256 || n > 16384 || n&(n-1) != 0) {
		errs = append(errs, fmt.Errorf("capture.frame_size %d must be a power of two in [256, 16384]", n))
	}

	// Playback
	if cfg.Playback.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("playback.sample_rate %d must be positive", cfg.Playback.SampleRate))
	}
	if g := cfg.Playback.Guard(); g < 0 || g > 5*time.Second {
		errs = append(errs, fmt.Errorf("playback.guard_margin %s is out of range [0s, 5s]", g))
	}

	// Reconnect
	if cfg.Reconnect.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts %d must not be negative", cfg.Reconnect.MaxAttempts))
	}
	if cfg.Reconnect.Backoff < 0 {
		errs = append(errs, fmt.Errorf("reconnect.backoff %s must not be negative", cfg.Reconnect.Backoff))
	}
	if cfg.Reconnect.MaxBackoff > 0 && cfg.Reconnect.Backoff > cfg.Reconnect.MaxBackoff {
		errs = append(errs, fmt.Errorf("reconnect.backoff %s exceeds reconnect.max_backoff %s", cfg.Reconnect.Backoff, cfg.Reconnect.MaxBackoff))
	}
	if cfg.Reconnect.TripAfter < 0 {
		errs = append(errs, fmt.Errorf("reconnect.trip_after %d must not be negative", cfg.Reconnect.TripAfter))
	}
	if cfg.Reconnect.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("reconnect.cooldown %s must not be negative", cfg.Reconnect.Cooldown))
	}

	return errors.Join(errs...)
}

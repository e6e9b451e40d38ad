// Package config handles TOML configuration loading and validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/die-net/mimic/internal/policy"
)

// Config is the top-level application configuration. Command-line flags
// override it field by field.
type Config struct {
	Listen   string        `toml:"listen"`
	Upstream string        `toml:"upstream"`
	Log      LogConfig     `toml:"log"`
	Timeouts TimeoutConfig `toml:"timeouts"`
	Backend  BackendConfig `toml:"backend"`
	Limits   LimitsConfig  `toml:"limits"`
	Policy   PolicyConfig  `toml:"policy"`
	SSH      SSHConfig     `toml:"ssh"`
	Debug    DebugConfig   `toml:"debug"`
	Network  NetworkConfig `toml:"network"`

	filePath string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// TimeoutConfig bounds every blocking step.
type TimeoutConfig struct {
	Dial          Duration `toml:"dial"`
	Negotiation   Duration `toml:"negotiation"`
	Backend       Duration `toml:"backend"`
	TunnelIdle    Duration `toml:"tunnel_idle"`
	TunnelMaxIdle Duration `toml:"tunnel_max_idle"` // 0 means no limit
	TunnelWrite   Duration `toml:"tunnel_write"`
}

// BackendConfig controls how forwarded requests reach the origin.
type BackendConfig struct {
	Browser           string  `toml:"browser"`
	VerifyTLS         bool    `toml:"verify_tls"`
	FollowRedirects   bool    `toml:"follow_redirects"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	MaxResponseBytes  int64   `toml:"max_response_bytes"`
}

// LimitsConfig bounds what clients may send.
type LimitsConfig struct {
	MaxBodyBytes int64 `toml:"max_body_bytes"`
}

// PolicyConfig lists the header rules. See package policy.
type PolicyConfig struct {
	Forward                      []string `toml:"forward"`
	ForwardPrefixes              []string `toml:"forward_prefixes"`
	DropResponse                 []string `toml:"drop_response"`
	KeepUndecodedContentEncoding bool     `toml:"keep_undecoded_content_encoding"`
}

// SSHConfig holds credentials for an ssh:// upstream.
type SSHConfig struct {
	Key        string `toml:"key"`
	KnownHosts string `toml:"known_hosts"`
}

// DebugConfig holds the pprof and metrics listener.
type DebugConfig struct {
	Listen string `toml:"listen"`
}

// NetworkConfig holds socket options.
type NetworkConfig struct {
	// TCPKeepAlive is on, off, or keepidle:keepintvl:keepcnt in seconds.
	TCPKeepAlive string `toml:"tcp_keepalive"`
}

// Duration is a time.Duration written as a Go duration string ("1m30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	pc := policy.DefaultConfig()
	return &Config{
		Listen: ":8080",
		Log:    LogConfig{Level: "info", Format: "text"},
		Timeouts: TimeoutConfig{
			Dial:        Duration{10 * time.Second},
			Negotiation: Duration{10 * time.Second},
			Backend:     Duration{30 * time.Second},
			TunnelIdle:  Duration{500 * time.Millisecond},
			TunnelWrite: Duration{10 * time.Second},
		},
		Backend: BackendConfig{
			Browser:          "chrome",
			MaxResponseBytes: 256 << 20,
		},
		Limits: LimitsConfig{MaxBodyBytes: 32 << 20},
		Policy: PolicyConfig{
			Forward:         pc.Forward,
			ForwardPrefixes: pc.ForwardPrefixes,
		},
		Network: NetworkConfig{TCPKeepAlive: "45:45:3"},
	}
}

// Load reads the TOML file at path on top of Default and validates the
// result. Unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("config: parse %s:%d:%d: %w", path, row, col, err)
		}
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.filePath = path

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges and enumerations.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen is required")
	}
	if c.Backend.Browser == "" {
		return errors.New("backend.browser is required")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	for _, d := range []struct {
		name     string
		v        time.Duration
		positive bool
	}{
		{"timeouts.dial", c.Timeouts.Dial.Duration, true},
		{"timeouts.negotiation", c.Timeouts.Negotiation.Duration, true},
		{"timeouts.backend", c.Timeouts.Backend.Duration, true},
		{"timeouts.tunnel_idle", c.Timeouts.TunnelIdle.Duration, true},
		{"timeouts.tunnel_write", c.Timeouts.TunnelWrite.Duration, true},
		{"timeouts.tunnel_max_idle", c.Timeouts.TunnelMaxIdle.Duration, false},
	} {
		if d.v < 0 || (d.positive && d.v == 0) {
			return fmt.Errorf("%s must be positive; got %v", d.name, d.v)
		}
	}

	if c.Limits.MaxBodyBytes < 0 {
		return fmt.Errorf("limits.max_body_bytes must be non-negative; got %d", c.Limits.MaxBodyBytes)
	}
	if c.Backend.MaxResponseBytes < 0 {
		return fmt.Errorf("backend.max_response_bytes must be non-negative; got %d", c.Backend.MaxResponseBytes)
	}
	if c.Backend.RequestsPerSecond < 0 {
		return fmt.Errorf("backend.requests_per_second must be non-negative; got %v", c.Backend.RequestsPerSecond)
	}
	for _, p := range c.Policy.ForwardPrefixes {
		if p == "" {
			return errors.New("policy.forward_prefixes must not contain an empty prefix")
		}
	}
	return nil
}

// Rules converts the [policy] section.
func (c *Config) Rules() policy.Config {
	return policy.Config{
		Forward:                      c.Policy.Forward,
		ForwardPrefixes:              c.Policy.ForwardPrefixes,
		DropResponse:                 c.Policy.DropResponse,
		KeepUndecodedContentEncoding: c.Policy.KeepUndecodedContentEncoding,
	}
}

// Level returns the slog level for Log.Level.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// FilePath returns the file the config was loaded from, if any.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is readable by group or
// others. Upstream URLs may carry credentials.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

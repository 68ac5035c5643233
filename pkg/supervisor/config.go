package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	wardenlog "github.com/holon-run/warden/pkg/log"
	"github.com/holon-run/warden/pkg/monitor"
	"gopkg.in/yaml.v3"
)

// DefaultGracePeriod bounds how long a graceful termination request may
// remain unanswered before escalating to SIGKILL.
const DefaultGracePeriod = 10 * time.Second

// Environment variables consumed by FromEnv. All optional.
const (
	EnvStartupTimeout     = "WARDEN_STARTUP_TIMEOUT"
	EnvEarlyExitThreshold = "WARDEN_EARLY_EXIT_THRESHOLD"
	EnvPollInterval       = "WARDEN_POLL_INTERVAL"
	EnvGracePeriod        = "WARDEN_GRACE_PERIOD"
	EnvLogDir             = "WARDEN_LOG_DIR"
	EnvNativeLogDir       = "WARDEN_NATIVE_LOG_DIR"
)

// Config holds everything a Supervisor needs for one run. Immutable after
// construction.
type Config struct {
	Monitor monitor.Config

	// GracePeriod is the SIGTERM-to-SIGKILL escalation delay.
	GracePeriod time.Duration

	// LogDir receives the stdout/stderr capture files. Empty disables the
	// sink (console-only).
	LogDir string

	// NativeLogDir is the managed application's own log directory, read by
	// the diagnostics collector on failure. Never written by the supervisor.
	NativeLogDir string
}

// DefaultConfig returns the built-in defaults: monitor window defaults, a
// 10s grace period, and a capture directory under the system temp dir.
func DefaultConfig() Config {
	return Config{
		Monitor:     monitor.Config{}.WithDefaults(),
		GracePeriod: DefaultGracePeriod,
		LogDir:      filepath.Join(os.TempDir(), "warden"),
	}
}

// FromEnv layers environment overrides on top of DefaultConfig. Invalid
// values keep the default and log a warning; configuration problems never
// prevent a run.
func FromEnv() Config {
	cfg := DefaultConfig()

	cfg.Monitor.StartupTimeout = envDuration(EnvStartupTimeout, cfg.Monitor.StartupTimeout)
	cfg.Monitor.EarlyExitThreshold = envDuration(EnvEarlyExitThreshold, cfg.Monitor.EarlyExitThreshold)
	cfg.Monitor.PollInterval = envDuration(EnvPollInterval, cfg.Monitor.PollInterval)
	cfg.GracePeriod = envDuration(EnvGracePeriod, cfg.GracePeriod)

	if v := strings.TrimSpace(os.Getenv(EnvLogDir)); v != "" {
		cfg.LogDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvNativeLogDir)); v != "" {
		cfg.NativeLogDir = v
	}

	return cfg
}

// envDuration reads an optional duration. Accepts Go duration syntax
// ("90s", "2m") and bare integers, which are taken as seconds for shell
// compatibility.
func envDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := parseDuration(raw)
	if err != nil {
		wardenlog.Warn("invalid duration in environment, using default",
			"var", key, "value", raw, "default", fallback)
		return fallback
	}
	return d
}

func parseDuration(raw string) (time.Duration, error) {
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", raw)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

// fileConfig is the YAML shape of an optional supervisor config file.
// Durations are strings in Go duration syntax or bare seconds.
type fileConfig struct {
	StartupTimeout     string `yaml:"startup_timeout"`
	EarlyExitThreshold string `yaml:"early_exit_threshold"`
	PollInterval       string `yaml:"poll_interval"`
	GracePeriod        string `yaml:"grace_period"`
	LogDir             string `yaml:"log_dir"`
	NativeLogDir       string `yaml:"native_log_dir"`
}

// ApplyFile overlays settings from a YAML config file. Unlike environment
// overrides, an unreadable or malformed file is an error: the operator
// asked for it explicitly.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	overlay := func(raw string, dst *time.Duration, field string) error {
		if strings.TrimSpace(raw) == "" {
			return nil
		}
		d, err := parseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, field, err)
		}
		*dst = d
		return nil
	}

	if err := overlay(fc.StartupTimeout, &c.Monitor.StartupTimeout, "startup_timeout"); err != nil {
		return err
	}
	if err := overlay(fc.EarlyExitThreshold, &c.Monitor.EarlyExitThreshold, "early_exit_threshold"); err != nil {
		return err
	}
	if err := overlay(fc.PollInterval, &c.Monitor.PollInterval, "poll_interval"); err != nil {
		return err
	}
	if err := overlay(fc.GracePeriod, &c.GracePeriod, "grace_period"); err != nil {
		return err
	}
	if v := strings.TrimSpace(fc.LogDir); v != "" {
		c.LogDir = v
	}
	if v := strings.TrimSpace(fc.NativeLogDir); v != "" {
		c.NativeLogDir = v
	}
	return nil
}

// Validate checks the config's internal relations. The threshold/timeout
// inversion is a warning, not an error: a short timeout that closes the
// window before confirmation is a legitimate setup.
func (c Config) Validate() {
	m := c.Monitor.WithDefaults()
	if m.EarlyExitThreshold >= m.StartupTimeout {
		wardenlog.Warn("early-exit threshold is not below startup timeout; RUNNING can never be confirmed",
			"threshold", m.EarlyExitThreshold, "timeout", m.StartupTimeout)
	}
	if c.GracePeriod <= 0 {
		wardenlog.Warn("non-positive grace period; termination will escalate immediately",
			"grace_period", c.GracePeriod)
	}
}

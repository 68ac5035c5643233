// Package monitor watches a freshly started process for a bounded window
// and classifies its health: confirmed running, crashed early, ended during
// the monitoring window, or still inconclusive when the window closes.
package monitor

import (
	"context"
	"time"

	wardenlog "github.com/holon-run/warden/pkg/log"
)

// Verdict is the outcome of the startup monitoring window.
type Verdict int

const (
	// VerdictRunning means the process survived the early-exit threshold.
	VerdictRunning Verdict = iota
	// VerdictEarlyExit means the process exited before the early-exit
	// threshold: a genuine startup crash. Fatal.
	VerdictEarlyExit
	// VerdictEndedDuringMonitoring means the process exited at or after the
	// threshold but before a RUNNING verdict was reached. Fatal, but not
	// classified as an immediate crash.
	VerdictEndedDuringMonitoring
	// VerdictTimeout means the window closed without a definitive signal.
	// Non-fatal: the process may simply be slow to initialize.
	VerdictTimeout
	// VerdictAborted means monitoring was cancelled externally (shutdown
	// signal). Non-fatal; the lifecycle controller owns what happens next.
	VerdictAborted
)

func (v Verdict) String() string {
	switch v {
	case VerdictRunning:
		return "RUNNING"
	case VerdictEarlyExit:
		return "EARLY_EXIT"
	case VerdictEndedDuringMonitoring:
		return "ENDED_DURING_MONITORING"
	case VerdictTimeout:
		return "TIMEOUT"
	case VerdictAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Fatal reports whether the verdict ends the run with a failure.
func (v Verdict) Fatal() bool {
	switch v {
	case VerdictEarlyExit, VerdictEndedDuringMonitoring:
		return true
	case VerdictRunning, VerdictTimeout, VerdictAborted:
		return false
	default:
		// Unexpected verdicts fail safe.
		return true
	}
}

// Config bounds the monitoring window. Immutable once handed to Watch.
type Config struct {
	// StartupTimeout is the maximum time to keep monitoring before giving
	// up non-fatally.
	StartupTimeout time.Duration
	// EarlyExitThreshold is the minimum uptime below which an exit counts
	// as a startup crash. The threshold itself is exclusive: an exit at
	// exactly the threshold is ENDED_DURING_MONITORING.
	EarlyExitThreshold time.Duration
	// PollInterval is the liveness poll period.
	PollInterval time.Duration
}

// Defaults for the monitoring window. The threshold < timeout relation
// holds here; caller-supplied configs may invert it deliberately (a short
// timeout stops monitoring before the threshold is ever reached).
const (
	DefaultStartupTimeout     = 30 * time.Second
	DefaultEarlyExitThreshold = 10 * time.Second
	DefaultPollInterval       = 2 * time.Second
)

// WithDefaults fills zero fields with the default window bounds.
func (c Config) WithDefaults() Config {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.EarlyExitThreshold <= 0 {
		c.EarlyExitThreshold = DefaultEarlyExitThreshold
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// classifyExit maps an observed exit at the given uptime to a verdict.
// Exclusive on the early side: uptime == threshold is not an early exit.
func classifyExit(uptime, threshold time.Duration) Verdict {
	if uptime < threshold {
		return VerdictEarlyExit
	}
	return VerdictEndedDuringMonitoring
}

// Watch polls until the process is confirmed running, observed exited, or
// the window closes. The exited channel is owned by the lifecycle
// controller and closed by its wait goroutine; the monitor only reads it.
func Watch(ctx context.Context, cfg Config, started time.Time, exited <-chan struct{}) Verdict {
	cfg = cfg.WithDefaults()
	if cfg.EarlyExitThreshold >= cfg.StartupTimeout {
		wardenlog.Debug("early-exit threshold is not below startup timeout; window will close before confirmation",
			"threshold", cfg.EarlyExitThreshold, "timeout", cfg.StartupTimeout)
	}

	wardenlog.Progress("monitoring startup",
		"threshold", cfg.EarlyExitThreshold, "timeout", cfg.StartupTimeout)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wardenlog.Debug("startup monitoring cancelled")
			return VerdictAborted
		case <-ticker.C:
			elapsed := time.Since(started)

			select {
			case <-exited:
				v := classifyExit(elapsed, cfg.EarlyExitThreshold)
				wardenlog.Warn("process exited during startup monitoring",
					"verdict", v.String(), "uptime", elapsed)
				return v
			default:
			}

			if elapsed >= cfg.EarlyExitThreshold {
				wardenlog.Progress("process confirmed running", "uptime", elapsed)
				return VerdictRunning
			}
			if elapsed >= cfg.StartupTimeout {
				wardenlog.Warn("startup monitoring timed out, assuming slow initialization",
					"elapsed", elapsed)
				return VerdictTimeout
			}
		}
	}
}

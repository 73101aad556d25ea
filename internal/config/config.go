// Package config loads CoreConfig, the environment-derived configuration
// shared by the agent pool, run scheduler, and session-state store.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RunRole selects which scheduler responsibilities this process takes on.
type RunRole string

const (
	RunRoleAPI    RunRole = "api"
	RunRoleWorker RunRole = "worker"
	RunRoleAll    RunRole = "all"
)

// CoreConfig is the environment-derived configuration for this module's
// components. Populate it with Load, not by hand, so defaults and clamps
// are applied consistently (spec §6).
type CoreConfig struct {
	// SandboxRoot is the directory under which per-session sandbox
	// directories are created. Defaults to "<cwd>/.sandbox".
	SandboxRoot string

	// SandboxTTL is how long an unused sandbox directory survives before
	// the reaper removes it. Clamped to [60s, 30d], default 12h.
	SandboxTTL time.Duration

	// SessionStickyTTL is how long a session-sticky worker lease survives.
	// Clamped to [10s, 86400s], default 600s.
	SessionStickyTTL time.Duration

	// RunRole selects api/worker/all. "worker" without DatabaseURL is
	// coerced to "all" (a worker role is meaningless without a Postgres
	// backend to claim runs from).
	RunRole RunRole

	// DatabaseURL, if non-empty, enables the Postgres-backed scheduler and
	// session-state store backends.
	DatabaseURL string

	// Scheduler is the run scheduler's timing configuration.
	Scheduler SchedulerTiming

	// OAuthCredentialSecret signs the credential envelope C5's callback
	// server stamps into a session's metadata after a successful exchange.
	// Empty disables credential envelope signing.
	OAuthCredentialSecret string

	// RulesetPath, if non-empty, points at a YAML allow/deny ruleset file
	// (spec §3) loaded once at pool construction via LoadRuleSet.
	RulesetPath string
}

// SchedulerTiming holds the run scheduler's timing knobs. LeaseSeconds,
// CancelCheckInterval and ClaimPollInterval are read by the Postgres
// backend; TerminalRetention by the in-memory backend's retention GC. These aren't named in spec §6's environment variable list, but the spec
// itself names the constants (LEASE_SECONDS, CANCEL_CHECK_INTERVAL,
// claim_poll_ms, TERMINAL_RETENTION) as tunable, so this module exposes
// them as environment variables too rather than hardcoding them.
type SchedulerTiming struct {
	// LeaseSeconds is how long a claimed run's lease lasts before it's
	// eligible for reclaim by another worker. Floor 10, default 30.
	LeaseSeconds int

	// CancelCheckInterval is how often each executing run re-reads its
	// cancel_requested_at. Default 750ms.
	CancelCheckInterval time.Duration

	// ClaimPollInterval is the tick between claim attempts. After a failed
	// claim attempt the claim loop also sleeps an exponential backoff before
	// waiting for the next tick. Floor 200ms, default 1000ms.
	ClaimPollInterval time.Duration

	// TerminalRetention is how long the in-memory backend keeps a terminal
	// run record before its retention GC drops it. Default 30min. The
	// Postgres backend's retention sweep always uses 30 minutes.
	TerminalRetention time.Duration
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func envInt(name string, def int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func envDurationSeconds(name string, defSeconds int) time.Duration {
	return time.Duration(envInt(name, defSeconds)) * time.Second
}

func envDurationMillis(name string, defMillis int) time.Duration {
	return time.Duration(envInt(name, defMillis)) * time.Millisecond
}

// Load reads CoreConfig from the environment, applying the defaults and
// clamps spec §6 describes.
func Load() *CoreConfig {
	cfg := &CoreConfig{}

	cfg.SandboxRoot = strings.TrimSpace(os.Getenv("CODELIA_SANDBOX_ROOT"))
	if cfg.SandboxRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			cwd = "."
		}
		cfg.SandboxRoot = cwd + "/.sandbox"
	}

	sandboxTTL := envDurationSeconds("CODELIA_SANDBOX_TTL_SECONDS", 43200)
	cfg.SandboxTTL = clampDuration(sandboxTTL, 60*time.Second, 30*24*time.Hour)

	stickyTTL := envDurationSeconds("CODELIA_SESSION_STICKY_TTL_SECONDS", 600)
	cfg.SessionStickyTTL = clampDuration(stickyTTL, 10*time.Second, 86400*time.Second)

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	cfg.RunRole = parseRunRole(strings.TrimSpace(os.Getenv("CODELIA_RUN_ROLE")))
	if cfg.RunRole == RunRoleWorker && cfg.DatabaseURL == "" {
		cfg.RunRole = RunRoleAll
	}

	leaseSeconds := envInt("CODELIA_SCHEDULER_LEASE_SECONDS", 30)
	cfg.Scheduler.LeaseSeconds = clampInt(leaseSeconds, 10, 86400)
	cfg.Scheduler.CancelCheckInterval = envDurationMillis("CODELIA_SCHEDULER_CANCEL_CHECK_INTERVAL_MS", 750)

	claimPoll := envDurationMillis("CODELIA_SCHEDULER_CLAIM_POLL_MS", 1000)
	cfg.Scheduler.ClaimPollInterval = clampDuration(claimPoll, 200*time.Millisecond, time.Minute)

	cfg.Scheduler.TerminalRetention = envDurationSeconds("CODELIA_SCHEDULER_TERMINAL_RETENTION_SECONDS", 1800)

	cfg.OAuthCredentialSecret = strings.TrimSpace(os.Getenv("CODELIA_OAUTH_CREDENTIAL_SECRET"))
	cfg.RulesetPath = strings.TrimSpace(os.Getenv("CODELIA_RULESET_PATH"))

	return cfg
}

func parseRunRole(value string) RunRole {
	switch strings.ToLower(value) {
	case string(RunRoleAPI):
		return RunRoleAPI
	case string(RunRoleWorker):
		return RunRoleWorker
	default:
		return RunRoleAll
	}
}

// UsesPostgres reports whether this config enables the Postgres-backed
// scheduler and session-state store backends.
func (c *CoreConfig) UsesPostgres() bool {
	return c != nil && c.DatabaseURL != ""
}

// SPDX-License-Identifier: MIT

// Package config resolves the daemon configuration with the precedence
// ENV > YAML file > defaults, validates it, and holds the active snapshot
// for hot reloading.
package config

import (
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/devsupd/devsupd/internal/logstore"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	// Listen is the control-API address. Non-loopback hosts are refused
	// unless AllowRemote is set.
	Listen      string
	AllowRemote bool

	// DataDir holds the port ledger.
	DataDir string

	MaxSessions      int
	GCOrphansAtStart bool

	ReadyTimeout time.Duration
	GracePeriod  time.Duration
	MaxRestarts  int
	RestartDelay time.Duration

	Retention     time.Duration
	SweepInterval time.Duration

	RingMaxEntries int
	RingMaxBytes   int64
	SubscriberLag  int
	BusQueue       int

	// ReadyPatterns overrides the built-in readiness banner set when
	// non-empty. Patterns are matched case-insensitively.
	ReadyPatterns []string

	LogLevel  string
	LogFormat string

	// HTTPRateLimit is requests per minute per client on mutating verbs.
	HTTPRateLimit int
	// HTTPMaxConns caps concurrent control-API connections.
	HTTPMaxConns int
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:           "127.0.0.1:7070",
		DataDir:          defaultDataDir(),
		MaxSessions:      50,
		GCOrphansAtStart: true,
		ReadyTimeout:     3 * time.Second,
		GracePeriod:      5 * time.Second,
		MaxRestarts:      3,
		RestartDelay:     2 * time.Second,
		Retention:        time.Hour,
		SweepInterval:    time.Minute,
		RingMaxEntries:   logstore.DefaultMaxEntries,
		RingMaxBytes:     logstore.DefaultMaxBytes,
		SubscriberLag:    logstore.DefaultLagBound,
		BusQueue:         256,
		LogLevel:         "info",
		LogFormat:        "json",
		HTTPRateLimit:    600,
		HTTPMaxConns:     64,
	}
}

// Validate rejects configurations the daemon cannot run with. It is called
// at startup (fail-fast) and on every reload (keep the old config).
func Validate(cfg Config) error {
	host, _, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %q: %w", cfg.Listen, err)
	}
	if !cfg.AllowRemote && !isLoopbackHost(host) {
		return fmt.Errorf("listen %q is not loopback; set allowRemote to override", cfg.Listen)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if cfg.MaxSessions < 1 {
		return fmt.Errorf("max sessions %d must be at least 1", cfg.MaxSessions)
	}
	if cfg.ReadyTimeout <= 0 {
		return fmt.Errorf("ready timeout %s must be positive", cfg.ReadyTimeout)
	}
	if cfg.GracePeriod <= 0 {
		return fmt.Errorf("grace period %s must be positive", cfg.GracePeriod)
	}
	if cfg.MaxRestarts < 0 {
		return fmt.Errorf("max restarts %d must not be negative", cfg.MaxRestarts)
	}
	if cfg.RestartDelay < 0 {
		return fmt.Errorf("restart delay %s must not be negative", cfg.RestartDelay)
	}
	if cfg.Retention <= 0 {
		return fmt.Errorf("retention %s must be positive", cfg.Retention)
	}
	if cfg.RingMaxEntries < 1 || cfg.RingMaxBytes < 1 {
		return fmt.Errorf("ring budgets must be positive")
	}
	if cfg.SubscriberLag < 1 {
		return fmt.Errorf("subscriber lag bound %d must be positive", cfg.SubscriberLag)
	}
	if cfg.BusQueue < 1 {
		return fmt.Errorf("bus queue %d must be positive", cfg.BusQueue)
	}
	if cfg.HTTPRateLimit < 1 {
		return fmt.Errorf("http rate limit %d must be positive", cfg.HTTPRateLimit)
	}
	if cfg.HTTPMaxConns < 1 {
		return fmt.Errorf("http max connections %d must be positive", cfg.HTTPMaxConns)
	}
	// The daemon refuses to start with an uncompilable readiness set.
	if _, err := logstore.CompileReadyPatterns(cfg.ReadyPatterns); err != nil {
		return err
	}
	return nil
}

// CompileReadyPattern returns the readiness matcher for this config. Call
// only after Validate.
func (c Config) CompileReadyPattern() (*regexp.Regexp, error) {
	return logstore.CompileReadyPatterns(c.ReadyPatterns)
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

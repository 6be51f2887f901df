// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/devsupd/devsupd/internal/log"
)

// Environment keys. Malformed values warn and fall back to the default; a
// typo in an env var should never take the daemon down.
const (
	EnvConfig         = "DEVSUP_CONFIG"
	EnvListen         = "DEVSUP_LISTEN"
	EnvAllowRemote    = "DEVSUP_ALLOW_REMOTE"
	EnvDataDir        = "DEVSUP_DATA_DIR"
	EnvMaxSessions    = "DEVSUP_MAX_SESSIONS"
	EnvGCOrphans      = "DEVSUP_GC_ORPHANS"
	EnvReadyTimeout   = "DEVSUP_READY_TIMEOUT"
	EnvGracePeriod    = "DEVSUP_GRACE_PERIOD"
	EnvMaxRestarts    = "DEVSUP_MAX_RESTARTS"
	EnvRestartDelay   = "DEVSUP_RESTART_DELAY"
	EnvRetention      = "DEVSUP_RETENTION"
	EnvSweepInterval  = "DEVSUP_SWEEP_INTERVAL"
	EnvRingMaxEntries = "DEVSUP_RING_MAX_ENTRIES"
	EnvRingMaxBytes   = "DEVSUP_RING_MAX_BYTES"
	EnvSubscriberLag  = "DEVSUP_SUBSCRIBER_LAG"
	EnvBusQueue       = "DEVSUP_BUS_QUEUE"
	EnvReadyPatterns  = "DEVSUP_READY_PATTERNS"
	EnvLogLevel       = "DEVSUP_LOG_LEVEL"
	EnvLogFormat      = "DEVSUP_LOG_FORMAT"
	EnvHTTPRateLimit  = "DEVSUP_HTTP_RATE_LIMIT"
	EnvHTTPMaxConns   = "DEVSUP_HTTP_MAX_CONNS"
)

// ParseString reads a string from the environment or returns the default.
func ParseString(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return defaultValue
}

// ParseInt reads an integer from the environment, warning and defaulting on
// malformed values.
func ParseInt(key string, defaultValue int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().Str("key", key).Str("value", v).
			Int("default", defaultValue).Msg("invalid integer in environment, using default")
		return defaultValue
	}
	return i
}

// ParseInt64 is ParseInt for 64-bit values (byte budgets).
func ParseInt64(key string, defaultValue int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().Str("key", key).Str("value", v).
			Int64("default", defaultValue).Msg("invalid integer in environment, using default")
		return defaultValue
	}
	return i
}

// ParseBool reads a boolean from the environment. Accepts true/false, 1/0,
// yes/no, case-insensitive.
func ParseBool(key string, defaultValue bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		logger := log.WithComponent("config")
		logger.Warn().Str("key", key).Str("value", v).
			Bool("default", defaultValue).Msg("invalid boolean in environment, using default")
		return defaultValue
	}
}

// ParseDuration reads a Go duration ("5s", "1h") from the environment.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().Str("key", key).Str("value", v).
			Dur("default", defaultValue).Msg("invalid duration in environment, using default")
		return defaultValue
	}
	return d
}

// ParseStringList reads a comma-separated list, trimming whitespace and
// dropping empty elements.
func ParseStringList(key string, defaultValue []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".devsupd")
	}
	return filepath.Join(os.TempDir(), "devsupd")
}

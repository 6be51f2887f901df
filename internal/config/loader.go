// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the YAML document. Every field is a pointer so absence
// and the zero value stay distinguishable during the merge.
type FileConfig struct {
	Listen           *string        `yaml:"listen"`
	AllowRemote      *bool          `yaml:"allowRemote"`
	DataDir          *string        `yaml:"dataDir"`
	MaxSessions      *int           `yaml:"maxSessions"`
	GCOrphansAtStart *bool          `yaml:"gcOrphansAtStart"`
	ReadyTimeout     *time.Duration `yaml:"readyTimeout"`
	GracePeriod      *time.Duration `yaml:"gracePeriod"`
	MaxRestarts      *int           `yaml:"maxRestarts"`
	RestartDelay     *time.Duration `yaml:"restartDelay"`
	Retention        *time.Duration `yaml:"retention"`
	SweepInterval    *time.Duration `yaml:"sweepInterval"`
	RingMaxEntries   *int           `yaml:"ringMaxEntries"`
	RingMaxBytes     *int64         `yaml:"ringMaxBytes"`
	SubscriberLag    *int           `yaml:"subscriberLag"`
	BusQueue         *int           `yaml:"busQueue"`
	ReadyPatterns    []string       `yaml:"readyPatterns"`
	LogLevel         *string        `yaml:"logLevel"`
	LogFormat        *string        `yaml:"logFormat"`
	HTTPRateLimit    *int           `yaml:"httpRateLimit"`
	HTTPMaxConns     *int           `yaml:"httpMaxConns"`
}

// Loader resolves the configuration: defaults, then the optional YAML file,
// then the environment, then validation.
type Loader struct {
	configPath string
}

// NewLoader creates a loader. configPath may be empty (ENV-only operation).
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load resolves and validates the configuration. Any validation failure,
// including an uncompilable readiness pattern, is returned so the daemon
// can refuse to start.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		mergeFile(&cfg, fileCfg)
	}

	mergeEnv(&cfg)

	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile parses the YAML file strictly: unknown fields and trailing
// documents are errors, so a typoed key cannot silently do nothing.
func (l *Loader) loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format %s (only YAML)", ext)
	}

	// #nosec G304 -- path is provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fileCfg); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return &fileCfg, nil
}

func mergeFile(cfg *Config, f *FileConfig) {
	if f.Listen != nil {
		cfg.Listen = *f.Listen
	}
	if f.AllowRemote != nil {
		cfg.AllowRemote = *f.AllowRemote
	}
	if f.DataDir != nil {
		cfg.DataDir = *f.DataDir
	}
	if f.MaxSessions != nil {
		cfg.MaxSessions = *f.MaxSessions
	}
	if f.GCOrphansAtStart != nil {
		cfg.GCOrphansAtStart = *f.GCOrphansAtStart
	}
	if f.ReadyTimeout != nil {
		cfg.ReadyTimeout = *f.ReadyTimeout
	}
	if f.GracePeriod != nil {
		cfg.GracePeriod = *f.GracePeriod
	}
	if f.MaxRestarts != nil {
		cfg.MaxRestarts = *f.MaxRestarts
	}
	if f.RestartDelay != nil {
		cfg.RestartDelay = *f.RestartDelay
	}
	if f.Retention != nil {
		cfg.Retention = *f.Retention
	}
	if f.SweepInterval != nil {
		cfg.SweepInterval = *f.SweepInterval
	}
	if f.RingMaxEntries != nil {
		cfg.RingMaxEntries = *f.RingMaxEntries
	}
	if f.RingMaxBytes != nil {
		cfg.RingMaxBytes = *f.RingMaxBytes
	}
	if f.SubscriberLag != nil {
		cfg.SubscriberLag = *f.SubscriberLag
	}
	if f.BusQueue != nil {
		cfg.BusQueue = *f.BusQueue
	}
	if len(f.ReadyPatterns) > 0 {
		cfg.ReadyPatterns = append([]string(nil), f.ReadyPatterns...)
	}
	if f.LogLevel != nil {
		cfg.LogLevel = *f.LogLevel
	}
	if f.LogFormat != nil {
		cfg.LogFormat = *f.LogFormat
	}
	if f.HTTPRateLimit != nil {
		cfg.HTTPRateLimit = *f.HTTPRateLimit
	}
	if f.HTTPMaxConns != nil {
		cfg.HTTPMaxConns = *f.HTTPMaxConns
	}
}

func mergeEnv(cfg *Config) {
	cfg.Listen = ParseString(EnvListen, cfg.Listen)
	cfg.AllowRemote = ParseBool(EnvAllowRemote, cfg.AllowRemote)
	cfg.DataDir = ParseString(EnvDataDir, cfg.DataDir)
	cfg.MaxSessions = ParseInt(EnvMaxSessions, cfg.MaxSessions)
	cfg.GCOrphansAtStart = ParseBool(EnvGCOrphans, cfg.GCOrphansAtStart)
	cfg.ReadyTimeout = ParseDuration(EnvReadyTimeout, cfg.ReadyTimeout)
	cfg.GracePeriod = ParseDuration(EnvGracePeriod, cfg.GracePeriod)
	cfg.MaxRestarts = ParseInt(EnvMaxRestarts, cfg.MaxRestarts)
	cfg.RestartDelay = ParseDuration(EnvRestartDelay, cfg.RestartDelay)
	cfg.Retention = ParseDuration(EnvRetention, cfg.Retention)
	cfg.SweepInterval = ParseDuration(EnvSweepInterval, cfg.SweepInterval)
	cfg.RingMaxEntries = ParseInt(EnvRingMaxEntries, cfg.RingMaxEntries)
	cfg.RingMaxBytes = ParseInt64(EnvRingMaxBytes, cfg.RingMaxBytes)
	cfg.SubscriberLag = ParseInt(EnvSubscriberLag, cfg.SubscriberLag)
	cfg.BusQueue = ParseInt(EnvBusQueue, cfg.BusQueue)
	cfg.ReadyPatterns = ParseStringList(EnvReadyPatterns, cfg.ReadyPatterns)
	cfg.LogLevel = ParseString(EnvLogLevel, cfg.LogLevel)
	cfg.LogFormat = ParseString(EnvLogFormat, cfg.LogFormat)
	cfg.HTTPRateLimit = ParseInt(EnvHTTPRateLimit, cfg.HTTPRateLimit)
	cfg.HTTPMaxConns = ParseInt(EnvHTTPMaxConns, cfg.HTTPMaxConns)
}

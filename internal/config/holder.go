// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/devsupd/devsupd/internal/log"
)

// Snapshot is the active configuration plus its derived state. Holders hand
// out value copies; a snapshot never changes after publication.
type Snapshot struct {
	Config
	// ReadyPattern is the compiled readiness alternation for Config.
	ReadyPattern *regexp.Regexp
}

// Holder wraps the live configuration with atomic reloads. Hot fields
// (readiness patterns, retention, sweep interval, supervision knobs, log
// level) take effect on the next operation; boot-only fields are pinned and
// a reload that changes them warns instead.
type Holder struct {
	loader     *Loader
	configPath string
	logger     zerolog.Logger

	mu      sync.RWMutex
	current Snapshot

	watcher *fsnotify.Watcher

	reloadMu  sync.RWMutex
	listeners []chan<- Snapshot
}

// NewHolder compiles the initial snapshot. The config must already have
// passed Validate.
func NewHolder(initial Config, loader *Loader, configPath string) (*Holder, error) {
	re, err := initial.CompileReadyPattern()
	if err != nil {
		return nil, err
	}
	return &Holder{
		loader:     loader,
		configPath: configPath,
		logger:     log.WithComponent("config"),
		current:    Snapshot{Config: initial, ReadyPattern: re},
	}, nil
}

// Get returns the current snapshot.
func (h *Holder) Get() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload loads and validates a fresh configuration and swaps it in
// atomically. On any failure the old configuration stays active.
func (h *Holder) Reload(_ context.Context) error {
	h.logger.Info().Str(log.FieldEvent, "config.reload_start").Msg("reloading configuration")

	newCfg, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str(log.FieldEvent, "config.reload_failed").
			Msg("failed to load new configuration")
		return fmt.Errorf("load config: %w", err)
	}

	h.mu.Lock()
	old := h.current.Config
	pinBootFields(&newCfg, old, h.logger)
	re, err := newCfg.CompileReadyPattern()
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("compile ready patterns: %w", err)
	}
	snap := Snapshot{Config: newCfg, ReadyPattern: re}
	h.current = snap
	h.mu.Unlock()

	if newCfg.LogLevel != old.LogLevel {
		if level, err := zerolog.ParseLevel(newCfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
			h.logger.Info().Str("old", old.LogLevel).Str("new", newCfg.LogLevel).
				Msg("config changed: LogLevel")
		}
	}
	if newCfg.Retention != old.Retention {
		h.logger.Info().Dur("old", old.Retention).Dur("new", newCfg.Retention).
			Msg("config changed: Retention")
	}
	if newCfg.SweepInterval != old.SweepInterval {
		h.logger.Info().Dur("old", old.SweepInterval).Dur("new", newCfg.SweepInterval).
			Msg("config changed: SweepInterval")
	}

	h.notifyListeners(snap)
	h.logger.Info().Str(log.FieldEvent, "config.reload_success").
		Msg("configuration reloaded successfully")
	return nil
}

// pinBootFields keeps the boot-only fields at their original values. These
// are wired into live listeners, stores, and queues; changing them requires
// a restart.
func pinBootFields(newCfg *Config, old Config, logger zerolog.Logger) {
	warn := func(field string) {
		logger.Warn().Str("field", field).Str(log.FieldEvent, "config.immutable_field").
			Msg("field cannot change at runtime, keeping boot value")
	}
	if newCfg.Listen != old.Listen {
		warn("listen")
		newCfg.Listen = old.Listen
	}
	if newCfg.AllowRemote != old.AllowRemote {
		warn("allowRemote")
		newCfg.AllowRemote = old.AllowRemote
	}
	if newCfg.DataDir != old.DataDir {
		warn("dataDir")
		newCfg.DataDir = old.DataDir
	}
	if newCfg.MaxSessions != old.MaxSessions {
		warn("maxSessions")
		newCfg.MaxSessions = old.MaxSessions
	}
	if newCfg.RingMaxEntries != old.RingMaxEntries || newCfg.RingMaxBytes != old.RingMaxBytes {
		warn("ring budgets")
		newCfg.RingMaxEntries = old.RingMaxEntries
		newCfg.RingMaxBytes = old.RingMaxBytes
	}
	if newCfg.SubscriberLag != old.SubscriberLag {
		warn("subscriberLag")
		newCfg.SubscriberLag = old.SubscriberLag
	}
	if newCfg.BusQueue != old.BusQueue {
		warn("busQueue")
		newCfg.BusQueue = old.BusQueue
	}
	if newCfg.HTTPRateLimit != old.HTTPRateLimit || newCfg.HTTPMaxConns != old.HTTPMaxConns {
		warn("http limits")
		newCfg.HTTPRateLimit = old.HTTPRateLimit
		newCfg.HTTPMaxConns = old.HTTPMaxConns
	}
}

// StartWatcher watches the config file and reloads on changes, debounced so
// editors that write in several steps trigger one reload. A no-op without a
// config file.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.configPath == "" {
		h.logger.Info().Str(log.FieldEvent, "config.watcher_disabled").
			Msg("config file watcher disabled (ENV-only configuration)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	h.watcher = watcher

	if err := watcher.Add(h.configPath); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}

	h.logger.Info().Str(log.FieldEvent, "config.watcher_started").
		Str(log.FieldPath, h.configPath).Msg("watching config file for changes")

	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	const debounce = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str(log.FieldEvent, "config.watcher_stopped").Msg("config watcher stopped")
			_ = h.watcher.Close()
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounce, func() {
					if err := h.Reload(ctx); err != nil {
						h.logger.Error().Err(err).Str(log.FieldEvent, "config.auto_reload_failed").
							Msg("automatic config reload failed")
					}
				})
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Str(log.FieldEvent, "config.watcher_error").
				Msg("config watcher error")
		}
	}
}

// Stop closes the file watcher, if one is running.
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}

// RegisterListener adds a channel that receives each new snapshot. Sends are
// non-blocking; a full channel is skipped.
func (h *Holder) RegisterListener(ch chan<- Snapshot) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notifyListeners(snap Snapshot) {
	h.reloadMu.RLock()
	defer h.reloadMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- snap:
		default:
			h.logger.Warn().Str(log.FieldEvent, "config.listener_skip").
				Msg("skipped notifying listener (channel full)")
		}
	}
}

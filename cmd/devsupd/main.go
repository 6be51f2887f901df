// SPDX-License-Identifier: MIT

// devsupd is the development-process supervisor daemon. It exposes a
// loopback control API that AI coding agents and the dashboard drive to
// start, observe, and stop dev servers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/devsupd/devsupd/internal/api"
	"github.com/devsupd/devsupd/internal/bus"
	"github.com/devsupd/devsupd/internal/config"
	"github.com/devsupd/devsupd/internal/daemon"
	"github.com/devsupd/devsupd/internal/ident"
	"github.com/devsupd/devsupd/internal/kv"
	"github.com/devsupd/devsupd/internal/log"
	"github.com/devsupd/devsupd/internal/logstore"
	"github.com/devsupd/devsupd/internal/portreg"
	"github.com/devsupd/devsupd/internal/session/manager"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("devsupd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(config.EnvConfig))
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		// The logger is not configured yet; fail fast on stderr.
		fmt.Fprintf(os.Stderr, "devsupd: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "devsupd",
		Version: version,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, loader, path); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Msg("goodbye")
}

func run(ctx context.Context, cfg config.Config, loader *config.Loader, configPath string) error {
	logger := log.WithComponent("main")
	logger.Info().Str("version", version).Str("listen", cfg.Listen).
		Str("data_dir", cfg.DataDir).Msg("starting devsupd")

	holder, err := config.NewHolder(cfg, loader, configPath)
	if err != nil {
		return err
	}
	defer holder.Stop()

	store, err := kv.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}

	clock := ident.NewClock()
	eventBus := bus.New(cfg.BusQueue)
	logs := logstore.NewStore(cfg.RingMaxEntries, cfg.RingMaxBytes, cfg.SubscriberLag)
	ports := portreg.NewRegistry(store, portreg.NewLoopbackProber(), eventBus)

	sessions := manager.New(func() manager.Conf {
		snap := holder.Get()
		return manager.Conf{
			MaxSessions:   snap.MaxSessions,
			ReadyTimeout:  snap.ReadyTimeout,
			GracePeriod:   snap.GracePeriod,
			RestartDelay:  snap.RestartDelay,
			MaxRestarts:   snap.MaxRestarts,
			ReadyPattern:  snap.ReadyPattern,
			Retention:     snap.Retention,
			SweepInterval: snap.SweepInterval,
		}
	}, clock, logs, ports, eventBus)

	server := api.New(api.Deps{
		Manager: sessions,
		Ports:   ports,
		Holder:  holder,
		Build:   api.BuildInfo{Version: version, Commit: commit, Date: buildDate},
	})

	mgr := daemon.NewManager(cfg.Listen, cfg.HTTPMaxConns, server.Handler())

	// LIFO: the bus closes after the sessions are down so terminal events
	// still reach subscribers during the stop fan-out.
	mgr.RegisterShutdownHook("event-bus", func(context.Context) error {
		eventBus.Close()
		return nil
	})
	mgr.RegisterShutdownHook("sessions", func(ctx context.Context) error {
		return sessions.Shutdown(ctx)
	})

	app := daemon.NewApp(mgr, holder, sessions, ports)
	return app.Run(ctx)
}

// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/devsupd/devsupd/internal/config"
	"github.com/devsupd/devsupd/internal/log"
	"github.com/devsupd/devsupd/internal/portreg"
	"github.com/devsupd/devsupd/internal/session/manager"
)

// App runs the long-lived background subsystems around the Manager: the
// config watcher, the SIGHUP reload trigger, the retention sweeper, and the
// startup port GC.
type App struct {
	logger       zerolog.Logger
	manager      *Manager
	holder       *config.Holder
	sessions     *manager.Manager
	ports        *portreg.Registry
	reloadSignal os.Signal
}

// NewApp assembles the orchestrator.
func NewApp(mgr *Manager, holder *config.Holder, sessions *manager.Manager, ports *portreg.Registry) *App {
	return &App{
		logger:       log.WithComponent("app"),
		manager:      mgr,
		holder:       holder,
		sessions:     sessions,
		ports:        ports,
		reloadSignal: syscall.SIGHUP,
	}
}

// Run starts everything and blocks until ctx is canceled or a fatal error
// occurs. The server lifecycle (including teardown hooks) belongs to the
// Manager; Run only owns the loops around it.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	cfg := a.holder.Get()

	// Orphaned ledger entries from a previous daemon run are released
	// before the first allocation can collide with them.
	if cfg.GCOrphansAtStart {
		if released := a.ports.GCOrphans(); len(released) > 0 {
			a.logger.Info().Ints("ports", released).
				Str(log.FieldEvent, "app.startup_gc").Msg("released orphaned ports at startup")
		}
	}

	// Config watcher is best-effort: a watch failure degrades hot reload,
	// not the daemon.
	if err := a.holder.StartWatcher(ctx); err != nil {
		a.logger.Warn().Err(err).Str(log.FieldEvent, "config.watcher_start_failed").
			Msg("failed to start config watcher")
	}

	// Manual reload trigger.
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, a.reloadSignal)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				a.logger.Info().Str("signal", a.reloadSignal.String()).
					Str(log.FieldEvent, "config.reload_signal").Msg("reloading config on signal")
				if err := a.holder.Reload(context.WithoutCancel(ctx)); err != nil {
					a.logger.Warn().Err(err).Str(log.FieldEvent, "config.reload_failed").
						Msg("config reload failed")
				}
			}
		}
	})

	// Retention sweeper.
	sweeper := &manager.Sweeper{
		Mgr: a.sessions,
		Conf: func() (time.Duration, time.Duration) {
			snap := a.holder.Get()
			return snap.SweepInterval, snap.Retention
		},
	}
	g.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})

	// Server lifecycle.
	g.Go(func() error {
		return a.manager.Start(ctx)
	})

	return g.Wait()
}

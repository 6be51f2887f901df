// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devsupd/devsupd/internal/bus"
	"github.com/devsupd/devsupd/internal/errdefs"
	"github.com/devsupd/devsupd/internal/ident"
	"github.com/devsupd/devsupd/internal/kv"
	"github.com/devsupd/devsupd/internal/logstore"
	"github.com/devsupd/devsupd/internal/portreg"
	"github.com/devsupd/devsupd/internal/session/model"
)

// openProber reports every port as free so tests never depend on the host.
type openProber struct{}

func (openProber) InUse(int) bool { return false }

type managerFixture struct {
	mgr   *Manager
	logs  *logstore.Store
	ports *portreg.Registry
	bus   *bus.Bus
	conf  *Conf
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests drive /bin/sh")
	}
	store, err := kv.NewStore(t.TempDir())
	require.NoError(t, err)

	re, err := logstore.CompileReadyPatterns(nil)
	require.NoError(t, err)

	f := &managerFixture{
		logs: logstore.NewStore(0, 0, 0),
		bus:  bus.New(256),
		conf: &Conf{
			MaxSessions:   5,
			ReadyTimeout:  200 * time.Millisecond,
			GracePeriod:   300 * time.Millisecond,
			RestartDelay:  30 * time.Millisecond,
			MaxRestarts:   2,
			ReadyPattern:  re,
			Retention:     time.Hour,
			SweepInterval: time.Minute,
		},
	}
	f.ports = portreg.NewRegistry(store, openProber{}, f.bus)
	f.mgr = New(func() Conf { return *f.conf }, ident.NewClock(), f.logs, f.ports, f.bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = f.mgr.Shutdown(ctx)
		f.bus.Close()
	})
	return f
}

func shInput(t *testing.T, script string) StartInput {
	t.Helper()
	return StartInput{Command: "sh -c " + script, Workdir: t.TempDir()}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestManager_StartTaggedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := shInput(t, `'echo "Listening on :3000"; sleep 30'`)
	in.Tag = "node"
	view, err := f.mgr.Start(ctx, in)
	require.NoError(t, err)
	require.NotEmpty(t, view.ID)
	require.GreaterOrEqual(t, view.Port, 3000)
	require.LessOrEqual(t, view.Port, 3999)

	alloc, held := f.ports.GetAllocation(view.Port)
	require.True(t, held)
	require.Equal(t, view.ID, alloc.OwnerSessionID)

	waitFor(t, func() bool {
		v, err := f.mgr.Get(view.ID)
		return err == nil && v.Status == model.StatusRunning
	}, "session never became running")

	stopped, err := f.mgr.Stop(ctx, view.ID, true)
	require.NoError(t, err)
	require.Equal(t, model.StatusStopped, stopped.Status)

	_, held = f.ports.GetAllocation(view.Port)
	require.False(t, held, "terminal sessions hold no ports")
}

func TestManager_StartValidationFailsFast(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Start(context.Background(), StartInput{Command: "", Workdir: t.TempDir()})
	require.ErrorIs(t, err, errdefs.ErrValidation)
	require.Empty(t, f.mgr.List(model.StatusNone))
}

func TestManager_SpawnFailureReleasesPort(t *testing.T) {
	f := newFixture(t)

	in := StartInput{Command: "no-such-binary-zzz", Workdir: t.TempDir(), Tag: "node"}
	_, err := f.mgr.Start(context.Background(), in)
	require.ErrorIs(t, err, errdefs.ErrSpawn)

	require.Empty(t, f.ports.List(), "the reserved port must be returned on spawn failure")
}

func TestManager_SessionLimit(t *testing.T) {
	f := newFixture(t)
	f.conf.MaxSessions = 2
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.mgr.Start(ctx, shInput(t, `'sleep 30'`))
		require.NoError(t, err)
	}

	_, err := f.mgr.Start(ctx, shInput(t, `'sleep 30'`))
	require.ErrorIs(t, err, errdefs.ErrLimit)

	// Terminal sessions do not count against the limit.
	views := f.mgr.List(model.StatusNone)
	_, err = f.mgr.Stop(ctx, views[0].ID, true)
	require.NoError(t, err)

	_, err = f.mgr.Start(ctx, shInput(t, `'sleep 30'`))
	require.NoError(t, err)
}

func TestManager_GetUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Get("missing")
	require.ErrorIs(t, err, errdefs.ErrNotFound)
	_, err = f.mgr.Stop(context.Background(), "missing", false)
	require.ErrorIs(t, err, errdefs.ErrNotFound)
	_, err = f.mgr.Restart(context.Background(), "missing")
	require.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestManager_ListFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.mgr.Start(ctx, shInput(t, `'sleep 30'`))
	require.NoError(t, err)
	done, err := f.mgr.Start(ctx, shInput(t, `'exit 0'`))
	require.NoError(t, err)

	waitFor(t, func() bool {
		v, err := f.mgr.Get(done.ID)
		return err == nil && v.Status.IsTerminal()
	}, "one-shot session never finished")

	stopped := f.mgr.List(model.StatusStopped)
	require.Len(t, stopped, 1)
	require.Equal(t, done.ID, stopped[0].ID)

	all := f.mgr.List(model.StatusNone)
	require.Len(t, all, 2)
	require.Equal(t, run.ID, all[0].ID, "list is ordered by creation")
}

func TestManager_RestartFreshRun(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	in := shInput(t, `'echo "server started"; sleep 30'`)
	in.Tag = "static"
	view, err := f.mgr.Start(ctx, in)
	require.NoError(t, err)
	firstPort := view.Port

	waitFor(t, func() bool {
		v, _ := f.mgr.Get(view.ID)
		return v.Status == model.StatusRunning
	}, "never running")

	again, err := f.mgr.Restart(ctx, view.ID)
	require.NoError(t, err)
	require.Equal(t, view.ID, again.ID, "restart keeps the session id")
	require.Zero(t, again.RestartCount, "manual restart resets the crash counter")
	require.GreaterOrEqual(t, again.Port, 4000)

	// The old run's log ring was discarded: sequences restart at 1.
	waitFor(t, func() bool {
		entries := f.logs.Tail(view.ID, 100)
		return len(entries) > 0 && entries[0].Seq == 1
	}, "fresh ring never produced output")

	_, held := f.ports.GetAllocation(again.Port)
	require.True(t, held)
	_ = firstPort

	_, err = f.mgr.Stop(ctx, view.ID, true)
	require.NoError(t, err)
}

func TestManager_RestartTerminalSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.mgr.Start(ctx, shInput(t, `'exit 0'`))
	require.NoError(t, err)
	waitFor(t, func() bool {
		v, _ := f.mgr.Get(view.ID)
		return v.Status.IsTerminal()
	}, "never terminal")

	again, err := f.mgr.Restart(ctx, view.ID)
	require.NoError(t, err)
	require.Equal(t, view.ID, again.ID)

	waitFor(t, func() bool {
		v, _ := f.mgr.Get(view.ID)
		return v.Status.IsTerminal()
	}, "restarted run never finished")
}

func TestManager_StopAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.mgr.Start(ctx, shInput(t, `'sleep 30'`))
		require.NoError(t, err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	stopped, failed := f.mgr.StopAll(stopCtx, true)
	require.Equal(t, 3, stopped)
	require.Zero(t, failed)
	require.Empty(t, f.ports.List())
}

func TestManager_ShutdownRefusesNewSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Start(ctx, shInput(t, `'sleep 30'`))
	require.NoError(t, err)

	shutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, f.mgr.Shutdown(shutCtx))
	require.False(t, f.mgr.Accepting())

	_, err = f.mgr.Start(ctx, shInput(t, `'sleep 1'`))
	require.ErrorIs(t, err, errdefs.ErrState)
}

func TestManager_TailAndFollowLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.mgr.Start(ctx, shInput(t, `'echo one; echo two; exit 0'`))
	require.NoError(t, err)
	waitFor(t, func() bool {
		v, _ := f.mgr.Get(view.ID)
		return v.Status.IsTerminal()
	}, "never terminal")

	entries, err := f.mgr.TailLogs(view.ID, 100, nil)
	require.NoError(t, err)
	var lines []string
	for _, e := range entries {
		if e.Stream == logstore.StreamStdout {
			lines = append(lines, e.Line)
		}
	}
	require.Equal(t, []string{"one", "two"}, lines)

	// Following a finished session replays history and then ends.
	_, sub, err := f.mgr.FollowLogs(view.ID, 1, 0)
	require.NoError(t, err)
	defer sub.Close()
	batch, _, err := sub.Next(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, batch)

	_, err = f.mgr.TailLogs("missing", 10, nil)
	require.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestManager_ClearLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.mgr.Start(ctx, shInput(t, `'echo one; echo two; exit 0'`))
	require.NoError(t, err)
	waitFor(t, func() bool {
		v, _ := f.mgr.Get(view.ID)
		return v.Status.IsTerminal()
	}, "never terminal")
	waitFor(t, func() bool {
		entries, _ := f.mgr.TailLogs(view.ID, 100, nil)
		return len(entries) > 0
	}, "log never filled")

	require.NoError(t, f.mgr.ClearLogs(view.ID))
	entries, err := f.mgr.TailLogs(view.ID, 100, nil)
	require.NoError(t, err)
	require.Empty(t, entries)

	require.ErrorIs(t, f.mgr.ClearLogs("missing"), errdefs.ErrNotFound)
}

func TestManager_StatusCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.mgr.Start(ctx, shInput(t, `'exit 0'`))
	require.NoError(t, err)
	waitFor(t, func() bool {
		v, _ := f.mgr.Get(view.ID)
		return v.Status.IsTerminal()
	}, "never terminal")

	counts := f.mgr.StatusCounts()
	require.Equal(t, 1, counts[string(model.StatusStopped)])
}

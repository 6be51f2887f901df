// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devsupd/devsupd/internal/errdefs"
)

func newSweeper(f *managerFixture, interval, retention time.Duration) *Sweeper {
	return &Sweeper{
		Mgr:  f.mgr,
		Conf: func() (time.Duration, time.Duration) { return interval, retention },
	}
}

func TestSweeper_DropsExpiredTerminalSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.mgr.Start(ctx, shInput(t, `'echo gone; exit 0'`))
	require.NoError(t, err)
	waitFor(t, func() bool {
		v, _ := f.mgr.Get(view.ID)
		return v.Status.IsTerminal()
	}, "never terminal")

	sw := newSweeper(f, time.Minute, time.Hour)

	// Still inside the retention window: nothing to do.
	require.Zero(t, sw.SweepOnce(time.Now()))
	_, err = f.mgr.Get(view.ID)
	require.NoError(t, err)

	// Past the horizon the record and its log ring both go.
	require.Equal(t, 1, sw.SweepOnce(time.Now().Add(2*time.Hour)))
	_, err = f.mgr.Get(view.ID)
	require.ErrorIs(t, err, errdefs.ErrNotFound)
	require.Empty(t, f.logs.Tail(view.ID, 100))

	require.Zero(t, sw.SweepOnce(time.Now().Add(2*time.Hour)), "second pass finds nothing")
}

func TestSweeper_KeepsLiveSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	live, err := f.mgr.Start(ctx, shInput(t, `'sleep 30'`))
	require.NoError(t, err)
	done, err := f.mgr.Start(ctx, shInput(t, `'exit 0'`))
	require.NoError(t, err)
	waitFor(t, func() bool {
		v, _ := f.mgr.Get(done.ID)
		return v.Status.IsTerminal()
	}, "one-shot never finished")

	sw := newSweeper(f, time.Minute, time.Hour)
	require.Equal(t, 1, sw.SweepOnce(time.Now().Add(2*time.Hour)))

	v, err := f.mgr.Get(live.ID)
	require.NoError(t, err)
	require.False(t, v.Status.IsTerminal())
	_, err = f.mgr.Get(done.ID)
	require.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestSweeper_ZeroRetentionDisablesSweeping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.mgr.Start(ctx, shInput(t, `'exit 0'`))
	require.NoError(t, err)
	waitFor(t, func() bool {
		v, _ := f.mgr.Get(view.ID)
		return v.Status.IsTerminal()
	}, "never terminal")

	sw := newSweeper(f, time.Minute, 0)
	require.Zero(t, sw.SweepOnce(time.Now().Add(24*time.Hour)))
	_, err = f.mgr.Get(view.ID)
	require.NoError(t, err)
}

func TestSweeper_RunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	sw := newSweeper(f, 5*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(doneCh)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper loop did not stop")
	}
}

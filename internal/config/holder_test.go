// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// envHolder builds a holder over ENV-only configuration so tests drive
// reloads with t.Setenv.
func envHolder(t *testing.T) *Holder {
	t.Helper()
	loader := NewLoader("")
	cfg, err := loader.Load()
	require.NoError(t, err)
	h, err := NewHolder(cfg, loader, "")
	require.NoError(t, err)
	return h
}

func TestHolder_GetCompilesReadyPattern(t *testing.T) {
	h := envHolder(t)
	snap := h.Get()
	require.NotNil(t, snap.ReadyPattern)
	require.True(t, snap.ReadyPattern.MatchString("Listening on :3000"))
}

func TestHolder_ReloadAppliesHotFields(t *testing.T) {
	t.Setenv(EnvRetention, "1h")
	t.Setenv(EnvReadyTimeout, "3s")
	h := envHolder(t)

	t.Setenv(EnvRetention, "30m")
	t.Setenv(EnvReadyTimeout, "7s")
	t.Setenv(EnvReadyPatterns, "warmed up")
	require.NoError(t, h.Reload(context.Background()))

	snap := h.Get()
	require.Equal(t, 30*time.Minute, snap.Retention)
	require.Equal(t, 7*time.Second, snap.ReadyTimeout)
	require.True(t, snap.ReadyPattern.MatchString("cache warmed up"))
	require.False(t, snap.ReadyPattern.MatchString("Listening on :3000"),
		"custom patterns replace the builtin banners")
}

func TestHolder_ReloadPinsBootFields(t *testing.T) {
	t.Setenv(EnvListen, "127.0.0.1:7171")
	t.Setenv(EnvMaxSessions, "10")
	t.Setenv(EnvBusQueue, "64")
	h := envHolder(t)
	boot := h.Get()

	t.Setenv(EnvListen, "127.0.0.1:7272")
	t.Setenv(EnvMaxSessions, "99")
	t.Setenv(EnvBusQueue, "128")
	t.Setenv(EnvDataDir, t.TempDir())
	require.NoError(t, h.Reload(context.Background()))

	snap := h.Get()
	require.Equal(t, boot.Listen, snap.Listen)
	require.Equal(t, 10, snap.MaxSessions)
	require.Equal(t, 64, snap.BusQueue)
	require.Equal(t, boot.DataDir, snap.DataDir)
}

func TestHolder_FailedReloadKeepsOldConfig(t *testing.T) {
	t.Setenv(EnvRetention, "45m")
	h := envHolder(t)

	t.Setenv(EnvMaxSessions, "0")
	require.Error(t, h.Reload(context.Background()))

	snap := h.Get()
	require.Equal(t, 45*time.Minute, snap.Retention)
	require.Equal(t, 50, snap.MaxSessions, "invalid reloads leave the active snapshot alone")
}

func TestHolder_NotifiesListeners(t *testing.T) {
	t.Setenv(EnvRetention, "1h")
	h := envHolder(t)

	ch := make(chan Snapshot, 1)
	h.RegisterListener(ch)

	t.Setenv(EnvRetention, "15m")
	require.NoError(t, h.Reload(context.Background()))

	select {
	case snap := <-ch:
		require.Equal(t, 15*time.Minute, snap.Retention)
	case <-time.After(time.Second):
		t.Fatal("listener was not notified")
	}
}

func TestHolder_FullListenerChannelIsSkipped(t *testing.T) {
	h := envHolder(t)

	ch := make(chan Snapshot) // unbuffered, nobody reading
	h.RegisterListener(ch)

	// Reload must not block on the stuck listener.
	done := make(chan struct{})
	go func() {
		_ = h.Reload(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reload blocked on a full listener channel")
	}
}

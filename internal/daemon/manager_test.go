// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// startManager runs Start on an ephemeral port and returns a cancel that
// triggers shutdown plus the channel carrying Start's result.
func startManager(t *testing.T, m *Manager) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(ctx) }()
	// Give the listener a moment; Start has no ready signal by design.
	time.Sleep(50 * time.Millisecond)
	return cancel, errCh
}

func TestManager_HooksRunInReverseOrder(t *testing.T) {
	m := NewManager("127.0.0.1:0", 4, okHandler())

	var mu sync.Mutex
	var order []string
	record := func(name string) ShutdownHook {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	m.RegisterShutdownHook("first", record("first"))
	m.RegisterShutdownHook("second", record("second"))
	m.RegisterShutdownHook("third", record("third"))

	cancel, errCh := startManager(t, m)
	cancel()
	require.NoError(t, <-errCh)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"third", "second", "first"}, order)
}

func TestManager_HookFailureSurfacesButAllHooksRun(t *testing.T) {
	m := NewManager("127.0.0.1:0", 4, okHandler())

	var ran []string
	m.RegisterShutdownHook("good", func(context.Context) error {
		ran = append(ran, "good")
		return nil
	})
	m.RegisterShutdownHook("bad", func(context.Context) error {
		ran = append(ran, "bad")
		return fmt.Errorf("deliberate failure")
	})

	cancel, errCh := startManager(t, m)
	cancel()
	err := <-errCh
	require.Error(t, err)
	require.Contains(t, err.Error(), "hook bad")
	require.Equal(t, []string{"bad", "good"}, ran, "a failing hook does not stop the rest")
}

func TestManager_ShutdownBeforeStart(t *testing.T) {
	m := NewManager("127.0.0.1:0", 4, okHandler())
	require.ErrorIs(t, m.Shutdown(context.Background()), ErrNotStarted)
}

func TestManager_ShutdownIsIdempotent(t *testing.T) {
	m := NewManager("127.0.0.1:0", 4, okHandler())

	calls := 0
	m.RegisterShutdownHook("once", func(context.Context) error {
		calls++
		return nil
	})

	cancel, errCh := startManager(t, m)
	cancel()
	require.NoError(t, <-errCh)

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	require.Equal(t, 1, calls)
}

func TestManager_DoubleStartRefused(t *testing.T) {
	m := NewManager("127.0.0.1:0", 4, okHandler())

	cancel, errCh := startManager(t, m)
	defer func() {
		cancel()
		<-errCh
	}()

	err := m.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "already started")
}

func TestManager_ListenFailure(t *testing.T) {
	m := NewManager("127.0.0.1:99999", 4, okHandler())
	err := m.Start(context.Background())
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNotStarted))
}

// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBus_SessionTopicRouting(t *testing.T) {
	b := New(8)
	defer b.Close()

	subA, err := b.Subscribe("sess-a")
	require.NoError(t, err)
	defer subA.Close()
	subAll, err := b.Subscribe("")
	require.NoError(t, err)
	defer subAll.Close()

	b.Publish(SessionReady{SessionID: "sess-a"})
	b.Publish(SessionReady{SessionID: "sess-b"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := subA.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "sess-a", ev.Session())

	// The session subscriber never sees the other session.
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	_, err = subA.Next(shortCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The global subscriber sees both, in publish order.
	ev, err = subAll.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "sess-a", ev.Session())
	ev, err = subAll.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "sess-b", ev.Session())
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	b := New(4)
	defer b.Close()

	sub, err := b.Subscribe("s")
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Publish(LogAppended{SessionID: "s", SeqFrom: uint64(i), SeqTo: uint64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestSubscription_LaggedSentinel(t *testing.T) {
	b := New(2)
	defer b.Close()

	sub, err := b.Subscribe("s")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.Publish(LogAppended{SessionID: "s", SeqFrom: uint64(i + 1), SeqTo: uint64(i + 1)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	lag, ok := ev.(Lagged)
	require.True(t, ok, "first read after overflow must be the Lagged sentinel, got %T", ev)
	require.Equal(t, uint64(8), lag.Dropped)

	// The two retained events follow, newest-surviving order.
	ev, err = sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, KindLogAppended, ev.Kind())
	ev, err = sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, KindLogAppended, ev.Kind())
}

func TestSubscription_CloseUnblocksAndRemoves(t *testing.T) {
	b := New(4)
	defer b.Close()

	sub, err := b.Subscribe("s")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock on Close")
	}

	// Publishing after close must not panic or deliver.
	b.Publish(SessionReady{SessionID: "s"})
}

func TestBus_CloseDrainsThenErrClosed(t *testing.T) {
	b := New(4)

	sub, err := b.Subscribe("s")
	require.NoError(t, err)

	b.Publish(SessionReady{SessionID: "s"})
	b.Close()

	ctx := context.Background()
	ev, err := sub.Next(ctx)
	require.NoError(t, err, "buffered events drain after Close")
	require.Equal(t, KindSessionReady, ev.Kind())

	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, ErrClosed)

	_, err = b.Subscribe("s")
	require.ErrorIs(t, err, ErrClosed)
}

func TestBus_CloseIdempotent(t *testing.T) {
	b := New(4)
	b.Close()
	b.Close()
	b.Publish(SessionReady{SessionID: "s"})
}

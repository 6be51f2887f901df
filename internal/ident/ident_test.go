// SPDX-License-Identifier: MIT

package ident

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestClock_Monotonic(t *testing.T) {
	clock := NewClock()

	a := clock.Now()
	time.Sleep(2 * time.Millisecond)
	b := clock.Now()

	require.Greater(t, b.MonoNs, a.MonoNs)
	require.GreaterOrEqual(t, b.WallMs, a.WallMs)
}

func TestNewID_IsUUID(t *testing.T) {
	id := NewID()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), parsed.Version())
}

func TestNewID_TimeSortable(t *testing.T) {
	prev := NewID()
	for i := 0; i < 100; i++ {
		time.Sleep(time.Millisecond)
		next := NewID()
		require.Less(t, prev, next, "v7 ids must sort by creation time")
		prev = next
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := NewID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

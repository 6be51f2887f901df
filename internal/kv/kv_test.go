// SPDX-License-Identifier: MIT

package kv

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devsupd/devsupd/internal/errdefs"
)

func TestStore_SaveLoadRoundtrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("ports.json", []byte(`{"version":1}`)))

	data, ok, err := store.Load("ports.json")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"version":1}`, string(data))
}

func TestStore_LoadMissingKey(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	data, ok, err := store.Load("absent.json")
	require.NoError(t, err, "absence is not a failure")
	require.False(t, ok)
	require.Nil(t, data)
}

func TestStore_SaveOverwrites(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("k", []byte("one")))
	require.NoError(t, store.Save("k", []byte("two")))

	data, ok, err := store.Load("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "two", string(data))
}

func TestStore_RejectsBadKeys(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "../escape", "a/b", ".hidden"} {
		err := store.Save(key, []byte("x"))
		require.ErrorIs(t, err, errdefs.ErrValidation, "key %q", key)

		_, _, err = store.Load(key)
		require.ErrorIs(t, err, errdefs.ErrValidation, "key %q", key)
	}
}

func TestStore_CreatesNestedDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	store, err := NewStore(dir)
	require.NoError(t, err)
	require.Equal(t, dir, store.Dir())

	require.NoError(t, store.Save("k", []byte("v")))
}

func TestStore_EmptyDirRejected(t *testing.T) {
	_, err := NewStore("")
	require.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestStore_ConcurrentSaves(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.Save("shared", []byte(fmt.Sprintf("writer-%d", i)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// The winner is unspecified but the file must be one complete write.
	data, ok, err := store.Load("shared")
	require.NoError(t, err)
	require.True(t, ok)
	require.Regexp(t, `^writer-\d+$`, string(data))
}

func TestStore_LoadIsNotIOError(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, _, err = store.Load("missing")
	require.False(t, errors.Is(err, errdefs.ErrIO))
}

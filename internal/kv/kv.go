// SPDX-License-Identifier: MIT

// Package kv is a tiny durable key-value layer: one file per key inside a
// data directory, written crash-atomically. It backs the port ledger and
// nothing else; all other state is deliberately in-memory.
package kv

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/devsupd/devsupd/internal/errdefs"
)

// Store persists byte blobs under simple file-name keys. Concurrent saves of
// the same key serialize through a per-key lock; different keys do not
// contend.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates the data directory if needed and returns a store rooted there.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("kv: empty data directory: %w", errdefs.ErrValidation)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("kv: create data dir %s: %w", dir, errdefs.ErrIO)
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string { return s.dir }

func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) path(key string) (string, error) {
	if key == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("kv: invalid key %q: %w", key, errdefs.ErrValidation)
	}
	return filepath.Join(s.dir, key), nil
}

// Save writes data under key atomically: temp file in the same directory,
// fsync, rename over the target. A reader never observes a half-written file.
func (s *Store) Save(key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("kv: create pending file for %s: %w", key, errdefs.ErrIO)
	}
	defer func() {
		// renameio removes the temp file if it was never committed.
		_ = pending.Cleanup()
	}()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("kv: write %s: %w", key, errdefs.ErrIO)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("kv: replace %s: %w", key, errdefs.ErrIO)
	}
	return nil
}

// Load reads the blob stored under key. Absence is reported via ok=false with
// a nil error; it is an expected state, not a failure.
func (s *Store) Load(key string) (data []byte, ok bool, err error) {
	path, err := s.path(key)
	if err != nil {
		return nil, false, err
	}

	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	data, err = os.ReadFile(path) // #nosec G304 -- path is dir + validated base name
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv: read %s: %w", key, errdefs.ErrIO)
	}
	return data, true, nil
}

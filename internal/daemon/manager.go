// SPDX-License-Identifier: MIT

// Package daemon owns the service lifecycle: the control-API listener, the
// background loops, and an orderly LIFO teardown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"

	"github.com/devsupd/devsupd/internal/log"
)

// ErrNotStarted is returned by Shutdown before Start has run.
var ErrNotStarted = errors.New("daemon: manager not started")

// shutdownTimeout bounds the whole teardown, including force-stopping every
// supervised session.
const shutdownTimeout = 30 * time.Second

// ShutdownHook performs one cleanup step during shutdown. Hooks run in
// reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	hook ShutdownHook
}

// Manager runs the control-API server and executes shutdown hooks.
type Manager struct {
	listen   string
	maxConns int
	handler  http.Handler
	logger   zerolog.Logger

	server *http.Server

	mu       sync.Mutex
	hooks    []namedHook
	started  bool
	stopping bool
}

// NewManager wires a manager around the control-API handler. listen must
// already have passed the loopback policy in config validation.
func NewManager(listen string, maxConns int, handler http.Handler) *Manager {
	return &Manager{
		listen:   listen,
		maxConns: maxConns,
		handler:  handler,
		logger:   log.WithComponent("daemon"),
	}
}

// Start binds the listener and serves until ctx is canceled or the server
// fails, then shuts down. The listener is capped to maxConns concurrent
// connections so a runaway client cannot starve the daemon of descriptors.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("daemon: manager already started")
	}
	m.started = true
	m.mu.Unlock()

	ln, err := net.Listen("tcp", m.listen)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", m.listen, err)
	}
	if m.maxConns > 0 {
		ln = netutil.LimitListener(ln, m.maxConns)
	}

	m.server = &http.Server{
		Handler: m.handler,
		// Read timeouts cover headers only; log and event streams hold
		// their response open indefinitely, so no WriteTimeout.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		m.logger.Info().Str("addr", ln.Addr().String()).
			Int("max_conns", m.maxConns).Msg("control API listening")
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("control API server: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Msg("server error, initiating shutdown")
		if shutdownErr := m.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
			return errors.Join(err, shutdownErr)
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		return m.Shutdown(context.WithoutCancel(ctx))
	}
}

// Shutdown drains the HTTP server, then runs the hooks LIFO. Safe to call
// more than once; later calls are no-ops.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.stopping = true
	hooks := make([]namedHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	m.logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error

	if m.server != nil {
		if err := m.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http drain: %w", err))
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(shutdownCtx); err != nil {
			m.logger.Error().Err(err).Str("hook", h.name).
				Dur("duration", time.Since(start)).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().Str("hook", h.name).
			Dur("duration", time.Since(start)).Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	m.logger.Info().Msg("daemon stopped cleanly")
	return nil
}

// RegisterShutdownHook adds a named teardown step. Registration order is
// startup order; execution is the reverse.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("registered shutdown hook")
}

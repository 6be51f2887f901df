// SPDX-License-Identifier: MIT

// Package manager owns the session map and enforces the global constraints:
// the non-terminal session limit, unique in-flight ids, port orchestration,
// and terminal retention. It is the only writer of the map; records
// themselves belong to their supervising runners.
package manager

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/devsupd/devsupd/internal/bus"
	"github.com/devsupd/devsupd/internal/errdefs"
	"github.com/devsupd/devsupd/internal/ident"
	"github.com/devsupd/devsupd/internal/log"
	"github.com/devsupd/devsupd/internal/logstore"
	"github.com/devsupd/devsupd/internal/metrics"
	"github.com/devsupd/devsupd/internal/portreg"
	"github.com/devsupd/devsupd/internal/session/model"
	"github.com/devsupd/devsupd/internal/session/supervise"
)

// Conf carries the supervision knobs the manager resolves per operation.
// Reading through a func keeps hot-reloaded values live without restarting.
type Conf struct {
	MaxSessions   int
	ReadyTimeout  time.Duration
	GracePeriod   time.Duration
	RestartDelay  time.Duration
	MaxRestarts   int
	ChunkSize     int
	ReadyPattern  *regexp.Regexp
	Retention     time.Duration
	SweepInterval time.Duration
}

// Manager orchestrates sessions across the port registry, log store, and
// event bus.
type Manager struct {
	confFn func() Conf
	clock  *ident.Clock
	logs   *logstore.Store
	ports  *portreg.Registry
	bus    *bus.Bus
	logger zerolog.Logger

	// mu guards the map only; session records have their own discipline.
	mu       sync.Mutex
	sessions map[string]*supervise.Runner
	closed   bool
}

// New wires a Manager. confFn is called per operation so reloadable knobs
// (retention, readiness patterns) take effect for new work immediately.
func New(confFn func() Conf, clock *ident.Clock, logs *logstore.Store, ports *portreg.Registry, b *bus.Bus) *Manager {
	return &Manager{
		confFn:   confFn,
		clock:    clock,
		logs:     logs,
		ports:    ports,
		bus:      b,
		logger:   log.WithComponent("manager"),
		sessions: make(map[string]*supervise.Runner),
	}
}

// StartInput is the transport-agnostic start request.
type StartInput struct {
	Name        string            `json:"name,omitempty"`
	Command     string            `json:"command"`
	Workdir     string            `json:"workdir"`
	Env         map[string]string `json:"env,omitempty"`
	Port        int               `json:"port,omitempty"`
	Tag         string            `json:"tag,omitempty"`
	AutoRestart bool              `json:"autoRestart,omitempty"`
}

// Start validates the request, reserves a port when one is called for,
// creates the session, and hands it to a supervisor. On spawn failure the
// port is released, the record is left terminal, and the error wraps
// ErrSpawn.
func (m *Manager) Start(ctx context.Context, in StartInput) (model.View, error) {
	conf := m.confFn()
	spec, needsPort, err := buildSpec(in)
	if err != nil {
		return model.View{}, err
	}

	if err := m.admit(conf); err != nil {
		return model.View{}, err
	}

	id := ident.NewID()
	port := 0
	if needsPort {
		port, err = m.ports.Allocate(spec.Port, spec.Tag, id)
		if err != nil {
			return model.View{}, err
		}
	}

	runner := supervise.New(id, spec, port, m.runnerDeps(), m.options(conf))

	m.mu.Lock()
	if m.closed || m.nonTerminalLocked() >= conf.MaxSessions {
		closed := m.closed
		m.mu.Unlock()
		if port > 0 {
			m.ports.ReleaseAllFor(id)
		}
		if closed {
			return model.View{}, fmt.Errorf("manager shutting down: %w", errdefs.ErrState)
		}
		return model.View{}, fmt.Errorf("session limit %d reached: %w", conf.MaxSessions, errdefs.ErrLimit)
	}
	m.sessions[id] = runner
	m.mu.Unlock()

	if err := runner.Start(); err != nil {
		m.refreshGauge()
		return model.View{}, err
	}
	m.refreshGauge()
	return runner.View(), nil
}

// admit rejects new sessions while shutting down or at the limit. A second
// check happens under the insert; this one keeps the port probe from running
// for requests that cannot succeed.
func (m *Manager) admit(conf Conf) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("manager shutting down: %w", errdefs.ErrState)
	}
	if m.nonTerminalLocked() >= conf.MaxSessions {
		return fmt.Errorf("session limit %d reached: %w", conf.MaxSessions, errdefs.ErrLimit)
	}
	return nil
}

func (m *Manager) nonTerminalLocked() int {
	n := 0
	for _, r := range m.sessions {
		if !r.Status().IsTerminal() {
			n++
		}
	}
	return n
}

func (m *Manager) runnerDeps() supervise.Deps {
	return supervise.Deps{
		Logs:       m.logs,
		Bus:        m.bus,
		Clock:      m.clock,
		OnTerminal: m.onTerminal,
	}
}

func (m *Manager) options(conf Conf) supervise.Options {
	return supervise.Options{
		ReadyTimeout: conf.ReadyTimeout,
		GracePeriod:  conf.GracePeriod,
		RestartDelay: conf.RestartDelay,
		MaxRestarts:  conf.MaxRestarts,
		ChunkSize:    conf.ChunkSize,
		ReadyPattern: conf.ReadyPattern,
	}
}

// onTerminal releases the session's ports after its terminal transition, so
// PortReleased always trails the final SessionStateChanged.
func (m *Manager) onTerminal(view model.View) {
	if n := m.ports.ReleaseAllFor(view.ID); n > 0 {
		m.logger.Debug().Str(log.FieldSessionID, view.ID).Int("released", n).
			Msg("released session ports")
	}
	m.refreshGauge()
}

func (m *Manager) runner(id string) (*supervise.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	return r, nil
}

// Get returns a copy-on-read snapshot.
func (m *Manager) Get(id string) (model.View, error) {
	r, err := m.runner(id)
	if err != nil {
		return model.View{}, err
	}
	return r.View(), nil
}

// List returns snapshots, optionally filtered by status, ordered by
// creation (ids are time-sortable).
func (m *Manager) List(status model.Status) []model.View {
	m.mu.Lock()
	runners := make([]*supervise.Runner, 0, len(m.sessions))
	for _, r := range m.sessions {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	views := make([]model.View, 0, len(runners))
	for _, r := range runners {
		v := r.View()
		if status != model.StatusNone && v.Status != status {
			continue
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// Stop drives one session to a terminal state and waits for it. force skips
// the grace period. The deadline comes from ctx; on expiry the stop keeps
// running in the background and ErrTimeout is returned.
func (m *Manager) Stop(ctx context.Context, id string, force bool) (model.View, error) {
	r, err := m.runner(id)
	if err != nil {
		return model.View{}, err
	}
	if err := r.Stop(force); err != nil {
		return r.View(), err
	}
	select {
	case <-r.Done():
		return r.View(), nil
	case <-ctx.Done():
		return r.View(), fmt.Errorf("stop %s: %w", id, errdefs.ErrTimeout)
	}
}

// Restart stops the session if needed and starts a fresh logical run under
// the same id: new record, new log ring, new port allocation, restart
// counter reset.
func (m *Manager) Restart(ctx context.Context, id string) (model.View, error) {
	conf := m.confFn()
	old, err := m.runner(id)
	if err != nil {
		return model.View{}, err
	}

	if !old.Status().IsTerminal() {
		if err := old.Stop(false); err != nil {
			return model.View{}, err
		}
		select {
		case <-old.Done():
		case <-ctx.Done():
			return model.View{}, fmt.Errorf("restart %s: %w", id, errdefs.ErrTimeout)
		}
	}

	if err := m.admit(conf); err != nil {
		return model.View{}, err
	}

	spec := old.Spec()
	needsPort := spec.Port != 0
	if _, ranged := portreg.RangeFor(spec.Tag); ranged {
		needsPort = true
	}

	port := 0
	if needsPort {
		port, err = m.ports.Allocate(spec.Port, spec.Tag, id)
		if err != nil {
			// The old terminal record and its logs stay as they were.
			return model.View{}, err
		}
	}

	// Fresh ring for the new logical run; sequence numbers start over.
	m.logs.DropSession(id)

	fresh := supervise.New(id, spec, port, m.runnerDeps(), m.options(conf))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if port > 0 {
			m.ports.ReleaseAllFor(id)
		}
		return model.View{}, fmt.Errorf("manager shutting down: %w", errdefs.ErrState)
	}
	m.sessions[id] = fresh
	m.mu.Unlock()

	if err := fresh.Start(); err != nil {
		m.refreshGauge()
		return model.View{}, err
	}
	m.refreshGauge()
	return fresh.View(), nil
}

// StopAll force-stops every non-terminal session concurrently and reports
// how many reached a terminal state versus how many could not be driven
// there before ctx expired.
func (m *Manager) StopAll(ctx context.Context, force bool) (stopped, failed int) {
	m.mu.Lock()
	pending := make([]*supervise.Runner, 0, len(m.sessions))
	for _, r := range m.sessions {
		if !r.Status().IsTerminal() {
			pending = append(pending, r)
		}
	}
	m.mu.Unlock()

	var mu sync.Mutex
	g := new(errgroup.Group)
	for _, r := range pending {
		g.Go(func() error {
			err := r.Stop(force)
			if err != nil && r.Status().IsTerminal() {
				// Lost the race to a concurrent stop; that still counts.
				err = nil
			}
			if err != nil && r.Status() != model.StatusStopping {
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			select {
			case <-r.Done():
				mu.Lock()
				stopped++
				mu.Unlock()
			case <-ctx.Done():
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	m.refreshGauge()
	return stopped, failed
}

// Shutdown refuses new sessions and force-stops the rest. Safe to call
// once; the daemon invokes it as a teardown hook.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	stopped, failed := m.StopAll(ctx, true)
	m.logger.Info().Int("stopped", stopped).Int("failed", failed).
		Str(log.FieldEvent, "manager.shutdown").Msg("all sessions stopped")
	if failed > 0 {
		return fmt.Errorf("%d sessions did not reach a terminal state", failed)
	}
	return nil
}

// Accepting reports whether new sessions are admitted (readiness probe).
func (m *Manager) Accepting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// StatusCounts returns the live session count per status.
func (m *Manager) StatusCounts() map[string]int {
	m.mu.Lock()
	runners := make([]*supervise.Runner, 0, len(m.sessions))
	for _, r := range m.sessions {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	out := make(map[string]int)
	for _, r := range runners {
		out[string(r.Status())]++
	}
	return out
}

func (m *Manager) refreshGauge() {
	metrics.SetActiveSessions(m.StatusCounts())
}

// TailLogs returns the newest n entries, optionally filtered.
func (m *Manager) TailLogs(id string, n int, re *regexp.Regexp) ([]logstore.LogEntry, error) {
	if _, err := m.runner(id); err != nil {
		return nil, err
	}
	if re != nil {
		return m.logs.TailFilter(id, n, re), nil
	}
	return m.logs.Tail(id, n), nil
}

// ClearLogs empties a session's ring. Sequence numbering continues, so
// followers observe the cleared span as dropped rather than a restart.
func (m *Manager) ClearLogs(id string) error {
	if _, err := m.runner(id); err != nil {
		return err
	}
	m.logs.Clear(id)
	return nil
}

// FollowLogs opens a log subscription for a known session. fromSeq zero
// means live-only; backlog asks for that many entries of immediate history.
func (m *Manager) FollowLogs(id string, fromSeq uint64, backlog int) ([]logstore.LogEntry, *logstore.Subscriber, error) {
	if _, err := m.runner(id); err != nil {
		return nil, nil, err
	}
	if fromSeq > 0 {
		return nil, m.logs.SubscribeFrom(id, fromSeq), nil
	}
	if backlog > 0 {
		initial, sub := m.logs.Follow(id, backlog)
		return initial, sub, nil
	}
	return nil, m.logs.Subscribe(id), nil
}

// SubscribeEvents opens a bus subscription; empty id means all sessions.
func (m *Manager) SubscribeEvents(sessionID string) (*bus.Subscription, error) {
	return m.bus.Subscribe(sessionID)
}

// SPDX-License-Identifier: MIT

// Package supervise runs one session's process: spawn, pipe capture,
// readiness detection, graceful stop, and crash restarts. Each Runner owns
// its record; everyone else reads copy-on-read snapshots.
package supervise

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/devsupd/devsupd/internal/bus"
	"github.com/devsupd/devsupd/internal/errdefs"
	"github.com/devsupd/devsupd/internal/ident"
	"github.com/devsupd/devsupd/internal/log"
	"github.com/devsupd/devsupd/internal/logstore"
	"github.com/devsupd/devsupd/internal/metrics"
	"github.com/devsupd/devsupd/internal/procgroup"
	"github.com/devsupd/devsupd/internal/session/lifecycle"
	"github.com/devsupd/devsupd/internal/session/model"
)

// Options are the supervision knobs resolved from config at start time.
type Options struct {
	ReadyTimeout time.Duration
	GracePeriod  time.Duration
	RestartDelay time.Duration
	MaxRestarts  int
	ChunkSize    int
	ReadyPattern *regexp.Regexp
}

// Deps are the collaborators a Runner feeds.
type Deps struct {
	Logs  *logstore.Store
	Bus   Publisher
	Clock *ident.Clock
	// OnTerminal runs exactly once, off the runner lock, when the session
	// reaches a terminal state with no restart pending. The manager releases
	// ports there.
	OnTerminal func(view model.View)
}

// Publisher is the slice of the event bus the runner needs.
type Publisher interface {
	Publish(ev bus.Event)
}

// Runner supervises one session across its restarts.
type Runner struct {
	id     string
	deps   Deps
	opts   Options
	logger zerolog.Logger

	mu           sync.Mutex
	rec          model.Record
	cmd          *exec.Cmd
	waitCh       chan error
	stopCh       chan time.Duration
	restartTimer *time.Timer
	matcher      *logstore.ReadyMatcher
	readyTimer   *time.Timer
	spawnGen     int
	ioWg         *sync.WaitGroup

	coal coalescer

	done     chan struct{}
	finished bool
}

// New builds a Runner in the virtual pre-start state. port is the resolved
// allocation (0 for portless sessions); Start performs the first spawn.
func New(id string, spec model.Spec, port int, deps Deps, opts Options) *Runner {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64 << 10
	}
	r := &Runner{
		id:     id,
		deps:   deps,
		opts:   opts,
		logger: log.WithComponent("supervise").With().Str(log.FieldSessionID, id).Logger(),
		rec: model.Record{
			ID:        id,
			Spec:      spec,
			Status:    model.StatusNone,
			Port:      port,
			CreatedAt: time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	r.coal.init(r)
	return r
}

// View returns a copy-on-read snapshot of the session record.
func (r *Runner) View() model.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Snapshot()
}

// Status returns the current lifecycle status.
func (r *Runner) Status() model.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Status
}

// Spec returns a copy of the immutable session spec.
func (r *Runner) Spec() model.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec := r.rec.Spec
	spec.Argv = append([]string(nil), spec.Argv...)
	if len(r.rec.Spec.Env) > 0 {
		spec.Env = make(map[string]string, len(r.rec.Spec.Env))
		for k, v := range r.rec.Spec.Env {
			spec.Env[k] = v
		}
	}
	return spec
}

// Done is closed once the session is terminal with no restart pending.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Start performs the initial spawn. On spawn failure the session is driven
// to Failed, its ring is discarded, and the error wraps ErrSpawn.
func (r *Runner) Start() error {
	r.mu.Lock()
	if _, err := r.step(lifecycle.EvStart, ""); err != nil {
		r.mu.Unlock()
		return err
	}
	err := r.spawnLocked()
	if err != nil {
		r.stepOrLog(lifecycle.EvSpawnFailed, "")
		r.mu.Unlock()

		// A failed start leaves no half-state behind: the ring goes away
		// and the only session event is the transition to Failed.
		r.deps.Logs.DropSession(r.id)
		metrics.SessionsFailedTotal.WithLabelValues("spawn_error").Inc()
		r.finish()
		return fmt.Errorf("spawn %q: %v: %w", r.rec.Spec.Command, err, errdefs.ErrSpawn)
	}
	r.mu.Unlock()

	metrics.SessionsStartedTotal.Inc()
	return nil
}

// spawnLocked starts the OS process and its capture goroutines. The caller
// holds r.mu and has already moved the record into Starting.
func (r *Runner) spawnLocked() error {
	argv := r.rec.Spec.Argv
	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204
	cmd.Dir = r.rec.Spec.Workdir
	cmd.Env = buildEnv(r.rec.Spec.Env, r.rec.Port)
	procgroup.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	now := time.Now().UTC()
	r.cmd = cmd
	r.rec.PID = cmd.Process.Pid
	r.rec.StartedAt = now
	r.rec.ExitCode = nil
	r.rec.ExitSignal = ""
	r.matcher = logstore.NewReadyMatcher(r.opts.ReadyPattern)
	r.waitCh = make(chan error, 1)
	r.stopCh = make(chan time.Duration, 1)

	ioWg := &sync.WaitGroup{}
	r.ioWg = ioWg
	ioWg.Add(2)
	go r.consume(logstore.StreamStdout, stdout, r.matcher, ioWg)
	go r.consume(logstore.StreamStderr, stderr, r.matcher, ioWg)

	waitCh := r.waitCh
	go func() {
		// Pipes must hit EOF before Wait may reap the process.
		ioWg.Wait()
		waitCh <- cmd.Wait()
	}()
	go r.awaitExit(cmd, waitCh, r.stopCh)

	// The timer guards against banners that never come; a generation check
	// keeps a stale timer from a previous spawn out of the next one.
	r.spawnGen++
	gen := r.spawnGen
	r.readyTimer = time.AfterFunc(r.opts.ReadyTimeout, func() {
		r.ready("timeout", gen)
	})

	r.logger.Info().Int(log.FieldPID, r.rec.PID).Str(log.FieldWorkdir, cmd.Dir).
		Str("command", r.rec.Spec.Command).Str(log.FieldEvent, "session.spawned").
		Msg("process started")
	return nil
}

// awaitExit is the single consumer of waitCh. It either observes a natural
// exit or runs the stop sequence when one is requested.
func (r *Runner) awaitExit(cmd *exec.Cmd, waitCh chan error, stopCh chan time.Duration) {
	var waitErr error
	select {
	case waitErr = <-waitCh:
	case grace := <-stopCh:
		waitErr = procgroup.Terminate(cmd, waitCh, grace)
	}
	r.handleExit(cmd, waitErr)
}

// ready moves Starting to Running. Both the pattern matcher and the timeout
// funnel here; whichever fires second finds the state changed and does
// nothing. gen pins a timeout to the spawn that armed it (0 skips the check:
// the pattern path is already serialized before the exit handler).
func (r *Runner) ready(reason string, gen int) {
	r.mu.Lock()
	if gen != 0 && gen != r.spawnGen {
		r.mu.Unlock()
		return
	}
	if r.rec.Status != model.StatusStarting {
		r.mu.Unlock()
		return
	}
	if r.readyTimer != nil {
		r.readyTimer.Stop()
	}
	r.stepOrLog(lifecycle.EvReady, "ready_"+reason)
	r.publish(bus.SessionReady{SessionID: r.id, Reason: reason})
	r.mu.Unlock()
}

// Stop requests termination. Blocking until terminal is the caller's choice
// via Done. force skips the grace period.
func (r *Runner) Stop(force bool) error {
	r.mu.Lock()
	fromRestarting := r.rec.Status == model.StatusRestarting
	if _, err := r.step(lifecycle.EvStopRequested, ""); err != nil {
		r.mu.Unlock()
		return err
	}

	if fromRestarting {
		// No process is alive during the backoff window; cancel the pending
		// respawn and the session is already terminal.
		if r.restartTimer != nil {
			r.restartTimer.Stop()
		}
		r.appendSystemLocked("restart canceled by stop request")
		r.mu.Unlock()
		r.deps.Logs.CloseSession(r.id)
		r.finish()
		return nil
	}

	grace := r.opts.GracePeriod
	if force {
		grace = 0
	}
	r.appendSystemLocked(fmt.Sprintf("stopping (grace %s)", grace))
	stopCh := r.stopCh
	r.mu.Unlock()

	select {
	case stopCh <- grace:
	default:
	}
	return nil
}

// handleExit records the process outcome, applies the exit transition, and
// either schedules a restart or finishes the session.
func (r *Runner) handleExit(cmd *exec.Cmd, waitErr error) {
	code, signal := procgroup.Outcome(cmd.ProcessState)

	r.mu.Lock()
	r.coal.drain()
	if r.readyTimer != nil {
		r.readyTimer.Stop()
	}
	r.rec.ExitCode = &code
	r.rec.ExitSignal = signal
	r.rec.PID = 0

	switch {
	case signal != "":
		r.appendSystemLocked(fmt.Sprintf("process killed by %s", signal))
	default:
		r.appendSystemLocked(fmt.Sprintf("process exited with code %d", code))
	}
	r.publish(bus.ProcessExited{SessionID: r.id, Code: code, Signal: signal})

	ev := lifecycle.EvExitCrash
	if code == 0 {
		ev = lifecycle.EvExitClean
	}
	tr, err := r.step(ev, "")
	if err != nil {
		// Exit observed in a state with no legal edge; drive terminal.
		r.logger.Error().Err(err).Str(log.FieldEvent, "session.exit_unroutable").
			Int(log.FieldExitCode, code).Msg("exit in unexpected state")
		r.mu.Unlock()
		r.deps.Logs.CloseSession(r.id)
		r.finish()
		return
	}

	if tr.To == model.StatusFailed {
		metrics.SessionsFailedTotal.WithLabelValues(tr.Reason).Inc()
	}

	if tr.To == model.StatusFailed && r.rec.Spec.AutoRestart && r.rec.RestartCount < r.opts.MaxRestarts {
		r.rec.RestartCount++
		r.stepOrLog(lifecycle.EvRestartScheduled, "")
		r.appendSystemLocked(fmt.Sprintf("restart %d/%d scheduled in %s",
			r.rec.RestartCount, r.opts.MaxRestarts, r.opts.RestartDelay))
		r.restartTimer = time.AfterFunc(r.opts.RestartDelay, r.respawn)
		r.mu.Unlock()
		return
	}

	if waitErr != nil && code == 0 {
		// Wait failed for a non-exit reason (pipe copy); worth a trace.
		r.logger.Debug().Err(waitErr).Msg("wait returned error for clean exit")
	}

	r.mu.Unlock()
	r.deps.Logs.CloseSession(r.id)
	r.finish()
}

// respawn fires after the restart delay. A stop during the backoff window
// already moved the record out of Restarting and wins.
func (r *Runner) respawn() {
	r.mu.Lock()
	if r.rec.Status != model.StatusRestarting {
		r.mu.Unlock()
		return
	}
	r.stepOrLog(lifecycle.EvRestartSpawn, "")
	err := r.spawnLocked()
	if err != nil {
		r.appendSystemLocked(fmt.Sprintf("respawn failed: %v", err))
		r.stepOrLog(lifecycle.EvSpawnFailed, "")
		r.mu.Unlock()
		metrics.SessionsFailedTotal.WithLabelValues("spawn_error").Inc()
		r.deps.Logs.CloseSession(r.id)
		r.finish()
		return
	}
	r.mu.Unlock()
	metrics.SessionRestartsTotal.Inc()
}

// finish runs the one-time terminal path: notify the manager (which releases
// the port), then clear the port from the record.
func (r *Runner) finish() {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	view := r.rec.Snapshot()
	r.mu.Unlock()

	if r.deps.OnTerminal != nil {
		r.deps.OnTerminal(view)
	}

	r.mu.Lock()
	r.rec.Port = 0
	r.mu.Unlock()

	r.logger.Info().Str(log.FieldReason, view.Reason).Str("status", string(view.Status)).
		Str(log.FieldEvent, "session.finished").Msg("session reached terminal state")
	close(r.done)
}

// step applies a lifecycle transition and publishes the state change. The
// caller holds r.mu.
func (r *Runner) step(ev lifecycle.EventKind, reason string) (lifecycle.Transition, error) {
	from := r.rec.Status
	tr, err := lifecycle.Step(&r.rec, ev, reason, time.Now().UTC())
	if err != nil {
		return tr, err
	}
	r.publish(bus.SessionStateChanged{
		SessionID: r.id,
		From:      string(from),
		To:        string(tr.To),
		Reason:    tr.Reason,
	})
	r.logger.Info().Str(log.FieldOldState, string(from)).Str(log.FieldNewState, string(tr.To)).
		Str(log.FieldReason, tr.Reason).Str(log.FieldEvent, "session.state_changed").
		Msg("state changed")
	return tr, nil
}

// stepOrLog is step for edges the table guarantees; a miss is a bug worth a
// log line, not a crash.
func (r *Runner) stepOrLog(ev lifecycle.EventKind, reason string) {
	if _, err := r.step(ev, reason); err != nil {
		r.logger.Error().Err(err).Str(log.FieldEvent, "session.illegal_transition").
			Msg("transition rejected")
	}
}

// publish is safe under r.mu: the bus never blocks and never calls back.
func (r *Runner) publish(ev bus.Event) {
	if r.deps.Bus != nil {
		r.deps.Bus.Publish(ev)
	}
}

// appendSystemLocked writes a daemon-originated line into the session log.
func (r *Runner) appendSystemLocked(line string) {
	r.deps.Logs.Append(r.id, logstore.StreamSystem, r.deps.Clock.Now(), line)
}

// buildEnv lays the caller's variables over the daemon environment and pins
// PORT to the allocation. os/exec keeps the last duplicate.
func buildEnv(env map[string]string, port int) []string {
	out := os.Environ()
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	if port > 0 {
		out = append(out, fmt.Sprintf("PORT=%d", port))
	}
	return out
}

// coalescer batches LogAppended events so one chatty process does not turn
// every line into a bus event. At most one event per flushInterval; the rest
// widen the pending seq range.
type coalescer struct {
	r         *Runner
	limiter   *rate.Limiter
	mu        sync.Mutex
	pendFrom  uint64
	pendTo    uint64
	scheduled bool
}

const coalesceInterval = 50 * time.Millisecond

func (c *coalescer) init(r *Runner) {
	c.r = r
	c.limiter = rate.NewLimiter(rate.Every(coalesceInterval), 1)
}

func (c *coalescer) note(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendFrom == 0 {
		c.pendFrom = seq
	}
	c.pendTo = seq
	if c.limiter.Allow() {
		c.emitLocked()
		return
	}
	if !c.scheduled {
		c.scheduled = true
		time.AfterFunc(coalesceInterval, c.flush)
	}
}

func (c *coalescer) flush() {
	c.mu.Lock()
	c.scheduled = false
	c.emitLocked()
	c.mu.Unlock()
}

// drain emits whatever is pending; called when the process exits so the last
// span is never lost to the timer.
func (c *coalescer) drain() {
	c.mu.Lock()
	c.emitLocked()
	c.mu.Unlock()
}

func (c *coalescer) emitLocked() {
	if c.pendFrom == 0 {
		return
	}
	c.r.publish(bus.LogAppended{SessionID: c.r.id, SeqFrom: c.pendFrom, SeqTo: c.pendTo})
	c.pendFrom, c.pendTo = 0, 0
}

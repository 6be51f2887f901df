// SPDX-License-Identifier: MIT

package lifecycle

import (
	"fmt"
	"time"

	"github.com/devsupd/devsupd/internal/errdefs"
	"github.com/devsupd/devsupd/internal/session/model"
)

// Transition is a single allowed edge in the lifecycle state machine.
type Transition struct {
	From   model.Status
	To     model.Status
	Event  EventKind
	Reason string // default reason; callers may pass a more specific one
}

var transitionsTable = []Transition{
	// Start path
	{From: model.StatusNone, To: model.StatusStarting, Event: EvStart, Reason: "start"},
	{From: model.StatusRestarting, To: model.StatusStarting, Event: EvRestartSpawn, Reason: "restart"},
	{From: model.StatusStarting, To: model.StatusRunning, Event: EvReady},

	// Stop intent
	{From: model.StatusStarting, To: model.StatusStopping, Event: EvStopRequested, Reason: "stop_requested"},
	{From: model.StatusRunning, To: model.StatusStopping, Event: EvStopRequested, Reason: "stop_requested"},
	{From: model.StatusRestarting, To: model.StatusStopped, Event: EvStopRequested, Reason: "restart_canceled"},

	// Process exits. An exit after an explicit stop lands in Stopped no
	// matter the code; a non-zero exit anywhere else is a failure.
	{From: model.StatusStarting, To: model.StatusStopped, Event: EvExitClean, Reason: "exit_zero"},
	{From: model.StatusRunning, To: model.StatusStopped, Event: EvExitClean, Reason: "exit_zero"},
	{From: model.StatusStopping, To: model.StatusStopped, Event: EvExitClean, Reason: "stopped"},
	{From: model.StatusStarting, To: model.StatusFailed, Event: EvExitCrash, Reason: "exit_nonzero"},
	{From: model.StatusRunning, To: model.StatusFailed, Event: EvExitCrash, Reason: "exit_nonzero"},
	{From: model.StatusStopping, To: model.StatusStopped, Event: EvExitCrash, Reason: "stopped"},

	// Spawn failure
	{From: model.StatusStarting, To: model.StatusFailed, Event: EvSpawnFailed, Reason: "spawn_error"},

	// Crash restart policy
	{From: model.StatusFailed, To: model.StatusRestarting, Event: EvRestartScheduled, Reason: "restart_scheduled"},
}

// TransitionFor returns the allowed transition for a given state+event.
func TransitionFor(from model.Status, ev EventKind) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From == from && tr.Event == ev {
			return tr, true
		}
	}
	return Transition{}, false
}

// Step looks up and applies the transition for ev. A reason overrides the
// table default when non-empty. Illegal moves leave the record untouched and
// report ErrState.
func Step(rec *model.Record, ev EventKind, reason string, now time.Time) (Transition, error) {
	tr, ok := TransitionFor(rec.Status, ev)
	if !ok {
		return Transition{}, fmt.Errorf("transition %s + %s not allowed: %w",
			rec.Status, ev, errdefs.ErrState)
	}
	if reason != "" {
		tr.Reason = reason
	}
	ApplyTransition(rec, tr, now)
	return tr, nil
}

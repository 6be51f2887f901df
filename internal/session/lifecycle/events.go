// SPDX-License-Identifier: MIT

// Package lifecycle is the session state machine. Every status move goes
// through the transitions table; code never assigns Status directly.
package lifecycle

// EventKind is a domain event driving a lifecycle transition.
type EventKind int

const (
	EvUnknown EventKind = iota
	EvStart
	EvReady
	EvStopRequested
	EvExitClean
	EvExitCrash
	EvSpawnFailed
	EvRestartScheduled
	EvRestartSpawn
)

func (e EventKind) String() string {
	switch e {
	case EvStart:
		return "start"
	case EvReady:
		return "ready"
	case EvStopRequested:
		return "stop_requested"
	case EvExitClean:
		return "exit_clean"
	case EvExitCrash:
		return "exit_crash"
	case EvSpawnFailed:
		return "spawn_failed"
	case EvRestartScheduled:
		return "restart_scheduled"
	case EvRestartSpawn:
		return "restart_spawn"
	default:
		return "unknown"
	}
}

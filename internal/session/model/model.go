// SPDX-License-Identifier: MIT

// Package model holds the session records owned by the manager. Records are
// mutated only by their owning supervisor goroutine; everyone else sees
// copy-on-read views.
package model

import (
	"fmt"
	"time"

	"github.com/devsupd/devsupd/internal/errdefs"
	"github.com/devsupd/devsupd/internal/portreg"
)

// Status is the client-visible lifecycle state of a session.
type Status string

const (
	// StatusNone is the virtual pre-start state; records never expose it.
	StatusNone       Status = ""
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
	StatusRestarting Status = "restarting"
)

// IsTerminal reports whether no further transitions can happen without an
// explicit restart.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// ParseStatus validates a status filter value.
func ParseStatus(v string) (Status, error) {
	switch Status(v) {
	case StatusStarting, StatusRunning, StatusStopping, StatusStopped, StatusFailed, StatusRestarting:
		return Status(v), nil
	default:
		return StatusNone, fmt.Errorf("unknown status %q: %w", v, errdefs.ErrValidation)
	}
}

// Spec is the immutable description of what a session runs. It survives
// restarts unchanged; only the Record around it moves.
type Spec struct {
	Name        string            `json:"name,omitempty"`
	Command     string            `json:"command"`
	Argv        []string          `json:"argv"`
	Workdir     string            `json:"workdir"`
	Env         map[string]string `json:"env,omitempty"`
	Port        int               `json:"port,omitempty"` // requested; 0 picks from the tag range
	Tag         portreg.Tag       `json:"tag"`
	AutoRestart bool              `json:"autoRestart"`
}

// Record is the manager-owned state of one session.
type Record struct {
	ID           string
	Spec         Spec
	Status       Status
	Reason       string
	Port         int // allocated; 0 when none is held
	PID          int // present only while the process is alive
	RestartCount int
	CreatedAt    time.Time
	StartedAt    time.Time
	ReadyAt      time.Time
	EndedAt      time.Time
	ExitCode     *int
	ExitSignal   string
}

// View is the snapshot served over the control API.
type View struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Command      string            `json:"command"`
	Argv         []string          `json:"argv"`
	Workdir      string            `json:"workdir"`
	Env          map[string]string `json:"env,omitempty"`
	Tag          portreg.Tag       `json:"tag"`
	Status       Status            `json:"status"`
	Reason       string            `json:"reason,omitempty"`
	Port         int               `json:"port,omitempty"`
	PID          int               `json:"pid,omitempty"`
	AutoRestart  bool              `json:"autoRestart"`
	RestartCount int               `json:"restartCount"`
	CreatedAt    time.Time         `json:"createdAt"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	ReadyAt      *time.Time        `json:"readyAt,omitempty"`
	EndedAt      *time.Time        `json:"endedAt,omitempty"`
	ExitCode     *int              `json:"exitCode,omitempty"`
	ExitSignal   string            `json:"exitSignal,omitempty"`
}

// Snapshot deep-copies the record into a View.
func (r *Record) Snapshot() View {
	v := View{
		ID:           r.ID,
		Name:         r.Spec.Name,
		Command:      r.Spec.Command,
		Argv:         append([]string(nil), r.Spec.Argv...),
		Workdir:      r.Spec.Workdir,
		Tag:          r.Spec.Tag,
		Status:       r.Status,
		Reason:       r.Reason,
		Port:         r.Port,
		PID:          r.PID,
		AutoRestart:  r.Spec.AutoRestart,
		RestartCount: r.RestartCount,
		CreatedAt:    r.CreatedAt,
		ExitSignal:   r.ExitSignal,
	}
	if len(r.Spec.Env) > 0 {
		v.Env = make(map[string]string, len(r.Spec.Env))
		for k, val := range r.Spec.Env {
			v.Env[k] = val
		}
	}
	if !r.StartedAt.IsZero() {
		t := r.StartedAt
		v.StartedAt = &t
	}
	if !r.ReadyAt.IsZero() {
		t := r.ReadyAt
		v.ReadyAt = &t
	}
	if !r.EndedAt.IsZero() {
		t := r.EndedAt
		v.EndedAt = &t
	}
	if r.ExitCode != nil {
		c := *r.ExitCode
		v.ExitCode = &c
	}
	return v
}

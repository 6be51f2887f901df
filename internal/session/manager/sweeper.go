// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"time"

	"github.com/devsupd/devsupd/internal/log"
)

// Sweeper drops terminal sessions past their retention horizon, freeing
// their log rings. Interval and retention are read per pass so config
// reloads apply without restarting the loop.
type Sweeper struct {
	Mgr  *Manager
	Conf func() (interval, retention time.Duration)
}

// Run loops until ctx ends, sweeping on a ticker.
func (s *Sweeper) Run(ctx context.Context) {
	interval, _ := s.Conf()
	if interval <= 0 {
		return
	}
	logger := log.WithComponent("sweeper")
	logger.Info().Dur("interval", interval).Msg("retention sweeper started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(time.Now())
			if next, _ := s.Conf(); next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// SweepOnce performs one deterministic pass and returns how many sessions
// were dropped.
func (s *Sweeper) SweepOnce(now time.Time) int {
	_, retention := s.Conf()
	if retention <= 0 {
		return 0
	}
	return s.Mgr.sweepTerminal(now, retention)
}

// sweepTerminal removes terminal sessions whose EndedAt is older than the
// retention horizon.
func (m *Manager) sweepTerminal(now time.Time, retention time.Duration) int {
	cutoff := now.Add(-retention)

	m.mu.Lock()
	var expired []string
	for id, r := range m.sessions {
		v := r.View()
		if !v.Status.IsTerminal() || v.EndedAt == nil {
			continue
		}
		if v.EndedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logs.DropSession(id)
	}
	if len(expired) > 0 {
		m.logger.Info().Int("count", len(expired)).Str(log.FieldEvent, "manager.swept").
			Msg("dropped expired terminal sessions")
		m.refreshGauge()
	}
	return len(expired)
}

// SPDX-License-Identifier: MIT

package lifecycle

import (
	"time"

	"github.com/devsupd/devsupd/internal/session/model"
)

// ApplyTransition mutates the session record according to the transition.
// The caller holds whatever lock guards the record.
func ApplyTransition(rec *model.Record, tr Transition, now time.Time) {
	rec.Status = tr.To
	if tr.Reason != "" {
		rec.Reason = tr.Reason
	}
	switch {
	case tr.To == model.StatusRunning:
		rec.ReadyAt = now
	case tr.To.IsTerminal():
		rec.EndedAt = now
		rec.PID = 0
	}
}

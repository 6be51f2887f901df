// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"errors"
	"regexp"

	"github.com/devsupd/devsupd/internal/bus"
	"github.com/devsupd/devsupd/internal/logstore"
)

// Frame discriminators shared by the SSE and WebSocket transports.
const (
	frameEntry  = "entry"
	frameEvent  = "event"
	frameLagged = "lagged"
	frameEnd    = "end"
)

// End reasons.
const (
	endSessionTerminal = "session_terminal"
	endShutdown        = "shutdown"
)

// frame is one item on a log or event stream. Seq is the per-stream
// monotonic counter, independent of any log sequence inside the payload.
type frame struct {
	Type    string             `json:"type"`
	Seq     uint64             `json:"seq"`
	Entry   *logstore.LogEntry `json:"entry,omitempty"`
	Kind    string             `json:"kind,omitempty"`
	Event   bus.Event          `json:"event,omitempty"`
	Dropped uint64             `json:"dropped,omitempty"`
	Reason  string             `json:"reason,omitempty"`
}

// sender delivers one frame to the client; a non-nil error ends the pump.
type sender func(frame) error

// pumpLogs drains a log subscription into send until the session's log
// completes, ctx ends, or the client goes away. Entries dropped for lag
// surface as a single lagged frame ahead of the batch that follows them.
func pumpLogs(ctx context.Context, sub *logstore.Subscriber, filter *regexp.Regexp, send sender) {
	var seq uint64
	next := func() uint64 { seq++; return seq }

	for {
		batch, dropped, err := sub.Next(ctx)
		switch {
		case errors.Is(err, logstore.ErrSubscriberClosed):
			_ = send(frame{Type: frameEnd, Seq: next(), Reason: endSessionTerminal})
			return
		case err != nil:
			// Context canceled: the client is gone, nothing left to tell it.
			return
		}

		if dropped > 0 {
			if send(frame{Type: frameLagged, Seq: next(), Dropped: dropped}) != nil {
				return
			}
		}
		for i := range batch {
			if filter != nil && !filter.MatchString(batch[i].Line) {
				continue
			}
			if send(frame{Type: frameEntry, Seq: next(), Entry: &batch[i]}) != nil {
				return
			}
		}
	}
}

// pumpEvents drains a bus subscription into send until the bus closes or
// ctx ends.
func pumpEvents(ctx context.Context, sub *bus.Subscription, send sender) {
	var seq uint64
	next := func() uint64 { seq++; return seq }

	for {
		ev, err := sub.Next(ctx)
		switch {
		case errors.Is(err, bus.ErrClosed):
			_ = send(frame{Type: frameEnd, Seq: next(), Reason: endShutdown})
			return
		case err != nil:
			return
		}

		if lag, ok := ev.(bus.Lagged); ok {
			if send(frame{Type: frameLagged, Seq: next(), Dropped: lag.Dropped}) != nil {
				return
			}
			continue
		}
		if send(frame{Type: frameEvent, Seq: next(), Kind: string(ev.Kind()), Event: ev}) != nil {
			return
		}
	}
}

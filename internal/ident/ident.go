// SPDX-License-Identifier: MIT

// Package ident supplies time-sortable ids and the two-part timestamps used
// for log and event ordering. Ordering never depends on wall time alone:
// every Timestamp carries a monotonic reading taken from a fixed base.
package ident

import (
	"time"

	"github.com/google/uuid"
)

// Timestamp pairs a wall-clock reading (for display) with a monotonic one
// (for ordering). The monotonic part is nanoseconds since the owning Clock
// was created and is immune to wall-clock jumps.
type Timestamp struct {
	WallMs int64 `json:"wallMs"`
	MonoNs int64 `json:"monoNs"`
}

// Clock issues Timestamps against a fixed monotonic base.
type Clock struct {
	base time.Time
}

// NewClock creates a clock whose monotonic readings start near zero.
func NewClock() *Clock {
	return &Clock{base: time.Now()}
}

// Now returns the current two-part timestamp.
func (c *Clock) Now() Timestamp {
	now := time.Now()
	return Timestamp{
		WallMs: now.UnixMilli(),
		MonoNs: now.Sub(c.base).Nanoseconds(),
	}
}

// NewID returns a UUIDv7 string. V7 ids embed a millisecond timestamp in the
// most significant bits, so lexicographic order matches creation order across
// restarts without coordination. Falls back to a random v4 only if the
// entropy source fails, which keeps ids collision-free in all cases.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SPDX-License-Identifier: MIT

package logstore

import (
	"context"
	"errors"

	"github.com/devsupd/devsupd/internal/metrics"
)

// DefaultLagBound is how far a subscriber may fall behind before the store
// starts counting entries as dropped instead of queueing them.
const DefaultLagBound = 1024

// ErrSubscriberClosed is returned by Next once a subscriber is finished:
// the session's log was closed and fully drained, its ring was dropped, or
// Close was called.
var ErrSubscriberClosed = errors.New("logstore: subscriber closed")

// Subscriber is a pull cursor over one session's log. A slow reader never
// blocks producers: entries beyond the lag bound (or evicted from the ring)
// are skipped and surface once as a dropped count on the next read.
type Subscriber struct {
	store  *Store
	sl     *sessionLog
	id     uint64
	cursor uint64
	notify chan struct{}
	done   chan struct{}
	closed bool
}

// wake is called with the session lock held.
func (sub *Subscriber) wake() {
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// Next blocks until entries are available and returns them together with the
// number of entries skipped since the previous call. It returns
// ErrSubscriberClosed when no further entries will ever arrive, and
// ctx.Err() when the context ends first. At most one lag bound's worth of
// entries is returned per call.
func (sub *Subscriber) Next(ctx context.Context) ([]LogEntry, uint64, error) {
	for {
		sub.sl.mu.Lock()
		if sub.closed || sub.sl.dropped {
			sub.sl.mu.Unlock()
			return nil, 0, ErrSubscriberClosed
		}
		batch, dropped := sub.collectLocked(sub.sl)
		closed := sub.sl.closed
		sub.sl.mu.Unlock()

		if dropped > 0 {
			metrics.SubscriberLagDropsTotal.Add(float64(dropped))
		}
		if len(batch) > 0 || dropped > 0 {
			return batch, dropped, nil
		}
		if closed {
			return nil, 0, ErrSubscriberClosed
		}

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-sub.done:
			return nil, 0, ErrSubscriberClosed
		case <-sub.notify:
		}
	}
}

// collectLocked advances the cursor past anything evicted or beyond the lag
// bound, counting those as dropped, and copies out the next batch.
func (sub *Subscriber) collectLocked(sl *sessionLog) ([]LogEntry, uint64) {
	var dropped uint64

	if sl.ring.count == 0 {
		if sub.cursor < sl.nextSeq {
			dropped = sl.nextSeq - sub.cursor
			sub.cursor = sl.nextSeq
		}
		return nil, dropped
	}

	oldest := sl.ring.oldestSeq()
	if sub.cursor < oldest {
		dropped += oldest - sub.cursor
		sub.cursor = oldest
	}
	newest := sl.ring.newestSeq()
	if sub.cursor > newest {
		return nil, dropped
	}

	avail := newest - sub.cursor + 1
	if bound := sub.store.lagBound; avail > bound {
		skip := avail - bound
		dropped += skip
		sub.cursor += skip
		avail = bound
	}

	batch := sl.ring.sliceFrom(sub.cursor, int(avail))
	sub.cursor += uint64(len(batch))
	return batch, dropped
}

// Close detaches the subscriber and unblocks any pending Next.
func (sub *Subscriber) Close() {
	sub.sl.mu.Lock()
	if sub.closed {
		sub.sl.mu.Unlock()
		return
	}
	sub.closed = true
	delete(sub.sl.subs, sub.id)
	sub.sl.mu.Unlock()
	close(sub.done)
}

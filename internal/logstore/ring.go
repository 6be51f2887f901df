// SPDX-License-Identifier: MIT

package logstore

// ring is a fixed-budget FIFO of log entries. It evicts from the front when
// either the entry count or the summed raw bytes would exceed its budgets.
// Not safe for concurrent use; the owning sessionLog serializes access.
type ring struct {
	entries    []LogEntry
	head       int
	count      int
	bytes      int64
	maxEntries int
	maxBytes   int64
}

func newRing(maxEntries int, maxBytes int64) *ring {
	return &ring{
		entries:    make([]LogEntry, maxEntries),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

func (r *ring) push(e LogEntry) {
	cost := int64(len(e.Bytes))
	for r.count > 0 && (r.count >= r.maxEntries || r.bytes+cost > r.maxBytes) {
		r.evict()
	}
	idx := (r.head + r.count) % r.maxEntries
	r.entries[idx] = e
	r.count++
	r.bytes += cost
}

func (r *ring) evict() {
	r.bytes -= int64(len(r.entries[r.head].Bytes))
	r.entries[r.head] = LogEntry{}
	r.head = (r.head + 1) % r.maxEntries
	r.count--
}

// reset discards all buffered entries. Sequence numbering is the session's
// concern and is unaffected.
func (r *ring) reset() {
	for i := range r.entries {
		r.entries[i] = LogEntry{}
	}
	r.head = 0
	r.count = 0
	r.bytes = 0
}

func (r *ring) oldestSeq() uint64 {
	if r.count == 0 {
		return 0
	}
	return r.entries[r.head].Seq
}

func (r *ring) newestSeq() uint64 {
	if r.count == 0 {
		return 0
	}
	return r.entries[(r.head+r.count-1)%r.maxEntries].Seq
}

// at returns the i-th entry counting from the oldest.
func (r *ring) at(i int) LogEntry {
	return r.entries[(r.head+i)%r.maxEntries]
}

// sliceFrom copies out up to max entries starting at seq. Entries are
// gap-free, so the offset of seq from the oldest entry is its position.
func (r *ring) sliceFrom(seq uint64, max int) []LogEntry {
	if r.count == 0 || max <= 0 {
		return nil
	}
	oldest := r.oldestSeq()
	if seq < oldest {
		seq = oldest
	}
	newest := r.newestSeq()
	if seq > newest {
		return nil
	}
	start := int(seq - oldest)
	n := r.count - start
	if n > max {
		n = max
	}
	out := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = r.at(start + i)
	}
	return out
}

// tail copies out the newest n entries in append order.
func (r *ring) tail(n int) []LogEntry {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return []LogEntry{}
	}
	out := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = r.at(r.count - n + i)
	}
	return out
}

// SPDX-License-Identifier: MIT

// Package logstore keeps a bounded in-memory log ring per session and fans
// appended entries out to streaming subscribers. Entries carry a gap-free
// per-session sequence number so consumers can account for every line they
// did not see.
package logstore

import (
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/devsupd/devsupd/internal/ident"
	"github.com/devsupd/devsupd/internal/metrics"
)

const (
	// DefaultMaxEntries bounds the per-session ring by entry count.
	DefaultMaxEntries = 10000
	// DefaultMaxBytes bounds the per-session ring by summed raw line bytes.
	DefaultMaxBytes = 8 << 20
)

// Stream labels the origin of a log entry.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
)

// LogEntry is one captured line. Bytes holds the line exactly as read from
// the pipe and is not required to be valid UTF-8; Line is its
// replacement-decoded projection, used for JSON, filters, and readiness
// matching.
type LogEntry struct {
	Seq    uint64          `json:"seq"`
	Ts     ident.Timestamp `json:"ts"`
	Stream Stream          `json:"stream"`
	Bytes  []byte          `json:"-"`
	Line   string          `json:"line"`
}

// sessionLog owns one session's ring and subscribers behind its own lock, so
// readers and writers of different sessions never contend.
type sessionLog struct {
	mu        sync.Mutex
	ring      *ring
	nextSeq   uint64
	closed    bool
	dropped   bool
	subs      map[uint64]*Subscriber
	nextSubID uint64
}

// Store owns the session map. Its lock covers only map lookup and insert;
// everything per-session lives behind the sessionLog lock.
type Store struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	lagBound   uint64
	sessions   map[string]*sessionLog
}

// NewStore returns a Store with the given per-session budgets and
// per-subscriber lag bound. Non-positive values fall back to the defaults.
func NewStore(maxEntries int, maxBytes int64, lagBound int) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if lagBound <= 0 {
		lagBound = DefaultLagBound
	}
	return &Store{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		lagBound:   uint64(lagBound),
		sessions:   make(map[string]*sessionLog),
	}
}

// session returns the sessionLog for id, creating it on first use.
func (s *Store) session(id string) *sessionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.sessions[id]
	if !ok {
		sl = &sessionLog{
			ring:    newRing(s.maxEntries, s.maxBytes),
			nextSeq: 1,
			subs:    make(map[uint64]*Subscriber),
		}
		s.sessions[id] = sl
	}
	return sl
}

// lookup returns the sessionLog for id without creating one.
func (s *Store) lookup(id string) (*sessionLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.sessions[id]
	return sl, ok
}

// Append stores one line and returns its sequence number. The raw bytes are
// kept as-is; the UTF-8 projection is computed here, once, off the ring
// lock. Appends to a closed session are dropped and return 0.
func (s *Store) Append(sessionID string, stream Stream, ts ident.Timestamp, line string) uint64 {
	projected := line
	if !utf8.ValidString(line) {
		projected = strings.ToValidUTF8(line, string(utf8.RuneError))
	}

	sl := s.session(sessionID)
	sl.mu.Lock()
	if sl.closed {
		sl.mu.Unlock()
		return 0
	}
	seq := sl.nextSeq
	sl.nextSeq++
	sl.ring.push(LogEntry{Seq: seq, Ts: ts, Stream: stream, Bytes: []byte(line), Line: projected})
	for _, sub := range sl.subs {
		sub.wake()
	}
	sl.mu.Unlock()

	metrics.LogEntriesTotal.WithLabelValues(string(stream)).Inc()
	metrics.LogBytesTotal.Add(float64(len(line)))
	return seq
}

// Tail returns the newest n entries for a session in append order. Unknown
// sessions yield an empty slice.
func (s *Store) Tail(sessionID string, n int) []LogEntry {
	sl, ok := s.lookup(sessionID)
	if !ok {
		return []LogEntry{}
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.ring.tail(n)
}

// TailFilter returns the newest n entries whose line matches re, in append
// order. The regex runs over a snapshot so a caller-supplied pattern, however
// slow, never holds the ring lock against the producer.
func (s *Store) TailFilter(sessionID string, n int, re *regexp.Regexp) []LogEntry {
	sl, ok := s.lookup(sessionID)
	if !ok {
		return []LogEntry{}
	}
	sl.mu.Lock()
	snap := sl.ring.tail(sl.ring.count)
	sl.mu.Unlock()

	if n <= 0 {
		return []LogEntry{}
	}
	out := make([]LogEntry, 0, n)
	for i := len(snap) - 1; i >= 0 && len(out) < n; i-- {
		if re.MatchString(snap[i].Line) {
			out = append(out, snap[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Subscribe returns a subscriber that sees entries appended after this call.
func (s *Store) Subscribe(sessionID string) *Subscriber {
	sl := s.session(sessionID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return s.subscribeLocked(sl, sl.nextSeq)
}

// SubscribeFrom starts a subscriber at fromSeq. A fromSeq that has already
// been evicted clamps to the oldest retained entry without counting the gap
// as lag; zero means live-only, same as Subscribe.
func (s *Store) SubscribeFrom(sessionID string, fromSeq uint64) *Subscriber {
	sl := s.session(sessionID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	cursor := fromSeq
	if cursor == 0 || cursor > sl.nextSeq {
		cursor = sl.nextSeq
	}
	if oldest := sl.ring.oldestSeq(); oldest > 0 && cursor < oldest {
		cursor = oldest
	}
	return s.subscribeLocked(sl, cursor)
}

// Follow atomically snapshots the newest backlog entries and subscribes to
// everything after them, so the caller sees no gap and no duplicates between
// snapshot and stream.
func (s *Store) Follow(sessionID string, backlog int) ([]LogEntry, *Subscriber) {
	sl := s.session(sessionID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	initial := sl.ring.tail(backlog)
	return initial, s.subscribeLocked(sl, sl.nextSeq)
}

// subscribeLocked registers a subscriber; sl.mu must be held.
func (s *Store) subscribeLocked(sl *sessionLog, from uint64) *Subscriber {
	id := sl.nextSubID
	sl.nextSubID++
	sub := &Subscriber{
		store:  s,
		sl:     sl,
		id:     id,
		cursor: from,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	sl.subs[id] = sub
	return sub
}

// Clear empties a session's ring. Sequence numbers keep increasing from
// where they were, so subscribers observe the cleared span as dropped.
func (s *Store) Clear(sessionID string) {
	sl, ok := s.lookup(sessionID)
	if !ok {
		return
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.ring.reset()
	for _, sub := range sl.subs {
		sub.wake()
	}
}

// CloseSession marks a session's log complete. Subscribers drain what is
// buffered and then stop; the ring stays readable until DropSession.
func (s *Store) CloseSession(sessionID string) {
	sl, ok := s.lookup(sessionID)
	if !ok {
		return
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.closed = true
	for _, sub := range sl.subs {
		sub.wake()
	}
}

// DropSession discards a session's ring and detaches its subscribers.
func (s *Store) DropSession(sessionID string) {
	s.mu.Lock()
	sl, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	sl.mu.Lock()
	sl.dropped = true
	for _, sub := range sl.subs {
		sub.wake()
	}
	sl.mu.Unlock()
}

// Sessions returns the ids that currently hold a ring.
func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}
